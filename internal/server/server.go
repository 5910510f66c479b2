// Package server assembles the HTTP service from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Brownie44l1/crop-disease-api/internal/config"
	"github.com/Brownie44l1/crop-disease-api/internal/handlers"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/Brownie44l1/crop-disease-api/internal/predictor"
	"github.com/Brownie44l1/crop-disease-api/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ShutdownTimeout bounds how long in-flight requests may take to finish.
const ShutdownTimeout = 10 * time.Second

// Server owns the predictor, the history store and the HTTP listener.
type Server struct {
	Predictor predictor.Predictor
	Store     store.Store
	http      *http.Server
}

// New builds every dependency described by cfg. The predictor falls back to
// mock predictions when no usable artifact exists.
func New(cfg config.Config) (*Server, error) {
	catalog := model.DefaultCatalog()
	if cfg.Model.TreatmentsPath != "" {
		c, err := model.LoadCatalog(cfg.Model.TreatmentsPath)
		if err != nil {
			return nil, err
		}
		catalog = c
	}

	backbone, err := model.NewBackbone(cfg.Model.Backbone, model.BackboneConfig{
		ModelPath:   cfg.Model.BackbonePath,
		LibraryPath: cfg.Model.ORTLibPath,
	})
	if err != nil {
		return nil, fmt.Errorf("server: backbone: %w", err)
	}
	p := predictor.Select(cfg.Model.Path, catalog, model.WithBackbone(backbone))
	if p.Source() == predictor.SourceMock {
		backbone.Close()
	}

	s, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		p.Close()
		return nil, err
	}

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandler(p, s, catalog, handlers.Options{
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		UploadDir:      cfg.Server.UploadDir,
	})

	return &Server{
		Predictor: p,
		Store:     s,
		http: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           handlers.NewRouter(h, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		ev := log.Info().
			Str("addr", s.http.Addr).
			Str("predictor", s.Predictor.Source())
		if tp, ok := s.Predictor.(*predictor.TrainedPredictor); ok {
			ev = ev.Strs("classes", tp.ClassNames())
		}
		ev.Msg("server starting")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}

// Close releases the predictor and the store.
func (s *Server) Close() error {
	return errors.Join(s.Predictor.Close(), s.Store.Close())
}
