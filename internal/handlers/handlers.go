package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/Brownie44l1/crop-disease-api/internal/predictor"
	"github.com/Brownie44l1/crop-disease-api/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// DefaultListLimit is used when a history request has no limit.
const DefaultListLimit = 20

// Options tune upload handling.
type Options struct {
	MaxUploadBytes int64
	UploadDir      string // uploads are kept here for future training when set
}

type Handler struct {
	predictor predictor.Predictor
	store     store.Store
	catalog   *model.TreatmentCatalog
	opts      Options
}

func NewHandler(p predictor.Predictor, s store.Store, catalog *model.TreatmentCatalog, opts Options) *Handler {
	if catalog == nil {
		catalog = model.DefaultCatalog()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{predictor: p, store: s, catalog: catalog, opts: opts}
}

// Base64Request is the body of the base64 prediction endpoint.
type Base64Request struct {
	ImageBase64 string `json:"image_base64" binding:"required"`
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": msg})
}

// statusFor maps prediction errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, imageutil.ErrDecode), errors.Is(err, imageutil.ErrUnsupportedMode):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrModelNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "predictor": h.predictor.Source()})
}

// PredictUpload classifies a multipart upload in field "file" (or "image").
func (h *Handler) PredictUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	file, header, err := c.Request.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = c.Request.FormFile("image")
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorJSON(c, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("File exceeds the %d MB upload limit", h.opts.MaxUploadBytes>>20))
			return
		}
		errorJSON(c, http.StatusBadRequest, "No image file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		errorJSON(c, http.StatusBadRequest, "File must be an image")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	log.Debug().Str("filename", header.Filename).Int("bytes", len(data)).Msg("received upload")
	h.predict(c, filepath.Base(header.Filename), data)
}

// PredictBase64 classifies a base64 image, optionally a data URL.
func (h *Handler) PredictBase64(c *gin.Context) {
	var req Base64Request
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "Request body must be {\"image_base64\": \"...\"}")
		return
	}
	data, err := imageutil.DecodeBase64(req.ImageBase64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid base64 image data")
		return
	}
	name := "base64_image"
	if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		name += "." + format
	}
	h.predict(c, name, data)
}

func (h *Handler) predict(c *gin.Context, filename string, data []byte) {
	result, err := h.predictor.Predict(c.Request.Context(), imageutil.Bytes(data))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("filename", filename).Msg("prediction failed")
			errorJSON(c, status, "Error processing image")
			return
		}
		errorJSON(c, status, err.Error())
		return
	}

	if h.opts.UploadDir != "" {
		h.keepUpload(filename, data)
	}

	rec := &store.Record{
		Filename:   filename,
		Prediction: result.Prediction,
		Confidence: result.Confidence,
		Treatments: result.Treatments,
		Source:     h.predictor.Source(),
	}
	if err := h.store.Save(c.Request.Context(), rec); err != nil {
		log.Error().Err(err).Msg("failed to record prediction")
		errorJSON(c, http.StatusInternalServerError, "Error recording prediction")
		return
	}
	log.Info().
		Str("id", rec.ID).
		Str("prediction", rec.Prediction).
		Float64("confidence", rec.Confidence).
		Str("source", rec.Source).
		Msg("prediction served")
	c.JSON(http.StatusOK, rec)
}

// keepUpload stores the raw upload as <timestamp>_<filename>. Failures are
// logged only; they never fail the request.
func (h *Handler) keepUpload(filename string, data []byte) {
	if err := os.MkdirAll(h.opts.UploadDir, 0o755); err != nil {
		log.Warn().Err(err).Msg("cannot create upload dir")
		return
	}
	name := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102_150405.000000"), filename)
	if err := os.WriteFile(filepath.Join(h.opts.UploadDir, name), data, 0o644); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("cannot keep upload")
	}
}

func (h *Handler) ListPredictions(c *gin.Context) {
	limit := DefaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list predictions")
		errorJSON(c, http.StatusInternalServerError, "Error listing predictions")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) GetPrediction(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "Prediction not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to load prediction")
		errorJSON(c, http.StatusInternalServerError, "Error loading prediction")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Treatments(c *gin.Context) {
	label := c.Param("label")
	treatments, known := h.catalog.Lookup(label)
	c.JSON(http.StatusOK, gin.H{"label": label, "known": known, "treatments": treatments})
}
