package handlers

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// NewRouter wires the handler into a gin engine with recovery, request
// logging and CORS.
func NewRouter(h *Handler, corsOrigins []string) *gin.Engine {
	router := gin.New()
	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(corsOrigins) == 0 || (len(corsOrigins) == 1 && corsOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = corsOrigins
	}
	router.Use(gin.Recovery(), requestLogger(), cors.New(corsCfg))

	router.GET("/health", h.Health)

	api := router.Group("/api")
	api.POST("/predictions/crop-disease", h.PredictUpload)
	api.POST("/predictions/crop-disease-base64", h.PredictBase64)
	api.GET("/predictions", h.ListPredictions)
	api.GET("/predictions/:id", h.GetPrediction)
	api.GET("/treatments/:label", h.Treatments)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
