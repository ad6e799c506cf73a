// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/metrics"
	"github.com/jonesrussell/north-cloud/datafetch/internal/pipeline"
)

// Extractor runs pipeline requests.
type Extractor interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// Catalog lists and resolves configured sources.
type Catalog interface {
	List() []domain.SourceDescriptor
	Resolve(name string) (domain.SourceDescriptor, error)
}

// NewRouter builds the gin engine. m may be nil, in which case /metrics is
// not mounted.
func NewRouter(extractor Extractor, catalog Catalog, m *metrics.Metrics, log logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.NewNop()
	}
	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	h := NewHandler(extractor, catalog, log)
	v1 := router.Group("/api/v1")
	v1.POST("/extract", h.Extract)
	v1.GET("/sources", h.ListSources)
	v1.GET("/sources/:id", h.GetSource)

	return router
}

func ginLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Info("HTTP request",
			logger.String("method", method),
			logger.String("path", path),
			logger.Int("status_code", c.Writer.Status()),
			logger.String("client_ip", c.ClientIP()),
			logger.Duration("duration", time.Since(start)),
		)
	}
}
