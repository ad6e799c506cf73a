package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
	"github.com/jonesrussell/north-cloud/datafetch/internal/pipeline"
	"github.com/jonesrussell/north-cloud/datafetch/internal/sources"
)

// Handler serves the v1 endpoints.
type Handler struct {
	extractor Extractor
	catalog   Catalog
	logger    logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(extractor Extractor, catalog Catalog, log logger.Logger) *Handler {
	return &Handler{
		extractor: extractor,
		catalog:   catalog,
		logger:    log,
	}
}

// SourceView is the public shape of a configured source.
type SourceView struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name,omitempty"`
	Type       string                  `json:"type"`
	URL        string                  `json:"url,omitempty"`
	Compliance domain.ComplianceStatus `json:"compliance"`
	Profile    string                  `json:"profile,omitempty"`
	Fallbacks  []string                `json:"fallbacks,omitempty"`
}

func viewOf(d domain.SourceDescriptor) SourceView {
	return SourceView{
		ID:         d.Identity,
		Name:       d.Name,
		Type:       d.Type,
		URL:        d.URL,
		Compliance: d.Compliance,
		Profile:    d.Profile,
		Fallbacks:  d.Fallbacks,
	}
}

// Extract runs the pipeline. A run in which every source failed answers 422
// with the full provenance in the body.
func (h *Handler) Extract(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", logger.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	out, err := h.extractor.Run(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoTarget) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Extraction failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Extraction failed"})
		return
	}

	status := http.StatusOK
	if !out.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, out)
}

// ListSources returns every configured source.
func (h *Handler) ListSources(c *gin.Context) {
	descs := h.catalog.List()
	views := make([]SourceView, 0, len(descs))
	for _, d := range descs {
		views = append(views, viewOf(d))
	}
	c.JSON(http.StatusOK, gin.H{
		"sources": views,
		"count":   len(views),
	})
}

// GetSource returns one configured source.
func (h *Handler) GetSource(c *gin.Context) {
	id := c.Param("id")
	d, err := h.catalog.Resolve(id)
	if err != nil {
		if errors.Is(err, sources.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
			return
		}
		h.logger.Error("Failed to resolve source", logger.String("source_id", id), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve source"})
		return
	}
	c.JSON(http.StatusOK, viewOf(d))
}
