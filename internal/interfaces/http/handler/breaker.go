package handler

import (
	"net/http"

	"github.com/erp/inventory-services/internal/infrastructure/breaker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BreakerRegistry is the view of the peer breakers the admin routes need.
type BreakerRegistry interface {
	Snapshots() []breaker.Snapshot
	Reset(name string) bool
}

// BreakerHandler exposes breaker snapshots and a manual reset.
type BreakerHandler struct {
	BaseHandler
	registry BreakerRegistry
}

// NewBreakerHandler creates a BreakerHandler.
func NewBreakerHandler(registry BreakerRegistry) *BreakerHandler {
	return &BreakerHandler{registry: registry}
}

// RegisterRoutes mounts /admin/breakers on rg.
func (h *BreakerHandler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/admin/breakers")
	g.GET("", h.List)
	g.POST("/:name/reset", h.Reset)
}

// List returns every breaker snapshot.
func (h *BreakerHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.registry.Snapshots()})
}

// Reset forces the named breaker closed.
func (h *BreakerHandler) Reset(c *gin.Context) {
	name := c.Param("name")
	if !h.registry.Reset(name) {
		h.Error(c, http.StatusNotFound, "unknown breaker "+name)
		return
	}
	h.Logger(c).Info("Circuit breaker reset by operator", zap.String("breaker", name))
	c.Status(http.StatusNoContent)
}
