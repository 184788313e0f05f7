package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/erp/inventory-services/internal/application/entity"
	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// defaultListLimit applies when a list request carries no limit.
const defaultListLimit = 50

// EntityHandler exposes the owned entity type under /{type}s.
type EntityHandler struct {
	BaseHandler
	svc        *entity.Service
	collection string
}

// NewEntityHandler creates a handler for svc.
func NewEntityHandler(svc *entity.Service) *EntityHandler {
	return &EntityHandler{svc: svc, collection: svc.EntityType() + "s"}
}

// RegisterRoutes mounts the collection routes on rg.
func (h *EntityHandler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/" + h.collection)
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

// List returns {"<type>s": [...], "start", "limit", "count", "cached"}.
// Without a limit one page of defaultListLimit is returned; limit=0 returns
// the whole collection.
func (h *EntityHandler) List(c *gin.Context) {
	start, err := queryInt(c, "start", 0)
	if err != nil {
		h.Error(c, http.StatusBadRequest, "start must be a non-negative integer")
		return
	}
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil {
		h.Error(c, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	docs, cached, err := h.svc.List(c.Request.Context(), start, limit)
	if err != nil {
		h.Logger(c).Error("Failed to list entities", zap.Error(err))
		h.Error(c, http.StatusInternalServerError, "failed to fetch "+h.collection)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		h.collection: docs,
		"start":      start,
		"limit":      limit,
		"count":      len(docs),
		"cached":     cached,
	})
}

// Get returns one document.
func (h *EntityHandler) Get(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	doc, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Create persists the request body as a new document.
func (h *EntityHandler) Create(c *gin.Context) {
	doc, ok := h.bindDocument(c)
	if !ok {
		return
	}

	created, err := h.svc.Create(c.Request.Context(), doc)
	if h.committed(c, created, err) {
		c.JSON(http.StatusCreated, created)
		return
	}
	h.writeError(c, err)
}

// Update replaces the document under :id with the request body.
func (h *EntityHandler) Update(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	doc, ok := h.bindDocument(c)
	if !ok {
		return
	}

	updated, err := h.svc.Update(c.Request.Context(), id, doc)
	if h.committed(c, updated, err) {
		c.JSON(http.StatusOK, updated)
		return
	}
	h.writeError(c, err)
}

// Delete removes the document under :id.
func (h *EntityHandler) Delete(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	err := h.svc.Delete(c.Request.Context(), id)
	if err == nil || errors.Is(err, entity.ErrPublish) {
		if err != nil {
			h.Logger(c).Warn("Entity deleted but event not published", zap.Int64("entity_id", id), zap.Error(err))
		}
		c.Status(http.StatusNoContent)
		return
	}
	h.writeError(c, err)
}

// committed reports whether the write reached the store. A publish failure
// after commit is logged and still answered with the stored document.
func (h *EntityHandler) committed(c *gin.Context, doc shared.Document, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, entity.ErrPublish) && doc != nil {
		h.Logger(c).Warn("Entity written but event not published", zap.Error(err))
		return true
	}
	return false
}

func (h *EntityHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		h.Error(c, http.StatusNotFound, h.svc.EntityType()+" not found")
	case errors.Is(err, entity.ErrInvalidReference):
		h.Error(c, http.StatusBadRequest, err.Error())
	default:
		h.Logger(c).Error("Entity operation failed", zap.Error(err))
		h.Error(c, http.StatusInternalServerError, "internal server error")
	}
}

func (h *EntityHandler) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.Error(c, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *EntityHandler) bindDocument(c *gin.Context) (shared.Document, bool) {
	var doc shared.Document
	if err := c.ShouldBindJSON(&doc); err != nil || doc == nil {
		h.Error(c, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	return doc, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}
