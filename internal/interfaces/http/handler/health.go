package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/erp/inventory-services/internal/infrastructure/breaker"
	"github.com/erp/inventory-services/internal/infrastructure/supervisor"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthDeps are the components reported by HealthHandler.
type HealthDeps struct {
	Service    string
	Warmed     func() bool
	Supervisor interface{ Statuses() []supervisor.Status }
	Breakers   interface{ Snapshots() []breaker.Snapshot }
	Checks     map[string]Pinger
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string              `json:"status"`
	Service      string              `json:"service"`
	CacheWarmed  bool                `json:"cache_warmed"`
	Dependencies map[string]string   `json:"dependencies"`
	Processes    []supervisor.Status `json:"processes"`
	Breakers     []breaker.Snapshot  `json:"breakers"`
}

// HealthHandler reports service liveness and the state of its resilience
// components.
type HealthHandler struct {
	BaseHandler
	deps HealthDeps
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(deps HealthDeps) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// RegisterRoutes mounts GET /health on rg.
func (h *HealthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
}

// Health answers 200 while every dependency responds and no supervised
// process has failed permanently, 503 otherwise. An open breaker only
// degrades enrichment and does not make the service unhealthy.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:       "healthy",
		Service:      h.deps.Service,
		Dependencies: make(map[string]string, len(h.deps.Checks)),
		Processes:    []supervisor.Status{},
		Breakers:     []breaker.Snapshot{},
	}
	if h.deps.Warmed != nil {
		resp.CacheWarmed = h.deps.Warmed()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.deps.Checks[name].Ping(ctx); err != nil {
			resp.Dependencies[name] = "unavailable"
			resp.Status = "unhealthy"
			continue
		}
		resp.Dependencies[name] = "ok"
	}

	if h.deps.Supervisor != nil {
		resp.Processes = h.deps.Supervisor.Statuses()
		for _, st := range resp.Processes {
			if st.State == supervisor.StateFailed {
				resp.Status = "unhealthy"
			}
		}
	}
	if h.deps.Breakers != nil {
		resp.Breakers = h.deps.Breakers.Snapshots()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
