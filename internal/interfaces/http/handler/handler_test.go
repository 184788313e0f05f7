package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/erp/inventory-services/internal/application/entity"
	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/erp/inventory-services/internal/infrastructure/breaker"
	"github.com/erp/inventory-services/internal/infrastructure/cache"
	"github.com/erp/inventory-services/internal/infrastructure/config"
	"github.com/erp/inventory-services/internal/infrastructure/event"
	"github.com/erp/inventory-services/internal/infrastructure/persistence"
	"github.com/erp/inventory-services/internal/infrastructure/supervisor"
	"github.com/erp/inventory-services/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type registrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

func newEngine(r registrar) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.RequestID())
	r.RegisterRoutes(engine.Group(""))
	return engine
}

func do(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, string, event.Type, int64, shared.Document) error {
	return errors.New("redis down")
}

func newEntityEngine(t *testing.T, pub entity.Publisher) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	db, err := persistence.NewDatabase(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo, err := persistence.NewDocumentRepository(db.DB, "product")
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(context.Background()))

	if pub == nil {
		pub = event.NewPublisher(client)
	}
	svc := entity.NewService(entity.Config{EntityType: "product"}, repo, cache.NewStore(client), pub)
	return newEngine(NewEntityHandler(svc)), mr
}

func TestEntityHandler_CRUD(t *testing.T) {
	engine, mr := newEntityEngine(t, nil)

	w := do(engine, http.MethodPost, "/products", `{"name":"bolt","price_sell":2.5}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, float64(1), created["id"])
	assert.True(t, mr.Exists(cache.EntityKey("product", 1)))

	w = do(engine, http.MethodGet, "/products/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bolt", decode(t, w)["name"])

	w = do(engine, http.MethodPut, "/products/1", `{"name":"nut"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nut", decode(t, w)["name"])

	w = do(engine, http.MethodDelete, "/products/1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(engine, http.MethodGet, "/products/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	assert.Equal(t, "product not found", body["error"])
	assert.NotEmpty(t, body["request_id"])
}

func TestEntityHandler_List(t *testing.T) {
	engine, _ := newEntityEngine(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusCreated, do(engine, http.MethodPost, "/products", `{"name":"`+name+`"}`).Code)
	}
	for i := 0; i < defaultListLimit; i++ {
		require.Equal(t, http.StatusCreated, do(engine, http.MethodPost, "/products", `{"name":"filler"}`).Code)
	}

	w := do(engine, http.MethodGet, "/products?start=1&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, false, body["cached"])
	items := body["products"].([]any)
	assert.Equal(t, "b", items[0].(map[string]any)["name"])

	w = do(engine, http.MethodGet, "/products?start=1&limit=1", "")
	assert.Equal(t, true, decode(t, w)["cached"])

	w = do(engine, http.MethodGet, "/products", "")
	body = decode(t, w)
	assert.Equal(t, float64(defaultListLimit), body["count"], "no limit returns one default page")
	assert.Equal(t, float64(defaultListLimit), body["limit"])

	w = do(engine, http.MethodGet, "/products?limit=0", "")
	assert.Equal(t, float64(defaultListLimit+3), decode(t, w)["count"], "limit=0 returns the whole collection")
}

func TestEntityHandler_BadRequests(t *testing.T) {
	engine, _ := newEntityEngine(t, nil)

	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/products/abc", ""},
		{http.MethodGet, "/products/0", ""},
		{http.MethodGet, "/products?limit=-1", ""},
		{http.MethodGet, "/products?start=x", ""},
		{http.MethodPost, "/products", `[1,2]`},
		{http.MethodPost, "/products", `not json`},
		{http.MethodPut, "/products/1", ``},
	}
	for _, tt := range tests {
		w := do(engine, tt.method, tt.path, tt.body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "%s %s", tt.method, tt.path)
	}

	assert.Equal(t, http.StatusNotFound, do(engine, http.MethodPut, "/products/9", `{"a":1}`).Code)
	assert.Equal(t, http.StatusNotFound, do(engine, http.MethodDelete, "/products/9", "").Code)
}

func TestEntityHandler_PublishFailureStillAnswers(t *testing.T) {
	engine, _ := newEntityEngine(t, brokenPublisher{})

	w := do(engine, http.MethodPost, "/products", `{"name":"bolt"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "bolt", decode(t, w)["name"])

	assert.Equal(t, http.StatusNoContent, do(engine, http.MethodDelete, "/products/1", "").Code)
}

type fakeSupervisor []supervisor.Status

func (f fakeSupervisor) Statuses() []supervisor.Status { return f }

func TestHealthHandler(t *testing.T) {
	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Timeout: time.Minute})
	b := registry.Get("customer_service")
	_, _ = b.Call(func() (any, error) { return nil, errors.New("down") })

	deps := HealthDeps{
		Service:    "order-service",
		Warmed:     func() bool { return true },
		Supervisor: fakeSupervisor{{Name: "event_listener", State: supervisor.StateRunning, Alive: true, MaxRetries: 3}},
		Breakers:   registry,
		Checks: map[string]Pinger{
			"redis":    PingFunc(func(context.Context) error { return nil }),
			"database": PingFunc(func(context.Context) error { return nil }),
		},
	}

	t.Run("healthy with an open breaker", func(t *testing.T) {
		w := do(newEngine(NewHealthHandler(deps)), http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "order-service", resp.Service)
		assert.True(t, resp.CacheWarmed)
		assert.Equal(t, map[string]string{"redis": "ok", "database": "ok"}, resp.Dependencies)
		require.Len(t, resp.Processes, 1)
		assert.Equal(t, supervisor.StateRunning, resp.Processes[0].State)
		require.Len(t, resp.Breakers, 1)
		assert.Equal(t, breaker.StateOpen, resp.Breakers[0].State)
	})

	t.Run("dependency down", func(t *testing.T) {
		d := deps
		d.Checks = map[string]Pinger{"redis": PingFunc(func(context.Context) error { return errors.New("refused") })}
		w := do(newEngine(NewHealthHandler(d)), http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode(t, w)
		assert.Equal(t, "unhealthy", body["status"])
		assert.Equal(t, map[string]any{"redis": "unavailable"}, body["dependencies"])
	})

	t.Run("failed process", func(t *testing.T) {
		d := deps
		d.Supervisor = fakeSupervisor{{Name: "event_listener", State: supervisor.StateFailed}}
		w := do(newEngine(NewHealthHandler(d)), http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("minimal deps", func(t *testing.T) {
		w := do(newEngine(NewHealthHandler(HealthDeps{Service: "svc"})), http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, false, body["cache_warmed"])
		assert.Equal(t, []any{}, body["processes"])
	})
}

func TestBreakerHandler(t *testing.T) {
	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Timeout: time.Minute})
	b := registry.Get("product_service")
	_, _ = b.Call(func() (any, error) { return nil, errors.New("down") })
	require.Equal(t, breaker.StateOpen, b.State())

	engine := newEngine(NewBreakerHandler(registry))

	w := do(engine, http.MethodGet, "/admin/breakers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["breakers"], 1)

	w = do(engine, http.MethodPost, "/admin/breakers/product_service/reset", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, breaker.StateClosed, b.State())

	w = do(engine, http.MethodPost, "/admin/breakers/nope/reset", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
