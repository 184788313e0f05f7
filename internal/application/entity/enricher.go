package entity

import (
	"context"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/erp/inventory-services/internal/infrastructure/breaker"
	"github.com/erp/inventory-services/internal/infrastructure/cache"
	"github.com/erp/inventory-services/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// Fetcher reads entities owned by a peer service.
type Fetcher interface {
	FetchEntity(ctx context.Context, entityType string, id int64) (shared.Document, error)
	FetchAll(ctx context.Context, entityType string) ([]shared.Document, error)
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithEnricherLogger sets the logger.
func WithEnricherLogger(l *zap.Logger) EnricherOption {
	return func(e *Enricher) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEnricherTTL overrides the cache TTL of peer documents.
func WithEnricherTTL(ttl time.Duration) EnricherOption {
	return func(e *Enricher) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// Enricher resolves references to one peer entity type through the cache
// and, on a miss, the peer's breaker-guarded HTTP API.
type Enricher struct {
	entityType string
	fetcher    Fetcher
	breaker    *breaker.Breaker
	store      *cache.Store
	ttl        time.Duration
	logger     *zap.Logger
}

// NewEnricher creates an enricher for entityType served by fetcher.
func NewEnricher(entityType string, fetcher Fetcher, b *breaker.Breaker, store *cache.Store, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		entityType: entityType,
		fetcher:    fetcher,
		breaker:    b,
		store:      store,
		ttl:        store.EntityTTL(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("peer_type", entityType))
	return e
}

// EntityType returns the peer entity type.
func (e *Enricher) EntityType() string {
	return e.entityType
}

// ReferenceField is the document field holding a reference, e.g. "customer_id".
func (e *Enricher) ReferenceField() string {
	return e.entityType + "_id"
}

// Breaker returns the breaker guarding the peer.
func (e *Enricher) Breaker() *breaker.Breaker {
	return e.breaker
}

// Enrich returns the peer document for id. It reports false when the peer
// does not know the id, fails, or its breaker is open.
func (e *Enricher) Enrich(ctx context.Context, id int64) (shared.Document, bool) {
	fetch := func(ctx context.Context, id int64) (shared.Document, error) {
		return e.fetcher.FetchEntity(ctx, e.entityType, id)
	}
	return e.store.GetOrFetchWithBreaker(ctx, e.entityType, id, fetch, e.breaker, e.ttl)
}

// WarmPeer loads every peer entity into the cache. Failures are logged and
// leave the cache untouched.
func (e *Enricher) WarmPeer(ctx context.Context) int {
	docs, err := breaker.Execute(e.breaker, func() ([]shared.Document, error) {
		return e.fetcher.FetchAll(ctx, e.entityType)
	})
	if err != nil {
		logger.For(ctx, e.logger).Warn("Peer cache warm-up failed", zap.Error(err))
		return 0
	}

	n, err := e.store.WarmCacheBulk(ctx, e.entityType, docs, e.ttl)
	if err != nil {
		logger.For(ctx, e.logger).Warn("Peer cache warm-up incomplete", zap.Int("cached", n), zap.Error(err))
		return n
	}
	logger.For(ctx, e.logger).Info("Peer cache warmed", zap.Int("count", n))
	return n
}
