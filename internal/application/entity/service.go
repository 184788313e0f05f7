// Package entity composes the authoritative store, the cache, the event bus
// and the peer breakers into the read/write path of one service.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/erp/inventory-services/internal/infrastructure/cache"
	"github.com/erp/inventory-services/internal/infrastructure/event"
	"github.com/erp/inventory-services/internal/infrastructure/logger"
	"github.com/erp/inventory-services/internal/infrastructure/persistence"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when the entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")
	// ErrPublish wraps an event publication failure. The write it follows
	// has already been committed and cached.
	ErrPublish = errors.New("change committed but event not published")
	// ErrInvalidReference is returned when a referenced peer entity is absent.
	ErrInvalidReference = errors.New("referenced entity not found")
)

// Repository is the authoritative store of one entity type.
type Repository interface {
	Get(ctx context.Context, id int64) (shared.Document, error)
	List(ctx context.Context, offset, limit int) ([]shared.Document, error)
	All(ctx context.Context) ([]shared.Document, error)
	Create(ctx context.Context, doc shared.Document) (shared.Document, error)
	Update(ctx context.Context, id int64, doc shared.Document) (shared.Document, error)
	Delete(ctx context.Context, id int64) error
}

// Publisher announces entity changes.
type Publisher interface {
	Publish(ctx context.Context, channel string, eventType event.Type, entityID int64, data shared.Document) error
}

// Config describes the entity type the service owns.
type Config struct {
	EntityType string
	Channel    string // defaults to event.ChannelFor(EntityType)
	EntityTTL  time.Duration
	ListTTL    time.Duration
	// ValidateReferences rejects writes whose "{peer}_id" fields point at
	// peer entities that cannot be resolved.
	ValidateReferences bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnrichers attaches peer enrichers applied to every read.
func WithEnrichers(enrichers ...*Enricher) Option {
	return func(s *Service) {
		s.enrichers = append(s.enrichers, enrichers...)
	}
}

// Service is the read/write façade of the owned entity type.
type Service struct {
	cfg       Config
	repo      Repository
	store     *cache.Store
	publisher Publisher
	enrichers []*Enricher
	logger    *zap.Logger
	warmed    atomic.Bool
}

// NewService wires the façade.
func NewService(cfg Config, repo Repository, store *cache.Store, publisher Publisher, opts ...Option) *Service {
	if cfg.Channel == "" {
		cfg.Channel = event.ChannelFor(cfg.EntityType)
	}
	if cfg.EntityTTL <= 0 {
		cfg.EntityTTL = store.EntityTTL()
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = store.ListTTL()
	}

	s := &Service{
		cfg:       cfg,
		repo:      repo,
		store:     store,
		publisher: publisher,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("entity_type", cfg.EntityType))
	return s
}

// EntityType returns the owned entity type.
func (s *Service) EntityType() string {
	return s.cfg.EntityType
}

// Enrichers returns the configured peer enrichers.
func (s *Service) Enrichers() []*Enricher {
	return s.enrichers
}

// CacheWarmed reports whether WarmCache has completed successfully.
func (s *Service) CacheWarmed() bool {
	return s.warmed.Load()
}

// Get returns one entity: cache first, then the store, backfilling the cache.
func (s *Service) Get(ctx context.Context, id int64) (shared.Document, error) {
	doc, ok := s.store.GetCachedEntity(ctx, s.cfg.EntityType, id)
	if !ok {
		var err error
		doc, err = s.repo.Get(ctx, id)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load %s %d: %w", s.cfg.EntityType, id, err)
		}
		s.store.CacheEntity(ctx, s.cfg.EntityType, id, doc, s.cfg.EntityTTL)
	}
	return s.enrich(ctx, doc), nil
}

// List returns one page of entities. cached reports whether the page came
// from the list cache.
func (s *Service) List(ctx context.Context, start, limit int) (docs []shared.Document, cached bool, err error) {
	key := cache.PageKey(start, limit)
	if docs, ok := s.store.GetCachedList(ctx, s.cfg.EntityType, key); ok {
		return s.enrichAll(ctx, docs), true, nil
	}

	docs, err = s.repo.List(ctx, start, limit)
	if err != nil {
		return nil, false, fmt.Errorf("list %s: %w", s.cfg.EntityType, err)
	}
	s.store.CacheList(ctx, s.cfg.EntityType, key, docs, s.cfg.ListTTL)
	return s.enrichAll(ctx, docs), false, nil
}

// Create persists doc, caches it, drops cached pages and publishes created.
func (s *Service) Create(ctx context.Context, doc shared.Document) (shared.Document, error) {
	if err := s.checkReferences(ctx, doc); err != nil {
		return nil, err
	}

	stored, err := s.repo.Create(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", s.cfg.EntityType, err)
	}
	return s.afterWrite(ctx, event.Created, stored)
}

// Update replaces the document stored under id.
func (s *Service) Update(ctx context.Context, id int64, doc shared.Document) (shared.Document, error) {
	if err := s.checkReferences(ctx, doc); err != nil {
		return nil, err
	}

	stored, err := s.repo.Update(ctx, id, doc)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update %s %d: %w", s.cfg.EntityType, id, err)
	}
	return s.afterWrite(ctx, event.Updated, stored)
}

// Delete removes the entity, its cache entry and cached pages, then
// publishes deleted.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete %s %d: %w", s.cfg.EntityType, id, err)
	}

	s.store.DeleteCache(ctx, s.cfg.EntityType, id)
	s.store.InvalidateListCache(ctx, s.cfg.EntityType)

	if err := s.publisher.Publish(ctx, s.cfg.Channel, event.Deleted, id, shared.Document{shared.IDField: id}); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// WarmCache loads every owned entity into the cache.
func (s *Service) WarmCache(ctx context.Context) (int, error) {
	docs, err := s.repo.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load %s for warm-up: %w", s.cfg.EntityType, err)
	}

	n, err := s.store.WarmCacheBulk(ctx, s.cfg.EntityType, docs, s.cfg.EntityTTL)
	if err != nil {
		return n, err
	}
	s.warmed.Store(true)
	logger.For(ctx, s.logger).Info("Cache warmed", zap.Int("count", n))
	return n, nil
}

func (s *Service) afterWrite(ctx context.Context, eventType event.Type, stored shared.Document) (shared.Document, error) {
	id, _ := stored.ID()
	s.store.CacheEntity(ctx, s.cfg.EntityType, id, stored, s.cfg.EntityTTL)
	s.store.InvalidateListCache(ctx, s.cfg.EntityType)

	result := s.enrich(ctx, stored)
	if err := s.publisher.Publish(ctx, s.cfg.Channel, eventType, id, stored); err != nil {
		return result, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return result, nil
}

func (s *Service) checkReferences(ctx context.Context, doc shared.Document) error {
	if !s.cfg.ValidateReferences {
		return nil
	}
	for _, e := range s.enrichers {
		id, ok := doc.Int64(e.ReferenceField())
		if !ok {
			return fmt.Errorf("%w: %s is required", ErrInvalidReference, e.ReferenceField())
		}
		if _, found := e.Enrich(ctx, id); !found {
			return fmt.Errorf("%w: %s %d", ErrInvalidReference, e.EntityType(), id)
		}
	}
	return nil
}

// enrich attaches peer documents to a copy of doc. Unresolvable
// references are left out.
func (s *Service) enrich(ctx context.Context, doc shared.Document) shared.Document {
	if len(s.enrichers) == 0 || doc == nil {
		return doc
	}

	out := doc.Clone()
	for _, e := range s.enrichers {
		id, ok := doc.Int64(e.ReferenceField())
		if !ok {
			continue
		}
		if peerDoc, found := e.Enrich(ctx, id); found {
			out[e.EntityType()] = peerDoc
		}
	}
	return out
}

func (s *Service) enrichAll(ctx context.Context, docs []shared.Document) []shared.Document {
	if len(s.enrichers) == 0 {
		return docs
	}
	out := make([]shared.Document, len(docs))
	for i, doc := range docs {
		out[i] = s.enrich(ctx, doc)
	}
	return out
}
