// Package cache provides the Redis-backed entity cache shared by all
// inventory services. Reads and writes never fail the caller: a backend
// problem degrades to a cache miss and is logged.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/erp/inventory-services/internal/infrastructure/breaker"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultEntityTTL is used when an entity is cached with ttl <= 0.
	DefaultEntityTTL = 24 * time.Hour
	// DefaultListTTL is used when a list is cached with ttl <= 0.
	DefaultListTTL = time.Hour

	defaultScanBatchSize = 100
)

// Metrics receives cache outcome counts.
type Metrics interface {
	RecordCacheHit(ctx context.Context, entityType string)
	RecordCacheMiss(ctx context.Context, entityType string)
	RecordCacheError(ctx context.Context, entityType, operation string)
}

type nopMetrics struct{}

func (nopMetrics) RecordCacheHit(context.Context, string)          {}
func (nopMetrics) RecordCacheMiss(context.Context, string)         {}
func (nopMetrics) RecordCacheError(context.Context, string, string) {}

// FetchFunc loads an entity from its authoritative source. A nil document
// with a nil error means the entity does not exist.
type FetchFunc func(ctx context.Context, id int64) (shared.Document, error)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTTLs overrides the default entity and list TTLs.
func WithTTLs(entityTTL, listTTL time.Duration) Option {
	return func(s *Store) {
		if entityTTL > 0 {
			s.entityTTL = entityTTL
		}
		if listTTL > 0 {
			s.listTTL = listTTL
		}
	}
}

// WithLocalTier puts an in-process LRU of raw JSON payloads in front of
// Redis. Entries live at most ttl, so peers' writes become visible within
// that bound even when an invalidation event is missed.
func WithLocalTier(size int, ttl time.Duration) Option {
	return func(s *Store) {
		if size <= 0 || ttl <= 0 {
			return
		}
		s.local = expirable.NewLRU[string, []byte](size, nil, ttl)
		s.localTTL = ttl
	}
}

// Store caches entity documents and paginated lists in Redis.
type Store struct {
	client    *redis.Client
	logger    *zap.Logger
	metrics   Metrics
	entityTTL time.Duration
	listTTL   time.Duration

	local    *expirable.LRU[string, []byte]
	localTTL time.Duration
}

// NewStore creates a store on an existing client. The caller keeps
// ownership of the client.
func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		logger:    zap.NewNop(),
		metrics:   nopMetrics{},
		entityTTL: DefaultEntityTTL,
		listTTL:   DefaultListTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("cache")
	return s
}

// EntityTTL returns the default entity TTL.
func (s *Store) EntityTTL() time.Duration { return s.entityTTL }

// ListTTL returns the default list TTL.
func (s *Store) ListTTL() time.Duration { return s.listTTL }

// CacheEntity stores doc under cache:{type}:{id}, replacing any previous value.
func (s *Store) CacheEntity(ctx context.Context, entityType string, id int64, doc shared.Document, ttl time.Duration) {
	if doc == nil {
		return
	}
	if ttl <= 0 {
		ttl = s.entityTTL
	}
	s.set(ctx, entityType, EntityKey(entityType, id), doc, ttl)
}

// GetCachedEntity returns the cached document. Miss, expiry, backend
// failure and corrupt payloads all report false.
func (s *Store) GetCachedEntity(ctx context.Context, entityType string, id int64) (shared.Document, bool) {
	var doc shared.Document
	if !s.get(ctx, entityType, EntityKey(entityType, id), &doc) {
		return nil, false
	}
	return doc, true
}

// DeleteCache removes a cached entity.
func (s *Store) DeleteCache(ctx context.Context, entityType string, id int64) {
	key := EntityKey(entityType, id)
	s.localRemove(key)

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Error("Failed to delete cached entity",
			zap.String("key", key),
			zap.Error(err))
		s.metrics.RecordCacheError(ctx, entityType, "delete")
		return
	}
	s.logger.Debug("Deleted cached entity", zap.String("key", key))
}

// WarmCacheBulk writes all entities in a single pipelined round trip and
// returns how many were written. Entities without an id are skipped.
// Unlike the other writes, a backend failure is returned so startup code
// can decide whether to continue.
func (s *Store) WarmCacheBulk(ctx context.Context, entityType string, entities []shared.Document, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = s.entityTTL
	}

	payloads := make(map[string][]byte, len(entities))
	pipe := s.client.Pipeline()
	for _, doc := range entities {
		id, ok := doc.ID()
		if !ok {
			s.logger.Warn("Skipping entity without id during cache warming",
				zap.String("entity_type", entityType))
			continue
		}
		data, err := json.Marshal(doc)
		if err != nil {
			s.logger.Warn("Skipping unserializable entity during cache warming",
				zap.String("entity_type", entityType),
				zap.Int64("entity_id", id),
				zap.Error(err))
			continue
		}
		key := EntityKey(entityType, id)
		pipe.Set(ctx, key, data, ttl)
		payloads[key] = data
	}

	if len(payloads) == 0 {
		return 0, nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to warm cache",
			zap.String("entity_type", entityType),
			zap.Int("count", len(payloads)),
			zap.Error(err))
		s.metrics.RecordCacheError(ctx, entityType, "warm")
		return 0, fmt.Errorf("warm %s cache: %w", entityType, err)
	}

	for key, data := range payloads {
		s.localAdd(key, data, ttl)
	}

	s.logger.Info("Warmed cache",
		zap.String("entity_type", entityType),
		zap.Int("count", len(payloads)))
	return len(payloads), nil
}

// CacheList stores a list under cache:{type}:list:{listKey}.
func (s *Store) CacheList(ctx context.Context, entityType, listKey string, docs []shared.Document, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.listTTL
	}
	if docs == nil {
		docs = []shared.Document{}
	}
	s.set(ctx, entityType, ListKey(entityType, listKey), docs, ttl)
}

// GetCachedList returns a cached list with the same absent semantics as
// GetCachedEntity.
func (s *Store) GetCachedList(ctx context.Context, entityType, listKey string) ([]shared.Document, bool) {
	var docs []shared.Document
	if !s.get(ctx, entityType, ListKey(entityType, listKey), &docs) {
		return nil, false
	}
	if docs == nil {
		docs = []shared.Document{}
	}
	return docs, true
}

// InvalidateListCache drops every cached list of entityType. Lists are not
// tracked per entity, so any write invalidates all pages.
func (s *Store) InvalidateListCache(ctx context.Context, entityType string) {
	pattern := ListPattern(entityType)
	s.localRemovePrefix(strings.TrimSuffix(pattern, "*"))

	// Deleting while scanning shifts the cursor past unseen keys, so the
	// full key set is collected before anything is removed.
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, defaultScanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.Error("Failed to scan list cache keys",
			zap.String("pattern", pattern),
			zap.Error(err))
		s.metrics.RecordCacheError(ctx, entityType, "invalidate")
		return
	}

	var deletedCount int64
	for start := 0; start < len(keys); start += defaultScanBatchSize {
		end := min(start+defaultScanBatchSize, len(keys))
		deleted, err := s.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			s.logger.Error("Failed to delete list cache keys",
				zap.String("pattern", pattern),
				zap.Error(err))
			s.metrics.RecordCacheError(ctx, entityType, "invalidate")
			return
		}
		deletedCount += deleted
	}

	s.logger.Debug("Invalidated list cache",
		zap.String("entity_type", entityType),
		zap.Int64("deleted_count", deletedCount))
}

// GetOrFetch returns the cached entity or loads it with fetch, caching a
// non-nil result. fetch runs at most once. Fetch errors are logged and
// reported as absent.
func (s *Store) GetOrFetch(ctx context.Context, entityType string, id int64, fetch FetchFunc, ttl time.Duration) (shared.Document, bool) {
	if doc, ok := s.GetCachedEntity(ctx, entityType, id); ok {
		return doc, true
	}
	doc, err := fetch(ctx, id)
	return s.backfill(ctx, entityType, id, doc, err, ttl)
}

// GetOrFetchWithBreaker is GetOrFetch with the fetch guarded by b. While
// the breaker is open the fetch is skipped and the entity reported absent.
func (s *Store) GetOrFetchWithBreaker(ctx context.Context, entityType string, id int64, fetch FetchFunc, b *breaker.Breaker, ttl time.Duration) (shared.Document, bool) {
	if b == nil {
		return s.GetOrFetch(ctx, entityType, id, fetch, ttl)
	}
	if doc, ok := s.GetCachedEntity(ctx, entityType, id); ok {
		return doc, true
	}
	doc, err := breaker.Execute(b, func() (shared.Document, error) {
		return fetch(ctx, id)
	})
	return s.backfill(ctx, entityType, id, doc, err, ttl)
}

func (s *Store) backfill(ctx context.Context, entityType string, id int64, doc shared.Document, err error, ttl time.Duration) (shared.Document, bool) {
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			s.logger.Warn("Circuit open, serving entity as absent",
				zap.String("entity_type", entityType),
				zap.Int64("entity_id", id))
		} else {
			s.logger.Error("Failed to fetch entity",
				zap.String("entity_type", entityType),
				zap.Int64("entity_id", id),
				zap.Error(err))
		}
		return nil, false
	}
	if doc == nil {
		return nil, false
	}
	s.CacheEntity(ctx, entityType, id, doc, ttl)
	return doc, true
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) set(ctx context.Context, entityType, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to marshal cache value",
			zap.String("key", key),
			zap.Error(err))
		return
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.localRemove(key)
		s.logger.Error("Failed to write cache",
			zap.String("key", key),
			zap.Error(err))
		s.metrics.RecordCacheError(ctx, entityType, "set")
		return
	}
	s.localAdd(key, data, ttl)
}

func (s *Store) get(ctx context.Context, entityType, key string, dst any) bool {
	if data, ok := s.localGet(key); ok {
		if err := json.Unmarshal(data, dst); err == nil {
			s.metrics.RecordCacheHit(ctx, entityType)
			return true
		}
		s.localRemove(key)
	}

	data, remaining, err := s.read(ctx, key)
	if errors.Is(err, redis.Nil) {
		s.logger.Debug("Cache miss", zap.String("key", key))
		s.metrics.RecordCacheMiss(ctx, entityType)
		return false
	}
	if err != nil {
		s.logger.Error("Failed to read cache",
			zap.String("key", key),
			zap.Error(err))
		s.metrics.RecordCacheError(ctx, entityType, "get")
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Error("Dropping corrupt cache entry",
			zap.String("key", key),
			zap.Error(err))
		_ = s.client.Del(ctx, key).Err()
		s.metrics.RecordCacheError(ctx, entityType, "decode")
		return false
	}

	s.localAdd(key, data, remaining)
	s.metrics.RecordCacheHit(ctx, entityType)
	return true
}

// read returns the payload stored under key and how long Redis keeps it.
// The TTL is only looked up when the local tier needs it; keys without
// an expiry report the local TTL.
func (s *Store) read(ctx context.Context, key string) ([]byte, time.Duration, error) {
	if s.local == nil {
		data, err := s.client.Get(ctx, key).Bytes()
		return data, 0, err
	}

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}
	data, err := get.Bytes()
	if err != nil {
		return nil, 0, err
	}
	remaining := pttl.Val()
	if remaining < 0 {
		remaining = s.localTTL
	}
	return data, remaining, nil
}

func (s *Store) localGet(key string) ([]byte, bool) {
	if s.local == nil {
		return nil, false
	}
	return s.local.Get(key)
}

// localAdd skips entries whose Redis TTL is shorter than the local TTL so
// the local tier never outlives Redis.
func (s *Store) localAdd(key string, data []byte, ttl time.Duration) {
	if s.local == nil || ttl < s.localTTL {
		return
	}
	s.local.Add(key, data)
}

func (s *Store) localRemove(key string) {
	if s.local == nil {
		return
	}
	s.local.Remove(key)
}

func (s *Store) localRemovePrefix(prefix string) {
	if s.local == nil {
		return
	}
	for _, key := range s.local.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.local.Remove(key)
		}
	}
}
