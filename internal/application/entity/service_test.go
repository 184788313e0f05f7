package entity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/erp/inventory-services/internal/infrastructure/cache"
	"github.com/erp/inventory-services/internal/infrastructure/config"
	"github.com/erp/inventory-services/internal/infrastructure/event"
	"github.com/erp/inventory-services/internal/infrastructure/persistence"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *cache.Store
	repo   *persistence.DocumentRepository
}

func newFixture(t *testing.T, entityType string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	db, err := persistence.NewDatabase(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := persistence.NewDocumentRepository(db.DB, entityType)
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(context.Background()))

	return &fixture{mr: mr, client: client, store: cache.NewStore(client), repo: repo}
}

func (f *fixture) service(t *testing.T, cfg Config, pub Publisher, opts ...Option) *Service {
	t.Helper()
	if pub == nil {
		pub = event.NewPublisher(f.client)
	}
	return NewService(cfg, f.repo, f.store, pub, opts...)
}

// subscribe returns a channel of events received on channel.
func (f *fixture) subscribe(t *testing.T, channel string) <-chan event.Event {
	t.Helper()
	ctx := context.Background()
	sub := f.client.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	out := make(chan event.Event, 8)
	go func() {
		for msg := range sub.Channel() {
			evt, err := event.Decode(msg.Channel, []byte(msg.Payload))
			if err == nil {
				out <- evt
			}
		}
	}()
	return out
}

func next(t *testing.T, events <-chan event.Event) event.Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return event.Event{}
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, string, event.Type, int64, shared.Document) error {
	p.calls++
	return errors.New("redis down")
}

func cachedDoc(t *testing.T, mr *miniredis.Miniredis, key string) shared.Document {
	t.Helper()
	raw, err := mr.Get(key)
	require.NoError(t, err)
	var doc shared.Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestService_ChannelDefaultsFromEntityType(t *testing.T) {
	f := newFixture(t, "order")
	events := f.subscribe(t, "order_events")
	svc := f.service(t, Config{EntityType: "order"}, nil)

	_, err := svc.Create(context.Background(), shared.Document{"quantity": 1})
	require.NoError(t, err)
	assert.Equal(t, event.Created, next(t, events).EventType)
	assert.Equal(t, "order", svc.EntityType())
}

func TestService_GetReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "product")
	svc := f.service(t, Config{EntityType: "product"}, nil)

	stored, err := f.repo.Create(ctx, shared.Document{"name": "bolt"})
	require.NoError(t, err)
	id, _ := stored.ID()

	assert.False(t, f.mr.Exists(cache.EntityKey("product", id)))

	doc, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bolt", doc["name"])
	assert.True(t, f.mr.Exists(cache.EntityKey("product", id)), "miss backfills the cache")
	assert.Equal(t, 24*time.Hour, f.mr.TTL(cache.EntityKey("product", id)))

	// served from cache even once the row is gone
	require.NoError(t, f.repo.Delete(ctx, id))
	doc, err = svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bolt", doc["name"])
}

func TestService_GetNotFound(t *testing.T) {
	f := newFixture(t, "product")
	svc := f.service(t, Config{EntityType: "product"}, nil)

	_, err := svc.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ListCachesPagesUntilWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "supplier")
	svc := f.service(t, Config{EntityType: "supplier", ListTTL: 10 * time.Minute}, nil)

	for _, name := range []string{"acme", "globex", "initech"} {
		_, err := f.repo.Create(ctx, shared.Document{"name": name})
		require.NoError(t, err)
	}

	page, cached, err := svc.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, page, 2)

	listKey := cache.ListKey("supplier", cache.PageKey(0, 2))
	assert.True(t, f.mr.Exists(listKey))
	assert.Equal(t, 10*time.Minute, f.mr.TTL(listKey))

	page, cached, err = svc.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "acme", page[0]["name"])

	_, err = svc.Create(ctx, shared.Document{"name": "umbrella"})
	require.NoError(t, err)
	assert.False(t, f.mr.Exists(listKey), "writes drop cached pages")
}

func TestService_CreateWritesThroughAndPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "customer")
	events := f.subscribe(t, "customer_events")
	svc := f.service(t, Config{EntityType: "customer"}, nil)

	created, err := svc.Create(ctx, shared.Document{"name": "ada"})
	require.NoError(t, err)
	id, ok := created.ID()
	require.True(t, ok)

	cached := cachedDoc(t, f.mr, cache.EntityKey("customer", id))
	assert.Equal(t, "ada", cached["name"])

	evt := next(t, events)
	assert.Equal(t, event.Created, evt.EventType)
	assert.Equal(t, id, evt.EntityID)
	assert.Equal(t, "ada", evt.Data["name"])
}

func TestService_PublishFailureAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "customer")
	pub := &failingPublisher{}
	svc := f.service(t, Config{EntityType: "customer"}, pub)

	created, err := svc.Create(ctx, shared.Document{"name": "ada"})
	require.ErrorIs(t, err, ErrPublish)
	require.NotNil(t, created, "the committed entity is still returned")
	id, _ := created.ID()

	stored, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ada", stored["name"])
	assert.True(t, f.mr.Exists(cache.EntityKey("customer", id)))

	err = svc.Delete(ctx, id)
	require.ErrorIs(t, err, ErrPublish)
	assert.False(t, f.mr.Exists(cache.EntityKey("customer", id)))
	assert.Equal(t, 2, pub.calls)
}

func TestService_Update(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "product")
	events := f.subscribe(t, "product_events")
	svc := f.service(t, Config{EntityType: "product"}, nil)

	created, err := svc.Create(ctx, shared.Document{"name": "bolt", "price": 1.0})
	require.NoError(t, err)
	next(t, events)
	id, _ := created.ID()

	_, err = svc.Update(ctx, id, shared.Document{"name": "nut"})
	require.NoError(t, err)

	cached := cachedDoc(t, f.mr, cache.EntityKey("product", id))
	assert.Equal(t, "nut", cached["name"])
	assert.NotContains(t, cached, "price")

	evt := next(t, events)
	assert.Equal(t, event.Updated, evt.EventType)
	assert.Equal(t, id, evt.EntityID)

	_, err = svc.Update(ctx, 999, shared.Document{"name": "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "product")
	events := f.subscribe(t, "product_events")
	svc := f.service(t, Config{EntityType: "product"}, nil)

	created, err := svc.Create(ctx, shared.Document{"name": "bolt"})
	require.NoError(t, err)
	next(t, events)
	id, _ := created.ID()

	_, _, err = svc.List(ctx, 0, 10)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, id))
	assert.False(t, f.mr.Exists(cache.EntityKey("product", id)))
	assert.False(t, f.mr.Exists(cache.ListKey("product", cache.PageKey(0, 10))))

	evt := next(t, events)
	assert.Equal(t, event.Deleted, evt.EventType)
	assert.Equal(t, id, evt.EntityID)

	_, err = svc.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, id), ErrNotFound)
}

func TestService_WarmCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "warehouse")
	svc := f.service(t, Config{EntityType: "warehouse"}, nil)

	for i := 0; i < 3; i++ {
		_, err := f.repo.Create(ctx, shared.Document{"slot": i})
		require.NoError(t, err)
	}

	assert.False(t, svc.CacheWarmed())
	n, err := svc.WarmCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, svc.CacheWarmed())
	for id := int64(1); id <= 3; id++ {
		assert.True(t, f.mr.Exists(cache.EntityKey("warehouse", id)))
	}
}

func TestService_WarmCacheBackendDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "warehouse")
	svc := f.service(t, Config{EntityType: "warehouse"}, nil)

	_, err := f.repo.Create(ctx, shared.Document{"slot": 1})
	require.NoError(t, err)

	f.mr.Close()
	_, err = svc.WarmCache(ctx)
	assert.Error(t, err)
	assert.False(t, svc.CacheWarmed())
}
