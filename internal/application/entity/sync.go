package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
	"github.com/erp/inventory-services/internal/infrastructure/cache"
	"github.com/erp/inventory-services/internal/infrastructure/event"
)

// CacheSyncHandlers mirrors peer change events into the local cache: created
// and updated documents replace the cached entity, deleted ones are evicted,
// and the type's cached pages are dropped each time. Events arriving on a
// channel not belonging to one of entityTypes are rejected.
func CacheSyncHandlers(store *cache.Store, ttl time.Duration, entityTypes ...string) event.Handlers {
	byChannel := make(map[string]string, len(entityTypes))
	for _, t := range entityTypes {
		byChannel[event.ChannelFor(t)] = t
	}

	resolve := func(channel string) (string, error) {
		t, ok := byChannel[channel]
		if !ok {
			return "", fmt.Errorf("no entity type for channel %q", channel)
		}
		return t, nil
	}

	upsert := func(ctx context.Context, channel string, id int64, data shared.Document) error {
		entityType, err := resolve(channel)
		if err != nil {
			return err
		}
		doc := data.Clone()
		if doc == nil {
			doc = shared.Document{}
		}
		doc[shared.IDField] = id
		store.CacheEntity(ctx, entityType, id, doc, ttl)
		store.InvalidateListCache(ctx, entityType)
		return nil
	}

	return event.Handlers{
		Created: upsert,
		Updated: upsert,
		Deleted: func(ctx context.Context, channel string, id int64, _ shared.Document) error {
			entityType, err := resolve(channel)
			if err != nil {
				return err
			}
			store.DeleteCache(ctx, entityType, id)
			store.InvalidateListCache(ctx, entityType)
			return nil
		},
	}
}
