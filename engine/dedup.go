package engine

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Deduper remembers inbound event ids long enough to absorb the at-least-once
// redelivery the event source is allowed to do. Checking and marking are
// separate so an event is only marked once its effects were applied; a
// processing failure leaves the id unburned and the redelivery retries it.
type Deduper interface {
	// Seen returns true when the event id was fully processed before.
	Seen(ctx context.Context, eventID, kind string) (bool, error)
	// Mark records the event id after its effects were applied.
	Mark(ctx context.Context, eventID, kind string) error
}

type storeDeduper struct {
	store Store
}

// NewStoreDeduper dedupes through the persistent ProcessedEvent table.
func NewStoreDeduper(store Store) Deduper {
	return &storeDeduper{store: store}
}

func (d *storeDeduper) Seen(ctx context.Context, eventID, _ string) (bool, error) {
	return d.store.EventProcessed(ctx, eventID)
}

func (d *storeDeduper) Mark(ctx context.Context, eventID, kind string) error {
	_, err := d.store.MarkEventProcessed(ctx, eventID, kind)
	return err
}

type redisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper dedupes through redis with a TTL. Used when redis is
// enabled; cheaper than a table lookup per event.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) Deduper {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &redisDeduper{client: client, ttl: ttl}
}

func (d *redisDeduper) Seen(ctx context.Context, eventID, _ string) (bool, error) {
	n, err := d.client.Exists(ctx, "evt:"+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *redisDeduper) Mark(ctx context.Context, eventID, kind string) error {
	return d.client.Set(ctx, "evt:"+eventID, kind, d.ttl).Err()
}
