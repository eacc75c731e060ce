package dedupe

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"clubBack/internal/models"
)

const keyPrefix = "billing:webhook:"

// Redis keeps dedupe entries in Redis so every replica sees them.
type Redis struct {
	rdb        *redis.Client
	ttl        time.Duration
	processing time.Duration
	now        func() time.Time
}

var _ Store = (*Redis)(nil)

// NewRedis stores completed results for ttl and in-flight claims for
// processing.
func NewRedis(rdb *redis.Client, ttl, processing time.Duration) *Redis {
	ttl, processing = ttls(ttl, processing)
	return &Redis{rdb: rdb, ttl: ttl, processing: processing, now: time.Now}
}

func key(eventID string) string { return keyPrefix + eventID }

func (r *Redis) Claim(ctx context.Context, eventID string) (Entry, bool, error) {
	payload, err := encode(Entry{State: StateProcessing, UpdatedAt: r.now().UTC()})
	if err != nil {
		return Entry{}, false, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.rdb.SetNX(ctx, key(eventID), payload, r.processing).Result()
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return Entry{}, true, nil
		}
		raw, err := r.rdb.Get(ctx, key(eventID)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return Entry{}, false, err
		}
		existing, err := decode(raw)
		if err != nil {
			return Entry{}, false, err
		}
		return existing, false, nil
	}
	return Entry{}, false, errors.New("dedupe: could not claim event")
}

func (r *Redis) Complete(ctx context.Context, eventID string, result models.ReconciliationResult) error {
	payload, err := encode(Entry{State: StateCompleted, Result: result, UpdatedAt: r.now().UTC()})
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, key(eventID), payload, r.ttl).Err()
}

func (r *Redis) Release(ctx context.Context, eventID string) error {
	return r.rdb.Del(ctx, key(eventID)).Err()
}
