// Package dedupe remembers which webhook deliveries were already processed so
// provider retries of a finished event are answered from cache.
package dedupe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clubBack/internal/models"
)

const (
	// DefaultTTL covers the provider's redelivery window.
	DefaultTTL = 24 * time.Hour
	// DefaultProcessingTTL bounds how long a claim survives a request that
	// never completed or released it.
	DefaultProcessingTTL = 2 * time.Minute
)

type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
)

type Entry struct {
	State     State                       `json:"state"`
	Result    models.ReconciliationResult `json:"result"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// Store claims event ids before processing.
type Store interface {
	// Claim marks eventID as processing. claimed is false when an entry
	// already existed; the existing entry is returned.
	Claim(ctx context.Context, eventID string) (existing Entry, claimed bool, err error)
	Complete(ctx context.Context, eventID string, result models.ReconciliationResult) error
	// Release forgets eventID so the next delivery is processed again.
	Release(ctx context.Context, eventID string) error
}

func ttls(ttl, processing time.Duration) (time.Duration, time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if processing <= 0 {
		processing = DefaultProcessingTTL
	}
	if processing > ttl {
		processing = ttl
	}
	return ttl, processing
}

func encode(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode dedupe entry: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode dedupe entry: %w", err)
	}
	return e, nil
}
