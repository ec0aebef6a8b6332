// Package idempotency replays the stored response of a request that carries
// an Idempotency-Key already seen within the retention window.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrInFlight is returned by Begin while another request holds the key.
var ErrInFlight = errors.New("idempotency: a request with this key is still in progress")

// Record is a stored response.
type Record struct {
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store tracks idempotency keys.
//
// Begin claims key for the caller and returns (nil, nil), returns the
// stored Record when the key already completed, or ErrInFlight when another
// caller holds the claim. A claim is resolved by Complete or Release.
type Store interface {
	Begin(ctx context.Context, key string) (*Record, error)
	Complete(ctx context.Context, key string, rec Record) error
	Release(ctx context.Context, key string) error
}
