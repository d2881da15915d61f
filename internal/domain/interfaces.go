package domain

import (
	"context"
	"time"
)

// IdempotencyStore deduplicates queue scheduling. Claim takes a key for ttl
// if nobody holds it; a second Claim within the ttl returns false so the
// same sync is not enqueued twice.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
