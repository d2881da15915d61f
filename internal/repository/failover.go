package repository

import (
	"context"
	"sync/atomic"
	"time"

	"calsyncd/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverIdempotencyStore serves from the primary store until it errors,
// then degrades to the fallback and probes the primary once a minute.
type FailoverIdempotencyStore struct {
	primary   domain.IdempotencyStore
	fallback  domain.IdempotencyStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverIdempotencyStore(primary, fallback domain.IdempotencyStore, logger *zerolog.Logger) *FailoverIdempotencyStore {
	return &FailoverIdempotencyStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (s *FailoverIdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.primaryUsable() {
		ok, err := s.primary.Claim(ctx, key, ttl)
		if err == nil {
			s.markUp()
			return ok, nil
		}
		s.markDown(err)
	}
	return s.fallback.Claim(ctx, key, ttl)
}

func (s *FailoverIdempotencyStore) Release(ctx context.Context, key string) error {
	if s.primaryUsable() {
		err := s.primary.Release(ctx, key)
		if err == nil {
			s.markUp()
			return nil
		}
		s.markDown(err)
	}
	return s.fallback.Release(ctx, key)
}

// primaryUsable is true while the primary is healthy, plus once a minute
// while it is down so the store can notice recovery.
func (s *FailoverIdempotencyStore) primaryUsable() bool {
	if !s.isDown.Load() {
		return true
	}
	last := time.Unix(0, s.lastCheck.Load())
	return time.Since(last) > time.Minute
}

func (s *FailoverIdempotencyStore) markDown(err error) {
	s.logger.Error().Err(err).Msg("primary idempotency store failed, falling back to memory")
	s.isDown.Store(true)
	s.lastCheck.Store(time.Now().UnixNano())
}

func (s *FailoverIdempotencyStore) markUp() {
	if s.isDown.Load() {
		s.logger.Info().Msg("primary idempotency store recovered")
		s.isDown.Store(false)
	}
}
