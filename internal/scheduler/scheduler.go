package scheduler

import (
	"context"
	"fmt"
	"time"

	"calsyncd/internal/config"
	"calsyncd/internal/database"
	"calsyncd/internal/domain"
	"calsyncd/internal/models"

	"github.com/rs/zerolog"
)

// Enqueuer schedules queue items; satisfied by the worker processor.
type Enqueuer interface {
	ScheduleSync(ctx context.Context, item *models.QueueItem) error
}

// Scheduler runs the periodic triggers: re-sync of accounts whose last sync
// went stale, renewal of webhooks about to expire, and cleanup of old
// completed queue items. Idempotency claims keep overlapping sweeps (or
// several instances sharing redis) from double-enqueueing the same work.
type Scheduler struct {
	db          *database.DB
	queue       Enqueuer
	idempotency domain.IdempotencyStore
	cfg         config.SyncConfig
	logger      zerolog.Logger
}

func New(db *database.DB, queue Enqueuer, idempotency domain.IdempotencyStore, cfg config.SyncConfig, logger *zerolog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = models.StaleSyncThreshold
	}
	if cfg.WebhookRenewalWithin <= 0 {
		cfg.WebhookRenewalWithin = models.WebhookRenewalWindow
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	return &Scheduler{
		db:          db,
		queue:       queue,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs sweeps until ctx is done. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("sweep_interval", s.cfg.SweepInterval).
		Dur("stale_after", s.cfg.StaleAfter).
		Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.sweep(ctx)
		case <-cleanupTicker.C:
			s.CleanupCompleted(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if err := s.SweepStaleAccounts(ctx); err != nil {
		s.logger.Error().Err(err).Msg("stale account sweep failed")
	}
	if err := s.SweepExpiringWebhooks(ctx); err != nil {
		s.logger.Error().Err(err).Msg("webhook renewal sweep failed")
	}
}

// SweepStaleAccounts enqueues an incremental sync for every account whose
// last sync is older than the staleness threshold (or that never synced).
func (s *Scheduler) SweepStaleAccounts(ctx context.Context) error {
	accounts, err := s.db.ListStaleAccounts(ctx, s.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("list stale accounts: %w", err)
	}

	scheduled := 0
	for i := range accounts {
		account := &accounts[i]
		key := idempotencyKey(account, models.OpIncrementalSync)
		ok, err := s.idempotency.Claim(ctx, key, s.cfg.StaleAfter)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("idempotency claim failed, scheduling anyway")
		} else if !ok {
			continue
		}

		item := &models.QueueItem{
			UserID:    account.UserID,
			AccountID: account.ID,
			Provider:  account.Provider,
			Operation: models.OpIncrementalSync,
			Priority:  models.PriorityMedium,
		}
		if err := s.queue.ScheduleSync(ctx, item); err != nil {
			s.logger.Error().Err(err).Int64("account_id", account.ID).Msg("schedule stale sync")
			_ = s.idempotency.Release(ctx, key)
			continue
		}
		scheduled++
	}

	if scheduled > 0 {
		s.logger.Info().Int("accounts", scheduled).Msg("scheduled syncs for stale accounts")
	}
	return nil
}

// SweepExpiringWebhooks enqueues high-priority renewals for webhooks that
// expire within the renewal window.
func (s *Scheduler) SweepExpiringWebhooks(ctx context.Context) error {
	accounts, err := s.db.ListExpiringWebhooks(ctx, s.cfg.WebhookRenewalWithin)
	if err != nil {
		return fmt.Errorf("list expiring webhooks: %w", err)
	}

	scheduled := 0
	for i := range accounts {
		account := &accounts[i]
		key := idempotencyKey(account, models.OpWebhookRenewal)
		ok, err := s.idempotency.Claim(ctx, key, s.cfg.WebhookRenewalWithin/2)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("idempotency claim failed, scheduling anyway")
		} else if !ok {
			continue
		}

		item := &models.QueueItem{
			UserID:    account.UserID,
			AccountID: account.ID,
			Provider:  account.Provider,
			Operation: models.OpWebhookRenewal,
			Priority:  models.PriorityHigh,
		}
		if err := s.queue.ScheduleSync(ctx, item); err != nil {
			s.logger.Error().Err(err).Int64("account_id", account.ID).Msg("schedule webhook renewal")
			_ = s.idempotency.Release(ctx, key)
			continue
		}
		scheduled++
	}

	if scheduled > 0 {
		s.logger.Info().Int("webhooks", scheduled).Msg("scheduled webhook renewals")
	}
	return nil
}

// CleanupCompleted removes completed queue items past retention.
func (s *Scheduler) CleanupCompleted(ctx context.Context) {
	removed, err := s.db.CleanupCompletedItems(ctx, models.CompletedRetention)
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup completed items failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("cleaned up completed queue items")
	}
}

func idempotencyKey(account *models.ProviderAccount, op models.Operation) string {
	return fmt.Sprintf("%s:%d:%s", account.Provider, account.ID, op)
}
