package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"calsyncd/internal/crypto"
	"calsyncd/internal/database"
	"calsyncd/internal/events"
	"calsyncd/internal/metrics"
	"calsyncd/internal/models"
	"calsyncd/internal/provider"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// errPermanent marks failures no amount of retrying can fix; the item goes
// straight to failed and the dead letter list.
var errPermanent = errors.New("permanent failure")

// Processor drains the persisted sync queue. Items are always claimed
// through the database so concurrent processors never run the same item;
// redis and the local wake channel only shorten the idle wait.
type Processor struct {
	db          *database.DB
	registry    *provider.Registry
	redis       *redis.Client
	bus         *events.EventBus
	retryPolicy RetryPolicy

	wake          chan struct{}
	notifyKey     string
	deadLetterKey string
	pollInterval  time.Duration
	depthInterval time.Duration
	logger        zerolog.Logger
}

func NewProcessor(db *database.DB, registry *provider.Registry, redisClient *redis.Client, bus *events.EventBus, policy RetryPolicy, pollInterval time.Duration, logger *zerolog.Logger) *Processor {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Processor{
		db:            db,
		registry:      registry,
		redis:         redisClient,
		bus:           bus,
		retryPolicy:   policy,
		wake:          make(chan struct{}, models.WorkerQueueSize),
		notifyKey:     "sync:notify",
		deadLetterKey: "sync:deadletter",
		pollInterval:  pollInterval,
		depthInterval: 15 * time.Second,
		logger:        logger.With().Str("component", "processor").Logger(),
	}
}

// ScheduleSync validates and persists an item, then wakes the loop.
func (p *Processor) ScheduleSync(ctx context.Context, item *models.QueueItem) error {
	if !item.Provider.Valid() {
		return fmt.Errorf("unknown provider: %s", item.Provider)
	}
	if !item.Operation.Valid() {
		return fmt.Errorf("unknown operation: %s", item.Operation)
	}
	if item.AccountID == 0 {
		return errors.New("account id is required")
	}
	if item.Priority == 0 {
		item.Priority = models.PriorityMedium
	}

	if err := p.db.EnqueueItem(ctx, item); err != nil {
		return fmt.Errorf("persist queue item: %w", err)
	}

	p.bus.PublishItem(events.EventSyncScheduled, item, nil)
	p.notify(ctx)
	return nil
}

// Start runs the claim loop until ctx is done.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info().Msg("processor started")
	defer p.logger.Info().Msg("processor stopped")

	depthTicker := time.NewTicker(p.depthInterval)
	defer depthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-depthTicker.C:
			p.updateQueueDepth(ctx)
		default:
		}

		item, err := p.db.ClaimNextItem(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("claim next item")
			p.waitForWork(ctx)
			continue
		}
		if item == nil {
			p.waitForWork(ctx)
			continue
		}

		p.process(ctx, item)
	}
}

func (p *Processor) notify(ctx context.Context) {
	if p.redis != nil {
		err := p.redis.LPush(ctx, p.notifyKey, "1").Err()
		if err == nil {
			return
		}
		p.logger.Warn().Err(err).Msg("redis notify failed, using local wake")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// waitForWork blocks until something signals new work or the poll interval
// elapses. The poll fallback also picks up items whose retry time arrived.
func (p *Processor) waitForWork(ctx context.Context) {
	if p.redis != nil {
		if _, err := p.redis.BRPop(ctx, p.pollInterval, p.notifyKey).Result(); err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Msg("redis BRPOP error")
		}
		return
	}

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.wake:
	case <-timer.C:
	}
}

func (p *Processor) process(ctx context.Context, item *models.QueueItem) {
	started := time.Now()
	err := p.execute(ctx, item)
	metrics.ObserveSyncDuration(string(item.Provider), time.Since(started).Seconds())

	if err == nil {
		if err := p.db.MarkItemCompleted(ctx, item.ID); err != nil {
			p.logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark completed")
		}
		metrics.IncSync(string(item.Provider), string(item.Operation), "success")
		p.bus.PublishItem(events.EventSyncCompleted, item, nil)
		if item.Operation == models.OpWebhookRenewal {
			metrics.IncWebhookRenewal(string(item.Provider), "success")
		}
		return
	}

	p.retryOrFail(ctx, item, err)
}

func (p *Processor) execute(ctx context.Context, item *models.QueueItem) error {
	account, err := p.db.GetProviderAccount(ctx, item.AccountID)
	if err != nil {
		if errors.Is(err, database.ErrAccountNotFound) {
			return fmt.Errorf("%w: %w", errPermanent, err)
		}
		return err
	}

	connector, err := p.registry.Get(item.Provider)
	if err != nil {
		return err
	}

	switch item.Operation {
	case models.OpFullSync:
		_, err = connector.FullSync(ctx, account)
	case models.OpIncrementalSync:
		_, err = connector.IncrementalSync(ctx, account)
	case models.OpWebhookUpdate:
		_, err = connector.HandleWebhookUpdate(ctx, account, item.Data)
	case models.OpWebhookRenewal:
		_, err = connector.RenewWebhook(ctx, account)
	case models.OpEventCreate:
		err = p.createEvent(ctx, connector, account, item)
	case models.OpEventUpdate:
		err = p.updateEvent(ctx, connector, account, item)
	case models.OpEventDelete:
		err = p.deleteEvent(ctx, connector, account, item)
	default:
		err = fmt.Errorf("%w: unknown operation %s", errPermanent, item.Operation)
	}
	return err
}

func (p *Processor) createEvent(ctx context.Context, connector provider.Connector, account *models.ProviderAccount, item *models.QueueItem) error {
	event, err := decodeEventPayload(item.Data)
	if err != nil {
		return err
	}
	event.UserID = account.UserID
	event.AccountID = account.ID
	event.Provider = account.Provider

	id, err := connector.CreateEvent(ctx, account, event)
	if err != nil {
		return err
	}
	event.ProviderEventID = id
	return p.db.UpsertEvent(ctx, event)
}

func (p *Processor) updateEvent(ctx context.Context, connector provider.Connector, account *models.ProviderAccount, item *models.QueueItem) error {
	event, err := decodeEventPayload(item.Data)
	if err != nil {
		return err
	}
	if event.ProviderEventID == "" {
		return fmt.Errorf("%w: update payload has no provider event id", errPermanent)
	}
	event.UserID = account.UserID
	event.AccountID = account.ID
	event.Provider = account.Provider

	if err := connector.UpdateEvent(ctx, account, event); err != nil {
		return err
	}
	return p.db.UpsertEvent(ctx, event)
}

func (p *Processor) deleteEvent(ctx context.Context, connector provider.Connector, account *models.ProviderAccount, item *models.QueueItem) error {
	event, err := decodeEventPayload(item.Data)
	if err != nil {
		return err
	}
	if event.ProviderEventID == "" {
		return fmt.Errorf("%w: delete payload has no provider event id", errPermanent)
	}

	if err := connector.DeleteEvent(ctx, account, event.ProviderEventID); err != nil {
		return err
	}
	return p.db.DeleteEventByProviderID(ctx, account.ID, event.ProviderEventID)
}

func decodeEventPayload(raw string) (*models.CalendarEvent, error) {
	var event models.CalendarEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("%w: decode event payload: %w", errPermanent, err)
	}
	return &event, nil
}

func (p *Processor) retryOrFail(ctx context.Context, item *models.QueueItem, cause error) {
	if p.isPermanent(cause) || item.Attempts >= p.retryPolicy.MaxRetries {
		p.fail(ctx, item, cause)
		return
	}

	delay := p.retryPolicy.NextDelay(item.Attempts + 1)
	nextRetry := time.Now().Add(delay)
	if err := p.db.MarkItemRetry(ctx, item.ID, cause.Error(), nextRetry); err != nil {
		p.logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark retry")
	}

	p.logger.Warn().
		Err(cause).
		Int64("item_id", item.ID).
		Int("attempts", item.Attempts).
		Dur("retry_in", delay).
		Msg("sync attempt failed, scheduled retry")

	metrics.IncSync(string(item.Provider), string(item.Operation), "retry")
	p.bus.PublishItem(events.EventSyncRetried, item, cause)
}

func (p *Processor) fail(ctx context.Context, item *models.QueueItem, cause error) {
	if err := p.db.MarkItemFailed(ctx, item.ID, cause.Error()); err != nil {
		p.logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark failed")
	}
	p.pushDeadLetter(ctx, item, cause)

	p.logger.Error().
		Err(cause).
		Int64("item_id", item.ID).
		Int("attempts", item.Attempts).
		Msg("sync item failed permanently")

	metrics.IncSync(string(item.Provider), string(item.Operation), "failed")
	if item.Operation == models.OpWebhookRenewal {
		metrics.IncWebhookRenewal(string(item.Provider), "failed")
	}
	p.bus.PublishItem(events.EventSyncFailed, item, cause)
}

// isPermanent reports whether the failure cannot succeed on retry: missing
// connectors, undecryptable tokens, unsupported webhook backends, and
// malformed payloads.
func (p *Processor) isPermanent(err error) bool {
	return errors.Is(err, errPermanent) ||
		errors.Is(err, provider.ErrNoConnector) ||
		errors.Is(err, provider.ErrWebhookUnsupported) ||
		errors.Is(err, crypto.ErrDecrypt)
}

func (p *Processor) pushDeadLetter(ctx context.Context, item *models.QueueItem, cause error) {
	if p.redis == nil {
		return
	}

	record := struct {
		Item  *models.QueueItem `json:"item"`
		Error string            `json:"error"`
	}{Item: item, Error: cause.Error()}

	data, err := json.Marshal(record)
	if err != nil {
		p.logger.Error().Err(err).Int64("item_id", item.ID).Msg("encode dead letter")
		return
	}
	if err := p.redis.LPush(ctx, p.deadLetterKey, data).Err(); err != nil {
		p.logger.Error().Err(err).Int64("item_id", item.ID).Msg("dead letter push")
	}
}

func (p *Processor) updateQueueDepth(ctx context.Context) {
	counts, err := p.db.CountItemsByStatus(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("count queue depth")
		return
	}
	for _, status := range []string{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		metrics.SetQueueDepth(status, counts[status])
	}
}
