package events

import (
	"encoding/json"
	"sync"
	"time"

	"calsyncd/internal/models"
)

const (
	EventSyncScheduled  = "sync_scheduled"
	EventSyncCompleted  = "sync_completed"
	EventSyncRetried    = "sync_retried"
	EventSyncFailed     = "sync_failed"
	EventWebhookRenewed = "webhook_renewed"
)

// SyncEventPayload is the minimal queue-item snapshot event consumers see.
type SyncEventPayload struct {
	ItemID    int64            `json:"item_id"`
	UserID    int64            `json:"user_id"`
	AccountID int64            `json:"account_id"`
	Provider  models.Provider  `json:"provider"`
	Operation models.Operation `json:"operation"`
	Attempts  int              `json:"attempts"`
	Error     string           `json:"error,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for sync lifecycle events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// PublishItem publishes a queue-item snapshot under the given event type.
func (b *EventBus) PublishItem(eventType string, item *models.QueueItem, cause error) {
	if b == nil || item == nil {
		return
	}

	payload := SyncEventPayload{
		ItemID:    item.ID,
		UserID:    item.UserID,
		AccountID: item.AccountID,
		Provider:  item.Provider,
		Operation: item.Operation,
		Attempts:  item.Attempts,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	_ = b.PublishJSON(eventType, payload)
}
