package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calsyncd/internal/models"
)

var (
	// ErrNoConnector means the queue carried an item for a provider no
	// connector is registered for. Not retryable.
	ErrNoConnector = errors.New("no connector registered for provider")

	// ErrWebhookUnsupported is returned by connectors whose backend has no
	// push-notification mechanism.
	ErrWebhookUnsupported = errors.New("provider does not support webhooks")
)

// SyncResult reports what a sync run did.
type SyncResult struct {
	EventsCount  int  `json:"events_count"`
	ChangesCount int  `json:"changes_count"`
	DeletedCount int  `json:"deleted_count"`
	FullSync     bool `json:"full_sync"`
}

// Connector is one external calendar backend. Implementations decrypt
// tokens once per operation and never hold plaintext beyond the vendor
// call sequence; vendor failures propagate as errors so the queue's
// generic retry ladder stays the single retry authority.
type Connector interface {
	Provider() models.Provider

	FullSync(ctx context.Context, account *models.ProviderAccount) (*SyncResult, error)
	IncrementalSync(ctx context.Context, account *models.ProviderAccount) (*SyncResult, error)

	CreateEvent(ctx context.Context, account *models.ProviderAccount, event *models.CalendarEvent) (string, error)
	UpdateEvent(ctx context.Context, account *models.ProviderAccount, event *models.CalendarEvent) error
	DeleteEvent(ctx context.Context, account *models.ProviderAccount, providerEventID string) error

	RenewWebhook(ctx context.Context, account *models.ProviderAccount) (time.Time, error)
	HandleWebhookUpdate(ctx context.Context, account *models.ProviderAccount, payload string) (*SyncResult, error)
}

// Store is the persistence surface connectors write through.
type Store interface {
	UpsertEvents(ctx context.Context, events []models.CalendarEvent) error
	DeleteEventsByProviderIDs(ctx context.Context, accountID int64, providerEventIDs []string) error
	UpdateAccountSyncToken(ctx context.Context, id int64, syncToken string) error
	UpdateAccountTokens(ctx context.Context, id int64, access, refresh models.EncryptedToken, expiresAt *time.Time) error
	UpdateAccountWebhook(ctx context.Context, id int64, webhookID, webhookToken string, expiresAt *time.Time) error
	TouchAccountSync(ctx context.Context, id int64, at time.Time) error
}

// TokenCipher seals and opens stored OAuth tokens.
type TokenCipher interface {
	Encrypt(plaintext string) (models.EncryptedToken, error)
	Decrypt(token models.EncryptedToken) (string, error)
}

// Registry maps provider enum values to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[models.Provider]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[models.Provider]Connector)}
}

// Register adds or replaces the connector for its provider.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Provider()] = c
}

// Get returns the connector for a provider, or ErrNoConnector.
func (r *Registry) Get(p models.Provider) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, p)
	}
	return c, nil
}

// Providers lists registered providers.
func (r *Registry) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Provider, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	return out
}
