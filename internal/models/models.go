package models

import "time"

// Provider identifies an external calendar backend.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderApple     Provider = "apple"
	ProviderCalDAV    Provider = "caldav"
	ProviderNotion    Provider = "notion"
	ProviderObsidian  Provider = "obsidian"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderApple, ProviderCalDAV, ProviderNotion, ProviderObsidian:
		return true
	}
	return false
}

// Operation is the kind of work a queue item requests.
type Operation string

const (
	OpFullSync        Operation = "full_sync"
	OpIncrementalSync Operation = "incremental_sync"
	OpWebhookUpdate   Operation = "webhook_update"
	OpWebhookRenewal  Operation = "webhook_renewal"
	OpEventCreate     Operation = "event_create"
	OpEventUpdate     Operation = "event_update"
	OpEventDelete     Operation = "event_delete"
)

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool {
	switch o {
	case OpFullSync, OpIncrementalSync, OpWebhookUpdate, OpWebhookRenewal,
		OpEventCreate, OpEventUpdate, OpEventDelete:
		return true
	}
	return false
}

// QueueItem represents one requested sync operation in the persisted queue.
//
// Attempts is incremented when the item is claimed, before the operation
// runs, so a crash mid-operation still counts as an attempt.
type QueueItem struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	AccountID     int64      `json:"account_id"`
	Provider      Provider   `json:"provider"`
	Operation     Operation  `json:"operation"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	Data          string     `json:"data,omitempty"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// EncryptedToken is an AES-256-GCM sealed secret. All fields are hex.
// The tag is stored separately from the ciphertext and verified on decrypt.
type EncryptedToken struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
}

// IsZero reports whether the token holds no ciphertext.
func (t EncryptedToken) IsZero() bool {
	return t.Encrypted == "" && t.IV == "" && t.Tag == ""
}

// AccountSettings controls which calendars an account syncs and how
// conflicting edits are resolved.
type AccountSettings struct {
	Calendars      []string `json:"calendars,omitempty"`
	SyncDirection  string   `json:"sync_direction,omitempty"`
	ConflictPolicy string   `json:"conflict_policy,omitempty"`
	// ServerURL is the collection URL for CalDAV accounts.
	ServerURL string `json:"server_url,omitempty"`
}

const (
	SyncDirectionPull = "pull"
	SyncDirectionPush = "push"
	SyncDirectionBoth = "both"

	ConflictRemoteWins = "remote_wins"
	ConflictLocalWins  = "local_wins"
)

// ProviderAccount is one connected external calendar account.
// Tokens are stored encrypted only; plaintext never touches the database.
type ProviderAccount struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	Provider          Provider        `json:"provider"`
	ProviderAccountID string          `json:"provider_account_id"`
	AccessToken       EncryptedToken  `json:"-"`
	RefreshToken      EncryptedToken  `json:"-"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Settings          AccountSettings `json:"settings"`
	SyncToken         string          `json:"-"`
	WebhookID         string          `json:"webhook_id,omitempty"`
	WebhookToken      string          `json:"-"`
	WebhookExpiresAt  *time.Time      `json:"webhook_expires_at,omitempty"`
	LastSyncAt        *time.Time      `json:"last_sync_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CalendarEvent is the internal event shape every connector maps into.
type CalendarEvent struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	AccountID       int64     `json:"account_id"`
	Provider        Provider  `json:"provider"`
	CalendarID      string    `json:"calendar_id"`
	ProviderEventID string    `json:"provider_event_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Location        string    `json:"location,omitempty"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	AllDay          bool      `json:"all_day"`
	Status          string    `json:"status,omitempty"`
	Attendees       []string  `json:"attendees,omitempty"`
	Recurrence      []string  `json:"recurrence,omitempty"`
	Etag            string    `json:"etag,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// QueueStatus aggregates queue state for the status endpoint.
type QueueStatus struct {
	Pending    int         `json:"pending"`
	Processing int         `json:"processing"`
	Completed  int         `json:"completed"`
	Failed     int         `json:"failed"`
	Recent     []QueueItem `json:"recent"`
}
