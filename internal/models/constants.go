package models

import "time"

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	PriorityLow    = 1
	PriorityMedium = 5
	PriorityHigh   = 10
)

const (
	// MaxAttempts is the retry ceiling; an item failing with this many
	// attempts becomes terminally failed.
	MaxAttempts = 5

	// CompletedRetention is how long completed items survive before cleanup.
	CompletedRetention = 7 * 24 * time.Hour

	// StaleSyncThreshold is how old an account's last sync must be before
	// the periodic sweep enqueues another incremental sync.
	StaleSyncThreshold = 30 * time.Minute

	// WebhookRenewalWindow is how far ahead of webhook expiry a renewal
	// gets enqueued.
	WebhookRenewalWindow = 24 * time.Hour

	// SyncWindow bounds full syncs to this distance either side of now.
	SyncWindow = 365 * 24 * time.Hour

	// WorkerQueueSize is the in-memory fast-path queue capacity.
	WorkerQueueSize = 128

	// RecentItemsLimit caps the status endpoint's recent-items list.
	RecentItemsLimit = 20
)
