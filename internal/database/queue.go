package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calsyncd/internal/models"
)

const queueColumns = `id, user_id, account_id, provider, operation, status, priority, data,
              attempts, last_error, created_at, last_attempt_at, completed_at, next_retry_at`

// EnqueueItem inserts a new pending queue item.
func (db *DB) EnqueueItem(ctx context.Context, item *models.QueueItem) error {
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	now := time.Now()

	query := `INSERT INTO sync_queue (user_id, account_id, provider, operation, status, priority, data, attempts, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		item.UserID,
		item.AccountID,
		item.Provider,
		item.Operation,
		item.Status,
		item.Priority,
		item.Data,
		item.Attempts,
		item.LastError,
		now,
		item.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id
	item.CreatedAt = now

	return nil
}

// ClaimNextItem atomically claims the highest-priority eligible pending item:
// it flips the row to processing, increments attempts, and stamps
// last_attempt_at in one conditional update, so concurrent workers can never
// claim the same item. Returns nil when the queue has no eligible item.
func (db *DB) ClaimNextItem(ctx context.Context) (*models.QueueItem, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM sync_queue
         WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
         ORDER BY priority DESC, id ASC LIMIT 1`,
		models.StatusPending, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable item: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sync_queue
         SET status = ?, attempts = attempts + 1, last_attempt_at = ?
         WHERE id = ? AND status = ?`,
		models.StatusProcessing, now, id, models.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim item %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		// Lost the race to another worker; treat as empty and let the
		// caller poll again.
		return nil, nil
	}

	item, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed item %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return item, nil
}

// MarkItemCompleted transitions a processing item to completed.
func (db *DB) MarkItemCompleted(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_error = NULL, next_retry_at = NULL, completed_at = ? WHERE id = ?`,
		models.StatusCompleted, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}
	return nil
}

// MarkItemRetry schedules a failed attempt for another try at nextRetryAt.
// Attempts were already counted at claim time.
func (db *DB) MarkItemRetry(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`,
		models.StatusPending, errMsg, nextRetryAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item for retry: %w", err)
	}
	return nil
}

// MarkItemFailed transitions an item to the terminal failed state,
// retaining the last error and clearing any retry gate.
func (db *DB) MarkItemFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = NULL, completed_at = ? WHERE id = ?`,
		models.StatusFailed, errMsg, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	return nil
}

// GetQueueItem returns a single item by id.
func (db *DB) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	item, err := scanItem(db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// GetQueueStatus returns counts by status plus the most recent items for a user.
func (db *DB) GetQueueStatus(ctx context.Context, userID int64) (*models.QueueStatus, error) {
	status := &models.QueueStatus{}

	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch st {
		case models.StatusPending:
			status.Pending = n
		case models.StatusProcessing:
			status.Processing = n
		case models.StatusCompleted:
			status.Completed = n
		case models.StatusFailed:
			status.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recent, err := db.queryItems(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, models.RecentItemsLimit)
	if err != nil {
		return nil, err
	}
	status.Recent = recent

	return status, nil
}

// CountItemsByStatus returns global queue depth per status.
func (db *DB) CountItemsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// ListQueueItems returns items newest first; an empty status means all.
func (db *DB) ListQueueItems(ctx context.Context, status string) ([]models.QueueItem, error) {
	if status == "" {
		return db.queryItems(ctx,
			`SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at DESC`)
	}
	return db.queryItems(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE status = ? ORDER BY created_at DESC`, status)
}

// RetryFailedItems flips terminally failed items back to pending with a
// fresh attempt budget. Returns the number of requeued items.
func (db *DB) RetryFailedItems(ctx context.Context, userID int64) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, attempts = 0, last_error = NULL, next_retry_at = NULL, completed_at = NULL
         WHERE user_id = ? AND status = ?`,
		models.StatusPending, userID, models.StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}
	return res.RowsAffected()
}

// CleanupCompletedItems deletes completed items older than the retention
// window. Returns the number of deleted rows.
func (db *DB) CleanupCompletedItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		models.StatusCompleted, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup completed items: %w", err)
	}
	return res.RowsAffected()
}

// ClearCompletedItems removes all completed items for a user regardless of age.
func (db *DB) ClearCompletedItems(ctx context.Context, userID int64) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE user_id = ? AND status = ?`, userID, models.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed items: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) queryItems(ctx context.Context, query string, args ...any) ([]models.QueueItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var data sql.NullString
	var lastAttempt, completed, nextRetry sql.NullTime

	err := row.Scan(
		&item.ID, &item.UserID, &item.AccountID, &item.Provider, &item.Operation,
		&item.Status, &item.Priority, &data, &item.Attempts, &item.LastError,
		&item.CreatedAt, &lastAttempt, &completed, &nextRetry,
	)
	if err != nil {
		return nil, err
	}

	item.Data = data.String
	if lastAttempt.Valid {
		item.LastAttemptAt = &lastAttempt.Time
	}
	if completed.Valid {
		item.CompletedAt = &completed.Time
	}
	if nextRetry.Valid {
		item.NextRetryAt = &nextRetry.Time
	}
	return &item, nil
}
