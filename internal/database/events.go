package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"calsyncd/internal/models"
)

// UpsertEvent inserts or replaces one event keyed by (account, provider event id).
func (db *DB) UpsertEvent(ctx context.Context, event *models.CalendarEvent) error {
	attendees, err := json.Marshal(event.Attendees)
	if err != nil {
		return fmt.Errorf("failed to encode attendees: %w", err)
	}
	recurrence, err := json.Marshal(event.Recurrence)
	if err != nil {
		return fmt.Errorf("failed to encode recurrence: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO events (user_id, account_id, provider, calendar_id, provider_event_id,
             title, description, location, starts_at, ends_at, all_day, status, attendees, recurrence, etag, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(account_id, provider_event_id) DO UPDATE SET
             calendar_id = excluded.calendar_id,
             title = excluded.title,
             description = excluded.description,
             location = excluded.location,
             starts_at = excluded.starts_at,
             ends_at = excluded.ends_at,
             all_day = excluded.all_day,
             status = excluded.status,
             attendees = excluded.attendees,
             recurrence = excluded.recurrence,
             etag = excluded.etag,
             updated_at = excluded.updated_at`,
		event.UserID,
		event.AccountID,
		event.Provider,
		event.CalendarID,
		event.ProviderEventID,
		event.Title,
		event.Description,
		event.Location,
		event.StartsAt,
		event.EndsAt,
		event.AllDay,
		event.Status,
		string(attendees),
		string(recurrence),
		event.Etag,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event: %w", err)
	}
	return nil
}

// UpsertEvents bulk-persists a sync batch inside one transaction.
func (db *DB) UpsertEvents(ctx context.Context, events []models.CalendarEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (user_id, account_id, provider, calendar_id, provider_event_id,
             title, description, location, starts_at, ends_at, all_day, status, attendees, recurrence, etag, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(account_id, provider_event_id) DO UPDATE SET
             calendar_id = excluded.calendar_id,
             title = excluded.title,
             description = excluded.description,
             location = excluded.location,
             starts_at = excluded.starts_at,
             ends_at = excluded.ends_at,
             all_day = excluded.all_day,
             status = excluded.status,
             attendees = excluded.attendees,
             recurrence = excluded.recurrence,
             etag = excluded.etag,
             updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i := range events {
		e := &events[i]
		attendees, err := json.Marshal(e.Attendees)
		if err != nil {
			return fmt.Errorf("failed to encode attendees: %w", err)
		}
		recurrence, err := json.Marshal(e.Recurrence)
		if err != nil {
			return fmt.Errorf("failed to encode recurrence: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			e.UserID, e.AccountID, e.Provider, e.CalendarID, e.ProviderEventID,
			e.Title, e.Description, e.Location, e.StartsAt, e.EndsAt, e.AllDay,
			e.Status, string(attendees), string(recurrence), e.Etag, now,
		); err != nil {
			return fmt.Errorf("failed to upsert event %s: %w", e.ProviderEventID, err)
		}
	}

	return tx.Commit()
}

// DeleteEventByProviderID removes one event by its provider-side id.
func (db *DB) DeleteEventByProviderID(ctx context.Context, accountID int64, providerEventID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM events WHERE account_id = ? AND provider_event_id = ?`,
		accountID, providerEventID)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// DeleteEventsByProviderIDs removes a batch of provider-side deletions.
func (db *DB) DeleteEventsByProviderIDs(ctx context.Context, accountID int64, providerEventIDs []string) error {
	if len(providerEventIDs) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`DELETE FROM events WHERE account_id = ? AND provider_event_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range providerEventIDs {
		if _, err := stmt.ExecContext(ctx, accountID, id); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListEventsByAccount returns an account's events ordered by start time.
func (db *DB) ListEventsByAccount(ctx context.Context, accountID int64) ([]models.CalendarEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, account_id, provider, calendar_id, provider_event_id,
                title, description, location, starts_at, ends_at, all_day, status,
                attendees, recurrence, etag, updated_at
         FROM events WHERE account_id = ? ORDER BY starts_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.CalendarEvent
	for rows.Next() {
		var e models.CalendarEvent
		var attendees, recurrence string
		err := rows.Scan(
			&e.ID, &e.UserID, &e.AccountID, &e.Provider, &e.CalendarID, &e.ProviderEventID,
			&e.Title, &e.Description, &e.Location, &e.StartsAt, &e.EndsAt, &e.AllDay,
			&e.Status, &attendees, &recurrence, &e.Etag, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if attendees != "" {
			if err := json.Unmarshal([]byte(attendees), &e.Attendees); err != nil {
				return nil, fmt.Errorf("failed to decode attendees: %w", err)
			}
		}
		if recurrence != "" {
			if err := json.Unmarshal([]byte(recurrence), &e.Recurrence); err != nil {
				return nil, fmt.Errorf("failed to decode recurrence: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsByAccount returns how many events an account has stored.
func (db *DB) CountEventsByAccount(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}
