package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"calsyncd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertEventInsertThenUpdate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	event := &models.CalendarEvent{
		UserID:          1,
		AccountID:       1,
		Provider:        models.ProviderGoogle,
		CalendarID:      "primary",
		ProviderEventID: "ev-1",
		Title:           "planning",
		StartsAt:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndsAt:          time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Attendees:       []string{"a@example.com"},
	}
	require.NoError(t, db.UpsertEvent(ctx, event))

	event.Title = "planning (moved)"
	event.Attendees = []string{"a@example.com", "b@example.com"}
	require.NoError(t, db.UpsertEvent(ctx, event))

	events, err := db.ListEventsByAccount(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1, "same provider event id upserts in place")
	assert.Equal(t, "planning (moved)", events[0].Title)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, events[0].Attendees)
}

func TestUpsertEventsBulk(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	batch := make([]models.CalendarEvent, 0, 50)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		batch = append(batch, models.CalendarEvent{
			UserID:          1,
			AccountID:       2,
			Provider:        models.ProviderMicrosoft,
			CalendarID:      "cal-1",
			ProviderEventID: fmt.Sprintf("ev-%d", i),
			Title:           "event",
			StartsAt:        base.Add(time.Duration(i) * time.Hour),
			EndsAt:          base.Add(time.Duration(i+1) * time.Hour),
		})
	}
	require.NoError(t, db.UpsertEvents(ctx, batch))

	n, err := db.CountEventsByAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	// Re-upserting the same batch must not duplicate.
	require.NoError(t, db.UpsertEvents(ctx, batch))
	n, err = db.CountEventsByAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestDeleteEventsByProviderIDs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"keep", "drop-1", "drop-2"} {
		require.NoError(t, db.UpsertEvent(ctx, &models.CalendarEvent{
			UserID: 1, AccountID: 3, Provider: models.ProviderMicrosoft,
			CalendarID: "cal", ProviderEventID: id,
			StartsAt: time.Now(), EndsAt: time.Now().Add(time.Hour),
		}))
	}

	require.NoError(t, db.DeleteEventsByProviderIDs(ctx, 3, []string{"drop-1", "drop-2"}))

	events, err := db.ListEventsByAccount(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "keep", events[0].ProviderEventID)
}
