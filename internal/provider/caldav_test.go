package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calsyncd/internal/config"
	"calsyncd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:ev-1\r\n" +
	"SUMMARY:Dentist\\, checkup\r\n" +
	"DESCRIPTION:Bring insurance\r\n" +
	" card\r\n" +
	"LOCATION:Main St 5\r\n" +
	"DTSTART:20260301T100000Z\r\n" +
	"DTEND:20260301T110000Z\r\n" +
	"ATTENDEE:mailto:dr@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func newCalDAVTestConnector(t *testing.T, handler http.HandlerFunc) (*CalDAVConnector, *fakeStore, *models.ProviderAccount) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := newFakeStore()
	c := NewCalDAVConnector(config.CalDAVConfig{}, plainCipher{}, store, nopLogger())

	account := connectorTestAccount(models.ProviderCalDAV)
	account.Settings.ServerURL = server.URL + "/calendars/user/"
	return c, store, account
}

func multistatusBody(syncToken string, responses ...string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
%s
<d:sync-token>%s</d:sync-token>
</d:multistatus>`, strings.Join(responses, "\n"), syncToken)
}

func eventResponse(href, etag, ics string) string {
	return fmt.Sprintf(`<d:response>
  <d:href>%s</d:href>
  <d:propstat>
    <d:status>HTTP/1.1 200 OK</d:status>
    <d:prop>
      <d:getetag>%s</d:getetag>
      <c:calendar-data>%s</c:calendar-data>
    </d:prop>
  </d:propstat>
</d:response>`, href, etag, ics)
}

func deletedResponse(href string) string {
	return fmt.Sprintf(`<d:response>
  <d:href>%s</d:href>
  <d:status>HTTP/1.1 404 Not Found</d:status>
</d:response>`, href)
}

func TestCalDAVFullSync(t *testing.T) {
	connector, store, account := newCalDAVTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "REPORT", r.Method)
		require.Equal(t, "/calendars/user/", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "acct@example.com", user)
		assert.Equal(t, "access-token", pass)

		w.WriteHeader(http.StatusMultiStatus)
		if strings.Contains(string(body), "calendar-query") {
			_, _ = io.WriteString(w, multistatusBody("", eventResponse("/calendars/user/ev-1.ics", `"etag-1"`, testICS)))
			return
		}
		// The empty sync-collection follow-up just hands out the token.
		_, _ = io.WriteString(w, multistatusBody("st-1"))
	})

	result, err := connector.FullSync(context.Background(), account)
	require.NoError(t, err)

	assert.True(t, result.FullSync)
	assert.Equal(t, 1, result.EventsCount)
	require.Len(t, store.upserted, 1)

	got := store.upserted[0]
	assert.Equal(t, "ev-1", got.ProviderEventID)
	assert.Equal(t, "Dentist, checkup", got.Title)
	assert.Equal(t, "Bring insurancecard", got.Description)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), got.StartsAt)
	assert.Equal(t, `"etag-1"`, got.Etag)
	assert.Equal(t, []string{"dr@example.com"}, got.Attendees)

	assert.Equal(t, "st-1", account.SyncToken)
	assert.False(t, store.touched[account.ID].IsZero())
}

func TestCalDAVIncrementalSync(t *testing.T) {
	connector, store, account := newCalDAVTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "<D:sync-token>st-1</D:sync-token>")

		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, multistatusBody("st-2",
			eventResponse("/calendars/user/ev-1.ics", `"etag-2"`, testICS),
			deletedResponse("/calendars/user/ev-gone.ics"),
		))
	})
	account.SyncToken = "st-1"

	result, err := connector.IncrementalSync(context.Background(), account)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ChangesCount)
	assert.Equal(t, 1, result.DeletedCount)
	assert.Equal(t, []string{"ev-gone"}, store.deleted[account.ID])
	assert.Equal(t, "st-2", account.SyncToken)
}

func TestCalDAVIncrementalSyncFallsBackOnStaleToken(t *testing.T) {
	connector, store, account := newCalDAVTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		text := string(body)
		if strings.Contains(text, "<D:sync-token>st-stale</D:sync-token>") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		if strings.Contains(text, "calendar-query") {
			_, _ = io.WriteString(w, multistatusBody("", eventResponse("/calendars/user/ev-1.ics", `"etag-1"`, testICS)))
			return
		}
		_, _ = io.WriteString(w, multistatusBody("st-fresh"))
	})
	account.SyncToken = "st-stale"

	result, err := connector.IncrementalSync(context.Background(), account)
	require.NoError(t, err)

	assert.True(t, result.FullSync)
	assert.Equal(t, []string{"", "st-fresh"}, store.syncTokens[account.ID])
}

func TestCalDAVCreateAndDeleteEvent(t *testing.T) {
	var putPath, deletePath string
	connector, _, account := newCalDAVTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			putPath = r.URL.Path
			require.Equal(t, "*", r.Header.Get("If-None-Match"))
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), "SUMMARY:Standup")
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			deletePath = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	uid, err := connector.CreateEvent(context.Background(), account, &models.CalendarEvent{
		Title:    "Standup",
		StartsAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotEmpty(t, uid)
	assert.Equal(t, "/calendars/user/"+uid+".ics", putPath)

	require.NoError(t, connector.DeleteEvent(context.Background(), account, uid))
	assert.Equal(t, "/calendars/user/"+uid+".ics", deletePath)
}

func TestCalDAVWebhooksUnsupported(t *testing.T) {
	connector := NewCalDAVConnector(config.CalDAVConfig{}, plainCipher{}, newFakeStore(), nopLogger())
	account := connectorTestAccount(models.ProviderCalDAV)

	_, err := connector.RenewWebhook(context.Background(), account)
	assert.ErrorIs(t, err, ErrWebhookUnsupported)

	_, err = connector.HandleWebhookUpdate(context.Background(), account, "{}")
	assert.ErrorIs(t, err, ErrWebhookUnsupported)
}

func TestParseICSAllDay(t *testing.T) {
	ics := "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:d1\r\nSUMMARY:Holiday\r\n" +
		"DTSTART;VALUE=DATE:20260704\r\nDTEND;VALUE=DATE:20260705\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

	event, err := parseICS(ics)
	require.NoError(t, err)
	assert.True(t, event.AllDay)
	assert.Equal(t, time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC), event.StartsAt)
}

func TestParseICSNoEvent(t *testing.T) {
	_, err := parseICS("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")
	require.Error(t, err)
}

func TestSerializeICSRoundTrip(t *testing.T) {
	original := &models.CalendarEvent{
		Title:       "Team; offsite",
		Description: "Two\nlines",
		Location:    "HQ",
		StartsAt:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		EndsAt:      time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC),
		Attendees:   []string{"a@example.com", "b@example.com"},
	}

	parsed, err := parseICS(serializeICS("uid-7", original))
	require.NoError(t, err)

	assert.Equal(t, "uid-7", parsed.ProviderEventID)
	assert.Equal(t, original.Title, parsed.Title)
	assert.Equal(t, original.Description, parsed.Description)
	assert.Equal(t, original.Location, parsed.Location)
	assert.Equal(t, original.StartsAt, parsed.StartsAt)
	assert.Equal(t, original.EndsAt, parsed.EndsAt)
	assert.Equal(t, original.Attendees, parsed.Attendees)
}

func TestUIDFromHref(t *testing.T) {
	assert.Equal(t, "abc123", uidFromHref("/calendars/user/abc123.ics"))
	assert.Equal(t, "abc123", uidFromHref("abc123.ics"))
	assert.Equal(t, "abc123", uidFromHref("/calendars/user/abc123.ics/"))
}
