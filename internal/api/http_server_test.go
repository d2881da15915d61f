package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"calsyncd/internal/config"
	"calsyncd/internal/database"
	"calsyncd/internal/events"
	"calsyncd/internal/models"
	"calsyncd/internal/provider"
	"calsyncd/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T, db *database.DB, cfg config.APIConfig) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()

	registry := provider.NewRegistry()
	queue := worker.NewProcessor(db, registry, nil, events.NewEventBus(),
		worker.RetryPolicy{MaxRetries: 5, InitialDelay: time.Second}, time.Second, &logger)

	srv := NewHTTPServer(cfg, config.ExportConfig{Path: t.TempDir()}, db, queue, registry, &logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func seedWebhookAccount(t *testing.T, db *database.DB, webhookID, token string) *models.ProviderAccount {
	t.Helper()
	account := &models.ProviderAccount{
		UserID:            1,
		Provider:          models.ProviderGoogle,
		ProviderAccountID: "acct@example.com",
		AccessToken:       models.EncryptedToken{Encrypted: "aa", IV: "bb", Tag: "cc"},
	}
	require.NoError(t, db.CreateProviderAccount(context.Background(), account))
	expiry := time.Now().Add(12 * time.Hour)
	require.NoError(t, db.UpdateAccountWebhook(context.Background(), account.ID, webhookID, token, &expiry))
	return account
}

func TestScheduleSyncEndpoint(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})

	body := `{"user_id":1,"account_id":2,"provider":"google","operation":"full_sync"}`
	resp, err := http.Post(ts.URL+"/api/v1/sync/schedule", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		ID       int64  `json:"id"`
		Status   string `json:"status"`
		Priority int    `json:"priority"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotZero(t, out.ID)
	assert.Equal(t, models.StatusPending, out.Status)
	assert.Equal(t, models.PriorityMedium, out.Priority)

	item, err := db.GetQueueItem(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpFullSync, item.Operation)
}

func TestScheduleSyncEndpointRejectsBadInput(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})

	cases := []struct {
		name string
		body string
	}{
		{"NotJSON", `not json`},
		{"UnknownProvider", `{"user_id":1,"account_id":2,"provider":"fax","operation":"full_sync"}`},
		{"UnknownOperation", `{"user_id":1,"account_id":2,"provider":"google","operation":"defrag"}`},
		{"MissingAccount", `{"user_id":1,"provider":"google","operation":"full_sync"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/sync/schedule", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item := &models.QueueItem{UserID: 1, AccountID: 1, Provider: models.ProviderGoogle, Operation: models.OpFullSync}
		require.NoError(t, db.EnqueueItem(ctx, item))
	}
	failed := &models.QueueItem{UserID: 1, AccountID: 1, Provider: models.ProviderGoogle, Operation: models.OpFullSync}
	require.NoError(t, db.EnqueueItem(ctx, failed))
	require.NoError(t, db.MarkItemFailed(ctx, failed.ID, "boom"))

	resp, err := http.Get(ts.URL + "/api/v1/sync/status?user_id=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status models.QueueStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 3, status.Pending)
	assert.Equal(t, 1, status.Failed)
	assert.NotEmpty(t, status.Recent)
}

func TestQueueStatusRequiresUserID(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})

	resp, err := http.Get(ts.URL + "/api/v1/sync/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetryFailedEndpoint(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})
	ctx := context.Background()

	failed := &models.QueueItem{UserID: 7, AccountID: 1, Provider: models.ProviderGoogle, Operation: models.OpFullSync}
	require.NoError(t, db.EnqueueItem(ctx, failed))
	require.NoError(t, db.MarkItemFailed(ctx, failed.ID, "boom"))

	resp, err := http.Post(ts.URL+"/api/v1/sync/retry?user_id=7", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, int64(1), out["retried"])

	item, err := db.GetQueueItem(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
}

func TestClearCompletedEndpoint(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})
	ctx := context.Background()

	done := &models.QueueItem{UserID: 7, AccountID: 1, Provider: models.ProviderGoogle, Operation: models.OpFullSync}
	require.NoError(t, db.EnqueueItem(ctx, done))
	require.NoError(t, db.MarkItemCompleted(ctx, done.ID))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sync/completed?user_id=7", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, int64(1), out["cleared"])
}

func TestProvidersEndpointListsAccounts(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})
	seedWebhookAccount(t, db, "chan-p", "tok-p")

	resp, err := http.Get(ts.URL + "/api/v1/providers?user_id=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out struct {
		Accounts []map[string]any `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Accounts, 1)
	// Encrypted token material must never appear in API responses.
	assert.NotContains(t, string(raw), "access_token")
	assert.NotContains(t, string(raw), "encrypted")
}

func TestDeleteUserEndpoint(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})
	ctx := context.Background()

	account := seedWebhookAccount(t, db, "chan-del", "tok-del")
	item := &models.QueueItem{UserID: account.UserID, AccountID: account.ID, Provider: models.ProviderGoogle, Operation: models.OpFullSync}
	require.NoError(t, db.EnqueueItem(ctx, item))

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/v1/users?user_id=%d", ts.URL, account.UserID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = db.GetProviderAccount(ctx, account.ID)
	assert.Error(t, err)
	items, err := db.ListQueueItems(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestExportEndpoint(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})
	ctx := context.Background()

	item := &models.QueueItem{UserID: 1, AccountID: 1, Provider: models.ProviderGoogle, Operation: models.OpFullSync}
	require.NoError(t, db.EnqueueItem(ctx, item))

	resp, err := http.Get(ts.URL + "/api/v1/sync/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestAuthRequired(t *testing.T) {
	db := newTestDB(t)
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "key-1", Extra: "extra-1", Name: "ops", Permissions: []string{"read:sync"}},
			},
		},
	}
	ts := newTestServer(t, db, cfg)

	t.Run("MissingHeaders", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/sync/status?user_id=1")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("WrongExtra", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sync/status?user_id=1", nil)
		req.Header.Set("x-api-key", "key-1")
		req.Header.Set("x-api-extra", "wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("ValidKey", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sync/status?user_id=1", nil)
		req.Header.Set("x-api-key", "key-1")
		req.Header.Set("x-api-extra", "extra-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("PermissionDenied", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/sync/retry?user_id=1", nil)
		req.Header.Set("x-api-key", "key-1")
		req.Header.Set("x-api-extra", "extra-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("WebhooksBypassAPIKeys", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/webhooks/microsoft?validationToken=abc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRateLimit(t *testing.T) {
	db := newTestDB(t)
	cfg := config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 1}}
	ts := newTestServer(t, db, cfg)

	first, err := http.Get(ts.URL + "/api/v1/providers")
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(ts.URL + "/api/v1/providers")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestGoogleWebhook(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})
	account := seedWebhookAccount(t, db, "chan-1", "tok-1")
	ctx := context.Background()

	post := func(channelID, token, state string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/google", nil)
		require.NoError(t, err)
		req.Header.Set("X-Goog-Channel-ID", channelID)
		req.Header.Set("X-Goog-Channel-Token", token)
		req.Header.Set("X-Goog-Resource-State", state)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	t.Run("SyncHandshake", func(t *testing.T) {
		resp := post("chan-1", "tok-1", "sync")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		items, err := db.ListQueueItems(ctx, models.StatusPending)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("ChangeNotification", func(t *testing.T) {
		resp := post("chan-1", "tok-1", "exists")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		items, err := db.ListQueueItems(ctx, models.StatusPending)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, models.OpWebhookUpdate, items[0].Operation)
		assert.Equal(t, models.PriorityHigh, items[0].Priority)
		assert.Equal(t, account.ID, items[0].AccountID)
	})

	t.Run("WrongToken", func(t *testing.T) {
		resp := post("chan-1", "stolen", "exists")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("UnknownChannel", func(t *testing.T) {
		resp := post("chan-404", "tok-1", "exists")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestMicrosoftWebhook(t *testing.T) {
	db := newTestDB(t)
	ts := newTestServer(t, db, config.APIConfig{})
	account := seedWebhookAccount(t, db, "sub-1", "state-1")
	ctx := context.Background()

	t.Run("ValidationHandshake", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/webhooks/microsoft?validationToken=token-123")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "token-123", string(body))
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	})

	t.Run("NotificationBatch", func(t *testing.T) {
		payload := fmt.Sprintf(`{"value":[
			{"subscriptionId":"sub-1","clientState":"state-1","changeType":"updated","resource":"Users/u/Events/EV1"},
			{"subscriptionId":"sub-1","clientState":"state-1","changeType":"deleted","resource":"Users/u/Events/EV2"},
			{"subscriptionId":"sub-unknown","clientState":"x","changeType":"updated","resource":"Users/u/Events/EV3"}
		]}`)
		resp, err := http.Post(ts.URL+"/webhooks/microsoft", "application/json", bytes.NewReader([]byte(payload)))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		items, err := db.ListQueueItems(ctx, models.StatusPending)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, account.ID, items[0].AccountID)
		assert.Contains(t, items[0].Data, "EV1")
	})

	t.Run("WrongClientState", func(t *testing.T) {
		payload := `{"value":[{"subscriptionId":"sub-1","clientState":"stolen","changeType":"updated","resource":"r"}]}`
		resp, err := http.Post(ts.URL+"/webhooks/microsoft", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		items, err := db.ListQueueItems(ctx, models.StatusPending)
		require.NoError(t, err)
		assert.Len(t, items, 1) // only the earlier batch's item
	})
}
