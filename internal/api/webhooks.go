package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"calsyncd/internal/metrics"
	"calsyncd/internal/models"
)

const webhookBodyLimit = 1 << 20

// handleGoogleWebhook receives Calendar push notifications. Google sends no
// event body, only channel headers; a notification just triggers an
// incremental sync of the owning account.
func (s *HTTPServer) handleGoogleWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("webhook_google")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	channelID := r.Header.Get("X-Goog-Channel-ID")
	channelToken := r.Header.Get("X-Goog-Channel-Token")
	resourceState := r.Header.Get("X-Goog-Resource-State")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "missing channel id")
		return
	}

	account, err := s.db.GetProviderAccountByWebhookID(r.Context(), channelID)
	if err != nil {
		// Unknown channels get a 404 so Google stops retrying them.
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	if subtle.ConstantTimeCompare([]byte(account.WebhookToken), []byte(channelToken)) != 1 {
		writeError(w, http.StatusForbidden, "invalid channel token")
		return
	}

	// The initial "sync" message only confirms the channel is live.
	if resourceState == "sync" {
		w.WriteHeader(http.StatusOK)
		return
	}

	item := &models.QueueItem{
		UserID:    account.UserID,
		AccountID: account.ID,
		Provider:  account.Provider,
		Operation: models.OpWebhookUpdate,
		Priority:  models.PriorityHigh,
	}
	if err := s.queue.ScheduleSync(r.Context(), item); err != nil {
		s.logger.Error().Err(err).Int64("account_id", account.ID).Msg("schedule webhook sync")
		writeError(w, http.StatusInternalServerError, "failed to schedule sync")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type graphNotificationBatch struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

// handleMicrosoftWebhook receives Graph change notifications. Graph first
// validates the endpoint with a validationToken round-trip, then posts
// notification batches that carry the clientState chosen at subscription
// time.
func (s *HTTPServer) handleMicrosoftWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("webhook_microsoft")

	// Subscription validation handshake: echo the token as plain text.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var batch graphNotificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification body")
		return
	}

	// One batch can span several subscriptions; schedule per account.
	seen := make(map[string]bool, len(batch.Value))
	for _, n := range batch.Value {
		if n.SubscriptionID == "" || seen[n.SubscriptionID] {
			continue
		}
		seen[n.SubscriptionID] = true

		account, err := s.db.GetProviderAccountByWebhookID(r.Context(), n.SubscriptionID)
		if err != nil {
			s.logger.Warn().Str("subscription_id", n.SubscriptionID).Msg("notification for unknown subscription")
			continue
		}
		if subtle.ConstantTimeCompare([]byte(account.WebhookToken), []byte(n.ClientState)) != 1 {
			s.logger.Warn().Int64("account_id", account.ID).Msg("notification with wrong client state")
			continue
		}

		item := &models.QueueItem{
			UserID:    account.UserID,
			AccountID: account.ID,
			Provider:  account.Provider,
			Operation: models.OpWebhookUpdate,
			Priority:  models.PriorityHigh,
			Data:      string(body),
		}
		if err := s.queue.ScheduleSync(r.Context(), item); err != nil {
			s.logger.Error().Err(err).Int64("account_id", account.ID).Msg("schedule webhook sync")
		}
	}

	// Graph expects a fast 202 regardless of per-notification outcomes.
	w.WriteHeader(http.StatusAccepted)
}
