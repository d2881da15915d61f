package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"calsyncd/internal/config"
	"calsyncd/internal/database"
	"calsyncd/internal/metrics"
	"calsyncd/internal/models"
	"calsyncd/internal/provider"

	"github.com/rs/zerolog"
)

// SyncScheduler enqueues sync work; satisfied by the worker processor.
type SyncScheduler interface {
	ScheduleSync(ctx context.Context, item *models.QueueItem) error
}

// HTTPServer exposes the operational API and the webhook receiver.
type HTTPServer struct {
	cfg      config.APIConfig
	db       *database.DB
	queue    SyncScheduler
	registry *provider.Registry
	exports  config.ExportConfig
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, exports config.ExportConfig, db *database.DB, queue SyncScheduler, registry *provider.Registry, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		db:       db,
		queue:    queue,
		registry: registry,
		exports:  exports,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/v1/sync/schedule", srv.handleScheduleSync)
	apiMux.HandleFunc("/api/v1/sync/status", srv.handleQueueStatus)
	apiMux.HandleFunc("/api/v1/sync/retry", srv.handleRetryFailed)
	apiMux.HandleFunc("/api/v1/sync/completed", srv.handleClearCompleted)
	apiMux.HandleFunc("/api/v1/sync/export", srv.handleExport)
	apiMux.HandleFunc("/api/v1/providers", srv.handleProviders)
	apiMux.HandleFunc("/api/v1/users", srv.handleDeleteUser)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", srv.auth.Wrap(apiMux))
	// Webhook receivers authenticate with per-channel tokens, not API keys.
	mux.HandleFunc("/webhooks/google", srv.handleGoogleWebhook)
	mux.HandleFunc("/webhooks/microsoft", srv.handleMicrosoftWebhook)
	mux.HandleFunc("/healthz", srv.handleHealth)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("http api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the configured root handler; used by tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

type scheduleRequest struct {
	UserID    int64            `json:"user_id"`
	AccountID int64            `json:"account_id"`
	Provider  models.Provider  `json:"provider"`
	Operation models.Operation `json:"operation"`
	Priority  int              `json:"priority,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

func (s *HTTPServer) handleScheduleSync(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_schedule")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var body scheduleRequest
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	item := &models.QueueItem{
		UserID:    body.UserID,
		AccountID: body.AccountID,
		Provider:  body.Provider,
		Operation: body.Operation,
		Priority:  body.Priority,
		Data:      string(body.Data),
	}
	if err := s.queue.ScheduleSync(r.Context(), item); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":       item.ID,
		"status":   item.Status,
		"priority": item.Priority,
	})
}

func (s *HTTPServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_status")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := s.db.GetQueueStatus(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("queue status")
		writeError(w, http.StatusInternalServerError, "failed to load queue status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_retry")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.db.RetryFailedItems(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("retry failed items")
		writeError(w, http.StatusInternalServerError, "failed to retry items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func (s *HTTPServer) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_clear_completed")
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.db.ClearCompletedItems(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("clear completed items")
		writeError(w, http.StatusInternalServerError, "failed to clear items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

// handleDeleteUser removes a user's accounts, queue items and mirrored
// events in one pass. Tokens go with the account rows.
func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("user_delete")
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.DeleteUserData(r.Context(), userID); err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("delete user data")
		writeError(w, http.StatusInternalServerError, "failed to delete user data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleProviders lists the registered connector types, plus a user's
// connected accounts when user_id is given. Token fields never serialize.
func (s *HTTPServer) handleProviders(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("providers")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	providers := s.registry.Providers()
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	response := map[string]any{"providers": providers}

	if raw := strings.TrimSpace(r.URL.Query().Get("user_id")); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			writeError(w, http.StatusBadRequest, "user_id must be a positive integer")
			return
		}
		accounts, err := s.db.ListProviderAccounts(r.Context(), userID)
		if err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("list provider accounts")
			writeError(w, http.StatusInternalServerError, "failed to load accounts")
			return
		}
		response["accounts"] = accounts
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func userIDParam(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if raw == "" {
		// Mutating endpoints accept the id in the body too.
		var body struct {
			UserID int64 `json:"user_id"`
		}
		if r.Body != nil && json.NewDecoder(r.Body).Decode(&body) == nil && body.UserID != 0 {
			return body.UserID, nil
		}
		return 0, errors.New("user_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("user_id must be a positive integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
