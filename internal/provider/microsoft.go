package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"calsyncd/internal/config"
	"calsyncd/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/time/rate"
)

const (
	msGraphBaseURL     = "https://graph.microsoft.com/v1.0"
	graphTimeFormat    = "2006-01-02T15:04:05"
	subscriptionWindow = 7 * 24 * time.Hour
)

// graphEventIDPattern extracts the changed event id from a notification's
// resource URL, e.g. "Users/ab12/Events/AAMkAD=".
var graphEventIDPattern = regexp.MustCompile(`(?i)events/([A-Za-z0-9_=\-]+)`)

// MicrosoftConnector syncs against Microsoft Graph using delta queries.
type MicrosoftConnector struct {
	cfg        config.MicrosoftConfig
	webhookURL string
	cipher     TokenCipher
	store      Store
	logger     zerolog.Logger
	limiter    *rate.Limiter

	// BaseURL overrides the Graph endpoint; used by tests.
	BaseURL string
}

func NewMicrosoftConnector(cfg config.MicrosoftConfig, webhookURL string, cipher TokenCipher, store Store, logger *zerolog.Logger) *MicrosoftConnector {
	return &MicrosoftConnector{
		cfg:        cfg,
		webhookURL: webhookURL,
		cipher:     cipher,
		store:      store,
		logger:     logger.With().Str("connector", "microsoft").Logger(),
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		BaseURL:    msGraphBaseURL,
	}
}

func (c *MicrosoftConnector) Provider() models.Provider { return models.ProviderMicrosoft }

func (c *MicrosoftConnector) oauthConfig() *oauth2.Config {
	tenant := c.cfg.TenantID
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
	}
}

func (c *MicrosoftConnector) client(ctx context.Context, account *models.ProviderAccount) (*http.Client, error) {
	token, err := accountToken(c.cipher, account)
	if err != nil {
		return nil, err
	}
	source := newPersistingTokenSource(ctx, c.oauthConfig(), token, c.cipher, c.store, account.ID)
	return oauth2.NewClient(ctx, source), nil
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	BodyPreview string         `json:"bodyPreview"`
	Location    *graphLocation `json:"location"`
	Start       *graphDateTime `json:"start"`
	End         *graphDateTime `json:"end"`
	IsAllDay    bool           `json:"isAllDay"`
	IsCancelled bool           `json:"isCancelled"`
	ChangeKey   string         `json:"changeKey"`
	Attendees   []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphDeltaPage struct {
	Value     []graphEvent `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

// FullSync walks the calendarView delta stream from scratch over a ±1-year
// window and stores the delta link the final page carries.
func (c *MicrosoftConnector) FullSync(ctx context.Context, account *models.ProviderAccount) (*SyncResult, error) {
	client, err := c.client(ctx, account)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("startDateTime", time.Now().Add(-models.SyncWindow).UTC().Format(time.RFC3339))
	params.Set("endDateTime", time.Now().Add(models.SyncWindow).UTC().Format(time.RFC3339))
	next := c.BaseURL + "/me/calendarView/delta?" + params.Encode()

	var batch []models.CalendarEvent
	var deltaLink string
	for next != "" {
		page, err := c.fetchDeltaPage(ctx, client, next)
		if err != nil {
			return nil, err
		}
		for i := range page.Value {
			ev := &page.Value[i]
			if ev.Removed != nil || ev.IsCancelled {
				continue
			}
			batch = append(batch, c.toCalendarEvent(account, ev))
		}
		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
			break
		}
		next = page.NextLink
	}

	if err := c.store.UpsertEvents(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist events: %w", err)
	}
	if deltaLink != "" {
		if err := c.store.UpdateAccountSyncToken(ctx, account.ID, deltaLink); err != nil {
			return nil, err
		}
		account.SyncToken = deltaLink
	}
	if err := c.store.TouchAccountSync(ctx, account.ID, time.Now()); err != nil {
		return nil, err
	}

	c.logger.Info().Int64("account_id", account.ID).Int("events", len(batch)).Msg("full sync done")
	return &SyncResult{EventsCount: len(batch), FullSync: true}, nil
}

// IncrementalSync follows the stored delta link. A 410 means the link
// expired; it is cleared and a full sync runs instead. Entries marked
// @removed are deletions, everything else upserts.
func (c *MicrosoftConnector) IncrementalSync(ctx context.Context, account *models.ProviderAccount) (*SyncResult, error) {
	if account.SyncToken == "" {
		return c.FullSync(ctx, account)
	}

	client, err := c.client(ctx, account)
	if err != nil {
		return nil, err
	}

	var changed []models.CalendarEvent
	var deleted []string
	var deltaLink string

	next := account.SyncToken
	for next != "" {
		page, err := c.fetchDeltaPage(ctx, client, next)
		if err != nil {
			if isGone(err) {
				c.logger.Warn().Int64("account_id", account.ID).Msg("delta link expired, falling back to full sync")
				if err := c.store.UpdateAccountSyncToken(ctx, account.ID, ""); err != nil {
					return nil, err
				}
				account.SyncToken = ""
				return c.FullSync(ctx, account)
			}
			return nil, err
		}

		for i := range page.Value {
			ev := &page.Value[i]
			if ev.Removed != nil || ev.IsCancelled {
				deleted = append(deleted, ev.ID)
				continue
			}
			changed = append(changed, c.toCalendarEvent(account, ev))
		}

		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
			break
		}
		next = page.NextLink
	}

	if err := c.store.UpsertEvents(ctx, changed); err != nil {
		return nil, fmt.Errorf("persist events: %w", err)
	}
	if err := c.store.DeleteEventsByProviderIDs(ctx, account.ID, deleted); err != nil {
		return nil, fmt.Errorf("delete events: %w", err)
	}
	if deltaLink != "" {
		if err := c.store.UpdateAccountSyncToken(ctx, account.ID, deltaLink); err != nil {
			return nil, err
		}
		account.SyncToken = deltaLink
	}
	if err := c.store.TouchAccountSync(ctx, account.ID, time.Now()); err != nil {
		return nil, err
	}

	return &SyncResult{ChangesCount: len(changed), DeletedCount: len(deleted)}, nil
}

func (c *MicrosoftConnector) CreateEvent(ctx context.Context, account *models.ProviderAccount, event *models.CalendarEvent) (string, error) {
	var created graphEvent
	err := c.do(ctx, account, http.MethodPost, c.eventsURL(event.CalendarID), c.toGraphEvent(event), http.StatusCreated, &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *MicrosoftConnector) UpdateEvent(ctx context.Context, account *models.ProviderAccount, event *models.CalendarEvent) error {
	return c.do(ctx, account, http.MethodPatch, c.BaseURL+"/me/events/"+event.ProviderEventID, c.toGraphEvent(event), http.StatusOK, nil)
}

func (c *MicrosoftConnector) DeleteEvent(ctx context.Context, account *models.ProviderAccount, providerEventID string) error {
	return c.do(ctx, account, http.MethodDelete, c.BaseURL+"/me/events/"+providerEventID, nil, http.StatusNoContent, nil)
}

// RenewWebhook pushes the subscription expiration a week forward, creating
// the subscription first if the account has none.
func (c *MicrosoftConnector) RenewWebhook(ctx context.Context, account *models.ProviderAccount) (time.Time, error) {
	expiry := time.Now().Add(subscriptionWindow).UTC()

	if account.WebhookID == "" {
		return c.createSubscription(ctx, account, expiry)
	}

	body := map[string]string{"expirationDateTime": expiry.Format(time.RFC3339)}
	err := c.do(ctx, account, http.MethodPatch, c.BaseURL+"/subscriptions/"+account.WebhookID, body, http.StatusOK, nil)
	if err != nil {
		return time.Time{}, err
	}

	if err := c.store.UpdateAccountWebhook(ctx, account.ID, account.WebhookID, account.WebhookToken, &expiry); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

func (c *MicrosoftConnector) createSubscription(ctx context.Context, account *models.ProviderAccount, expiry time.Time) (time.Time, error) {
	clientState := uuid.NewString()
	body := map[string]string{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    c.webhookURL,
		"resource":           "/me/events",
		"expirationDateTime": expiry.Format(time.RFC3339),
		"clientState":        clientState,
	}

	var created struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := c.do(ctx, account, http.MethodPost, c.BaseURL+"/subscriptions", body, http.StatusCreated, &created); err != nil {
		return time.Time{}, err
	}

	if parsed, err := time.Parse(time.RFC3339, created.ExpirationDateTime); err == nil {
		expiry = parsed
	}
	if err := c.store.UpdateAccountWebhook(ctx, account.ID, created.ID, clientState, &expiry); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

type graphNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

// HandleWebhookUpdate re-fetches each changed event named by the
// notification's resource URL and upserts it; deletions are applied directly.
func (c *MicrosoftConnector) HandleWebhookUpdate(ctx context.Context, account *models.ProviderAccount, payload string) (*SyncResult, error) {
	var notification graphNotification
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}

	result := &SyncResult{}
	for _, n := range notification.Value {
		match := graphEventIDPattern.FindStringSubmatch(n.Resource)
		if match == nil {
			c.logger.Warn().Str("resource", n.Resource).Msg("notification resource has no event id")
			continue
		}
		eventID := match[1]

		if n.ChangeType == "deleted" {
			if err := c.store.DeleteEventsByProviderIDs(ctx, account.ID, []string{eventID}); err != nil {
				return nil, err
			}
			result.DeletedCount++
			continue
		}

		var ev graphEvent
		if err := c.do(ctx, account, http.MethodGet, c.BaseURL+"/me/events/"+eventID, nil, http.StatusOK, &ev); err != nil {
			return nil, fmt.Errorf("fetch changed event %s: %w", eventID, err)
		}
		if err := c.store.UpsertEvents(ctx, []models.CalendarEvent{c.toCalendarEvent(account, &ev)}); err != nil {
			return nil, err
		}
		result.ChangesCount++
	}

	if err := c.store.TouchAccountSync(ctx, account.ID, time.Now()); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *MicrosoftConnector) eventsURL(calendarID string) string {
	if calendarID != "" {
		return c.BaseURL + "/me/calendars/" + calendarID + "/events"
	}
	return c.BaseURL + "/me/events"
}

func (c *MicrosoftConnector) fetchDeltaPage(ctx context.Context, client *http.Client, pageURL string) (*graphDeltaPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch delta page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, errGone
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("delta page failed with status %d: %s", resp.StatusCode, body)
	}

	var page graphDeltaPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode delta page: %w", err)
	}
	return &page, nil
}

// do issues one Graph call, checks the expected status, and decodes into out.
func (c *MicrosoftConnector) do(ctx context.Context, account *models.ProviderAccount, method, callURL string, body any, wantStatus int, out any) error {
	client, err := c.client(ctx, account)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, callURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, callURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s failed with status %d: %s", method, callURL, resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

var errGone = errors.New("sync cursor gone")

func isGone(err error) bool {
	return errors.Is(err, errGone)
}

func (c *MicrosoftConnector) toCalendarEvent(account *models.ProviderAccount, ev *graphEvent) models.CalendarEvent {
	event := models.CalendarEvent{
		UserID:          account.UserID,
		AccountID:       account.ID,
		Provider:        models.ProviderMicrosoft,
		CalendarID:      c.primaryCalendar(account),
		ProviderEventID: ev.ID,
		Title:           ev.Subject,
		Description:     ev.BodyPreview,
		AllDay:          ev.IsAllDay,
		Etag:            ev.ChangeKey,
	}
	if ev.Location != nil {
		event.Location = ev.Location.DisplayName
	}
	if ev.Start != nil {
		event.StartsAt = parseGraphTime(ev.Start.DateTime)
	}
	if ev.End != nil {
		event.EndsAt = parseGraphTime(ev.End.DateTime)
	}
	for _, a := range ev.Attendees {
		if a.EmailAddress.Address != "" {
			event.Attendees = append(event.Attendees, a.EmailAddress.Address)
		}
	}
	return event
}

func (c *MicrosoftConnector) toGraphEvent(event *models.CalendarEvent) map[string]any {
	out := map[string]any{
		"subject":  event.Title,
		"isAllDay": event.AllDay,
		"start":    graphDateTime{DateTime: event.StartsAt.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		"end":      graphDateTime{DateTime: event.EndsAt.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
	}
	if event.Location != "" {
		out["location"] = graphLocation{DisplayName: event.Location}
	}
	if len(event.Attendees) > 0 {
		attendees := make([]map[string]any, 0, len(event.Attendees))
		for _, email := range event.Attendees {
			attendees = append(attendees, map[string]any{
				"emailAddress": map[string]string{"address": email},
				"type":         "required",
			})
		}
		out["attendees"] = attendees
	}
	return out
}

func (c *MicrosoftConnector) primaryCalendar(account *models.ProviderAccount) string {
	if len(account.Settings.Calendars) > 0 {
		return account.Settings.Calendars[0]
	}
	return "primary"
}

// parseGraphTime accepts Graph timestamps with or without fractional seconds.
func parseGraphTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339, graphTimeFormat + ".0000000", graphTimeFormat} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
