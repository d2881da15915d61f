package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"calsyncd/internal/config"
	"calsyncd/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const googlePageSize = 250

// GoogleConnector syncs against the Google Calendar API.
type GoogleConnector struct {
	cfg        config.GoogleConfig
	webhookURL string
	cipher     TokenCipher
	store      Store
	logger     zerolog.Logger
	limiter    *rate.Limiter

	// BasePath overrides the API endpoint; used by tests.
	BasePath string
}

func NewGoogleConnector(cfg config.GoogleConfig, webhookURL string, cipher TokenCipher, store Store, logger *zerolog.Logger) *GoogleConnector {
	return &GoogleConnector{
		cfg:        cfg,
		webhookURL: webhookURL,
		cipher:     cipher,
		store:      store,
		logger:     logger.With().Str("connector", "google").Logger(),
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
	}
}

func (c *GoogleConnector) Provider() models.Provider { return models.ProviderGoogle }

func (c *GoogleConnector) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{calendar.CalendarScope},
	}
}

// service builds a Calendar client from the account's decrypted tokens.
// Refreshed tokens are re-encrypted and persisted transparently.
func (c *GoogleConnector) service(ctx context.Context, account *models.ProviderAccount) (*calendar.Service, error) {
	token, err := accountToken(c.cipher, account)
	if err != nil {
		return nil, err
	}

	source := newPersistingTokenSource(ctx, c.oauthConfig(), token, c.cipher, c.store, account.ID)
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, source))}
	if c.BasePath != "" {
		opts = append(opts, option.WithEndpoint(c.BasePath))
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// FullSync re-fetches all events in the account's enabled calendars over a
// ±1-year window, 250 per page, and stores the next sync token.
func (c *GoogleConnector) FullSync(ctx context.Context, account *models.ProviderAccount) (*SyncResult, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	calendars, err := c.enabledCalendars(ctx, svc, account)
	if err != nil {
		return nil, err
	}

	timeMin := time.Now().Add(-models.SyncWindow).Format(time.RFC3339)
	timeMax := time.Now().Add(models.SyncWindow).Format(time.RFC3339)

	var batch []models.CalendarEvent
	var syncToken string
	for _, calID := range calendars {
		pageToken := ""
		for {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}

			call := svc.Events.List(calID).
				SingleEvents(true).
				MaxResults(googlePageSize).
				TimeMin(timeMin).
				TimeMax(timeMax)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			resp, err := call.Context(ctx).Do()
			if err != nil {
				return nil, fmt.Errorf("list events for %s: %w", calID, err)
			}

			for _, item := range resp.Items {
				if item.Status == "cancelled" {
					continue
				}
				batch = append(batch, c.toCalendarEvent(account, calID, item))
			}

			if resp.NextPageToken == "" {
				if resp.NextSyncToken != "" {
					syncToken = resp.NextSyncToken
				}
				break
			}
			pageToken = resp.NextPageToken
		}
	}

	if err := c.store.UpsertEvents(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist events: %w", err)
	}
	if syncToken != "" {
		if err := c.store.UpdateAccountSyncToken(ctx, account.ID, syncToken); err != nil {
			return nil, err
		}
		account.SyncToken = syncToken
	}
	if err := c.store.TouchAccountSync(ctx, account.ID, time.Now()); err != nil {
		return nil, err
	}

	c.logger.Info().Int64("account_id", account.ID).Int("events", len(batch)).Msg("full sync done")
	return &SyncResult{EventsCount: len(batch), FullSync: true}, nil
}

// IncrementalSync fetches changes since the stored sync token. A 410 from
// the API means the token was invalidated; the token is cleared and a full
// sync runs instead.
func (c *GoogleConnector) IncrementalSync(ctx context.Context, account *models.ProviderAccount) (*SyncResult, error) {
	if account.SyncToken == "" {
		return c.FullSync(ctx, account)
	}

	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	calID := c.primaryCalendar(account)

	var changed []models.CalendarEvent
	var deleted []string
	var nextSyncToken string

	pageToken := ""
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		call := svc.Events.List(calID).
			SyncToken(account.SyncToken).
			MaxResults(googlePageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
				c.logger.Warn().Int64("account_id", account.ID).Msg("sync token invalidated, falling back to full sync")
				if err := c.store.UpdateAccountSyncToken(ctx, account.ID, ""); err != nil {
					return nil, err
				}
				account.SyncToken = ""
				return c.FullSync(ctx, account)
			}
			return nil, fmt.Errorf("incremental list: %w", err)
		}

		for _, item := range resp.Items {
			if item.Status == "cancelled" {
				deleted = append(deleted, item.Id)
				continue
			}
			changed = append(changed, c.toCalendarEvent(account, calID, item))
		}

		if resp.NextPageToken == "" {
			nextSyncToken = resp.NextSyncToken
			break
		}
		pageToken = resp.NextPageToken
	}

	if err := c.store.UpsertEvents(ctx, changed); err != nil {
		return nil, fmt.Errorf("persist events: %w", err)
	}
	if err := c.store.DeleteEventsByProviderIDs(ctx, account.ID, deleted); err != nil {
		return nil, fmt.Errorf("delete events: %w", err)
	}
	if nextSyncToken != "" {
		if err := c.store.UpdateAccountSyncToken(ctx, account.ID, nextSyncToken); err != nil {
			return nil, err
		}
		account.SyncToken = nextSyncToken
	}
	if err := c.store.TouchAccountSync(ctx, account.ID, time.Now()); err != nil {
		return nil, err
	}

	return &SyncResult{ChangesCount: len(changed), DeletedCount: len(deleted)}, nil
}

func (c *GoogleConnector) CreateEvent(ctx context.Context, account *models.ProviderAccount, event *models.CalendarEvent) (string, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	created, err := svc.Events.Insert(c.eventCalendar(account, event), c.toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return created.Id, nil
}

func (c *GoogleConnector) UpdateEvent(ctx context.Context, account *models.ProviderAccount, event *models.CalendarEvent) error {
	svc, err := c.service(ctx, account)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err = svc.Events.Update(c.eventCalendar(account, event), event.ProviderEventID, c.toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

func (c *GoogleConnector) DeleteEvent(ctx context.Context, account *models.ProviderAccount, providerEventID string) error {
	svc, err := c.service(ctx, account)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := svc.Events.Delete(c.primaryCalendar(account), providerEventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// RenewWebhook opens a fresh push channel; Google channels cannot be
// extended in place.
func (c *GoogleConnector) RenewWebhook(ctx context.Context, account *models.ProviderAccount) (time.Time, error) {
	svc, err := c.service(ctx, account)
	if err != nil {
		return time.Time{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}

	token := account.WebhookToken
	if token == "" {
		token = uuid.NewString()
	}
	channel := &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: c.webhookURL,
		Token:   token,
	}

	resp, err := svc.Events.Watch(c.primaryCalendar(account), channel).Context(ctx).Do()
	if err != nil {
		return time.Time{}, fmt.Errorf("watch calendar: %w", err)
	}

	expiry := time.UnixMilli(resp.Expiration)
	if err := c.store.UpdateAccountWebhook(ctx, account.ID, resp.Id, token, &expiry); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// HandleWebhookUpdate runs an incremental sync: Google push notifications
// carry no event body, only a change signal.
func (c *GoogleConnector) HandleWebhookUpdate(ctx context.Context, account *models.ProviderAccount, _ string) (*SyncResult, error) {
	return c.IncrementalSync(ctx, account)
}

// enabledCalendars lists the account's calendars and filters to the ones
// enabled in settings; with no explicit selection only the primary syncs.
func (c *GoogleConnector) enabledCalendars(ctx context.Context, svc *calendar.Service, account *models.ProviderAccount) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	list, err := svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	enabled := make(map[string]bool, len(account.Settings.Calendars))
	for _, id := range account.Settings.Calendars {
		enabled[id] = true
	}

	var out []string
	for _, entry := range list.Items {
		if len(enabled) > 0 {
			if enabled[entry.Id] {
				out = append(out, entry.Id)
			}
		} else if entry.Primary {
			out = append(out, entry.Id)
		}
	}
	return out, nil
}

func (c *GoogleConnector) primaryCalendar(account *models.ProviderAccount) string {
	if len(account.Settings.Calendars) > 0 {
		return account.Settings.Calendars[0]
	}
	return "primary"
}

func (c *GoogleConnector) eventCalendar(account *models.ProviderAccount, event *models.CalendarEvent) string {
	if event.CalendarID != "" {
		return event.CalendarID
	}
	return c.primaryCalendar(account)
}

func (c *GoogleConnector) toCalendarEvent(account *models.ProviderAccount, calID string, item *calendar.Event) models.CalendarEvent {
	event := models.CalendarEvent{
		UserID:          account.UserID,
		AccountID:       account.ID,
		Provider:        models.ProviderGoogle,
		CalendarID:      calID,
		ProviderEventID: item.Id,
		Title:           item.Summary,
		Description:     item.Description,
		Location:        item.Location,
		Status:          item.Status,
		Recurrence:      item.Recurrence,
		Etag:            item.Etag,
	}

	if item.Start != nil {
		if item.Start.DateTime != "" {
			event.StartsAt, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		} else if item.Start.Date != "" {
			event.StartsAt, _ = time.Parse("2006-01-02", item.Start.Date)
			event.AllDay = true
		}
	}
	if item.End != nil {
		if item.End.DateTime != "" {
			event.EndsAt, _ = time.Parse(time.RFC3339, item.End.DateTime)
		} else if item.End.Date != "" {
			event.EndsAt, _ = time.Parse("2006-01-02", item.End.Date)
		}
	}

	for _, a := range item.Attendees {
		if a.Email != "" {
			event.Attendees = append(event.Attendees, a.Email)
		}
	}
	return event
}

func (c *GoogleConnector) toGoogleEvent(event *models.CalendarEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Recurrence:  event.Recurrence,
	}

	if event.AllDay {
		out.Start = &calendar.EventDateTime{Date: event.StartsAt.Format("2006-01-02")}
		out.End = &calendar.EventDateTime{Date: event.EndsAt.Format("2006-01-02")}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: event.StartsAt.Format(time.RFC3339)}
		out.End = &calendar.EventDateTime{DateTime: event.EndsAt.Format(time.RFC3339)}
	}

	for _, email := range event.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: email})
	}
	return out
}
