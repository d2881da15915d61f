package provider

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"calsyncd/internal/config"
	"calsyncd/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	icsTimeFormat  = "20060102T150405Z"
	icsDateFormat  = "20060102"
	caldavNSDAV    = "DAV:"
	caldavNSCalDAV = "urn:ietf:params:xml:ns:caldav"
)

// CalDAVConnector syncs against a generic CalDAV server using the
// sync-collection REPORT (RFC 6578), falling back to a full calendar-query
// when the server has no sync token for us yet. There is no push channel in
// CalDAV, so webhook operations are unsupported.
type CalDAVConnector struct {
	cfg    config.CalDAVConfig
	cipher TokenCipher
	store  Store
	logger zerolog.Logger
	client *http.Client

	limiter *rate.Limiter
}

func NewCalDAVConnector(cfg config.CalDAVConfig, cipher TokenCipher, store Store, logger *zerolog.Logger) *CalDAVConnector {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CalDAVConnector{
		cfg:     cfg,
		cipher:  cipher,
		store:   store,
		logger:  logger.With().Str("connector", "caldav").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (c *CalDAVConnector) Provider() models.Provider { return models.ProviderCalDAV }

// multistatus is the subset of the WebDAV multistatus response we read.
type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"response"`
	SyncToken string        `xml:"sync-token"`
}

type davResponse struct {
	Href     string `xml:"href"`
	Status   string `xml:"status"`
	Propstat []struct {
		Status string `xml:"status"`
		Prop   struct {
			Etag         string `xml:"getetag"`
			CalendarData string `xml:"calendar-data"`
		} `xml:"prop"`
	} `xml:"propstat"`
}

// FullSync issues a calendar-query REPORT over the sync window, then grabs a
// fresh sync token so the next run can be incremental.
func (c *CalDAVConnector) FullSync(ctx context.Context, account *models.ProviderAccount) (*SyncResult, error) {
	collectionURL, err := c.collectionURL(account)
	if err != nil {
		return nil, err
	}

	start := time.Now().Add(-models.SyncWindow).UTC().Format(icsTimeFormat)
	end := time.Now().Add(models.SyncWindow).UTC().Format(icsTimeFormat)
	query := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="%s" xmlns:C="%s">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, caldavNSDAV, caldavNSCalDAV, start, end)

	status, err := c.report(ctx, account, collectionURL, query, "1")
	if err != nil {
		return nil, err
	}

	var batch []models.CalendarEvent
	for _, resp := range status.Responses {
		event, ok := c.responseEvent(account, &resp)
		if !ok {
			continue
		}
		batch = append(batch, event)
	}

	if err := c.store.UpsertEvents(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist events: %w", err)
	}

	token, err := c.fetchSyncToken(ctx, account, collectionURL)
	if err != nil {
		c.logger.Warn().Err(err).Int64("account_id", account.ID).Msg("server has no sync token, next run will be full")
		token = ""
	}
	if err := c.store.UpdateAccountSyncToken(ctx, account.ID, token); err != nil {
		return nil, err
	}
	account.SyncToken = token
	if err := c.store.TouchAccountSync(ctx, account.ID, time.Now()); err != nil {
		return nil, err
	}

	c.logger.Info().Int64("account_id", account.ID).Int("events", len(batch)).Msg("full sync done")
	return &SyncResult{EventsCount: len(batch), FullSync: true}, nil
}

// IncrementalSync issues a sync-collection REPORT with the stored token. A
// 403 or 507 means the server forgot the token; the cursor is cleared and a
// full sync runs instead. Responses carrying a 404 status are deletions.
func (c *CalDAVConnector) IncrementalSync(ctx context.Context, account *models.ProviderAccount) (*SyncResult, error) {
	if account.SyncToken == "" {
		return c.FullSync(ctx, account)
	}

	collectionURL, err := c.collectionURL(account)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="%s" xmlns:C="%s">
  <D:sync-token>%s</D:sync-token>
  <D:sync-level>1</D:sync-level>
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
</D:sync-collection>`, caldavNSDAV, caldavNSCalDAV, xmlEscape(account.SyncToken))

	status, err := c.report(ctx, account, collectionURL, query, "")
	if err != nil {
		if isStaleSyncToken(err) {
			c.logger.Warn().Int64("account_id", account.ID).Msg("sync token rejected, falling back to full sync")
			if err := c.store.UpdateAccountSyncToken(ctx, account.ID, ""); err != nil {
				return nil, err
			}
			account.SyncToken = ""
			return c.FullSync(ctx, account)
		}
		return nil, err
	}

	var changed []models.CalendarEvent
	var deleted []string
	for _, resp := range status.Responses {
		if strings.Contains(resp.Status, "404") {
			deleted = append(deleted, uidFromHref(resp.Href))
			continue
		}
		event, ok := c.responseEvent(account, &resp)
		if !ok {
			continue
		}
		changed = append(changed, event)
	}

	if err := c.store.UpsertEvents(ctx, changed); err != nil {
		return nil, fmt.Errorf("persist events: %w", err)
	}
	if err := c.store.DeleteEventsByProviderIDs(ctx, account.ID, deleted); err != nil {
		return nil, fmt.Errorf("delete events: %w", err)
	}
	if status.SyncToken != "" {
		if err := c.store.UpdateAccountSyncToken(ctx, account.ID, status.SyncToken); err != nil {
			return nil, err
		}
		account.SyncToken = status.SyncToken
	}
	if err := c.store.TouchAccountSync(ctx, account.ID, time.Now()); err != nil {
		return nil, err
	}

	return &SyncResult{ChangesCount: len(changed), DeletedCount: len(deleted)}, nil
}

func (c *CalDAVConnector) CreateEvent(ctx context.Context, account *models.ProviderAccount, event *models.CalendarEvent) (string, error) {
	collectionURL, err := c.collectionURL(account)
	if err != nil {
		return "", err
	}

	uid := uuid.NewString()
	resp, err := c.send(ctx, account, http.MethodPut, collectionURL+uid+".ics", serializeICS(uid, event), map[string]string{
		"Content-Type": "text/calendar; charset=utf-8",
		"If-None-Match": "*",
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("create event failed with status %d", resp.StatusCode)
	}
	return uid, nil
}

func (c *CalDAVConnector) UpdateEvent(ctx context.Context, account *models.ProviderAccount, event *models.CalendarEvent) error {
	collectionURL, err := c.collectionURL(account)
	if err != nil {
		return err
	}

	headers := map[string]string{"Content-Type": "text/calendar; charset=utf-8"}
	if event.Etag != "" {
		headers["If-Match"] = event.Etag
	}
	resp, err := c.send(ctx, account, http.MethodPut, collectionURL+event.ProviderEventID+".ics", serializeICS(event.ProviderEventID, event), headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update event failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *CalDAVConnector) DeleteEvent(ctx context.Context, account *models.ProviderAccount, providerEventID string) error {
	collectionURL, err := c.collectionURL(account)
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, account, http.MethodDelete, collectionURL+providerEventID+".ics", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete event failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *CalDAVConnector) RenewWebhook(ctx context.Context, account *models.ProviderAccount) (time.Time, error) {
	return time.Time{}, ErrWebhookUnsupported
}

func (c *CalDAVConnector) HandleWebhookUpdate(ctx context.Context, account *models.ProviderAccount, payload string) (*SyncResult, error) {
	return nil, ErrWebhookUnsupported
}

func (c *CalDAVConnector) collectionURL(account *models.ProviderAccount) (string, error) {
	base := account.Settings.ServerURL
	if base == "" {
		return "", fmt.Errorf("account %d has no caldav server url", account.ID)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if len(account.Settings.Calendars) > 0 {
		return base + strings.Trim(account.Settings.Calendars[0], "/") + "/", nil
	}
	return base, nil
}

func (c *CalDAVConnector) report(ctx context.Context, account *models.ProviderAccount, reportURL, body, depth string) (*multistatus, error) {
	headers := map[string]string{"Content-Type": "application/xml; charset=utf-8"}
	if depth != "" {
		headers["Depth"] = depth
	}
	resp, err := c.send(ctx, account, "REPORT", reportURL, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusInsufficientStorage {
		return nil, errStaleSyncToken
	}
	if resp.StatusCode != http.StatusMultiStatus {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("report failed with status %d: %s", resp.StatusCode, raw)
	}

	var status multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode multistatus: %w", err)
	}
	return &status, nil
}

// fetchSyncToken runs an empty sync-collection REPORT to discover the
// server's current token without pulling any bodies.
func (c *CalDAVConnector) fetchSyncToken(ctx context.Context, account *models.ProviderAccount, collectionURL string) (string, error) {
	query := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="%s">
  <D:sync-token/>
  <D:sync-level>1</D:sync-level>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`, caldavNSDAV)

	status, err := c.report(ctx, account, collectionURL, query, "")
	if err != nil {
		return "", err
	}
	if status.SyncToken == "" {
		return "", errors.New("multistatus carried no sync token")
	}
	return status.SyncToken, nil
}

func (c *CalDAVConnector) send(ctx context.Context, account *models.ProviderAccount, method, callURL, body string, headers map[string]string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	password, err := c.cipher.Decrypt(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, callURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(account.ProviderAccountID, password)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, callURL, err)
	}
	return resp, nil
}

func (c *CalDAVConnector) responseEvent(account *models.ProviderAccount, resp *davResponse) (models.CalendarEvent, bool) {
	for _, ps := range resp.Propstat {
		if !strings.Contains(ps.Status, "200") || ps.Prop.CalendarData == "" {
			continue
		}
		event, err := parseICS(ps.Prop.CalendarData)
		if err != nil {
			c.logger.Warn().Err(err).Str("href", resp.Href).Msg("skipping unparseable calendar object")
			return models.CalendarEvent{}, false
		}
		event.UserID = account.UserID
		event.AccountID = account.ID
		event.Provider = models.ProviderCalDAV
		event.Etag = ps.Prop.Etag
		if event.ProviderEventID == "" {
			event.ProviderEventID = uidFromHref(resp.Href)
		}
		return event, true
	}
	return models.CalendarEvent{}, false
}

var errStaleSyncToken = errors.New("sync token no longer valid")

func isStaleSyncToken(err error) bool {
	return errors.Is(err, errStaleSyncToken)
}

// uidFromHref turns ".../calendars/work/abc123.ics" into "abc123".
func uidFromHref(href string) string {
	trimmed := strings.TrimSuffix(href, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return strings.TrimSuffix(trimmed, ".ics")
}

// parseICS reads the first VEVENT from an iCalendar object. Only the
// properties the event model carries are interpreted.
func parseICS(data string) (models.CalendarEvent, error) {
	var event models.CalendarEvent
	inEvent := false
	seen := false

	for _, line := range unfoldICS(data) {
		name, params, value := splitICSLine(line)
		switch name {
		case "BEGIN":
			if value == "VEVENT" {
				if seen {
					return event, nil
				}
				inEvent = true
				seen = true
			}
		case "END":
			if value == "VEVENT" {
				inEvent = false
			}
		}
		if !inEvent {
			continue
		}

		switch name {
		case "UID":
			event.ProviderEventID = value
		case "SUMMARY":
			event.Title = unescapeICS(value)
		case "DESCRIPTION":
			event.Description = unescapeICS(value)
		case "LOCATION":
			event.Location = unescapeICS(value)
		case "STATUS":
			event.Status = strings.ToLower(value)
		case "DTSTART":
			t, allDay, err := parseICSTime(params, value)
			if err != nil {
				return event, fmt.Errorf("parse DTSTART: %w", err)
			}
			event.StartsAt = t
			event.AllDay = allDay
		case "DTEND":
			t, _, err := parseICSTime(params, value)
			if err != nil {
				return event, fmt.Errorf("parse DTEND: %w", err)
			}
			event.EndsAt = t
		case "RRULE":
			event.Recurrence = append(event.Recurrence, "RRULE:"+value)
		case "ATTENDEE":
			if email := strings.TrimPrefix(strings.ToLower(value), "mailto:"); email != value {
				event.Attendees = append(event.Attendees, email)
			}
		}
	}

	if !seen {
		return event, errors.New("no VEVENT component")
	}
	return event, nil
}

func serializeICS(uid string, event *models.CalendarEvent) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//calsyncd//EN\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	fmt.Fprintf(&b, "UID:%s\r\n", uid)
	fmt.Fprintf(&b, "DTSTAMP:%s\r\n", time.Now().UTC().Format(icsTimeFormat))
	if event.AllDay {
		fmt.Fprintf(&b, "DTSTART;VALUE=DATE:%s\r\n", event.StartsAt.UTC().Format(icsDateFormat))
		fmt.Fprintf(&b, "DTEND;VALUE=DATE:%s\r\n", event.EndsAt.UTC().Format(icsDateFormat))
	} else {
		fmt.Fprintf(&b, "DTSTART:%s\r\n", event.StartsAt.UTC().Format(icsTimeFormat))
		fmt.Fprintf(&b, "DTEND:%s\r\n", event.EndsAt.UTC().Format(icsTimeFormat))
	}
	fmt.Fprintf(&b, "SUMMARY:%s\r\n", escapeICS(event.Title))
	if event.Description != "" {
		fmt.Fprintf(&b, "DESCRIPTION:%s\r\n", escapeICS(event.Description))
	}
	if event.Location != "" {
		fmt.Fprintf(&b, "LOCATION:%s\r\n", escapeICS(event.Location))
	}
	for _, email := range event.Attendees {
		fmt.Fprintf(&b, "ATTENDEE:mailto:%s\r\n", email)
	}
	for _, rule := range event.Recurrence {
		fmt.Fprintf(&b, "%s\r\n", rule)
	}
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// unfoldICS joins continuation lines (leading space or tab) per RFC 5545.
func unfoldICS(data string) []string {
	raw := strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n")
	var lines []string
	for _, line := range raw {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func splitICSLine(line string) (name, params, value string) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return strings.ToUpper(line), "", ""
	}
	value = line[colon+1:]
	head := line[:colon]
	if semi := strings.IndexByte(head, ';'); semi >= 0 {
		return strings.ToUpper(head[:semi]), head[semi+1:], value
	}
	return strings.ToUpper(head), "", value
}

func parseICSTime(params, value string) (time.Time, bool, error) {
	if strings.Contains(params, "VALUE=DATE") || len(value) == len(icsDateFormat) {
		t, err := time.Parse(icsDateFormat, value)
		return t, true, err
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(icsTimeFormat, value)
		return t, false, err
	}
	// Floating or TZID-qualified local time; treated as UTC since the sync
	// store keeps a single timeline per event.
	t, err := time.Parse("20060102T150405", value)
	return t, false, err
}

func escapeICS(s string) string {
	r := strings.NewReplacer("\\", "\\\\", ";", "\\;", ",", "\\,", "\n", "\\n")
	return r.Replace(s)
}

func unescapeICS(s string) string {
	r := strings.NewReplacer("\\\\", "\\", "\\;", ";", "\\,", ",", "\\n", "\n", "\\N", "\n")
	return r.Replace(s)
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
