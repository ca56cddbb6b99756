package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/periapt-io/secretary/internal/httpkit"
)

// HTTPClient talks to the directory service's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a directory client. timeout bounds every
// request so a stuck directory cannot hold a conversation lock open.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// AssignedSecretary returns the secretary assigned to the user.
func (c *HTTPClient) AssignedSecretary(ctx context.Context, userID string) (*SecretaryConfig, error) {
	var cfg SecretaryConfig
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/secretary", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SecretaryByID returns a secretary configuration by id.
func (c *HTTPClient) SecretaryByID(ctx context.Context, secretaryID string) (*SecretaryConfig, error) {
	var cfg SecretaryConfig
	if err := c.get(ctx, "/v1/secretaries/"+url.PathEscape(secretaryID), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DeclaredTools returns the secretary's declared tool-type names.
func (c *HTTPClient) DeclaredTools(ctx context.Context, secretaryID string) ([]string, error) {
	var out struct {
		Tools []string `json:"tools"`
	}
	if err := c.get(ctx, "/v1/secretaries/"+url.PathEscape(secretaryID)+"/tools", &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// UserFacts returns the user's long-term facts.
func (c *HTTPClient) UserFacts(ctx context.Context, userID string) ([]string, error) {
	var out struct {
		Facts []string `json:"facts"`
	}
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/facts", &out); err != nil {
		return nil, err
	}
	return out.Facts, nil
}

// SaveUserFact persists a new fact for the user.
func (c *HTTPClient) SaveUserFact(ctx context.Context, userID, fact string) error {
	body := map[string]string{"fact": fact}
	return c.post(ctx, "/v1/users/"+url.PathEscape(userID)+"/facts", body, nil)
}

// CreateReminder schedules a reminder.
func (c *HTTPClient) CreateReminder(ctx context.Context, r Reminder) (*Reminder, error) {
	var created Reminder
	if err := c.post(ctx, "/v1/reminders", r, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListReminders returns pending reminders for the user.
func (c *HTTPClient) ListReminders(ctx context.Context, userID string) ([]Reminder, error) {
	var out struct {
		Reminders []Reminder `json:"reminders"`
	}
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/reminders", &out); err != nil {
		return nil, err
	}
	return out.Reminders, nil
}

// MarkReminderSent records delivery of a triggered reminder.
func (c *HTTPClient) MarkReminderSent(ctx context.Context, reminderID string) error {
	return c.post(ctx, "/v1/reminders/"+url.PathEscape(reminderID)+"/sent", nil, nil)
}

// CreateCalendarEvent adds a calendar event.
func (c *HTTPClient) CreateCalendarEvent(ctx context.Context, ev CalendarEvent) (*CalendarEvent, error) {
	var created CalendarEvent
	if err := c.post(ctx, "/v1/calendar/events", ev, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListCalendarEvents returns the user's events in [from, to].
func (c *HTTPClient) ListCalendarEvents(ctx context.Context, userID string, from, to time.Time) ([]CalendarEvent, error) {
	var out struct {
		Events []CalendarEvent `json:"events"`
	}
	path := fmt.Sprintf("/v1/users/%s/calendar?from=%s&to=%s",
		url.PathEscape(userID),
		url.QueryEscape(from.Format(time.RFC3339)),
		url.QueryEscape(to.Format(time.RFC3339)))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("directory error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, data any, result any) error {
	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("directory error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
