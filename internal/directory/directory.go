// Package directory is the client for the persistence/config service
// that owns users, secretaries, facts, reminders, and calendar data.
// The engine only ever talks to it through the [Client] interface so
// the service itself stays replaceable (and mockable in tests).
package directory

import (
	"context"
	"time"
)

// SecretaryConfig describes a secretary as stored in the directory.
type SecretaryConfig struct {
	SecretaryID  string  `json:"secretary_id"`
	Name         string  `json:"name"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature,omitempty"`
	// TokenBudget is the context window size, in tokens, this
	// secretary's configuration permits.
	TokenBudget int `json:"token_budget"`
}

// Reminder is a scheduled one-shot reminder owned by the directory's
// trigger service.
type Reminder struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	RemindAt  time.Time `json:"remind_at"`
	Delivered bool      `json:"delivered,omitempty"`
}

// CalendarEvent is a calendar entry reached through the directory's
// calendar integration.
type CalendarEvent struct {
	ID       string    `json:"id,omitempty"`
	UserID   string    `json:"user_id"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at,omitempty"`
	Location string    `json:"location,omitempty"`
}

// Client is the directory service surface the engine consumes.
type Client interface {
	// AssignedSecretary returns the secretary configuration currently
	// assigned to the user.
	AssignedSecretary(ctx context.Context, userID string) (*SecretaryConfig, error)

	// SecretaryByID returns a secretary configuration by its own id.
	// Used by sub-agent delegation, which targets a secretary directly.
	SecretaryByID(ctx context.Context, secretaryID string) (*SecretaryConfig, error)

	// DeclaredTools returns the tool-type names declared for a secretary.
	DeclaredTools(ctx context.Context, secretaryID string) ([]string, error)

	// UserFacts returns the user's long-term facts, newest last.
	UserFacts(ctx context.Context, userID string) ([]string, error)

	// SaveUserFact persists a new long-term fact for the user.
	SaveUserFact(ctx context.Context, userID, fact string) error

	// CreateReminder schedules a reminder; the directory's trigger
	// service later emits a reminder_triggered event for it.
	CreateReminder(ctx context.Context, r Reminder) (*Reminder, error)

	// ListReminders returns the user's pending reminders.
	ListReminders(ctx context.Context, userID string) ([]Reminder, error)

	// MarkReminderSent records that a triggered reminder was delivered.
	MarkReminderSent(ctx context.Context, reminderID string) error

	// CreateCalendarEvent adds an event to the user's calendar.
	CreateCalendarEvent(ctx context.Context, ev CalendarEvent) (*CalendarEvent, error)

	// ListCalendarEvents returns the user's events between from and to.
	ListCalendarEvents(ctx context.Context, userID string, from, to time.Time) ([]CalendarEvent, error)
}
