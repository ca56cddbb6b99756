package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/periapt-io/secretary/internal/directory"
	"github.com/periapt-io/secretary/internal/prompts"
)

// Well-known tool-type names. The directory declares tools for a
// secretary by these strings; the factory resolves them to executables.
const (
	ToolCreateReminder      = "create_reminder"
	ToolListReminders       = "list_reminders"
	ToolCreateCalendarEvent = "create_calendar_event"
	ToolListCalendarEvents  = "list_calendar_events"
	ToolSaveUserFact        = "save_user_fact"
	ToolDelegate            = "delegate_to_agent"
)

// DelegateFunc runs a task on another secretary and returns its final
// response. Wired late by the engine to avoid a construction cycle
// between the factory and the registry.
type DelegateFunc func(ctx context.Context, secretaryID, task string) (string, error)

// Factory constructs tool registries from declared tool-type names.
type Factory struct {
	dir      directory.Client
	logger   *slog.Logger
	delegate DelegateFunc
}

// NewFactory creates a tool factory backed by the directory service.
func NewFactory(dir directory.Client, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{dir: dir, logger: logger}
}

// SetDelegate wires the sub-agent delegation entry point. Until set,
// the delegation tool reports itself unavailable rather than failing
// registry construction.
func (f *Factory) SetDelegate(fn DelegateFunc) {
	f.delegate = fn
}

// Build resolves declared tool-type names into a bound registry.
// Unknown names are logged and skipped so one bad declaration does not
// take the secretary offline.
func (f *Factory) Build(declared []string) *Registry {
	reg := NewRegistry()
	for _, name := range declared {
		t := f.build(name)
		if t == nil {
			f.logger.Warn("unknown declared tool, skipping", "tool", name)
			continue
		}
		reg.Register(t)
	}
	return reg
}

func (f *Factory) build(name string) *Tool {
	switch name {
	case ToolCreateReminder:
		return f.createReminderTool()
	case ToolListReminders:
		return f.listRemindersTool()
	case ToolCreateCalendarEvent:
		return f.createCalendarEventTool()
	case ToolListCalendarEvents:
		return f.listCalendarEventsTool()
	case ToolSaveUserFact:
		return f.saveUserFactTool()
	case ToolDelegate:
		return f.delegateTool()
	}
	return nil
}

func (f *Factory) createReminderTool() *Tool {
	return &Tool{
		Name:        ToolCreateReminder,
		Description: "Schedule a reminder for the user. The user will be notified when it triggers.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "What to remind the user about",
				},
				"when": map[string]any{
					"type":        "string",
					"description": "When to trigger: RFC3339 timestamp, a duration like '30m' or '2h', or 'in 30 minutes'",
				},
			},
			"required": []string{"text", "when"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			caller := CallerFromContext(ctx)
			text, _ := args["text"].(string)
			when, _ := args["when"].(string)

			at, err := parseWhen(when, time.Now())
			if err != nil {
				return "", fmt.Errorf("invalid time %q: %w", when, err)
			}

			created, err := f.dir.CreateReminder(ctx, directory.Reminder{
				UserID:   caller.UserID,
				Text:     text,
				RemindAt: at,
			})
			if err != nil {
				return "", fmt.Errorf("create reminder: %w", err)
			}
			return fmt.Sprintf("Reminder set for %s: %s", created.RemindAt.Format(time.RFC1123), created.Text), nil
		},
	}
}

func (f *Factory) listRemindersTool() *Tool {
	return &Tool{
		Name:        ToolListReminders,
		Description: "List the user's pending reminders.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			caller := CallerFromContext(ctx)
			reminders, err := f.dir.ListReminders(ctx, caller.UserID)
			if err != nil {
				return "", fmt.Errorf("list reminders: %w", err)
			}
			if len(reminders) == 0 {
				return "No pending reminders.", nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d reminder(s):\n", len(reminders))
			for _, r := range reminders {
				fmt.Fprintf(&sb, "- %s: %s\n", r.RemindAt.Format("2006-01-02 15:04"), r.Text)
			}
			return sb.String(), nil
		},
	}
}

func (f *Factory) createCalendarEventTool() *Tool {
	return &Tool{
		Name:        ToolCreateCalendarEvent,
		Description: "Add an event to the user's calendar.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Event title",
				},
				"starts_at": map[string]any{
					"type":        "string",
					"description": "Event start as RFC3339 timestamp",
				},
				"ends_at": map[string]any{
					"type":        "string",
					"description": "Optional event end as RFC3339 timestamp",
				},
				"location": map[string]any{
					"type":        "string",
					"description": "Optional location",
				},
			},
			"required": []string{"title", "starts_at"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			caller := CallerFromContext(ctx)
			title, _ := args["title"].(string)
			startsStr, _ := args["starts_at"].(string)
			endsStr, _ := args["ends_at"].(string)
			location, _ := args["location"].(string)

			starts, err := time.Parse(time.RFC3339, startsStr)
			if err != nil {
				return "", fmt.Errorf("invalid starts_at %q: %w", startsStr, err)
			}

			ev := directory.CalendarEvent{
				UserID:   caller.UserID,
				Title:    title,
				StartsAt: starts,
				Location: location,
			}
			if endsStr != "" {
				ends, err := time.Parse(time.RFC3339, endsStr)
				if err != nil {
					return "", fmt.Errorf("invalid ends_at %q: %w", endsStr, err)
				}
				ev.EndsAt = ends
			}

			created, err := f.dir.CreateCalendarEvent(ctx, ev)
			if err != nil {
				return "", fmt.Errorf("create calendar event: %w", err)
			}
			return fmt.Sprintf("Event %q created for %s", created.Title, created.StartsAt.Format(time.RFC1123)), nil
		},
	}
}

func (f *Factory) listCalendarEventsTool() *Tool {
	return &Tool{
		Name:        ToolListCalendarEvents,
		Description: "List the user's upcoming calendar events.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "How many days ahead to look (default 7)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			caller := CallerFromContext(ctx)
			days := 7
			if d, ok := args["days"].(float64); ok && d > 0 {
				days = int(d)
			}

			now := time.Now()
			events, err := f.dir.ListCalendarEvents(ctx, caller.UserID, now, now.AddDate(0, 0, days))
			if err != nil {
				return "", fmt.Errorf("list calendar events: %w", err)
			}
			if len(events) == 0 {
				return fmt.Sprintf("No events in the next %d days.", days), nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d event(s):\n", len(events))
			for _, ev := range events {
				fmt.Fprintf(&sb, "- %s: %s", ev.StartsAt.Format("2006-01-02 15:04"), ev.Title)
				if ev.Location != "" {
					fmt.Fprintf(&sb, " (%s)", ev.Location)
				}
				sb.WriteString("\n")
			}
			return sb.String(), nil
		},
	}
}

func (f *Factory) saveUserFactTool() *Tool {
	return &Tool{
		Name:        ToolSaveUserFact,
		Description: "Remember a long-term fact about the user (preferences, recurring context, important dates). Saved facts are available in all future conversations.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fact": map[string]any{
					"type":        "string",
					"description": "The fact to remember, phrased as a standalone statement",
				},
			},
			"required": []string{"fact"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			caller := CallerFromContext(ctx)
			fact, _ := args["fact"].(string)

			if err := f.dir.SaveUserFact(ctx, caller.UserID, fact); err != nil {
				return "", fmt.Errorf("save fact: %w", err)
			}
			return "Remembered: " + fact, nil
		},
	}
}

func (f *Factory) delegateTool() *Tool {
	return &Tool{
		Name:        ToolDelegate,
		Description: prompts.DelegateToolDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "The id of the agent to delegate to",
				},
				"task": map[string]any{
					"type":        "string",
					"description": "Plain English description of what to accomplish",
				},
			},
			"required": []string{"agent_id", "task"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if f.delegate == nil {
				return "", &ErrToolUnavailable{ToolName: ToolDelegate}
			}
			agentID, _ := args["agent_id"].(string)
			task, _ := args["task"].(string)

			result, err := f.delegate(ctx, agentID, task)
			if err != nil {
				// Delegation failures go back to the model as content so
				// it can recover or answer directly.
				return fmt.Sprintf("[Delegation to %s failed] %s", agentID, err.Error()), nil
			}
			return result, nil
		},
	}
}

// parseWhen converts a human-friendly time specification to a Time.
func parseWhen(when string, now time.Time) (time.Time, error) {
	when = strings.TrimSpace(when)

	// Duration form first ("30m", "2h").
	if dur, err := time.ParseDuration(when); err == nil {
		return now.Add(dur), nil
	}

	// "in X minutes/hours" form.
	if strings.HasPrefix(strings.ToLower(when), "in ") {
		if dur, err := parseHumanDuration(strings.TrimPrefix(strings.ToLower(when), "in ")); err == nil {
			return now.Add(dur), nil
		}
	}

	// RFC3339 timestamp.
	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, nil
	}

	// Common date and time-of-day formats.
	formats := []string{
		"2006-01-02 15:04",
		"2006-01-02T15:04",
		"15:04",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, when); err == nil {
			if format == "15:04" {
				t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
				// A time already past today means tomorrow.
				if t.Before(now) {
					t = t.Add(24 * time.Hour)
				}
			}
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("could not parse time: %s", when)
}

func parseHumanDuration(s string) (time.Duration, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) < 2 {
		return 0, fmt.Errorf("expected '<number> <unit>'")
	}

	var num int
	if _, err := fmt.Sscanf(parts[0], "%d", &num); err != nil {
		return 0, err
	}

	unit := strings.ToLower(parts[1])
	switch {
	case strings.HasPrefix(unit, "second"):
		return time.Duration(num) * time.Second, nil
	case strings.HasPrefix(unit, "minute"):
		return time.Duration(num) * time.Minute, nil
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(num) * time.Hour, nil
	case strings.HasPrefix(unit, "day"):
		return time.Duration(num) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}
