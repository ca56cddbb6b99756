// Package dispatch consumes inbound events, resolves the user's
// secretary, runs the conversation state machine, and emits exactly
// one outbound message per accepted event. Events for different users
// run concurrently; events for one user run in arrival order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/periapt-io/secretary/internal/conversation"
	"github.com/periapt-io/secretary/internal/directory"
	"github.com/periapt-io/secretary/internal/events"
	"github.com/periapt-io/secretary/internal/prompts"
	"github.com/periapt-io/secretary/internal/registry"
)

// Inbound event types.
const (
	TypeHuman     = "human"
	TypeToolEvent = "tool_event"
)

// EventReminderTriggered is the tool_event kind emitted by the
// directory's trigger service when a reminder fires.
const EventReminderTriggered = "reminder_triggered"

// Outbound statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// InboundEvent is the wire shape of one inbound channel message.
type InboundEvent struct {
	Type    string         `json:"type"`
	UserID  string         `json:"user_id"`
	Text    string         `json:"text,omitempty"`
	Event   string         `json:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// OutboundMessage is the wire shape of one outbound channel message.
type OutboundMessage struct {
	UserID   string `json:"user_id"`
	Response string `json:"response"`
	Status   string `json:"status"`
}

// Publisher delivers outbound messages to the transport.
type Publisher interface {
	Publish(ctx context.Context, msg OutboundMessage) error
}

// StateStore loads checkpointed conversation state. The machine itself
// writes checkpoints through its own saver; the dispatcher only reads.
type StateStore interface {
	Load(ctx context.Context, userID, secretaryID string) (*conversation.State, error)
}

// Dispatcher routes inbound events through the engine.
type Dispatcher struct {
	registry  *registry.Registry
	states    StateStore
	dir       directory.Client
	publisher Publisher
	bus       *events.Bus
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string][]InboundEvent
	active map[string]bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. states and bus may be nil; a nil states
// store means every run starts from a fresh conversation. publisher
// may also be nil at construction when the transport needs the
// dispatcher first; wire it with [Dispatcher.SetPublisher] before any
// event arrives.
func New(
	reg *registry.Registry,
	states StateStore,
	dir directory.Client,
	publisher Publisher,
	bus *events.Bus,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  reg,
		states:    states,
		dir:       dir,
		publisher: publisher,
		bus:       bus,
		logger:    logger,
		queues:    make(map[string][]InboundEvent),
		active:    make(map[string]bool),
	}
}

// SetPublisher wires the outbound transport. Must be called before
// the inbound feed starts.
func (d *Dispatcher) SetPublisher(p Publisher) {
	d.publisher = p
}

// HandleRaw parses one inbound payload and enqueues it. Malformed
// payloads are logged and dropped; they never produce an outbound
// message and never crash the consume loop.
func (d *Dispatcher) HandleRaw(ctx context.Context, payload []byte) {
	var ev InboundEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.drop("unparseable json", err)
		return
	}
	if err := validate(ev); err != nil {
		d.drop(err.Error(), nil)
		return
	}

	d.bus.Publish(events.Event{
		Source: events.SourceDispatch,
		Kind:   events.KindEventReceived,
		Data:   map[string]any{"user_id": ev.UserID, "type": ev.Type},
	})
	d.enqueue(ctx, ev)
}

func validate(ev InboundEvent) error {
	if ev.UserID == "" {
		return errors.New("missing user_id")
	}
	switch ev.Type {
	case TypeHuman:
		if ev.Text == "" {
			return errors.New("human event without text")
		}
	case TypeToolEvent:
		if ev.Event == "" {
			return errors.New("tool_event without event kind")
		}
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

func (d *Dispatcher) drop(reason string, err error) {
	d.logger.Warn("dropping malformed inbound event", "reason", reason, "error", err)
	d.bus.Publish(events.Event{
		Source: events.SourceDispatch,
		Kind:   events.KindEventDropped,
		Data:   map[string]any{"reason": reason},
	})
}

// enqueue appends the event to the user's queue and starts a drain
// goroutine if one is not already running for that user. The per-user
// queue is what serializes runs for a single user without blocking
// other users.
func (d *Dispatcher) enqueue(ctx context.Context, ev InboundEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queues[ev.UserID] = append(d.queues[ev.UserID], ev)
	if d.active[ev.UserID] {
		return
	}
	d.active[ev.UserID] = true
	d.wg.Add(1)
	go d.drain(ctx, ev.UserID)
}

func (d *Dispatcher) drain(ctx context.Context, userID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[userID]
		if len(queue) == 0 {
			d.active[userID] = false
			delete(d.queues, userID)
			d.mu.Unlock()
			return
		}
		ev := queue[0]
		d.queues[userID] = queue[1:]
		d.mu.Unlock()

		out := d.process(ctx, ev)
		if d.publisher == nil {
			d.logger.Error("no outbound publisher wired, response lost", "user_id", out.UserID)
			continue
		}
		if err := d.publisher.Publish(ctx, out); err != nil {
			d.logger.Error("outbound publish failed",
				"user_id", out.UserID, "error", err)
		}
	}
}

// Wait blocks until all in-flight drains finish. Used during shutdown
// after the inbound feed has stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// process runs one event through the engine and always returns exactly
// one outbound message.
func (d *Dispatcher) process(ctx context.Context, ev InboundEvent) OutboundMessage {
	started := time.Now()

	inst, release, err := d.registry.Resolve(ctx, ev.UserID)
	if err != nil {
		d.logger.Error("secretary resolution failed", "user_id", ev.UserID, "error", err)
		return d.failure(ev.UserID, "", started)
	}
	defer release()
	secretaryID := inst.Secretary.SecretaryID

	st, err := d.loadState(ctx, ev.UserID, inst.Secretary)
	if err != nil {
		d.logger.Error("state load failed", "user_id", ev.UserID, "error", err)
		return d.failure(ev.UserID, secretaryID, started)
	}

	incoming, reminderID := buildIncoming(ev)

	response, err := inst.Machine.Run(ctx, st, incoming)
	if err != nil {
		d.logger.Error("conversation run failed",
			"user_id", ev.UserID, "secretary_id", secretaryID, "error", err)
		d.publishRunComplete(ev.UserID, secretaryID, StatusError, started)

		var limitErr *conversation.LoopLimitError
		if errors.As(err, &limitErr) {
			return OutboundMessage{UserID: ev.UserID, Response: prompts.LoopLimitFallback, Status: StatusError}
		}
		return OutboundMessage{UserID: ev.UserID, Response: prompts.ApologyFallback, Status: StatusError}
	}

	if reminderID != "" {
		if err := d.dir.MarkReminderSent(ctx, reminderID); err != nil {
			d.logger.Warn("mark reminder sent failed",
				"reminder_id", reminderID, "error", err)
		}
	}

	d.publishRunComplete(ev.UserID, secretaryID, StatusOK, started)
	return OutboundMessage{UserID: ev.UserID, Response: response, Status: StatusOK}
}

func (d *Dispatcher) failure(userID, secretaryID string, started time.Time) OutboundMessage {
	d.publishRunComplete(userID, secretaryID, StatusError, started)
	return OutboundMessage{UserID: userID, Response: prompts.ApologyFallback, Status: StatusError}
}

func (d *Dispatcher) publishRunComplete(userID, secretaryID, status string, started time.Time) {
	d.bus.Publish(events.Event{
		Source: events.SourceDispatch,
		Kind:   events.KindRunComplete,
		Data: map[string]any{
			"user_id":      userID,
			"secretary_id": secretaryID,
			"status":       status,
			"elapsed_ms":   time.Since(started).Milliseconds(),
		},
	})
}

// loadState resumes a checkpointed conversation or starts a fresh one.
func (d *Dispatcher) loadState(ctx context.Context, userID string, secretary *directory.SecretaryConfig) (*conversation.State, error) {
	if d.states != nil {
		st, err := d.states.Load(ctx, userID, secretary.SecretaryID)
		if err != nil {
			return nil, err
		}
		if st != nil {
			// The budget follows current configuration, not the
			// snapshot.
			st.TokenBudget = secretary.TokenBudget
			return st, nil
		}
	}
	return conversation.NewState(userID, secretary.SecretaryID, secretary.TokenBudget), nil
}

// buildIncoming converts an inbound event to the conversation message
// the state machine appends, plus the reminder id to acknowledge after
// a successful run (empty when not a reminder).
func buildIncoming(ev InboundEvent) (conversation.Message, string) {
	if ev.Type == TypeHuman {
		return conversation.NewMessage(conversation.SourceHuman, ev.Text), ""
	}

	// Trigger events become synthetic system-sourced messages so the
	// model responds conversationally instead of treating them as user
	// text.
	text, _ := ev.Payload["text"].(string)
	reminderID, _ := ev.Payload["reminder_id"].(string)
	switch ev.Event {
	case EventReminderTriggered:
		return conversation.NewMessage(conversation.SourceSystem, prompts.ReminderEvent(text)), reminderID
	default:
		content := fmt.Sprintf("System event %q occurred. Inform the user if relevant.", ev.Event)
		return conversation.NewMessage(conversation.SourceSystem, content), ""
	}
}
