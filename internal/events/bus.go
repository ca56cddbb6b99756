// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (dispatcher, conversation
// engine, tool execution) to subscribers (future metrics collector,
// debug tap). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceDispatch identifies events from the queue dispatcher.
	SourceDispatch = "dispatch"
	// SourceEngine identifies events from the conversation state machine.
	SourceEngine = "engine"
	// SourceRegistry identifies events from the secretary registry.
	SourceRegistry = "registry"
	// SourceDelegate identifies events from sub-agent delegation.
	SourceDelegate = "delegate"
)

// Kind constants describe the type of event within a source.
const (
	// KindEventReceived signals an inbound event was accepted.
	// Data: user_id, type.
	KindEventReceived = "event_received"
	// KindEventDropped signals a malformed inbound event was discarded.
	// Data: reason.
	KindEventDropped = "event_dropped"
	// KindRunStart signals the beginning of a conversation run.
	// Data: user_id, secretary_id.
	KindRunStart = "run_start"
	// KindRunComplete signals the end of a conversation run.
	// Data: user_id, secretary_id, status, elapsed_ms.
	KindRunComplete = "run_complete"
	// KindLLMCall signals the start of a provider call.
	// Data: user_id, model, iteration.
	KindLLMCall = "llm_call"
	// KindToolCall signals the start of a tool execution.
	// Data: user_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: user_id, tool, ok.
	KindToolDone = "tool_done"
	// KindSummarized signals history was condensed.
	// Data: user_id, before_tokens, after_tokens.
	KindSummarized = "summarized"
	// KindInstanceBuilt signals a secretary instance was constructed.
	// Data: user_id, secretary_id.
	KindInstanceBuilt = "instance_built"
	// KindInstanceEvicted signals an idle instance was evicted.
	// Data: user_id, idle_sec.
	KindInstanceEvicted = "instance_evicted"
	// KindDelegateStart signals a sub-agent run was spawned.
	// Data: secretary_id, depth.
	KindDelegateStart = "delegate_start"
	// KindDelegateDone signals a sub-agent run finished.
	// Data: secretary_id, depth, ok.
	KindDelegateDone = "delegate_done"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
