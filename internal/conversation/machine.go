package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/periapt-io/secretary/internal/config"
	"github.com/periapt-io/secretary/internal/directory"
	"github.com/periapt-io/secretary/internal/events"
	"github.com/periapt-io/secretary/internal/facts"
	"github.com/periapt-io/secretary/internal/llm"
	"github.com/periapt-io/secretary/internal/prompts"
	"github.com/periapt-io/secretary/internal/tools"
)

// node tags for the explicit state machine. Transitions are computed
// by next(), never by the nodes themselves.
type node string

const (
	nodeInit            node = "init"
	nodeCheckFacts      node = "check_facts"
	nodeLoadFacts       node = "load_facts"
	nodeSummarize       node = "summarize"
	nodeAgent           node = "agent"
	nodeTools           node = "tools"
	nodeUpdateAfterTool node = "update_after_tool"
	nodeEnd             node = "end"
)

// Saver persists conversation state between nodes so a crashed run
// resumes from its last completed node.
type Saver interface {
	Save(ctx context.Context, st *State) error
}

// Machine runs one conversation for one secretary instance. It holds
// no per-run mutable state; the caller owns serialization per user.
type Machine struct {
	secretary *directory.SecretaryConfig
	provider  llm.Client
	registry  *tools.Registry
	facts     *facts.Provider
	saver     Saver
	engine    config.EngineConfig
	bus       *events.Bus
	logger    *slog.Logger
}

// NewMachine builds a state machine bound to one secretary
// configuration and its resolved tool registry. saver and bus may be
// nil.
func NewMachine(
	secretary *directory.SecretaryConfig,
	provider llm.Client,
	registry *tools.Registry,
	factsProvider *facts.Provider,
	saver Saver,
	engine config.EngineConfig,
	bus *events.Bus,
	logger *slog.Logger,
) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		secretary: secretary,
		provider:  provider,
		registry:  registry,
		facts:     factsProvider,
		saver:     saver,
		engine:    engine,
		bus:       bus,
		logger:    logger,
	}
}

// Run advances the state machine for one inbound message and returns
// the secretary's final textual response. st is mutated in place and
// checkpointed after every node.
func (m *Machine) Run(ctx context.Context, st *State, incoming Message) (string, error) {
	if st.UserID == "" || st.SecretaryID == "" {
		return "", &StateError{Reason: "missing user or secretary id"}
	}

	runID := newRunID()
	m.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindRunStart,
		Data:   map[string]any{"run_id": runID, "user_id": st.UserID, "secretary_id": st.SecretaryID},
	})
	m.logger.Debug("run start",
		"run_id", runID,
		"user_id", st.UserID,
		"secretary_id", st.SecretaryID)

	agentCalls := 0
	current := nodeInit
	for current != nodeEnd {
		var err error
		switch current {
		case nodeInit:
			m.init(st, incoming)
		case nodeCheckFacts:
			m.checkFacts(ctx, st)
		case nodeLoadFacts:
			m.loadFacts(st)
		case nodeSummarize:
			m.summarize(ctx, st)
		case nodeAgent:
			agentCalls++
			if agentCalls > m.engine.MaxToolIterations {
				return "", &LoopLimitError{Iterations: m.engine.MaxToolIterations}
			}
			err = m.agent(ctx, st, agentCalls)
		case nodeTools:
			err = m.runTools(ctx, st)
		case nodeUpdateAfterTool:
			m.updateAfterTool(st)
		}
		if err != nil {
			return "", err
		}
		m.checkpoint(ctx, st, current)
		current = m.next(current, st)
	}

	last := st.Messages[len(st.Messages)-1]
	if last.Source != SourceAgent {
		return "", &StateError{Reason: "run ended without agent response"}
	}
	return last.Content, nil
}

// next is the transition function: it inspects state, never mutates
// it.
func (m *Machine) next(current node, st *State) node {
	switch current {
	case nodeInit:
		return nodeCheckFacts
	case nodeCheckFacts:
		return nodeLoadFacts
	case nodeLoadFacts:
		if m.shouldSummarize(st) {
			return nodeSummarize
		}
		return nodeAgent
	case nodeSummarize:
		return nodeAgent
	case nodeAgent:
		if len(st.Messages) > 0 {
			last := st.Messages[len(st.Messages)-1]
			if last.Source == SourceAgent && len(last.ToolCalls) > 0 {
				return nodeTools
			}
		}
		return nodeEnd
	case nodeTools:
		return nodeUpdateAfterTool
	case nodeUpdateAfterTool:
		return nodeAgent
	}
	return nodeEnd
}

// shouldSummarize applies the token-ratio trigger. The boundary value
// itself triggers (>=, not >).
func (m *Machine) shouldSummarize(st *State) bool {
	if st.TokenBudget <= 0 {
		return false
	}
	return float64(st.TokenCount)/float64(st.TokenBudget) >= m.engine.SummarizeRatio
}

// init seeds the system prompt on the first run and appends the
// inbound message.
func (m *Machine) init(st *State, incoming Message) {
	if len(st.Messages) == 0 && m.secretary.SystemPrompt != "" {
		st.Messages = append(st.Messages, NewMessage(SourceSystem, m.secretary.SystemPrompt))
	}
	st.Messages = append(st.Messages, incoming)
	st.recount()
}

// checkFacts refreshes pending facts when memory is cold or fresh
// facts were saved last run. A failed fetch degrades to an empty list
// and retries on a later turn because the loaded flag stays false.
func (m *Machine) checkFacts(ctx context.Context, st *State) {
	if st.FactsLoaded && !st.FactAddedInLastRun {
		st.PendingFacts = nil
		return
	}

	fetched, ok := m.facts.Fetch(ctx, st.UserID)
	st.FactAddedInLastRun = false
	if !ok {
		st.PendingFacts = nil
		return
	}
	st.PendingFacts = fetched
}

// loadFacts renders pending facts into a single tagged message placed
// right after the system prompt, replacing any previous facts message.
func (m *Machine) loadFacts(st *State) {
	if len(st.PendingFacts) == 0 {
		return
	}

	if i := st.findTagged(TagUserFacts); i >= 0 {
		st.Messages = append(st.Messages[:i], st.Messages[i+1:]...)
	}

	msg := NewMessage(SourceSystem, facts.Render(st.PendingFacts))
	msg.Name = TagUserFacts

	pos := 0
	if len(st.Messages) > 0 && st.Messages[0].Source == SourceSystem && st.Messages[0].Name == "" {
		pos = 1
	}
	st.Messages = append(st.Messages[:pos], append([]Message{msg}, st.Messages[pos:]...)...)

	st.FactsLoaded = true
	st.PendingFacts = nil
	st.recount()
}

// summarize condenses everything but the trailing keep-window into a
// single tagged message. A provider failure is a no-op for this run.
func (m *Machine) summarize(ctx context.Context, st *State) {
	keep := m.engine.SummarizeKeep
	if len(st.Messages) <= keep {
		return
	}
	split := len(st.Messages) - keep
	// Never start the tail on a tool result: the assistant message
	// that issued the call must survive alongside it, or providers
	// reject the transcript.
	for split > 0 && st.Messages[split].Source == SourceTool {
		split--
	}
	if split == 0 {
		return
	}
	head := st.Messages[:split]
	tail := st.Messages[split:]

	before := st.TokenCount
	prompt := prompts.SummaryPrompt(transcript(head))
	resp, err := m.provider.Chat(ctx, m.secretary.Model, []llm.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		m.logger.Warn("summarization failed, keeping full history",
			"user_id", st.UserID, "error", err)
		return
	}

	summary := NewMessage(SourceSystem, resp.Message.Content)
	summary.Name = TagHistorySummary

	st.Messages = append([]Message{summary}, tail...)
	st.LastSummaryAt = time.Now().UTC()
	st.recount()

	m.logger.Info("history summarized",
		"user_id", st.UserID,
		"messages_before", len(head)+len(tail),
		"tokens_before", before,
		"tokens_after", st.TokenCount)
	m.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindSummarized,
		Data: map[string]any{
			"user_id":       st.UserID,
			"before_tokens": before,
			"after_tokens":  st.TokenCount,
		},
	})
}

// agent invokes the provider with full history and tool schemas.
func (m *Machine) agent(ctx context.Context, st *State, iteration int) error {
	m.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindLLMCall,
		Data: map[string]any{
			"user_id":   st.UserID,
			"model":     m.secretary.Model,
			"iteration": iteration,
		},
	})

	resp, err := m.provider.Chat(ctx, m.secretary.Model, wireMessages(st.Messages), m.registry.List())
	if err != nil {
		return &ServiceError{Service: "llm provider", Err: err}
	}

	msg := NewMessage(SourceAgent, resp.Message.Content)
	msg.ToolCalls = resp.Message.ToolCalls
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		msg.Content = prompts.EmptyResponseFallback
	}
	st.Messages = append(st.Messages, msg)
	st.recount()
	return nil
}

// runTools executes every call requested by the last agent message, in
// request order, appending one tool message per call. Execution errors
// become tool-result content for the model, never run failures.
func (m *Machine) runTools(ctx context.Context, st *State) error {
	if len(st.Messages) == 0 {
		return &StateError{Reason: "tool node with empty history"}
	}
	last := st.Messages[len(st.Messages)-1]
	if last.Source != SourceAgent || len(last.ToolCalls) == 0 {
		return &StateError{Reason: "tool node without pending tool calls"}
	}

	callCtx := tools.WithCaller(ctx, tools.Caller{
		UserID:      st.UserID,
		SecretaryID: st.SecretaryID,
	})

	for _, tc := range last.ToolCalls {
		name := tc.Function.Name
		m.bus.Publish(events.Event{
			Source: events.SourceEngine,
			Kind:   events.KindToolCall,
			Data:   map[string]any{"user_id": st.UserID, "tool": name},
		})

		result, err := m.registry.Execute(callCtx, name, tc.Function.Arguments)

		msg := NewMessage(SourceTool, result)
		msg.ToolCallID = tc.ID
		msg.ToolName = name
		if err != nil {
			msg.Content = fmt.Sprintf("Error: %v", err)
			msg.IsError = true
			m.logger.Warn("tool execution failed",
				"user_id", st.UserID, "tool", name, "error", err)
		}
		st.Messages = append(st.Messages, msg)

		m.bus.Publish(events.Event{
			Source: events.SourceEngine,
			Kind:   events.KindToolDone,
			Data:   map[string]any{"user_id": st.UserID, "tool": name, "ok": err == nil},
		})
	}
	st.recount()
	return nil
}

// updateAfterTool marks the state for a fact refresh when the last
// tool batch successfully saved a fact.
func (m *Machine) updateAfterTool(st *State) {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		msg := st.Messages[i]
		if msg.Source != SourceTool {
			break
		}
		if msg.ToolName == tools.ToolSaveUserFact && !msg.IsError {
			st.FactAddedInLastRun = true
			return
		}
	}
}

// checkpoint persists state after a node. Persistence failure is
// logged, not fatal: the run's response still matters more than the
// snapshot.
func (m *Machine) checkpoint(ctx context.Context, st *State, after node) {
	if m.saver == nil {
		return
	}
	if err := m.saver.Save(ctx, st); err != nil {
		m.logger.Warn("checkpoint save failed",
			"user_id", st.UserID, "node", string(after), "error", err)
	}
}

// wireMessages converts conversation history to the provider wire
// shape.
func wireMessages(messages []Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		w := llm.Message{Content: m.Content}
		switch m.Source {
		case SourceSystem:
			w.Role = "system"
		case SourceHuman:
			w.Role = "user"
		case SourceAgent:
			w.Role = "assistant"
			w.ToolCalls = m.ToolCalls
		case SourceTool:
			w.Role = "tool"
			w.ToolCallID = m.ToolCallID
		default:
			w.Role = "user"
		}
		out = append(out, w)
	}
	return out
}

// transcript renders messages as plain text for the summarization
// prompt.
func transcript(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		sb.WriteString(m.Source)
		if m.ToolName != "" {
			sb.WriteString("(" + m.ToolName + ")")
		}
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// newRunID returns a time-ordered unique id for one run. UUIDv7 keeps
// run ids sortable in logs; the random fallback only fires if the
// clock-based generator errors.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
