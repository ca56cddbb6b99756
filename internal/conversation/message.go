// Package conversation implements the per-user conversation state
// machine: fact refresh, token-budget summarization, and the
// agent/tool loop that turns one inbound event into one response.
package conversation

import (
	"time"

	"github.com/periapt-io/secretary/internal/llm"
)

// Message sources.
const (
	SourceHuman  = "human"
	SourceAgent  = "agent"
	SourceTool   = "tool"
	SourceSystem = "system"
)

// Name tags with uniqueness guarantees inside a message list.
const (
	TagUserFacts      = "user_facts"
	TagHistorySummary = "history_summary"
)

// Message is one entry in a conversation history. CreatedAt is set
// once at construction and never updated.
type Message struct {
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	// Name tags structurally significant messages (TagUserFacts,
	// TagHistorySummary) so they can be found and replaced.
	Name string `json:"name,omitempty"`

	// Tool plumbing. ToolCalls is set on agent messages that request
	// tool execution; ToolCallID and ToolName on the tool-result
	// messages answering them.
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	// IsError marks a tool result that carries error content rather
	// than a successful invocation's output.
	IsError bool `json:"is_error,omitempty"`
}

// NewMessage creates a message stamped with the current UTC time.
func NewMessage(source, content string) Message {
	return Message{
		Source:    source,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// State is the durable conversation state for one (user, secretary)
// pair. It is only ever advanced by one run at a time; the dispatcher
// serializes runs per user.
type State struct {
	UserID      string    `json:"user_id"`
	SecretaryID string    `json:"secretary_id"`
	Messages    []Message `json:"messages"`

	// PendingFacts holds facts fetched by the check node, waiting to be
	// rendered into Messages by the load node. Transient within a run.
	PendingFacts       []string `json:"pending_facts,omitempty"`
	FactsLoaded        bool     `json:"facts_loaded"`
	FactAddedInLastRun bool     `json:"fact_added_in_last_run"`

	LastSummaryAt time.Time `json:"last_summary_at,omitzero"`

	// TokenBudget is fixed per secretary configuration. TokenCount is
	// the cached estimate for Messages, recomputed after every node
	// that mutates the list.
	TokenBudget int `json:"token_budget"`
	TokenCount  int `json:"token_count"`
}

// NewState creates an empty conversation state for a pair.
func NewState(userID, secretaryID string, tokenBudget int) *State {
	return &State{
		UserID:      userID,
		SecretaryID: secretaryID,
		TokenBudget: tokenBudget,
	}
}

// findTagged returns the index of the message carrying the given name
// tag, or -1.
func (s *State) findTagged(tag string) int {
	for i, m := range s.Messages {
		if m.Name == tag {
			return i
		}
	}
	return -1
}
