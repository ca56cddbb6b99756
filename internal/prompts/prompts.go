// Package prompts contains all LLM-facing prompt text used by the
// conversation engine. Keeping the text in one package makes prompt
// changes reviewable without touching engine logic.
package prompts

import (
	"fmt"
	"strings"
)

// ApologyFallback is the user-facing message emitted when a run fails
// in a way that has no degraded path (provider outage, loop limit).
const ApologyFallback = "I'm sorry — I wasn't able to process that just now. Please try again in a moment."

// EmptyResponseFallback is emitted when the model completes a run
// without producing any text.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// LoopLimitFallback is emitted when a run is aborted because the
// agent/tool loop hit its iteration cap.
const LoopLimitFallback = "I'm sorry — that request needed more steps than I'm allowed to take in one turn. Could you break it into smaller pieces?"

// FactsHeader introduces the long-term memory block injected into the
// conversation. The engine tags the resulting message "user_facts".
const FactsHeader = "Things you know about this user from previous conversations:"

// summaryTemplate is the prompt sent to the model to condense older
// conversation history. The single format verb is the transcript text.
const summaryTemplate = `Summarize this conversation history concisely. Focus on:
1. Key topics discussed and requests made
2. Decisions, preferences, and commitments
3. Actions taken (reminders created, events scheduled, facts saved)
4. Any open items still awaiting follow-up

Keep the summary under 300 words.

Conversation:
%s

Summary:`

// SummaryPrompt returns the fully interpolated summarization prompt for
// the given transcript.
func SummaryPrompt(transcript string) string {
	return fmt.Sprintf(summaryTemplate, transcript)
}

// DelegateToolDescription is the LLM-facing description of the
// sub-agent delegation tool.
const DelegateToolDescription = `Hand a self-contained task to another agent and receive its answer as the tool result. Use this when a specialist agent is better suited than you are, or when the task is clearly separable from the current conversation.

Keep handling the request yourself when:
- The task needs this conversation's history or the user's tone
- You need to reason about intermediate results before acting
- The task is a single quick tool call (delegation overhead is not worth it)`

// ReminderEvent renders a reminder trigger as a synthetic message the
// model can act on conversationally.
func ReminderEvent(text string) string {
	var sb strings.Builder
	sb.WriteString("A reminder you previously set has just triggered")
	if text != "" {
		sb.WriteString(": ")
		sb.WriteString(text)
	}
	sb.WriteString("\nLet the user know in your own words.")
	return sb.String()
}
