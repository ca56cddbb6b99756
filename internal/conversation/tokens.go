package conversation

// Token estimation uses the rough chars/4 heuristic plus a small
// per-message overhead for role framing. The count steers control flow
// (summarize or not), so consistency matters more than accuracy.

const (
	charsPerToken    = 4
	perMessageTokens = 4
)

// CountTokens estimates the token footprint of a message list.
func CountTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageTokens + len(m.Content)/charsPerToken
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Name) / charsPerToken
			for k, v := range tc.Function.Arguments {
				total += len(k) / charsPerToken
				if s, ok := v.(string); ok {
					total += len(s) / charsPerToken
				}
			}
		}
	}
	return total
}

// recount refreshes the cached token count from Messages.
func (s *State) recount() {
	s.TokenCount = CountTokens(s.Messages)
}
