// Package facts loads long-term user memory from the directory and
// renders it for injection into the conversation context.
package facts

import (
	"context"
	"log/slog"
	"strings"

	"github.com/periapt-io/secretary/internal/directory"
	"github.com/periapt-io/secretary/internal/prompts"
)

// Provider fetches and formats user facts.
type Provider struct {
	dir    directory.Client
	logger *slog.Logger
}

// NewProvider creates a facts provider backed by the directory service.
func NewProvider(dir directory.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{dir: dir, logger: logger}
}

// Fetch returns the user's facts. ok reports whether the directory
// answered: a false ok means the fetch failed and the caller should
// proceed without facts and retry on a later turn rather than abort
// the run.
func (p *Provider) Fetch(ctx context.Context, userID string) (facts []string, ok bool) {
	facts, err := p.dir.UserFacts(ctx, userID)
	if err != nil {
		p.logger.Warn("fact fetch failed, continuing without memory",
			"user_id", userID, "error", err)
		return nil, false
	}
	return facts, true
}

// Render formats facts as a single context block, or "" when there is
// nothing to inject.
func Render(facts []string) string {
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(prompts.FactsHeader)
	for _, fact := range facts {
		sb.WriteString("\n- ")
		sb.WriteString(fact)
	}
	return sb.String()
}
