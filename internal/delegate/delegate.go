// Package delegate runs sub-agent tasks: a tool call hands a
// self-contained task to another secretary, whose run happens in an
// ephemeral conversation and whose final response becomes the tool
// result. An explicit depth counter bounds delegation chains.
package delegate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/periapt-io/secretary/internal/config"
	"github.com/periapt-io/secretary/internal/conversation"
	"github.com/periapt-io/secretary/internal/directory"
	"github.com/periapt-io/secretary/internal/events"
	"github.com/periapt-io/secretary/internal/facts"
	"github.com/periapt-io/secretary/internal/llm"
	"github.com/periapt-io/secretary/internal/tools"
)

// DepthError reports a delegation chain that hit the depth bound.
type DepthError struct {
	Depth int
	Max   int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("delegation depth %d exceeds maximum %d", e.Depth, e.Max)
}

// Executor re-enters the conversation engine for a target secretary.
type Executor struct {
	dir          directory.Client
	provider     llm.Client
	defaultModel string
	facts        *facts.Provider
	engine       config.EngineConfig
	bus          *events.Bus
	logger       *slog.Logger

	// factory is late-bound via SetFactory because the tool factory
	// itself needs the executor for its delegation tool.
	factory *tools.Factory
}

// NewExecutor creates a delegate executor. defaultModel is used for
// target secretaries whose configuration names no model.
func NewExecutor(
	dir directory.Client,
	provider llm.Client,
	defaultModel string,
	factsProvider *facts.Provider,
	engine config.EngineConfig,
	bus *events.Bus,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		dir:          dir,
		provider:     provider,
		defaultModel: defaultModel,
		facts:        factsProvider,
		engine:       engine,
		bus:          bus,
		logger:       logger,
	}
}

// SetFactory wires the tool factory used to build the sub-agent's tool
// set. Must be called before Run.
func (e *Executor) SetFactory(f *tools.Factory) {
	e.factory = f
}

// Run executes task on the secretary identified by secretaryID and
// returns its final response. The sub-agent's conversation is
// ephemeral: it is not checkpointed and does not touch the calling
// user's history. ctx must carry the caller identity (see
// [tools.WithCaller]); the delegation depth travels in ctx as well.
func (e *Executor) Run(ctx context.Context, secretaryID, task string) (string, error) {
	depth := tools.DelegateDepthFromContext(ctx)
	if depth >= e.engine.MaxDelegateDepth {
		return "", &DepthError{Depth: depth + 1, Max: e.engine.MaxDelegateDepth}
	}
	if e.factory == nil {
		return "", fmt.Errorf("delegate executor not wired to a tool factory")
	}
	if task == "" {
		return "", fmt.Errorf("task is required")
	}

	caller := tools.CallerFromContext(ctx)

	delegationID := newDelegationID()
	e.bus.Publish(events.Event{
		Source: events.SourceDelegate,
		Kind:   events.KindDelegateStart,
		Data:   map[string]any{"delegation_id": delegationID, "secretary_id": secretaryID, "depth": depth + 1},
	})
	e.logger.Info("delegating task",
		"delegation_id", delegationID,
		"from_secretary", caller.SecretaryID,
		"to_secretary", secretaryID,
		"depth", depth+1)

	secretary, err := e.dir.SecretaryByID(ctx, secretaryID)
	if err != nil {
		return "", fmt.Errorf("resolve delegate secretary %s: %w", secretaryID, err)
	}
	if secretary.Model == "" {
		secretary.Model = e.defaultModel
	}

	declared, err := e.dir.DeclaredTools(ctx, secretary.SecretaryID)
	if err != nil {
		return "", fmt.Errorf("delegate tools for %s: %w", secretary.SecretaryID, err)
	}
	// A sub-agent never re-delegates, even when the target secretary
	// declares the delegation tool.
	reg := e.factory.Build(declared).FilteredCopyExcluding([]string{tools.ToolDelegate})

	machine := conversation.NewMachine(secretary, e.provider, reg,
		e.facts, nil, e.engine, e.bus, e.logger)

	// The sub-agent acts for the same user at one greater depth.
	subCtx := tools.WithDelegateDepth(ctx, depth+1)
	subCtx = tools.WithCaller(subCtx, tools.Caller{
		UserID:      caller.UserID,
		SecretaryID: secretary.SecretaryID,
	})

	st := conversation.NewState(caller.UserID, secretary.SecretaryID, secretary.TokenBudget)
	st.FactsLoaded = true // sub-agents work from the task alone

	result, err := machine.Run(subCtx, st, conversation.NewMessage(conversation.SourceHuman, task))

	e.bus.Publish(events.Event{
		Source: events.SourceDelegate,
		Kind:   events.KindDelegateDone,
		Data:   map[string]any{"delegation_id": delegationID, "secretary_id": secretaryID, "depth": depth + 1, "ok": err == nil},
	})
	if err != nil {
		return "", fmt.Errorf("delegate run: %w", err)
	}
	return result, nil
}

// newDelegationID returns a time-ordered unique id correlating the
// start/done events of one delegation.
func newDelegationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
