package tools

import "context"

type contextKey string

const callerKey contextKey = "caller"
const depthKey contextKey = "delegate_depth"

// Caller identifies whose behalf a tool call executes on. The registry
// injects it so individual handlers never trust model-supplied ids.
type Caller struct {
	UserID      string
	SecretaryID string
}

// WithCaller attaches the caller identity to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext extracts the caller identity. The zero value means
// no caller was attached (tests, or a misconfigured call path).
func CallerFromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey).(Caller); ok {
		return c
	}
	return Caller{}
}

// WithDelegateDepth records the current sub-agent delegation depth.
func WithDelegateDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// DelegateDepthFromContext returns the current delegation depth.
// Zero means a top-level (user-facing) run.
func DelegateDepthFromContext(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey).(int); ok {
		return d
	}
	return 0
}
