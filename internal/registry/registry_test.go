package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/periapt-io/secretary/internal/config"
	"github.com/periapt-io/secretary/internal/directory"
	"github.com/periapt-io/secretary/internal/facts"
	"github.com/periapt-io/secretary/internal/llm"
	"github.com/periapt-io/secretary/internal/tools"
)

type fakeDirectory struct {
	assignCalls atomic.Int64
	assignDelay time.Duration
	assignErr   error
	emptyModel  bool
}

func (f *fakeDirectory) AssignedSecretary(ctx context.Context, userID string) (*directory.SecretaryConfig, error) {
	f.assignCalls.Add(1)
	if f.assignDelay > 0 {
		time.Sleep(f.assignDelay)
	}
	if f.assignErr != nil {
		return nil, f.assignErr
	}
	model := "test-model"
	if f.emptyModel {
		model = ""
	}
	return &directory.SecretaryConfig{
		SecretaryID:  "sec-" + userID,
		Name:         "Ada",
		Model:        model,
		SystemPrompt: "You are Ada.",
		TokenBudget:  4096,
	}, nil
}

func (f *fakeDirectory) SecretaryByID(ctx context.Context, secretaryID string) (*directory.SecretaryConfig, error) {
	return &directory.SecretaryConfig{SecretaryID: secretaryID, Model: "test-model"}, nil
}

func (f *fakeDirectory) DeclaredTools(ctx context.Context, secretaryID string) ([]string, error) {
	return []string{tools.ToolSaveUserFact}, nil
}

func (f *fakeDirectory) UserFacts(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}

func (f *fakeDirectory) SaveUserFact(ctx context.Context, userID, fact string) error {
	return nil
}

func (f *fakeDirectory) CreateReminder(ctx context.Context, r directory.Reminder) (*directory.Reminder, error) {
	return &r, nil
}

func (f *fakeDirectory) ListReminders(ctx context.Context, userID string) ([]directory.Reminder, error) {
	return nil, nil
}

func (f *fakeDirectory) MarkReminderSent(ctx context.Context, reminderID string) error {
	return nil
}

func (f *fakeDirectory) CreateCalendarEvent(ctx context.Context, ev directory.CalendarEvent) (*directory.CalendarEvent, error) {
	return &ev, nil
}

func (f *fakeDirectory) ListCalendarEvents(ctx context.Context, userID string, from, to time.Time) ([]directory.CalendarEvent, error) {
	return nil, nil
}

type stubLLM struct{}

func (stubLLM) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "ok"}}, nil
}

func (stubLLM) Ping(ctx context.Context) error { return nil }

func newTestRegistry(dir directory.Client, cache config.RegistryConfig) *Registry {
	if dir == nil {
		dir = &fakeDirectory{}
	}
	return New(dir, stubLLM{}, "fallback-model", tools.NewFactory(dir, nil),
		facts.NewProvider(dir, nil), nil,
		config.EngineConfig{MaxToolIterations: 8, SummarizeRatio: 0.6, SummarizeKeep: 3},
		cache, nil, nil)
}

func TestResolveBuildsAndCaches(t *testing.T) {
	dir := &fakeDirectory{}
	r := newTestRegistry(dir, config.RegistryConfig{})

	inst, release, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	release()
	if inst.Secretary.SecretaryID != "sec-u1" {
		t.Errorf("SecretaryID = %q", inst.Secretary.SecretaryID)
	}
	if inst.Tools.Get(tools.ToolSaveUserFact) == nil {
		t.Error("declared tool missing from registry")
	}

	inst2, release2, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	release2()
	if inst2 != inst {
		t.Error("second Resolve() built a new instance instead of caching")
	}
	if got := dir.assignCalls.Load(); got != 1 {
		t.Errorf("assignCalls = %d, want 1", got)
	}
}

func TestResolveAppliesModelFallback(t *testing.T) {
	dir := &fakeDirectory{emptyModel: true}
	r := newTestRegistry(dir, config.RegistryConfig{})

	inst, release, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	release()
	if inst.Secretary.Model != "fallback-model" {
		t.Errorf("Model = %q, want fallback-model", inst.Secretary.Model)
	}
}

func TestResolveKeepsConfiguredModel(t *testing.T) {
	r := newTestRegistry(&fakeDirectory{}, config.RegistryConfig{})

	inst, release, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	release()
	if inst.Secretary.Model != "test-model" {
		t.Errorf("Model = %q, want test-model", inst.Secretary.Model)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	dir := &fakeDirectory{assignDelay: 50 * time.Millisecond}
	r := newTestRegistry(dir, config.RegistryConfig{})

	const n = 10
	instances := make([]*Instance, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, release, err := r.Resolve(context.Background(), "u1")
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
				return
			}
			defer release()
			instances[i] = inst
		}()
	}
	wg.Wait()

	if got := dir.assignCalls.Load(); got != 1 {
		t.Errorf("assignCalls = %d, want 1 (construction must be single-flight)", got)
	}
	for i := 1; i < n; i++ {
		if instances[i] != instances[0] {
			t.Fatalf("caller %d received a different instance", i)
		}
	}
}

func TestResolveError(t *testing.T) {
	dir := &fakeDirectory{assignErr: errors.New("directory down")}
	r := newTestRegistry(dir, config.RegistryConfig{})

	_, _, err := r.Resolve(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 {
		t.Error("failed construction left a cache entry")
	}
}

func TestInvalidateForcesRebuild(t *testing.T) {
	dir := &fakeDirectory{}
	r := newTestRegistry(dir, config.RegistryConfig{})

	_, release, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	release()

	r.Invalidate("u1")

	_, release, err = r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	release()
	if got := dir.assignCalls.Load(); got != 2 {
		t.Errorf("assignCalls = %d, want 2 after invalidation", got)
	}
}

func TestSweepEvictsIdle(t *testing.T) {
	r := newTestRegistry(nil, config.RegistryConfig{IdleTTLSec: 1})

	_, release, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	release()

	// Backdate the entry past the TTL.
	r.mu.Lock()
	r.entries["u1"].lastUsed = time.Now().Add(-2 * time.Second)
	r.mu.Unlock()

	if evicted := r.Sweep(); evicted != 1 {
		t.Errorf("Sweep() = %d, want 1", evicted)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after eviction", r.Len())
	}
}

func TestSweepSkipsRunning(t *testing.T) {
	r := newTestRegistry(nil, config.RegistryConfig{IdleTTLSec: 1})

	_, release, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	// Run still in progress: release not called yet.

	r.mu.Lock()
	r.entries["u1"].lastUsed = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	if evicted := r.Sweep(); evicted != 0 {
		t.Errorf("Sweep() = %d, want 0 while a run is in progress", evicted)
	}

	release()
	// releasing refreshes lastUsed, so backdate again before sweeping.
	r.mu.Lock()
	r.entries["u1"].lastUsed = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	if evicted := r.Sweep(); evicted != 1 {
		t.Errorf("Sweep() = %d, want 1 after release", evicted)
	}
}

func TestSweepDisabled(t *testing.T) {
	r := newTestRegistry(nil, config.RegistryConfig{IdleTTLSec: -1})

	_, release, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	release()

	r.mu.Lock()
	r.entries["u1"].lastUsed = time.Now().Add(-24 * time.Hour)
	r.mu.Unlock()

	if evicted := r.Sweep(); evicted != 0 {
		t.Errorf("Sweep() = %d, want 0 when eviction is disabled", evicted)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	r := newTestRegistry(nil, config.RegistryConfig{})

	_, release, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release() // must not drive running negative

	r.mu.Lock()
	running := r.entries["u1"].running
	r.mu.Unlock()
	if running != 0 {
		t.Errorf("running = %d, want 0", running)
	}
}
