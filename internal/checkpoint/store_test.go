package checkpoint

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/periapt-io/secretary/internal/conversation"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func sampleState(userID, secretaryID string) *conversation.State {
	st := conversation.NewState(userID, secretaryID, 4096)
	st.Messages = []conversation.Message{
		conversation.NewMessage(conversation.SourceSystem, "you are a secretary"),
		conversation.NewMessage(conversation.SourceHuman, "hello"),
		conversation.NewMessage(conversation.SourceAgent, "hi, how can I help?"),
	}
	st.FactsLoaded = true
	st.TokenCount = conversation.CountTokens(st.Messages)
	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	want := sampleState("u1", "s1")
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil {
		t.Fatal("Load() = nil for saved state")
	}
	if got.UserID != "u1" || got.SecretaryID != "s1" {
		t.Errorf("key = (%s, %s)", got.UserID, got.SecretaryID)
	}
	if len(got.Messages) != 3 {
		t.Errorf("len(Messages) = %d, want 3", len(got.Messages))
	}
	if !got.FactsLoaded {
		t.Error("FactsLoaded lost in round trip")
	}
	if got.TokenCount != want.TokenCount {
		t.Errorf("TokenCount = %d, want %d", got.TokenCount, want.TokenCount)
	}
}

func TestLoadMissing(t *testing.T) {
	s := testStore(t)

	got, err := s.Load(context.Background(), "nobody", "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Errorf("Load() = %+v, want nil for missing pair", got)
	}
}

func TestSaveUpserts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := sampleState("u1", "s1")
	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}

	st.Messages = append(st.Messages, conversation.NewMessage(conversation.SourceHuman, "another"))
	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := s.Load(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Messages) != 4 {
		t.Errorf("len(Messages) = %d, want 4 (latest snapshot wins)", len(got.Messages))
	}
}

func TestSaveRejectsBlankKey(t *testing.T) {
	s := testStore(t)
	if err := s.Save(context.Background(), &conversation.State{}); err == nil {
		t.Error("Save() with empty ids should fail")
	}
}

func TestPairsAreIsolated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleState("u1", "s1")); err != nil {
		t.Fatal(err)
	}
	other := sampleState("u1", "s2")
	other.Messages = other.Messages[:1]
	if err := s.Save(ctx, other); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "u1", "s2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 {
		t.Errorf("pair (u1, s2) has %d messages, want 1", len(got.Messages))
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleState("u1", "s1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "u1", "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err := s.Load(ctx, "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("state still loadable after Delete")
	}

	// Deleting an absent pair is not an error.
	if err := s.Delete(ctx, "u1", "s1"); err != nil {
		t.Errorf("Delete() of missing pair error = %v", err)
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3", "u4"} {
		if err := s.Save(ctx, sampleState(user, "s1")); err != nil {
			t.Fatal(err)
		}
	}

	// Age three of the four rows past the cutoff.
	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	if _, err := s.db.Exec(
		`UPDATE conversation_checkpoints SET updated_at = ? WHERE user_id != 'u4'`, old); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.Prune(ctx, 24*time.Hour, 2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2 (minKeep protects the rest)", deleted)
	}

	if got, _ := s.Load(ctx, "u4", "s1"); got == nil {
		t.Error("fresh row was pruned")
	}
}

func TestPruneKeepsUnderMinimum(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleState("u1", "s1")); err != nil {
		t.Fatal(err)
	}
	deleted, err := s.Prune(ctx, 0, 5)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0 when total <= minKeep", deleted)
	}
}
