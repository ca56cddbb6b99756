package mqtt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/periapt-io/secretary/internal/config"
	"github.com/periapt-io/secretary/internal/dispatch"
)

func TestDefaultClientID(t *testing.T) {
	tests := []struct {
		instanceID string
		want       string
	}{
		{"0190c7a8-5f3e-7000-8000-000000000000", "secretaryd-0190c7a8"},
		{"short", "secretaryd"},
		{"", "secretaryd"},
	}
	for _, tt := range tests {
		if got := defaultClientID(tt.instanceID); got != tt.want {
			t.Errorf("defaultClientID(%q) = %q, want %q", tt.instanceID, got, tt.want)
		}
	}
}

func TestNewBrokerClientID(t *testing.T) {
	b := NewBroker(config.BrokerConfig{ClientID: "custom"}, "0190c7a8-ffff", nil, nil)
	if b.cfg.ClientID != "custom" {
		t.Errorf("explicit client id overridden: %q", b.cfg.ClientID)
	}

	b = NewBroker(config.BrokerConfig{}, "0190c7a8-5f3e-7000-8000-000000000000", nil, nil)
	if b.cfg.ClientID != "secretaryd-0190c7a8" {
		t.Errorf("derived client id = %q", b.cfg.ClientID)
	}
}

func TestAvailabilityTopic(t *testing.T) {
	b := NewBroker(config.BrokerConfig{ClientID: "secretaryd-abc"}, "", nil, nil)
	want := "secretary/secretaryd-abc/availability"
	if got := b.availabilityTopic(); got != want {
		t.Errorf("availabilityTopic() = %q, want %q", got, want)
	}
}

func TestPublishBeforeStart(t *testing.T) {
	b := NewBroker(config.BrokerConfig{}, "", nil, nil)
	err := b.Publish(context.Background(), dispatch.OutboundMessage{
		UserID: "u1", Response: "hi", Status: "ok",
	})
	if err == nil {
		t.Error("Publish() before Start() should fail")
	}
}

func TestStopBeforeStart(t *testing.T) {
	b := NewBroker(config.BrokerConfig{}, "", nil, nil)
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start() error = %v, want nil", err)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id1 == "" {
		t.Fatal("empty instance id")
	}

	// Second call must return the persisted id, not a new one.
	id2, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreateInstanceID() error = %v", err)
	}
	if id2 != id1 {
		t.Errorf("instance id changed across calls: %q then %q", id1, id2)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("read instance file: %v", err)
	}
	if strings.TrimSpace(string(data)) != id1 {
		t.Errorf("file contents = %q, want %q", data, id1)
	}
}
