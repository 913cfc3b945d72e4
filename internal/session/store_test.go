package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	s, err := OpenSQLStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestSQLStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	defer s.Close()

	created := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	rec := &Record{
		SessionID:        "session-1",
		ConnectionConfig: `{"host":"example.com"}`,
		CreatedAt:        created,
		LastActive:       created,
		Persist:          true,
		AutoRecover:      true,
		StateData:        `{}`,
		Resources: []Resource{
			{ResourceType: ResourceTunnel, ResourceConfig: `{"type":"dynamic"}`},
			{ResourceType: ResourceJumpChain, ResourceConfig: `{"target":{}}`},
		},
	}
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, &Record{SessionID: "session-2", ConnectionConfig: "{}", CreatedAt: created, LastActive: created, Persist: true}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ConnectionConfig != rec.ConnectionConfig || !got.AutoRecover || got.RecoveryCount != 0 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(got.Resources))
	}

	at := time.Now().UTC().Truncate(time.Second)
	for range 2 {
		if err := s.MarkRecovered(ctx, "session-1", at); err != nil {
			t.Fatal(err)
		}
	}
	got, err = s.Get(ctx, "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RecoveryCount != 2 || !got.LastActive.Equal(at) {
		t.Fatalf("expected recovery_count 2 at %v, got %d at %v", at, got.RecoveryCount, got.LastActive)
	}

	auto, err := s.ListAutoRecover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(auto) != 1 || auto[0].SessionID != "session-1" {
		t.Fatalf("expected only session-1 to auto-recover, got %+v", auto)
	}

	if err := s.Delete(ctx, "session-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "session-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	var orphans int64
	s.db.Model(&Resource{}).Where("session_id = ?", "session-1").Count(&orphans)
	if orphans != 0 {
		t.Fatalf("expected resources to be deleted, got %d", orphans)
	}

	if err := s.Delete(ctx, "session-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
	if err := s.MarkRecovered(ctx, "missing", at); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		base    time.Duration
		want    time.Duration
	}{
		{attempt: 1, base: 5 * time.Second, want: 5 * time.Second},
		{attempt: 2, base: 5 * time.Second, want: 10 * time.Second},
		{attempt: 4, base: 5 * time.Second, want: 40 * time.Second},
		{attempt: 5, base: 5 * time.Second, want: 60 * time.Second},
		{attempt: 100, base: 5 * time.Second, want: 60 * time.Second},
		{attempt: 1, base: 90 * time.Second, want: 60 * time.Second},
		{attempt: 0, base: time.Second, want: time.Second},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.attempt, tt.base); got != tt.want {
			t.Fatalf("CalculateBackoff(%d, %v): expected %v got %v", tt.attempt, tt.base, tt.want, got)
		}
	}
}
