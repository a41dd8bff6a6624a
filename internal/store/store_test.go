package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/codeloft-io/loft/internal/event"
	"github.com/codeloft-io/loft/internal/runctx"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"), ttl)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ctx := context.Background()

	payload := runctx.BasePayload{
		UserID:  "u1",
		Query:   "add tests",
		Model:   "openai/gpt-4.1",
		Project: map[string]string{"main.py": "pass\n"},
		MessageHistory: []map[string]any{
			{"role": "user", "content": "hi"},
		},
	}
	if err := s.CreateRun(ctx, "task_1", payload); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	rec, err := s.Run(ctx, "task_1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCreated || rec.UserID != "u1" || rec.Model != "openai/gpt-4.1" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Payload.Query != "add tests" || rec.Payload.Project["main.py"] != "pass\n" {
		t.Fatalf("payload = %+v", rec.Payload)
	}
	if len(rec.Payload.MessageHistory) != 1 {
		t.Fatalf("history = %v", rec.Payload.MessageHistory)
	}
}

func TestRunNotFound(t *testing.T) {
	s := openTestStore(t, time.Minute)
	if _, err := s.Run(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ctx := context.Background()
	if err := s.CreateRun(ctx, "r1", runctx.BasePayload{UserID: "u"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.SetStatus(ctx, "r1", StatusCompleted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	rec, _ := s.Run(ctx, "r1")
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %q", rec.Status)
	}
	if err := s.SetStatus(ctx, "nope", StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateProjectKeepsRest(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ctx := context.Background()
	if err := s.CreateRun(ctx, "r1", runctx.BasePayload{
		UserID:  "u",
		Query:   "q",
		Project: map[string]string{"old.py": "1"},
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.UpdateProject(ctx, "r1", map[string]string{"new.py": "2"}); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	rec, _ := s.Run(ctx, "r1")
	if rec.Payload.Query != "q" {
		t.Fatalf("query lost: %+v", rec.Payload)
	}
	if _, ok := rec.Payload.Project["old.py"]; ok {
		t.Fatalf("old project survived")
	}
	if rec.Payload.Project["new.py"] != "2" {
		t.Fatalf("project = %v", rec.Payload.Project)
	}
}

func TestEventsOrdered(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ctx := context.Background()
	if err := s.CreateRun(ctx, "r1", runctx.BasePayload{UserID: "u"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for _, msg := range []string{"first", "second", "third"} {
		if err := s.AppendEvent(ctx, "r1", event.RunLog("r1", msg)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	events, err := s.Events(ctx, "r1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	for i, want := range []string{"first", "second", "third"} {
		if events[i].Data != want {
			t.Fatalf("event %d = %v", i, events[i].Data)
		}
	}
}

func TestExpiryAndPurge(t *testing.T) {
	s := openTestStore(t, time.Nanosecond)
	ctx := context.Background()
	if err := s.CreateRun(ctx, "r1", runctx.BasePayload{UserID: "u"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.AppendEvent(ctx, "r1", event.RunLog("r1", "x")); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	time.Sleep(2 * time.Second)

	if _, err := s.Run(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired run still readable: %v", err)
	}
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d runs", n)
	}
	events, err := s.Events(ctx, "r1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events survived purge: %d", len(events))
	}
}
