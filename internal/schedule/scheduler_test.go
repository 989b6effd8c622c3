package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingTriggerer struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTriggerer) TriggerEvent(_ context.Context, event string) (int, error) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return 1, nil
}

func (r *recordingTriggerer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingTriggerer) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1]
}

func waitForFire(t *testing.T, rec *recordingTriggerer, baseline int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rec.count() > baseline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduled trigger never fired")
}

func TestReconcileArmsAndFires(t *testing.T) {
	rec := &recordingTriggerer{}
	s := New(rec, quietLogger())
	s.Start()
	defer s.Stop()

	s.Reconcile([]Trigger{{Name: "tick", Cron: "@every 50ms", Event: "knock"}})
	if names := s.TriggerNames(); len(names) != 1 || names[0] != "tick" {
		t.Fatalf("TriggerNames = %v, want [tick]", names)
	}
	waitForFire(t, rec, 0, 2*time.Second)
	if got := rec.last(); got != "knock" {
		t.Fatalf("fired event = %q, want knock", got)
	}
}

func TestReconcileRemovesStale(t *testing.T) {
	rec := &recordingTriggerer{}
	s := New(rec, quietLogger())
	s.Start()
	defer s.Stop()

	s.Reconcile([]Trigger{{Name: "tick", Cron: "@every 50ms", Event: "knock"}})
	waitForFire(t, rec, 0, 2*time.Second)

	s.Reconcile(nil)
	if names := s.TriggerNames(); len(names) != 0 {
		t.Fatalf("TriggerNames after removal = %v, want empty", names)
	}
	settled := rec.count()
	time.Sleep(150 * time.Millisecond)
	if rec.count() > settled+1 {
		t.Fatalf("trigger kept firing after removal: %d -> %d", settled, rec.count())
	}
}

func TestReconcileReplacesChangedTrigger(t *testing.T) {
	rec := &recordingTriggerer{}
	s := New(rec, quietLogger())
	s.Start()
	defer s.Stop()

	s.Reconcile([]Trigger{{Name: "tick", Cron: "@every 50ms", Event: "old"}})
	waitForFire(t, rec, 0, 2*time.Second)

	s.Reconcile([]Trigger{{Name: "tick", Cron: "@every 50ms", Event: "new"}})
	baseline := rec.count()
	waitForFire(t, rec, baseline, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.last() == "new" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("replacement never fired, last = %q", rec.last())
}

func TestReconcileSkipsMalformed(t *testing.T) {
	rec := &recordingTriggerer{}
	s := New(rec, quietLogger())
	defer s.Stop()

	s.Reconcile([]Trigger{
		{Name: "bad-cron", Cron: "not a cron", Event: "x"},
		{Name: "", Cron: "@every 1s", Event: "x"},
		{Name: "no-event", Cron: "@every 1s", Event: ""},
		{Name: "ok", Cron: "0 0 * * * *", Event: "hourly"},
	})
	names := s.TriggerNames()
	if len(names) != 1 || names[0] != "ok" {
		t.Fatalf("TriggerNames = %v, want [ok]", names)
	}
}
