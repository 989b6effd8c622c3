// Package schedule fires mapped events on cron timetables.
package schedule

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger is one timed firing rule: the cron spec (six fields, seconds
// first, or an @every duration) and the event it raises.
type Trigger struct {
	Name  string `json:"name"`
	Cron  string `json:"cron"`
	Event string `json:"event"`
}

// Triggerer is the slice of the device manager the scheduler needs.
type Triggerer interface {
	TriggerEvent(ctx context.Context, event string) (int, error)
}

// Scheduler reconciles a set of triggers against a running cron instance.
type Scheduler struct {
	log  *slog.Logger
	trig Triggerer
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]Trigger
}

// New builds a stopped scheduler; call Start to begin firing.
func New(trig Triggerer, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:     log,
		trig:    trig,
		cron:    cron.New(cron.WithSeconds()),
		entries: map[string]cron.EntryID{},
		specs:   map[string]Trigger{},
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts firing. Jobs already running are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// TriggerNames lists the currently scheduled trigger names, sorted.
func (s *Scheduler) TriggerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reconcile brings the cron entries in line with the given trigger set:
// changed triggers are replaced, new ones added, absent ones removed.
// Malformed triggers are logged and skipped.
func (s *Scheduler) Reconcile(triggers []Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		t.Cron = strings.TrimSpace(t.Cron)
		if t.Name == "" || t.Cron == "" || t.Event == "" {
			s.log.Warn("skipping malformed schedule trigger", "trigger", t.Name)
			continue
		}
		seen[t.Name] = true
		if old, ok := s.specs[t.Name]; ok && old != t {
			if id, okE := s.entries[t.Name]; okE {
				s.cron.Remove(id)
				delete(s.entries, t.Name)
			}
			delete(s.specs, t.Name)
		}
		if _, exists := s.entries[t.Name]; exists {
			continue
		}
		name, event := t.Name, t.Event
		id, err := s.cron.AddFunc(t.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.trig.TriggerEvent(ctx, event); err != nil {
				s.log.Warn("scheduled trigger failed", "trigger", name, "event", event, "error", err)
			}
		})
		if err != nil {
			s.log.Warn("invalid cron expression", "trigger", t.Name, "cron", t.Cron, "error", err)
			continue
		}
		s.entries[t.Name] = id
		s.specs[t.Name] = t
		s.log.Info("schedule trigger armed", "trigger", t.Name, "cron", t.Cron, "event", t.Event)
	}

	for name, id := range s.entries {
		if seen[name] {
			continue
		}
		s.cron.Remove(id)
		delete(s.entries, name)
		delete(s.specs, name)
		s.log.Info("schedule trigger removed", "trigger", name)
	}
}
