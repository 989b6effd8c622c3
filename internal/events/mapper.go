// Package events maps named external events onto device action lists with
// per-event cooldown suppression.
package events

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stim-hub/internal/device"
)

// ErrEmptyEvent is returned when a mapping is registered without an event id.
var ErrEmptyEvent = errors.New("event id must not be empty")

// Mapping binds one event id to the actions it triggers. Cooldown is the
// minimum interval between admitted triggers; zero disables suppression.
type Mapping struct {
	Event    string          `json:"event"`
	Actions  []device.Action `json:"actions"`
	Cooldown time.Duration   `json:"cooldown"`
}

// Mapper is a concurrency-safe registry of event-to-action mappings.
type Mapper struct {
	mu        sync.RWMutex
	mappings  map[string]Mapping
	lastFired map[string]time.Time
	log       *slog.Logger
}

// NewMapper builds an empty registry.
func NewMapper(log *slog.Logger) *Mapper {
	if log == nil {
		log = slog.Default()
	}
	return &Mapper{
		mappings:  make(map[string]Mapping),
		lastFired: make(map[string]time.Time),
		log:       log,
	}
}

// Register stores a mapping, replacing any previous mapping for the same
// event id. Replacing a mapping does not reset its cooldown window.
func (m *Mapper) Register(mapping Mapping) error {
	if mapping.Event == "" {
		return ErrEmptyEvent
	}
	if mapping.Cooldown < 0 {
		mapping.Cooldown = 0
	}
	mapping.Actions = append([]device.Action(nil), mapping.Actions...)
	m.mu.Lock()
	m.mappings[mapping.Event] = mapping
	m.mu.Unlock()
	m.log.Debug("event mapping registered", "event", mapping.Event, "actions", len(mapping.Actions), "cooldown", mapping.Cooldown)
	return nil
}

// Remove deletes a mapping and its cooldown record. It reports whether the
// event was registered.
func (m *Mapper) Remove(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mappings[event]; !ok {
		return false
	}
	delete(m.mappings, event)
	delete(m.lastFired, event)
	return true
}

// Get returns the mapping for an event id.
func (m *Mapper) Get(event string) (Mapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.mappings[event]
	if ok {
		mp.Actions = append([]device.Action(nil), mp.Actions...)
	}
	return mp, ok
}

// List returns all mappings ordered by event id.
func (m *Mapper) List() []Mapping {
	m.mu.RLock()
	out := make([]Mapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		mp.Actions = append([]device.Action(nil), mp.Actions...)
		out = append(out, mp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Event < out[j].Event })
	return out
}

// Trigger consumes one occurrence of an event. It returns the mapped actions
// when the event is known and outside its cooldown window, and nil otherwise.
// The cooldown window starts when the trigger is admitted, not when its
// actions finish executing.
func (m *Mapper) Trigger(event string) []device.Action {
	m.mu.Lock()
	mp, ok := m.mappings[event]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("trigger for unmapped event", "event", event)
		return nil
	}
	if mp.Cooldown > 0 {
		if last, fired := m.lastFired[event]; fired && time.Since(last) < mp.Cooldown {
			m.mu.Unlock()
			m.log.Debug("trigger suppressed by cooldown", "event", event, "cooldown", mp.Cooldown)
			return nil
		}
	}
	m.lastFired[event] = time.Now()
	actions := append([]device.Action(nil), mp.Actions...)
	m.mu.Unlock()
	return actions
}

// ResetCooldown clears the cooldown record so the next trigger is admitted
// immediately.
func (m *Mapper) ResetCooldown(event string) {
	m.mu.Lock()
	delete(m.lastFired, event)
	m.mu.Unlock()
}
