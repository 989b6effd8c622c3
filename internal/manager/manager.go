// Package manager owns the device registry: it routes unified operations to
// vendor adapters, fans adapter notifications out to subscribers, and turns
// mapped events into device actions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stim-hub/internal/device"
	"stim-hub/internal/events"
)

// Manager is safe for concurrent use.
type Manager struct {
	log    *slog.Logger
	mapper *events.Mapper

	mu       sync.RWMutex
	adapters map[string]device.Adapter
	subs     map[int]chan device.Notification
	nextSub  int

	notes    chan device.Notification
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a manager around an event mapper and starts its notification
// pump. Close releases it.
func New(mapper *events.Mapper, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:      log,
		mapper:   mapper,
		adapters: make(map[string]device.Adapter),
		subs:     make(map[int]chan device.Notification),
		notes:    make(chan device.Notification, 256),
		stop:     make(chan struct{}),
	}
	go m.pump()
	return m
}

// NotifySink is the channel adapters publish their notifications into. Hand
// it to every adapter constructor.
func (m *Manager) NotifySink() chan<- device.Notification { return m.notes }

// Subscribe registers a notification listener. The returned cancel func
// detaches it and closes the channel. Slow listeners miss notifications
// rather than stalling the pump.
func (m *Manager) Subscribe() (<-chan device.Notification, func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan device.Notification, 32)
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) pump() {
	for {
		select {
		case <-m.stop:
			return
		case n := <-m.notes:
			m.mu.RLock()
			for _, ch := range m.subs {
				select {
				case ch <- n:
				default:
				}
			}
			m.mu.RUnlock()
		}
	}
}

// Close stops the pump and detaches all subscribers.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
}

// Register adds an adapter under its device id.
func (m *Manager) Register(a device.Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := a.ID()
	if _, exists := m.adapters[id]; exists {
		return fmt.Errorf("device %s already registered: %w", id, device.ErrConfig)
	}
	m.adapters[id] = a
	m.log.Info("device registered", "device", id, "vendor", a.Vendor())
	return nil
}

// Unregister disconnects an adapter and removes it from the registry.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.adapters[id]
	if ok {
		delete(m.adapters, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s: %w", id, device.ErrUnknownDevice)
	}
	if err := a.Disconnect(ctx); err != nil {
		m.log.Warn("disconnect during unregister failed", "device", id, "error", err)
	}
	m.log.Info("device unregistered", "device", id)
	return nil
}

func (m *Manager) adapter(id string) (device.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, device.ErrUnknownDevice)
	}
	return a, nil
}

// List returns snapshots of every registered device, ordered by id.
func (m *Manager) List() []device.Device {
	m.mu.RLock()
	out := make([]device.Device, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the snapshot of one device.
func (m *Manager) Get(id string) (device.Device, error) {
	a, err := m.adapter(id)
	if err != nil {
		return device.Device{}, err
	}
	return a.Snapshot(), nil
}

func (m *Manager) Connect(ctx context.Context, id string) error {
	a, err := m.adapter(id)
	if err != nil {
		return err
	}
	return a.Connect(ctx)
}

func (m *Manager) Disconnect(ctx context.Context, id string) error {
	a, err := m.adapter(id)
	if err != nil {
		return err
	}
	return a.Disconnect(ctx)
}

// ConnectAll connects every registered device, joining individual failures.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, a := range m.snapshotAdapters() {
		if err := a.Connect(ctx); err != nil {
			m.log.Warn("connect failed", "device", a.ID(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// DisconnectAll disconnects every registered device.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, a := range m.snapshotAdapters() {
		if err := a.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) SetStrength(ctx context.Context, id string, ch device.Channel, mode device.StrengthMode, value int) error {
	a, err := m.adapter(id)
	if err != nil {
		return err
	}
	return a.SetStrength(ctx, ch, mode, value)
}

func (m *Manager) SendWaveform(ctx context.Context, id string, ch device.Channel, w device.Waveform) error {
	a, err := m.adapter(id)
	if err != nil {
		return err
	}
	return a.SendWaveform(ctx, ch, w)
}

func (m *Manager) ClearWaveform(ctx context.Context, id string, ch device.Channel) error {
	a, err := m.adapter(id)
	if err != nil {
		return err
	}
	return a.ClearWaveform(ctx, ch)
}

func (m *Manager) SendEvent(ctx context.Context, id, event string, payload map[string]any) error {
	a, err := m.adapter(id)
	if err != nil {
		return err
	}
	return a.SendEvent(ctx, event, payload)
}

// TriggerEvent runs the actions mapped to an event. It returns how many
// action applications succeeded. A suppressed or unmapped event is not an
// error; individual action failures are joined and logged but do not stop
// the remaining actions.
func (m *Manager) TriggerEvent(ctx context.Context, event string) (int, error) {
	actions := m.mapper.Trigger(event)
	if actions == nil {
		return 0, nil
	}
	m.log.Info("event triggered", "event", event, "actions", len(actions))
	applied := 0
	var errs []error
	for _, act := range actions {
		n, err := m.runAction(ctx, act)
		applied += n
		if err != nil {
			m.log.Warn("action failed", "event", event, "kind", act.Kind, "error", err)
			errs = append(errs, err)
		}
	}
	m.publishEvent(event, map[string]any{"actions": len(actions), "applied": applied})
	return applied, errors.Join(errs...)
}

// runAction applies one action to its target, or to every connected device
// when the action names none.
func (m *Manager) runAction(ctx context.Context, act device.Action) (int, error) {
	var targets []device.Adapter
	if act.DeviceID != "" {
		a, err := m.adapter(act.DeviceID)
		if err != nil {
			return 0, err
		}
		targets = []device.Adapter{a}
	} else {
		for _, a := range m.snapshotAdapters() {
			if a.Status() == device.StatusConnected {
				targets = append(targets, a)
			}
		}
	}

	applied := 0
	var errs []error
	for _, a := range targets {
		if err := m.applyAction(ctx, a, act); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

func (m *Manager) applyAction(ctx context.Context, a device.Adapter, act device.Action) error {
	switch act.Kind {
	case device.ActionStrength:
		if err := a.SetStrength(ctx, act.Channel, act.Mode, act.Value); err != nil {
			return err
		}
		if act.Duration > 0 {
			// Momentary strength: drop back to zero when the hold ends.
			id, ch := a.ID(), act.Channel
			time.AfterFunc(act.Duration, func() {
				if err := a.SetStrength(context.Background(), ch, device.ModeSet, 0); err != nil {
					m.log.Warn("momentary release failed", "device", id, "channel", ch, "error", err)
				}
			})
		}
		return nil
	case device.ActionWaveform:
		return a.SendWaveform(ctx, act.Channel, act.Waveform)
	case device.ActionCustom:
		return a.SendEvent(ctx, act.Event, act.Payload)
	default:
		return fmt.Errorf("unknown action kind %q: %w", act.Kind, device.ErrConfig)
	}
}

// EmergencyStop clears waveform queues and forces every channel of every
// registered device to zero strength. Per-device failures are logged and
// swallowed so one bad device cannot block the sweep. It returns the number
// of channels successfully zeroed.
func (m *Manager) EmergencyStop(ctx context.Context) int {
	zeroed := 0
	for _, a := range m.snapshotAdapters() {
		for _, ch := range device.Channels() {
			if err := a.ClearWaveform(ctx, ch); err != nil {
				m.log.Debug("emergency clear failed", "device", a.ID(), "channel", ch, "error", err)
			}
			if err := a.SetStrength(ctx, ch, device.ModeSet, 0); err != nil {
				m.log.Warn("emergency zero failed", "device", a.ID(), "channel", ch, "error", err)
				continue
			}
			zeroed++
		}
	}
	m.log.Warn("emergency stop executed", "channels_zeroed", zeroed)
	m.publishEvent("emergency_stop", map[string]any{"zeroed": zeroed})
	return zeroed
}

// publishEvent feeds a hub-level notification through the same fan-out path
// adapter reports take, so subscribers see trigger activity inline.
func (m *Manager) publishEvent(name string, payload map[string]any) {
	select {
	case m.notes <- device.Notification{Kind: device.NotifyEvent, Message: name, Payload: payload, At: time.Now()}:
	default:
	}
}

func (m *Manager) snapshotAdapters() []device.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]device.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
