package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"stim-hub/internal/device"
	"stim-hub/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter records the operations routed to it.
type fakeAdapter struct {
	mu      sync.Mutex
	id      string
	status  device.Status
	failOps bool
	calls   []string
}

var _ device.Adapter = (*fakeAdapter)(nil)

func newFake(id string, status device.Status) *fakeAdapter {
	return &fakeAdapter{id: id, status: status}
}

func (f *fakeAdapter) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	if f.failOps {
		return errors.New("fake failure")
	}
	return nil
}

func (f *fakeAdapter) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) ID() string            { return f.id }
func (f *fakeAdapter) Vendor() device.Vendor { return device.Vendor("fake") }

func (f *fakeAdapter) Status() device.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeAdapter) Snapshot() device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return device.Device{ID: f.id, Vendor: "fake", Status: f.status}
}

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	f.status = device.StatusConnected
	f.mu.Unlock()
	return f.record("connect")
}

func (f *fakeAdapter) Disconnect(context.Context) error {
	f.mu.Lock()
	f.status = device.StatusDisconnected
	f.mu.Unlock()
	return f.record("disconnect")
}

func (f *fakeAdapter) SetStrength(_ context.Context, ch device.Channel, mode device.StrengthMode, value int) error {
	return f.record("strength:%s:%s:%d", ch, mode, value)
}

func (f *fakeAdapter) SendWaveform(_ context.Context, ch device.Channel, w device.Waveform) error {
	return f.record("waveform:%s:%s", ch, w.Preset)
}

func (f *fakeAdapter) ClearWaveform(_ context.Context, ch device.Channel) error {
	return f.record("clear:%s", ch)
}

func (f *fakeAdapter) SendEvent(_ context.Context, event string, _ map[string]any) error {
	return f.record("event:%s", event)
}

func newTestManager(t *testing.T) (*Manager, *events.Mapper) {
	t.Helper()
	mapper := events.NewMapper(quietLogger())
	m := New(mapper, quietLogger())
	t.Cleanup(m.Close)
	return m, mapper
}

func TestRegisterAndRouting(t *testing.T) {
	m, _ := newTestManager(t)
	a := newFake("dev-a", device.StatusConnected)
	b := newFake("dev-b", device.StatusConnected)
	if err := m.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(newFake("dev-a", device.StatusDisconnected)); !errors.Is(err, device.ErrConfig) {
		t.Fatalf("duplicate Register = %v, want ErrConfig", err)
	}

	ctx := context.Background()
	if err := m.SetStrength(ctx, "dev-b", device.ChannelA, device.ModeSet, 42); err != nil {
		t.Fatalf("SetStrength: %v", err)
	}
	if calls := a.callList(); len(calls) != 0 {
		t.Fatalf("dev-a received %v, want nothing", calls)
	}
	if calls := b.callList(); len(calls) != 1 || calls[0] != "strength:A:set:42" {
		t.Fatalf("dev-b calls = %v", calls)
	}
	if err := m.SetStrength(ctx, "ghost", device.ChannelA, device.ModeSet, 1); !errors.Is(err, device.ErrUnknownDevice) {
		t.Fatalf("unknown device = %v, want ErrUnknownDevice", err)
	}
}

func TestListSortedSnapshots(t *testing.T) {
	m, _ := newTestManager(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_ = m.Register(newFake(id, device.StatusDisconnected))
	}
	got := m.List()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("List length = %d, want %d", len(got), len(want))
	}
	for i, d := range got {
		if d.ID != want[i] {
			t.Fatalf("List order = %v, want %v", d.ID, want[i])
		}
	}
}

func TestUnregisterDisconnects(t *testing.T) {
	m, _ := newTestManager(t)
	a := newFake("dev-a", device.StatusConnected)
	_ = m.Register(a)
	if err := m.Unregister(context.Background(), "dev-a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if calls := a.callList(); len(calls) != 1 || calls[0] != "disconnect" {
		t.Fatalf("calls = %v, want [disconnect]", calls)
	}
	if err := m.Unregister(context.Background(), "dev-a"); !errors.Is(err, device.ErrUnknownDevice) {
		t.Fatalf("second Unregister = %v, want ErrUnknownDevice", err)
	}
}

func TestTriggerEventTargeted(t *testing.T) {
	m, mapper := newTestManager(t)
	a := newFake("dev-a", device.StatusConnected)
	b := newFake("dev-b", device.StatusConnected)
	_ = m.Register(a)
	_ = m.Register(b)
	_ = mapper.Register(events.Mapping{
		Event: "knock",
		Actions: []device.Action{
			{Kind: device.ActionStrength, DeviceID: "dev-a", Channel: device.ChannelA, Mode: device.ModeSet, Value: 30},
		},
	})

	applied, err := m.TriggerEvent(context.Background(), "knock")
	if err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if calls := a.callList(); len(calls) != 1 || calls[0] != "strength:A:set:30" {
		t.Fatalf("dev-a calls = %v", calls)
	}
	if calls := b.callList(); len(calls) != 0 {
		t.Fatalf("dev-b calls = %v, want none", calls)
	}
}

func TestTriggerEventBroadcastsToConnected(t *testing.T) {
	m, mapper := newTestManager(t)
	a := newFake("dev-a", device.StatusConnected)
	b := newFake("dev-b", device.StatusDisconnected)
	_ = m.Register(a)
	_ = m.Register(b)
	_ = mapper.Register(events.Mapping{
		Event: "wave-all",
		Actions: []device.Action{
			{Kind: device.ActionWaveform, Channel: device.ChannelB, Waveform: device.Waveform{Preset: "pulse", Duration: time.Second}},
		},
	})

	applied, err := m.TriggerEvent(context.Background(), "wave-all")
	if err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1 (only the connected device)", applied)
	}
	if calls := a.callList(); len(calls) != 1 || calls[0] != "waveform:B:pulse" {
		t.Fatalf("dev-a calls = %v", calls)
	}
	if calls := b.callList(); len(calls) != 0 {
		t.Fatalf("disconnected dev-b calls = %v, want none", calls)
	}
}

func TestTriggerEventUnknownAndCooldown(t *testing.T) {
	m, mapper := newTestManager(t)
	a := newFake("dev-a", device.StatusConnected)
	_ = m.Register(a)
	_ = mapper.Register(events.Mapping{
		Event:    "knock",
		Cooldown: time.Hour,
		Actions: []device.Action{
			{Kind: device.ActionStrength, DeviceID: "dev-a", Channel: device.ChannelA, Mode: device.ModeSet, Value: 5},
		},
	})

	if applied, err := m.TriggerEvent(context.Background(), "ghost"); err != nil || applied != 0 {
		t.Fatalf("unknown event = (%d, %v), want (0, nil)", applied, err)
	}
	if applied, _ := m.TriggerEvent(context.Background(), "knock"); applied != 1 {
		t.Fatalf("first trigger applied = %d, want 1", applied)
	}
	if applied, err := m.TriggerEvent(context.Background(), "knock"); err != nil || applied != 0 {
		t.Fatalf("cooled trigger = (%d, %v), want (0, nil)", applied, err)
	}
}

func TestTriggerEventContinuesPastFailures(t *testing.T) {
	m, mapper := newTestManager(t)
	bad := newFake("dev-bad", device.StatusConnected)
	bad.failOps = true
	good := newFake("dev-good", device.StatusConnected)
	_ = m.Register(bad)
	_ = m.Register(good)
	_ = mapper.Register(events.Mapping{
		Event: "both",
		Actions: []device.Action{
			{Kind: device.ActionStrength, DeviceID: "dev-bad", Channel: device.ChannelA, Mode: device.ModeSet, Value: 10},
			{Kind: device.ActionStrength, DeviceID: "dev-good", Channel: device.ChannelA, Mode: device.ModeSet, Value: 10},
		},
	})

	applied, err := m.TriggerEvent(context.Background(), "both")
	if err == nil {
		t.Fatal("expected joined error from failing device")
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if calls := good.callList(); len(calls) != 1 {
		t.Fatalf("good device calls = %v", calls)
	}
}

func TestTriggerEventPublishesNotification(t *testing.T) {
	m, mapper := newTestManager(t)
	a := newFake("dev-a", device.StatusConnected)
	_ = m.Register(a)
	_ = mapper.Register(events.Mapping{
		Event: "knock",
		Actions: []device.Action{
			{Kind: device.ActionStrength, DeviceID: "dev-a", Channel: device.ChannelA, Mode: device.ModeSet, Value: 10},
		},
	})
	ch, cancel := m.Subscribe()
	defer cancel()

	if _, err := m.TriggerEvent(context.Background(), "knock"); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	select {
	case n := <-ch:
		if n.Kind != device.NotifyEvent || n.Message != "knock" {
			t.Fatalf("notification = %+v", n)
		}
		if n.Payload["applied"] != 1 {
			t.Fatalf("payload = %+v", n.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event notification never delivered")
	}
}

func TestMomentaryStrengthReleases(t *testing.T) {
	m, mapper := newTestManager(t)
	a := newFake("dev-a", device.StatusConnected)
	_ = m.Register(a)
	_ = mapper.Register(events.Mapping{
		Event: "tap",
		Actions: []device.Action{
			{Kind: device.ActionStrength, DeviceID: "dev-a", Channel: device.ChannelA, Mode: device.ModeSet, Value: 50, Duration: 50 * time.Millisecond},
		},
	})

	if _, err := m.TriggerEvent(context.Background(), "tap"); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		calls := a.callList()
		if len(calls) == 2 {
			if calls[0] != "strength:A:set:50" || calls[1] != "strength:A:set:0" {
				t.Fatalf("calls = %v", calls)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("release never arrived, calls = %v", a.callList())
}

func TestEmergencyStopSweepsAllAndSwallowsErrors(t *testing.T) {
	m, _ := newTestManager(t)
	bad := newFake("dev-bad", device.StatusConnected)
	bad.failOps = true
	good := newFake("dev-good", device.StatusConnected)
	idle := newFake("dev-idle", device.StatusDisconnected)
	_ = m.Register(bad)
	_ = m.Register(good)
	_ = m.Register(idle)

	zeroed := m.EmergencyStop(context.Background())
	// good and idle both expose two channels; the failing device counts zero.
	if zeroed != 4 {
		t.Fatalf("zeroed = %d, want 4", zeroed)
	}
	calls := good.callList()
	want := []string{"clear:A", "strength:A:set:0", "clear:B", "strength:B:set:0"}
	if len(calls) != len(want) {
		t.Fatalf("good device calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("good device calls = %v, want %v", calls, want)
		}
	}
	if len(bad.callList()) != 4 {
		t.Fatalf("failing device should still be swept, calls = %v", bad.callList())
	}
}

func TestSubscribeReceivesNotifications(t *testing.T) {
	m, _ := newTestManager(t)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.NotifySink() <- device.Notification{Kind: device.NotifyStatus, DeviceID: "dev-a", Status: device.StatusConnected}
	select {
	case n := <-ch:
		if n.DeviceID != "dev-a" || n.Status != device.StatusConnected {
			t.Fatalf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	m, _ := newTestManager(t)
	ch, cancel := m.Subscribe()
	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	// Publishing after cancel must not panic.
	m.NotifySink() <- device.Notification{Kind: device.NotifyStatus, DeviceID: "dev-a"}
	time.Sleep(20 * time.Millisecond)
}

func TestConnectAllJoinsFailures(t *testing.T) {
	m, _ := newTestManager(t)
	bad := newFake("dev-bad", device.StatusDisconnected)
	bad.failOps = true
	good := newFake("dev-good", device.StatusDisconnected)
	_ = m.Register(bad)
	_ = m.Register(good)

	err := m.ConnectAll(context.Background())
	if err == nil {
		t.Fatal("expected error from failing device")
	}
	if good.Status() != device.StatusConnected {
		t.Fatal("good device should still connect")
	}
}
