package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stim-hub/internal/device"
	"stim-hub/internal/events"
	"stim-hub/internal/manager"
)

type fakeAdapter struct {
	mu     sync.Mutex
	id     string
	status device.Status
	calls  []string
}

var _ device.Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeAdapter) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) ID() string            { return f.id }
func (f *fakeAdapter) Vendor() device.Vendor { return device.VendorDGLab }

func (f *fakeAdapter) Connect(context.Context) error {
	f.record("connect")
	f.mu.Lock()
	f.status = device.StatusConnected
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Disconnect(context.Context) error {
	f.record("disconnect")
	f.mu.Lock()
	f.status = device.StatusDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Status() device.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeAdapter) Snapshot() device.Device {
	return device.Device{
		ID:     f.id,
		Name:   f.id,
		Vendor: device.VendorDGLab,
		Status: f.Status(),
		Channels: map[device.Channel]device.ChannelState{
			device.ChannelA: {Strength: 0, Limit: 200},
			device.ChannelB: {Strength: 0, Limit: 200},
		},
	}
}

func (f *fakeAdapter) SetStrength(_ context.Context, ch device.Channel, mode device.StrengthMode, value int) error {
	f.record(fmt.Sprintf("strength:%s:%s:%d", ch, mode, value))
	return nil
}

func (f *fakeAdapter) SendWaveform(_ context.Context, ch device.Channel, w device.Waveform) error {
	f.record(fmt.Sprintf("waveform:%s:%s", ch, w.Preset))
	return nil
}

func (f *fakeAdapter) ClearWaveform(_ context.Context, ch device.Channel) error {
	f.record(fmt.Sprintf("clear:%s", ch))
	return nil
}

func (f *fakeAdapter) SendEvent(_ context.Context, event string, _ map[string]any) error {
	f.record(fmt.Sprintf("event:%s", event))
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, status device.Status) (*httptest.Server, *fakeAdapter, *events.Mapper, *manager.Manager) {
	t.Helper()
	log := quietLogger()
	mapper := events.NewMapper(log)
	mgr := manager.New(mapper, log)
	t.Cleanup(mgr.Close)

	fa := &fakeAdapter{id: "dev-1", status: status}
	if err := mgr.Register(fa); err != nil {
		t.Fatalf("register fake: %v", err)
	}

	ts := httptest.NewServer(New(mgr, mapper, nil, log).Handler())
	t.Cleanup(ts.Close)
	return ts, fa, mapper, mgr
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	resp, err := http.Post(url, "application/json", rd)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func contains(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}

func TestListDevices(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp, err := http.Get(ts.URL + "/api/stimhub/devices")
	if err != nil {
		t.Fatalf("GET devices: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Devices []device.Device `json:"devices"`
	}
	decodeBody(t, resp, &out)
	if len(out.Devices) != 1 || out.Devices[0].ID != "dev-1" {
		t.Fatalf("devices = %+v", out.Devices)
	}
	if out.Devices[0].Status != device.StatusConnected {
		t.Fatalf("status = %s", out.Devices[0].Status)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp, err := http.Get(ts.URL + "/api/stimhub/devices/ghost")
	if err != nil {
		t.Fatalf("GET device: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestConnectEndpoint(t *testing.T) {
	ts, fa, _, _ := newTestServer(t, device.StatusDisconnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/devices/dev-1/connect", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	waitFor(t, time.Second, func() bool { return fa.Status() == device.StatusConnected })
}

func TestStrengthCommand(t *testing.T) {
	ts, fa, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/devices/dev-1/strength",
		map[string]any{"channel": "A", "mode": "set", "value": 42})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !contains(fa.recorded(), "strength:A:set:42") {
		t.Fatalf("calls = %v", fa.recorded())
	}
}

func TestStrengthRejectsBadChannel(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/devices/dev-1/strength",
		map[string]any{"channel": "C", "value": 10})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStrengthUnknownDevice(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/devices/ghost/strength",
		map[string]any{"channel": "A", "value": 10})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWaveformPreset(t *testing.T) {
	ts, fa, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/devices/dev-1/waveform",
		map[string]any{"channel": "B", "preset": "pulse", "duration_ms": 1000})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !contains(fa.recorded(), "waveform:B:pulse") {
		t.Fatalf("calls = %v", fa.recorded())
	}
}

func TestWaveformRequiresShape(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/devices/dev-1/waveform",
		map[string]any{"channel": "A"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestClearDefaultsToChannelA(t *testing.T) {
	ts, fa, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/devices/dev-1/clear", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !contains(fa.recorded(), "clear:A") {
		t.Fatalf("calls = %v", fa.recorded())
	}
}

func TestSendEventRequiresName(t *testing.T) {
	ts, fa, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/devices/dev-1/event",
		map[string]any{"payload": map[string]any{"level": 3}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/stimhub/devices/dev-1/event",
		map[string]any{"event": "vibrate", "payload": map[string]any{"level": 3}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !contains(fa.recorded(), "event:vibrate") {
		t.Fatalf("calls = %v", fa.recorded())
	}
}

func TestMappingLifecycle(t *testing.T) {
	ts, fa, _, _ := newTestServer(t, device.StatusConnected)
	base := ts.URL + "/api/stimhub/events"

	resp := postJSON(t, base, map[string]any{
		"event": "knock",
		"actions": []map[string]any{
			{"kind": "strength", "channel": "A", "mode": "set", "value": 10},
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	getResp, err := http.Get(base + "/knock")
	if err != nil {
		t.Fatalf("GET mapping: %v", err)
	}
	var mapping events.Mapping
	decodeBody(t, getResp, &mapping)
	if mapping.Event != "knock" || len(mapping.Actions) != 1 {
		t.Fatalf("mapping = %+v", mapping)
	}

	trigResp := postJSON(t, base+"/knock/trigger", nil)
	var trig struct {
		Applied int `json:"applied"`
	}
	decodeBody(t, trigResp, &trig)
	if trig.Applied != 1 {
		t.Fatalf("applied = %d", trig.Applied)
	}
	if !contains(fa.recorded(), "strength:A:set:10") {
		t.Fatalf("calls = %v", fa.recorded())
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/knock", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE mapping: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	gone, err := http.Get(base + "/knock")
	if err != nil {
		t.Fatalf("GET deleted mapping: %v", err)
	}
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d", gone.StatusCode)
	}
}

func TestRegisterMappingRejectsBadAction(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/events", map[string]any{
		"event":   "knock",
		"actions": []map[string]any{{"kind": "explode"}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestTriggerUnknownEvent(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/events/ghost/trigger", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestResetCooldown(t *testing.T) {
	ts, fa, mapper, _ := newTestServer(t, device.StatusConnected)
	base := ts.URL + "/api/stimhub/events"

	err := mapper.Register(events.Mapping{
		Event:    "knock",
		Cooldown: time.Hour,
		Actions:  []device.Action{{Kind: device.ActionStrength, Channel: device.ChannelA, Mode: device.ModeSet, Value: 5}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := postJSON(t, base+"/knock/trigger", nil)
	resp.Body.Close()
	resp = postJSON(t, base+"/knock/trigger", nil)
	var second struct {
		Applied int `json:"applied"`
	}
	decodeBody(t, resp, &second)
	if second.Applied != 0 {
		t.Fatalf("cooldown not enforced, applied = %d", second.Applied)
	}

	resp = postJSON(t, base+"/knock/reset-cooldown", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}

	resp = postJSON(t, base+"/knock/trigger", nil)
	var third struct {
		Applied int `json:"applied"`
	}
	decodeBody(t, resp, &third)
	if third.Applied != 1 {
		t.Fatalf("applied after reset = %d", third.Applied)
	}
	if len(fa.recorded()) == 0 {
		t.Fatalf("no calls recorded")
	}
}

func TestEmergencyStop(t *testing.T) {
	ts, fa, _, _ := newTestServer(t, device.StatusConnected)

	resp := postJSON(t, ts.URL+"/api/stimhub/stop", nil)
	var out struct {
		Zeroed int `json:"channels_zeroed"`
	}
	decodeBody(t, resp, &out)
	if out.Zeroed != 2 {
		t.Fatalf("channels_zeroed = %d", out.Zeroed)
	}
	calls := fa.recorded()
	for _, want := range []string{"clear:A", "strength:A:set:0", "clear:B", "strength:B:set:0"} {
		if !contains(calls, want) {
			t.Fatalf("missing %q in %v", want, calls)
		}
	}
}

func TestSchedulesEmptyWithoutScheduler(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp, err := http.Get(ts.URL + "/api/stimhub/schedules")
	if err != nil {
		t.Fatalf("GET schedules: %v", err)
	}
	var out struct {
		Schedules []string `json:"schedules"`
	}
	decodeBody(t, resp, &out)
	if len(out.Schedules) != 0 {
		t.Fatalf("schedules = %v", out.Schedules)
	}
}

func TestNotificationsWS(t *testing.T) {
	ts, _, _, mgr := newTestServer(t, device.StatusConnected)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stimhub/notifications/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	mgr.NotifySink() <- device.Notification{
		Kind:     device.NotifyFeedback,
		DeviceID: "dev-1",
		Channel:  device.ChannelA,
		Button:   2,
		At:       time.Now(),
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var note device.Notification
	if err := conn.ReadJSON(&note); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if note.Kind != device.NotifyFeedback || note.DeviceID != "dev-1" || note.Button != 2 {
		t.Fatalf("notification = %+v", note)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _, _ := newTestServer(t, device.StatusConnected)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
