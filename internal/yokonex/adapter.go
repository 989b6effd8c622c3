package yokonex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"stim-hub/internal/codec"
	"stim-hub/internal/device"
)

// Config carries everything needed to drive one message-oriented device.
type Config struct {
	DeviceID string
	Name     string
	// AuthURL is the HTTP sign-on endpoint.
	AuthURL string
	// BrokerURL is the messaging broker the signed-on session attaches to.
	BrokerURL string
	// UID and Token identify the account during sign-on. The token also
	// rides along in every command envelope.
	UID   string
	Token string
	// StrengthLimitA/B cap deliverable strength per channel. Values above
	// the vendor ceiling are reduced to it.
	StrengthLimitA int
	StrengthLimitB int
	// ReadyTimeout bounds the wait for the device's online confirmation.
	// Unlike the socket vendor's bind wait, missing it fails Connect.
	ReadyTimeout   time.Duration
	ReconnectDelay time.Duration
	// MaxReconnects caps reconnect attempts across the adapter's lifetime;
	// each involuntary drop triggers at most one attempt.
	MaxReconnects int
}

func (c *Config) withDefaults() {
	if c.StrengthLimitA <= 0 || c.StrengthLimitA > WireMaxStrength {
		c.StrengthLimitA = WireMaxStrength
	}
	if c.StrengthLimitB <= 0 || c.StrengthLimitB > WireMaxStrength {
		c.StrengthLimitB = WireMaxStrength
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 15 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
}

// Adapter drives one device through sign-on plus command messaging.
type Adapter struct {
	cfg    Config
	log    *slog.Logger
	notify *device.Notifier
	httpc  *http.Client
	dial   sessionDialer

	mu        sync.Mutex
	sess      brokerSession
	status    device.Status
	readyCh   chan struct{}
	readyOnce *sync.Once
	strengths map[device.Channel]int
	limits    map[device.Channel]int
	lastSeen  time.Time
	closing   bool
	attempts  int
	// gen counts manual Connect calls; a stale generation tells a pending
	// reconnect attempt it has been superseded.
	gen int
}

var _ device.Adapter = (*Adapter)(nil)

// New validates the config and builds a disconnected adapter.
func New(cfg Config, notify chan<- device.Notification, log *slog.Logger) (*Adapter, error) {
	switch {
	case cfg.DeviceID == "":
		return nil, fmt.Errorf("device id required: %w", device.ErrConfig)
	case cfg.AuthURL == "":
		return nil, fmt.Errorf("auth url required: %w", device.ErrConfig)
	case cfg.BrokerURL == "":
		return nil, fmt.Errorf("broker url required: %w", device.ErrConfig)
	case cfg.UID == "" || cfg.Token == "":
		return nil, fmt.Errorf("account uid and token required: %w", device.ErrConfig)
	}
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		log:    log.With("vendor", device.VendorYokonex, "device", cfg.DeviceID),
		notify: device.NewNotifier(notify),
		httpc:  &http.Client{Timeout: 10 * time.Second},
		dial:   dialPaho,
		status: device.StatusDisconnected,
		strengths: map[device.Channel]int{
			device.ChannelA: -1,
			device.ChannelB: -1,
		},
		limits: map[device.Channel]int{
			device.ChannelA: cfg.StrengthLimitA,
			device.ChannelB: cfg.StrengthLimitB,
		},
	}, nil
}

func (a *Adapter) ID() string            { return a.cfg.DeviceID }
func (a *Adapter) Vendor() device.Vendor { return device.VendorYokonex }

func (a *Adapter) Status() device.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) Snapshot() device.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	chans := make(map[device.Channel]device.ChannelState, 2)
	for _, ch := range device.Channels() {
		st := a.strengths[ch]
		if st < 0 {
			st = 0
		}
		chans[ch] = device.ChannelState{Strength: st, Limit: a.limits[ch]}
	}
	return device.Device{
		ID:       a.cfg.DeviceID,
		Name:     a.cfg.Name,
		Vendor:   device.VendorYokonex,
		Status:   a.status,
		Channels: chans,
		LastSeen: a.lastSeen,
	}
}

// Connect signs on, attaches to the broker, announces itself and waits for
// the device's online confirmation. Missing the confirmation window fails
// the whole attempt.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.status != device.StatusDisconnected {
		a.mu.Unlock()
		return nil
	}
	a.closing = false
	a.attempts = 0
	a.gen++
	gen := a.gen
	a.mu.Unlock()
	return a.establish(ctx, gen)
}

func (a *Adapter) establish(ctx context.Context, gen int) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return fmt.Errorf("adapter closed: %w", device.ErrNotConnected)
	}
	if a.gen != gen {
		a.mu.Unlock()
		return fmt.Errorf("superseded by a newer connect: %w", device.ErrNotConnected)
	}
	a.mu.Unlock()

	a.setStatus(device.StatusConnecting)
	creds, err := signOn(ctx, a.httpc, a.cfg.AuthURL, a.cfg.UID, a.cfg.Token)
	if err != nil {
		a.failDisconnected(gen, nil)
		return fmt.Errorf("sign-on: %w", err)
	}
	a.log.Info("signed on", "app_id", creds.AppID)

	ready := make(chan struct{})
	a.mu.Lock()
	if a.closing || a.gen != gen {
		a.mu.Unlock()
		return fmt.Errorf("superseded by a newer connect: %w", device.ErrNotConnected)
	}
	a.readyCh = ready
	a.readyOnce = new(sync.Once)
	a.mu.Unlock()

	sess, err := a.dial(ctx, a.cfg, creds, a.handleMessage, a.onTransportLost)
	if err != nil {
		a.failDisconnected(gen, nil)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("broker attach: %w", device.ErrConnectTimeout)
		}
		return fmt.Errorf("broker attach: %w", err)
	}
	a.mu.Lock()
	if a.closing || a.gen != gen {
		a.mu.Unlock()
		sess.Disconnect()
		return fmt.Errorf("superseded by a newer connect: %w", device.ErrNotConnected)
	}
	a.sess = sess
	a.mu.Unlock()
	a.setStatus(device.StatusAwaitingSignOn)

	if err := a.publish(sess, cmdHello, nil); err != nil {
		a.teardown(sess)
		a.failDisconnected(gen, sess)
		return fmt.Errorf("hello: %w", device.ErrTransportClosed)
	}

	timer := time.NewTimer(a.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		a.teardown(sess)
		a.failDisconnected(gen, sess)
		return ctx.Err()
	case <-timer.C:
		a.teardown(sess)
		a.failDisconnected(gen, sess)
		return fmt.Errorf("no online confirmation within %s: %w", a.cfg.ReadyTimeout, device.ErrConnectTimeout)
	}
}

// failDisconnected demotes a failed connect attempt to Disconnected unless a
// newer attempt has already moved the adapter on.
func (a *Adapter) failDisconnected(gen int, s brokerSession) {
	a.mu.Lock()
	if a.gen != gen || (s != nil && a.sess != nil && a.sess != s) {
		a.mu.Unlock()
		return
	}
	changed := a.status != device.StatusDisconnected
	a.status = device.StatusDisconnected
	a.mu.Unlock()
	if changed {
		a.publishStatus(device.StatusDisconnected)
	}
}

// Disconnect detaches from the broker and suppresses reconnects.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	a.closing = true
	s := a.sess
	a.sess = nil
	changed := a.status != device.StatusDisconnected
	a.status = device.StatusDisconnected
	a.mu.Unlock()
	if s != nil {
		s.Disconnect()
	}
	if changed {
		a.publishStatus(device.StatusDisconnected)
	}
	return nil
}

// SetStrength resolves the request into an absolute target bounded by the
// vendor range and channel limit, then publishes a strength command.
func (a *Adapter) SetStrength(ctx context.Context, ch device.Channel, mode device.StrengthMode, value int) error {
	if ch != device.ChannelA && ch != device.ChannelB {
		return fmt.Errorf("channel %q: %w", ch, device.ErrUnknownChannel)
	}
	a.mu.Lock()
	current := a.strengths[ch]
	limit := min(a.limits[ch], WireMaxStrength)
	a.mu.Unlock()

	target := absoluteTarget(mode, value, current, limit)
	return a.SendEvent(ctx, cmdStrength, map[string]any{
		"channel": string(ch),
		"value":   target,
	})
}

// SendWaveform resolves the waveform into frequency/strength pairs and
// publishes a single wave command covering the whole sequence.
func (a *Adapter) SendWaveform(ctx context.Context, ch device.Channel, w device.Waveform) error {
	if ch != device.ChannelA && ch != device.ChannelB {
		return fmt.Errorf("channel %q: %w", ch, device.ErrUnknownChannel)
	}
	samples, err := w.Resolve()
	if err != nil {
		return fmt.Errorf("resolve waveform: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}
	pairs := make([][2]int, len(samples))
	for i, s := range samples {
		f := s.Frequency
		if f < codec.MinFrequency {
			f = codec.MinFrequency
		}
		if f > codec.MaxFrequency {
			f = codec.MaxFrequency
		}
		pairs[i] = [2]int{f, device.ClampStrength(s.Strength, codec.MaxSampleStrength)}
	}
	return a.SendEvent(ctx, cmdWave, map[string]any{
		"channel":     string(ch),
		"samples":     pairs,
		"duration_ms": int64(len(samples)) * codec.SampleInterval.Milliseconds(),
	})
}

// ClearWaveform publishes a clear command for one channel.
func (a *Adapter) ClearWaveform(ctx context.Context, ch device.Channel) error {
	if ch != device.ChannelA && ch != device.ChannelB {
		return fmt.Errorf("channel %q: %w", ch, device.ErrUnknownChannel)
	}
	return a.SendEvent(ctx, cmdClear, map[string]any{"channel": string(ch)})
}

// SendEvent is the primitive every control surface funnels through: it wraps
// the payload in a command envelope and publishes it on the downlink topic.
func (a *Adapter) SendEvent(ctx context.Context, event string, payload map[string]any) error {
	if event == "" {
		return fmt.Errorf("event name required: %w", device.ErrConfig)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := a.ensureConnected()
	if err != nil {
		return err
	}
	if err := a.publish(s, event, payload); err != nil {
		return fmt.Errorf("publish %s: %w", event, device.ErrTransportClosed)
	}
	return nil
}

func (a *Adapter) ensureConnected() (brokerSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil || a.status != device.StatusConnected {
		return nil, fmt.Errorf("device %s: %w", a.cfg.DeviceID, device.ErrNotConnected)
	}
	return a.sess, nil
}

func (a *Adapter) publish(s brokerSession, cmd string, data map[string]any) error {
	msg := commandMessage{
		Cmd:   cmd,
		Token: a.cfg.Token,
		TS:    time.Now().UnixMilli(),
		Data:  data,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Publish(downTopic(a.cfg.UID), b)
}

func (a *Adapter) teardown(s brokerSession) {
	a.mu.Lock()
	if a.sess == s {
		a.sess = nil
	}
	a.mu.Unlock()
	s.Disconnect()
}

func (a *Adapter) handleMessage(_ string, payload []byte) {
	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		a.log.Warn("dropping unparseable uplink message", "error", err)
		return
	}
	a.mu.Lock()
	a.lastSeen = time.Now()
	a.mu.Unlock()

	switch msg.Cmd {
	case cmdOnline:
		a.markReady()
	case cmdStatus:
		a.applyStatus(msg.Data)
	case cmdBattery:
		percent, ok := intField(msg.Data, "percent")
		if !ok {
			a.log.Warn("battery message without percent")
			return
		}
		a.notify.Publish(device.Notification{
			Kind:     device.NotifyBattery,
			DeviceID: a.cfg.DeviceID,
			Vendor:   device.VendorYokonex,
			Payload:  map[string]any{"percent": percent},
		})
	case cmdKick:
		a.handleKick()
	default:
		a.log.Warn("dropping unrecognized command", "cmd", msg.Cmd)
	}
}

func (a *Adapter) markReady() {
	a.mu.Lock()
	if a.sess == nil {
		// An online report with no session to command is a leftover from a
		// torn-down attachment.
		a.mu.Unlock()
		return
	}
	ch, once := a.readyCh, a.readyOnce
	changed := a.status != device.StatusConnected
	a.status = device.StatusConnected
	a.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ch) })
	}
	if changed {
		a.log.Info("device online")
		a.publishStatus(device.StatusConnected)
	}
}

func (a *Adapter) applyStatus(data map[string]any) {
	a.mu.Lock()
	if v, ok := intField(data, "a"); ok {
		a.strengths[device.ChannelA] = v
	}
	if v, ok := intField(data, "b"); ok {
		a.strengths[device.ChannelB] = v
	}
	if v, ok := intField(data, "limit_a"); ok && v > 0 {
		a.limits[device.ChannelA] = min(a.cfg.StrengthLimitA, v)
	}
	if v, ok := intField(data, "limit_b"); ok && v > 0 {
		a.limits[device.ChannelB] = min(a.cfg.StrengthLimitB, v)
	}
	stA, stB := a.strengths[device.ChannelA], a.strengths[device.ChannelB]
	limA, limB := a.limits[device.ChannelA], a.limits[device.ChannelB]
	a.mu.Unlock()
	if stA >= 0 {
		a.publishStrength(device.ChannelA, stA, limA)
	}
	if stB >= 0 {
		a.publishStrength(device.ChannelB, stB, limB)
	}
}

// handleKick reacts to a forced sign-off: the session is invalid, so drop it
// and try one fresh sign-on.
func (a *Adapter) handleKick() {
	a.mu.Lock()
	if a.closing || a.sess == nil {
		a.mu.Unlock()
		return
	}
	s := a.sess
	a.sess = nil
	a.status = device.StatusDisconnected
	gen := a.gen
	a.mu.Unlock()

	a.log.Warn("kicked by remote")
	a.notify.Publish(device.Notification{
		Kind:     device.NotifyError,
		DeviceID: a.cfg.DeviceID,
		Vendor:   device.VendorYokonex,
		Message:  "kicked by remote",
		Err:      device.ErrRemote,
	})
	a.publishStatus(device.StatusDisconnected)
	go func() {
		s.Disconnect()
		a.reconnectOnce(gen)
	}()
}

// onTransportLost runs when a broker session drops involuntarily. Losses of
// sessions that have already been replaced are ignored.
func (a *Adapter) onTransportLost(s brokerSession, err error) {
	a.mu.Lock()
	if a.closing || a.sess == nil || a.sess != s {
		a.mu.Unlock()
		return
	}
	a.sess = nil
	a.status = device.StatusDisconnected
	gen := a.gen
	a.mu.Unlock()

	a.log.Warn("broker connection lost", "error", err)
	a.notify.Publish(device.Notification{
		Kind:     device.NotifyStatus,
		DeviceID: a.cfg.DeviceID,
		Vendor:   device.VendorYokonex,
		Status:   device.StatusDisconnected,
		Message:  "transport closed",
		Err:      device.ErrTransportClosed,
	})
	go a.reconnectOnce(gen)
}

// reconnectOnce makes a single fresh sign-on attempt, bounded by the
// lifetime attempt cap.
func (a *Adapter) reconnectOnce(gen int) {
	a.mu.Lock()
	if a.closing || a.gen != gen {
		a.mu.Unlock()
		return
	}
	if a.attempts >= a.cfg.MaxReconnects {
		a.mu.Unlock()
		// Give up quietly: the device stays disconnected until the next
		// explicit Connect.
		a.setStatus(device.StatusDisconnected)
		a.log.Warn("reconnect attempts exhausted", "attempts", a.cfg.MaxReconnects)
		return
	}
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	time.Sleep(a.cfg.ReconnectDelay)
	a.log.Info("reconnecting", "attempt", attempt, "max", a.cfg.MaxReconnects)
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReadyTimeout+15*time.Second)
	defer cancel()
	if err := a.establish(ctx, gen); err != nil {
		a.log.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
}

func absoluteTarget(mode device.StrengthMode, value, current, limit int) int {
	eff := device.EffectiveStrength(mode, value, current, limit)
	switch mode {
	case device.ModeIncrease:
		if current < 0 {
			return eff
		}
		return min(current+eff, limit)
	case device.ModeDecrease:
		if current < 0 {
			return 0
		}
		return max(current-eff, 0)
	default:
		return eff
	}
}

func intField(data map[string]any, key string) (int, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (a *Adapter) setStatus(st device.Status) {
	a.mu.Lock()
	if a.status == st {
		a.mu.Unlock()
		return
	}
	a.status = st
	a.mu.Unlock()
	a.publishStatus(st)
}

func (a *Adapter) publishStatus(st device.Status) {
	a.notify.Publish(device.Notification{
		Kind:     device.NotifyStatus,
		DeviceID: a.cfg.DeviceID,
		Vendor:   device.VendorYokonex,
		Status:   st,
	})
}

func (a *Adapter) publishStrength(ch device.Channel, strength, limit int) {
	a.notify.Publish(device.Notification{
		Kind:     device.NotifyStrength,
		DeviceID: a.cfg.DeviceID,
		Vendor:   device.VendorYokonex,
		Channel:  ch,
		Strength: strength,
		Limit:    limit,
	})
}
