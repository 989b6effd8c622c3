package dglab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stim-hub/internal/codec"
	"stim-hub/internal/device"
)

const writeWait = 10 * time.Second

// Config carries everything needed to drive one connection-oriented device.
type Config struct {
	DeviceID string
	Name     string
	// URL is the hub's socket endpoint.
	URL string
	// StrengthLimitA/B cap deliverable strength per channel. Values above
	// the vendor ceiling are reduced to it.
	StrengthLimitA int
	StrengthLimitB int
	// ConnectTimeout bounds dialing plus session id assignment.
	ConnectTimeout time.Duration
	// WaitForBind makes Connect block until the app binds, up to
	// BindTimeout. A bind timeout is reported but does not fail Connect.
	WaitForBind bool
	BindTimeout time.Duration

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxReconnects     int
	// BatchDelay is the pause between consecutive waveform batches.
	BatchDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.StrengthLimitA <= 0 || c.StrengthLimitA > WireMaxStrength {
		c.StrengthLimitA = WireMaxStrength
	}
	if c.StrengthLimitB <= 0 || c.StrengthLimitB > WireMaxStrength {
		c.StrengthLimitB = WireMaxStrength
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 50 * time.Millisecond
	}
}

// session is one established socket. Every reconnect replaces the whole
// session so stale read loops can never touch fresh state.
type session struct {
	conn     *websocket.Conn
	assigned chan string
	bound    chan struct{}
	closed   chan struct{}
	bindOnce sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:     conn,
		assigned: make(chan string, 1),
		bound:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Adapter drives one device through the hub's bind/msg frame protocol.
type Adapter struct {
	cfg    Config
	log    *slog.Logger
	notify *device.Notifier

	mu        sync.Mutex
	sess      *session
	status    device.Status
	clientID  string
	targetID  string
	strengths map[device.Channel]int
	limits    map[device.Channel]int
	lastSeen  time.Time
	closing   bool
	attempts  int

	// gen counts manual Connect calls; a stale generation tells a sleeping
	// reconnect loop it has been superseded.
	gen int

	writeMu sync.Mutex
}

var _ device.Adapter = (*Adapter)(nil)

// New validates the config and builds a disconnected adapter. Notifications
// are delivered to notify; a nil channel disables them.
func New(cfg Config, notify chan<- device.Notification, log *slog.Logger) (*Adapter, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id required: %w", device.ErrConfig)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("socket url required: %w", device.ErrConfig)
	}
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		log:    log.With("vendor", device.VendorDGLab, "device", cfg.DeviceID),
		notify: device.NewNotifier(notify),
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
func (a *Adapter) Vendor() device.Vendor { return device.VendorDGLab }

func (a *Adapter) Status() device.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SessionID returns the hub-assigned client id of the current session.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientID
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
		Vendor:   device.VendorDGLab,
		Status:   a.status,
		Channels: chans,
		LastSeen: a.lastSeen,
	}
}

// Connect dials the hub and waits for a session id, then optionally for the
// app to bind. A missed bind window is reported through the notification
// channel but still counts as success because the app may bind later.
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
	return a.establish(ctx, gen, a.cfg.WaitForBind)
}

func (a *Adapter) establish(ctx context.Context, gen int, waitBind bool) error {
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
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.URL, nil)
	if err != nil {
		a.setStatus(device.StatusDisconnected)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("dial %s: %w", a.cfg.URL, device.ErrConnectTimeout)
		}
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}

	s := newSession(conn)
	a.mu.Lock()
	if a.closing || a.gen != gen {
		a.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("superseded by a newer connect: %w", device.ErrNotConnected)
	}
	a.sess = s
	a.clientID = ""
	a.targetID = ""
	a.mu.Unlock()
	a.setStatus(device.StatusAwaitingSession)
	go a.readLoop(s)

	select {
	case id := <-s.assigned:
		a.mu.Lock()
		if a.sess != s {
			// The socket died with the id already queued; the teardown has
			// run and this attempt must count as failed.
			a.mu.Unlock()
			return fmt.Errorf("session lost before id assignment: %w", device.ErrTransportClosed)
		}
		a.clientID = id
		a.attempts = 0
		a.mu.Unlock()
		a.setStatus(device.StatusAwaitingBind)
		a.log.Info("session established", "session", id)
	case <-s.closed:
		a.setStatus(device.StatusDisconnected)
		return fmt.Errorf("session lost before id assignment: %w", device.ErrTransportClosed)
	case <-dialCtx.Done():
		_ = conn.Close()
		a.setStatus(device.StatusDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("no session id within %s: %w", a.cfg.ConnectTimeout, device.ErrConnectTimeout)
	}

	go a.heartbeatLoop(s)

	if !waitBind {
		return nil
	}
	bindCtx, cancelBind := context.WithTimeout(ctx, a.cfg.BindTimeout)
	defer cancelBind()
	select {
	case <-s.bound:
		return nil
	case <-s.closed:
		a.setStatus(device.StatusDisconnected)
		return fmt.Errorf("session lost while awaiting bind: %w", device.ErrTransportClosed)
	case <-bindCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Session stays up; the app can still bind at any time.
		a.log.Warn("no bind within wait window", "timeout", a.cfg.BindTimeout)
		a.notify.Publish(device.Notification{
			Kind:     device.NotifyError,
			DeviceID: a.cfg.DeviceID,
			Vendor:   device.VendorDGLab,
			Message:  "bind wait window elapsed",
			Err:      device.ErrBindTimeout,
		})
		return nil
	}
}

// Disconnect closes the session and suppresses reconnects.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	s := a.sess
	a.sess = nil
	a.clientID = ""
	a.targetID = ""
	changed := a.status != device.StatusDisconnected
	a.status = device.StatusDisconnected
	a.mu.Unlock()

	if s != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
		select {
		case <-s.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if changed {
		a.publishStatus(device.StatusDisconnected)
	}
	return nil
}

// SetStrength clamps the request into the vendor range and the channel limit,
// then sends a strength command. Relative modes are bounded by the last
// reported strength so the result can never exceed the limit.
func (a *Adapter) SetStrength(ctx context.Context, ch device.Channel, mode device.StrengthMode, value int) error {
	s, err := a.currentSession()
	if err != nil {
		return err
	}
	a.mu.Lock()
	limit := min(a.limits[ch], WireMaxStrength)
	current := a.strengths[ch]
	a.mu.Unlock()

	effective := device.EffectiveStrength(mode, value, current, limit)
	cmd, err := strengthCommand(ch, mode, effective)
	if err != nil {
		return err
	}
	return a.command(ctx, s, cmd)
}

// SendWaveform resolves the waveform and streams it in capped batches with a
// short pause between batches so the app's queue is never flooded.
func (a *Adapter) SendWaveform(ctx context.Context, ch device.Channel, w device.Waveform) error {
	s, err := a.currentSession()
	if err != nil {
		return err
	}
	samples, err := w.Resolve()
	if err != nil {
		return fmt.Errorf("resolve waveform: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}
	units, err := codec.EncodeSamples(samples)
	if err != nil {
		return fmt.Errorf("encode waveform: %w", err)
	}
	for start := 0; start < len(units); start += MaxPulseUnits {
		end := min(start+MaxPulseUnits, len(units))
		cmd, err := pulseCommand(ch, units[start:end])
		if err != nil {
			return err
		}
		if err := a.command(ctx, s, cmd); err != nil {
			return err
		}
		if end < len(units) {
			select {
			case <-time.After(a.cfg.BatchDelay):
			case <-s.closed:
				return fmt.Errorf("session lost mid-waveform: %w", device.ErrTransportClosed)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// ClearWaveform drops the app-side waveform queue for one channel.
func (a *Adapter) ClearWaveform(ctx context.Context, ch device.Channel) error {
	s, err := a.currentSession()
	if err != nil {
		return err
	}
	cmd, err := clearCommand(ch)
	if err != nil {
		return err
	}
	return a.command(ctx, s, cmd)
}

// SendEvent supports only the raw "msg" event, which sends an arbitrary data
// payload to the bound app. This vendor has no other named-event construct.
func (a *Adapter) SendEvent(ctx context.Context, event string, payload map[string]any) error {
	if event != "msg" {
		return fmt.Errorf("event %q: %w", event, device.ErrUnsupportedEvent)
	}
	raw, _ := payload["message"].(string)
	if raw == "" {
		return fmt.Errorf("msg event requires a message payload: %w", device.ErrConfig)
	}
	if len(raw) > MaxMessageLen {
		return fmt.Errorf("message of %d bytes exceeds %d", len(raw), MaxMessageLen)
	}
	s, err := a.currentSession()
	if err != nil {
		return err
	}
	return a.command(ctx, s, raw)
}

func (a *Adapter) currentSession() (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil || a.status != device.StatusConnected {
		return nil, fmt.Errorf("device %s: %w", a.cfg.DeviceID, device.ErrNotConnected)
	}
	return a.sess, nil
}

func (a *Adapter) command(ctx context.Context, s *session, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	cid, tid := a.clientID, a.targetID
	a.mu.Unlock()
	msg := Message{Type: TypeMsg, ClientID: cid, TargetID: tid, Message: payload}
	if err := a.write(s, msg); err != nil {
		return fmt.Errorf("send command: %w", device.ErrTransportClosed)
	}
	return nil
}

func (a *Adapter) write(s *session, msg Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (a *Adapter) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			a.log.Debug("socket read ended", "error", err)
			break
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Warn("dropping unparseable frame", "error", err)
			continue
		}
		a.handle(s, msg)
	}
	close(s.closed)
	a.sessionLost(s)
}

func (a *Adapter) handle(s *session, msg Message) {
	a.mu.Lock()
	a.lastSeen = time.Now()
	a.mu.Unlock()

	switch msg.Type {
	case TypeBind:
		a.handleBind(s, msg)
	case TypeMsg:
		a.handleData(msg.Message)
	case TypeHeartbeat:
		// hub liveness probe, nothing to do
	case TypeBreak:
		a.handleBreak(msg)
	case TypeError:
		a.log.Warn("hub reported error", "code", msg.Message)
		a.notify.Publish(device.Notification{
			Kind:     device.NotifyError,
			DeviceID: a.cfg.DeviceID,
			Vendor:   device.VendorDGLab,
			Message:  "hub error " + msg.Message,
			Err:      device.ErrRemote,
		})
	default:
		a.log.Warn("dropping frame of unknown type", "type", msg.Type)
	}
}

func (a *Adapter) handleBind(s *session, msg Message) {
	if msg.Message == SessionAssignSentinel {
		select {
		case s.assigned <- msg.ClientID:
		default:
		}
		return
	}
	if msg.Message == CodeOK {
		a.mu.Lock()
		a.targetID = msg.TargetID
		a.status = device.StatusConnected
		a.mu.Unlock()
		s.bindOnce.Do(func() { close(s.bound) })
		a.log.Info("app bound", "target", msg.TargetID)
		a.publishStatus(device.StatusConnected)
		return
	}
	a.log.Warn("bind rejected", "code", msg.Message)
	a.notify.Publish(device.Notification{
		Kind:     device.NotifyError,
		DeviceID: a.cfg.DeviceID,
		Vendor:   device.VendorDGLab,
		Message:  "bind rejected with code " + msg.Message,
		Err:      device.ErrRemote,
	})
}

func (a *Adapter) handleBreak(msg Message) {
	a.mu.Lock()
	a.targetID = ""
	changed := a.status != device.StatusAwaitingBind
	a.status = device.StatusAwaitingBind
	a.mu.Unlock()
	a.log.Info("app side left, awaiting rebind", "code", msg.Message)
	if changed {
		a.publishStatus(device.StatusAwaitingBind)
	}
}

func (a *Adapter) handleData(payload string) {
	if rep, ok := parseStrengthReport(payload); ok {
		a.mu.Lock()
		a.strengths[device.ChannelA] = rep.A
		a.strengths[device.ChannelB] = rep.B
		if rep.LimitA > 0 {
			a.limits[device.ChannelA] = min(a.cfg.StrengthLimitA, rep.LimitA)
		}
		if rep.LimitB > 0 {
			a.limits[device.ChannelB] = min(a.cfg.StrengthLimitB, rep.LimitB)
		}
		limA, limB := a.limits[device.ChannelA], a.limits[device.ChannelB]
		a.mu.Unlock()
		a.publishStrength(device.ChannelA, rep.A, limA)
		a.publishStrength(device.ChannelB, rep.B, limB)
		return
	}
	if btn, ch, ok := parseFeedback(payload); ok {
		a.notify.Publish(device.Notification{
			Kind:     device.NotifyFeedback,
			DeviceID: a.cfg.DeviceID,
			Vendor:   device.VendorDGLab,
			Channel:  ch,
			Button:   btn,
		})
		return
	}
	a.log.Warn("dropping unrecognized data payload", "payload", payload)
}

func (a *Adapter) heartbeatLoop(s *session) {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			a.mu.Lock()
			cur := a.sess
			cid, tid := a.clientID, a.targetID
			a.mu.Unlock()
			if cur != s {
				return
			}
			msg := Message{Type: TypeHeartbeat, ClientID: cid, TargetID: tid, Message: CodeOK}
			if err := a.write(s, msg); err != nil {
				a.log.Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

// sessionLost runs when a read loop exits. Losing a session that had
// reached id assignment starts the reconnect loop; a session that never got
// that far was a failed connect attempt whose caller already sees the error,
// so no loop is started for it (the reconnect loop's own attempts report
// their deaths back through here too).
func (a *Adapter) sessionLost(s *session) {
	a.mu.Lock()
	if a.sess != s || a.closing {
		a.mu.Unlock()
		return
	}
	established := a.clientID != ""
	a.sess = nil
	a.clientID = ""
	a.targetID = ""
	a.status = device.StatusDisconnected
	gen := a.gen
	a.mu.Unlock()
	a.log.Warn("session lost")
	a.notify.Publish(device.Notification{
		Kind:     device.NotifyStatus,
		DeviceID: a.cfg.DeviceID,
		Vendor:   device.VendorDGLab,
		Status:   device.StatusDisconnected,
		Message:  "transport closed",
		Err:      device.ErrTransportClosed,
	})
	if established {
		go a.reconnectLoop(gen)
	}
}

// reconnectLoop retries establish at a fixed interval until one attempt
// succeeds, the attempt ceiling is hit, or a newer Connect takes over.
func (a *Adapter) reconnectLoop(gen int) {
	for {
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
		// Reconnects never wait for bind; the app re-binds on its own time.
		if err := a.establish(context.Background(), gen, false); err != nil {
			a.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
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
		Vendor:   device.VendorDGLab,
		Status:   st,
	})
}

func (a *Adapter) publishStrength(ch device.Channel, strength, limit int) {
	a.notify.Publish(device.Notification{
		Kind:     device.NotifyStrength,
		DeviceID: a.cfg.DeviceID,
		Vendor:   device.VendorDGLab,
		Channel:  ch,
		Strength: strength,
		Limit:    limit,
	})
}
