package device

import (
	"context"
	"time"
)

// Adapter is the contract every vendor integration satisfies. Implementations
// are safe for concurrent use and report asynchronous changes through the
// notification channel handed to their constructor.
type Adapter interface {
	// ID returns the stable device identifier the adapter was built for.
	ID() string
	// Vendor reports which protocol family the adapter drives.
	Vendor() Vendor
	// Connect establishes the session. It blocks until the vendor-specific
	// readiness condition is met, the context is cancelled, or a timeout
	// fires.
	Connect(ctx context.Context) error
	// Disconnect tears the session down and stops reconnect attempts.
	Disconnect(ctx context.Context) error
	// Status returns the current lifecycle position.
	Status() Status
	// Snapshot returns the manager-side view of the device.
	Snapshot() Device
	// SetStrength applies a strength change to one channel. The value is
	// clamped into the vendor range and the configured channel limit
	// before transmission.
	SetStrength(ctx context.Context, ch Channel, mode StrengthMode, value int) error
	// SendWaveform streams a waveform to one channel.
	SendWaveform(ctx context.Context, ch Channel, w Waveform) error
	// ClearWaveform drops any queued waveform data for one channel.
	ClearWaveform(ctx context.Context, ch Channel) error
	// SendEvent sends a vendor-level named event. Vendors without a
	// matching wire construct return ErrUnsupportedEvent.
	SendEvent(ctx context.Context, event string, payload map[string]any) error
}

// NotificationKind classifies an asynchronous adapter report.
type NotificationKind string

const (
	NotifyStatus   NotificationKind = "status"
	NotifyStrength NotificationKind = "strength"
	NotifyFeedback NotificationKind = "feedback"
	NotifyBattery  NotificationKind = "battery"
	NotifyEvent    NotificationKind = "event"
	NotifyError    NotificationKind = "error"
)

// Notification is one asynchronous report from the hub: a lifecycle
// transition, a strength report, a hardware feedback press, a fired event,
// or a non-fatal error surfaced for observability.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	DeviceID string           `json:"device_id"`
	Vendor   Vendor           `json:"vendor,omitempty"`
	Status   Status           `json:"status,omitempty"`
	Channel  Channel          `json:"channel,omitempty"`
	Strength int              `json:"strength,omitempty"`
	Limit    int              `json:"limit,omitempty"`
	Button   int              `json:"button,omitempty"`
	Message  string           `json:"message,omitempty"`
	Payload  map[string]any   `json:"payload,omitempty"`
	At       time.Time        `json:"at"`
	Err      error            `json:"-"`
}

// Notifier delivers notifications without ever blocking an adapter's read
// loop: if the sink is full the notification is dropped.
type Notifier struct {
	sink chan<- Notification
}

// NewNotifier wraps a notification sink. A nil channel yields a notifier
// that discards everything, which keeps adapters testable in isolation.
func NewNotifier(sink chan<- Notification) *Notifier {
	return &Notifier{sink: sink}
}

// Publish stamps and delivers a notification, dropping it if the sink is
// full or absent.
func (n *Notifier) Publish(note Notification) {
	if n == nil || n.sink == nil {
		return
	}
	if note.At.IsZero() {
		note.At = time.Now()
	}
	select {
	case n.sink <- note:
	default:
	}
}
