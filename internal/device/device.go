// Package device holds the vendor-neutral model shared by every adapter:
// device identity, channels, strength semantics, actions and the adapter
// contract itself.
package device

import (
	"time"

	"stim-hub/internal/codec"
)

// Vendor identifies which protocol family a device speaks.
type Vendor string

const (
	// VendorDGLab is the connection-oriented vendor driven over a
	// persistent bidirectional socket.
	VendorDGLab Vendor = "dglab"
	// VendorYokonex is the message-oriented vendor driven through a
	// sign-on exchange plus an asynchronous messaging channel.
	VendorYokonex Vendor = "yokonex"
)

// Channel is one of the two independent stimulation outputs per device.
type Channel string

const (
	ChannelA Channel = "A"
	ChannelB Channel = "B"
)

// Channels lists both outputs in a stable order.
func Channels() []Channel { return []Channel{ChannelA, ChannelB} }

// Status is the connection lifecycle position of a device session.
type Status string

const (
	StatusDisconnected    Status = "disconnected"
	StatusConnecting      Status = "connecting"
	StatusAwaitingSession Status = "awaiting_session"
	StatusAwaitingBind    Status = "awaiting_bind"
	StatusAwaitingSignOn  Status = "awaiting_signon"
	StatusConnected       Status = "connected"
)

// StrengthMode selects how a strength value is applied. The numeric values
// match the connection-oriented vendor's wire codes.
type StrengthMode int

const (
	ModeDecrease StrengthMode = 0
	ModeIncrease StrengthMode = 1
	ModeSet      StrengthMode = 2
)

func (m StrengthMode) String() string {
	switch m {
	case ModeDecrease:
		return "decrease"
	case ModeIncrease:
		return "increase"
	case ModeSet:
		return "set"
	default:
		return "unknown"
	}
}

// ChannelState is the last known strength and the configured ceiling of one
// output channel.
type ChannelState struct {
	Strength int `json:"strength"`
	Limit    int `json:"limit"`
}

// Device is the manager-side view of one piece of hardware.
type Device struct {
	ID       string                   `json:"id"`
	Name     string                   `json:"name"`
	Vendor   Vendor                   `json:"vendor"`
	Status   Status                   `json:"status"`
	Channels map[Channel]ChannelState `json:"channels"`
	LastSeen time.Time                `json:"last_seen"`
}

// Waveform names either a preset or an explicit sample sequence. When Preset
// is set it is instantiated over Duration; otherwise Samples is sent as-is.
type Waveform struct {
	Preset   string         `json:"preset,omitempty"`
	Samples  []codec.Sample `json:"samples,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

// Resolve turns the waveform into concrete samples.
func (w Waveform) Resolve() ([]codec.Sample, error) {
	if w.Preset != "" {
		return codec.Instantiate(w.Preset, w.Duration)
	}
	return w.Samples, nil
}

// ActionKind selects the effect of a device action.
type ActionKind string

const (
	ActionStrength ActionKind = "strength"
	ActionWaveform ActionKind = "waveform"
	ActionCustom   ActionKind = "custom"
)

// Action is the atomic unit of effect an event trigger produces. An empty
// DeviceID targets every currently connected device. Actions are treated as
// immutable once constructed.
type Action struct {
	Kind     ActionKind     `json:"kind"`
	DeviceID string         `json:"device_id,omitempty"`
	Channel  Channel        `json:"channel"`
	Mode     StrengthMode   `json:"mode,omitempty"`
	Value    int            `json:"value,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Waveform Waveform       `json:"waveform,omitempty"`
	Event    string         `json:"event,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ClampStrength bounds a requested strength into [0, limit].
func ClampStrength(value, limit int) int {
	if value < 0 {
		return 0
	}
	if value > limit {
		return limit
	}
	return value
}

// EffectiveStrength converts a mode-relative request into the value actually
// put on the wire so the delivered strength can never exceed the channel
// limit. current is the last reported strength; pass a negative current when
// no report has arrived yet and the raw value is clamped instead.
func EffectiveStrength(mode StrengthMode, value, current, limit int) int {
	if value < 0 {
		value = 0
	}
	switch mode {
	case ModeIncrease:
		if current >= 0 {
			headroom := limit - current
			if headroom < 0 {
				headroom = 0
			}
			if value > headroom {
				value = headroom
			}
			return value
		}
		return ClampStrength(value, limit)
	case ModeDecrease:
		if current >= 0 && value > current {
			value = current
		}
		return ClampStrength(value, limit)
	default:
		return ClampStrength(value, limit)
	}
}
