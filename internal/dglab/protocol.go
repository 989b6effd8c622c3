// Package dglab drives connection-oriented devices over a persistent
// bidirectional socket. The adapter holds one JSON-framed session per device,
// relayed to the controlling app by a hub that pairs the two ends.
package dglab

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"stim-hub/internal/device"
)

// Frame types carried in Message.Type.
const (
	TypeBind      = "bind"
	TypeMsg       = "msg"
	TypeHeartbeat = "heartbeat"
	TypeBreak     = "break"
	TypeError     = "error"
)

// Status codes carried in Message.Message.
const (
	CodeOK               = "200"
	CodePeerGone         = "209"
	CodeAlreadyBound     = "400"
	CodeTargetMissing    = "401"
	CodeNotBoundPair     = "402"
	CodeNotJSON          = "403"
	CodeRecipientOffline = "404"
	CodeMessageTooLong   = "405"
	CodeServerError      = "500"
)

// SessionAssignSentinel marks the bind frame that announces the session id:
// the hub puts this literal in Message and the assigned id in ClientID.
const SessionAssignSentinel = "targetId"

const (
	// WireMaxStrength is the vendor's strength ceiling per channel.
	WireMaxStrength = 200
	// MaxPulseUnits is the largest number of waveform units one pulse
	// command may carry.
	MaxPulseUnits = 100
	// MaxMessageLen is the hub's cap on Message payload length.
	MaxMessageLen = 1950
)

// Message is the single frame shape used in both directions.
type Message struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
}

func channelCode(ch device.Channel) (int, error) {
	switch ch {
	case device.ChannelA:
		return 1, nil
	case device.ChannelB:
		return 2, nil
	default:
		return 0, fmt.Errorf("channel %q: %w", ch, device.ErrUnknownChannel)
	}
}

// strengthCommand renders a strength change for the wire:
// strength-<channel>+<mode>+<value>.
func strengthCommand(ch device.Channel, mode device.StrengthMode, value int) (string, error) {
	code, err := channelCode(ch)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("strength-%d+%d+%d", code, int(mode), value), nil
}

// pulseCommand renders one waveform batch for the wire:
// pulse-<A|B>:["<16 hex>",...].
func pulseCommand(ch device.Channel, units []string) (string, error) {
	if ch != device.ChannelA && ch != device.ChannelB {
		return "", fmt.Errorf("channel %q: %w", ch, device.ErrUnknownChannel)
	}
	if len(units) > MaxPulseUnits {
		return "", fmt.Errorf("pulse batch of %d units exceeds %d", len(units), MaxPulseUnits)
	}
	payload, err := json.Marshal(units)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pulse-%s:%s", ch, payload), nil
}

// clearCommand renders a queue drop for the wire: clear-<1|2>.
func clearCommand(ch device.Channel) (string, error) {
	code, err := channelCode(ch)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("clear-%d", code), nil
}

// strengthReport is the app's periodic strength echo:
// strength-<a>+<b>+<limitA>+<limitB>.
type strengthReport struct {
	A, B           int
	LimitA, LimitB int
}

func parseStrengthReport(msg string) (strengthReport, bool) {
	rest, ok := strings.CutPrefix(msg, "strength-")
	if !ok {
		return strengthReport{}, false
	}
	parts := strings.Split(rest, "+")
	if len(parts) != 4 {
		return strengthReport{}, false
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return strengthReport{}, false
		}
		vals[i] = v
	}
	return strengthReport{A: vals[0], B: vals[1], LimitA: vals[2], LimitB: vals[3]}, true
}

// parseFeedback decodes a hardware button press: feedback-<0..9>.
// Buttons 0-4 belong to channel A, 5-9 to channel B.
func parseFeedback(msg string) (button int, ch device.Channel, ok bool) {
	rest, found := strings.CutPrefix(msg, "feedback-")
	if !found {
		return 0, "", false
	}
	v, err := strconv.Atoi(rest)
	if err != nil || v < 0 || v > 9 {
		return 0, "", false
	}
	if v <= 4 {
		return v, device.ChannelA, true
	}
	return v, device.ChannelB, true
}
