// Package yokonex drives message-oriented devices. A short HTTP sign-on
// exchange yields broker credentials, after which every control surface is a
// named command message published to the account's downlink topic.
package yokonex

// WireMaxStrength is the vendor's strength ceiling per channel.
const WireMaxStrength = 100

// Command names shared by both directions.
const (
	cmdHello    = "hello"
	cmdOnline   = "online"
	cmdStrength = "strength"
	cmdWave     = "wave"
	cmdClear    = "clear"
	cmdKick     = "kick"
	cmdStatus   = "status"
	cmdBattery  = "battery"
)

// commandMessage is the envelope every command travels in.
type commandMessage struct {
	Cmd   string         `json:"cmd"`
	Token string         `json:"token"`
	TS    int64          `json:"ts"`
	Data  map[string]any `json:"data,omitempty"`
}

func downTopic(uid string) string { return "yokonex/" + uid + "/down" }
func upTopic(uid string) string   { return "yokonex/" + uid + "/up" }
