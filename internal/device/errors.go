package device

import "errors"

// Sentinel errors shared by all adapters. Callers match them with
// errors.Is; adapters wrap them with vendor context via fmt.Errorf and %w.
var (
	// ErrConnectTimeout: the session could not be established within the
	// vendor's connect window.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrBindTimeout: the session was established but the counterpart app
	// did not bind within the wait window. Non-fatal; the session stays up.
	ErrBindTimeout = errors.New("bind wait timeout")
	// ErrTransportClosed: the underlying transport dropped mid-session.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNotConnected: an operation requires an established session.
	ErrNotConnected = errors.New("device not connected")
	// ErrProtocolParse: an inbound vendor payload could not be decoded.
	ErrProtocolParse = errors.New("malformed vendor payload")
	// ErrRemote: the vendor side reported an explicit error code.
	ErrRemote = errors.New("vendor reported error")
	// ErrConfig: adapter construction was handed missing or invalid
	// configuration.
	ErrConfig = errors.New("missing or invalid configuration")
	// ErrUnsupportedEvent: the vendor has no wire construct for the
	// requested named event.
	ErrUnsupportedEvent = errors.New("event not supported by vendor")
	// ErrUnknownDevice: no adapter is registered under the given id.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrUnknownChannel: the channel is not one of the device outputs.
	ErrUnknownChannel = errors.New("unknown channel")
)
