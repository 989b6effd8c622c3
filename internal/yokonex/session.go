package yokonex

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// brokerSession is the slice of the broker client the adapter needs, kept
// small so tests can substitute an in-memory implementation.
type brokerSession interface {
	Publish(topic string, payload []byte) error
	Disconnect()
}

// sessionDialer opens a broker session with signed-on credentials. Inbound
// uplink payloads go to onMessage; an involuntary connection loss is reported
// through onLost exactly once, carrying the session it happened to.
type sessionDialer func(ctx context.Context, cfg Config, creds credentials,
	onMessage func(topic string, payload []byte), onLost func(brokerSession, error)) (brokerSession, error)

type pahoSession struct {
	c mqtt.Client
}

func (p *pahoSession) Publish(topic string, payload []byte) error {
	tok := p.c.Publish(topic, 1, false, payload)
	tok.Wait()
	return tok.Error()
}

func (p *pahoSession) Disconnect() {
	p.c.Disconnect(250)
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tok.Done():
		return tok.Error()
	}
}

// dialPaho connects to the broker with the sign-on credentials as identity
// and subscribes to the account uplink topic. Reconnection is left to the
// adapter so the sign-on can be repeated with fresh credentials.
func dialPaho(ctx context.Context, cfg Config, creds credentials,
	onMessage func(topic string, payload []byte), onLost func(brokerSession, error)) (brokerSession, error) {

	// The lost handler can only fire after Connect, by which point the
	// session wrapper is fully populated.
	ps := &pahoSession{}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(creds.AppID).
		SetUsername(cfg.UID).
		SetPassword(creds.Signature).
		SetAutoReconnect(false).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(ps, err) })

	c := mqtt.NewClient(opts)
	ps.c = c
	if err := waitToken(ctx, c.Connect()); err != nil {
		c.Disconnect(0)
		return nil, fmt.Errorf("broker connect: %w", err)
	}
	handler := func(_ mqtt.Client, m mqtt.Message) { onMessage(m.Topic(), m.Payload()) }
	if err := waitToken(ctx, c.Subscribe(upTopic(cfg.UID), 1, handler)); err != nil {
		c.Disconnect(0)
		return nil, fmt.Errorf("subscribe %s: %w", upTopic(cfg.UID), err)
	}
	return ps, nil
}

var _ sessionDialer = dialPaho
