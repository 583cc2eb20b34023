package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/user/glasslink/link"
	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/router"
)

// Bus is the part of *nats.Conn the bridge needs
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Message is what local services receive for every envelope crossing the link
type Message struct {
	DeviceID  string                 `json:"device_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Direction string                 `json:"direction"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"ts"`
}

// StateEvent is published on every session transition
type StateEvent struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"ts"`
}

// Downlink is a message a local service wants delivered to the phone
type Downlink struct {
	DeviceID string                 `json:"device_id"`
	Type     string                 `json:"type"`
	Params   map[string]interface{} `json:"params"`
}

// Publisher mirrors link traffic onto NATS and accepts downlink messages.
//
// Subjects:
//
//	glasslink.uplink.<type>, glasslink.uplink.all   messages from the phone
//	glasslink.reply.<type>                          responses sent to the phone
//	glasslink.state                                 session transitions
//	glasslink.downlink.<device>                     local services -> phone
//	glasslink.inject.<device>                       local services -> router
type Publisher struct {
	bus      Bus
	deviceID string
	prefix   string

	mu        sync.Mutex
	sessionID string
	subs      []*nats.Subscription
}

func NewPublisher(bus Bus, deviceID string) *Publisher {
	return &Publisher{
		bus:      bus,
		deviceID: deviceID,
		prefix:   "bridge",
	}
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn(p.prefix, "Failed to marshal for %s: %v", subject, err)
		return
	}
	if err := p.bus.Publish(subject, data); err != nil {
		logger.Warn(p.prefix, "Publish %s: %v", subject, err)
		return
	}
	logger.Trace(p.prefix, "Published %s (%d bytes)", subject, len(data))
}

// Envelope publishes one routed envelope; register it with Router.OnEnvelope
func (p *Publisher) Envelope(dir router.Direction, env router.Envelope) {
	typ := env.Type()
	if typ == "" {
		typ = "untyped"
	}
	p.mu.Lock()
	sessionID := p.sessionID
	p.mu.Unlock()

	msg := Message{
		DeviceID:  p.deviceID,
		SessionID: sessionID,
		Direction: dir.String(),
		Type:      typ,
		Payload:   env,
		Timestamp: time.Now().UnixMilli(),
	}
	if dir == router.Inbound {
		p.publish("glasslink.uplink."+typ, msg)
		p.publish("glasslink.uplink.all", msg)
		return
	}
	p.publish("glasslink.reply."+typ, msg)
}

// StateChange publishes a session transition
func (p *Publisher) StateChange(sessionID string, c link.StateChange) {
	p.publish("glasslink.state", StateEvent{
		DeviceID:  p.deviceID,
		SessionID: sessionID,
		From:      c.From.String(),
		To:        c.To.String(),
		Reason:    c.Reason,
		Timestamp: c.At.UnixMilli(),
	})
}

// Track publishes the session's transitions
func (p *Publisher) Track(s *link.Session) {
	p.mu.Lock()
	p.sessionID = s.ID()
	p.mu.Unlock()
	s.OnStateChange(func(c link.StateChange) { p.StateChange(s.ID(), c) })
}

// ListenDownlink forwards downlink messages addressed to this device to send
func (p *Publisher) ListenDownlink(send func(v interface{}) error) error {
	subject := fmt.Sprintf("glasslink.downlink.%s", p.deviceID)
	return p.subscribe(subject, func(msg *nats.Msg) {
		env, ok := p.decode(msg)
		if !ok {
			return
		}
		if err := send(env); err != nil {
			logger.Warn(p.prefix, "Downlink %s not delivered: %v", env.Type(), err)
			return
		}
		logger.Debug(p.prefix, "Downlink %s delivered", env.Type())
	})
}

// ListenInject routes injected commands as if the phone had sent them
func (p *Publisher) ListenInject(route func(env router.Envelope)) error {
	subject := fmt.Sprintf("glasslink.inject.%s", p.deviceID)
	return p.subscribe(subject, func(msg *nats.Msg) {
		if env, ok := p.decode(msg); ok {
			route(env)
		}
	})
}

func (p *Publisher) decode(msg *nats.Msg) (router.Envelope, bool) {
	var dl Downlink
	if err := json.Unmarshal(msg.Data, &dl); err != nil {
		logger.Warn(p.prefix, "Failed to unmarshal %s: %v", msg.Subject, err)
		return nil, false
	}
	if dl.DeviceID != "" && dl.DeviceID != p.deviceID {
		logger.Debug(p.prefix, "Ignoring message for device %s", dl.DeviceID)
		return nil, false
	}
	if dl.Type == "" {
		logger.Warn(p.prefix, "Ignoring untyped message on %s", msg.Subject)
		return nil, false
	}

	env := router.Envelope{}
	for k, v := range dl.Params {
		env[k] = v
	}
	env["type"] = dl.Type
	return env, true
}

func (p *Publisher) subscribe(subject string, cb nats.MsgHandler) error {
	sub, err := p.bus.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", subject, err)
	}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	logger.Info(p.prefix, "Listening on %s", subject)
	return nil
}

// Close drops all subscriptions
func (p *Publisher) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}
