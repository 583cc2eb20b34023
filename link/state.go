package link

import (
	"errors"
	"time"

	"github.com/user/glasslink/wire/frame"
	"github.com/user/glasslink/wire/transport"
)

// State of a link session
type State int

const (
	Idle State = iota
	Advertising
	Connected
	Ready
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Advertising:
		return "advertising"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Linked reports whether a peer is attached
func (s State) Linked() bool {
	return s == Connected || s == Ready
}

var (
	// ErrConnectionLost fails requests outstanding when the link drops
	ErrConnectionLost = errors.New("link: connection lost")
	// ErrNotLinked is returned when sending without a peer
	ErrNotLinked = errors.New("link: no peer connected")
	// ErrSendFailed is returned when the transport rejects a frame
	ErrSendFailed = errors.New("link: send failed")
)

// StateChange is emitted on every transition
type StateChange struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Dispatcher consumes decoded inbound messages in arrival order
type Dispatcher interface {
	Dispatch(msg frame.ParseResult)
}

// DispatchFunc adapts a function to Dispatcher
type DispatchFunc func(msg frame.ParseResult)

func (f DispatchFunc) Dispatch(msg frame.ParseResult) { f(msg) }

// Config holds session timing and framing options
type Config struct {
	KeepAliveInterval  time.Duration
	ValidatorInterval  time.Duration
	HandshakeTimeout   time.Duration
	ReadvertiseDelay   time.Duration
	AdvertiseTimeout   time.Duration // 0 waits for a peer indefinitely
	MaxReadvertise     int
	KeepAliveMissLimit int
	RequestTimeout     time.Duration
	BufferCeiling      int
	DefaultPayloadSize int

	CommandType  byte
	WrapOutbound bool // send JSON inside {"C": ...} for K900 firmware peers

	EventLog       bool
	StatsSnapshots bool
}

// DefaultConfig returns the timings the glasses firmware runs with
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval:  time.Second,
		ValidatorInterval:  5 * time.Second,
		HandshakeTimeout:   2 * time.Second,
		ReadvertiseDelay:   500 * time.Millisecond,
		MaxReadvertise:     10,
		KeepAliveMissLimit: 3,
		RequestTimeout:     30 * time.Second,
		BufferCeiling:      frame.DefaultCeiling,
		DefaultPayloadSize: transport.DefaultPayloadSize,
		CommandType:        frame.CmdString,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.ValidatorInterval <= 0 {
		c.ValidatorInterval = d.ValidatorInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadvertiseDelay <= 0 {
		c.ReadvertiseDelay = d.ReadvertiseDelay
	}
	if c.MaxReadvertise <= 0 {
		c.MaxReadvertise = d.MaxReadvertise
	}
	if c.KeepAliveMissLimit <= 0 {
		c.KeepAliveMissLimit = d.KeepAliveMissLimit
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.BufferCeiling <= 0 {
		c.BufferCeiling = d.BufferCeiling
	}
	if c.DefaultPayloadSize <= 0 {
		c.DefaultPayloadSize = d.DefaultPayloadSize
	}
	if c.CommandType == 0 {
		c.CommandType = d.CommandType
	}
	return c
}
