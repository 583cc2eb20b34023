package transport

import "sync"

// Loopback is an in-memory transport. The daemon uses it for bench runs
// without radio hardware; tests drive the peer side through its control methods.
type Loopback struct {
	mu          sync.Mutex
	handler     Handler
	advertising bool
	advertised  int
	connected   bool
	reachable   bool
	failSends   bool
	closed      bool
	sent        [][]byte
	sentC       chan []byte
}

// NewLoopback creates a disconnected loopback transport
func NewLoopback() *Loopback {
	return &Loopback{
		handler: nopHandler{},
		sentC:   make(chan []byte, 256),
	}
}

func (l *Loopback) Name() string { return "loopback" }

func (l *Loopback) Bind(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		h = nopHandler{}
	}
	l.handler = h
}

func (l *Loopback) StartAdvertising() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.advertising = true
	l.advertised++
	return nil
}

func (l *Loopback) StopAdvertising() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advertising = false
	return nil
}

func (l *Loopback) Send(data []byte) bool {
	l.mu.Lock()
	if !l.connected || l.failSends {
		l.mu.Unlock()
		return false
	}
	cp := append([]byte(nil), data...)
	l.sent = append(l.sent, cp)
	l.mu.Unlock()

	select {
	case l.sentC <- cp:
	default:
	}
	return true
}

func (l *Loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && l.reachable
}

// Disconnect drops the link without notifying the handler. The caller is
// the session, which already knows.
func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.connected = false
	l.advertising = false
	return nil
}

// Peer-side controls

// Connect simulates a phone connecting
func (l *Loopback) Connect() {
	l.mu.Lock()
	l.connected = true
	l.reachable = true
	l.advertising = false
	h := l.handler
	l.mu.Unlock()
	h.OnConnectionStateChanged(true)
}

// Drop simulates the phone going away with a link-layer notification
func (l *Loopback) Drop() {
	l.mu.Lock()
	l.connected = false
	h := l.handler
	l.mu.Unlock()
	h.OnConnectionStateChanged(false)
}

// SetReachable toggles link-layer reachability without any notification,
// which is how a ghost connection looks from the session
func (l *Loopback) SetReachable(reachable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reachable = reachable
}

// SetSendFailure makes every Send fail
func (l *Loopback) SetSendFailure(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSends = fail
}

// Negotiate reports a negotiated payload size
func (l *Loopback) Negotiate(maxPayload int) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	h.OnSizeNegotiated(maxPayload)
}

// Deliver hands bytes to the session as if received from the phone
func (l *Loopback) Deliver(data []byte) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	h.OnBytesReceived(append([]byte(nil), data...))
}

// Sent returns a copy of every frame written so far
func (l *Loopback) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentC streams written frames
func (l *Loopback) SentC() <-chan []byte {
	return l.sentC
}

// Advertising reports whether StartAdvertising is in effect
func (l *Loopback) Advertising() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advertising
}

// AdvertiseCount counts StartAdvertising calls
func (l *Loopback) AdvertiseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advertised
}
