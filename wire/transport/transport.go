package transport

import "errors"

var (
	// ErrNotConnected is returned by operations that need a live peer
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("transport: closed")
)

// Handler receives transport events. Implementations call it from their own
// goroutines; the session serializes.
type Handler interface {
	OnBytesReceived(data []byte)
	OnConnectionStateChanged(connected bool)
	OnSizeNegotiated(maxPayloadBytes int)
}

// Transport moves raw bytes between the glasses and the phone. The session
// picks one implementation at startup and never branches on its kind.
type Transport interface {
	Name() string
	Bind(h Handler)
	StartAdvertising() error
	StopAdvertising() error
	// Send writes one encoded frame. It reports failure instead of panicking.
	Send(data []byte) bool
	// IsConnected reports what the underlying link believes right now,
	// independent of the session's own view.
	IsConnected() bool
	// Disconnect force-closes the current peer link
	Disconnect() error
	Close() error
}

// nopHandler swallows events until a session binds
type nopHandler struct{}

func (nopHandler) OnBytesReceived([]byte)        {}
func (nopHandler) OnConnectionStateChanged(bool) {}
func (nopHandler) OnSizeNegotiated(int)          {}
