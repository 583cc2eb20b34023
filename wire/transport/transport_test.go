package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/user/glasslink/reconnect"
)

func TestEffectivePayload(t *testing.T) {
	tests := []struct {
		mtu  int
		want int
	}{
		{0, 20},
		{23, 20},
		{185, 182},
		{512, 509},
		{1024, 509},
	}
	for _, tt := range tests {
		if got := EffectivePayload(tt.mtu); got != tt.want {
			t.Errorf("EffectivePayload(%d) = %d, want %d", tt.mtu, got, tt.want)
		}
	}
}

func TestChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 45)

	if !ShouldChunk(20, data) {
		t.Fatal("Expected 45 bytes to need chunking at 20")
	}

	chunks := Chunk(data, 20)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 20 || len(chunks[1]) != 20 || len(chunks[2]) != 5 {
		t.Errorf("Unexpected chunk sizes: %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if !bytes.Equal(bytes.Join(chunks, nil), data) {
		t.Error("Chunks do not reassemble to the original data")
	}

	if Chunk(nil, 20) != nil {
		t.Error("Expected nil for empty input")
	}
	if got := Chunk([]byte("abc"), 0); len(got) != 1 {
		t.Errorf("Expected default size to fit 3 bytes in one chunk, got %d", len(got))
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	received [][]byte
	states   []bool
	sizes    []int
	stateC   chan bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{stateC: make(chan bool, 8)}
}

func (h *recordingHandler) OnBytesReceived(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, data)
}

func (h *recordingHandler) OnConnectionStateChanged(connected bool) {
	h.mu.Lock()
	h.states = append(h.states, connected)
	h.mu.Unlock()
	h.stateC <- connected
}

func (h *recordingHandler) OnSizeNegotiated(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sizes = append(h.sizes, n)
}

func TestLoopback(t *testing.T) {
	l := NewLoopback()
	h := newRecordingHandler()
	l.Bind(h)

	if l.Send([]byte("x")) {
		t.Fatal("Send should fail while disconnected")
	}

	if err := l.StartAdvertising(); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}
	l.Connect()
	if l.Advertising() {
		t.Error("Connect should stop advertising")
	}
	if !l.IsConnected() {
		t.Fatal("Expected connected")
	}

	l.Negotiate(182)
	l.Deliver([]byte("hello"))
	if !l.Send([]byte("out")) {
		t.Fatal("Send failed while connected")
	}

	// Ghost: link layer gone, no event
	l.SetReachable(false)
	if l.IsConnected() {
		t.Error("Expected unreachable peer to report disconnected")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.received) != 1 || string(h.received[0]) != "hello" {
		t.Errorf("Unexpected received data: %q", h.received)
	}
	if len(h.sizes) != 1 || h.sizes[0] != 182 {
		t.Errorf("Unexpected sizes: %v", h.sizes)
	}
	if len(l.Sent()) != 1 {
		t.Errorf("Expected 1 sent frame, got %d", len(l.Sent()))
	}
}

// fakePort embeds the interface so only the methods under test need bodies
type fakePort struct {
	serial.Port
	r       *io.PipeReader
	w       *io.PipeWriter
	mu      sync.Mutex
	written bytes.Buffer
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.w.Close()
	return p.r.Close()
}

func TestSerialRetriesOpenThenConnects(t *testing.T) {
	s := NewSerial("/dev/null", 0, reconnect.Config{BaseDelay: 5 * time.Millisecond, MaxAttempts: 5})
	h := newRecordingHandler()
	s.Bind(h)

	port := newFakePort()
	var mu sync.Mutex
	opens := 0
	s.open = func(path string, mode *serial.Mode) (serial.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if mode.BaudRate != DefaultBaudRate {
			t.Errorf("Expected default baud rate, got %d", mode.BaudRate)
		}
		if opens < 3 {
			return nil, errors.New("device busy")
		}
		return port, nil
	}

	if err := s.StartAdvertising(); err == nil {
		t.Fatal("Expected first open to fail")
	}

	select {
	case connected := <-h.stateC:
		if !connected {
			t.Fatal("Expected a connect event")
		}
	case <-time.After(time.Second):
		t.Fatal("Serial never connected")
	}

	// Inbound bytes reach the handler
	go port.w.Write([]byte("##"))
	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		n := len(h.received)
		h.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("No bytes received")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !s.Send([]byte("frame")) {
		t.Fatal("Send failed")
	}
	port.mu.Lock()
	if port.written.String() != "frame" {
		t.Errorf("Unexpected written data %q", port.written.String())
	}
	port.mu.Unlock()

	// Port loss surfaces as a disconnect
	port.w.CloseWithError(errors.New("unplugged"))
	select {
	case connected := <-h.stateC:
		if connected {
			t.Fatal("Expected a disconnect event")
		}
	case <-time.After(time.Second):
		t.Fatal("Disconnect was never reported")
	}
	if s.Send([]byte("x")) {
		t.Error("Send should fail after port loss")
	}

	s.Close()
}
