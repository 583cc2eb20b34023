package tpa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/glasslink/pending"
	"github.com/user/glasslink/reconnect"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// cloud is a fake TPA endpoint: it acks the init, then hands each
// connection to the test and forwards whatever the client sends.
type cloud struct {
	srv      *httptest.Server
	inits    chan map[string]interface{}
	conns    chan *websocket.Conn
	received chan map[string]interface{}
	reject   string
	refuse   atomic.Bool
	accepted atomic.Int32
}

func newCloud(t *testing.T) *cloud {
	t.Helper()
	c := &cloud{
		inits:    make(chan map[string]interface{}, 16),
		conns:    make(chan *websocket.Conn, 16),
		received: make(chan map[string]interface{}, 16),
	}
	c.srv = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *cloud) url() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http")
}

func (c *cloud) serve(w http.ResponseWriter, r *http.Request) {
	if c.refuse.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var hello map[string]interface{}
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	c.inits <- hello

	if c.reject != "" {
		conn.WriteJSON(map[string]interface{}{"type": TypeConnectionError, "message": c.reject})
		return
	}
	conn.WriteJSON(map[string]interface{}{"type": TypeConnectionAck})
	c.accepted.Add(1)
	c.conns <- conn

	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		c.received <- msg
	}
}

func (c *cloud) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-c.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

func (c *cloud) nextMessage(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case msg := <-c.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
		return nil
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.PackageName = "com.example.camera"
	cfg.APIKey = "secret"
	cfg.ConnectTimeout = 2 * time.Second
	cfg.Reconnect = reconnect.Config{BaseDelay: 10 * time.Millisecond, MaxAttempts: 3}
	return cfg
}

func connect(t *testing.T, c *cloud, cfg Config) *Session {
	t.Helper()
	s := New(cfg)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func disconnects(s *Session) chan DisconnectInfo {
	c := make(chan DisconnectInfo, 16)
	s.OnDisconnect(func(info DisconnectInfo) { c <- info })
	return c
}

func nextDisconnect(t *testing.T, c chan DisconnectInfo) DisconnectInfo {
	t.Helper()
	select {
	case info := <-c:
		return info
	case <-time.After(2 * time.Second):
		t.Fatalf("no disconnect reported")
		return DisconnectInfo{}
	}
}

func TestConnectSendsInit(t *testing.T) {
	c := newCloud(t)
	cfg := testConfig(c.url())
	cfg.SessionID = "sess-1"
	s := connect(t, c, cfg)

	hello := <-c.inits
	if hello["type"] != TypeConnectionInit || hello["packageName"] != "com.example.camera" ||
		hello["sessionId"] != "sess-1" || hello["apiKey"] != "secret" {
		t.Errorf("unexpected init %v", hello)
	}
	if !s.Connected() {
		t.Errorf("expected connected after ack")
	}
}

func TestConnectRejected(t *testing.T) {
	c := newCloud(t)
	c.reject = "invalid api key"

	s := New(testConfig(c.url()))
	err := s.Connect(context.Background())
	if !errors.Is(err, ErrConnectionRejected) {
		t.Fatalf("expected ErrConnectionRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("error should carry the cloud message: %v", err)
	}
	if s.Connected() {
		t.Errorf("rejected session should not be connected")
	}
}

func TestRequestPhoto(t *testing.T) {
	c := newCloud(t)
	s := connect(t, c, testConfig(c.url()))
	conn := c.nextConn(t)

	go func() {
		msg := <-c.received
		conn.WriteJSON(map[string]interface{}{
			"type":      TypePhotoResponse,
			"requestId": msg["requestId"],
			"photoUrl":  "https://cdn.example.com/p.jpg",
			"mimeType":  "image/jpeg",
		})
	}()

	result, err := s.RequestPhoto(context.Background(), PhotoRequest{SaveToGallery: true})
	if err != nil {
		t.Fatalf("RequestPhoto: %v", err)
	}
	if result.PhotoURL != "https://cdn.example.com/p.jpg" || result.RequestID == "" {
		t.Errorf("unexpected result %+v", result)
	}
	if s.Requests().Len() != 0 {
		t.Errorf("request should be settled")
	}
}

func TestRequestPhotoFailure(t *testing.T) {
	c := newCloud(t)
	s := connect(t, c, testConfig(c.url()))
	conn := c.nextConn(t)

	go func() {
		msg := <-c.received
		if msg["type"] != TypePhotoRequest || msg["saveToGallery"] != false {
			t.Errorf("unexpected request %v", msg)
		}
		conn.WriteJSON(map[string]interface{}{
			"type":      TypePhotoResponse,
			"requestId": msg["requestId"],
			"success":   false,
			"error":     "camera busy",
		})
	}()

	_, err := s.RequestPhoto(context.Background(), PhotoRequest{})
	if !errors.Is(err, ErrPhotoFailed) {
		t.Errorf("expected ErrPhotoFailed, got %v", err)
	}
}

func TestRequestPhotoTimeout(t *testing.T) {
	c := newCloud(t)
	cfg := testConfig(c.url())
	cfg.PhotoTimeout = 50 * time.Millisecond
	s := connect(t, c, cfg)

	_, err := s.RequestPhoto(context.Background(), PhotoRequest{})
	if !errors.Is(err, pending.ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
	c.nextMessage(t)
}

func TestRequestPhotoNotConnected(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:1"))
	if _, err := s.RequestPhoto(context.Background(), PhotoRequest{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if s.Requests().Len() != 0 {
		t.Errorf("failed send should not leave a pending request")
	}
}

func TestOnHandler(t *testing.T) {
	c := newCloud(t)
	s := New(testConfig(c.url()))
	got := make(chan string, 1)
	s.On("transcription", func(raw json.RawMessage) {
		var body struct {
			Text string `json:"text"`
		}
		json.Unmarshal(raw, &body)
		got <- body.Text
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	c.nextConn(t).WriteJSON(map[string]interface{}{"type": "transcription", "text": "hello"})
	select {
	case text := <-got:
		if text != "hello" {
			t.Errorf("expected hello, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	c := newCloud(t)
	s := connect(t, c, testConfig(c.url()))
	events := disconnects(s)

	conn := c.nextConn(t)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

	info := nextDisconnect(t, events)
	if !info.WasClean || info.Code != websocket.CloseNormalClosure || info.Permanent {
		t.Errorf("unexpected disconnect %+v", info)
	}

	time.Sleep(100 * time.Millisecond)
	if n := c.accepted.Load(); n != 1 {
		t.Errorf("clean close should not reconnect, got %d connections", n)
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	c := newCloud(t)
	cfg := testConfig(c.url())
	cfg.SessionID = "sticky"
	s := connect(t, c, cfg)
	events := disconnects(s)
	<-c.inits

	c.nextConn(t).Close()

	info := nextDisconnect(t, events)
	if info.WasClean || info.Code != websocket.CloseAbnormalClosure {
		t.Errorf("expected abnormal disconnect, got %+v", info)
	}

	c.nextConn(t)
	if hello := <-c.inits; hello["sessionId"] != "sticky" {
		t.Errorf("reconnect should reuse the session id, got %v", hello["sessionId"])
	}
	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("session did not reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	c := newCloud(t)
	s := connect(t, c, testConfig(c.url()))
	events := disconnects(s)
	conn := c.nextConn(t)

	var mu sync.Mutex
	var attempts []int
	s.OnReconnecting(func(attempt int, delay time.Duration) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	})

	pendingPhoto := make(chan error, 1)
	go func() {
		_, err := s.RequestPhoto(context.Background(), PhotoRequest{})
		pendingPhoto <- err
	}()
	c.nextMessage(t)

	c.refuse.Store(true)
	conn.Close()

	if info := nextDisconnect(t, events); info.Permanent {
		t.Fatalf("first disconnect should be transient")
	}
	info := nextDisconnect(t, events)
	if !info.Permanent || !errors.Is(info.Err, reconnect.ErrMaxReconnectAttempts) {
		t.Errorf("expected permanent failure, got %+v", info)
	}

	select {
	case err := <-pendingPhoto:
		if !errors.Is(err, reconnect.ErrMaxReconnectAttempts) {
			t.Errorf("pending photo should fail with the give-up error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending photo not cancelled")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("expected attempts 1..3 to be reported, got %v", attempts)
	}
}

func TestDropRightAfterReconnectRetries(t *testing.T) {
	c := newCloud(t)
	s := connect(t, c, testConfig(c.url()))
	events := disconnects(s)

	c.nextConn(t).Close()
	nextDisconnect(t, events)

	// The reconnected socket dies straight away; the session must try again
	c.nextConn(t).Close()
	nextDisconnect(t, events)

	c.nextConn(t)
	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("session did not recover after the second drop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := c.accepted.Load(); n != 3 {
		t.Errorf("expected 3 connections, got %d", n)
	}
}

func TestDisconnectCancelsPendingPhotos(t *testing.T) {
	c := newCloud(t)
	cfg := testConfig(c.url())
	cfg.PhotoTimeout = 10 * time.Second
	s := connect(t, c, cfg)
	c.nextConn(t)

	result := make(chan error, 1)
	go func() {
		_, err := s.RequestPhoto(context.Background(), PhotoRequest{})
		result <- err
	}()
	c.nextMessage(t)

	s.Disconnect()
	select {
	case err := <-result:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending photo outlived Disconnect")
	}
	if n := s.Requests().Len(); n != 0 {
		t.Errorf("expected no pending requests, got %d", n)
	}
}

func TestDisconnectResetsAttempts(t *testing.T) {
	c := newCloud(t)
	cfg := testConfig(c.url())
	cfg.Reconnect.BaseDelay = time.Hour
	s := connect(t, c, cfg)
	events := disconnects(s)

	c.nextConn(t).Close()
	nextDisconnect(t, events)
	deadline := time.Now().Add(2 * time.Second)
	for s.retry.Attempt() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a queued attempt, got %d", s.retry.Attempt())
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Disconnect()
	if n := s.retry.Attempt(); n != 0 {
		t.Errorf("Disconnect should reset the attempt count, got %d", n)
	}
	if s.retry.Pending() {
		t.Errorf("no attempt should stay queued after Disconnect")
	}
}

func TestDisconnectIsClean(t *testing.T) {
	c := newCloud(t)
	s := New(testConfig(c.url()))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := disconnects(s)
	c.nextConn(t)

	s.Disconnect()
	info := nextDisconnect(t, events)
	if !info.WasClean {
		t.Errorf("local disconnect should be clean, got %+v", info)
	}
	if s.Connected() {
		t.Errorf("expected disconnected")
	}
	time.Sleep(50 * time.Millisecond)
	if n := c.accepted.Load(); n != 1 {
		t.Errorf("no reconnect expected, got %d connections", n)
	}
}
