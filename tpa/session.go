package tpa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/pending"
	"github.com/user/glasslink/reconnect"
)

// Message types exchanged with the cloud
const (
	TypeConnectionInit  = "tpa_connection_init"
	TypeConnectionAck   = "tpa_connection_ack"
	TypeConnectionError = "tpa_connection_error"
	TypePhotoRequest    = "photo_request"
	TypePhotoResponse   = "photo_response"
)

var (
	// ErrConnectionRejected is returned when the cloud answers the init with an error
	ErrConnectionRejected = errors.New("tpa: connection rejected")
	// ErrNotConnected is returned when sending without an open socket
	ErrNotConnected = errors.New("tpa: not connected")
	// ErrPhotoFailed is delivered when the glasses report a failed capture
	ErrPhotoFailed = errors.New("tpa: photo failed")
	// ErrClosed is delivered to requests still pending when Disconnect is called
	ErrClosed = errors.New("tpa: session closed")
)

// Config describes one app session against the cloud
type Config struct {
	URL         string
	PackageName string
	APIKey      string
	SessionID   string

	ConnectTimeout time.Duration
	PhotoTimeout   time.Duration
	Reconnect      reconnect.Config
}

// DefaultConfig retries three times starting at one second
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		PhotoTimeout:   30 * time.Second,
		Reconnect: reconnect.Config{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 3,
		},
	}
}

// PhotoRequest asks the glasses for a picture
type PhotoRequest struct {
	SaveToGallery bool `json:"saveToGallery"`
}

// PhotoResult is the cloud's answer to a photo request
type PhotoResult struct {
	RequestID string `json:"requestId"`
	PhotoURL  string `json:"photoUrl"`
	MimeType  string `json:"mimeType,omitempty"`
}

// DisconnectInfo describes why the socket went away
type DisconnectInfo struct {
	Code      int
	Reason    string
	WasClean  bool
	Permanent bool // reconnection gave up
	Err       error
}

type header struct {
	Type string `json:"type"`
}

type photoResponse struct {
	RequestID string `json:"requestId"`
	PhotoURL  string `json:"photoUrl"`
	MimeType  string `json:"mimeType"`
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
}

// Session is a reconnecting WebSocket session between an app and the cloud
type Session struct {
	cfg    Config
	prefix string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool

	writeMu sync.Mutex

	handlersMu     sync.RWMutex
	handlers       map[string][]func(json.RawMessage)
	onDisconnect   []func(DisconnectInfo)
	onReconnecting []func(attempt int, delay time.Duration)

	retry    *reconnect.Controller
	requests *pending.Tracker
}

// New creates a disconnected session. A missing SessionID gets a fresh uuid.
func New(cfg Config) *Session {
	d := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.PhotoTimeout <= 0 {
		cfg.PhotoTimeout = d.PhotoTimeout
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect = d.Reconnect
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	s := &Session{
		cfg:      cfg,
		prefix:   "tpa " + cfg.PackageName,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		handlers: make(map[string][]func(json.RawMessage)),
	}
	s.requests = pending.NewTracker(s.prefix+" photos", cfg.PhotoTimeout)
	s.retry = reconnect.New(s.prefix, cfg.Reconnect, s.reconnectAttempt)
	s.retry.OnScheduled(s.emitReconnecting)
	s.retry.OnPermanentFailure(s.gaveUp)
	return s
}

// SessionID returns the id sent in the init message
func (s *Session) SessionID() string { return s.cfg.SessionID }

// Requests returns the photo request tracker
func (s *Session) Requests() *pending.Tracker { return s.requests }

// On registers a handler for a server message type
func (s *Session) On(typ string, fn func(json.RawMessage)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[typ] = append(s.handlers[typ], fn)
}

// OnDisconnect registers a listener for lost sockets
func (s *Session) OnDisconnect(fn func(DisconnectInfo)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// OnReconnecting registers a listener for queued reconnection attempts.
// It fires once per attempt, before the permanent failure if any.
func (s *Session) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onReconnecting = append(s.onReconnecting, fn)
}

// Connected reports whether a socket is open
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect dials the cloud and completes the init handshake
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.closing = false
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.retry.Reset()
	go s.readLoop(conn)
	return nil
}

// dial opens and registers a socket. The caller starts its read loop.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("tpa: dial %s: %w", s.cfg.URL, err)
	}

	if err := s.handshake(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrNotConnected
	}
	s.conn = conn
	s.mu.Unlock()

	logger.Info(s.prefix, "Connected to %s (session %s)", s.cfg.URL, s.cfg.SessionID)
	return conn, nil
}

func (s *Session) handshake(ctx context.Context, conn *websocket.Conn) error {
	hello := map[string]interface{}{
		"type":        TypeConnectionInit,
		"packageName": s.cfg.PackageName,
		"sessionId":   s.cfg.SessionID,
		"apiKey":      s.cfg.APIKey,
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("tpa: send init: %w", err)
	}

	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("tpa: waiting for ack: %w", err)
		}
		var h header
		if err := json.Unmarshal(data, &h); err != nil {
			logger.Warn(s.prefix, "Ignoring malformed message during handshake: %v", err)
			continue
		}
		switch h.Type {
		case TypeConnectionAck:
			return nil
		case TypeConnectionError:
			var body struct {
				Message string `json:"message"`
			}
			json.Unmarshal(data, &body)
			return fmt.Errorf("%w: %s", ErrConnectionRejected, body.Message)
		default:
			logger.Debug(s.prefix, "Ignoring %s before ack", h.Type)
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.lost(conn, err)
			return
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		logger.Warn(s.prefix, "Dropping malformed message: %v", err)
		return
	}

	switch h.Type {
	case TypePhotoResponse:
		s.handlePhotoResponse(data)
		return
	case TypeConnectionError:
		logger.Warn(s.prefix, "Cloud reported error: %s", data)
	}

	s.handlersMu.RLock()
	fns := append([]func(json.RawMessage){}, s.handlers[h.Type]...)
	s.handlersMu.RUnlock()
	if len(fns) == 0 {
		logger.Debug(s.prefix, "No handler for %s", h.Type)
		return
	}
	for _, fn := range fns {
		fn(json.RawMessage(data))
	}
}

func (s *Session) handlePhotoResponse(data []byte) {
	var resp photoResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.RequestID == "" {
		logger.Warn(s.prefix, "Dropping photo_response without requestId")
		return
	}
	if (resp.Success != nil && !*resp.Success) || resp.Error != "" {
		s.requests.Reject(resp.RequestID, fmt.Errorf("%w: %s", ErrPhotoFailed, resp.Error))
		return
	}
	s.requests.Resolve(resp.RequestID, &PhotoResult{
		RequestID: resp.RequestID,
		PhotoURL:  resp.PhotoURL,
		MimeType:  resp.MimeType,
	})
}

// lost handles a socket read failure. Close codes 1000 and 1001, or a
// local Disconnect, end the session; anything else starts reconnection.
func (s *Session) lost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closing := s.closing
	s.mu.Unlock()
	conn.Close()

	info := DisconnectInfo{Code: websocket.CloseAbnormalClosure, Err: err}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		info.Code = ce.Code
		info.Reason = ce.Text
	}
	info.WasClean = closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)

	if info.WasClean {
		logger.Info(s.prefix, "Disconnected (code %d)", info.Code)
	} else {
		logger.Warn(s.prefix, "Connection lost (code %d): %v", info.Code, err)
	}
	s.emitDisconnect(info)
	s.retry.OnDisconnect(info.WasClean)
}

func (s *Session) reconnectAttempt(attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dial(ctx)
	if err != nil {
		logger.Warn(s.prefix, "Reconnect attempt %d failed: %v", attempt, err)
		s.retry.OnReconnectOutcome(false)
		return
	}
	// Report before reading so a drop on the new socket starts a fresh cycle
	s.retry.OnReconnectOutcome(true)
	go s.readLoop(conn)
}

func (s *Session) gaveUp(err error) {
	logger.Error(s.prefix, "Giving up on %s: %v", s.cfg.URL, err)
	s.requests.CancelAll(err)
	s.emitDisconnect(DisconnectInfo{
		Code:      websocket.CloseAbnormalClosure,
		Reason:    "max reconnection attempts reached",
		Permanent: true,
		Err:       err,
	})
}

func (s *Session) emitReconnecting(attempt int, delay time.Duration) {
	s.handlersMu.RLock()
	fns := append([]func(int, time.Duration){}, s.onReconnecting...)
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(attempt, delay)
	}
}

func (s *Session) emitDisconnect(info DisconnectInfo) {
	s.handlersMu.RLock()
	fns := append([]func(DisconnectInfo){}, s.onDisconnect...)
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(info)
	}
}

// Send writes one JSON message
func (s *Session) Send(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("tpa: write: %w", err)
	}
	return nil
}

// RequestPhoto asks the glasses for a photo and waits for the cloud to
// deliver the result, the photo timeout or ctx, whichever comes first.
func (s *Session) RequestPhoto(ctx context.Context, req PhotoRequest) (*PhotoResult, error) {
	id := uuid.NewString()
	handle, err := s.requests.Register(id, 0)
	if err != nil {
		return nil, err
	}

	msg := map[string]interface{}{
		"type":          TypePhotoRequest,
		"packageName":   s.cfg.PackageName,
		"sessionId":     s.cfg.SessionID,
		"requestId":     id,
		"saveToGallery": req.SaveToGallery,
		"timestamp":     time.Now().UnixMilli(),
	}
	if err := s.Send(msg); err != nil {
		s.requests.Reject(id, err)
		return nil, err
	}
	logger.Debug(s.prefix, "Photo requested: %s", id)

	v, err := handle.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*PhotoResult), nil
}

// Disconnect closes the socket cleanly; no reconnection follows. Pending
// photo requests fail with ErrClosed.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	s.retry.Reset()
	if n := s.requests.CancelAll(ErrClosed); n > 0 {
		logger.Info(s.prefix, "Cancelled %d pending photo request(s)", n)
	}
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return nil
	}
	// the read loop ends on the peer's close echo or this deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return nil
}
