package link

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/pending"
	"github.com/user/glasslink/reconnect"
	"github.com/user/glasslink/util"
	"github.com/user/glasslink/wire/frame"
	"github.com/user/glasslink/wire/transport"
)

// Session owns one peer link: its state machine, parse buffer, timers and
// outstanding requests. All of it is per instance; nothing is global.
//
// Lock order: dispatchMu before mu. Transport calls, listener callbacks and
// message dispatch never run while mu is held.
type Session struct {
	id     string
	cfg    Config
	tr     transport.Transport
	prefix string

	mu          sync.Mutex
	state       State
	parser      *frame.Parser
	payloadSize int
	connectedAt time.Time
	intentional bool
	misses      int
	gen         int           // bumped whenever timers must be invalidated
	stopTimers  chan struct{} // closed when the current link ends
	handshake   *time.Timer
	advWindow   *time.Timer
	closed      bool

	dispatchMu sync.Mutex
	dispatcher Dispatcher

	listenMu    sync.Mutex
	listeners   []func(StateChange)
	onPermanent []func(error)
	onKeepAlive []func()

	notifyC    chan StateChange
	notifyDone chan struct{}

	readvertise *reconnect.Controller
	requests    *pending.Tracker
	events      *EventLog
	stats       *Stats
}

// New creates an idle session bound to tr
func New(tr transport.Transport, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	prefix := fmt.Sprintf("%s link", util.ShortID(id))

	s := &Session{
		id:          id,
		cfg:         cfg,
		tr:          tr,
		prefix:      prefix,
		state:       Idle,
		parser:      frame.NewParser(cfg.BufferCeiling),
		payloadSize: cfg.DefaultPayloadSize,
		dispatcher:  DispatchFunc(func(frame.ParseResult) {}),
		notifyC:     make(chan StateChange, 256),
		notifyDone:  make(chan struct{}),
		requests:    pending.NewTracker(prefix+" pending", cfg.RequestTimeout),
		events:      NewEventLog(id, cfg.EventLog),
		stats:       newStats(id, cfg.ValidatorInterval),
	}
	s.parser.SetLogPrefix(prefix)

	s.readvertise = reconnect.New(prefix, reconnect.Config{
		BaseDelay:   cfg.ReadvertiseDelay,
		MaxAttempts: cfg.MaxReadvertise,
	}, s.readvertiseAttempt)
	s.readvertise.OnPermanentFailure(s.permanentFailure)

	go s.notifyLoop()
	if cfg.StatsSnapshots {
		s.stats.start(s.Info)
	}

	tr.Bind(s)
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Transport returns the bound transport
func (s *Session) Transport() transport.Transport { return s.tr }

// Requests returns the tracker for requests bound to this session's lifetime
func (s *Session) Requests() *pending.Tracker { return s.requests }

// SetDispatcher installs the consumer of decoded inbound messages
func (s *Session) SetDispatcher(d Dispatcher) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.dispatcher = d
}

// OnStateChange registers a transition listener. Listeners run on a single
// notifier goroutine in transition order.
func (s *Session) OnStateChange(fn func(StateChange)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// OnPermanentFailure registers a listener for exhausted re-advertising
func (s *Session) OnPermanentFailure(fn func(error)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.onPermanent = append(s.onPermanent, fn)
}

// OnKeepAlive registers a listener called after each delivered keep-alive
func (s *Session) OnKeepAlive(fn func()) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.onKeepAlive = append(s.onKeepAlive, fn)
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PayloadSize returns the usable bytes per transport write
func (s *Session) PayloadSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloadSize
}

// ConnectedAt returns when the current peer attached, zero when unlinked
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Info returns a snapshot for status endpoints and stats files
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:          s.id,
		Transport:   s.tr.Name(),
		State:       s.state.String(),
		PayloadSize: s.payloadSize,
	}
	if !s.connectedAt.IsZero() {
		info.ConnectedAt = s.connectedAt.UnixNano()
	}
	resyncs, overflows := s.parser.Resyncs(), s.parser.Overflows()
	s.mu.Unlock()

	info.Pending = s.requests.Len()
	info.Counters = s.stats.Snapshot()
	info.Counters.Resyncs = resyncs
	info.Counters.Overflows = overflows
	return info
}

// StartDiscovery begins advertising from Idle or Disconnected
func (s *Session) StartDiscovery() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	if s.state != Idle && s.state != Disconnected {
		st := s.state
		s.mu.Unlock()
		logger.Debug(s.prefix, "StartDiscovery ignored in state %s", st)
		return nil
	}
	s.intentional = false
	s.setStateLocked(Advertising, "discovery started")
	s.mu.Unlock()

	s.readvertise.Reset()
	if err := s.tr.StartAdvertising(); err != nil {
		logger.Warn(s.prefix, "Start advertising on %s: %v", s.tr.Name(), err)
		return err
	}
	return nil
}

// Teardown ends the session on purpose. No re-advertising follows.
func (s *Session) Teardown() {
	s.mu.Lock()
	s.intentional = true
	wasLinked := s.state.Linked()
	if wasLinked {
		s.endLinkLocked(Disconnected, "intentional teardown")
	} else if s.state != Idle {
		s.stopAdvWindowLocked()
		s.setStateLocked(Idle, "intentional teardown")
	}
	s.mu.Unlock()

	s.readvertise.OnDisconnect(true)
	s.tr.StopAdvertising()
	if wasLinked {
		s.tr.Disconnect()
	}
	s.requests.CancelAll(ErrConnectionLost)
}

// Close tears down and releases the transport and background goroutines
func (s *Session) Close() error {
	s.Teardown()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.tr.Close()
	s.stats.stop()
	close(s.notifyC)
	<-s.notifyDone
	return err
}

// Transport callbacks

// OnConnectionStateChanged handles link-layer connect and disconnect events
func (s *Session) OnConnectionStateChanged(connected bool) {
	if connected {
		s.peerConnected()
		return
	}

	s.mu.Lock()
	if !s.state.Linked() {
		s.mu.Unlock()
		return
	}
	clean := s.intentional
	s.endLinkLocked(Disconnected, "peer disconnected")
	s.mu.Unlock()

	s.afterLinkLost(clean)
}

func (s *Session) peerConnected() {
	s.mu.Lock()
	if s.closed || (s.state != Advertising && s.state != Disconnected) {
		st := s.state
		s.mu.Unlock()
		logger.Debug(s.prefix, "Connect event ignored in state %s", st)
		return
	}
	s.stopAdvWindowLocked()
	s.gen++
	gen := s.gen
	stop := make(chan struct{})
	s.stopTimers = stop
	s.connectedAt = time.Now()
	s.payloadSize = s.cfg.DefaultPayloadSize
	s.misses = 0
	s.intentional = false
	s.parser.Clear()
	s.setStateLocked(Connected, "peer connected")
	s.handshake = time.AfterFunc(s.cfg.HandshakeTimeout, func() { s.handshakeExpired(gen) })
	s.mu.Unlock()

	s.stats.update(func(c *Counters) { c.Connections++ })
	s.readvertise.Reset()
	go s.validatorLoop(gen, stop)
}

// OnSizeNegotiated completes the handshake or updates the size while Ready
func (s *Session) OnSizeNegotiated(maxPayload int) {
	if maxPayload <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Connected:
		if s.handshake != nil {
			s.handshake.Stop()
			s.handshake = nil
		}
		s.payloadSize = maxPayload
		s.events.LogSizeNegotiated(maxPayload, false)
		s.becomeReadyLocked("size negotiated")
	case Ready:
		logger.Debug(s.prefix, "Payload size renegotiated %d -> %d", s.payloadSize, maxPayload)
		s.payloadSize = maxPayload
		s.events.LogSizeNegotiated(maxPayload, false)
	default:
		logger.Debug(s.prefix, "Size negotiation ignored in state %s", s.state)
	}
}

func (s *Session) handshakeExpired(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Connected {
		return
	}
	s.handshake = nil
	s.payloadSize = s.cfg.DefaultPayloadSize
	logger.Warn(s.prefix, "Size negotiation timed out, using %d byte payloads", s.payloadSize)
	s.events.LogSizeNegotiated(s.payloadSize, true)
	s.becomeReadyLocked("handshake timeout")
}

func (s *Session) becomeReadyLocked(reason string) {
	s.setStateLocked(Ready, reason)
	go s.keepAliveLoop(s.gen, s.stopTimers)
}

// OnBytesReceived feeds the parser and dispatches complete messages in order
func (s *Session) OnBytesReceived(data []byte) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if !s.state.Linked() {
		st := s.state
		s.mu.Unlock()
		logger.Trace(s.prefix, "Dropping %d bytes received in state %s", len(data), st)
		return
	}

	var msgs []frame.ParseResult
	frames := 0
	if s.parser.Len() == 0 && !bytes.Contains(data, frame.StartMarker) && frame.LooksLikeJSON(data) {
		// Peer skipped framing
		if res := frame.ParsePayload(data); res.Kind == frame.KindJSON {
			msgs = append(msgs, res)
			s.stats.update(func(c *Counters) { c.UnframedJSON++ })
		}
	} else if err := s.parser.AddData(data); err != nil {
		s.events.LogError("buffer_overflow", err)
	} else {
		for _, f := range s.parser.ParseMessages() {
			msgs = append(msgs, frame.ParsePayload(f.Payload))
			frames++
		}
	}
	d := s.dispatcher
	s.mu.Unlock()

	s.stats.recordReceived(len(data), frames)
	for _, m := range msgs {
		if m.Kind == frame.KindJSON {
			logger.DebugJSON(s.prefix, "Received", m.Object)
		} else {
			logger.Debug(s.prefix, "Received text %q", m.Text)
		}
		d.Dispatch(m)
	}
}

// Outbound

// Send frames payload and hands it to the transport. It returns false when
// no peer is linked, the payload cannot be framed, or the transport fails.
func (s *Session) Send(payload []byte) bool {
	return s.send(payload) == nil
}

// SendJSON marshals v and sends it as one frame
func (s *Session) SendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("link: marshal: %w", err)
	}
	if err := s.send(payload); err != nil {
		return err
	}
	logger.DebugJSON(s.prefix, "Sent", v)
	return nil
}

func (s *Session) send(payload []byte) error {
	s.mu.Lock()
	if !s.state.Linked() {
		s.mu.Unlock()
		return ErrNotLinked
	}
	cmd := s.cfg.CommandType
	wrap := s.cfg.WrapOutbound
	s.mu.Unlock()

	if wrap {
		wrapped, err := frame.WrapC(payload)
		if err != nil {
			return fmt.Errorf("link: wrap: %w", err)
		}
		payload = wrapped
	}
	if err := frame.Safe(payload); err != nil {
		logger.Warn(s.prefix, "Refusing to send %d byte payload: %v", len(payload), err)
		return err
	}

	data := frame.Encode(cmd, payload)
	ok := s.tr.Send(data)
	s.stats.recordSent(len(data), ok)
	if !ok {
		return ErrSendFailed
	}
	return nil
}

// Timers

func (s *Session) keepAliveLoop(gen int, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.keepAliveTick(gen) {
				return
			}
		}
	}
}

// keepAliveTick sends one heartbeat and returns false once the link is gone
func (s *Session) keepAliveTick(gen int) bool {
	s.mu.Lock()
	if gen != s.gen || s.state != Ready {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(map[string]interface{}{
		"type":      "keep_alive",
		"timestamp": time.Now().UnixMilli(),
	})
	err := s.send(payload)

	s.mu.Lock()
	if gen != s.gen || s.state != Ready {
		s.mu.Unlock()
		return false
	}
	if err == nil {
		s.misses = 0
		s.mu.Unlock()
		s.notifyKeepAlive()
		return true
	}

	s.misses++
	s.stats.update(func(c *Counters) { c.KeepAliveMisses++ })
	logger.Warn(s.prefix, "Keep-alive failed (%d/%d): %v", s.misses, s.cfg.KeepAliveMissLimit, err)
	if s.misses < s.cfg.KeepAliveMissLimit {
		s.mu.Unlock()
		return true
	}
	s.endLinkLocked(Disconnected, "keep-alive failures")
	s.mu.Unlock()

	s.tr.Disconnect()
	s.afterLinkLost(false)
	return false
}

func (s *Session) validatorLoop(gen int, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.ValidatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.validate(gen) {
				return
			}
		}
	}
}

// validate checks the transport still has the peer the session believes in.
// It returns false once the link is gone.
func (s *Session) validate(gen int) bool {
	s.mu.Lock()
	if gen != s.gen || !s.state.Linked() {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if s.tr.IsConnected() {
		return true
	}

	s.mu.Lock()
	if gen != s.gen || !s.state.Linked() {
		s.mu.Unlock()
		return false
	}
	logger.Warn(s.prefix, "Ghost connection on %s, forcing disconnect", s.tr.Name())
	s.events.LogGhost(s.tr.Name())
	s.stats.update(func(c *Counters) { c.GhostsDetected++ })
	s.endLinkLocked(Disconnected, "ghost connection")
	s.mu.Unlock()

	s.tr.Disconnect()
	s.afterLinkLost(false)
	return false
}

// endLinkLocked cancels every per-link timer and clears the buffer
func (s *Session) endLinkLocked(to State, reason string) {
	s.gen++
	if s.stopTimers != nil {
		close(s.stopTimers)
		s.stopTimers = nil
	}
	if s.handshake != nil {
		s.handshake.Stop()
		s.handshake = nil
	}
	s.parser.Clear()
	s.connectedAt = time.Time{}
	s.misses = 0
	s.setStateLocked(to, reason)
}

func (s *Session) afterLinkLost(clean bool) {
	if n := s.requests.CancelAll(ErrConnectionLost); n > 0 {
		logger.Info(s.prefix, "Failed %d pending request(s)", n)
	}
	s.readvertise.OnDisconnect(clean)
}

// readvertiseAttempt runs from the reconnection controller
func (s *Session) readvertiseAttempt(attempt int) {
	s.mu.Lock()
	if s.closed || s.intentional || s.state != Disconnected {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Advertising, fmt.Sprintf("re-advertise attempt %d", attempt))
	if s.cfg.AdvertiseTimeout > 0 {
		gen := s.gen
		s.advWindow = time.AfterFunc(s.cfg.AdvertiseTimeout, func() { s.advertiseWindowExpired(gen) })
	}
	s.mu.Unlock()

	if err := s.tr.StartAdvertising(); err != nil {
		logger.Warn(s.prefix, "Re-advertise on %s: %v", s.tr.Name(), err)
	}
}

func (s *Session) advertiseWindowExpired(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.state != Advertising {
		s.mu.Unlock()
		return
	}
	s.advWindow = nil
	s.setStateLocked(Disconnected, "no peer within advertise window")
	s.mu.Unlock()

	s.tr.StopAdvertising()
	s.readvertise.OnReconnectOutcome(false)
}

func (s *Session) stopAdvWindowLocked() {
	if s.advWindow != nil {
		s.advWindow.Stop()
		s.advWindow = nil
	}
}

func (s *Session) permanentFailure(err error) {
	s.mu.Lock()
	if s.state == Advertising || s.state == Disconnected {
		s.stopAdvWindowLocked()
		s.setStateLocked(Idle, "re-advertise attempts exhausted")
	}
	s.mu.Unlock()

	s.tr.StopAdvertising()
	s.events.LogError("permanent_failure", err)

	s.listenMu.Lock()
	fns := append([]func(error){}, s.onPermanent...)
	s.listenMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Notifications

func (s *Session) setStateLocked(to State, reason string) {
	if s.state == to {
		return
	}
	c := StateChange{From: s.state, To: to, Reason: reason, At: time.Now()}
	s.state = to
	logger.Info(s.prefix, "%s -> %s (%s)", c.From, c.To, reason)
	s.events.LogStateChange(c)
	if s.closed {
		return
	}
	select {
	case s.notifyC <- c:
	default:
		logger.Warn(s.prefix, "State listener backlog full, dropped %s -> %s", c.From, c.To)
	}
}

func (s *Session) notifyLoop() {
	defer close(s.notifyDone)
	for c := range s.notifyC {
		s.listenMu.Lock()
		fns := append([]func(StateChange){}, s.listeners...)
		s.listenMu.Unlock()
		for _, fn := range fns {
			fn(c)
		}
	}
}

func (s *Session) notifyKeepAlive() {
	s.listenMu.Lock()
	fns := append([]func(){}, s.onKeepAlive...)
	s.listenMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
