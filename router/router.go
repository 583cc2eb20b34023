package router

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/pending"
	"github.com/user/glasslink/wire/frame"
)

// Button commands from the K900 MCU. A long press and a short press of the
// same button arrive as different codes.
const (
	CmdShortPress = "cs_pho"
	CmdLongPress  = "cs_vdo"
	CmdHotspot    = "hm_htsp"
	CmdHotspotAlt = "mh_htsp"
	CmdVersion    = "cs_syvr"
)

var (
	// accepted for compatibility with the phone app, nothing to do on this device
	acknowledgedTypes = mapset.NewSet("request_battery_state", "set_mic_state", "set_mic_vad_state")
	versionTypes      = mapset.NewSet("request_version", CmdVersion)
	hotspotCommands   = mapset.NewSet(CmdHotspot, CmdHotspotAlt)
)

// Options wires the router to its collaborators. Nil collaborators are
// allowed; commands that need them answer service_unavailable or are dropped.
type Options struct {
	Sender   Sender
	Media    MediaCapture
	Streamer Streamer
	Network  NetworkController
	Tokens   TokenStore
	Requests *pending.Tracker

	Version         VersionInfo
	HotspotSSID     string
	HotspotPassword string
	MediaDir        string

	// RestartGrace is the pause between stopping a running stream and starting a new one
	RestartGrace time.Duration
	PhotoTimeout time.Duration

	Name string
	Now  func() time.Time
}

// DefaultOptions returns the values the firmware ships with
func DefaultOptions() Options {
	return Options{
		HotspotSSID:     "Mentra Live",
		HotspotPassword: "MentraLive",
		RestartGrace:    500 * time.Millisecond,
		PhotoTimeout:    30 * time.Second,
		Name:            "router",
	}
}

// Router maps decoded inbound messages onto collaborator calls and answers
// with at most one response envelope per command.
type Router struct {
	opts     Options
	prefix   string
	handlers map[string]func(Envelope)

	// serializes check-then-act on recording and streaming state
	mu sync.Mutex

	obsMu     sync.RWMutex
	observers []func(Direction, Envelope)

	sleep func(time.Duration)
	wg    sync.WaitGroup
}

// New creates a router. Zero-valued options fall back to DefaultOptions.
func New(opts Options) *Router {
	d := DefaultOptions()
	if opts.HotspotSSID == "" {
		opts.HotspotSSID = d.HotspotSSID
		opts.HotspotPassword = d.HotspotPassword
	}
	if opts.RestartGrace <= 0 {
		opts.RestartGrace = d.RestartGrace
	}
	if opts.PhotoTimeout <= 0 {
		opts.PhotoTimeout = d.PhotoTimeout
	}
	if opts.Name == "" {
		opts.Name = d.Name
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Requests == nil {
		opts.Requests = pending.NewTracker(opts.Name+" photos", opts.PhotoTimeout)
	}

	r := &Router{
		opts:   opts,
		prefix: opts.Name,
		sleep:  time.Sleep,
	}
	r.handlers = map[string]func(Envelope){
		"phone_ready":                r.handlePhoneReady,
		"auth_token":                 r.handleAuthToken,
		"take_photo":                 r.handleTakePhoto,
		"start_video_recording":      r.handleStartVideo,
		"stop_video_recording":       r.handleStopVideo,
		"get_video_recording_status": r.handleVideoStatus,
		"start_rtmp_stream":          r.handleStartStream,
		"stop_rtmp_stream":           r.handleStopStream,
		"get_rtmp_status":            r.handleStreamStatus,
		"set_wifi_credentials":       r.handleWifiCredentials,
		"request_wifi_status":        r.handleWifiStatus,
		"request_wifi_scan":          r.handleWifiScan,
		"ping":                       r.handlePing,
	}
	return r
}

// Requests returns the tracker photo requests are registered in
func (r *Router) Requests() *pending.Tracker {
	return r.opts.Requests
}

// OnEnvelope registers an observer for every inbound and outbound envelope
func (r *Router) OnEnvelope(fn func(dir Direction, env Envelope)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// Handles reports whether a JSON envelope type triggers an action
func (r *Router) Handles(typ string) bool {
	_, ok := r.handlers[typ]
	return ok || acknowledgedTypes.Contains(typ) || versionTypes.Contains(typ)
}

// Dispatch routes one decoded message. Plain text goes to the K900 button
// dialect, JSON objects are routed by their "type" field.
func (r *Router) Dispatch(msg frame.ParseResult) {
	if msg.Kind == frame.KindPlainText {
		r.RouteCommand(msg.Text)
		return
	}
	r.Route(Envelope(msg.Object))
}

// Route handles a JSON envelope. Unknown and empty types are logged and dropped.
func (r *Router) Route(env Envelope) {
	r.observe(Inbound, env)

	typ := env.Type()
	logger.Debug(r.prefix, "Routing message type: %q", typ)

	if h, ok := r.handlers[typ]; ok {
		h(env)
		return
	}
	switch {
	case versionTypes.Contains(typ):
		r.sendVersionInfo()
	case acknowledgedTypes.Contains(typ):
		logger.Trace(r.prefix, "Acknowledged %s, no action", typ)
	case typ == "":
		logger.Debug(r.prefix, "Received data with no type field")
	default:
		logger.Warn(r.prefix, "Unknown message type: %s", typ)
	}
}

// RouteCommand handles the plain-text K900 dialect
func (r *Router) RouteCommand(command string) {
	switch {
	case command == CmdShortPress:
		r.shortPress()
	case command == CmdLongPress:
		r.longPress()
	case hotspotCommands.Contains(command):
		r.startHotspot()
	case command == CmdVersion:
		r.sendVersionInfo()
	default:
		logger.Debug(r.prefix, "Unknown K900 command: %q", command)
	}
}

// Wait blocks until background work (scans, photo responses) has finished
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) background(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Router) observe(dir Direction, env Envelope) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(dir, env)
	}
}

func (r *Router) send(env Envelope) {
	r.observe(Outbound, env)
	if r.opts.Sender == nil {
		logger.Debug(r.prefix, "No sender, dropping %s", env.Type())
		return
	}
	if err := r.opts.Sender.SendJSON(env); err != nil {
		logger.Warn(r.prefix, "Failed to send %s: %v", env.Type(), err)
		return
	}
	logger.TraceJSON(r.prefix, "sent "+env.Type(), map[string]interface{}(env))
}

func (r *Router) handlePhoneReady(Envelope) {
	env := newEnvelope("glasses_ready")
	env["timestamp"] = millis(r.opts.Now())
	r.send(env)
}

func (r *Router) handlePing(Envelope) {
	r.send(newEnvelope("pong"))
}

func (r *Router) sendVersionInfo() {
	v := r.opts.Version
	env := newEnvelope("version_info")
	env["timestamp"] = millis(r.opts.Now())
	env["app_version"] = v.AppVersion
	env["build_number"] = v.BuildNumber
	env["device_model"] = v.DeviceModel
	env["os_version"] = v.OSVersion
	r.send(env)
}
