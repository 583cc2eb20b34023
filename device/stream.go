package device

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/reconnect"
	"github.com/user/glasslink/router"
)

var (
	ErrAlreadyStreaming = errors.New("device: already streaming")
	ErrNotStreaming     = errors.New("device: not streaming")
)

// DefaultStreamCommand pushes the camera to an RTMP endpoint with ffmpeg
var DefaultStreamCommand = []string{
	"ffmpeg", "-loglevel", "error",
	"-f", "v4l2", "-framerate", "{fps}", "-video_size", "{width}x{height}", "-i", "/dev/video0",
	"-f", "alsa", "-ac", "{channels}", "-ar", "{sample_rate}", "-i", "default",
	"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency", "-b:v", "{video_bitrate}",
	"-c:a", "aac", "-b:a", "{audio_bitrate}",
	"-f", "flv", "{url}",
}

// DefaultStableAfter is how long a relaunched encoder must stay up before the
// relaunch counts as a successful reconnect
const DefaultStableAfter = 5 * time.Second

// Streamer runs the RTMP encoder and restarts it with backoff when it dies
type Streamer struct {
	command     []string
	stableAfter time.Duration

	mu           sync.Mutex
	proc         process
	url          string
	video        router.VideoConfig
	audio        router.AudioConfig
	reconnecting bool
	settle       *time.Timer // running while a relaunched encoder is on probation
	onStatus     func(success bool, status, details string)

	retry *reconnect.Controller
	spawn spawner
}

// NewStreamer creates a streamer. An encoder that exits unexpectedly is
// relaunched per retry; a nil command uses DefaultStreamCommand.
func NewStreamer(command []string, retry reconnect.Config) *Streamer {
	if len(command) == 0 {
		command = DefaultStreamCommand
	}
	if retry.MaxAttempts <= 0 {
		retry = reconnect.Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 5}
	}
	s := &Streamer{
		command:     command,
		stableAfter: DefaultStableAfter,
		spawn:       spawnExec,
	}
	s.retry = reconnect.New("rtmp", retry, s.relaunch)
	s.retry.OnPermanentFailure(s.gaveUp)
	return s
}

// OnStatus registers the callback for asynchronous stream state changes
func (s *Streamer) OnStatus(fn func(success bool, status, details string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

func (s *Streamer) status(success bool, status, details string) {
	s.mu.Lock()
	cb := s.onStatus
	s.mu.Unlock()
	if cb != nil {
		cb(success, status, details)
	}
}

func (s *Streamer) StartRtmpStream(url string, video *router.VideoConfig, audio *router.AudioConfig) error {
	s.mu.Lock()
	if s.proc != nil || s.reconnecting {
		s.mu.Unlock()
		return ErrAlreadyStreaming
	}
	s.url = url
	s.video = router.DefaultVideoConfig()
	if video != nil {
		s.video = *video
	}
	s.audio = router.DefaultAudioConfig()
	if audio != nil {
		s.audio = *audio
	}
	s.retry.Reset()
	err := s.launchLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	logger.Info("rtmp", "Streaming to %s", url)
	s.status(true, "streaming", "")
	return nil
}

func (s *Streamer) args() []string {
	channels := "1"
	if s.audio.Stereo {
		channels = "2"
	}
	return expand(s.command, map[string]string{
		"url":           s.url,
		"fps":           strconv.Itoa(s.video.FPS),
		"width":         strconv.Itoa(s.video.Width),
		"height":        strconv.Itoa(s.video.Height),
		"video_bitrate": strconv.Itoa(s.video.Bitrate),
		"audio_bitrate": strconv.Itoa(s.audio.Bitrate),
		"sample_rate":   strconv.Itoa(s.audio.SampleRate),
		"channels":      channels,
	})
}

func (s *Streamer) launchLocked() error {
	p, err := s.spawn(s.args())
	if err != nil {
		return fmt.Errorf("device: start encoder: %w", err)
	}
	s.proc = p
	go s.watch(p)
	return nil
}

// watch treats an encoder exit that nobody asked for as a dropped stream.
// An encoder still on probation after a relaunch fails that attempt instead.
func (s *Streamer) watch(p process) {
	err := p.Wait()

	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.reconnecting = true
	probation := s.settle != nil
	if probation {
		s.settle.Stop()
		s.settle = nil
	}
	s.mu.Unlock()

	detail := "encoder exited"
	if err != nil {
		detail = err.Error()
	}
	if probation {
		logger.Warn("rtmp", "Relaunched encoder died within %v: %s", s.stableAfter, detail)
		s.retry.OnReconnectOutcome(false)
		return
	}
	logger.Warn("rtmp", "Stream dropped: %s", detail)
	s.status(false, "reconnecting", detail)
	s.retry.OnDisconnect(false)
}

func (s *Streamer) relaunch(attempt int) {
	s.mu.Lock()
	if s.url == "" {
		s.mu.Unlock()
		return
	}
	err := s.launchLocked()
	if err == nil {
		p := s.proc
		s.settle = time.AfterFunc(s.stableAfter, func() { s.settled(p, attempt) })
	}
	s.mu.Unlock()

	if err != nil {
		logger.Warn("rtmp", "Relaunch attempt %d failed: %v", attempt, err)
		s.retry.OnReconnectOutcome(false)
	}
}

// settled ends the probation of p once it has stayed up for stableAfter
func (s *Streamer) settled(p process, attempt int) {
	s.mu.Lock()
	if s.proc != p || s.settle == nil {
		s.mu.Unlock()
		return
	}
	s.settle = nil
	s.reconnecting = false
	s.mu.Unlock()

	s.retry.OnReconnectOutcome(true)
	logger.Info("rtmp", "Encoder stable after relaunch attempt %d", attempt)
	s.status(true, "reconnected", strconv.Itoa(attempt))
}

func (s *Streamer) stopSettleLocked() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
}

func (s *Streamer) gaveUp(err error) {
	s.mu.Lock()
	s.url = ""
	s.reconnecting = false
	s.stopSettleLocked()
	s.mu.Unlock()
	s.status(false, "reconnect_failed", err.Error())
}

func (s *Streamer) StopRtmpStream() error {
	s.mu.Lock()
	if s.proc == nil && !s.reconnecting {
		s.mu.Unlock()
		return ErrNotStreaming
	}
	p := s.proc
	s.proc = nil
	s.url = ""
	s.reconnecting = false
	s.stopSettleLocked()
	s.retry.Reset()
	s.mu.Unlock()

	if p != nil {
		if err := p.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("device: stop encoder: %w", err)
		}
	}
	logger.Info("rtmp", "Stream stopped")
	s.status(true, "stopped", "")
	return nil
}

func (s *Streamer) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil || s.reconnecting
}

func (s *Streamer) ReconnectState() (bool, int) {
	s.mu.Lock()
	reconnecting := s.reconnecting
	s.mu.Unlock()
	if !reconnecting {
		return false, 0
	}
	return true, s.retry.Attempt()
}
