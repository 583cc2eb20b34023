package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/util"
)

var (
	ErrAlreadyRecording = errors.New("device: already recording")
	ErrNotRecording     = errors.New("device: not recording")
)

// MediaOptions configures the camera commands. {path} is replaced with the output file.
type MediaOptions struct {
	PhotoCommand []string
	VideoCommand []string
	MediaDir     string
	PhotoTimeout time.Duration
	// URLBase turns a saved file into a URL (e.g. the API's /media route). Empty gives file:// URLs.
	URLBase string
}

// DefaultMediaOptions uses libcamera for stills and ffmpeg for video
func DefaultMediaOptions() MediaOptions {
	return MediaOptions{
		PhotoCommand: []string{"libcamera-still", "-n", "-t", "1", "-o", "{path}"},
		VideoCommand: []string{"ffmpeg", "-loglevel", "error", "-f", "v4l2", "-i", "/dev/video0", "-c:v", "libx264", "-preset", "ultrafast", "{path}"},
		MediaDir:     util.GetMediaDir(),
		PhotoTimeout: 15 * time.Second,
	}
}

// Media runs camera commands on behalf of the router
type Media struct {
	opts MediaOptions

	mu          sync.Mutex
	recorder    process
	recordingID string
	videoPath   string
	startedAt   time.Time
	onPhoto     func(requestID, url string, err error)

	run   runner
	spawn spawner
	now   func() time.Time
	wg    sync.WaitGroup
}

func NewMedia(opts MediaOptions) *Media {
	if opts.PhotoTimeout <= 0 {
		opts.PhotoTimeout = 15 * time.Second
	}
	if opts.MediaDir == "" {
		opts.MediaDir = util.GetMediaDir()
	}
	return &Media{
		opts:  opts,
		run:   runExec,
		spawn: spawnExec,
		now:   time.Now,
	}
}

// OnPhotoDone registers the completion callback for TakePhoto
func (m *Media) OnPhotoDone(fn func(requestID, url string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPhoto = fn
}

// URL maps a file in the media dir to the address handed to the phone
func (m *Media) URL(path string) string {
	if m.opts.URLBase == "" {
		return "file://" + path
	}
	return strings.TrimRight(m.opts.URLBase, "/") + "/" + filepath.Base(path)
}

// TakePhoto starts a capture in the background and reports through OnPhotoDone
func (m *Media) TakePhoto(requestID, path string) error {
	if len(m.opts.PhotoCommand) == 0 {
		return ErrNoCommand
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("device: media dir: %w", err)
	}
	args := expand(m.opts.PhotoCommand, map[string]string{"path": path, "request": requestID})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PhotoTimeout)
		defer cancel()

		start := time.Now()
		out, err := m.run(ctx, args)
		if err != nil {
			err = fmt.Errorf("photo %s: %w: %s", requestID, err, strings.TrimSpace(string(out)))
			logger.Error("media", "%v", err)
		} else {
			logger.Info("media", "Photo %s captured in %v", requestID, time.Since(start))
		}

		m.mu.Lock()
		cb := m.onPhoto
		m.mu.Unlock()
		if cb != nil {
			cb(requestID, m.URL(path), err)
		}
	}()
	return nil
}

func (m *Media) StartVideoRecording(requestID string) error {
	if len(m.opts.VideoCommand) == 0 {
		return ErrNoCommand
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recorder != nil {
		return ErrAlreadyRecording
	}
	os.MkdirAll(m.opts.MediaDir, 0755)
	path := filepath.Join(m.opts.MediaDir, "VID_"+m.now().Format("20060102_150405")+".mp4")
	p, err := m.spawn(expand(m.opts.VideoCommand, map[string]string{"path": path, "request": requestID}))
	if err != nil {
		return fmt.Errorf("device: start recorder: %w", err)
	}

	m.recorder = p
	m.recordingID = requestID
	m.videoPath = path
	m.startedAt = m.now()
	logger.Info("media", "Recording %s to %s", requestID, path)

	m.wg.Add(1)
	go m.watchRecorder(p)
	return nil
}

// watchRecorder clears state when the recorder exits on its own
func (m *Media) watchRecorder(p process) {
	defer m.wg.Done()
	err := p.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorder != p {
		return
	}
	logger.Warn("media", "Recorder for %s exited: %v", m.recordingID, err)
	m.clearLocked()
}

func (m *Media) StopVideoRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recorder == nil {
		return ErrNotRecording
	}
	p := m.recorder
	logger.Info("media", "Stopping recording %s after %v", m.recordingID, m.now().Sub(m.startedAt))
	m.clearLocked()

	// ffmpeg finalizes the container on SIGINT
	if err := p.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("device: stop recorder: %w", err)
	}
	return nil
}

func (m *Media) clearLocked() {
	m.recorder = nil
	m.recordingID = ""
	m.videoPath = ""
	m.startedAt = time.Time{}
}

func (m *Media) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recorder != nil
}

func (m *Media) RecordingDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorder == nil {
		return 0
	}
	return m.now().Sub(m.startedAt)
}

// Close stops any recording and waits for background captures
func (m *Media) Close() error {
	if m.IsRecording() {
		m.StopVideoRecording()
	}
	m.wg.Wait()
	return nil
}
