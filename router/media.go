package router

import (
	"errors"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/pending"
)

// ErrServiceUnavailable is reported when no media collaborator is wired
var ErrServiceUnavailable = errors.New("router: media capture unavailable")

const buttonRequestPrefix = "btn_"

func (r *Router) photoPath() string {
	name := "IMG_" + r.opts.Now().Format("20060102_150405") + ".jpg"
	return filepath.Join(r.opts.MediaDir, name)
}

func (r *Router) handleTakePhoto(env Envelope) {
	requestID := env.String("requestId")
	if requestID == "" {
		logger.Warn(r.prefix, "Cannot take photo: missing requestId")
		return
	}
	r.takePhoto(requestID, true)
}

// takePhoto registers the request, starts the capture and, when respond is
// set, answers with photo_response once the request completes.
func (r *Router) takePhoto(requestID string, respond bool) {
	if r.opts.Media == nil {
		logger.Warn(r.prefix, "Cannot take photo %s: media capture unavailable", requestID)
		if respond {
			r.sendPhotoResponse(requestID, "", ErrServiceUnavailable)
		}
		return
	}

	handle, err := r.opts.Requests.Register(requestID, r.opts.PhotoTimeout)
	if err != nil {
		// the first request with this id is still in flight and will answer
		logger.Warn(r.prefix, "Ignoring photo request %s: %v", requestID, err)
		return
	}

	r.background(func() {
		resp := <-handle.Done()
		if !respond {
			if resp.Error != nil {
				logger.Warn(r.prefix, "Button photo %s failed: %v", requestID, resp.Error)
			}
			return
		}
		url, _ := resp.Value.(string)
		r.sendPhotoResponse(requestID, url, resp.Error)
	})

	path := r.photoPath()
	logger.Info(r.prefix, "Taking photo %s -> %s", requestID, path)
	if err := r.opts.Media.TakePhoto(requestID, path); err != nil {
		r.FailPhoto(requestID, err)
	}
}

// CompletePhoto resolves an outstanding photo request with its URL
func (r *Router) CompletePhoto(requestID, url string) bool {
	return r.opts.Requests.Resolve(requestID, url)
}

// FailPhoto rejects an outstanding photo request
func (r *Router) FailPhoto(requestID string, err error) bool {
	return r.opts.Requests.Reject(requestID, err)
}

func (r *Router) sendPhotoResponse(requestID, url string, err error) {
	env := newEnvelope("photo_response")
	env["requestId"] = requestID
	if err != nil {
		env["success"] = false
		env["error"] = photoError(err)
	} else {
		env["success"] = true
		env["photoUrl"] = url
	}
	r.send(env)
}

func photoError(err error) string {
	switch {
	case errors.Is(err, pending.ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	}
	return err.Error()
}

func (r *Router) sendVideoStatus(success bool, status, details string) {
	env := newEnvelope("video_recording_status")
	env["success"] = success
	env["status"] = status
	if details != "" {
		env["details"] = details
	}
	r.send(env)
}

func (r *Router) handleStartVideo(env Envelope) {
	requestID := env.String("requestId")
	if requestID == "" {
		logger.Warn(r.prefix, "Cannot start video recording: missing requestId")
		r.sendVideoStatus(false, "missing_request_id", "")
		return
	}
	if r.opts.Media == nil {
		r.sendVideoStatus(false, "service_unavailable", "")
		return
	}

	r.mu.Lock()
	if r.opts.Media.IsRecording() {
		r.mu.Unlock()
		logger.Debug(r.prefix, "Already recording, ignoring start %s", requestID)
		r.sendVideoStatus(true, "already_recording", "")
		return
	}
	err := r.opts.Media.StartVideoRecording(requestID)
	r.mu.Unlock()

	if err != nil {
		logger.Error(r.prefix, "Failed to start recording %s: %v", requestID, err)
		r.sendVideoStatus(false, "exception", err.Error())
		return
	}
	logger.Info(r.prefix, "Recording started: %s", requestID)
	r.sendVideoStatus(true, "recording_started", "")
}

func (r *Router) handleStopVideo(Envelope) {
	if r.opts.Media == nil {
		r.sendVideoStatus(false, "service_unavailable", "")
		return
	}

	r.mu.Lock()
	if !r.opts.Media.IsRecording() {
		r.mu.Unlock()
		logger.Debug(r.prefix, "Not recording, ignoring stop")
		r.sendVideoStatus(false, "not_recording", "")
		return
	}
	err := r.opts.Media.StopVideoRecording()
	r.mu.Unlock()

	if err != nil {
		logger.Error(r.prefix, "Failed to stop recording: %v", err)
		r.sendVideoStatus(false, "exception", err.Error())
		return
	}
	logger.Info(r.prefix, "Recording stopped")
	r.sendVideoStatus(true, "recording_stopped", "")
}

func (r *Router) handleVideoStatus(Envelope) {
	if r.opts.Media == nil {
		r.sendVideoStatus(false, "service_unavailable", "")
		return
	}

	env := newEnvelope("video_recording_status")
	env["success"] = true
	recording := r.opts.Media.IsRecording()
	env["recording"] = recording
	if recording {
		d := r.opts.Media.RecordingDuration()
		env["duration_ms"] = d.Milliseconds()
		env["duration_formatted"] = formatDuration(d)
	}
	r.send(env)
}

// shortPress stops a running recording, otherwise takes a photo
func (r *Router) shortPress() {
	if r.opts.Media == nil {
		logger.Warn(r.prefix, "Button press ignored: media capture unavailable")
		return
	}

	r.mu.Lock()
	if r.opts.Media.IsRecording() {
		err := r.opts.Media.StopVideoRecording()
		r.mu.Unlock()
		if err != nil {
			logger.Error(r.prefix, "Failed to stop recording on button press: %v", err)
		} else {
			logger.Info(r.prefix, "Recording stopped by button press")
		}
		return
	}
	r.mu.Unlock()

	r.takePhoto(buttonRequestPrefix+uuid.New().String(), false)
}

// longPress toggles video recording
func (r *Router) longPress() {
	if r.opts.Media == nil {
		logger.Warn(r.prefix, "Long press ignored: media capture unavailable")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.Media.IsRecording() {
		if err := r.opts.Media.StopVideoRecording(); err != nil {
			logger.Error(r.prefix, "Failed to stop recording on long press: %v", err)
		}
		return
	}
	requestID := buttonRequestPrefix + uuid.New().String()
	if err := r.opts.Media.StartVideoRecording(requestID); err != nil {
		logger.Error(r.prefix, "Failed to start recording on long press: %v", err)
	}
}
