package router

import (
	"github.com/user/glasslink/logger"
)

func (r *Router) sendRtmpStatus(success bool, status, details string) {
	env := newEnvelope("rtmp_status")
	env["success"] = success
	env["status"] = status
	if details != "" {
		env["details"] = details
	}
	r.send(env)
}

// NotifyRtmpStatus forwards a streaming state change reported by the streamer
func (r *Router) NotifyRtmpStatus(success bool, status, details string) {
	r.sendRtmpStatus(success, status, details)
}

func parseVideoConfig(env Envelope) *VideoConfig {
	obj, ok := env.Object("video")
	if !ok {
		return nil
	}
	d := DefaultVideoConfig()
	return &VideoConfig{
		Bitrate: obj.Int("bitrate", d.Bitrate),
		Width:   obj.Int("width", d.Width),
		Height:  obj.Int("height", d.Height),
		FPS:     obj.Int("fps", d.FPS),
	}
}

func parseAudioConfig(env Envelope) *AudioConfig {
	obj, ok := env.Object("audio")
	if !ok {
		return nil
	}
	d := DefaultAudioConfig()
	return &AudioConfig{
		Bitrate:    obj.Int("bitrate", d.Bitrate),
		SampleRate: obj.Int("sampleRate", d.SampleRate),
		Stereo:     obj.Bool("stereo", d.Stereo),
	}
}

func (r *Router) handleStartStream(env Envelope) {
	url := env.String("rtmpUrl")
	if url == "" {
		logger.Warn(r.prefix, "Cannot start RTMP stream: missing rtmpUrl")
		r.sendRtmpStatus(false, "missing_rtmp_url", "")
		return
	}
	if r.opts.Network == nil || !r.opts.Network.IsWifiConnected() {
		logger.Warn(r.prefix, "Cannot start RTMP stream: no wifi connection")
		r.sendRtmpStatus(false, "no_wifi_connection", "")
		return
	}
	if r.opts.Streamer == nil {
		r.sendRtmpStatus(false, "service_unavailable", "")
		return
	}

	video := parseVideoConfig(env)
	audio := parseAudioConfig(env)
	if video != nil {
		logger.Debug(r.prefix, "RTMP video: %d bps %dx%d@%d", video.Bitrate, video.Width, video.Height, video.FPS)
	}
	if audio != nil {
		logger.Debug(r.prefix, "RTMP audio: %d bps %d Hz stereo=%v", audio.Bitrate, audio.SampleRate, audio.Stereo)
	}

	r.mu.Lock()
	if r.opts.Streamer.IsStreaming() {
		logger.Info(r.prefix, "RTMP stream already active, restarting")
		if err := r.opts.Streamer.StopRtmpStream(); err != nil {
			logger.Warn(r.prefix, "Failed to stop current stream: %v", err)
		}
		r.sleep(r.opts.RestartGrace)
	}
	err := r.opts.Streamer.StartRtmpStream(url, video, audio)
	r.mu.Unlock()

	if err != nil {
		logger.Error(r.prefix, "Failed to start RTMP stream: %v", err)
		r.sendRtmpStatus(false, "exception", err.Error())
		return
	}
	logger.Info(r.prefix, "RTMP stream starting: %s", url)
	r.sendRtmpStatus(true, "initializing", "")
}

func (r *Router) handleStopStream(Envelope) {
	if r.opts.Streamer == nil {
		r.sendRtmpStatus(false, "not_streaming", "")
		return
	}

	r.mu.Lock()
	streaming := r.opts.Streamer.IsStreaming()
	var err error
	if streaming {
		err = r.opts.Streamer.StopRtmpStream()
	}
	r.mu.Unlock()

	switch {
	case !streaming:
		r.sendRtmpStatus(false, "not_streaming", "")
	case err != nil:
		logger.Error(r.prefix, "Failed to stop RTMP stream: %v", err)
		r.sendRtmpStatus(false, "exception", err.Error())
	default:
		r.sendRtmpStatus(true, "stopping", "")
	}
}

func (r *Router) handleStreamStatus(Envelope) {
	env := newEnvelope("rtmp_status")
	env["success"] = true
	if r.opts.Streamer == nil {
		env["streaming"] = false
		r.send(env)
		return
	}
	env["streaming"] = r.opts.Streamer.IsStreaming()
	if reconnecting, attempt := r.opts.Streamer.ReconnectState(); reconnecting {
		env["reconnecting"] = true
		env["attempt"] = attempt
	}
	r.send(env)
}
