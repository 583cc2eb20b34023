package router

import "time"

// Sender delivers an outbound JSON envelope to the peer
type Sender interface {
	SendJSON(v interface{}) error
}

// MediaCapture drives the camera. TakePhoto only starts a capture; the
// outcome is reported back through Router.CompletePhoto / Router.FailPhoto.
type MediaCapture interface {
	TakePhoto(requestID, path string) error
	StartVideoRecording(requestID string) error
	StopVideoRecording() error
	IsRecording() bool
	RecordingDuration() time.Duration
}

// Streamer publishes the camera feed to an RTMP endpoint
type Streamer interface {
	StartRtmpStream(url string, video *VideoConfig, audio *AudioConfig) error
	StopRtmpStream() error
	IsStreaming() bool
	// ReconnectState reports whether the stream is reconnecting and on which attempt
	ReconnectState() (reconnecting bool, attempt int)
}

// NetworkController owns wifi client and access point control
type NetworkController interface {
	ConnectToWifi(ssid, password string) error
	ScanWifiNetworks() ([]string, error)
	IsWifiConnected() bool
	CurrentSSID() string
	StartAccessPoint(ssid, password string) error
	StopAccessPoint() error
}

// TokenStore persists the core authentication token
type TokenStore interface {
	SaveCoreToken(token string) error
}

// VideoConfig is the optional "video" object of start_rtmp_stream
type VideoConfig struct {
	Bitrate int `json:"bitrate"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	FPS     int `json:"fps"`
}

// AudioConfig is the optional "audio" object of start_rtmp_stream
type AudioConfig struct {
	Bitrate    int  `json:"bitrate"`
	SampleRate int  `json:"sampleRate"`
	Stereo     bool `json:"stereo"`
}

// DefaultVideoConfig is used for fields the phone leaves out
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{Bitrate: 2000000, Width: 640, Height: 480, FPS: 30}
}

// DefaultAudioConfig is used for fields the phone leaves out
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{Bitrate: 128000, SampleRate: 44100, Stereo: true}
}

// VersionInfo is reported in version_info
type VersionInfo struct {
	AppVersion  string
	BuildNumber string
	DeviceModel string
	OSVersion   string
}
