package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration for the glasses daemon
type Config struct {
	DeviceID string

	// Transport: "serial", "ble" or "loopback"
	Transport  string
	SerialPort string
	BaudRate   int
	BLEName    string
	BLEAdapter string
	AssumedMTU int

	// Session timings
	KeepAliveInterval time.Duration
	ValidatorInterval time.Duration
	HandshakeTimeout  time.Duration
	ReadvertiseDelay  time.Duration
	AdvertiseTimeout  time.Duration
	MaxReadvertise    int
	WrapOutbound      bool
	EventLog          bool
	StatsSnapshots    bool

	// Collaborators
	WifiInterface   string
	HotspotSSID     string
	HotspotPassword string
	PhotoCommand    []string
	VideoCommand    []string
	StreamCommand   []string
	MediaURLBase    string

	// Version info reported to the phone
	AppVersion  string
	BuildNumber string
	DeviceModel string

	// Optional integrations; empty disables them
	HTTPAddr   string
	NATSURL    string
	RedisURL   string
	SessionTTL time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		DeviceID: getEnv("GLASSLINK_DEVICE_ID", defaultDeviceID()),

		Transport:  getEnv("GLASSLINK_TRANSPORT", "serial"),
		SerialPort: getEnv("GLASSLINK_SERIAL_PORT", "/dev/ttyS1"),
		BaudRate:   getEnvAsInt("GLASSLINK_BAUD_RATE", 115200),
		BLEName:    getEnv("GLASSLINK_BLE_NAME", "Mentra Live"),
		BLEAdapter: getEnv("GLASSLINK_BLE_ADAPTER", "hci0"),
		AssumedMTU: getEnvAsInt("GLASSLINK_BLE_MTU", 0),

		KeepAliveInterval: getEnvAsDuration("GLASSLINK_KEEPALIVE", time.Second),
		ValidatorInterval: getEnvAsDuration("GLASSLINK_VALIDATOR", 5*time.Second),
		HandshakeTimeout:  getEnvAsDuration("GLASSLINK_HANDSHAKE_TIMEOUT", 2*time.Second),
		ReadvertiseDelay:  getEnvAsDuration("GLASSLINK_READVERTISE_DELAY", 500*time.Millisecond),
		AdvertiseTimeout:  getEnvAsDuration("GLASSLINK_ADVERTISE_TIMEOUT", 0),
		MaxReadvertise:    getEnvAsInt("GLASSLINK_MAX_READVERTISE", 10),
		WrapOutbound:      getEnvAsBool("GLASSLINK_WRAP_OUTBOUND", false),
		EventLog:          getEnvAsBool("GLASSLINK_EVENT_LOG", true),
		StatsSnapshots:    getEnvAsBool("GLASSLINK_STATS", true),

		WifiInterface:   getEnv("GLASSLINK_WIFI_IFACE", "wlan0"),
		HotspotSSID:     getEnv("GLASSLINK_HOTSPOT_SSID", "Mentra Live"),
		HotspotPassword: getEnv("GLASSLINK_HOTSPOT_PASSWORD", "MentraLive"),
		PhotoCommand:    getEnvAsFields("GLASSLINK_PHOTO_CMD"),
		VideoCommand:    getEnvAsFields("GLASSLINK_VIDEO_CMD"),
		StreamCommand:   getEnvAsFields("GLASSLINK_STREAM_CMD"),
		MediaURLBase:    getEnv("GLASSLINK_MEDIA_URL", ""),

		AppVersion:  getEnv("GLASSLINK_APP_VERSION", "dev"),
		BuildNumber: getEnv("GLASSLINK_BUILD_NUMBER", "0"),
		DeviceModel: getEnv("GLASSLINK_DEVICE_MODEL", "K900"),

		HTTPAddr:   getEnv("GLASSLINK_HTTP_ADDR", ":8090"),
		NATSURL:    getEnv("NATS_URL", ""),
		RedisURL:   getEnv("REDIS_URL", ""),
		SessionTTL: getEnvAsDuration("GLASSLINK_SESSION_TTL", 30*time.Second),
	}
}

func defaultDeviceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("1500ms") or plain milliseconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getEnvAsFields splits a command line on whitespace; nil when unset
func getEnvAsFields(key string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Fields(value)
	}
	return nil
}
