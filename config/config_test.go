package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GLASSLINK_DEVICE_ID", "glasses-01")

	cfg := Load()
	if cfg.DeviceID != "glasses-01" {
		t.Errorf("expected device id from env, got %s", cfg.DeviceID)
	}
	if cfg.Transport != "serial" || cfg.BaudRate != 115200 {
		t.Errorf("unexpected transport defaults: %s %d", cfg.Transport, cfg.BaudRate)
	}
	if cfg.KeepAliveInterval != time.Second || cfg.ValidatorInterval != 5*time.Second {
		t.Errorf("unexpected timer defaults: %v %v", cfg.KeepAliveInterval, cfg.ValidatorInterval)
	}
	if cfg.NATSURL != "" || cfg.RedisURL != "" {
		t.Errorf("integrations should be off by default")
	}
	if cfg.PhotoCommand != nil {
		t.Errorf("photo command should be unset, got %v", cfg.PhotoCommand)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GLASSLINK_TRANSPORT", "ble")
	t.Setenv("GLASSLINK_KEEPALIVE", "250ms")
	t.Setenv("GLASSLINK_READVERTISE_DELAY", "750")
	t.Setenv("GLASSLINK_HANDSHAKE_TIMEOUT", "soon")
	t.Setenv("GLASSLINK_MAX_READVERTISE", "x")
	t.Setenv("GLASSLINK_WRAP_OUTBOUND", "true")
	t.Setenv("GLASSLINK_PHOTO_CMD", "raspistill -o {path}")

	cfg := Load()
	if cfg.Transport != "ble" {
		t.Errorf("expected ble, got %s", cfg.Transport)
	}
	if cfg.KeepAliveInterval != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.KeepAliveInterval)
	}
	if cfg.ReadvertiseDelay != 750*time.Millisecond {
		t.Errorf("plain numbers are milliseconds, got %v", cfg.ReadvertiseDelay)
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Errorf("bad duration should keep the default, got %v", cfg.HandshakeTimeout)
	}
	if cfg.MaxReadvertise != 10 {
		t.Errorf("bad int should keep the default, got %d", cfg.MaxReadvertise)
	}
	if !cfg.WrapOutbound {
		t.Errorf("expected wrap outbound")
	}
	if len(cfg.PhotoCommand) != 3 || cfg.PhotoCommand[2] != "{path}" {
		t.Errorf("unexpected photo command %v", cfg.PhotoCommand)
	}
}
