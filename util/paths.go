package util

import (
	"os"
	"path/filepath"

	"github.com/user/glasslink/logger"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("GLASSLINK_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "glasslink-data")
	}
	return filepath.Join(home, ".glasslink-data")
}

// GetSessionDir returns the directory holding event logs and stats for one link session.
// The directory is created on demand.
func GetSessionDir(sessionID string) string {
	return ensureDir(filepath.Join(GetDataDir(), "sessions", sessionID))
}

// GetMediaDir returns the directory photos and recordings are written to
func GetMediaDir() string {
	return ensureDir(filepath.Join(GetDataDir(), "media"))
}

// ensureDir creates dir and returns it. A failure is logged; callers find out
// again when they write into it.
func ensureDir(dir string) string {
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("paths", "Cannot create %s: %v", dir, err)
	}
	return dir
}

// ShortID trims an identifier for log prefixes
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
