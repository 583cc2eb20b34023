package util

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/glasslink/logger"
)

func TestGetMediaDirCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	t.Setenv("GLASSLINK_DIR", root)

	dir := GetMediaDir()
	if dir != filepath.Join(root, "media") {
		t.Fatalf("unexpected media dir %s", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("media dir not created: %v", err)
	}
}

func TestGetSessionDirLogsCreateFailure(t *testing.T) {
	// A regular file where the data directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GLASSLINK_DIR", blocker)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	prev := logger.GetLevel()
	logger.SetLevel(logger.INFO)
	defer func() {
		logger.SetLevel(prev)
		logger.SetOutput(nil)
	}()

	dir := GetSessionDir("abc")
	if dir != filepath.Join(blocker, "sessions", "abc") {
		t.Errorf("unexpected session dir %s", dir)
	}
	if got := buf.String(); !strings.Contains(got, "WARN") || !strings.Contains(got, "Cannot create") {
		t.Errorf("expected a warning for the failed mkdir, got %q", got)
	}
}
