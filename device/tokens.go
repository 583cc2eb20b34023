package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/glasslink/util"
)

// ErrNoToken is returned by CoreToken before any token was saved
var ErrNoToken = errors.New("device: no core token saved")

type storedToken struct {
	CoreToken string `json:"core_token"`
	SavedAt   int64  `json:"saved_at"`
}

// FileTokenStore keeps the core token in the data dir
type FileTokenStore struct {
	path string
	mu   sync.Mutex
}

// NewFileTokenStore stores under dir, or the data dir when dir is empty
func NewFileTokenStore(dir string) *FileTokenStore {
	if dir == "" {
		dir = util.GetDataDir()
	}
	return &FileTokenStore{path: filepath.Join(dir, "core_token.json")}
}

func (f *FileTokenStore) SaveCoreToken(token string) error {
	data, err := json.Marshal(storedToken{CoreToken: token, SavedAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("device: token dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("device: write token: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileTokenStore) CoreToken() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("device: corrupt token file: %w", err)
	}
	return st.CoreToken, nil
}
