package link

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/util"
)

// Stats tracks link counters in memory and optionally persists snapshots
type Stats struct {
	mu sync.RWMutex

	counters Counters

	snapshotFile string
	interval     time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	source       func() SessionInfo
}

// Counters are cumulative for the lifetime of the session
type Counters struct {
	BytesReceived   int   `json:"bytes_received"`
	BytesSent       int   `json:"bytes_sent"`
	FramesReceived  int   `json:"frames_received"`
	FramesSent      int   `json:"frames_sent"`
	SendFailures    int   `json:"send_failures"`
	UnframedJSON    int   `json:"unframed_json"`
	Resyncs         int   `json:"resyncs"`
	Overflows       int   `json:"overflows"`
	KeepAliveMisses int   `json:"keep_alive_misses"`
	GhostsDetected  int   `json:"ghosts_detected"`
	Connections     int   `json:"connections"`
	LastActivity    int64 `json:"last_activity"` // nanoseconds since epoch
}

// SessionInfo is the externally visible view of a session
type SessionInfo struct {
	ID          string   `json:"id"`
	Transport   string   `json:"transport"`
	State       string   `json:"state"`
	PayloadSize int      `json:"payload_size"`
	ConnectedAt int64    `json:"connected_at,omitempty"` // nanoseconds since epoch
	Pending     int      `json:"pending_requests"`
	Counters    Counters `json:"counters"`
}

// StatsSnapshot is the JSON written to stats.json
type StatsSnapshot struct {
	Timestamp int64       `json:"timestamp"`
	Session   SessionInfo `json:"session"`
}

func newStats(sessionID string, interval time.Duration) *Stats {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Stats{
		snapshotFile: filepath.Join(util.GetDataDir(), "sessions", sessionID, "stats.json"),
		interval:     interval,
		stopChan:     make(chan struct{}),
	}
}

func (st *Stats) update(fn func(c *Counters)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.counters)
}

func (st *Stats) recordReceived(n, frames int) {
	st.update(func(c *Counters) {
		c.BytesReceived += n
		c.FramesReceived += frames
		c.LastActivity = time.Now().UnixNano()
	})
}

func (st *Stats) recordSent(n int, ok bool) {
	st.update(func(c *Counters) {
		if !ok {
			c.SendFailures++
			return
		}
		c.BytesSent += n
		c.FramesSent++
		c.LastActivity = time.Now().UnixNano()
	})
}

// Snapshot returns a copy of the counters
func (st *Stats) Snapshot() Counters {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.counters
}

// start runs the background goroutine that writes snapshots every interval
func (st *Stats) start(source func() SessionInfo) {
	st.source = source
	if err := os.MkdirAll(filepath.Dir(st.snapshotFile), 0755); err != nil {
		logger.Warn("stats", "Snapshots disabled, cannot create %s: %v", filepath.Dir(st.snapshotFile), err)
	}
	st.wg.Add(1)
	go st.snapshotLoop()
}

func (st *Stats) snapshotLoop() {
	defer st.wg.Done()

	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stopChan:
			st.writeSnapshot()
			return
		case <-ticker.C:
			st.writeSnapshot()
		}
	}
}

func (st *Stats) writeSnapshot() {
	if st.source == nil {
		return
	}
	snapshot := &StatsSnapshot{
		Timestamp: time.Now().UnixNano(),
		Session:   st.source(),
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}

	// Write atomically (temp file + rename)
	tempPath := st.snapshotFile + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		logger.Debug("stats", "Snapshot write failed: %v", err)
		return
	}
	if err := os.Rename(tempPath, st.snapshotFile); err != nil {
		logger.Debug("stats", "Snapshot rename failed: %v", err)
	}
}

// stop ends the snapshot loop after a final write. Safe to call when never started.
func (st *Stats) stop() {
	st.stopOnce.Do(func() { close(st.stopChan) })
	st.wg.Wait()
}
