package link

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/user/glasslink/logger"
	"github.com/user/glasslink/util"
)

// Event is one line of the session event log
type Event struct {
	Timestamp int64             `json:"timestamp"` // nanoseconds since epoch
	Event     string            `json:"event"`     // state_change, size_negotiated, ghost_detected, buffer_overflow, ...
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// EventLog appends session events to events.jsonl in the session directory
type EventLog struct {
	prefix  string
	logPath string
	mutex   sync.Mutex
	enabled bool
}

// NewEventLog creates an event log. A disabled log drops everything.
func NewEventLog(sessionID string, enabled bool) *EventLog {
	if !enabled {
		return &EventLog{enabled: false}
	}
	return &EventLog{
		prefix:  util.ShortID(sessionID) + " events",
		logPath: filepath.Join(util.GetSessionDir(sessionID), "events.jsonl"),
		enabled: true,
	}
}

// Log writes one event line
func (el *EventLog) Log(event Event) {
	if el == nil || !el.enabled {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn(el.prefix, "Failed to marshal event: %v", err)
		return
	}

	el.mutex.Lock()
	defer el.mutex.Unlock()

	f, err := os.OpenFile(el.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(el.prefix, "Failed to open event log: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Warn(el.prefix, "Failed to write event: %v", err)
	}
}

// Path returns the log file location, empty when disabled
func (el *EventLog) Path() string {
	if el == nil {
		return ""
	}
	return el.logPath
}

func (el *EventLog) LogStateChange(c StateChange) {
	el.Log(Event{
		Timestamp: c.At.UnixNano(),
		Event:     "state_change",
		From:      c.From.String(),
		To:        c.To.String(),
		Reason:    c.Reason,
	})
}

func (el *EventLog) LogSizeNegotiated(size int, fallback bool) {
	details := map[string]string{"payload_size": strconv.Itoa(size)}
	if fallback {
		details["fallback"] = "true"
	}
	el.Log(Event{Event: "size_negotiated", Details: details})
}

func (el *EventLog) LogGhost(transportName string) {
	el.Log(Event{
		Event:   "ghost_detected",
		Details: map[string]string{"transport": transportName},
	})
}

func (el *EventLog) LogError(event string, err error) {
	el.Log(Event{Event: event, Error: err.Error()})
}
