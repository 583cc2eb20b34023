package router

import (
	"fmt"
	"math"
	"time"
)

// Envelope is a JSON command or response object keyed by its "type" field
type Envelope map[string]interface{}

// Direction of an observed envelope
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Type returns the "type" field or ""
func (e Envelope) Type() string {
	t, _ := e["type"].(string)
	return t
}

// String returns a string field, "" when missing or not a string
func (e Envelope) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Object returns a nested object field
func (e Envelope) Object(key string) (Envelope, bool) {
	obj, ok := e[key].(map[string]interface{})
	return Envelope(obj), ok
}

// Int returns a numeric field truncated to int, or def when absent or not a number
func (e Envelope) Int(key string, def int) int {
	switch v := e[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return def
		}
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// Bool returns a boolean field, or def when absent
func (e Envelope) Bool(key string, def bool) bool {
	if b, ok := e[key].(bool); ok {
		return b
	}
	return def
}

func newEnvelope(typ string) Envelope {
	return Envelope{"type": typ}
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// formatDuration renders mm:ss the way the phone app displays recording time
func formatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", (total/60)%60, total%60)
}
