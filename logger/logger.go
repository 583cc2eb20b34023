package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Raw frame bytes, buffer bookkeeping
	DEBUG                 // Decoded envelopes and outbound responses
	INFO                  // Session lifecycle (advertising, connected, ready)
	WARN                  // Recoverable protocol problems
	ERROR                 // Errors
)

var (
	currentLevel LogLevel = levelFromEnv()
	out          io.Writer = os.Stdout
	timestamps   bool
	mu           sync.RWMutex
	writeMu      sync.Mutex
)

func levelFromEnv() LogLevel {
	if v := os.Getenv("GLASSLINK_LOG_LEVEL"); v != "" {
		return ParseLevel(v)
	}
	return DEBUG
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects log lines, used by the daemon for log files and by tests to capture output
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	out = w
}

// EnableTimestamps prefixes each line with an RFC3339 millisecond timestamp
func EnableTimestamps(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	timestamps = enabled
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO "
	case WARN:
		return "WARN "
	case ERROR:
		return "ERROR"
	}
	return "?????"
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}

	mu.RLock()
	w := out
	ts := timestamps
	mu.RUnlock()

	var b strings.Builder
	if ts {
		b.WriteString(time.Now().Format("2006-01-02T15:04:05.000"))
		b.WriteByte(' ')
	}
	if prefix != "" {
		fmt.Fprintf(&b, "[%s %s] ", prefix, level)
	} else {
		fmt.Fprintf(&b, "[%s] ", level)
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')

	writeMu.Lock()
	io.WriteString(w, b.String())
	writeMu.Unlock()
}

// Trace logs a trace message (raw frame bytes, buffer bookkeeping)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message (decoded envelopes, responses)
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (session lifecycle)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging.
// Generic JSON objects are routed through structpb so envelopes print with the
// same protojson formatting as proto messages.
func ToJSON(v interface{}) string {
	if m, ok := v.(map[string]interface{}); ok {
		if s, err := structpb.NewStruct(m); err == nil {
			v = s
		}
	}

	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline:       true,
			Indent:          "  ",
			EmitUnpopulated: false,
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
