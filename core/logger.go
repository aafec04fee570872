package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls which records a JSONLogger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLogLevel maps a string (case-sensitive, lowercase) to a LogLevel.
// Unknown values default to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// JSONLogger writes one JSON object per line. It is the production
// implementation of Logger; subsystems default to NoOpLogger when no
// logger is injected.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewJSONLogger creates a logger writing to stderr at the given level.
func NewJSONLogger(level LogLevel) *JSONLogger {
	return &JSONLogger{out: os.Stderr, level: level}
}

// NewJSONLoggerWithOutput creates a logger writing to w. Used by tests.
func NewJSONLoggerWithOutput(w io.Writer, level LogLevel) *JSONLogger {
	return &JSONLogger{out: w, level: level}
}

// WithComponent returns a logger that stamps every record with a component name.
func (l *JSONLogger) WithComponent(component string) *JSONLogger {
	return &JSONLogger{out: l.out, level: l.level, component: component}
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.emit(LevelDebug, "debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.emit(LevelInfo, "info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.emit(LevelWarn, "warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.emit(LevelError, "error", msg, fields)
}

func (l *JSONLogger) emit(level LogLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	record := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		record[k] = v
	}
	record["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = levelName
	record["message"] = msg
	if l.component != "" {
		record["component"] = l.component
	}

	data, err := json.Marshal(record)
	if err != nil {
		// Fields contained something unmarshalable; degrade to a flat record
		data, _ = json.Marshal(map[string]interface{}{
			"time":    time.Now().UTC().Format(time.RFC3339Nano),
			"level":   levelName,
			"message": msg,
			"error":   fmt.Sprintf("log marshal failed: %v", err),
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}
