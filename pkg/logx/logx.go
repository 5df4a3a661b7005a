// Package logx provides the leveled logger used across the codebase.
// Output format and level are configured from the environment
// (LOG_LEVEL, LOG_FORMAT).
package logx

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Fields holds structured key/value pairs attached to an entry.
type Fields map[string]any

// Logger writes leveled, optionally structured log lines.
type Logger struct {
	mu     sync.Mutex
	level  Level
	json   bool
	writer io.Writer
	exit   func(int)
}

// NewLogger creates a logger writing to w.
func NewLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:  level,
		json:   jsonFormat,
		writer: w,
		exit:   os.Exit,
	}
}

// NewFromEnv creates a logger configured from LOG_LEVEL and LOG_FORMAT.
func NewFromEnv() *Logger {
	return NewLogger(
		os.Stdout,
		ParseLevel(os.Getenv("LOG_LEVEL")),
		strings.EqualFold(os.Getenv("LOG_FORMAT"), "json"),
	)
}

// SetLevel sets the minimum level the logger emits.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

func (l *Logger) log(level Level, msg string, fields Fields, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	now := time.Now()

	if l.json {
		payload := map[string]any{
			"time":    now.Format(time.RFC3339Nano),
			"level":   level.String(),
			"message": msg,
		}
		for k, v := range fields {
			payload[k] = v
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		line, mErr := json.Marshal(payload)
		if mErr != nil {
			fmt.Fprintf(os.Stderr, "logx: marshal entry: %v\n", mErr)
			return
		}
		fmt.Fprintln(l.writer, string(line))
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "%s [%s] %s", now.Format("2006-01-02 15:04:05"), level.String(), msg)
		if len(fields) > 0 {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, fields[k])
			}
		}
		if err != nil {
			fmt.Fprintf(&b, " error=%q", err.Error())
		}
		fmt.Fprintln(l.writer, b.String())
	}

	if level == LevelFatal {
		l.exit(1)
	}
}
