// Package log provides a minimal leveled logger used across the evtx
// module. It mirrors the shape the rest of the module calls against
// (NewStdLogger, NewHelper, NewFilter, FilterLevel, Helper.Warnf/Errorf/
// Debugf) so packages never import the standard "log" package directly.
package log

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int8

// Severity levels, lowest to highest.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal sink every helper writes through.
type Logger interface {
	Log(level Level, msg string)
}

// stdLogger writes timestamped lines to an io.Writer.
type stdLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdLogger returns a Logger that writes to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{w: w}
}

func (s *stdLogger) Log(level Level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), level, msg)
}

// filter wraps a Logger and drops anything below its minimum level.
type filter struct {
	next Logger
	min  Level
}

// FilterOption configures a filter constructed by NewFilter.
type FilterOption func(*filter)

// FilterLevel sets the minimum level that passes through the filter.
func FilterLevel(min Level) FilterOption {
	return func(f *filter) { f.min = min }
}

// NewFilter wraps next with the given options.
func NewFilter(next Logger, opts ...FilterOption) Logger {
	f := &filter{next: next, min: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *filter) Log(level Level, msg string) {
	if level < f.min {
		return
	}
	f.next.Log(level, msg)
}

// Helper adds printf-style convenience methods over a Logger.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger with Debugf/Warnf/Errorf helpers.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

// Debugf logs at LevelDebug.
func (h *Helper) Debugf(format string, args ...interface{}) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Log(LevelDebug, fmt.Sprintf(format, args...))
}

// Infof logs at LevelInfo.
func (h *Helper) Infof(format string, args ...interface{}) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs at LevelWarn.
func (h *Helper) Warnf(format string, args ...interface{}) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Log(LevelWarn, fmt.Sprintf(format, args...))
}

// Warn logs a single message at LevelWarn.
func (h *Helper) Warn(msg string) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Log(LevelWarn, msg)
}

// Errorf logs at LevelError.
func (h *Helper) Errorf(format string, args ...interface{}) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Log(LevelError, fmt.Sprintf(format, args...))
}
