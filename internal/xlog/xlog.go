// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package xlog provides the small leveled-logging surface the decoder
// wires into Options, so that recoverable anomalies found while parsing
// (a directory whose decoding failed or panicked, a section whose
// VirtualSize is zero) are reported through a caller-pluggable sink instead
// of being dropped on the floor or printed with log.Printf. Individual
// entries a decoder skips inside a directory are not reported.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Level orders log severities from most to least verbose.
type Level int

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

// Logger is the minimal sink a Helper writes through. Implementations only
// need to record a leveled, already-formatted line.
type Logger interface {
	Log(level Level, msg string) error
}

// Helper adds printf-style convenience methods on top of a Logger, the way
// the teacher library's log.Helper wraps its own Logger.
type Helper struct {
	l Logger
}

// NewHelper wraps a Logger with Debugf/Infof/Warnf/Errorf convenience
// methods. A nil Logger makes every call a silent no-op, so callers that
// don't supply Options.Logger pay nothing for logging.
func NewHelper(l Logger) *Helper {
	return &Helper{l: l}
}

func (h *Helper) log(level Level, format string, args ...interface{}) {
	if h == nil || h.l == nil {
		return
	}
	h.l.Log(level, fmt.Sprintf(format, args...))
}

func (h *Helper) Debugf(format string, args ...interface{}) { h.log(LevelDebug, format, args...) }
func (h *Helper) Infof(format string, args ...interface{})  { h.log(LevelInfo, format, args...) }
func (h *Helper) Warnf(format string, args ...interface{})  { h.log(LevelWarn, format, args...) }
func (h *Helper) Errorf(format string, args ...interface{}) { h.log(LevelError, format, args...) }

// stdLogger writes leveled lines to an io.Writer, one per call, guarded by
// a mutex so concurrent directory decoders (§5) can share one Logger.
type stdLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdLogger returns a Logger that writes "LEVEL msg\n" lines to w. A nil
// w defaults to os.Stderr.
func NewStdLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &stdLogger{w: w}
}

func (s *stdLogger) Log(level Level, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s %s\n", level, msg)
	return err
}

// filter drops records below a minimum level before forwarding to next.
type filter struct {
	next Logger
	min  Level
}

// FilterOption configures a Filter constructed by NewFilter.
type FilterOption func(*filter)

// FilterLevel sets the minimum level a filtered Logger passes through.
func FilterLevel(min Level) FilterOption {
	return func(f *filter) { f.min = min }
}

// NewFilter wraps next, dropping any record below the configured minimum
// level (LevelDebug if unset).
func NewFilter(next Logger, opts ...FilterOption) Logger {
	f := &filter{next: next, min: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *filter) Log(level Level, msg string) error {
	if level < f.min || f.next == nil {
		return nil
	}
	return f.next.Log(level, msg)
}
