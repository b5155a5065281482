// Package audit collects the log rows an exchange produces and hands them to
// a sink once the exchange's unit of work is finished.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/suPer8Hu/chat-proxy/internal/logger"
)

const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

type Entry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink persists a batch of entries.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
}

// Trail is the ordered set of entries for one exchange. Entries are mirrored
// to the process log as they are recorded.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
	log     *logger.Logger
}

func NewTrail(log *logger.Logger) *Trail {
	if log == nil {
		log = logger.Nop()
	}
	return &Trail{log: log}
}

func (t *Trail) Info(format string, args ...any)     { t.add(LevelInfo, format, args...) }
func (t *Trail) Warn(format string, args ...any)     { t.add(LevelWarning, format, args...) }
func (t *Trail) Error(format string, args ...any)    { t.add(LevelError, format, args...) }
func (t *Trail) Critical(format string, args ...any) { t.add(LevelCritical, format, args...) }

func (t *Trail) add(level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	t.mu.Lock()
	t.entries = append(t.entries, Entry{Level: level, Message: msg, Timestamp: time.Now().UTC()})
	t.mu.Unlock()

	switch level {
	case LevelInfo:
		t.log.Info(msg)
	case LevelWarning:
		t.log.Warn(msg)
	default:
		t.log.Error(msg, "level", level)
	}
}

// Entries returns a copy of what has been recorded so far.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Recorder flushes trails to a sink. Flushing is best effort: a sink failure
// is logged and never surfaces to the caller.
type Recorder struct {
	sink Sink
	log  *logger.Logger
}

func NewRecorder(sink Sink, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	return &Recorder{sink: sink, log: log}
}

func (r *Recorder) Flush(ctx context.Context, t *Trail) {
	if r == nil || r.sink == nil || t == nil {
		return
	}
	entries := t.Entries()
	if len(entries) == 0 {
		return
	}

	// the request may already be cancelled; the rows are still wanted
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.sink.Write(wctx, entries); err != nil {
		r.log.Error("audit flush failed", "entries", len(entries), "error", err)
	}
}
