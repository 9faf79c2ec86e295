// Package testutil provides helpers for tests across the module.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// LogRecord is a captured log record with its attributes flattened.
// Attributes inside groups are keyed "group.key".
type LogRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// LogRecorder is a slog.Handler that keeps every record. Loggers derived
// with With or WithGroup share the recorder.
type LogRecorder struct {
	mu      sync.Mutex
	records []LogRecord
}

type recorderHandler struct {
	rec    *LogRecorder
	attrs  []slog.Attr
	groups []string
}

// NewTestLogger returns a logger that records into the returned recorder.
func NewTestLogger() (*slog.Logger, *LogRecorder) {
	rec := &LogRecorder{}
	return slog.New(&recorderHandler{rec: rec}), rec
}

func (h *recorderHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recorderHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	for _, a := range h.attrs {
		flatten(attrs, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, prefix, a)
		return true
	})

	h.rec.mu.Lock()
	h.rec.records = append(h.rec.records, LogRecord{Level: r.Level, Message: r.Message, Attrs: attrs})
	h.rec.mu.Unlock()
	return nil
}

func (h *recorderHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	next := &recorderHandler{rec: h.rec, groups: h.groups}
	next.attrs = append(append(next.attrs, h.attrs...), prefixed(prefix, attrs)...)
	return next
}

func (h *recorderHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &recorderHandler{
		rec:    h.rec,
		attrs:  h.attrs,
		groups: append(append([]string(nil), h.groups...), name),
	}
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + "." + a.Key, Value: a.Value}
	}
	return out
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			flatten(dst, key, ga)
		}
		return
	}
	dst[key] = v.Any()
}

// Records returns a copy of the captured records.
func (r *LogRecorder) Records() []LogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogRecord(nil), r.records...)
}

// Find returns the first record whose message contains msg.
func (r *LogRecorder) Find(msg string) (LogRecord, bool) {
	for _, rec := range r.Records() {
		if strings.Contains(rec.Message, msg) {
			return rec, true
		}
	}
	return LogRecord{}, false
}

// AssertLogged fails t unless a record at level contains msg.
func AssertLogged(t testing.TB, r *LogRecorder, level slog.Level, msg string) {
	t.Helper()
	for _, rec := range r.Records() {
		if rec.Level == level && strings.Contains(rec.Message, msg) {
			return
		}
	}
	t.Errorf("no %s record containing %q", level, msg)
	for _, rec := range r.Records() {
		t.Logf("  [%s] %s %v", rec.Level, rec.Message, rec.Attrs)
	}
}

// AssertNoSecret fails t if secret appears in any message or attribute
// value.
func AssertNoSecret(t testing.TB, r *LogRecorder, secret string) {
	t.Helper()
	for _, rec := range r.Records() {
		if strings.Contains(rec.Message, secret) {
			t.Errorf("secret logged in message %q", rec.Message)
		}
		for k, v := range rec.Attrs {
			if strings.Contains(fmt.Sprint(v), secret) {
				t.Errorf("secret logged in attribute %q of %q", k, rec.Message)
			}
		}
	}
}
