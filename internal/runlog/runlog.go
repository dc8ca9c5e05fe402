// Package runlog appends structured run events to one JSONL file per run.
// Every row carries ts, event and elapsed_s followed by the event fields.
package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event names written by the app itself. The trade events come from the
// position machine.
const (
	EventRunStarted        = "run_started"
	EventMarketChanged     = "market_changed"
	EventSnapshot          = "snapshot"
	EventRunFinished       = "run_finished"
	EventSupervisorRestart = "supervisor_restart"
)

// Options describes a run log file.
type Options struct {
	Dir      string
	Strategy string
	Coin     string
	Interval int
	// ID is the 8 character file suffix; empty picks a random one.
	ID  string
	Now func() time.Time
}

// FileName returns "<UTC stamp>-<strategy>-<coin>-<interval>m-<id>.jsonl".
func FileName(at time.Time, strategy, coin string, interval int, id string) string {
	return fmt.Sprintf("%s-%s-%s-%dm-%s.jsonl",
		at.UTC().Format("20060102-150405"),
		strings.ToLower(strategy), strings.ToLower(coin), interval, id)
}

// Writer appends events to a run log. A nil Writer discards everything, so
// callers need not check whether run logging is enabled.
type Writer struct {
	f     *os.File
	path  string
	log   *slog.Logger
	start time.Time
	now   func() time.Time
}

// Open creates the log directory and file.
func Open(opts Options) (*Writer, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	id := opts.ID
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create dir: %w", err)
	}

	start := now()
	path := filepath.Join(opts.Dir, FileName(start, opts.Strategy, opts.Coin, opts.Interval, id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open %s: %w", path, err)
	}

	w := &Writer{f: f, path: path, start: start, now: now}
	w.log = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{
		ReplaceAttr: w.replace,
	}))
	return w, nil
}

// replace maps the slog record keys onto the run log row layout.
func (w *Writer) replace(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		return slog.String("ts", w.now().UTC().Format(time.RFC3339Nano))
	case slog.LevelKey:
		return slog.Attr{}
	case slog.MessageKey:
		return slog.Attr{Key: "event", Value: a.Value}
	}
	return a
}

// Path returns the file path, or "" for a nil Writer.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Event appends one row. Fields are written in key order.
func (w *Writer) Event(name string, fields map[string]any) {
	if w == nil {
		return
	}
	elapsed := w.now().Sub(w.start).Seconds()
	attrs := make([]slog.Attr, 0, len(fields)+1)
	attrs = append(attrs, slog.Float64("elapsed_s", float64(int64(elapsed*1000))/1000))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	w.log.LogAttrs(context.Background(), slog.LevelInfo, name, attrs...)
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	_ = w.f.Sync()
	return w.f.Close()
}
