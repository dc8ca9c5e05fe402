// Package statefile persists the session state as an indented JSON file that
// is replaced atomically on every save.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// Load reads the state file at path. It returns an error wrapping
// domain.ErrNotFound when the file does not exist and domain.ErrStateCorrupt
// when it cannot be used.
func Load(path string) (*domain.SessionState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("statefile: %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("statefile: read %s: %w", path, err)
	}

	var st domain.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("statefile: decode %s: %v: %w", path, err, domain.ErrStateCorrupt)
	}
	switch {
	case st.Version > domain.SessionStateVersion:
		return nil, fmt.Errorf("statefile: %s has version %d, newest known is %d: %w",
			path, st.Version, domain.SessionStateVersion, domain.ErrStateCorrupt)
	case st.Bankroll.IsNegative():
		return nil, fmt.Errorf("statefile: %s has negative bankroll %s: %w", path, st.Bankroll, domain.ErrStateCorrupt)
	case st.Position != nil && (st.Position.Size <= 0 || st.Position.EntryPrice <= 0):
		return nil, fmt.Errorf("statefile: %s has an invalid position: %w", path, domain.ErrStateCorrupt)
	}
	st.Version = domain.SessionStateVersion
	return &st, nil
}

// Save writes st to path through a temporary file in the same directory,
// fsyncs it and renames it over the destination.
func Save(path string, st *domain.SessionState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile: encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statefile: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("statefile: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("statefile: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("statefile: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("statefile: rename: %w", err)
	}

	// Persist the rename itself; not every platform can fsync a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Reset removes the state file. A missing file is not an error.
func Reset(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("statefile: reset: %w", err)
	}
	return nil
}

// ResumeOptions controls how Resume picks the starting state.
type ResumeOptions struct {
	Resume bool
	Reset  bool
	Now    time.Time
	// Fresh builds the state used when nothing is resumed.
	Fresh func() *domain.SessionState
}

// Resume returns the state a run starts from and whether it was restored
// from path. Corrupt files and files written for another market are
// replaced by a fresh state with a warning. A restored session keeps its
// end time while that is still in the future.
func Resume(path string, opts ResumeOptions, logger *slog.Logger) (*domain.SessionState, bool, error) {
	fresh := opts.Fresh()
	if opts.Reset {
		if err := Reset(path); err != nil {
			return nil, false, err
		}
		logger.Info("state reset", slog.String("path", path))
		return fresh, false, nil
	}
	if !opts.Resume {
		return fresh, false, nil
	}

	st, err := Load(path)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fresh, false, nil
	case errors.Is(err, domain.ErrStateCorrupt):
		logger.Warn("state file unusable, starting fresh",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fresh, false, nil
	case err != nil:
		return nil, false, err
	}

	if st.Coin != fresh.Coin || st.Interval != fresh.Interval {
		logger.Warn("state file belongs to another market, starting fresh",
			slog.String("path", path),
			slog.String("coin", st.Coin),
			slog.Int("interval", st.Interval),
		)
		return fresh, false, nil
	}

	if !st.EndsAt.After(opts.Now) {
		st.EndsAt = fresh.EndsAt
	}
	st.Mode = fresh.Mode
	st.UpdatedAt = opts.Now
	if st.RNGSeed == 0 {
		st.RNGSeed = fresh.RNGSeed
	}
	if st.RunID == "" {
		st.RunID = fresh.RunID
	}

	logger.Info("state resumed",
		slog.String("path", path),
		slog.String("run_id", st.RunID),
		slog.String("bankroll", st.Bankroll.StringFixed(2)),
		slog.Bool("position_open", st.Position != nil),
		slog.Time("ends_at", st.EndsAt),
	)
	return st, true, nil
}
