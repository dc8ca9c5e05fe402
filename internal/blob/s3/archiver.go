package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// multipartThreshold is the run log size above which uploads go through the
// multipart manager.
const multipartThreshold int64 = 8 * 1024 * 1024

// RunArchiver uploads the artifacts of a finished run: the JSONL run log and
// the final session state.
//
// Object layout:
//
//	{prefix}/runs/{coin}/{YYYY-MM-DD}/{run log file name}
//	{prefix}/runs/{coin}/{YYYY-MM-DD}/{run id}-state.json
type RunArchiver struct {
	writer domain.BlobWriter
	prefix string
}

// NewArchiver creates a RunArchiver writing under prefix.
func NewArchiver(writer domain.BlobWriter, prefix string) *RunArchiver {
	return &RunArchiver{writer: writer, prefix: strings.Trim(prefix, "/")}
}

// ArchiveRun uploads the run log at logPath (skipped when empty) and a JSON
// copy of state. It returns the object keys written.
func (a *RunArchiver) ArchiveRun(ctx context.Context, logPath string, state *domain.SessionState) ([]string, error) {
	if state == nil {
		return nil, fmt.Errorf("s3blob: archive run: nil state")
	}
	dir := a.runDir(state)
	var keys []string

	if logPath != "" {
		key, err := a.uploadLog(ctx, dir, logPath)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	buf, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return keys, fmt.Errorf("s3blob: archive run marshal state: %w", err)
	}
	key := path.Join(dir, state.RunID+"-state.json")
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), "application/json"); err != nil {
		return keys, fmt.Errorf("s3blob: archive run state: %w", err)
	}
	return append(keys, key), nil
}

func (a *RunArchiver) uploadLog(ctx context.Context, dir, logPath string) (string, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive run open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("s3blob: archive run stat log: %w", err)
	}

	key := path.Join(dir, filepath.Base(logPath))
	if info.Size() > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, f, minPartSize)
	} else {
		err = a.writer.Put(ctx, key, f, "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive run log: %w", err)
	}
	return key, nil
}

func (a *RunArchiver) runDir(state *domain.SessionState) string {
	coin := strings.ToLower(state.Coin)
	if coin == "" {
		coin = "unknown"
	}
	parts := []string{"runs", coin, state.StartedAt.UTC().Format("2006-01-02")}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}
