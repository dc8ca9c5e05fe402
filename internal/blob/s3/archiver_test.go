package s3blob_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/flashbot/internal/blob/s3"
	"github.com/alanyoungcy/flashbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	fail    error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.fail != nil {
		return m.fail
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "multipart")
}

func testState() *domain.SessionState {
	start := time.Date(2024, 3, 9, 23, 30, 0, 0, time.UTC)
	st := domain.NewSessionState("run-1", decimal.NewFromInt(20), start, time.Hour, 7)
	st.Coin = "BTC"
	st.Interval = 15
	return st
}

func TestArchiveRunUploadsLogAndState(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "20240309T233000Z-flash_crash-btc-15m-abcd1234.jsonl")
	require.NoError(t, os.WriteFile(logPath, []byte(`{"event":"run_started"}`+"\n"), 0o644))

	w := newMemWriter()
	keys, err := s3blob.NewArchiver(w, "/flashbot/").ArchiveRun(context.Background(), logPath, testState())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"flashbot/runs/btc/2024-03-09/20240309T233000Z-flash_crash-btc-15m-abcd1234.jsonl",
		"flashbot/runs/btc/2024-03-09/run-1-state.json",
	}, keys)
	assert.Equal(t, "application/x-ndjson", w.types[keys[0]])
	assert.Equal(t, `{"event":"run_started"}`+"\n", string(w.objects[keys[0]]))

	var restored domain.SessionState
	require.NoError(t, json.Unmarshal(w.objects[keys[1]], &restored))
	assert.Equal(t, "run-1", restored.RunID)
	assert.True(t, restored.Bankroll.Equal(decimal.NewFromInt(20)))
}

func TestArchiveRunWithoutLog(t *testing.T) {
	w := newMemWriter()
	keys, err := s3blob.NewArchiver(w, "").ArchiveRun(context.Background(), "", testState())
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/btc/2024-03-09/run-1-state.json"}, keys)
}

func TestArchiveRunErrors(t *testing.T) {
	w := newMemWriter()
	_, err := s3blob.NewArchiver(w, "").ArchiveRun(context.Background(), "/does/not/exist.jsonl", testState())
	assert.Error(t, err)

	w.fail = errors.New("access denied")
	_, err = s3blob.NewArchiver(w, "").ArchiveRun(context.Background(), "", testState())
	assert.ErrorContains(t, err, "access denied")

	_, err = s3blob.NewArchiver(w, "").ArchiveRun(context.Background(), "", nil)
	assert.Error(t, err)
}
