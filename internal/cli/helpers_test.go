package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// lockedBuffer is a bytes.Buffer safe for a command writing on one
// goroutine while the test reads on another.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// testDB returns a database path inside a not-yet-created directory.
func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "data", "hyperdoc.db")
}

// runJSON executes a command with --format json and decodes the data field.
func runJSON(t *testing.T, db string, data any, args ...string) {
	t.Helper()
	out, err := execute(t, append([]string{"--db", db, "--format", "json"}, args...)...)
	require.NoError(t, err, "output: %s", out)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	if data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
}
