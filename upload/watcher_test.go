package upload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitFile(t *testing.T, files <-chan string) string {
	t.Helper()
	select {
	case path := <-files:
		return path
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dropped file")
		return ""
	}
}

func TestWatchDirQueuesDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := WatchDir(ctx, dir)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "informe.pdf")
	require.NoError(t, os.WriteFile(path, []byte("contenido"), 0o644))

	assert.Equal(t, path, awaitFile(t, w.Files()))
}

func TestWatchDirSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := WatchDir(ctx, dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "descarga.tmp"), []byte("x"), 0o644))
	realPath := filepath.Join(dir, "notas.txt")
	require.NoError(t, os.WriteFile(realPath, []byte("hola"), 0o644))

	// Only the real file comes through.
	assert.Equal(t, realPath, awaitFile(t, w.Files()))
}

func TestWatchDirRejectsMissingDirectory(t *testing.T) {
	_, err := WatchDir(context.Background(), filepath.Join(t.TempDir(), "no-existe"))
	assert.Error(t, err)
}

func TestWatcherClosesChannelOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := WatchDir(ctx, t.TempDir())
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-w.Files():
		assert.False(t, open)
	case <-time.After(3 * time.Second):
		t.Fatal("files channel did not close on cancel")
	}
}
