package disk

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tiercache/internal/worker"
)

func newTestBlobStore(t *testing.T) *blobStore {
	t.Helper()
	trash := worker.NewSerial()
	t.Cleanup(trash.Close)
	b, err := newBlobStore(t.TempDir(), trash, slog.Default())
	require.NoError(t, err)
	return b
}

func TestBlobStore_WriteReadDelete(t *testing.T) {
	b := newTestBlobStore(t)

	data := []byte("some payload")
	require.NoError(t, b.write("f1", data))

	got, err := b.read("f1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, b.remove("f1"))
	_, err = b.read("f1")
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))

	// Removing a missing blob is not an error.
	require.NoError(t, b.remove("f1"))
}

func TestBlobStore_WriteReplaces(t *testing.T) {
	b := newTestBlobStore(t)

	require.NoError(t, b.write("f", []byte("one")))
	require.NoError(t, b.write("f", []byte("two")))

	got, err := b.read("f")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestBlobStore_MoveAllToTrash(t *testing.T) {
	b := newTestBlobStore(t)

	require.NoError(t, b.write("f1", []byte("a")))
	require.NoError(t, b.write("f2", []byte("b")))

	require.NoError(t, b.moveAllToTrash())

	// data/ is empty again and still writable.
	entries, err := os.ReadDir(b.dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, b.write("f3", []byte("c")))

	// The old files sit under a single staging directory in trash/.
	trashed, err := os.ReadDir(b.trashDir)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	moved, err := os.ReadDir(filepath.Join(b.trashDir, trashed[0].Name()))
	require.NoError(t, err)
	assert.Len(t, moved, 2)
}

func TestBlobStore_EmptyTrashInBackground(t *testing.T) {
	b := newTestBlobStore(t)

	require.NoError(t, b.write("f1", []byte("a")))
	require.NoError(t, b.moveAllToTrash())
	b.emptyTrashInBackground()

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(b.trashDir)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
