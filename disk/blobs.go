package disk

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/wolfeidau/tiercache/internal/worker"
)

const (
	dataDirName  = "data"
	trashDirName = "trash"
)

// blobStore keeps externally-placed payloads as flat files under data/ and
// stages doomed files under the sibling trash/ directory for deferred
// deletion. Not safe for concurrent use except for the trash drain, which
// runs on its own serial worker.
type blobStore struct {
	dataDir  string
	trashDir string
	logger   *slog.Logger
	trash    *worker.Pool
}

func newBlobStore(root string, trash *worker.Pool, logger *slog.Logger) (*blobStore, error) {
	b := &blobStore{
		dataDir:  filepath.Join(root, dataDirName),
		trashDir: filepath.Join(root, trashDirName),
		logger:   logger,
		trash:    trash,
	}
	for _, dir := range []string{b.dataDir, b.trashDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return b, nil
}

func (b *blobStore) path(name string) string {
	return filepath.Join(b.dataDir, name)
}

// write stores data under name, atomically at the file level.
func (b *blobStore) write(name string, data []byte) error {
	if err := atomic.WriteFile(b.path(name), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing blob %s: %w", name, err)
	}
	return nil
}

// read returns the contents of the named blob.
func (b *blobStore) read(name string) ([]byte, error) {
	return os.ReadFile(b.path(name))
}

// remove deletes one blob. A missing file is not an error.
func (b *blobStore) remove(name string) error {
	if err := os.Remove(b.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s: %w", name, err)
	}
	return nil
}

// moveAllToTrash renames data/ to a uniquely named directory under trash/
// and recreates an empty data/. The rename makes emptying the live set a
// single atomic step; the trash contents are deleted later in the
// background.
func (b *blobStore) moveAllToTrash() error {
	dest := filepath.Join(b.trashDir, uuid.NewString())
	if err := os.Rename(b.dataDir, dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("moving data to trash: %w", err)
	}
	if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
		return fmt.Errorf("recreating data dir: %w", err)
	}
	return nil
}

// emptyTrashInBackground deletes everything under trash/ on the dedicated
// serial worker, ignoring individual errors.
func (b *blobStore) emptyTrashInBackground() {
	b.trash.Submit(func() {
		entries, err := os.ReadDir(b.trashDir)
		if err != nil {
			b.logger.Debug("reading trash dir failed", "error", err)
			return
		}
		for _, e := range entries {
			_ = os.RemoveAll(filepath.Join(b.trashDir, e.Name()))
		}
	})
}
