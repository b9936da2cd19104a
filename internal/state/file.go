package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// FileStore persists the snapshot as one JSON document. Each write replaces
// the file atomically, so an interrupted write leaves the previous state.
// When another process rewrites the file (hipsctl state reset), the change is
// picked up before the next read or mutation instead of being overwritten.
type FileStore struct {
	*tracker
	path string
	log  *slog.Logger

	// identity of the file as last read or written by this store; guarded by tracker.mu
	modTime time.Time
	size    int64
}

// FileOption customises a FileStore.
type FileOption func(*fileOptions)

type fileOptions struct {
	now func() time.Time
	log *slog.Logger
}

func WithClock(now func() time.Time) FileOption {
	return func(o *fileOptions) { o.now = now }
}

func WithLogger(l *slog.Logger) FileOption {
	return func(o *fileOptions) { o.log = l }
}

// OpenFileStore loads path. A missing or unreadable document yields an empty
// state; the problem is logged and the file is rewritten on the next change.
func OpenFileStore(path string, opts ...FileOption) *FileStore {
	o := fileOptions{now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	snap, err := ReadSnapshot(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		o.log.Info("no previous state, starting empty", "path", path)
	case err != nil:
		o.log.Warn("state file unreadable, starting empty", "path", path, "err", err)
	}

	fs := &FileStore{path: path, log: o.log}
	fs.remember()
	fs.tracker = newTracker(snap, o.now, fs.write)
	fs.tracker.reload = fs.reload
	return fs
}

// ReadSnapshot decodes the state document at path without opening a store.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", path, err)
	}
	for addr, st := range snap.Addresses {
		if st.Address == "" {
			st.Address = addr
		}
		if !st.Status.Valid() {
			st.Status = StatusPending
		}
		snap.Addresses[addr] = st
	}
	return snap, nil
}

func (fs *FileStore) Path() string { return fs.path }

func (fs *FileStore) write(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := atomic.WriteFile(fs.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	fs.remember()
	return nil
}

func (fs *FileStore) remember() {
	info, err := os.Stat(fs.path)
	if err != nil {
		fs.modTime, fs.size = time.Time{}, 0
		return
	}
	fs.modTime, fs.size = info.ModTime(), info.Size()
}

// reload rereads the document when its modification time or size differs
// from the last one this store saw. An unreadable file keeps the in-memory
// state.
func (fs *FileStore) reload() (Snapshot, bool) {
	info, err := os.Stat(fs.path)
	if err != nil {
		return Snapshot{}, false
	}
	if info.ModTime().Equal(fs.modTime) && info.Size() == fs.size {
		return Snapshot{}, false
	}
	snap, err := ReadSnapshot(fs.path)
	if err != nil {
		fs.log.Warn("state file changed but is unreadable, keeping current state", "path", fs.path, "err", err)
		return Snapshot{}, false
	}
	fs.modTime, fs.size = info.ModTime(), info.Size()
	fs.log.Info("state file changed on disk, reloaded", "path", fs.path)
	return snap, true
}

// MemoryStore is a Store without persistence.
type MemoryStore struct {
	*tracker
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{tracker: newTracker(Snapshot{}, now, nil)}
}
