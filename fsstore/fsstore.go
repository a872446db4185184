// Package fsstore is a filesystem persistence gateway. The durable snapshot
// lives in <root>/snapshot.json and each backup in <root>/backups/<id>.bak.
// Writes go to a temp file that is renamed into place, so readers never
// observe a partial file.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/hazyhaar/statesync/snapshot"
)

const (
	snapshotFile = "snapshot.json"
	backupDir    = "backups"
	backupExt    = ".bak"
)

// ErrLocked is returned when the cross-process lock is held elsewhere and the
// context ends before it is released.
var ErrLocked = errors.New("fsstore: store locked by another process")

// Option configures a Store.
type Option func(*Store)

// WithLock serialises writers across processes with an advisory lock on
// lockPath. The path is on the OS filesystem, independent of the afero.Fs.
func WithLock(lockPath string) Option {
	return func(s *Store) { s.lock = flock.New(lockPath) }
}

// WithLockRetry sets how often a contended lock is retried. Default: 50ms.
func WithLockRetry(d time.Duration) Option {
	return func(s *Store) { s.lockRetry = d }
}

// Store implements gateway.Gateway on an afero filesystem.
type Store struct {
	fs        afero.Fs
	root      string
	lock      *flock.Flock
	lockRetry time.Duration
}

// New returns a Store rooted at root on fsys. Directories are created on
// first write.
func New(fsys afero.Fs, root string, opts ...Option) *Store {
	s := &Store{fs: fsys, root: root, lockRetry: 50 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewOS returns a Store on the real filesystem, locked by <root>/.lock.
func NewOS(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: mkdir %s: %w", root, err)
	}
	opts = append([]Option{WithLock(filepath.Join(root, ".lock"))}, opts...)
	return New(afero.NewOsFs(), root, opts...), nil
}

func (s *Store) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path.Join(s.root, snapshotFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read snapshot: %w", err)
	}
	return snapshot.Unmarshal(data)
}

func (s *Store) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	data, err := snapshot.Marshal(snap)
	if err != nil {
		return fmt.Errorf("fsstore: encode: %w", err)
	}
	return s.locked(ctx, func() error {
		return s.writeAtomic(s.root, snapshotFile, data)
	})
}

func (s *Store) StoreBackup(ctx context.Context, id string, data []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	return s.locked(ctx, func() error {
		return s.writeAtomic(path.Join(s.root, backupDir), id+backupExt, data)
	})
}

func (s *Store) LoadBackup(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.backupPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read backup %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return s.locked(ctx, func() error {
		err := s.fs.Remove(s.backupPath(id))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("fsstore: remove backup %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) ListBackupIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, path.Join(s.root, backupDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: list backups: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, backupExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, backupExt))
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) backupPath(id string) string {
	return path.Join(s.root, backupDir, id+backupExt)
}

// writeAtomic writes data to dir/name through a temp file in the same
// directory followed by a rename.
func (s *Store) writeAtomic(dir, name string, data []byte) error {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsstore: mkdir %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("fsstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("fsstore: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("fsstore: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("fsstore: close %s: %w", name, err)
	}
	if err := s.fs.Rename(tmpName, path.Join(dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("fsstore: rename %s: %w", name, err)
	}
	return nil
}

func (s *Store) locked(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.lock == nil {
		return fn()
	}
	ok, err := s.lock.TryLockContext(ctx, s.lockRetry)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrLocked, ctx.Err())
		}
		return fmt.Errorf("fsstore: lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("fsstore: invalid backup id %q", id)
	}
	return nil
}
