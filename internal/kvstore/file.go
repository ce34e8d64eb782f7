package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 10 * time.Millisecond

// FileStore implements the Store interface with one file per key in a
// directory. Locks are flock(2) on a sibling .lock file, so several processes
// sharing the directory coordinate with each other.
type FileStore struct {
	basePath    string
	lockTimeout time.Duration
}

// NewFileStore creates a new FileStore rooted at basePath
func NewFileStore(basePath string, lockTimeout time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}

	return &FileStore{
		basePath:    basePath,
		lockTimeout: lockTimeout,
	}, nil
}

// fileName flattens a key into a single safe file name
func fileName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}

func (f *FileStore) recordPath(key string) string {
	return filepath.Join(f.basePath, fileName(key)+".json")
}

// Get reads the record file
func (f *FileStore) Get(_ context.Context, key string) (Record, error) {
	path := f.recordPath(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading record: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Record{}, fmt.Errorf("stating record: %w", err)
	}
	return Record{Value: data, Modified: info.ModTime()}, nil
}

// Put writes to a temporary file and renames it over the record, so readers
// never see a partial value
func (f *FileStore) Put(_ context.Context, key string, value []byte) error {
	path := f.recordPath(key)
	tmp, err := os.CreateTemp(f.basePath, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming record: %w", err)
	}
	return nil
}

// Delete removes the record file
func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.recordPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// WithLock holds an exclusive flock on <key>.lock while fn runs
func (f *FileStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockPath := filepath.Join(f.basePath, fileName(key)+".lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	defer lf.Close()

	deadline := lockDeadline(ctx, f.lockTimeout)
	for {
		err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("locking %s: %w", key, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("locking %s: %w", key, ErrLockUnavailable)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	defer unix.Flock(int(lf.Fd()), unix.LOCK_UN)

	return fn(ctx)
}

// Sweep removes record files under prefix whose mtime is older than olderThan.
// Lock files are left in place: unlinking one another process has open would
// let two holders lock different inodes.
func (f *FileStore) Sweep(ctx context.Context, prefix string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return 0, fmt.Errorf("listing store directory: %w", err)
	}

	namePrefix := fileName(prefix)
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(f.basePath, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Close is a no-op for the file store
func (f *FileStore) Close() error {
	return nil
}
