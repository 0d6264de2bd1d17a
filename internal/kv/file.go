package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

const (
	// StateFileName is the name of the state file inside the store directory.
	StateFileName = "session.json"

	// DefaultDirName is the subdirectory within the cache dir.
	DefaultDirName = "sessionguard"

	// fileVersion is the current on-disk schema version.
	fileVersion = 1
)

// DefaultLockTimeout is how long writers wait for the directory lock.
const DefaultLockTimeout = 2 * time.Second

// fileState is the on-disk representation.
type fileState struct {
	Version   int               `json:"version"`
	Entries   map[string][]byte `json:"entries"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// File is a Store persisted as a single JSON file. Writes are serialized
// across processes with an flock on a sibling lock file and land atomically
// via temp file + rename, so readers never observe a partial file.
type File struct {
	dir         string
	lockTimeout time.Duration

	// mu serializes writers inside this process before they contend on flock.
	mu sync.Mutex
}

// NewFile creates a file-backed store rooted at dir.
// If dir is empty, DefaultDir() is used.
func NewFile(dir string) *File {
	if dir == "" {
		dir = DefaultDir()
	}
	return &File{dir: dir, lockTimeout: DefaultLockTimeout}
}

// DefaultDir returns the default state directory path.
// Uses platform-specific cache directories with proper fallbacks.
func DefaultDir() string {
	if cacheDir := os.Getenv("XDG_CACHE_HOME"); cacheDir != "" {
		return filepath.Join(cacheDir, DefaultDirName)
	}

	// macOS: ~/Library/Caches, Linux: ~/.cache, Windows: %LocalAppData%
	if cacheDir, err := os.UserCacheDir(); err == nil && cacheDir != "" {
		return filepath.Join(cacheDir, DefaultDirName)
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cache", DefaultDirName)
	}

	// Last resort: use temp directory to avoid relative paths
	return filepath.Join(os.TempDir(), DefaultDirName)
}

// Dir returns the state directory path.
func (f *File) Dir() string {
	return f.dir
}

// Path returns the full path to the state file.
func (f *File) Path() string {
	return filepath.Join(f.dir, StateFileName)
}

func (f *File) lockPath() string {
	return filepath.Join(f.dir, ".lock")
}

// acquireLock obtains an exclusive lock on the state directory.
// Unlike reads, writes fail closed: compare-and-swap is only meaningful if
// the whole read-modify-write cycle is exclusive.
func (f *File) acquireLock(ctx context.Context) (*flock.Flock, error) {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return nil, err
	}

	fl := flock.New(f.lockPath())

	lockCtx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		if errors.Is(lockCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrLockTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !locked {
		return nil, ErrLockTimeout
	}
	return fl, nil
}

// locked runs fn with both the process mutex and the directory lock held.
func (f *File) locked(ctx context.Context, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl, err := f.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

// load reads the state file. A missing or corrupted file yields empty state.
func (f *File) load() (*fileState, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &fileState{Version: fileVersion, Entries: map[string][]byte{}}, nil
		}
		return nil, err
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		// Invalid JSON - treat as empty rather than wedging every caller.
		return &fileState{Version: fileVersion, Entries: map[string][]byte{}}, nil
	}
	if st.Entries == nil {
		st.Entries = map[string][]byte{}
	}
	return &st, nil
}

// save writes the state file atomically (caller must hold the lock).
func (f *File) save(st *fileState) error {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return err
	}

	st.Version = fileVersion
	st.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.%d.tmp", f.Path(), os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// On Windows, os.Rename fails if destination exists.
	if runtime.GOOS == "windows" {
		_ = os.Remove(f.Path())
	}

	if err := os.Rename(tmpPath, f.Path()); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Get implements Store. Reads take no lock; rename keeps them consistent.
func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	st, err := f.load()
	if err != nil {
		return nil, err
	}
	v, ok := st.Entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// Set implements Store.
func (f *File) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return f.locked(ctx, func() error {
		st, err := f.load()
		if err != nil {
			return err
		}
		st.Entries[key] = clone(value)
		return f.save(st)
	})
}

// Delete implements Store.
func (f *File) Delete(ctx context.Context, keys ...string) error {
	return f.locked(ctx, func() error {
		st, err := f.load()
		if err != nil {
			return err
		}
		changed := false
		for _, k := range keys {
			if _, ok := st.Entries[k]; ok {
				delete(st.Entries, k)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return f.save(st)
	})
}

// CompareAndSwap implements Store.
func (f *File) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	var swapped bool
	err := f.locked(ctx, func() error {
		st, err := f.load()
		if err != nil {
			return err
		}
		current, ok := st.Entries[key]
		if ok && current == nil {
			current = []byte{}
		}
		if !equal(current, prev) {
			return nil
		}
		if next == nil {
			delete(st.Entries, key)
		} else {
			st.Entries[key] = clone(next)
		}
		swapped = true
		return f.save(st)
	})
	return swapped, err
}

// Update implements Updater, holding the lock for the entire
// read-modify-write cycle.
func (f *File) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return f.locked(ctx, func() error {
		st, err := f.load()
		if err != nil {
			return err
		}
		current, ok := st.Entries[key]
		if ok && current == nil {
			current = []byte{}
		}
		next, err := fn(clone(current))
		if err != nil {
			return err
		}
		if equal(current, next) {
			return nil
		}
		if next == nil {
			delete(st.Entries, key)
		} else {
			st.Entries[key] = clone(next)
		}
		return f.save(st)
	})
}

// Watch implements Watcher using fsnotify on the store directory.
// Events for temp and lock files are ignored; only the state file matters.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(f.dir); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != StateFileName {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					onChange()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Clear removes the state file.
func (f *File) Clear(ctx context.Context) error {
	return f.locked(ctx, func() error {
		err := os.Remove(f.Path())
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

// Close implements Store.
func (f *File) Close() error { return nil }
