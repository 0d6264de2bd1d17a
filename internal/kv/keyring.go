package kv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keychain service name entries are stored under.
const DefaultKeyringService = "sessionguard"

// Keyring is a Store backed by the system keychain. The keychain has no
// native compare-and-swap, so mutations are serialized with a process mutex
// and an flock in lockDir, which makes CAS exclusive across processes.
type Keyring struct {
	service     string
	lockDir     string
	lockTimeout time.Duration

	mu sync.Mutex
}

// NewKeyring creates a keychain-backed store. lockDir holds the lock file
// that serializes writers; it defaults to DefaultDir().
func NewKeyring(service, lockDir string) *Keyring {
	if service == "" {
		service = DefaultKeyringService
	}
	if lockDir == "" {
		lockDir = DefaultDir()
	}
	return &Keyring{service: service, lockDir: lockDir, lockTimeout: DefaultLockTimeout}
}

// KeyringAvailable reports whether the system keychain accepts writes.
func KeyringAvailable(service string) bool {
	if service == "" {
		service = DefaultKeyringService
	}
	check := service + "::availability-check"
	if err := keyring.Set(service, check, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(service, check)
	return true
}

func (k *Keyring) user(key string) string {
	return fmt.Sprintf("%s::%s", k.service, key)
}

func (k *Keyring) read(key string) ([]byte, error) {
	data, err := keyring.Get(k.service, k.user(key))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keyring get %s: %w", key, err)
	}
	v, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("keyring entry %s is corrupt: %w", key, err)
	}
	return v, nil
}

func (k *Keyring) write(key string, value []byte) error {
	if err := keyring.Set(k.service, k.user(key), base64.StdEncoding.EncodeToString(value)); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

func (k *Keyring) remove(key string) error {
	err := keyring.Delete(k.service, k.user(key))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

func (k *Keyring) locked(ctx context.Context, fn func() error) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.MkdirAll(k.lockDir, 0700); err != nil {
		return err
	}
	fl := flock.New(filepath.Join(k.lockDir, ".keyring.lock"))

	lockCtx, cancel := context.WithTimeout(ctx, k.lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil || !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return ErrLockTimeout
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

// Get implements Store.
func (k *Keyring) Get(_ context.Context, key string) ([]byte, error) {
	return k.read(key)
}

// Set implements Store.
func (k *Keyring) Set(ctx context.Context, key string, value []byte) error {
	return k.locked(ctx, func() error {
		return k.write(key, value)
	})
}

// Delete implements Store.
func (k *Keyring) Delete(ctx context.Context, keys ...string) error {
	return k.locked(ctx, func() error {
		for _, key := range keys {
			if err := k.remove(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompareAndSwap implements Store.
func (k *Keyring) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	var swapped bool
	err := k.locked(ctx, func() error {
		current, err := k.read(key)
		if errors.Is(err, ErrNotFound) {
			current = nil
		} else if err != nil {
			return err
		}
		if !equal(current, prev) {
			return nil
		}
		if next == nil {
			err = k.remove(key)
		} else {
			err = k.write(key, next)
		}
		swapped = err == nil
		return err
	})
	return swapped, err
}

// Update implements Updater.
func (k *Keyring) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return k.locked(ctx, func() error {
		current, err := k.read(key)
		if errors.Is(err, ErrNotFound) {
			current = nil
		} else if err != nil {
			return err
		}
		next, err := fn(clone(current))
		if err != nil {
			return err
		}
		if equal(current, next) {
			return nil
		}
		if next == nil {
			return k.remove(key)
		}
		return k.write(key, next)
	})
}

// Close implements Store.
func (k *Keyring) Close() error { return nil }
