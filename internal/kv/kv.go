// Package kv provides the durable key/value layer that session state is
// persisted through. Every backend supports compare-and-swap so callers can
// perform read-modify-write cycles without lost updates, across goroutines
// and across processes sharing the same backend.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrConflict is returned by Update when the compare-and-swap loop could not
// land a write because the key kept changing underneath it.
var ErrConflict = errors.New("kv: too many concurrent updates")

// ErrLockTimeout is returned by backends that serialize writes with a file
// lock when the lock cannot be acquired in time.
var ErrLockTimeout = errors.New("kv: timed out waiting for store lock")

// maxUpdateAttempts bounds the CAS retry loop in Update.
const maxUpdateAttempts = 16

// Store is a durable key/value store with atomic compare-and-swap.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set unconditionally stores value at key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// CompareAndSwap stores next at key only if the current value equals prev.
	// A nil prev requires the key to be absent; a nil next deletes the key.
	// It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}

// Updater is implemented by stores that can run a read-modify-write cycle
// under their own exclusive lock, which is cheaper than a CAS loop.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Watcher is implemented by stores that can notify about changes made by
// other processes.
type Watcher interface {
	// Watch calls onChange whenever the underlying data may have changed.
	// It returns once the watch is established; notifications stop when ctx
	// is done.
	Watch(ctx context.Context, onChange func()) error
}

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store (nil deletes the key). Returning an error aborts the update
// and the error is passed through to the caller of Update.
type UpdateFunc func(current []byte) ([]byte, error)

// Update atomically applies fn to the value at key.
// Stores implementing Updater run fn under their lock; all others use a
// bounded compare-and-swap loop. When fn returns the current value unchanged,
// nothing is written.
func Update(ctx context.Context, s Store, key string, fn UpdateFunc) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, key, fn)
	}

	for range maxUpdateAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, err := s.Get(ctx, key)
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

		swapped, err := s.CompareAndSwap(ctx, key, current, next)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}

	return fmt.Errorf("update %s: %w", key, ErrConflict)
}

// equal compares two values, distinguishing absent (nil) from empty.
func equal(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}
