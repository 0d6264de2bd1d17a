package kv

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendKeyring  = "keyring"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// Dir is the state directory for the file backend and the lock
	// directory for the keyring backend.
	Dir string

	KeyringService string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	PostgresDSN   string
	PostgresTable string
}

// Open constructs the backend described by opts.
// The keyring backend falls back to the file backend when the system
// keychain is unavailable (headless Linux, CI).
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFile(opts.Dir), nil
	case BackendMemory:
		return NewMemory(), nil
	case BackendKeyring:
		if !KeyringAvailable(opts.KeyringService) {
			return NewFile(opts.Dir), nil
		}
		return NewKeyring(opts.KeyringService, opts.Dir), nil
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis backend requires an address")
		}
		prefix := opts.RedisPrefix
		if prefix == "" {
			prefix = DefaultRedisPrefix
		}
		return DialRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, prefix)
	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		return OpenPostgres(ctx, opts.PostgresDSN, opts.PostgresTable)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
