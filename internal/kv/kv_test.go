package kv

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends(t *testing.T) []backend {
	t.Helper()
	list := []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"file", func(t *testing.T) Store { return NewFile(t.TempDir()) }},
		{"keyring", func(t *testing.T) Store {
			keyring.MockInit()
			return NewKeyring("sessionguard-test", t.TempDir())
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedis(client, "test:")
		}},
	}

	if dsn := os.Getenv("SESSIONGUARD_TEST_POSTGRES_DSN"); dsn != "" {
		list = append(list, backend{"postgres", func(t *testing.T) Store {
			table := fmt.Sprintf("sessionguard_test_%d", os.Getpid())
			p, err := OpenPostgres(context.Background(), dsn, table)
			if err != nil {
				t.Skipf("postgres unavailable: %v", err)
			}
			t.Cleanup(func() {
				_, _ = p.db.Exec("DROP TABLE IF EXISTS " + p.table)
				_ = p.Close()
			})
			return p
		}})
	}
	return list
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			t.Run("get missing", func(t *testing.T) {
				s := b.open(t)
				_, err := s.Get(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("set get delete", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.Set(ctx, "k", []byte("v1")))

				got, err := s.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), got)

				require.NoError(t, s.Delete(ctx, "k", "never-existed"))
				_, err = s.Get(ctx, "k")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("cas from absent", func(t *testing.T) {
				s := b.open(t)
				ok, err := s.CompareAndSwap(ctx, "lock", nil, []byte("me"))
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = s.CompareAndSwap(ctx, "lock", nil, []byte("you"))
				require.NoError(t, err)
				assert.False(t, ok, "second acquire must fail while key exists")

				got, err := s.Get(ctx, "lock")
				require.NoError(t, err)
				assert.Equal(t, []byte("me"), got)
			})

			t.Run("cas wrong prev", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.Set(ctx, "k", []byte("a")))

				ok, err := s.CompareAndSwap(ctx, "k", []byte("b"), []byte("c"))
				require.NoError(t, err)
				assert.False(t, ok)

				ok, err = s.CompareAndSwap(ctx, "k", []byte("a"), []byte("c"))
				require.NoError(t, err)
				assert.True(t, ok)

				got, _ := s.Get(ctx, "k")
				assert.Equal(t, []byte("c"), got)
			})

			t.Run("cas delete", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.Set(ctx, "k", []byte("a")))

				ok, err := s.CompareAndSwap(ctx, "k", []byte("x"), nil)
				require.NoError(t, err)
				assert.False(t, ok, "only the matching value may delete")

				ok, err = s.CompareAndSwap(ctx, "k", []byte("a"), nil)
				require.NoError(t, err)
				assert.True(t, ok)

				_, err = s.Get(ctx, "k")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("update", func(t *testing.T) {
				s := b.open(t)
				err := Update(ctx, s, "n", func(cur []byte) ([]byte, error) {
					assert.Nil(t, cur)
					return []byte("1"), nil
				})
				require.NoError(t, err)

				err = Update(ctx, s, "n", func(cur []byte) ([]byte, error) {
					return append(cur, '2'), nil
				})
				require.NoError(t, err)

				got, err := s.Get(ctx, "n")
				require.NoError(t, err)
				assert.Equal(t, []byte("12"), got)
			})

			t.Run("update abort", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.Set(ctx, "k", []byte("keep")))

				errStop := fmt.Errorf("stop")
				err := Update(ctx, s, "k", func([]byte) ([]byte, error) {
					return nil, errStop
				})
				assert.ErrorIs(t, err, errStop)

				got, _ := s.Get(ctx, "k")
				assert.Equal(t, []byte("keep"), got)
			})
		})
	}
}

func TestConcurrentCASSingleWinner(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			const n = 16
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.CompareAndSwap(ctx, "lock", nil, fmt.Appendf(nil, "owner-%d", i))
					if assert.NoError(t, err) && ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

// casOnly hides Updater so Update exercises the CAS loop.
type casOnly struct{ Store }

func TestUpdateCASLoopConcurrent(t *testing.T) {
	ctx := context.Background()
	s := casOnly{NewMemory()}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Update(ctx, s, "counter", func(cur []byte) ([]byte, error) {
				return append(cur, 'x'), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Len(t, got, 8, "every concurrent update must land exactly once")
}

func TestFileCorruptedStateReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir)
	require.NoError(t, os.WriteFile(f.Path(), []byte("{not json"), 0600))

	_, err := f.Get(context.Background(), "session")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.Set(context.Background(), "session", []byte("ok")))
	got, err := f.Get(context.Background(), "session")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}

func TestFilePermissions(t *testing.T) {
	f := NewFile(t.TempDir())
	require.NoError(t, f.Set(context.Background(), "k", []byte("v")))

	info, err := os.Stat(f.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "etcd"})
	assert.Error(t, err)
}

func TestOpenDefaultsToFile(t *testing.T) {
	s, err := Open(context.Background(), Options{Dir: t.TempDir()})
	require.NoError(t, err)
	_, ok := s.(*File)
	assert.True(t, ok)
}

func TestOpenRedisRequiresAddr(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: BackendRedis})
	assert.Error(t, err)
}

func TestFileWatchSeesOtherWriter(t *testing.T) {
	dir := t.TempDir()
	reader := NewFile(dir)
	writer := NewFile(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 16)
	require.NoError(t, reader.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, writer.Set(ctx, "session", []byte("from-another-process")))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a change notification")
	}
}
