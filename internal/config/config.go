// Package config provides layered configuration loading.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maqeelabbas/sessionguard/internal/hostutil"
	"github.com/maqeelabbas/sessionguard/internal/kv"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SESSIONGUARD_"

// Config holds the resolved configuration.
type Config struct {
	// API settings
	BaseURL      string
	RefreshPath  string
	AuthPrefixes []string

	// Persistence
	Store StoreConfig

	// Expiry
	BufferRatio    float64
	BufferCap      time.Duration
	LegacyLifetime time.Duration

	// Backoff
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter time.Duration

	// Circuit breaker
	BreakerWindow time.Duration
	AuthLimit     int
	RefreshLimit  int
	OtherLimit    int
	TotalLimit    int

	// Refresh lock
	LockWait  time.Duration
	LockPoll  time.Duration
	LockStale time.Duration

	RetryWindow    time.Duration
	RequestTimeout time.Duration
	RefreshTimeout time.Duration

	// Verbose is the debug level; 0 logs warnings only.
	Verbose int

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend        string
	Dir            string
	KeyringService string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	PostgresDSN    string
	PostgresTable  string
}

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceGlobal  Source = "global"
	SourceDotEnv  Source = "dotenv"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// FlagOverrides holds command-line flag values.
type FlagOverrides struct {
	BaseURL string
	Store   string
	Dir     string
	Verbose int
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseURL:      "",
		RefreshPath:  "/auth/refresh-token",
		AuthPrefixes: []string{"/auth/"},
		Store: StoreConfig{
			Backend:        kv.BackendFile,
			Dir:            kv.DefaultDir(),
			KeyringService: kv.DefaultKeyringService,
			RedisPrefix:    kv.DefaultRedisPrefix,
			PostgresTable:  kv.DefaultPostgresTable,
		},
		BufferRatio:    0.10,
		BufferCap:      5 * time.Minute,
		LegacyLifetime: 2 * time.Minute,
		BackoffBase:    60 * time.Second,
		BackoffMax:     time.Hour,
		BackoffJitter:  5 * time.Second,
		BreakerWindow:  10 * time.Second,
		AuthLimit:      10,
		RefreshLimit:   5,
		OtherLimit:     30,
		TotalLimit:     50,
		LockWait:       5 * time.Second,
		LockPoll:       100 * time.Millisecond,
		LockStale:      15 * time.Second,
		RetryWindow:    10 * time.Second,
		RequestTimeout: 30 * time.Second,
		RefreshTimeout: 10 * time.Second,
		Sources:        make(map[string]string),
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence: flags > env > .env > global file > defaults
func Load(overrides FlagOverrides) (*Config, error) {
	cfg := Default()

	if err := loadFromFile(cfg, globalConfigPath(), SourceGlobal); err != nil {
		return nil, err
	}
	loadDotEnv(cfg, ".env")
	LoadFromEnv(cfg)
	ApplyOverrides(cfg, overrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setting binds one config key to its environment variable and parser.
type setting struct {
	key   string
	env   string
	apply func(cfg *Config, v string) error
}

var settings = []setting{
	{"base_url", "BASE_URL", func(c *Config, v string) error { c.BaseURL = v; return nil }},
	{"refresh_path", "REFRESH_PATH", func(c *Config, v string) error { c.RefreshPath = v; return nil }},
	{"auth_prefixes", "AUTH_PREFIXES", func(c *Config, v string) error { c.AuthPrefixes = splitList(v); return nil }},

	{"store.backend", "STORE", func(c *Config, v string) error { c.Store.Backend = strings.ToLower(v); return nil }},
	{"store.dir", "STORE_DIR", func(c *Config, v string) error { c.Store.Dir = v; return nil }},
	{"store.keyring_service", "KEYRING_SERVICE", func(c *Config, v string) error { c.Store.KeyringService = v; return nil }},
	{"store.redis_addr", "REDIS_ADDR", func(c *Config, v string) error { c.Store.RedisAddr = v; return nil }},
	{"store.redis_password", "REDIS_PASSWORD", func(c *Config, v string) error { c.Store.RedisPassword = v; return nil }},
	{"store.redis_db", "REDIS_DB", intField(func(c *Config) *int { return &c.Store.RedisDB })},
	{"store.redis_prefix", "REDIS_PREFIX", func(c *Config, v string) error { c.Store.RedisPrefix = v; return nil }},
	{"store.postgres_dsn", "POSTGRES_DSN", func(c *Config, v string) error { c.Store.PostgresDSN = v; return nil }},
	{"store.postgres_table", "POSTGRES_TABLE", func(c *Config, v string) error { c.Store.PostgresTable = v; return nil }},

	{"buffer_ratio", "BUFFER_RATIO", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.BufferRatio = f
		return nil
	}},
	{"buffer_cap", "BUFFER_CAP", durationField(func(c *Config) *time.Duration { return &c.BufferCap })},
	{"legacy_lifetime", "LEGACY_LIFETIME", durationField(func(c *Config) *time.Duration { return &c.LegacyLifetime })},

	{"backoff.base", "BACKOFF_BASE", durationField(func(c *Config) *time.Duration { return &c.BackoffBase })},
	{"backoff.max", "BACKOFF_MAX", durationField(func(c *Config) *time.Duration { return &c.BackoffMax })},
	{"backoff.jitter", "BACKOFF_JITTER", durationField(func(c *Config) *time.Duration { return &c.BackoffJitter })},

	{"breaker.window", "BREAKER_WINDOW", durationField(func(c *Config) *time.Duration { return &c.BreakerWindow })},
	{"breaker.auth_limit", "AUTH_LIMIT", intField(func(c *Config) *int { return &c.AuthLimit })},
	{"breaker.refresh_limit", "REFRESH_LIMIT", intField(func(c *Config) *int { return &c.RefreshLimit })},
	{"breaker.other_limit", "OTHER_LIMIT", intField(func(c *Config) *int { return &c.OtherLimit })},
	{"breaker.total_limit", "TOTAL_LIMIT", intField(func(c *Config) *int { return &c.TotalLimit })},

	{"lock.wait", "LOCK_WAIT", durationField(func(c *Config) *time.Duration { return &c.LockWait })},
	{"lock.poll", "LOCK_POLL", durationField(func(c *Config) *time.Duration { return &c.LockPoll })},
	{"lock.stale_after", "LOCK_STALE_AFTER", durationField(func(c *Config) *time.Duration { return &c.LockStale })},

	{"retry_window", "RETRY_WINDOW", durationField(func(c *Config) *time.Duration { return &c.RetryWindow })},
	{"request_timeout", "REQUEST_TIMEOUT", durationField(func(c *Config) *time.Duration { return &c.RequestTimeout })},
	{"refresh_timeout", "REFRESH_TIMEOUT", durationField(func(c *Config) *time.Duration { return &c.RefreshTimeout })},

	{"verbose", "VERBOSE", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 2 {
			return errors.New("verbose must be between 0 and 2")
		}
		c.Verbose = n
		return nil
	}},
}

func durationField(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func intField(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

// set applies one raw value, recording its source. Malformed values are
// skipped with a warning so a typo never blocks startup.
func (s setting) set(cfg *Config, raw string, source Source, origin string) {
	if err := s.apply(cfg, raw); err != nil {
		slog.Warn("ignoring malformed config value", "key", s.key, "source", origin, "error", err)
		return
	}
	cfg.Sources[s.key] = string(source)
}

// loadFromFile reads a YAML config file. A missing file is skipped unless
// SESSIONGUARD_CONFIG named it; malformed YAML is skipped with a warning.
func loadFromFile(cfg *Config, path string, source Source) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is from trusted config locations
	if err != nil {
		if os.IsNotExist(err) && os.Getenv(EnvPrefix+"CONFIG") == "" {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	var fileCfg map[string]any
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		slog.Warn("skipping malformed config", "path", path, "error", err)
		return nil
	}

	flat := make(map[string]string)
	flatten("", fileCfg, flat)
	for _, s := range settings {
		if v, ok := flat[s.key]; ok {
			s.set(cfg, v, source, path)
		}
	}
	return nil
}

// flatten turns nested YAML maps into dotted keys with string values.
// Lists become comma-separated.
func flatten(prefix string, m map[string]any, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// loadDotEnv applies SESSIONGUARD_* entries from a .env file that are not
// already present in the process environment.
func loadDotEnv(cfg *Config, path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("skipping malformed .env", "path", path, "error", err)
		}
		return
	}
	for _, s := range settings {
		name := EnvPrefix + s.env
		if _, inEnv := os.LookupEnv(name); inEnv {
			continue
		}
		if v, ok := values[name]; ok && v != "" {
			s.set(cfg, v, SourceDotEnv, path)
		}
	}
}

// LoadFromEnv loads configuration from SESSIONGUARD_* environment variables.
func LoadFromEnv(cfg *Config) {
	for _, s := range settings {
		if v := os.Getenv(EnvPrefix + s.env); v != "" {
			s.set(cfg, v, SourceEnv, EnvPrefix+s.env)
		}
	}
}

// ApplyOverrides applies non-empty flag overrides to cfg.
func ApplyOverrides(cfg *Config, o FlagOverrides) {
	if o.BaseURL != "" {
		cfg.BaseURL = o.BaseURL
		cfg.Sources["base_url"] = string(SourceFlag)
	}
	if o.Store != "" {
		cfg.Store.Backend = strings.ToLower(o.Store)
		cfg.Sources["store.backend"] = string(SourceFlag)
	}
	if o.Dir != "" {
		cfg.Store.Dir = o.Dir
		cfg.Sources["store.dir"] = string(SourceFlag)
	}
	if o.Verbose > 0 {
		cfg.Verbose = o.Verbose
		cfg.Sources["verbose"] = string(SourceFlag)
	}
}

// Validate reports every invalid value at once.
func (cfg *Config) Validate() error {
	var errs []error

	if _, err := hostutil.ParseBaseURL(cfg.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(cfg.RefreshPath, "/") {
		errs = append(errs, fmt.Errorf("refresh_path %q must start with /", cfg.RefreshPath))
	}
	switch cfg.Store.Backend {
	case kv.BackendMemory, kv.BackendFile, kv.BackendKeyring:
	case kv.BackendRedis:
		if cfg.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	case kv.BackendPostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", cfg.Store.Backend))
	}
	if cfg.BufferRatio <= 0 || cfg.BufferRatio >= 1 {
		errs = append(errs, fmt.Errorf("buffer_ratio must be between 0 and 1, got %v", cfg.BufferRatio))
	}
	if cfg.BackoffJitter < 0 {
		errs = append(errs, errors.New("backoff.jitter must not be negative"))
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff.max %s is below backoff.base %s", cfg.BackoffMax, cfg.BackoffBase))
	}

	positive := map[string]time.Duration{
		"buffer_cap":       cfg.BufferCap,
		"legacy_lifetime":  cfg.LegacyLifetime,
		"backoff.base":     cfg.BackoffBase,
		"breaker.window":   cfg.BreakerWindow,
		"lock.wait":        cfg.LockWait,
		"lock.poll":        cfg.LockPoll,
		"lock.stale_after": cfg.LockStale,
		"retry_window":     cfg.RetryWindow,
		"request_timeout":  cfg.RequestTimeout,
		"refresh_timeout":  cfg.RefreshTimeout,
	}
	for _, k := range sortedKeys(positive) {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", k, positive[k]))
		}
	}
	limits := map[string]int{
		"breaker.auth_limit":    cfg.AuthLimit,
		"breaker.refresh_limit": cfg.RefreshLimit,
		"breaker.other_limit":   cfg.OtherLimit,
		"breaker.total_limit":   cfg.TotalLimit,
	}
	for _, k := range sortedKeys(limits) {
		if limits[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", k, limits[k]))
		}
	}

	return errors.Join(errs...)
}

// Source returns where key's value came from.
func (cfg *Config) Source(key string) Source {
	if s, ok := cfg.Sources[key]; ok {
		return Source(s)
	}
	return SourceDefault
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Path helpers

func globalConfigPath() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return filepath.Join(GlobalConfigDir(), "config.yaml")
}

// GlobalConfigDir returns the global config directory path.
func GlobalConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "sessionguard")
}
