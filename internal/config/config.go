package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Remote       RemoteConfig
	Upstream     UpstreamConfig
	Cache        CacheConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Knowledge    KnowledgeConfig
	Flags        FlagsConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port        int
	APIToken    string
	CORSOrigins []string
}

type StorageConfig struct {
	DataDir string
}

// RemoteConfig points at the managed data service that queued writes are
// replayed against.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Token   string
}

// UpstreamConfig is the app origin the intercepting proxy forwards to. An
// empty origin disables the proxy.
type UpstreamConfig struct {
	Origin string
}

type CacheConfig struct {
	Prefix        string
	Version       string
	APITTL        time.Duration
	EvictInterval time.Duration
	RoutesFile    string
	OfflineURL    string
	Precache      []string
}

type SyncConfig struct {
	MaxRetries int
	Backoff    []time.Duration
	Interval   time.Duration
}

type ConnectivityConfig struct {
	ProbeURL      string
	ProbeInterval time.Duration
}

type KnowledgeConfig struct {
	Retention       time.Duration
	CleanupInterval time.Duration
}

type FlagsConfig struct {
	TTL time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        4100,
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			Prefix:        "fieldsync",
			Version:       "v1",
			APITTL:        24 * time.Hour,
			EvictInterval: time.Hour,
			OfflineURL:    "/offline.html",
		},
		Sync: SyncConfig{
			MaxRetries: 3,
			Backoff:    []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
			Interval:   5 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: 6 * time.Hour,
		},
		Flags: FlagsConfig{
			TTL: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/fieldsync/config.json and applies FIELDSYNC_* environment
// overrides. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("missing required config: remote.base_url (env FIELDSYNC_REMOTE_BASE_URL)"))
	}
	if c.Remote.APIKey == "" {
		errs = append(errs, errors.New("missing required config: remote API key. Set it via environment variable FIELDSYNC_REMOTE_API_KEY"))
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries))
	}
	return errors.Join(errs...)
}

// ProbeTarget returns the URL the connectivity prober polls, falling back to
// the remote service's REST root.
func (c Config) ProbeTarget() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	if c.Remote.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.Remote.BaseURL, "/") + "/rest/v1/"
}

// TokenPath is where the generated admin API token is persisted.
func (c Config) TokenPath() string {
	return filepath.Join(c.Storage.DataDir, "api_token")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "fieldsync-data"
		}
	}
	return filepath.Join(dir, "fieldsync")
}
