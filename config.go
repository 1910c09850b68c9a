package beatsync

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that accepts Go duration strings ("30s",
// "2m") in YAML and JSON configuration, and plain integers as nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config defines engine configuration. Zero values fall back to defaults
// when the session is created.
type Config struct {
	// Remote configures the HTTP remote store client.
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Sync configures background reconciliation.
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Cache configures the in-memory session cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Local configures the device-local persistent store.
	Local LocalStoreConfig `yaml:"local" json:"local"`

	// Snapshot configures per-(user, date) snapshot persistence.
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`

	// LiveFeed configures the optional server push channel.
	LiveFeed LiveFeedConfig `yaml:"live_feed" json:"live_feed"`
}

// RemoteConfig groups remote store client settings.
type RemoteConfig struct {
	// BaseURL is the root of the sync API (e.g. "https://api.example.com").
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key" json:"api_key,omitempty"`

	// RequestTimeout bounds a single HTTP request.
	// Default: 30s.
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`

	// MaxRetries is the attempt budget per request (including the first).
	// Default: 3.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// RetryBackoff is the initial backoff between attempts.
	// Default: 500ms.
	RetryBackoff Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// SyncConfig groups background reconciliation settings.
type SyncConfig struct {
	// MinInterval is the minimum spacing between syncs of the same date.
	// A repeat request inside the window is dropped unless forced.
	// Default: 30s.
	MinInterval Duration `yaml:"min_interval" json:"min_interval"`

	// FetchTimeout bounds the network fetch phase of one sync round. On
	// expiry the round is abandoned and the last good state kept.
	// Default: 8s.
	FetchTimeout Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
}

// CacheConfig groups session cache settings.
type CacheConfig struct {
	// StaleAfter is the entry age beyond which a memory-cache hit for
	// today's date still triggers a background refresh.
	// Default: 2m.
	StaleAfter Duration `yaml:"stale_after" json:"stale_after"`
}

// LocalStoreConfig groups device-local store settings.
type LocalStoreConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory store.
	Path string `yaml:"path" json:"path"`

	// BusyTimeout is the SQLite lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout"`
}

// SnapshotConfig groups snapshot persistence settings.
type SnapshotConfig struct {
	// Dir is the directory holding snapshot files. Empty selects the
	// in-memory snapshot store.
	Dir string `yaml:"dir" json:"dir"`

	// Compress enables snappy compression of snapshot files.
	// Default: true.
	Compress bool `yaml:"compress" json:"compress"`

	// Encryption configures at-rest encryption of snapshot files.
	// Nil or disabled stores plaintext.
	Encryption *SnapshotEncryptionConfig `yaml:"encryption,omitempty" json:"encryption,omitempty"`

	// S3 configures optional off-device snapshot backup.
	// Nil disables backup.
	S3 *S3BackupConfig `yaml:"s3,omitempty" json:"s3,omitempty"`
}

// SnapshotEncryptionConfig configures snapshot encryption at rest.
type SnapshotEncryptionConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Password is the key-derivation passphrase. Prefer injecting it from
	// the environment over committing it to a config file.
	Password string `yaml:"password" json:"-"`
}

// S3BackupConfig configures the S3 snapshot backup tier.
type S3BackupConfig struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	// AccessKeyID for authentication. Prefer IAM roles or environment
	// variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) over setting
	// these directly.
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"-"`
	UsePathStyle    bool   `yaml:"use_path_style,omitempty" json:"use_path_style,omitempty"`
}

// LiveFeedConfig configures the websocket push channel.
type LiveFeedConfig struct {
	// Enabled turns the feed on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// URL is the websocket endpoint (ws:// or wss://).
	URL string `yaml:"url" json:"url"`

	// ReconnectBackoff is the initial delay before reconnecting after a
	// dropped connection. Default: 5s.
	ReconnectBackoff Duration `yaml:"reconnect_backoff" json:"reconnect_backoff"`

	// PingInterval is how often keepalive pings are sent. Default: 30s.
	PingInterval Duration `yaml:"ping_interval" json:"ping_interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Remote: RemoteConfig{
			RequestTimeout: Duration(30 * time.Second),
			MaxRetries:     3,
			RetryBackoff:   Duration(500 * time.Millisecond),
		},
		Sync: SyncConfig{
			MinInterval:  Duration(30 * time.Second),
			FetchTimeout: Duration(8 * time.Second),
		},
		Cache: CacheConfig{
			StaleAfter: Duration(2 * time.Minute),
		},
		Local: LocalStoreConfig{
			BusyTimeout: 5000,
		},
		Snapshot: SnapshotConfig{
			Compress: true,
		},
		LiveFeed: LiveFeedConfig{
			ReconnectBackoff: Duration(5 * time.Second),
			PingInterval:     Duration(30 * time.Second),
		},
	}
}

// normalize backfills zero-valued fields with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Remote.RequestTimeout <= 0 {
		c.Remote.RequestTimeout = def.Remote.RequestTimeout
	}
	if c.Remote.MaxRetries <= 0 {
		c.Remote.MaxRetries = def.Remote.MaxRetries
	}
	if c.Remote.RetryBackoff <= 0 {
		c.Remote.RetryBackoff = def.Remote.RetryBackoff
	}
	if c.Sync.MinInterval <= 0 {
		c.Sync.MinInterval = def.Sync.MinInterval
	}
	if c.Sync.FetchTimeout <= 0 {
		c.Sync.FetchTimeout = def.Sync.FetchTimeout
	}
	if c.Cache.StaleAfter <= 0 {
		c.Cache.StaleAfter = def.Cache.StaleAfter
	}
	if c.Local.BusyTimeout <= 0 {
		c.Local.BusyTimeout = def.Local.BusyTimeout
	}
	if c.LiveFeed.ReconnectBackoff <= 0 {
		c.LiveFeed.ReconnectBackoff = def.LiveFeed.ReconnectBackoff
	}
	if c.LiveFeed.PingInterval <= 0 {
		c.LiveFeed.PingInterval = def.LiveFeed.PingInterval
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Snapshot.Encryption != nil && c.Snapshot.Encryption.Enabled && c.Snapshot.Encryption.Password == "" {
		return fmt.Errorf("config: snapshot encryption enabled without a password")
	}
	if c.LiveFeed.Enabled && c.LiveFeed.URL == "" {
		return fmt.Errorf("config: live feed enabled without a URL")
	}
	if c.Snapshot.S3 != nil && c.Snapshot.S3.Bucket == "" {
		return fmt.Errorf("config: s3 backup configured without a bucket")
	}
	return nil
}

// LoadConfigFile reads a YAML configuration file, applying defaults for
// omitted fields.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
