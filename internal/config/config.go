package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type VerifyMode string

const (
	VerifyRemoteExec VerifyMode = "hash-via-remote-exec"
	VerifyDownload   VerifyMode = "download-and-hash"
)

const (
	DefaultListen           = ":8080"
	DefaultStateDir         = "./data"
	DefaultCacheMaxEntries  = 2000
	DefaultPinThreshold     = 3
	DefaultPinnedMaxEntries = 200
	DefaultDebounce         = 300 * time.Millisecond
)

// Credentials describe how to open a remote session.
type Credentials struct {
	Scheme          string `yaml:"scheme"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	PrivateKey      string `yaml:"private_key"`
	HostFingerprint string `yaml:"host_fingerprint"`
	URL             string `yaml:"url"`
	Insecure        bool   `yaml:"insecure"`
}

// Connection is the immutable per-sync-session context handed to the engine.
type Connection struct {
	ID          string `yaml:"id"`
	Credentials `yaml:",inline"`

	LocalRoot  string     `yaml:"local_root"`
	RemoteRoot string     `yaml:"remote_root"`
	Verify     VerifyMode `yaml:"verify"`

	PinThreshold     int `yaml:"pin_threshold"`
	PinnedMaxEntries int `yaml:"pinned_max_entries"`

	Ignore        []string      `yaml:"ignore"`
	AutoIndex     *bool         `yaml:"auto_index"`
	Watch         bool          `yaml:"watch"`
	Debounce      time.Duration `yaml:"debounce"`
	SkipUnchanged bool          `yaml:"skip_unchanged"`
}

type CacheConfig struct {
	MaxEntries int  `yaml:"max_entries"`
	Persist    bool `yaml:"persist"`
}

type Config struct {
	Listen      string       `yaml:"listen"`
	StateDir    string       `yaml:"state_dir"`
	APIToken    string       `yaml:"api_token"`
	TLS         bool         `yaml:"tls"`
	Cache       CacheConfig  `yaml:"cache"`
	Connections []Connection `yaml:"connections"`
}

// Load reads, expands and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	for i := range c.Connections {
		c.Connections[i] = c.Connections[i].WithDefaults()
	}
}

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if err := conn.Validate(); err != nil {
			return err
		}
		if seen[conn.ID] {
			return fmt.Errorf("duplicate connection id: %s", conn.ID)
		}
		seen[conn.ID] = true
	}
	return nil
}

// Connection returns the connection with the given id.
func (c *Config) Connection(id string) (Connection, bool) {
	for _, conn := range c.Connections {
		if conn.ID == id {
			return conn, true
		}
	}
	return Connection{}, false
}

// WithDefaults returns a copy with unset fields filled in.
func (c Connection) WithDefaults() Connection {
	if c.Scheme == "" {
		c.Scheme = "sftp"
	}
	if c.Verify == "" {
		c.Verify = VerifyRemoteExec
	}
	if c.PinThreshold <= 0 {
		c.PinThreshold = DefaultPinThreshold
	}
	if c.PinnedMaxEntries <= 0 {
		c.PinnedMaxEntries = DefaultPinnedMaxEntries
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.AutoIndex == nil {
		enabled := true
		c.AutoIndex = &enabled
	}
	if c.LocalRoot != "" {
		if abs, err := filepath.Abs(c.LocalRoot); err == nil {
			c.LocalRoot = abs
		}
	}
	if c.RemoteRoot != "" {
		c.RemoteRoot = strings.ReplaceAll(c.RemoteRoot, "\\", "/")
		if len(c.RemoteRoot) > 1 {
			c.RemoteRoot = strings.TrimSuffix(c.RemoteRoot, "/")
		}
	}
	return c
}

func (c Connection) AutoIndexEnabled() bool {
	return c.AutoIndex == nil || *c.AutoIndex
}

func (c Connection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connection id is required")
	}
	if c.LocalRoot == "" {
		return fmt.Errorf("connection %s: local_root is required", c.ID)
	}
	if c.RemoteRoot == "" || !strings.HasPrefix(c.RemoteRoot, "/") {
		return fmt.Errorf("connection %s: remote_root must be an absolute path: %q", c.ID, c.RemoteRoot)
	}
	switch c.Verify {
	case VerifyRemoteExec, VerifyDownload:
	default:
		return fmt.Errorf("connection %s: unknown verify mode %q", c.ID, c.Verify)
	}
	switch c.Scheme {
	case "sftp":
		if c.Host == "" || c.User == "" {
			return fmt.Errorf("connection %s: sftp requires host and user", c.ID)
		}
		if c.Password == "" && c.PrivateKey == "" {
			return fmt.Errorf("connection %s: sftp requires password or private_key", c.ID)
		}
	case "webdav":
		if c.URL == "" {
			return fmt.Errorf("connection %s: webdav requires url", c.ID)
		}
	case "local":
	default:
		return fmt.Errorf("connection %s: unknown scheme %q", c.ID, c.Scheme)
	}
	if c.PinThreshold <= 0 || c.PinnedMaxEntries <= 0 {
		return fmt.Errorf("connection %s: pin_threshold and pinned_max_entries must be positive", c.ID)
	}
	return nil
}
