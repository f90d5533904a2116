// Package config loads pgcrab.toml into the two lists the core consumes —
// shard records and user records — plus the process-wide listen/pool/
// router defaults. The core never reads this package's output format
// directly; cmd/pgcrab translates a *Config into registry.ShardRecord /
// registry.UserRecord and calls registry.New/Reload.
//
// Loading does env-var substitution before unmarshaling TOML
// (github.com/pelletier/go-toml/v2), and an fsnotify-based watcher
// debounces on-disk changes into a single reload callback.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml/v2"

	"pgcrab/internal/registry"
)

// Config is the top-level pgcrab.toml document.
type Config struct {
	Listen   ListenConfig  `toml:"listen"`
	Defaults PoolDefaults  `toml:"defaults"`
	Router   RouterConfig  `toml:"router"`
	Shards   []ShardConfig `toml:"shards"`
	Users    []UserConfig  `toml:"users"`
}

// ListenConfig defines the ports and bind addresses pgcrab listens on.
type ListenConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	APIPort int    `toml:"api_port"`
	APIBind string `toml:"api_bind"`
	APIKey  string `toml:"api_key"`
}

// PoolDefaults are applied to a shard when it doesn't override them.
type PoolDefaults struct {
	MinConnections int `toml:"min_connections"`
	MaxConnections int `toml:"max_connections"`
}

// ConflictPolicyName is the on-disk spelling of a router conflict policy.
type ConflictPolicyName string

const (
	ConflictPolicyStrict  ConflictPolicyName = "strict"
	ConflictPolicyReplace ConflictPolicyName = "replace"
)

// RouterConfig holds process-wide extended-protocol router settings.
type RouterConfig struct {
	ConflictPolicy ConflictPolicyName `toml:"conflict_policy"`
}

// ShardConfig is one `[[shards]]` entry.
type ShardConfig struct {
	Name           string `toml:"name"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	MinConnections *int   `toml:"min_connections,omitempty"`
	MaxConnections *int   `toml:"max_connections,omitempty"`
}

// EffectiveMinConnections returns the shard's min connections or the default.
func (s ShardConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if s.MinConnections != nil {
		return *s.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the shard's max connections or the default.
func (s ShardConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if s.MaxConnections != nil {
		return *s.MaxConnections
	}
	return defaults.MaxConnections
}

// Redacted returns a copy of s with the password masked, for logging.
func (s ShardConfig) Redacted() ShardConfig {
	c := s
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// UserConfig is one `[[users]]` entry.
type UserConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unresolvable references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a TOML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// LoadUsers reads a standalone `[[users]]` TOML file, used when the
// operator passes --users to keep credentials out of the main config.
func LoadUsers(path string) ([]UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	data = substituteEnvVars(data)

	var doc struct {
		Users []UserConfig `toml:"users"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	for _, u := range doc.Users {
		if u.Username == "" || u.Password == "" {
			return nil, fmt.Errorf("users file: username and password are required")
		}
	}
	return doc.Users, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 5432
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 10
	}
	if cfg.Router.ConflictPolicy == "" {
		cfg.Router.ConflictPolicy = ConflictPolicyStrict
	}
	for i := range cfg.Shards {
		if cfg.Shards[i].Port == 0 {
			cfg.Shards[i].Port = 5432
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Router.ConflictPolicy != "" &&
		cfg.Router.ConflictPolicy != ConflictPolicyStrict &&
		cfg.Router.ConflictPolicy != ConflictPolicyReplace {
		return fmt.Errorf("router: conflict_policy must be %q or %q, got %q",
			ConflictPolicyStrict, ConflictPolicyReplace, cfg.Router.ConflictPolicy)
	}
	seen := make(map[string]bool, len(cfg.Shards))
	for _, sh := range cfg.Shards {
		if sh.Name == "" {
			return fmt.Errorf("shard: name is required")
		}
		if seen[sh.Name] {
			return fmt.Errorf("shard %q: duplicate name", sh.Name)
		}
		seen[sh.Name] = true
		if sh.Host == "" {
			return fmt.Errorf("shard %q: host is required", sh.Name)
		}
		if sh.User == "" {
			return fmt.Errorf("shard %q: user is required", sh.Name)
		}
		if sh.Password == "" {
			return fmt.Errorf("shard %q: password is required", sh.Name)
		}
	}
	for _, u := range cfg.Users {
		if u.Username == "" {
			return fmt.Errorf("user: username is required")
		}
		if u.Password == "" {
			return fmt.Errorf("user %q: password is required", u.Username)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with
// the newly parsed config, debounced so a burst of writes from an editor
// triggers one reload.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}
	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}

// ShardRecords converts the parsed shard list into registry.ShardRecord
// values, resolving pool-size defaults. The core package never sees a
// config.Config directly; this is the one seam between the two.
func (c *Config) ShardRecords() []registry.ShardRecord {
	out := make([]registry.ShardRecord, len(c.Shards))
	for i, sh := range c.Shards {
		out[i] = registry.ShardRecord{
			Name:           sh.Name,
			Host:           sh.Host,
			Port:           sh.Port,
			User:           sh.User,
			Password:       sh.Password,
			MinConnections: sh.EffectiveMinConnections(c.Defaults),
			MaxConnections: sh.EffectiveMaxConnections(c.Defaults),
		}
	}
	return out
}

// UserRecords converts the parsed user list into registry.UserRecord
// values. When standalone is non-nil (loaded via --users) it replaces the
// embedded [[users]] table rather than merging with it.
func (c *Config) UserRecords(standalone []UserConfig) []registry.UserRecord {
	src := c.Users
	if standalone != nil {
		src = standalone
	}
	out := make([]registry.UserRecord, len(src))
	for i, u := range src {
		out[i] = registry.UserRecord{Username: u.Username, Password: u.Password}
	}
	return out
}

