// Package config implements the durable configuration store: system
// settings and per-plugin state persisted to a human-editable YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dynplug/dynplug/dynplugerr"
)

// knownFields are the top-level Config keys the schema understands.
// Anything else found in a loaded file is an unknown field.
var knownFields = map[string]bool{
	"plugins_dir": true,
	"log_level":   true,
	"server":      true,
	"plugins":     true,
}

// validLogLevels are the log_level values the schema accepts.
var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ServerConfig is advisory to the HTTP front-end.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
}

// PluginConfig is the per-plugin record in the store: whether the
// plugin is enabled, and a free-form settings bag.
type PluginConfig struct {
	Enabled  bool                   `yaml:"enabled"`
	Settings map[string]interface{} `yaml:"settings"`
}

// Config is the root document persisted to config.yaml.
type Config struct {
	PluginsDir string                  `yaml:"plugins_dir"`
	LogLevel   string                  `yaml:"log_level"`
	Server     ServerConfig            `yaml:"server"`
	Plugins    map[string]PluginConfig `yaml:"plugins"`
}

// Default returns the configuration synthesized when no file exists yet.
func Default() Config {
	return Config{
		PluginsDir: "target/plugins",
		LogLevel:   "info",
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8080,
			Enabled: true,
		},
		Plugins: make(map[string]PluginConfig),
	}
}

func (c *Config) validate() error {
	if c.PluginsDir == "" {
		return fmt.Errorf("plugins_dir must not be empty")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level %q is not one of trace, debug, info, warn, error", c.LogLevel)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range [1, 65535]", c.Server.Port)
	}
	return nil
}

// Store is the in-memory-cached, disk-backed configuration. Readers take
// a shared lock over the cached snapshot; Load, Save, and Reload take
// exclusive access so a reader never observes a partially-swapped
// config.
type Store struct {
	mu     sync.RWMutex
	path   string
	cached Config
	extra  map[string]interface{}
	logger *slog.Logger
}

// Load reads path with slog.Default() as its logger. See LoadWithLogger.
func Load(path string) (*Store, error) {
	return LoadWithLogger(path, nil)
}

// LoadWithLogger reads path, falling back to a freshly synthesized and
// persisted default if the file is missing, or to in-memory defaults
// (file left untouched, backed up alongside it) if it exists but fails
// to parse or validate — warning through logger in that second case,
// matching the logger-threading convention used by the registry and
// manager.
func LoadWithLogger(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.cached = Default()
		if err := s.save(s.cached); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, dynplugerr.IoError("reading config file", err)
	}

	cfg, extra, parseErr := parse(data, logger)
	if parseErr != nil {
		logger.Warn("config file failed to parse or validate, falling back to defaults", "path", path, "error", parseErr)
		backupMalformed(path, data)
		s.cached = Default()
		return s, nil
	}
	s.cached = cfg
	s.extra = extra
	return s, nil
}

// SetLogger replaces the store's logger, for callers (such as Manager)
// that construct a Store before their own logger is available.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// parse unmarshals data into a Config, validating it, and separately
// reports any top-level key the schema doesn't recognize so the caller
// can warn and preserve them across a later save.
func parse(data []byte, logger *slog.Logger) (Config, map[string]interface{}, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, nil, dynplugerr.ConfigError("parsing config file", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginConfig)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, nil, dynplugerr.ConfigError("validating config", err)
	}

	var raw map[string]interface{}
	extra := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err == nil {
		for key, value := range raw {
			if knownFields[key] {
				continue
			}
			extra[key] = value
			if logger != nil {
				logger.Warn("config file has an unknown top-level field, preserving it on save", "field", key)
			}
		}
	}
	return cfg, extra, nil
}

// backupMalformed preserves the unparseable file alongside a .backup
// copy so the operator can inspect it, per the store's "never overwrite
// a malformed file silently" contract. Writing the backup is best
// effort: a failure is ignored, not logged, and never blocks falling
// back to defaults.
func backupMalformed(path string, data []byte) {
	_ = os.WriteFile(path+".backup", data, 0o644)
}

// Path returns the file path this store was loaded from.
func (s *Store) Path() string { return s.path }

// Snapshot returns a deep-enough copy of the current in-memory config;
// callers may inspect it, or modify it and pass it to Save.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfig(s.cached)
}

// Save persists cfg atomically (temp file + rename) and swaps it in as
// the cached snapshot.
func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

// save assumes the caller holds the write lock. Any unknown top-level
// fields captured at load time are merged back in so they round-trip
// through a save instead of being silently dropped.
func (s *Store) save(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return dynplugerr.ConfigError("validating config before save", err)
	}

	out, err := mergeExtra(cfg, s.extra)
	if err != nil {
		return dynplugerr.ConfigError("merging unknown fields before save", err)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return dynplugerr.ConfigError("marshaling config", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return dynplugerr.IoError("creating temp config file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return dynplugerr.IoError("writing temp config file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return dynplugerr.IoError("closing temp config file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return dynplugerr.IoError("renaming temp config file into place", err)
	}

	s.cached = cloneConfig(cfg)
	return nil
}

// Reload re-reads the file from disk and atomically swaps the cached
// snapshot. A parse failure leaves the current snapshot untouched.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return dynplugerr.IoError("reading config file", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, extra, err := parse(data, s.logger)
	if err != nil {
		return err
	}
	s.cached = cfg
	s.extra = extra
	return nil
}

// PluginsDir returns the configured plugin discovery directory.
func (s *Store) PluginsDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached.PluginsDir
}

// LogLevel returns the configured log level.
func (s *Store) LogLevel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached.LogLevel
}

// ServerConfig returns the configured server section.
func (s *Store) ServerConfig() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached.Server
}

// SetServerConfig overwrites the server section and persists. The read,
// modify, and save happen under a single critical section so a
// concurrent writer touching a different part of the config (a plugin
// entry, say) can never have its change clobbered by this one.
func (s *Store) SetServerConfig(sc ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := cloneConfig(s.cached)
	cfg.Server = sc
	return s.save(cfg)
}

// GetPluginEnabled returns the enabled flag for name, defaulting to true
// when the name has no recorded config entry.
func (s *Store) GetPluginEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.cached.Plugins[name]
	if !ok {
		return true
	}
	return pc.Enabled
}

// HasPluginEntry reports whether the config has ever recorded anything
// for name (used by Manager to decide whether an unloaded name is truly
// unknown or merely not-yet-deployed).
func (s *Store) HasPluginEntry(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cached.Plugins[name]
	return ok
}

// SetPluginEnabled sets name's enabled flag and persists. The entry is
// created with empty settings if it did not already exist. Held under a
// single lock for its whole read-modify-write-save so a concurrent
// SetPluginEnabled/SetPluginSetting/SetServerConfig call for a different
// key cannot have its change lost when this one saves.
func (s *Store) SetPluginEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := cloneConfig(s.cached)
	pc := cfg.Plugins[name]
	pc.Enabled = enabled
	if pc.Settings == nil {
		pc.Settings = make(map[string]interface{})
	}
	cfg.Plugins[name] = pc
	return s.save(cfg)
}

// GetPluginSettings returns a copy of name's settings bag, or nil if
// name has no recorded entry.
func (s *Store) GetPluginSettings(name string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.cached.Plugins[name]
	if !ok {
		return nil
	}
	return cloneSettings(pc.Settings)
}

// SetPluginSetting sets a single key in name's settings bag and
// persists, defaulting enabled to true for a freshly created entry. Held
// under a single lock for its whole read-modify-write-save; see
// SetPluginEnabled.
func (s *Store) SetPluginSetting(name, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := cloneConfig(s.cached)
	pc, existed := cfg.Plugins[name]
	if !existed {
		pc.Enabled = true
	}
	if pc.Settings == nil {
		pc.Settings = make(map[string]interface{})
	}
	pc.Settings[key] = value
	cfg.Plugins[name] = pc
	return s.save(cfg)
}

// PluginNames returns every plugin name the config has an entry for,
// sorted, regardless of whether that plugin is currently loaded.
func (s *Store) PluginNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.cached.Plugins))
	for name := range s.cached.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mergeExtra round-trips cfg through YAML into a generic map and overlays
// any preserved unknown top-level fields that aren't shadowed by a known
// one, so a save doesn't discard what an unfamiliar file had in it.
func mergeExtra(cfg Config, extra map[string]interface{}) (map[string]interface{}, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if knownFields[key] {
			continue
		}
		out[key] = value
	}
	return out, nil
}

func cloneConfig(c Config) Config {
	out := c
	out.Plugins = make(map[string]PluginConfig, len(c.Plugins))
	for name, pc := range c.Plugins {
		out.Plugins[name] = PluginConfig{
			Enabled:  pc.Enabled,
			Settings: cloneSettings(pc.Settings),
		}
	}
	return out
}

func cloneSettings(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
