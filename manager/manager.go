// Package manager composes the plugin registry and configuration store
// into the user-facing semantics shared by both front-ends: enable and
// disable policy, retry, timing, and batch execution.
package manager

import (
	"log/slog"
	"sort"
	"time"

	"github.com/dynplug/dynplug/config"
	"github.com/dynplug/dynplug/dynplugerr"
	"github.com/dynplug/dynplug/plugin"
)

// PluginInfo is the full projection the specification describes: a
// Registry Info joined with the Config's enabled flag and loaded state.
// It is assembled on demand and never stored.
type PluginInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Loaded      bool   `json:"loaded"`
	Path        string `json:"path,omitempty"`
}

// ExecutionResult is the outcome of Execute, successful or not.
type ExecutionResult struct {
	PluginName     string `json:"plugin_name"`
	Output         string `json:"output,omitempty"`
	DurationMillis int64  `json:"duration_millis"`
	Attempts       int    `json:"attempts"`
	Err            error  `json:"-"`
}

// Error implements the error interface over a failed ExecutionResult,
// for callers that want a single return value to check.
func (r ExecutionResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// ExecutionOptions controls retry and advisory timing for Execute.
type ExecutionOptions struct {
	MaxAttempts    int
	RetryBackoff   time.Duration
	PerCallTimeout time.Duration // zero means unset
}

// DefaultExecutionOptions is MaxAttempts: 1, RetryBackoff: 0, no timeout.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{MaxAttempts: 1}
}

func (o ExecutionOptions) normalized() ExecutionOptions {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	return o
}

// ExecuteRequest pairs a plugin name with an input string, for
// ExecuteMany.
type ExecuteRequest struct {
	Name  string
	Input string
}

// Manager is the single object both front-ends share.
type Manager struct {
	registry *plugin.Registry
	store    *config.Store
	logger   *slog.Logger
}

// Init loads config from configPath, constructs a Registry, scans
// config.PluginsDir, and returns the assembled Manager along with the
// scan report. It does not fail merely because some plugins failed to
// load; it fails when the configuration file cannot be read or written,
// or when the plugins directory exists but cannot be read.
func Init(configPath string, logger *slog.Logger) (*Manager, plugin.ScanReport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := config.LoadWithLogger(configPath, logger)
	if err != nil {
		return nil, plugin.ScanReport{}, err
	}

	registry := plugin.New(logger)
	m := &Manager{registry: registry, store: store, logger: logger}

	report, err := registry.Scan(store.PluginsDir())
	if err != nil {
		return m, plugin.ScanReport{}, err
	}
	return m, report, nil
}

// List returns the union of loaded plugins and plugins named in config,
// sorted by name. A name known only to config has Loaded = false.
func (m *Manager) List() []PluginInfo {
	loaded := m.registry.List()
	loadedByName := make(map[string]plugin.Info, len(loaded))
	names := make(map[string]struct{}, len(loaded))
	for _, info := range loaded {
		loadedByName[info.Name] = info
		names[info.Name] = struct{}{}
	}
	for _, name := range m.store.PluginNames() {
		names[name] = struct{}{}
	}

	result := make([]PluginInfo, 0, len(names))
	for name := range names {
		reg, isLoaded := loadedByName[name]
		result = append(result, PluginInfo{
			Name:        name,
			Version:     reg.Version,
			Description: reg.Description,
			Path:        reg.Path,
			Loaded:      isLoaded,
			Enabled:     m.store.GetPluginEnabled(name),
		})
	}

	sortPluginInfos(result)
	return result
}

// Get returns the projection for a single plugin name, joining registry
// and config state the same way List does.
func (m *Manager) Get(name string) (PluginInfo, error) {
	reg, loadErr := m.registry.Get(name)
	hasConfig := m.store.HasPluginEntry(name)
	if loadErr != nil && !hasConfig {
		return PluginInfo{}, dynplugerr.NotFound(name)
	}
	return PluginInfo{
		Name:        name,
		Version:     reg.Version,
		Description: reg.Description,
		Path:        reg.Path,
		Loaded:      loadErr == nil,
		Enabled:     m.store.GetPluginEnabled(name),
	}, nil
}

// Enable sets name's enabled flag to true and persists it. Returns
// NotFound only if neither the registry nor config knows the name.
func (m *Manager) Enable(name string) error {
	return m.setEnabled(name, true)
}

// Disable sets name's enabled flag to false and persists it.
func (m *Manager) Disable(name string) error {
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) error {
	if !m.registry.Has(name) && !m.store.HasPluginEntry(name) {
		return dynplugerr.NotFound(name)
	}
	return m.store.SetPluginEnabled(name, enabled)
}

// EnableMany and DisableMany apply enable/disable to a batch of names,
// one failure never aborting the rest; each name's outcome is reported
// independently.
func (m *Manager) EnableMany(names []string) map[string]error {
	return m.batchSetEnabled(names, true)
}

func (m *Manager) DisableMany(names []string) map[string]error {
	return m.batchSetEnabled(names, false)
}

func (m *Manager) batchSetEnabled(names []string, enabled bool) map[string]error {
	results := make(map[string]error, len(names))
	for _, name := range names {
		results[name] = m.setEnabled(name, enabled)
	}
	return results
}

// Execute resolves name, checks enabled state, then forwards to the
// registry, retrying transient failures up to options.MaxAttempts.
// per_call_timeout is advisory only: a timer races the call, but the
// call itself cannot be preempted, and a timeout is never retried.
func (m *Manager) Execute(name, input string, options ExecutionOptions) ExecutionResult {
	options = options.normalized()

	if !m.registry.Has(name) {
		return ExecutionResult{PluginName: name, Err: dynplugerr.NotFound(name)}
	}
	if !m.store.GetPluginEnabled(name) {
		return ExecutionResult{PluginName: name, Err: dynplugerr.Disabled(name)}
	}

	start := time.Now()
	attempts := 0
	var lastErr error
	var output string

	for attempts < options.MaxAttempts {
		attempts++
		out, callErr, timedOut := m.callWithAdvisoryTimeout(name, input, options.PerCallTimeout)
		if timedOut {
			lastErr = dynplugerr.Timeout(name)
			break
		}
		if callErr == nil {
			output = out
			lastErr = nil
			break
		}
		lastErr = callErr
		if !dynplugerr.IsTransient(callErr) || attempts >= options.MaxAttempts {
			break
		}
		if options.RetryBackoff > 0 {
			time.Sleep(options.RetryBackoff)
		}
	}

	result := ExecutionResult{
		PluginName:     name,
		Output:         output,
		DurationMillis: time.Since(start).Milliseconds(),
		Attempts:       attempts,
		Err:            lastErr,
	}
	return result
}

// callWithAdvisoryTimeout invokes the registry call and, if timeout > 0,
// races a timer against it. The call is never interrupted: on timeout
// the goroutine keeps running to completion in the background and its
// result is simply discarded, per the specification's note that the
// plugin boundary offers no pre-emption.
func (m *Manager) callWithAdvisoryTimeout(name, input string, timeout time.Duration) (output string, err error, timedOut bool) {
	if timeout <= 0 {
		out, callErr := m.registry.Execute(name, input)
		return out, callErr, false
	}

	type callResult struct {
		output string
		err    error
	}
	done := make(chan callResult, 1)
	go func() {
		out, callErr := m.registry.Execute(name, input)
		done <- callResult{out, callErr}
	}()

	select {
	case res := <-done:
		return res.output, res.err, false
	case <-time.After(timeout):
		m.logger.Warn("plugin call exceeded advisory per_call_timeout", "plugin", name, "timeout", timeout)
		return "", nil, true
	}
}

// ExecuteMany runs each request independently, preserving input order
// in the result slice; one failure never aborts the batch.
func (m *Manager) ExecuteMany(requests []ExecuteRequest, options ExecutionOptions) []ExecutionResult {
	results := make([]ExecutionResult, len(requests))
	for i, req := range requests {
		results[i] = m.Execute(req.Name, req.Input, options)
	}
	return results
}

// ReloadConfig re-reads the configuration file; it does not rescan
// plugins.
func (m *Manager) ReloadConfig() error {
	return m.store.Reload()
}

// Rescan re-invokes the registry's directory scan. Plugins whose files
// have disappeared are not unloaded automatically.
func (m *Manager) Rescan() (plugin.ScanReport, error) {
	return m.registry.Scan(m.store.PluginsDir())
}

// Unload drops a loaded plugin from the registry, exposing the
// registry's unload contract to Manager callers. Neither the CLI nor the
// HTTP front-end calls it.
func (m *Manager) Unload(name string) error {
	return m.registry.Unload(name)
}

// PluginSettings returns the persisted settings bag for name.
func (m *Manager) PluginSettings(name string) map[string]interface{} {
	return m.store.GetPluginSettings(name)
}

// SetPluginSetting persists a single settings key for name.
func (m *Manager) SetPluginSetting(name, key string, value interface{}) error {
	return m.store.SetPluginSetting(name, key, value)
}

// ServerConfig returns the configured HTTP server section, consulted by
// the serve command for its default host and port.
func (m *Manager) ServerConfig() config.ServerConfig {
	return m.store.ServerConfig()
}

// SetServerConfig persists sc as the configured HTTP server section, so
// an explicit --host/--port on the serve command sticks across restarts
// the way the rest of the config does.
func (m *Manager) SetServerConfig(sc config.ServerConfig) error {
	return m.store.SetServerConfig(sc)
}

// LogLevel returns the configured log level.
func (m *Manager) LogLevel() string {
	return m.store.LogLevel()
}

func sortPluginInfos(infos []PluginInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
}
