//go:build !windows

package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dynplug/dynplug/dynplugerr"
)

// Info is the registry's own projection of a loaded plugin: the facts
// the registry can answer without consulting configuration. The fuller
// PluginInfo the specification describes (adding Enabled) is assembled
// one layer up, in package manager, by joining this with the
// configuration store.
type Info struct {
	Name        string
	Version     string
	Description string
	Path        string
}

// ScanReport is the result of scanning a directory for plugin libraries.
type ScanReport struct {
	Loaded []string
	Failed []ScanFailure
}

// ScanFailure pairs a candidate path with the error that prevented it
// from loading.
type ScanFailure struct {
	Path string
	Err  error
}

// Registry owns the set of dynamically loaded libraries and the plugin
// objects instantiated from them. It performs discovery, load, lookup,
// execute, and unload; it has no notion of enable/disable policy.
//
// The name-to-library map is guarded by a readers-writer lock: Get, List,
// and Execute take shared access; LoadFromPath, Register, and Unload take
// exclusive access. Scan does not hold the lock for the whole directory
// pass; it takes exclusive access once per candidate, through
// LoadFromPath, so other calls may interleave between candidates.
// Execute holds shared access for the whole duration of the
// plugin call, so a concurrent Unload blocks until any in-flight Execute
// on that name completes, never racing the library out from under it.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*loadedLibrary
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*loadedLibrary),
		logger: logger,
	}
}

// Scan enumerates directory for filenames matching the platform's shared
// object suffix, filename-sorted for determinism, and attempts to load
// each. A failure on one candidate never aborts the scan; it is recorded
// in the report's Failed list instead.
func (r *Registry) Scan(directory string) (ScanReport, error) {
	entries, err := os.ReadDir(directory)
	if os.IsNotExist(err) {
		r.logger.Info("plugins directory does not exist yet, scanning zero plugins", "directory", directory)
		return ScanReport{}, nil
	}
	if err != nil {
		return ScanReport{}, dynplugerr.IoError("reading plugins directory", err)
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), librarySuffix()) {
			candidates = append(candidates, filepath.Join(directory, entry.Name()))
		}
	}
	sort.Strings(candidates)

	report := ScanReport{}
	for _, path := range candidates {
		name, err := r.LoadFromPath(path)
		if err != nil {
			report.Failed = append(report.Failed, ScanFailure{Path: path, Err: err})
			r.logger.Warn("failed to load plugin candidate", "path", path, "error", err)
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}
	return report, nil
}

// LoadFromPath opens the library at path, validates and instantiates its
// plugin, and inserts it into the registry under its self-reported name.
// On any failure the registry is left byte-for-byte unchanged.
func (r *Registry) LoadFromPath(path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded, err := openNative(path, r.logger)
	if err != nil {
		var mismatch *abiMismatchError
		if as, ok := err.(*abiMismatchError); ok {
			mismatch = as
			return "", dynplugerr.AbiMismatch(path, mismatch.want, mismatch.got)
		}
		return "", dynplugerr.LoadFailed(path, err)
	}

	name := loaded.plugin.Name()
	if _, exists := r.byName[name]; exists {
		return "", dynplugerr.DuplicateName(name)
	}

	r.byName[name] = loaded
	r.logger.Info("loaded plugin", "name", name, "version", loaded.plugin.Version(), "path", path)
	return name, nil
}

// Register inserts an already-instantiated plugin directly, without
// going through dynamic-library loading. It exists for hosts that
// statically link a plugin into the binary (or for tests) but still
// want it to participate in the registry's name uniqueness and locking
// discipline like any dlopen'd plugin.
func (r *Registry) Register(p Plugin, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.byName[name]; exists {
		return dynplugerr.DuplicateName(name)
	}
	r.byName[name] = &loadedLibrary{path: path, plugin: p}
	return nil
}

// Unload drops the plugin instance for name and removes it from the
// registry. Serialized against any in-flight Execute on the same name by
// the registry's writer lock.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return dynplugerr.NotFound(name)
	}
	delete(r.byName, name)
	r.logger.Info("unloaded plugin", "name", name)
	return nil
}

// Get returns the projection for a single loaded plugin.
func (r *Registry) Get(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byName[name]
	if !ok {
		return Info{}, dynplugerr.NotFound(name)
	}
	return infoOf(entry), nil
}

// List returns every loaded plugin's projection, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.byName))
	for _, entry := range r.byName {
		infos = append(infos, infoOf(entry))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Has reports whether name is currently loaded.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Execute forwards input to the named plugin, holding shared registry
// access for the whole call so a concurrent Unload cannot free the
// library mid-call. It does not consult enable state. A panic inside the
// plugin is recovered and reported as ExecutionFailed rather than
// crashing the host.
func (r *Registry) Execute(name, input string) (output string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byName[name]
	if !ok {
		return "", dynplugerr.NotFound(name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = dynplugerr.ExecutionFailed(name, fmt.Errorf("plugin panicked: %v", rec))
		}
	}()

	out, execErr := entry.plugin.Execute(input)
	if execErr != nil {
		return "", dynplugerr.ExecutionFailed(name, execErr)
	}
	return out, nil
}

func infoOf(entry *loadedLibrary) Info {
	return Info{
		Name:        entry.plugin.Name(),
		Version:     entry.plugin.Version(),
		Description: entry.plugin.Description(),
		Path:        entry.path,
	}
}
