//go:build !windows

// Go's plugin package only supports linux and darwin; there is no
// windows implementation to build this file against there.
package plugin

import (
	"fmt"
	"log/slog"
	"plugin"
	"runtime"
)

// librarySuffix returns the platform's shared-object filename suffix, per
// the specification's discovery rule (.so on Linux, .dylib on macOS, .dll
// on Windows).
func librarySuffix() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// loadedLibrary is an opaque handle to a dynamically linked code region
// plus the Plugin instance derived from it. The specification's lifetime
// invariant — the library handle outlives the plugin instance, and the
// instance is dropped before the library is unloaded — is honored as far
// as the Go runtime allows: Go's standard library plugin mechanism has no
// unload primitive at all (once dlopen'd, a plugin's code stays mapped
// for the life of the process). unload() therefore drops the Plugin
// reference and removes the registry entry, which satisfies the
// observable contract (get after unload returns NotFound) without ever
// being able to munmap the underlying code, a documented platform
// limitation rather than a bug.
type loadedLibrary struct {
	path   string
	lib    *plugin.Plugin
	plugin Plugin
}

// openNative opens path as a Go plugin library, resolves its
// RegisterSymbolName entry point, and — if present — validates
// ABISymbolName against ABIVersion.
func openNative(path string, logger *slog.Logger) (*loadedLibrary, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open library: %w", err)
	}

	if abiSym, err := lib.Lookup(ABISymbolName); err == nil {
		abiFn, ok := abiSym.(func() uint32)
		if !ok {
			return nil, fmt.Errorf("%s has unexpected signature", ABISymbolName)
		}
		if reported := abiFn(); reported != ABIVersion {
			return nil, &abiMismatchError{want: ABIVersion, got: reported}
		}
	} else {
		logger.Warn("plugin library omits ABI version symbol, accepting anyway",
			"path", path, "symbol", ABISymbolName)
	}

	sym, err := lib.Lookup(RegisterSymbolName)
	if err != nil {
		return nil, fmt.Errorf("missing %s symbol: %w", RegisterSymbolName, err)
	}
	register, ok := sym.(func() Plugin)
	if !ok {
		return nil, fmt.Errorf("%s has unexpected signature", RegisterSymbolName)
	}

	instance := register()
	if instance == nil {
		return nil, fmt.Errorf("%s returned a nil plugin", RegisterSymbolName)
	}

	return &loadedLibrary{path: path, lib: lib, plugin: instance}, nil
}

// abiMismatchError carries the host/plugin ABI versions so the caller can
// classify it precisely (dynplugerr.AbiMismatch wants both values).
type abiMismatchError struct {
	want, got uint32
}

func (e *abiMismatchError) Error() string {
	return fmt.Sprintf("host abi %d != plugin abi %d", e.want, e.got)
}
