// Package plugin owns the registry of dynamically loaded native
// extensions: discovery, loading, lookup, and execution. It knows
// nothing about enable/disable policy or persisted configuration; that
// lives one layer up, in package manager.
package plugin

// Plugin is the capability set every loaded extension must implement.
// Instances are created by a library's registration entry point and are
// owned by the Registry that loaded them.
type Plugin interface {
	// Name is the identity used everywhere externally and must be
	// unique within a Registry.
	Name() string
	// Version is advisory.
	Version() string
	// Description is advisory.
	Description() string
	// Execute runs the plugin against input and returns its output, or
	// an error if the plugin failed. A panic inside Execute is recovered
	// at the loader boundary and converted to an error; it must never
	// bring down the host process.
	Execute(input string) (string, error)
}

// ABIVersion is the host's ABI version. A plugin that exports
// PluginABIVersion and reports a different value is refused at load
// time; a plugin that omits it is accepted with a logged warning.
const ABIVersion uint32 = 1

// RegisterSymbolName is the exported Go symbol a plugin library must
// define: a niladic function returning a Plugin. It is the idiomatic-Go
// rendering of the frozen C-ABI entry point `register_plugin` described
// in the specification: Go's plugin loader only resolves exported (capital
// first letter) top-level symbols, so the C-style snake_case name is not
// itself a legal lookup target, and RegisterSymbolName is the host/plugin
// contract's stand-in for it.
const RegisterSymbolName = "RegisterPlugin"

// ABISymbolName is the optional exported Go symbol a plugin library may
// define: a niladic function returning the plugin's ABI version as a
// uint32. It is the idiomatic-Go rendering of `plugin_abi_version`.
const ABISymbolName = "PluginABIVersion"

// RegisterFunc is the signature a plugin's RegisterSymbolName export must
// have.
type RegisterFunc func() Plugin

// ABIFunc is the signature a plugin's ABISymbolName export must have.
type ABIFunc func() uint32
