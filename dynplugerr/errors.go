// Package dynplugerr defines the error taxonomy shared by the registry,
// manager, and configuration store: a fixed set of kinds callers can
// branch on, plus the transient classification used for retry.
package dynplugerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which of the fixed error categories an Error belongs to.
type Kind int

const (
	// KindNotFound means the plugin name is unknown to both the registry
	// and the configuration store.
	KindNotFound Kind = iota
	// KindDisabled means the plugin is known but disabled in config.
	KindDisabled
	// KindLoadFailed means a library could not be opened or is missing
	// its registration symbol.
	KindLoadFailed
	// KindAbiMismatch means the plugin reported an ABI version the host
	// does not recognize.
	KindAbiMismatch
	// KindDuplicateName means two libraries registered the same name.
	KindDuplicateName
	// KindExecutionFailed means the plugin returned an error or panicked.
	KindExecutionFailed
	// KindTimeout means the advisory per-call deadline elapsed.
	KindTimeout
	// KindConfigError means the config file was unparseable or invalid.
	KindConfigError
	// KindIoError means a save or directory scan failed at the OS level.
	KindIoError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDisabled:
		return "disabled"
	case KindLoadFailed:
		return "load_failed"
	case KindAbiMismatch:
		return "abi_mismatch"
	case KindDuplicateName:
		return "duplicate_name"
	case KindExecutionFailed:
		return "execution_failed"
	case KindTimeout:
		return "timeout"
	case KindConfigError:
		return "config_error"
	case KindIoError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by the registry, manager, and
// configuration store. Callers should branch on Kind() rather than on
// message content.
type Error struct {
	kind    Kind
	name    string
	message string
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.kind.String())
	if e.name != "" {
		fmt.Fprintf(&b, " %q", e.name)
	}
	if e.message != "" {
		b.WriteString(": ")
		b.WriteString(e.message)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Name returns the plugin name the error pertains to, if any.
func (e *Error) Name() string { return e.name }

// UserMessage renders an actionable message suitable for stderr or a JSON
// error field, following the recovery-hint convention of the original
// implementation (e.g. "use 'enable x' first").
func (e *Error) UserMessage() string {
	switch e.kind {
	case KindNotFound:
		return fmt.Sprintf("plugin %q not found; use the list command to see available plugins", e.name)
	case KindDisabled:
		return fmt.Sprintf("plugin %q is disabled; use enable %q to enable it first", e.name, e.name)
	case KindLoadFailed:
		return fmt.Sprintf("failed to load plugin: %v", e.causeOrMessage())
	case KindAbiMismatch:
		return fmt.Sprintf("plugin %q reports an incompatible ABI version: %v", e.name, e.causeOrMessage())
	case KindDuplicateName:
		return fmt.Sprintf("plugin %q is already registered by another library", e.name)
	case KindExecutionFailed:
		return fmt.Sprintf("plugin %q execution failed: %v", e.name, e.causeOrMessage())
	case KindTimeout:
		return fmt.Sprintf("plugin %q exceeded its advisory per-call timeout", e.name)
	case KindConfigError:
		return fmt.Sprintf("configuration error: %v", e.causeOrMessage())
	case KindIoError:
		return fmt.Sprintf("i/o error: %v", e.causeOrMessage())
	default:
		return e.Error()
	}
}

func (e *Error) causeOrMessage() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.message
}

// TransientPrefix is the sentinel a plugin's execution error string may
// carry to mark itself retry-eligible. This is the documented convention
// chosen for Open Question (a): the plugin ABI only carries a string, so
// there is no distinguished error channel to flag transience with.
const TransientPrefix = "transient:"

// IsTransient reports whether err is worth retrying under the Manager's
// retry policy: IoError always is, ExecutionFailed is only when the
// plugin's message carries TransientPrefix.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.kind {
	case KindIoError:
		return true
	case KindExecutionFailed:
		return strings.HasPrefix(strings.TrimSpace(e.causeOrMessage()), TransientPrefix)
	default:
		return false
	}
}

// NotFound builds a KindNotFound error for the given plugin name.
func NotFound(name string) *Error {
	return &Error{kind: KindNotFound, name: name}
}

// Disabled builds a KindDisabled error for the given plugin name.
func Disabled(name string) *Error {
	return &Error{kind: KindDisabled, name: name}
}

// LoadFailed builds a KindLoadFailed error wrapping cause.
func LoadFailed(path string, cause error) *Error {
	return &Error{kind: KindLoadFailed, name: path, cause: cause}
}

// AbiMismatch builds a KindAbiMismatch error describing the mismatch.
func AbiMismatch(name string, want, got uint32) *Error {
	return &Error{kind: KindAbiMismatch, name: name, message: fmt.Sprintf("host wants abi %d, plugin reports %d", want, got)}
}

// DuplicateName builds a KindDuplicateName error for the conflicting name.
func DuplicateName(name string) *Error {
	return &Error{kind: KindDuplicateName, name: name}
}

// ExecutionFailed builds a KindExecutionFailed error wrapping cause.
func ExecutionFailed(name string, cause error) *Error {
	return &Error{kind: KindExecutionFailed, name: name, cause: cause}
}

// Timeout builds a KindTimeout error for the given plugin name.
func Timeout(name string) *Error {
	return &Error{kind: KindTimeout, name: name}
}

// ConfigError builds a KindConfigError error wrapping cause.
func ConfigError(message string, cause error) *Error {
	return &Error{kind: KindConfigError, message: message, cause: cause}
}

// IoError builds a KindIoError error wrapping cause.
func IoError(message string, cause error) *Error {
	return &Error{kind: KindIoError, message: message, cause: cause}
}

// As reports whether err is a *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
