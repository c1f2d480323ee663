package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to these so callers can use
// errors.Is without caring about the details.
var (
	ErrNameInference    = errors.New("cannot infer plugin name")
	ErrMissingSetting   = errors.New("missing required setting")
	ErrReconfigure      = errors.New("plugin cannot be reconfigured")
	ErrNotRevertible    = errors.New("plugin has no revert function")
	ErrDuplicateSetting = errors.New("setting declared more than once")
	ErrInvalidSetting   = errors.New("invalid setting")
	ErrInvalidPlugin    = errors.New("invalid plugin")
	ErrInvalidApp       = errors.New("application handle is not comparable")
)

// NameInferenceError is returned by New when no explicit name was given and
// the identifier does not follow the use_<name> / Use<Name> convention.
type NameInferenceError struct {
	Identifier string
}

func (e *NameInferenceError) Error() string {
	return fmt.Sprintf("cannot infer plugin name from %q: use the \"use_{name}\" naming convention or pass WithName", e.Identifier)
}

func (e *NameInferenceError) Unwrap() error { return ErrNameInference }

// MissingSettingError reports a required setting absent from the source.
type MissingSettingError struct {
	Plugin string // empty when extraction ran outside a plugin
	Key    string // the looked-up key, after KeyFor
}

func (e *MissingSettingError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("missing required setting %s", e.Key)
	}
	return fmt.Sprintf("plugin %q: missing required setting %s", e.Plugin, e.Key)
}

func (e *MissingSettingError) Unwrap() error { return ErrMissingSetting }

// ReconfigurationError is returned when a plugin that is neither permanent
// nor revertible is applied twice to the same application.
type ReconfigurationError struct {
	Plugin string
}

func (e *ReconfigurationError) Error() string {
	return fmt.Sprintf("plugin %q is already configured for this application, is not permanent and cannot be reconfigured", e.Plugin)
}

func (e *ReconfigurationError) Unwrap() error { return ErrReconfigure }
