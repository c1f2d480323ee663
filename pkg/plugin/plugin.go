// Package plugin provides the declarative plugin type used to configure a
// trellis application. A plugin bundles an apply function with the settings
// it needs, an activation condition, and an optional revert function, and
// tracks which applications it has already been applied to.
package plugin

import (
	"fmt"
	"reflect"
	"sync"
)

// AppHandle is the application a plugin configures. It is opaque to this
// package and must be comparable; a pointer is the usual choice. Apply and
// Revert return ErrInvalidApp for handles that cannot be used as map keys.
type AppHandle any

func checkApp(app AppHandle) error {
	if app == nil || reflect.ValueOf(app).Comparable() {
		return nil
	}
	return fmt.Errorf("%w: %T", ErrInvalidApp, app)
}

// ApplyFunc configures app using the resolved settings.
type ApplyFunc func(app AppHandle, s Settings) error

// RevertFunc undoes a previous ApplyFunc call. It receives the settings that
// call was made with.
type RevertFunc func(app AppHandle, s Settings) error

// Outcome describes what a single Apply call did.
type Outcome int

const (
	OutcomeApplied          Outcome = iota // first install for this app
	OutcomeReapplied                       // reverted, then installed with fresh settings
	OutcomeSkippedInactive                 // activation was false
	OutcomeSkippedPermanent                // already installed and permanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeReapplied:
		return "reapplied"
	case OutcomeSkippedInactive:
		return "skipped_inactive"
	case OutcomeSkippedPermanent:
		return "skipped_permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Option customizes a Plugin built by New.
type Option func(*options)

type options struct {
	name       string
	activation Activation
	permanent  bool
	revert     RevertFunc
	settings   []Setting
}

// WithName sets the plugin name explicitly instead of inferring it.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithSettings declares the settings passed to the apply function.
func WithSettings(decls ...Setting) Option {
	return func(o *options) { o.settings = append(o.settings, decls...) }
}

// ActiveIf applies the plugin only when key is present in the source.
func ActiveIf(key string) Option {
	return func(o *options) { o.activation = IfSet(key) }
}

// ActiveWhen applies the plugin only when pred returns true.
func ActiveWhen(pred Predicate) Option {
	return func(o *options) { o.activation = When(pred) }
}

// Permanent makes reconfiguring an already configured application a no-op.
func Permanent() Option {
	return func(o *options) { o.permanent = true }
}

// WithRevert registers the revert function at construction time.
func WithRevert(fn RevertFunc) Option {
	return func(o *options) { o.revert = fn }
}

// Plugin is a named, reusable unit of application configuration. One Plugin
// value may be installed into any number of applications; its per-application
// state is kept internally.
type Plugin struct {
	name       string
	apply      ApplyFunc
	activation Activation
	permanent  bool
	extractor  *Extractor

	mu        sync.Mutex
	revert    RevertFunc
	installed map[AppHandle]Settings
}

// New builds a Plugin. identifier is the apply function's name; unless
// WithName is given, the plugin name is inferred from it (see InferName).
func New(identifier string, fn ApplyFunc, opts ...Option) (*Plugin, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: %s has no apply function", ErrInvalidPlugin, identifier)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	name := o.name
	if name == "" {
		inferred, err := InferName(identifier)
		if err != nil {
			return nil, err
		}
		name = inferred
	}

	extractor, err := NewExtractor(o.settings...)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: %w", name, err)
	}

	return &Plugin{
		name:       name,
		apply:      fn,
		activation: o.activation,
		permanent:  o.permanent,
		extractor:  extractor,
		revert:     o.revert,
		installed:  make(map[AppHandle]Settings),
	}, nil
}

// Must is like New but panics on error. It is meant for package-level
// plugin declarations.
func Must(identifier string, fn ApplyFunc, opts ...Option) *Plugin {
	p, err := New(identifier, fn, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Name returns the plugin name.
func (p *Plugin) Name() string { return p.name }

func (p *Plugin) String() string { return p.name }

// Permanent reports whether the plugin ignores reconfiguration.
func (p *Plugin) Permanent() bool { return p.permanent }

// Activation returns the plugin's activation condition.
func (p *Plugin) Activation() Activation { return p.activation }

// Settings returns the declared settings.
func (p *Plugin) Settings() []Setting { return p.extractor.Declarations() }

// OnRevert registers fn as the revert function, replacing any previous one.
// It returns p so declarations can be chained.
func (p *Plugin) OnRevert(fn RevertFunc) *Plugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revert = fn
	return p
}

// Revertible reports whether a revert function is registered.
func (p *Plugin) Revertible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revert != nil
}

// Installed returns a copy of the settings the plugin was applied to app
// with, and whether it is currently installed there.
func (p *Plugin) Installed(app AppHandle) (Settings, bool) {
	if checkApp(app) != nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.installed[app]
	return s.Clone(), ok
}

// Apply configures app from src. See ApplyWithOutcome.
func (p *Plugin) Apply(app AppHandle, src Source) error {
	_, err := p.ApplyWithOutcome(app, src)
	return err
}

// ApplyWithOutcome runs the plugin state machine for app:
//
//   - already installed and permanent: nothing happens;
//   - activation false: nothing happens;
//   - already installed with a revert function: revert with the previous
//     settings, then apply with fresh ones;
//   - already installed without one: *ReconfigurationError;
//   - otherwise: extract settings, call the apply function, record them.
//
// Errors from the activation predicate, apply and revert functions are
// returned unchanged. The apply and revert functions run with the plugin's
// lock held and must not call back into p.
func (p *Plugin) ApplyWithOutcome(app AppHandle, src Source) (Outcome, error) {
	if err := checkApp(app); err != nil {
		return OutcomeSkippedInactive, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, installed := p.installed[app]
	if installed && p.permanent {
		return OutcomeSkippedPermanent, nil
	}

	active, err := p.activation.Evaluate(src)
	if err != nil {
		return OutcomeSkippedInactive, err
	}
	if !active {
		return OutcomeSkippedInactive, nil
	}

	outcome := OutcomeApplied
	if installed {
		if p.revert == nil {
			return outcome, &ReconfigurationError{Plugin: p.name}
		}
		if err := p.revert(app, previous); err != nil {
			return outcome, err
		}
		delete(p.installed, app)
		outcome = OutcomeReapplied
	}

	settings, err := p.extractor.extract(p.name, src)
	if err != nil {
		return outcome, err
	}
	recorded := settings.Clone()
	if err := p.apply(app, settings); err != nil {
		return outcome, err
	}
	p.installed[app] = recorded
	return outcome, nil
}

// Revert undoes the plugin's installation on app. It is a no-op when the
// plugin is not installed there and returns ErrNotRevertible when it is
// installed but has no revert function.
func (p *Plugin) Revert(app AppHandle) error {
	if err := checkApp(app); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, ok := p.installed[app]
	if !ok {
		return nil
	}
	if p.revert == nil {
		return fmt.Errorf("plugin %q: %w", p.name, ErrNotRevertible)
	}
	if err := p.revert(app, previous); err != nil {
		return err
	}
	delete(p.installed, app)
	return nil
}
