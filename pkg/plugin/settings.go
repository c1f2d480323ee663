package plugin

import (
	"fmt"
	"maps"
	"strings"

	"github.com/spf13/cast"
)

// Source is the configuration a plugin reads its settings from.
// IsSet must distinguish an absent key from one that is present with a
// zero or false value.
type Source interface {
	Get(key string) any
	IsSet(key string) bool
}

// KeyFor maps a declared setting name to the key looked up in a Source.
func KeyFor(name string) string {
	return strings.ToUpper(name)
}

// Values is an in-memory Source. Keys are stored upper-cased, so lookups
// are case-insensitive.
type Values map[string]any

// Compile-time interface guard.
var _ Source = Values(nil)

// NewValues copies kv into a Values, normalizing every key with KeyFor.
func NewValues(kv map[string]any) Values {
	v := make(Values, len(kv))
	for k, val := range kv {
		v[KeyFor(k)] = val
	}
	return v
}

func (v Values) Get(key string) any {
	return v[KeyFor(key)]
}

func (v Values) IsSet(key string) bool {
	_, ok := v[KeyFor(key)]
	return ok
}

// Chain layers sources: the first source that has a key wins.
func Chain(sources ...Source) Source {
	return chain(sources)
}

type chain []Source

func (c chain) Get(key string) any {
	for _, s := range c {
		if s.IsSet(key) {
			return s.Get(key)
		}
	}
	return nil
}

func (c chain) IsSet(key string) bool {
	for _, s := range c {
		if s.IsSet(key) {
			return true
		}
	}
	return false
}

// Setting declares one value a plugin's apply function needs.
type Setting struct {
	Name     string
	Default  any
	Required bool
}

// Required declares a setting that must be present in the source.
func Required(name string) Setting {
	return Setting{Name: name, Required: true}
}

// Optional declares a setting that falls back to def when absent.
func Optional(name string, def any) Setting {
	return Setting{Name: name, Default: def}
}

// Extractor resolves a fixed set of declared settings against a Source.
// It is immutable once built.
type Extractor struct {
	decls []Setting
}

// NewExtractor validates the declarations and builds an Extractor.
func NewExtractor(decls ...Setting) (*Extractor, error) {
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: empty setting name", ErrInvalidSetting)
		}
		key := KeyFor(d.Name)
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSetting, d.Name)
		}
		seen[key] = true
	}
	return &Extractor{decls: append([]Setting(nil), decls...)}, nil
}

// Declarations returns a copy of the declared settings in declaration order.
func (e *Extractor) Declarations() []Setting {
	return append([]Setting(nil), e.decls...)
}

// Extract resolves every declared setting. The returned map's key set is
// exactly the set of declared names.
func (e *Extractor) Extract(src Source) (Settings, error) {
	return e.extract("", src)
}

func (e *Extractor) extract(owner string, src Source) (Settings, error) {
	out := make(Settings, len(e.decls))
	for _, d := range e.decls {
		key := KeyFor(d.Name)
		if src.IsSet(key) {
			out[d.Name] = src.Get(key)
			continue
		}
		if d.Required {
			return nil, &MissingSettingError{Plugin: owner, Key: key}
		}
		out[d.Name] = d.Default
	}
	return out, nil
}

// Settings is the resolved mapping handed to apply and revert functions,
// keyed by declared setting name.
type Settings map[string]any

// Has reports whether name was resolved.
func (s Settings) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Clone returns a shallow copy.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

func (s Settings) String(name string) (string, error) {
	v, err := cast.ToStringE(s[name])
	if err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrInvalidSetting, name, err)
	}
	return v, nil
}

func (s Settings) Int(name string) (int, error) {
	v, err := cast.ToIntE(s[name])
	if err != nil {
		return 0, fmt.Errorf("%w %s: %w", ErrInvalidSetting, name, err)
	}
	return v, nil
}

func (s Settings) Float(name string) (float64, error) {
	v, err := cast.ToFloat64E(s[name])
	if err != nil {
		return 0, fmt.Errorf("%w %s: %w", ErrInvalidSetting, name, err)
	}
	return v, nil
}

func (s Settings) Bool(name string) (bool, error) {
	v, err := cast.ToBoolE(s[name])
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrInvalidSetting, name, err)
	}
	return v, nil
}

func (s Settings) StringSlice(name string) ([]string, error) {
	v, err := cast.ToStringSliceE(s[name])
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidSetting, name, err)
	}
	return v, nil
}

func (s Settings) Map(name string) (map[string]any, error) {
	v, err := cast.ToStringMapE(s[name])
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidSetting, name, err)
	}
	return v, nil
}
