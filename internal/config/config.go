// Package config provides the Viper-backed settings source and the
// process logger.
package config

import (
	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/spf13/viper"
)

// Compile-time interface guard.
var _ plugin.Source = (*ViperConfig)(nil)

// ViperConfig wraps a Viper instance to implement plugin.Source. Viper keys
// are case-insensitive, so the upper-cased keys plugins look up match the
// lower-case keys found in YAML files and TRELLIS_* environment variables.
type ViperConfig struct {
	v      *viper.Viper
	prefix string
}

// New creates a Config backed by the given Viper instance.
// Returns the concrete type; callers assign to plugin.Source where needed.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) Get(key string) any {
	return c.v.Get(c.path(key))
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(c.path(key))
}

func (c *ViperConfig) IsSet(key string) bool {
	return c.v.IsSet(c.path(key))
}

// Sub returns a view of the keys under key. Lookups still go through the
// parent instance, so environment bindings apply whether or not the
// configuration file has a section for key.
func (c *ViperConfig) Sub(key string) *ViperConfig {
	return &ViperConfig{v: c.v, prefix: c.path(key)}
}

func (c *ViperConfig) path(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "." + key
}

// Viper returns the underlying Viper instance. For a Sub view this is the
// root instance.
func (c *ViperConfig) Viper() *viper.Viper {
	return c.v
}
