// Package plugintest provides shared contract tests that verify any
// *plugin.Plugin honors the apply/reconfigure/revert rules. Every package
// that declares plugins should call TestPluginContract from its tests.
package plugintest

import (
	"errors"
	"testing"

	"github.com/HerbHall/trellis/pkg/plugin"
)

// Harness describes how to exercise a plugin under test.
type Harness struct {
	// Plugin returns the plugin under test. Returning the same shared value
	// each time is fine: every subtest uses a fresh application.
	Plugin func() *plugin.Plugin
	// NewApp returns a fresh application handle the plugin can configure.
	NewApp func() plugin.AppHandle
	// Source activates the plugin and satisfies its required settings.
	Source plugin.Source
}

// TestPluginContract runs a suite of behavioral contract tests against a
// plugin. Call this from each plugin package's _test.go:
//
//	func TestGzipContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, plugintest.Harness{
//	        Plugin: func() *plugin.Plugin { return plugins.Gzip },
//	        NewApp: func() plugin.AppHandle { return plugintest.NewHost() },
//	        Source: plugin.NewValues(map[string]any{"gzip": true}),
//	    })
//	}
func TestPluginContract(t *testing.T, h Harness) {
	t.Helper()

	t.Run("Name_is_set_and_stable", func(t *testing.T) {
		p := h.Plugin()
		if p.Name() == "" {
			t.Fatal("Name() must not be empty")
		}
		if p.Name() != h.Plugin().Name() {
			t.Error("Name() must return consistent results")
		}
	})

	t.Run("Apply_records_installed_settings", func(t *testing.T) {
		p, app := h.Plugin(), h.NewApp()
		outcome, err := p.ApplyWithOutcome(app, h.Source)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if outcome != plugin.OutcomeApplied {
			t.Fatalf("Apply() outcome = %v, want %v (does Source activate the plugin?)", outcome, plugin.OutcomeApplied)
		}
		s, ok := p.Installed(app)
		if !ok {
			t.Fatal("Installed() = false after successful Apply")
		}
		for _, decl := range p.Settings() {
			if !s.Has(decl.Name) {
				t.Errorf("installed settings missing declared %q", decl.Name)
			}
		}
		cleanup(t, p, app)
	})

	t.Run("Reconfigure_follows_permanence_and_revert_rules", func(t *testing.T) {
		p, app := h.Plugin(), h.NewApp()
		if err := p.Apply(app, h.Source); err != nil {
			t.Fatalf("first Apply() error = %v", err)
		}
		outcome, err := p.ApplyWithOutcome(app, h.Source)
		switch {
		case p.Permanent():
			if err != nil || outcome != plugin.OutcomeSkippedPermanent {
				t.Errorf("permanent plugin: second Apply() = (%v, %v), want (%v, nil)", outcome, err, plugin.OutcomeSkippedPermanent)
			}
		case p.Revertible():
			if err != nil || outcome != plugin.OutcomeReapplied {
				t.Errorf("revertible plugin: second Apply() = (%v, %v), want (%v, nil)", outcome, err, plugin.OutcomeReapplied)
			}
		default:
			if !errors.Is(err, plugin.ErrReconfigure) {
				t.Errorf("second Apply() error = %v, want ErrReconfigure", err)
			}
		}
		if _, ok := p.Installed(app); !ok {
			t.Error("plugin must stay installed after reconfiguration")
		}
		cleanup(t, p, app)
	})

	t.Run("Revert_clears_installed_state", func(t *testing.T) {
		p, app := h.Plugin(), h.NewApp()
		if err := p.Apply(app, h.Source); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		err := p.Revert(app)
		if !p.Revertible() {
			if !errors.Is(err, plugin.ErrNotRevertible) {
				t.Errorf("Revert() error = %v, want ErrNotRevertible", err)
			}
			return
		}
		if err != nil {
			t.Fatalf("Revert() error = %v", err)
		}
		if _, ok := p.Installed(app); ok {
			t.Error("Installed() = true after Revert")
		}
	})
}

// cleanup reverts when possible so shared plugin values do not keep
// references to test applications.
func cleanup(t *testing.T, p *plugin.Plugin, app plugin.AppHandle) {
	t.Helper()
	if p.Revertible() {
		if err := p.Revert(app); err != nil {
			t.Errorf("Revert() during cleanup: %v", err)
		}
	}
}
