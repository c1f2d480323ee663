// Package plugins contains the built-in plugins installed on every trellis
// application: host filtering, CORS, compression, HTTPS redirection,
// sessions, static files and rate limiting.
package plugins

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/HerbHall/trellis/pkg/plugin"
	"go.uber.org/zap"
)

var (
	// ErrSettings reports a setting that is present but unusable, such as a
	// sessions config without a secret key.
	ErrSettings = errors.New("invalid settings")

	// ErrUnsupportedApp is returned when a plugin is applied to a handle
	// that does not implement Host.
	ErrUnsupportedApp = errors.New("application does not support built-in plugins")
)

// Host is what the built-in plugins need from an application handle.
// Defined here (consumer-side) so server.App and test doubles both satisfy it.
type Host interface {
	AddMiddleware(name string, mw func(http.Handler) http.Handler)
	RemoveMiddleware(name string) bool
	Mount(prefix string, handler http.Handler)
	Unmount(prefix string) bool
	Logger() *zap.Logger
}

// Installer accepts plugins, e.g. *server.App.
type Installer interface {
	Install(p *plugin.Plugin)
}

// Defaults returns the built-in plugins in install order.
func Defaults() []*plugin.Plugin {
	return []*plugin.Plugin{
		AllowedHosts,
		CORS,
		Gzip,
		HSTS,
		Sessions,
		StaticFiles,
		RateLimit,
	}
}

// InstallDefaults installs every built-in plugin on app.
func InstallDefaults(app Installer) {
	for _, p := range Defaults() {
		app.Install(p)
	}
}

func hostOf(app plugin.AppHandle) (Host, error) {
	h, ok := app.(Host)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedApp, app)
	}
	return h, nil
}

// removeMiddleware returns a revert function that removes the middleware
// installed under name.
func removeMiddleware(name string) plugin.RevertFunc {
	return func(app plugin.AppHandle, _ plugin.Settings) error {
		h, err := hostOf(app)
		if err != nil {
			return err
		}
		h.RemoveMiddleware(name)
		return nil
	}
}

// enabled reports whether a switch-style setting turns its feature on.
// Maps count as enabled; anything else is read as a boolean.
func enabled(s plugin.Settings, name string) (bool, error) {
	switch s[name].(type) {
	case map[string]any, map[any]any:
		return true, nil
	case nil:
		return false, nil
	}
	return s.Bool(name)
}
