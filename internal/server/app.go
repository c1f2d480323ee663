// Package server provides the trellis application: an HTTP handler whose
// middleware stack and mounted sub-applications are assembled by plugins
// during configure passes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/trellis/internal/registry"
	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App is the application handle passed to plugin apply functions. It owns
// the plugin registry, the router for its own routes, the middleware
// installed by plugins and a table of mounted sub-applications.
type App struct {
	logger   *zap.Logger
	registry *registry.Registry
	router   chi.Router

	mu         sync.RWMutex
	middleware []namedMiddleware
	mounts     map[string]http.Handler
	handler    http.Handler // built lazily, reset on every change

	httpServer *http.Server
}

type namedMiddleware struct {
	name string
	mw   func(http.Handler) http.Handler
}

// New creates an App with the core routes (/healthz, /metrics, /plugins)
// registered and no plugins installed.
func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		logger:   logger,
		registry: registry.New(logger.Named("registry")),
		router:   chi.NewRouter(),
		mounts:   make(map[string]http.Handler),
	}
	a.router.Get("/healthz", a.handleHealthz)
	a.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	a.router.Get("/plugins", a.handlePlugins)
	return a
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the plugin registry owned by this application.
func (a *App) Registry() *registry.Registry { return a.registry }

// Router exposes the underlying router for registering application routes.
func (a *App) Router() chi.Router { return a.router }

// Install appends p to the registry. It takes effect on the next Configure.
func (a *App) Install(p *plugin.Plugin) {
	a.registry.Install(p)
}

// Configure applies every installed plugin in install order using src.
func (a *App) Configure(src plugin.Source) error {
	if src == nil {
		src = plugin.Values{}
	}
	return a.registry.Configure(a, src)
}

// ConfigureValues is Configure over an in-memory set of settings. Keys are
// normalized, so "gzip" and "GZIP" are the same setting.
func (a *App) ConfigureValues(kv map[string]any) error {
	return a.Configure(plugin.NewValues(kv))
}

// Revert undoes every revertible plugin applied to this application.
func (a *App) Revert() error {
	return a.registry.Revert(a)
}

// Route registers handler for method and pattern on the application router.
func (a *App) Route(method, pattern string, handler http.HandlerFunc) {
	a.router.Method(method, pattern, handler)
}

// AddMiddleware installs mw under name. The most recently added middleware
// runs first. A name that is already installed, or was installed and then
// removed, keeps its original position.
func (a *App) AddMiddleware(name string, mw func(http.Handler) http.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.handler = nil
	for i := range a.middleware {
		if a.middleware[i].name == name {
			a.middleware[i].mw = mw
			a.logger.Debug("middleware replaced", zap.String("name", name), zap.Int("position", i))
			return
		}
	}
	a.middleware = append(a.middleware, namedMiddleware{name: name, mw: mw})
	a.logger.Debug("middleware added", zap.String("name", name))
}

// RemoveMiddleware removes the middleware installed under name and reports
// whether it was present. The slot is kept, so adding name again restores
// it where it was.
func (a *App) RemoveMiddleware(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.middleware {
		if a.middleware[i].name == name && a.middleware[i].mw != nil {
			a.middleware[i].mw = nil
			a.handler = nil
			a.logger.Debug("middleware removed", zap.String("name", name))
			return true
		}
	}
	return false
}

// Middleware returns the names of installed middleware in install order.
func (a *App) Middleware() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.middleware))
	for _, m := range a.middleware {
		if m.mw != nil {
			names = append(names, m.name)
		}
	}
	return names
}

// Mount serves handler for every request under prefix. The prefix is
// stripped before the handler sees the request path.
func (a *App) Mount(prefix string, handler http.Handler) {
	prefix = normalizePrefix(prefix)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.mounts[prefix] = handler
	a.handler = nil
	a.logger.Debug("sub-application mounted", zap.String("prefix", prefix))
}

// Unmount removes the sub-application at prefix and reports whether one
// was mounted.
func (a *App) Unmount(prefix string) bool {
	prefix = normalizePrefix(prefix)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.mounts[prefix]; !ok {
		return false
	}
	delete(a.mounts, prefix)
	a.handler = nil
	a.logger.Debug("sub-application unmounted", zap.String("prefix", prefix))
	return true
}

// Mounts returns the mounted prefixes in sorted order.
func (a *App) Mounts() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	prefixes := make([]string, 0, len(a.mounts))
	for p := range a.mounts {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

// ServeHTTP dispatches through the core middleware, the plugin middleware,
// then mounted sub-applications and finally the router.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.currentHandler().ServeHTTP(w, r)
}

func (a *App) currentHandler() http.Handler {
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h != nil {
		return h
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handler != nil {
		return a.handler
	}
	a.handler = a.build()
	return a.handler
}

// build assembles the handler stack. Callers hold a.mu.
func (a *App) build() http.Handler {
	mounts := make(map[string]http.Handler, len(a.mounts))
	for prefix, h := range a.mounts {
		if prefix == "/" {
			mounts[prefix] = h
			continue
		}
		mounts[prefix] = http.StripPrefix(prefix, h)
	}
	var h http.Handler = &dispatcher{mounts: mounts, fallback: a.router}

	// Earlier entries wrap first, so the last added ends up outermost.
	for _, m := range a.middleware {
		if m.mw != nil {
			h = m.mw(h)
		}
	}

	return Chain(h,
		RecoveryMiddleware(a.logger),
		RequestIDMiddleware,
		LoggingMiddleware(a.logger, []string{"/healthz", "/metrics"}),
	)
}

// Start listens on addr and serves until Shutdown is called.
func (a *App) Start(addr string) error {
	a.mu.Lock()
	a.httpServer = &http.Server{
		Addr:         addr,
		Handler:      a,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := a.httpServer
	a.mu.Unlock()

	a.logger.Info("starting HTTP server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops a server started with Start.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.RLock()
	srv := a.httpServer
	a.mu.RUnlock()
	if srv == nil {
		return nil
	}
	a.logger.Info("shutting down HTTP server")
	return srv.Shutdown(ctx)
}

// handleHealthz is a liveness probe.
func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handlePlugins lists the installed plugins and their state on this app.
func (a *App) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.registry.Status(a))
}

// dispatcher routes to the mounted handler with the longest matching
// prefix, or to fallback when none matches.
type dispatcher struct {
	mounts   map[string]http.Handler
	fallback http.Handler
}

func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	best := ""
	for prefix := range d.mounts {
		if matchesPrefix(r.URL.Path, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		d.fallback.ServeHTTP(w, r)
		return
	}
	d.mounts[best].ServeHTTP(w, r)
}

func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// normalizePrefix gives prefix a leading slash and no trailing slash.
func normalizePrefix(prefix string) string {
	prefix = "/" + strings.Trim(prefix, "/")
	return prefix
}
