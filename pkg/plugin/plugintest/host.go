package plugintest

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Host is an in-memory application handle that records the middleware and
// mounts plugins install on it. It has the same method set as the trellis
// App, so built-in plugins can be tested without an HTTP server.
type Host struct {
	mu         sync.Mutex
	middleware []namedMiddleware
	mounts     map[string]http.Handler
	logger     *zap.Logger
}

type namedMiddleware struct {
	name string
	mw   func(http.Handler) http.Handler
}

// NewHost returns an empty Host with a no-op logger.
func NewHost() *Host {
	return &Host{
		mounts: make(map[string]http.Handler),
		logger: zap.NewNop(),
	}
}

func (h *Host) AddMiddleware(name string, mw func(http.Handler) http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.middleware {
		if h.middleware[i].name == name {
			h.middleware[i].mw = mw
			return
		}
	}
	h.middleware = append(h.middleware, namedMiddleware{name: name, mw: mw})
}

func (h *Host) RemoveMiddleware(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.middleware {
		if h.middleware[i].name == name && h.middleware[i].mw != nil {
			h.middleware[i].mw = nil
			return true
		}
	}
	return false
}

func (h *Host) Mount(prefix string, handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts[prefix] = handler
}

func (h *Host) Unmount(prefix string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.mounts[prefix]; !ok {
		return false
	}
	delete(h.mounts, prefix)
	return true
}

func (h *Host) Logger() *zap.Logger { return h.logger }

// Middleware returns the names of installed middleware in install order.
func (h *Host) Middleware() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.middleware))
	for _, m := range h.middleware {
		if m.mw != nil {
			names = append(names, m.name)
		}
	}
	return names
}

// Mounts returns a copy of the mount table.
func (h *Host) Mounts() map[string]http.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]http.Handler, len(h.mounts))
	for k, v := range h.mounts {
		out[k] = v
	}
	return out
}

// Handler wraps next with the installed middleware; the last installed
// middleware is outermost.
func (h *Host) Handler(next http.Handler) http.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.middleware {
		if m.mw != nil {
			next = m.mw(next)
		}
	}
	return next
}
