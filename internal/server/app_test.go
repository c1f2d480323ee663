package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/HerbHall/trellis/internal/registry"
	"github.com/HerbHall/trellis/pkg/plugin"
	"go.uber.org/zap"
)

func newTestApp() *App {
	return New(zap.NewNop())
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, http.NoBody))
	return w
}

func textHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body+":"+r.URL.Path)
	})
}

func headerMiddleware(value string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("X-Trace", value)
			next.ServeHTTP(w, r)
		})
	}
}

func TestHandleHealthz(t *testing.T) {
	w := serve(newTestApp(), "GET", "/healthz")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("status = %q, want %q", body["status"], "alive")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("core middleware did not set X-Request-ID")
	}
}

func TestHandleMetrics(t *testing.T) {
	w := serve(newTestApp(), "GET", "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.Len() == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestHandlePlugins(t *testing.T) {
	app := newTestApp()
	app.Install(plugin.Must("use_gzip", func(plugin.AppHandle, plugin.Settings) error { return nil },
		plugin.ActiveIf("gzip"), plugin.WithSettings(plugin.Required("gzip"))))
	app.Install(plugin.Must("use_hsts", func(plugin.AppHandle, plugin.Settings) error { return nil },
		plugin.ActiveIf("hsts"), plugin.Permanent()))
	if err := app.ConfigureValues(map[string]any{"gzip": true}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	w := serve(app, "GET", "/plugins")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got []registry.PluginStatus
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d plugins, want 2", len(got))
	}
	if got[0].Name != "gzip" || !got[0].Installed || got[0].Settings["gzip"] != true {
		t.Errorf("gzip = %+v", got[0])
	}
	if got[1].Name != "hsts" || got[1].Installed || !got[1].Permanent {
		t.Errorf("hsts = %+v", got[1])
	}
}

func TestRoute(t *testing.T) {
	app := newTestApp()
	app.Route(http.MethodGet, "/hello", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hi")
	})

	if w := serve(app, "GET", "/hello"); w.Body.String() != "hi" {
		t.Errorf("body = %q, want %q", w.Body.String(), "hi")
	}
	if w := serve(app, "GET", "/missing"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMount_StripsPrefixAndPrefersLongest(t *testing.T) {
	app := newTestApp()
	app.Mount("static/", textHandler("static"))
	app.Mount("/static/admin", textHandler("admin"))

	tests := []struct {
		target string
		want   string
	}{
		{"/static/app.css", "static:/app.css"},
		{"/static/admin/index.html", "admin:/index.html"},
		{"/static/administrator", "static:/administrator"},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			if got := serve(app, "GET", tc.target).Body.String(); got != tc.want {
				t.Errorf("body = %q, want %q", got, tc.want)
			}
		})
	}

	if got := app.Mounts(); !reflect.DeepEqual(got, []string{"/static", "/static/admin"}) {
		t.Errorf("Mounts() = %v", got)
	}
}

func TestMount_DoesNotMatchSiblingPaths(t *testing.T) {
	app := newTestApp()
	app.Mount("/static", textHandler("static"))

	if w := serve(app, "GET", "/staticky"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestUnmount(t *testing.T) {
	app := newTestApp()
	app.Mount("/assets", textHandler("assets"))

	if w := serve(app, "GET", "/assets/a.js"); w.Code != http.StatusOK {
		t.Fatalf("status before unmount = %d", w.Code)
	}
	if !app.Unmount("assets/") {
		t.Fatal("Unmount returned false for mounted prefix")
	}
	if app.Unmount("/assets") {
		t.Error("second Unmount returned true")
	}
	if w := serve(app, "GET", "/assets/a.js"); w.Code != http.StatusNotFound {
		t.Errorf("status after unmount = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAddMiddleware_LastAddedIsOutermost(t *testing.T) {
	app := newTestApp()
	app.AddMiddleware("first", headerMiddleware("first"))
	app.AddMiddleware("second", headerMiddleware("second"))

	w := serve(app, "GET", "/healthz")
	if got := w.Header().Values("X-Trace"); !reflect.DeepEqual(got, []string{"second", "first"}) {
		t.Errorf("X-Trace = %v, want [second first]", got)
	}
	if got := app.Middleware(); !reflect.DeepEqual(got, []string{"first", "second"}) {
		t.Errorf("Middleware() = %v", got)
	}
}

func TestAddMiddleware_ReplacesSameName(t *testing.T) {
	app := newTestApp()
	app.AddMiddleware("trace", headerMiddleware("old"))
	app.AddMiddleware("trace", headerMiddleware("new"))

	w := serve(app, "GET", "/healthz")
	if got := w.Header().Values("X-Trace"); !reflect.DeepEqual(got, []string{"new"}) {
		t.Errorf("X-Trace = %v, want [new]", got)
	}
}

func TestRemoveMiddleware(t *testing.T) {
	app := newTestApp()
	app.AddMiddleware("trace", headerMiddleware("x"))
	_ = serve(app, "GET", "/healthz") // build and cache the stack

	if !app.RemoveMiddleware("trace") {
		t.Fatal("RemoveMiddleware returned false")
	}
	if app.RemoveMiddleware("trace") {
		t.Error("second RemoveMiddleware returned true")
	}
	if got := serve(app, "GET", "/healthz").Header().Get("X-Trace"); got != "" {
		t.Errorf("X-Trace = %q after removal, want empty", got)
	}
}

func TestRemoveMiddleware_ReAddKeepsPosition(t *testing.T) {
	app := newTestApp()
	app.AddMiddleware("first", headerMiddleware("first"))
	app.AddMiddleware("second", headerMiddleware("second"))
	app.RemoveMiddleware("first")

	if got, want := app.Middleware(), []string{"second"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Middleware() = %v, want %v", got, want)
	}

	app.AddMiddleware("first", headerMiddleware("first again"))
	if got, want := app.Middleware(), []string{"first", "second"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Middleware() = %v, want %v", got, want)
	}
	w := serve(app, "GET", "/healthz")
	if got, want := w.Header().Values("X-Trace"), []string{"second", "first again"}; !reflect.DeepEqual(got, want) {
		t.Errorf("X-Trace = %v, want %v", got, want)
	}
}

func TestMiddlewareWrapsMounts(t *testing.T) {
	app := newTestApp()
	app.Mount("/sub", textHandler("sub"))
	app.AddMiddleware("trace", headerMiddleware("x"))

	w := serve(app, "GET", "/sub/page")
	if w.Header().Get("X-Trace") != "x" {
		t.Error("plugin middleware did not run for mounted sub-application")
	}
}

func TestRecoversFromHandlerPanic(t *testing.T) {
	app := newTestApp()
	app.Route(http.MethodGet, "/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	if w := serve(app, "GET", "/boom"); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestConfigure_AppliesInstalledPluginsToApp(t *testing.T) {
	app := newTestApp()

	var got *App
	p := plugin.Must("use_trace", func(h plugin.AppHandle, s plugin.Settings) error {
		got, _ = h.(*App)
		value, err := s.String("trace_value")
		if err != nil {
			return err
		}
		got.AddMiddleware("trace", headerMiddleware(value))
		return nil
	},
		plugin.WithSettings(plugin.Optional("trace_value", "default")),
		plugin.ActiveIf("trace"),
	)
	app.Install(p)

	if err := app.ConfigureValues(map[string]any{"trace": true, "trace_value": "configured"}); err != nil {
		t.Fatalf("ConfigureValues: %v", err)
	}
	if got != app {
		t.Fatal("apply function did not receive the application handle")
	}
	if v := serve(app, "GET", "/healthz").Header().Get("X-Trace"); v != "configured" {
		t.Errorf("X-Trace = %q, want %q", v, "configured")
	}
	if len(app.Registry().Plugins()) != 1 {
		t.Errorf("registry holds %d plugins, want 1", len(app.Registry().Plugins()))
	}
}

func TestConfigure_NilSourceIsEmpty(t *testing.T) {
	app := newTestApp()
	app.Install(plugin.Must("use_needs_key", func(plugin.AppHandle, plugin.Settings) error { return nil },
		plugin.WithSettings(plugin.Required("key")),
	))

	err := app.Configure(nil)
	if !errors.Is(err, plugin.ErrMissingSetting) {
		t.Errorf("Configure(nil) error = %v, want ErrMissingSetting", err)
	}
}

func TestRevert_RemovesPluginMiddleware(t *testing.T) {
	app := newTestApp()
	app.Install(plugin.Must("use_trace", func(h plugin.AppHandle, _ plugin.Settings) error {
		h.(*App).AddMiddleware("trace", headerMiddleware("x"))
		return nil
	},
		plugin.WithRevert(func(h plugin.AppHandle, _ plugin.Settings) error {
			h.(*App).RemoveMiddleware("trace")
			return nil
		}),
	))

	if err := app.Configure(plugin.Values{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := app.Revert(); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if len(app.Middleware()) != 0 {
		t.Errorf("Middleware() = %v after revert, want empty", app.Middleware())
	}
}

func TestShutdown_WithoutStart(t *testing.T) {
	if err := newTestApp().Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := map[string]string{
		"static":   "/static",
		"/static/": "/static",
		"a/b/":     "/a/b",
		"":         "/",
		"/":        "/",
	}
	for in, want := range tests {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
