package plugins

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHSTS_RedirectsPlainHTTP(t *testing.T) {
	app := newApp(t, HSTS)
	require.NoError(t, app.ConfigureValues(map[string]any{"hsts": true}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/hello?x=1", http.NoBody)
	w := do(app, req)

	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://example.com/hello?x=1", w.Header().Get("Location"))
}

func TestHSTS_PassesSecureRequests(t *testing.T) {
	app := newApp(t, HSTS)
	require.NoError(t, app.ConfigureValues(map[string]any{"hsts": true}))

	req := httptest.NewRequest(http.MethodGet, "/hello", http.NoBody)
	req.Header.Set("X-Forwarded-Proto", "https")
	w := do(app, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "max-age=31536000", w.Header().Get("Strict-Transport-Security"))

	tlsReq := httptest.NewRequest(http.MethodGet, "https://example.com/hello", http.NoBody)
	assert.Equal(t, http.StatusOK, do(app, tlsReq).Code)
}

func TestHSTS_PermanentIgnoresLaterPasses(t *testing.T) {
	app := newApp(t, HSTS)
	require.NoError(t, app.ConfigureValues(map[string]any{"hsts": true}))

	outcome, err := HSTS.ApplyWithOutcome(app, plugin.NewValues(map[string]any{"hsts": false}))
	require.NoError(t, err)
	assert.Equal(t, plugin.OutcomeSkippedPermanent, outcome)

	// Still redirecting: the second pass changed nothing.
	assert.Equal(t, http.StatusMovedPermanently, get(app, "/hello").Code)

	err = app.Revert()
	require.NoError(t, err)
	assert.Equal(t, []string{"hsts"}, app.Middleware())
}

func TestHSTS_FalseInstallsNothing(t *testing.T) {
	app := newApp(t, HSTS)
	require.NoError(t, app.ConfigureValues(map[string]any{"hsts": false}))

	assert.Empty(t, app.Middleware())
	assert.Equal(t, http.StatusOK, get(app, "/hello").Code)
}
