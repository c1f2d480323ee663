package plugins

import (
	"net/http"

	"github.com/HerbHall/trellis/pkg/plugin"
)

const hstsMiddleware = "hsts"

// HSTS redirects plain HTTP requests to HTTPS and sets
// Strict-Transport-Security on secure responses, when HSTS is true.
// It is permanent: once an application is configured, later configure
// passes leave it alone.
var HSTS = plugin.Must("use_hsts", applyHSTS,
	plugin.ActiveIf("hsts"),
	plugin.WithSettings(plugin.Required("hsts")),
	plugin.Permanent(),
)

func applyHSTS(app plugin.AppHandle, s plugin.Settings) error {
	h, err := hostOf(app)
	if err != nil {
		return err
	}
	on, err := s.Bool("hsts")
	if err != nil || !on {
		return err
	}
	h.AddMiddleware(hstsMiddleware, httpsRedirect)
	return nil
}

func httpsRedirect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
			return
		}
		w.Header().Set("Strict-Transport-Security", "max-age=31536000")
		next.ServeHTTP(w, r)
	})
}
