package plugins

import (
	"net"
	"net/http"
	"strings"

	"github.com/HerbHall/trellis/internal/server"
	"github.com/HerbHall/trellis/pkg/plugin"
	"go.uber.org/zap"
)

const allowedHostsMiddleware = "allowed_hosts"

// AllowedHosts rejects requests whose Host header is not in ALLOWED_HOSTS
// (default ["*"], any host). Entries of the form "*.example.com" match any
// subdomain of example.com.
var AllowedHosts = plugin.Must("use_allowed_hosts", applyAllowedHosts,
	plugin.WithSettings(plugin.Optional("allowed_hosts", []string{"*"})),
	plugin.WithRevert(removeMiddleware(allowedHostsMiddleware)),
)

func applyAllowedHosts(app plugin.AppHandle, s plugin.Settings) error {
	h, err := hostOf(app)
	if err != nil {
		return err
	}
	hosts := []string{"*"}
	if s["allowed_hosts"] != nil {
		if hosts, err = s.StringSlice("allowed_hosts"); err != nil {
			return err
		}
	}

	m := newHostMatcher(hosts)
	h.Logger().Debug("allowed hosts configured", zap.Strings("hosts", hosts))
	h.AddMiddleware(allowedHostsMiddleware, func(next http.Handler) http.Handler {
		if m.any {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.allowed(r.Host) {
				server.InvalidHost(w, "invalid host header", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	return nil
}

type hostMatcher struct {
	any      bool
	exact    map[string]bool
	suffixes []string
}

func newHostMatcher(hosts []string) *hostMatcher {
	m := &hostMatcher{exact: make(map[string]bool)}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case h == "*":
			m.any = true
		case strings.HasPrefix(h, "*."):
			m.suffixes = append(m.suffixes, h[1:])
		case h != "":
			m.exact[h] = true
		}
	}
	return m
}

func (m *hostMatcher) allowed(hostport string) bool {
	if m.any {
		return true
	}
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if m.exact[host] {
		return true
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
