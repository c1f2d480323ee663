package plugins

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cast"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionsMiddleware = "sessions"

	defaultSessionCookie = "session"
	defaultSessionMaxAge = 14 * 24 * 60 * 60 // two weeks, in seconds
	sessionKeyInfo       = "trellis session signing key"
)

// Sessions stores per-client data in a signed cookie when SESSIONS is set.
// True reads the secret from the SECRET_KEY environment variable; a map
// must carry secret_key and may set cookie_name, max_age (seconds) and
// https_only. Handlers reach the session through SessionFrom.
var Sessions = plugin.Must("use_sessions", applySessions,
	plugin.ActiveIf("sessions"),
	plugin.WithSettings(plugin.Required("sessions")),
	plugin.WithRevert(removeMiddleware(sessionsMiddleware)),
)

type sessionConfig struct {
	secret     string
	cookieName string
	maxAge     int
	httpsOnly  bool
}

func applySessions(app plugin.AppHandle, s plugin.Settings) error {
	h, err := hostOf(app)
	if err != nil {
		return err
	}
	on, err := enabled(s, "sessions")
	if err != nil || !on {
		return err
	}

	cfg := sessionConfig{
		cookieName: defaultSessionCookie,
		maxAge:     defaultSessionMaxAge,
	}
	if _, isBool := s["sessions"].(bool); isBool {
		cfg.secret = os.Getenv("SECRET_KEY")
	} else {
		m, err := s.Map("sessions")
		if err != nil {
			return err
		}
		if cfg, err = parseSessionConfig(cfg, m); err != nil {
			return err
		}
	}
	if cfg.secret == "" {
		return fmt.Errorf("%w: sessions require a non-empty secret_key", ErrSettings)
	}

	key, err := deriveSessionKey(cfg.secret)
	if err != nil {
		return err
	}
	h.AddMiddleware(sessionsMiddleware, sessionHandler(cfg, key))
	return nil
}

func parseSessionConfig(cfg sessionConfig, m map[string]any) (sessionConfig, error) {
	var err error
	if v, ok := m["secret_key"]; ok && v != nil {
		if cfg.secret, err = cast.ToStringE(v); err != nil {
			return cfg, fmt.Errorf("%w: sessions secret_key: %w", ErrSettings, err)
		}
	}
	if v, ok := m["cookie_name"]; ok {
		if cfg.cookieName, err = cast.ToStringE(v); err != nil || cfg.cookieName == "" {
			return cfg, fmt.Errorf("%w: sessions cookie_name must be a non-empty string", ErrSettings)
		}
	}
	if v, ok := m["max_age"]; ok {
		if cfg.maxAge, err = cast.ToIntE(v); err != nil || cfg.maxAge <= 0 {
			return cfg, fmt.Errorf("%w: sessions max_age must be a positive number of seconds", ErrSettings)
		}
	}
	if v, ok := m["https_only"]; ok {
		if cfg.httpsOnly, err = cast.ToBoolE(v); err != nil {
			return cfg, fmt.Errorf("%w: sessions https_only: %w", ErrSettings, err)
		}
	}
	return cfg, nil
}

// deriveSessionKey expands secret into a 32-byte HMAC key.
func deriveSessionKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Session is the data stored in the client's session cookie.
type Session struct {
	mu     sync.Mutex
	values map[string]any
	dirty  bool
}

type sessionKey struct{}

// SessionFrom returns the request's session, or nil when the sessions
// plugin is not active.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty = true
}

func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Clear removes every value; the cookie is expired on the response.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) > 0 {
		clear(s.values)
		s.dirty = true
	}
}

// Values returns a copy of the session data.
func (s *Session) Values() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

func sessionHandler(cfg sessionConfig, key []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := &Session{values: readSession(r, cfg.cookieName, key)}
			sw := &sessionWriter{ResponseWriter: w}
			sw.commit = func() {
				if c := sessionCookie(sess, cfg, key); c != nil {
					http.SetCookie(w, c)
				}
			}

			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
			sw.flush()
		})
	}
}

func readSession(r *http.Request, name string, key []byte) map[string]any {
	values := make(map[string]any)
	c, err := r.Cookie(name)
	if err != nil {
		return values
	}
	token, err := jwt.Parse(c.Value, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return values
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return values
	}
	if data, ok := claims["data"].(map[string]any); ok {
		maps.Copy(values, data)
	}
	return values
}

// sessionCookie returns the cookie to send, or nil when the session is
// unchanged.
func sessionCookie(s *Session, cfg sessionConfig, key []byte) *http.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	c := &http.Cookie{
		Name:     cfg.cookieName,
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.httpsOnly,
		SameSite: http.SameSiteLaxMode,
	}
	if len(s.values) == 0 {
		c.MaxAge = -1
		return c
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"data": s.values,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Duration(cfg.maxAge) * time.Second).Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return nil
	}
	c.Value = signed
	c.MaxAge = cfg.maxAge
	return c
}

// sessionWriter sets the session cookie right before the response header
// is written.
type sessionWriter struct {
	http.ResponseWriter
	commit    func()
	committed bool
}

func (w *sessionWriter) flush() {
	if !w.committed {
		w.committed = true
		w.commit()
	}
}

func (w *sessionWriter) WriteHeader(code int) {
	w.flush()
	w.ResponseWriter.WriteHeader(code)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.flush()
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *sessionWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
