package plugins

import (
	"fmt"
	"net/http"

	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/klauspost/compress/gzhttp"
)

const gzipMiddleware = "gzip"

// Gzip compresses responses of at least GZIP_MIN_SIZE bytes (default 1024)
// for clients that accept gzip, when GZIP is true.
var Gzip = plugin.Must("use_gzip", applyGzip,
	plugin.ActiveIf("gzip"),
	plugin.WithSettings(
		plugin.Required("gzip"),
		plugin.Optional("gzip_min_size", 1024),
	),
	plugin.WithRevert(removeMiddleware(gzipMiddleware)),
)

func applyGzip(app plugin.AppHandle, s plugin.Settings) error {
	h, err := hostOf(app)
	if err != nil {
		return err
	}
	on, err := s.Bool("gzip")
	if err != nil || !on {
		return err
	}
	minSize, err := s.Int("gzip_min_size")
	if err != nil {
		return err
	}
	if minSize < 0 {
		return fmt.Errorf("%w: gzip_min_size must not be negative, got %d", ErrSettings, minSize)
	}

	wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(minSize))
	if err != nil {
		return fmt.Errorf("%w: gzip: %w", ErrSettings, err)
	}
	h.AddMiddleware(gzipMiddleware, func(next http.Handler) http.Handler {
		return wrap(next)
	})
	return nil
}
