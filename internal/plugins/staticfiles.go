package plugins

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// StaticFiles mounts the STATIC_DIR directory (default "static") at
// STATIC_ROOT (default "static"). An empty or null STATIC_DIR, or a
// directory that does not exist, mounts nothing. STATIC_CONFIG may set
// max_age in seconds for Cache-Control.
var StaticFiles = plugin.Must("use_staticfiles", applyStaticFiles,
	plugin.WithSettings(
		plugin.Optional("static_dir", "static"),
		plugin.Optional("static_root", "static"),
		plugin.Optional("static_config", map[string]any{}),
	),
	plugin.WithRevert(revertStaticFiles),
)

func applyStaticFiles(app plugin.AppHandle, s plugin.Settings) error {
	h, err := hostOf(app)
	if err != nil {
		return err
	}
	if s["static_dir"] == nil {
		return nil
	}
	dir, err := s.String("static_dir")
	if err != nil || dir == "" {
		return err
	}
	root, err := s.String("static_root")
	if err != nil {
		return err
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		h.Logger().Debug("static directory not found, nothing mounted",
			zap.String("dir", dir),
		)
		return nil
	}

	var config map[string]any
	if s["static_config"] != nil {
		if config, err = s.Map("static_config"); err != nil {
			return err
		}
	}
	handler, err := staticHandler(dir, config)
	if err != nil {
		return err
	}
	h.Mount(root, handler)
	h.Logger().Debug("static files mounted",
		zap.String("dir", dir),
		zap.String("root", root),
	)
	return nil
}

func revertStaticFiles(app plugin.AppHandle, s plugin.Settings) error {
	h, err := hostOf(app)
	if err != nil {
		return err
	}
	root, err := s.String("static_root")
	if err != nil {
		return err
	}
	h.Unmount(root)
	return nil
}

// staticHandler serves files from dir with an optional Cache-Control max-age.
func staticHandler(dir string, config map[string]any) (http.Handler, error) {
	fs := http.FileServer(http.Dir(dir))

	raw, ok := config["max_age"]
	if !ok {
		return fs, nil
	}
	maxAge, err := cast.ToIntE(raw)
	if err != nil || maxAge < 0 {
		return nil, fmt.Errorf("%w: static_config max_age must be a non-negative number of seconds", ErrSettings)
	}
	cacheControl := "public, max-age=" + strconv.Itoa(maxAge)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", cacheControl)
		fs.ServeHTTP(w, r)
	}), nil
}
