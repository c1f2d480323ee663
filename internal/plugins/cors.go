package plugins

import (
	"fmt"
	"maps"
	"net/http"

	"dario.cat/mergo"
	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/go-chi/cors"
	"github.com/spf13/cast"
)

const corsMiddleware = "cors"

// DefaultCORSConfig is used when CORS is true, and underlies any CORS map.
// No origin is allowed until allow_origins says otherwise.
var DefaultCORSConfig = map[string]any{
	"allow_origins": []string{},
	"allow_methods": []string{http.MethodGet},
}

// CORS adds CORS headers when the CORS setting is present. True uses
// DefaultCORSConfig; a map is merged over it; false installs nothing.
var CORS = plugin.Must("use_cors", applyCORS,
	plugin.ActiveIf("cors"),
	plugin.WithSettings(plugin.Required("cors")),
	plugin.WithRevert(removeMiddleware(corsMiddleware)),
)

func applyCORS(app plugin.AppHandle, s plugin.Settings) error {
	h, err := hostOf(app)
	if err != nil {
		return err
	}
	on, err := enabled(s, "cors")
	if err != nil || !on {
		return err
	}

	config := maps.Clone(DefaultCORSConfig)
	if _, isBool := s["cors"].(bool); !isBool {
		overrides, err := s.Map("cors")
		if err != nil {
			return err
		}
		if err := mergo.Merge(&config, overrides, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge cors config: %w", err)
		}
	}

	opts, err := corsOptions(config)
	if err != nil {
		return err
	}
	h.AddMiddleware(corsMiddleware, cors.Handler(opts))
	return nil
}

// corsOptions maps snake_case CORS settings onto cors.Options.
func corsOptions(config map[string]any) (cors.Options, error) {
	var opts cors.Options
	var err error

	strs := map[string]*[]string{
		"allow_origins":  &opts.AllowedOrigins,
		"allow_methods":  &opts.AllowedMethods,
		"allow_headers":  &opts.AllowedHeaders,
		"expose_headers": &opts.ExposedHeaders,
	}
	for key, dst := range strs {
		v, ok := config[key]
		if !ok {
			continue
		}
		if *dst, err = cast.ToStringSliceE(v); err != nil {
			return opts, fmt.Errorf("%w: cors %s: %w", ErrSettings, key, err)
		}
	}
	if v, ok := config["allow_credentials"]; ok {
		if opts.AllowCredentials, err = cast.ToBoolE(v); err != nil {
			return opts, fmt.Errorf("%w: cors allow_credentials: %w", ErrSettings, err)
		}
	}
	if v, ok := config["max_age"]; ok {
		if opts.MaxAge, err = cast.ToIntE(v); err != nil {
			return opts, fmt.Errorf("%w: cors max_age: %w", ErrSettings, err)
		}
	}

	// cors.Options treats an empty origin list as "allow all".
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	}
	return opts, nil
}
