package config

import (
	"fmt"
	"os"

	"github.com/HerbHall/trellis/pkg/plugin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadYAML reads a flat settings file (top-level keys are setting names)
// into plugin.Values. Nested maps are kept as-is so plugins such as cors
// and sessions can take a mapping value.
func LoadYAML(path string, logger *zap.Logger) (plugin.Values, error) {
	logger.Debug("loading settings file", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}

	values := plugin.NewValues(raw)
	logger.Info("settings file loaded",
		zap.String("path", path),
		zap.Int("keys", len(values)),
	)
	return values, nil
}
