// Package registry holds the ordered list of plugins installed on an
// application and runs configure passes over it.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HerbHall/trellis/internal/event"
	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Event topics published during configure and revert passes.
const (
	TopicApplied  = "plugin.applied"
	TopicSkipped  = "plugin.skipped"
	TopicReverted = "plugin.reverted"
	TopicFailed   = "plugin.failed"
)

// Prometheus configuration metrics.
var (
	pluginOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trellis_plugin_outcomes_total",
			Help: "Plugin apply results during configure passes, by plugin and outcome.",
		},
		[]string{"plugin", "outcome"},
	)
	configureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trellis_configure_duration_seconds",
			Help:    "Duration of full configure passes in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(pluginOutcomesTotal)
	prometheus.MustRegister(configureDuration)
}

// Publisher sends configuration events. Defined here (consumer-side) so the
// registry works with any bus, or none.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// Registry is the ordered plugin sequence owned by one application.
// Configure passes are serialized.
type Registry struct {
	mu      sync.Mutex
	plugins []*plugin.Plugin
	logger  *zap.Logger
	bus     Publisher
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// SetPublisher attaches a bus that receives an event per plugin decision.
func (r *Registry) SetPublisher(bus Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = bus
}

// Install appends p. Nothing is applied until the next Configure.
// Installing the same name twice is allowed; both apply independently.
func (r *Registry) Install(p *plugin.Plugin) {
	if p == nil {
		panic("registry: Install called with nil plugin")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
	r.logger.Debug("plugin installed",
		zap.String("name", p.Name()),
		zap.String("activation", p.Activation().String()),
		zap.Bool("permanent", p.Permanent()),
		zap.Int("position", len(r.plugins)-1),
	)
}

// Plugins returns the installed plugins in install order.
func (r *Registry) Plugins() []*plugin.Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*plugin.Plugin(nil), r.plugins...)
}

// PluginStatus describes one installed plugin and its state on an app.
type PluginStatus struct {
	Name       string         `json:"name" example:"gzip"`
	Activation string         `json:"activation" example:"if_set(gzip)"`
	Permanent  bool           `json:"permanent"`
	Revertible bool           `json:"revertible"`
	Installed  bool           `json:"installed"`
	Settings   map[string]any `json:"settings,omitempty"`
}

// Status reports every plugin in install order. Settings are the values
// recorded at the last apply, with sensitive keys redacted.
func (r *Registry) Status(app plugin.AppHandle) []PluginStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PluginStatus, 0, len(r.plugins))
	for _, p := range r.plugins {
		st := PluginStatus{
			Name:       p.Name(),
			Activation: p.Activation().String(),
			Permanent:  p.Permanent(),
			Revertible: p.Revertible(),
		}
		if settings, ok := p.Installed(app); ok {
			st.Installed = true
			st.Settings = redact(settings)
		}
		out = append(out, st)
	}
	return out
}

// Configure applies every plugin to app in install order. The first error
// aborts the pass and is returned unchanged; plugins applied before it stay
// applied. app must be comparable (usually a pointer); otherwise the first
// plugin fails with plugin.ErrInvalidApp.
func (r *Registry) Configure(app plugin.AppHandle, src plugin.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() { configureDuration.Observe(time.Since(start).Seconds()) }()

	for _, p := range r.plugins {
		outcome, err := p.ApplyWithOutcome(app, src)
		if err != nil {
			pluginOutcomesTotal.WithLabelValues(p.Name(), "error").Inc()
			r.logger.Error("plugin configuration failed",
				zap.String("name", p.Name()),
				zap.Error(err),
			)
			r.publish(TopicFailed, p.Name(), err)
			return err
		}

		pluginOutcomesTotal.WithLabelValues(p.Name(), outcome.String()).Inc()
		switch outcome {
		case plugin.OutcomeApplied, plugin.OutcomeReapplied:
			settings, _ := p.Installed(app)
			r.logger.Info("plugin configured",
				zap.String("name", p.Name()),
				zap.Stringer("outcome", outcome),
				zap.Any("settings", redact(settings)),
			)
			r.publish(TopicApplied, p.Name(), outcome)
		default:
			r.logger.Debug("plugin skipped",
				zap.String("name", p.Name()),
				zap.Stringer("outcome", outcome),
			)
			r.publish(TopicSkipped, p.Name(), outcome)
		}
	}

	r.logger.Info("configure pass complete",
		zap.Int("plugins", len(r.plugins)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Revert undoes every revertible plugin installed on app, in reverse install
// order. Plugins without a revert function are left in place. All plugins
// are attempted; errors are joined.
func (r *Registry) Revert(app plugin.AppHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := len(r.plugins) - 1; i >= 0; i-- {
		p := r.plugins[i]
		if _, ok := p.Installed(app); !ok {
			continue
		}
		if !p.Revertible() {
			r.logger.Debug("plugin not revertible, leaving installed", zap.String("name", p.Name()))
			continue
		}
		if err := p.Revert(app); err != nil {
			r.logger.Error("failed to revert plugin", zap.String("name", p.Name()), zap.Error(err))
			r.publish(TopicFailed, p.Name(), err)
			errs = append(errs, err)
			continue
		}
		r.logger.Info("plugin reverted", zap.String("name", p.Name()))
		r.publish(TopicReverted, p.Name(), nil)
	}
	return errors.Join(errs...)
}

// publish must be called with r.mu held.
func (r *Registry) publish(topic, name string, payload any) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(context.Background(), event.Event{
		Topic:     topic,
		Source:    name,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		r.logger.Warn("failed to publish configuration event",
			zap.String("topic", topic),
			zap.String("name", name),
			zap.Error(err),
		)
	}
}

// sensitiveKeys never appear in logs.
var sensitiveKeys = map[string]bool{
	"secret_key": true,
	"sessions":   true,
	"password":   true,
	"token":      true,
}

func redact(s plugin.Settings) map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		if sensitiveKeys[k] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}
