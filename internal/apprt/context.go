package apprt

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config is the environment+flag driven configuration for the daemon: a
// flat struct with a Default constructor, overridden by the config file
// and the VOLTAGE_* env vars.
type Config struct {
	DBPath         string        `json:"db_path"`
	Env            string        `json:"env"` // development | staging | production
	RedisURL       string        `json:"redis_url"`
	ServicePort    int           `json:"service_port"`
	SkipValidation bool          `json:"skip_validation"`
	LogLevel       Level         `json:"-"`
	ReloadInterval time.Duration `json:"reload_interval"`
	ShutdownGrace  time.Duration `json:"shutdown_grace"`
}

// DefaultConfig returns the baseline configuration, overridden by env/flags
// in cmd/voltageemsd.
func DefaultConfig() *Config {
	return &Config{
		DBPath:         "voltageems.db",
		Env:            "development",
		ServicePort:    8080,
		LogLevel:       LevelInfo,
		ReloadInterval: 2 * time.Second,
		ShutdownGrace:  10 * time.Second,
	}
}

// Registry is the per-Context Prometheus metrics handle, instantiated as
// a struct field rather than a package-level `var` so independent
// Contexts (and tests) don't collide on shared collectors.
type Registry struct {
	ChannelPolls       *prometheus.CounterVec
	ChannelPollLatency *prometheus.HistogramVec
	RouteHits          *prometheus.CounterVec
	RuleExecutions     *prometheus.CounterVec
	RuleDuration       *prometheus.HistogramVec
}

// NewRegistry builds a Registry against a fresh prometheus.Registerer so
// tests can create independent instances without colliding on the global
// default registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ChannelPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voltageems_channel_polls_total",
			Help: "Total channel poll attempts by outcome.",
		}, []string{"channel", "outcome"}),
		ChannelPollLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltageems_channel_poll_latency_seconds",
			Help:    "Channel poll round-trip latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"channel"}),
		RouteHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voltageems_route_hits_total",
			Help: "Routing dispatcher hits/misses by direction.",
		}, []string{"direction", "outcome"}),
		RuleExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voltageems_rule_executions_total",
			Help: "Rule evaluations by outcome.",
		}, []string{"rule", "outcome"}),
		RuleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltageems_rule_duration_seconds",
			Help:    "Rule graph-walk duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"rule"}),
	}
}

// Context bundles every dependency components are constructed with,
// threaded explicitly through constructors in place of global registries
// and singletons.
type Context struct {
	Config  *Config
	Logger  Logger
	Metrics *Registry
	Tracer  trace.Tracer
}

// New builds a root Context. Pass a nil prometheus.Registerer to register
// against the global default registry (production use); pass
// prometheus.NewRegistry() in tests to avoid collisions across cases.
func New(cfg *Config, logger Logger, promReg prometheus.Registerer) *Context {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = NewLogger(cfg.LogLevel)
	}
	if promReg == nil {
		promReg = prometheus.DefaultRegisterer
	}
	return &Context{
		Config:  cfg,
		Logger:  logger,
		Metrics: NewRegistry(promReg),
		Tracer:  otel.Tracer("voltageemsd"),
	}
}

// WithComponent returns a child Context whose Logger is Bind()-scoped to
// the named component; Config/Metrics/Tracer are shared.
func (c *Context) WithComponent(name string) *Context {
	child := *c
	child.Logger = c.Logger.Bind("component", name)
	return &child
}

// StartSpan is a small helper so call sites don't need to import otel
// themselves.
func (c *Context) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.Tracer.Start(ctx, name)
}
