package metrics

import (
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/health"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultDirPerm = 0o755

// Config selects where the node_exporter textfile collector picks the
// metrics up. Nothing is written while Enabled is false.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func DefaultConfig() Config {
	return Config{
		Path: "/var/lib/node_exporter/textfile_collector/healthwatch.prom",
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.Path == "" {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "metrics path is empty")
	}

	return nil
}

// Metrics bundles the collectors of one monitoring cycle.
type Metrics struct {
	SignalValue     *prometheus.GaugeVec
	SignalTier      *prometheus.GaugeVec
	AlertsTotal     *prometheus.CounterVec
	DispatchTotal   *prometheus.CounterVec
	OpenGrace       prometheus.Gauge
	CycleDuration   prometheus.Gauge
	LastCycle       prometheus.Gauge
	UnavailableSigs prometheus.Gauge

	registry *prometheus.Registry
	cfg      Config
}

func New(cfg Config) *Metrics {
	m := &Metrics{
		SignalValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "healthwatch_signal_value",
			Help: "Last sampled value of a monitored signal.",
		}, []string{"monitor", "signal"}),
		SignalTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "healthwatch_signal_tier",
			Help: "Tier of a monitored signal (0 normal, 1 warning, 2 critical, 3 emergency).",
		}, []string{"monitor", "signal"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthwatch_alerts_total",
			Help: "Alerts sent during the last cycle.",
		}, []string{"monitor", "tier"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthwatch_dispatch_total",
			Help: "Remediation dispatch outcomes during the last cycle.",
		}, []string{"action", "status"}),
		OpenGrace: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healthwatch_grace_windows_open",
			Help: "Grace windows open after the last cycle.",
		}),
		CycleDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healthwatch_cycle_duration_seconds",
			Help: "Wall time of the last monitoring cycle.",
		}),
		LastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healthwatch_last_cycle_timestamp_seconds",
			Help: "Unix time the last monitoring cycle finished.",
		}),
		UnavailableSigs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healthwatch_signals_unavailable",
			Help: "Signals that could not be sampled during the last cycle.",
		}),
		registry: prometheus.NewRegistry(),
		cfg:      cfg,
	}

	m.registry.MustRegister(
		m.SignalValue,
		m.SignalTier,
		m.AlertsTotal,
		m.DispatchTotal,
		m.OpenGrace,
		m.CycleDuration,
		m.LastCycle,
		m.UnavailableSigs,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveSignal(monitor string, sig health.Signal, tier health.Tier) {
	m.SignalValue.WithLabelValues(monitor, sig.Name).Set(sig.Value)
	m.SignalTier.WithLabelValues(monitor, sig.Name).Set(float64(tier))
}

// FinishCycle stamps the cycle and writes the textfile when enabled.
func (m *Metrics) FinishCycle(start, end time.Time) error {
	m.CycleDuration.Set(end.Sub(start).Seconds())
	m.LastCycle.Set(float64(end.Unix()))

	return m.Flush()
}

// Flush writes every metric to the configured textfile.
func (m *Metrics) Flush() error {
	if !m.cfg.Enabled {
		return nil
	}

	errFactory := errors.New()
	if err := os.MkdirAll(filepath.Dir(m.cfg.Path), defaultDirPerm); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}
	if err := prometheus.WriteToTextfile(m.cfg.Path, m.registry); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}
