// Package metrics exposes refresh and problem gauges for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the instruments the scheduler feeds.
type Metrics struct {
	registry *prometheus.Registry

	refreshDuration *prometheus.HistogramVec
	refreshErrors   *prometheus.CounterVec
	problems        *prometheus.GaugeVec
	freshEvents     *prometheus.CounterVec
}

// New returns Metrics with all instruments registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "polymon_refresh_duration_seconds",
			Help: "Duration of backend status refreshes.",
		}, []string{"backend"}),
		refreshErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymon_refresh_errors_total",
			Help: "Failed backend status refreshes.",
		}, []string{"backend"}),
		problems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polymon_problems",
			Help: "Visible problems per backend and severity.",
		}, []string{"backend", "severity"}),
		freshEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymon_fresh_events_total",
			Help: "Newly appeared problem events.",
		}, []string{"backend"}),
	}

	m.registry.MustRegister(m.refreshDuration, m.refreshErrors, m.problems, m.freshEvents)

	return m
}

// ObserveRefresh records one refresh attempt.
func (m *Metrics) ObserveRefresh(backend string, elapsed time.Duration, err error) {
	m.refreshDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	if err != nil {
		m.refreshErrors.WithLabelValues(backend).Inc()
	}
}

// UpdateProblems publishes the per-severity problem counts of a
// snapshot, resetting severities that no longer occur.
func (m *Metrics) UpdateProblems(snapshot *monitor.Snapshot) {
	counts := snapshot.Counts()

	for severity := monitor.SeverityInformation; severity <= monitor.SeverityDisaster; severity++ {
		m.problems.WithLabelValues(snapshot.Backend, severity.String()).Set(float64(counts[severity]))
	}
}

// AddFreshEvents counts newly appeared events.
func (m *Metrics) AddFreshEvents(backend string, count int) {
	if count > 0 {
		m.freshEvents.WithLabelValues(backend).Add(float64(count))
	}
}

// Handler returns the scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the scrape endpoint until the context is canceled.
func (m *Metrics) Serve(ctx context.Context, address string, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serving metrics on %s", address)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "can't serve metrics")
	}

	return nil
}
