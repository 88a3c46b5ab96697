// Package metrics records run statistics with Prometheus collectors and
// pushes them to a Pushgateway when a run finishes. The extraction client is a
// batch job, so nothing is scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"

	"github.com/icaredata/icare-extract/internal/config"
)

const namespace = "icare_extract"

// Recorder owns a private registry so that concurrent runs and tests do not
// share collector state.
type Recorder struct {
	registry *prometheus.Registry

	patientsTotal    *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	checkpointsTotal prometheus.Counter
	lastSuccess      prometheus.Gauge
	runDuration      prometheus.Histogram
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		patientsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patients_total",
				Help:      "Patients processed by the extraction pipeline",
			},
			[]string{"status"},
		),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Message bundles handled by the dispatcher",
			},
			[]string{"outcome"},
		),
		checkpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_checkpoints_total",
			Help:      "Run-log records appended",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful run",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a complete run",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
	}
	r.registry.MustRegister(r.patientsTotal, r.messagesTotal, r.checkpointsTotal, r.lastSuccess, r.runDuration)
	return r
}

// Registry exposes the collectors for pushing or inspection.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) PatientExtracted() { r.patientsTotal.WithLabelValues("extracted").Inc() }

func (r *Recorder) PatientFailed() { r.patientsTotal.WithLabelValues("failed").Inc() }

func (r *Recorder) MessagePosted() { r.messagesTotal.WithLabelValues("posted").Inc() }

// MessageRejected counts a failed submission; kind is "validation" or
// "transport".
func (r *Recorder) MessageRejected(kind string) {
	r.messagesTotal.WithLabelValues("rejected_" + kind).Inc()
}

func (r *Recorder) MessageSkipped() { r.messagesTotal.WithLabelValues("skipped").Inc() }

func (r *Recorder) Checkpointed() { r.checkpointsTotal.Inc() }

func (r *Recorder) RunSucceeded(at time.Time) { r.lastSuccess.Set(float64(at.Unix())) }

func (r *Recorder) ObserveRun(d time.Duration) { r.runDuration.Observe(d.Seconds()) }

// Pusher sends the registry to a Pushgateway.
type Pusher struct {
	cfg    config.MetricsConfig
	logger zerolog.Logger
}

func NewPusher(cfg config.MetricsConfig, logger zerolog.Logger) *Pusher {
	return &Pusher{cfg: cfg, logger: logger}
}

// Enabled reports whether a Pushgateway URL is configured.
func (p *Pusher) Enabled() bool { return p.cfg.PushgatewayURL != "" }

// Push replaces the job's metric group with the current registry contents.
// It is a no-op when no Pushgateway is configured.
func (p *Pusher) Push(ctx context.Context, r *Recorder) error {
	if !p.Enabled() {
		return nil
	}
	err := push.New(p.cfg.PushgatewayURL, p.cfg.Job).
		Gatherer(r.Registry()).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", p.cfg.PushgatewayURL, err)
	}
	p.logger.Debug().Str("job", p.cfg.Job).Msg("pushed run metrics")
	return nil
}
