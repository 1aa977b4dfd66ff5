// Package metrics exposes the outcome of a migration run as Prometheus
// metrics. A run is a batch job, so metrics are pushed to a Pushgateway at
// exit rather than scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "vault_migrate"

// Outcome labels.
const (
	OutcomeMigrated = "migrated"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
	OutcomeNested   = "nested"
)

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EnginesTotal       *prometheus.CounterVec
	SecretsTotal       *prometheus.CounterVec
	FoldersCreated     prometheus.Counter
	JWKSKeys           prometheus.Gauge
	RunDurationSeconds prometheus.Gauge
	LastRunTimestamp   prometheus.Gauge
}

// New registers the run collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EnginesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engines_total",
				Help:      "Secret engines processed, by outcome",
			},
			[]string{"outcome"},
		),
		SecretsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secrets_total",
				Help:      "Secrets processed, by engine and outcome",
			},
			[]string{"engine", "outcome"},
		),
		FoldersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "folders_created_total",
			Help:      "Folders created at the destination",
		}),
		JWKSKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jwks_keys",
			Help:      "Keys served by the destination JWKS; anything but 1 needs attention",
		}),
		RunDurationSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run",
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}

	m.registry.MustRegister(
		m.EnginesTotal,
		m.SecretsTotal,
		m.FoldersCreated,
		m.JWKSKeys,
		m.RunDurationSeconds,
		m.LastRunTimestamp,
	)
	return m
}

// Finish records the run duration and completion time.
func (m *Metrics) Finish(started, finished time.Time) {
	m.RunDurationSeconds.Set(finished.Sub(started).Seconds())
	m.LastRunTimestamp.Set(float64(finished.Unix()))
}

// Push sends the run metrics to a Pushgateway, grouped by run id.
func (m *Metrics) Push(ctx context.Context, url, job, runID string) error {
	err := push.New(url, job).
		Gatherer(m.registry).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
