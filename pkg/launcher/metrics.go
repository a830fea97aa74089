package launcher

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes launcher-level Prometheus metrics. Process manager
// internals (sync durations, work queue depth) are covered separately
// by procmgr.PrometheusMetricsCollector; these track the launch API
// surface.
type Metrics struct {
	launchesTotal   *prometheus.CounterVec
	launchDuration  *prometheus.HistogramVec
	terminatesTotal *prometheus.CounterVec
	processesGauge  *prometheus.GaugeVec
	patternsGauge   prometheus.Gauge
}

// NewMetrics creates and registers the launcher metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		launchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pattern_launcher_launches_total",
				Help: "Launch requests by pattern, isolation level and outcome",
			},
			[]string{"pattern", "isolation", "outcome"},
		),
		launchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pattern_launcher_launch_duration_seconds",
				Help:    "Time from launch request to a running handle",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"pattern", "isolation"},
		),
		terminatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pattern_launcher_terminations_total",
				Help: "Termination requests by pattern and outcome",
			},
			[]string{"pattern", "outcome"},
		),
		processesGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pattern_launcher_processes",
				Help: "Tracked processes by state",
			},
			[]string{"state"},
		),
		patternsGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pattern_launcher_patterns_known",
				Help: "Patterns currently loaded from the manifest directory",
			},
		),
	}

	reg.MustRegister(
		m.launchesTotal,
		m.launchDuration,
		m.terminatesTotal,
		m.processesGauge,
		m.patternsGauge,
	)
	return m
}

func (m *Metrics) observeLaunch(pattern, isolationLevel string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.launchesTotal.WithLabelValues(pattern, isolationLevel, outcome).Inc()
	if err == nil {
		m.launchDuration.WithLabelValues(pattern, isolationLevel).Observe(d.Seconds())
	}
}

func (m *Metrics) observeTerminate(pattern string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.terminatesTotal.WithLabelValues(pattern, outcome).Inc()
}

func (m *Metrics) setProcessGauges(starting, running, terminating, failed int) {
	m.processesGauge.WithLabelValues("starting").Set(float64(starting))
	m.processesGauge.WithLabelValues("running").Set(float64(running))
	m.processesGauge.WithLabelValues("terminating").Set(float64(terminating))
	m.processesGauge.WithLabelValues("failed").Set(float64(failed))
}

func (m *Metrics) setPatternsKnown(n int) {
	m.patternsGauge.Set(float64(n))
}

// metricsSnapshotJSON flattens gathered metric families into a JSON
// object keyed by metric name plus sorted label pairs. Histograms
// contribute their _sum and _count series.
func metricsSnapshotJSON(g prometheus.Gatherer) ([]byte, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	snapshot := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			key := name
			if labels := m.GetLabel(); len(labels) > 0 {
				pairs := make([]string, 0, len(labels))
				for _, l := range labels {
					pairs = append(pairs, l.GetName()+"="+l.GetValue())
				}
				sort.Strings(pairs)
				key = name + "{" + strings.Join(pairs, ",") + "}"
			}

			switch {
			case m.GetCounter() != nil:
				snapshot[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				snapshot[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				snapshot[key+"_sum"] = h.GetSampleSum()
				snapshot[key+"_count"] = float64(h.GetSampleCount())
			}
		}
	}

	return json.MarshalIndent(snapshot, "", "  ")
}
