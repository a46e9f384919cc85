package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/progress"
)

// PrometheusSink exports run and per-store progress via Prometheus.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	probes        *prometheus.CounterVec
	fetchedHits   *prometheus.CounterVec
	fetchDropped  *prometheus.CounterVec
	storeCoverage *prometheus.GaugeVec

	active *runSet
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_runs_started_total",
			Help: "Catalog fetch runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_runs_completed_total",
			Help: "Catalog fetch runs finished, by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_runs_active",
			Help: "Catalog fetch runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_run_duration_seconds",
			Help:    "Wall time per catalog run.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_probes_total",
			Help: "Facet probes completed per store.",
		}, []string{"store"}),
		fetchedHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_fetched_hits_total",
			Help: "Product hits received per store.",
		}, []string{"store"}),
		fetchDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_fetch_dropped_total",
			Help: "Fetch requests dropped after a non-fatal failure.",
		}, []string{"store"}),
		storeCoverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalog_store_coverage_ratio",
			Help: "Fetched over expected products for the last completed refresh of a store.",
		}, []string{"store"}),
		active: &runSet{ids: make(map[[16]byte]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runDuration,
		s.probes, s.fetchedHits, s.fetchDropped, s.storeCoverage,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.active.add(evt.RunID) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			s.finishRun(evt, "success")
		case progress.StageRunError:
			s.finishRun(evt, "error")
		case progress.StageProbeDone:
			s.probes.WithLabelValues(evt.Store).Inc()
		case progress.StageFetchDone:
			s.fetchedHits.WithLabelValues(evt.Store).Add(float64(evt.Hits))
		case progress.StageFetchDropped:
			s.fetchDropped.WithLabelValues(evt.Store).Inc()
		case progress.StageStoreDone:
			ratio := 1.0
			if evt.Expected > 0 {
				ratio = float64(evt.Hits) / float64(evt.Expected)
			}
			s.storeCoverage.WithLabelValues(evt.Store).Set(ratio)
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.active.remove(evt.RunID) {
		s.runsActive.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runSet struct {
	mu  sync.Mutex
	ids map[[16]byte]struct{}
}

func (r *runSet) add(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runSet) remove(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}
