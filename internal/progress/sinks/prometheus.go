package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlengine/internal/progress"
)

const namespace = "crawler_progress"

// PrometheusSink turns progress events into run and per-site collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	requests      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	responseBytes *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	active *runSet
}

// NewPrometheusSink registers its collectors with reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Crawl runs that have finished, by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time per finished run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Scheduling outcomes per site.",
		}, []string{"site", "outcome"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses per site and status class.",
		}, []string{"site", "status_class"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Fetches that failed without a response, per site.",
		}, []string{"site"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_bytes_total",
			Help:      "Response body bytes per site.",
		}, []string{"site"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_latency_seconds",
			Help:      "Fetch latency per site and status class.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		active: &runSet{ids: make(map[string]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runDuration,
		s.requests, s.responses, s.fetchErrors, s.responseBytes, s.fetchLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

var requestOutcomes = map[progress.Stage]string{
	progress.StageRequestScheduled: "scheduled",
	progress.StageRequestDropped:   "dropped",
	progress.StageRequestIgnored:   "ignored",
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.active.add(evt.RunID) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone, progress.StageRunError:
			result := "success"
			if evt.Stage == progress.StageRunError {
				result = "error"
			}
			s.runsCompleted.WithLabelValues(result).Inc()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			if s.active.remove(evt.RunID) {
				s.runsActive.Dec()
			}
		case progress.StageRequestScheduled, progress.StageRequestDropped, progress.StageRequestIgnored:
			s.requests.WithLabelValues(evt.Site, requestOutcomes[evt.Stage]).Inc()
		case progress.StageFetchDone:
			class := string(evt.StatusClass)
			s.responses.WithLabelValues(evt.Site, class).Inc()
			if evt.Bytes > 0 {
				s.responseBytes.WithLabelValues(evt.Site).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.fetchLatency.WithLabelValues(evt.Site, class).Observe(evt.Dur.Seconds())
			}
		case progress.StageFetchError:
			s.fetchErrors.WithLabelValues(evt.Site).Inc()
		}
	}
	return nil
}

// Close does nothing; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (r *runSet) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runSet) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}
