package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/jobqueue/internal/events"
	"github.com/JakeFAU/jobqueue/internal/queue"
)

// PrometheusSink turns lifecycle events into queue throughput metrics.
type PrometheusSink struct {
	submissions *prometheus.CounterVec
	claims      *prometheus.CounterVec
	completions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	reaped      prometheus.Counter
	deletions   prometheus.Counter
	conflicts   prometheus.Counter
	processing  prometheus.Gauge
	duration    *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_submissions_total",
			Help: "Submissions partitioned by outcome and kind.",
		}, []string{"outcome", "kind"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_claims_total",
			Help: "Items claimed by workers.",
		}, []string{"kind"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_completions_total",
			Help: "Worker write-backs partitioned by final status.",
		}, []string{"status", "kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_retries_total",
			Help: "Failed items moved back to pending.",
		}, []string{"kind"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobqueue_reaped_total",
			Help: "Stale claims failed by the reaper.",
		}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobqueue_deletions_total",
			Help: "Items removed by administrators.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobqueue_conflicts_total",
			Help: "Conditional updates that lost a race.",
		}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobqueue_items_processing",
			Help: "Items currently claimed, as seen by this instance.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobqueue_processing_duration_seconds",
			Help:    "Time from claim to completion.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{
		s.submissions, s.claims, s.completions, s.retries,
		s.reaped, s.deletions, s.conflicts, s.processing, s.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	kind := kindLabel(evt.Kind)
	switch evt.Stage {
	case events.StageAccepted, events.StageRejected, events.StageDuplicate:
		s.submissions.WithLabelValues(string(evt.Stage), kind).Inc()
	case events.StageClaimed:
		s.claims.WithLabelValues(kind).Inc()
		s.processing.Inc()
	case events.StageCompleted:
		s.completions.WithLabelValues(string(evt.Status), kind).Inc()
		s.finishProcessing(evt, string(evt.Status))
	case events.StageReaped:
		s.reaped.Inc()
		s.finishProcessing(evt, "timeout")
	case events.StageRetried:
		s.retries.WithLabelValues(kind).Inc()
	case events.StageDeleted:
		s.deletions.Inc()
	case events.StageConflict:
		s.conflicts.Inc()
	}
}

func (s *PrometheusSink) finishProcessing(evt events.Event, label string) {
	s.processing.Dec()
	if evt.Dur > 0 {
		s.duration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func kindLabel(k queue.Kind) string {
	if k == "" {
		return "unknown"
	}
	return string(k)
}
