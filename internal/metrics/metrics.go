// Package metrics exports autosave, grammar and spelling counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
)

const namespace = "wordwise"

// Recorder is nil-safe: every method on a nil *Recorder is a no-op, so
// components can be built without metrics in tests.
type Recorder struct {
	saves        *promclient.CounterVec
	saveDuration promclient.Histogram
	checks       *promclient.CounterVec
	cost         promclient.Counter
	spellBatches promclient.Counter
}

// New registers the collectors with reg (the default registerer when nil).
// Collectors that are already registered are reused.
func New(reg promclient.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	r := &Recorder{}
	var err error

	r.saves, err = register(reg, promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: namespace,
		Subsystem: "autosave",
		Name:      "saves_total",
		Help:      "Document save attempts by result.",
	}, []string{"result"}))
	if err != nil {
		return nil, fmt.Errorf("register autosave counter: %w", err)
	}

	r.saveDuration, err = register(reg, promclient.NewHistogram(promclient.HistogramOpts{
		Namespace: namespace,
		Subsystem: "autosave",
		Name:      "save_duration_seconds",
		Help:      "Latency of persistence gateway calls.",
		Buckets:   promclient.DefBuckets,
	}))
	if err != nil {
		return nil, fmt.Errorf("register autosave histogram: %w", err)
	}

	r.checks, err = register(reg, promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: namespace,
		Subsystem: "grammar",
		Name:      "checks_total",
		Help:      "Grammar check outcomes (ok, cached, throttled, cost_limit, rejected, error).",
	}, []string{"outcome"}))
	if err != nil {
		return nil, fmt.Errorf("register grammar counter: %w", err)
	}

	r.cost, err = register(reg, promclient.NewCounter(promclient.CounterOpts{
		Namespace: namespace,
		Subsystem: "grammar",
		Name:      "cost_total",
		Help:      "Cumulative reported oracle cost.",
	}))
	if err != nil {
		return nil, fmt.Errorf("register grammar cost counter: %w", err)
	}

	r.spellBatches, err = register(reg, promclient.NewCounter(promclient.CounterOpts{
		Namespace: namespace,
		Subsystem: "spell",
		Name:      "batches_total",
		Help:      "Batched spelling oracle calls.",
	}))
	if err != nil {
		return nil, fmt.Errorf("register spell counter: %w", err)
	}
	return r, nil
}

func register[T promclient.Collector](reg promclient.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return collector, err
	}
	return collector, nil
}

func (r *Recorder) ObserveSave(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.saves.WithLabelValues(result).Inc()
	r.saveDuration.Observe(d.Seconds())
}

func (r *Recorder) IncCheck(outcome string) {
	if r == nil {
		return
	}
	r.checks.WithLabelValues(outcome).Inc()
}

func (r *Recorder) AddCost(v float64) {
	if r == nil || v <= 0 {
		return
	}
	r.cost.Add(v)
}

func (r *Recorder) IncSpellBatch() {
	if r == nil {
		return
	}
	r.spellBatches.Inc()
}
