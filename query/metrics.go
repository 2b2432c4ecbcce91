package query

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Lookup results recorded by Metrics.
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultStale = "stale"
)

// Metrics counts cache lookups by result.
type Metrics struct {
	Lookups *prometheus.CounterVec
}

// NewMetrics registers the cache collectors with reg (the default registerer
// when nil). An already registered collector is reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storyverse",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Query cache lookups partitioned by result (hit, miss, stale).",
	}, []string{"result"})

	if err := reg.Register(lookups); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register cache metrics: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		lookups = existing
	}
	return &Metrics{Lookups: lookups}, nil
}

func (m *Metrics) observe(result string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(result).Inc()
}
