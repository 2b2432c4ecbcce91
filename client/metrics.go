package client

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for outbound requests.
type Metrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Logouts  prometheus.Counter
}

// NewMetrics constructs the collectors and registers them with reg. A nil reg
// uses the default registerer. Collectors that are already registered are
// reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storyverse",
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "Backend requests partitioned by method and status code.",
	}, []string{"method", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storyverse",
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Backend request latency partitioned by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	logouts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storyverse",
		Subsystem: "client",
		Name:      "forced_logouts_total",
		Help:      "Sessions ended because the backend answered 401.",
	})

	m := &Metrics{}
	var err error
	if m.Requests, err = register(reg, requests); err != nil {
		return nil, err
	}
	if m.Duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if m.Logouts, err = register(reg, logouts); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
			return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

func (m *Metrics) observe(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.Requests.WithLabelValues(method, label).Inc()
	m.Duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) observeLogout() {
	if m == nil {
		return
	}
	m.Logouts.Inc()
}
