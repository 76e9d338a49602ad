package sqlsession

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	readWait    *prometheus.HistogramVec
	insertRaces *prometheus.CounterVec
	gcDeleted   prometheus.Counter
	failures    *prometheus.CounterVec
}

// newMetrics creates the store collectors and registers them on reg when it
// is not nil. Stores sharing a registerer share the collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		readWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqlsession_read_wait_seconds",
			Help:    "Time Read spent acquiring locks and loading the session row.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"mode"}),
		insertRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlsession_insert_races_total",
			Help: "Duplicate-key races resolved internally.",
		}, []string{"path"}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqlsession_gc_deleted_total",
			Help: "Expired sessions deleted by garbage collection.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlsession_failures_total",
			Help: "Handler operations that returned an error.",
		}, []string{"op"}),
	}
	if reg == nil {
		return m
	}
	m.readWait = register(reg, m.readWait)
	m.insertRaces = register(reg, m.insertRaces)
	m.gcDeleted = register(reg, m.gcDeleted)
	m.failures = register(reg, m.failures)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
