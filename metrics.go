package entstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors a Session reports to. A nil
// *Metrics records nothing.
type Metrics struct {
	queries      *prometheus.CounterVec
	saves        prometheus.Counter
	saveErrors   prometheus.Counter
	saveDuration prometheus.Histogram
	synchronized prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entstore",
			Name:      "queries_total",
			Help:      "Queries executed, by entity and evaluation mode.",
		}, []string{"entity", "mode"}),
		saves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entstore",
			Name:      "saves_total",
			Help:      "SaveChanges calls that wrote staged changes.",
		}),
		saveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entstore",
			Name:      "save_errors_total",
			Help:      "SaveChanges calls that failed.",
		}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "entstore",
			Name:      "save_duration_seconds",
			Help:      "Time spent applying staged changes.",
			Buckets:   prometheus.DefBuckets,
		}),
		synchronized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entstore",
			Name:      "synchronized_entities_total",
			Help:      "Entities reloaded from the store after a save.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.queries, m.saves, m.saveErrors, m.saveDuration, m.synchronized} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observeQuery(entity string, inMemory bool) {
	if m == nil {
		return
	}

	mode := "store"
	if inMemory {
		mode = "memory"
	}

	m.queries.WithLabelValues(entity, mode).Inc()
}

func (m *Metrics) observeSave(start time.Time, err error) {
	if m == nil {
		return
	}

	m.saves.Inc()
	if err != nil {
		m.saveErrors.Inc()
	}

	m.saveDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeSynchronized(n int) {
	if m == nil {
		return
	}

	m.synchronized.Add(float64(n))
}
