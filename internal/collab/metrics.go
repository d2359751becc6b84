package collab

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "collab"

// Metrics holds the engine's Prometheus instruments. A nil *Metrics records nothing.
type Metrics struct {
	updatesApplied  prometheus.Counter
	updatesRejected prometheus.Counter
	flushes         *prometheus.CounterVec
	blockWrites     *prometheus.CounterVec
}

// NewMetrics creates the engine instruments and registers them when registerer is non-nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "updates_applied_total",
			Help:      "Remote CRDT updates merged into cached documents.",
		}),
		updatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "updates_rejected_total",
			Help:      "Remote CRDT updates dropped as malformed.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Document flushes by result.",
		}, []string{"result"}),
		blockWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "block_writes_total",
			Help:      "Block rows written by the projection, by kind.",
		}, []string{"kind"}),
	}
	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{
		metrics.updatesApplied,
		metrics.updatesRejected,
		metrics.flushes,
		metrics.blockWrites,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// RegisterGauge exposes a sampled value such as the number of cached documents.
func RegisterGauge(registerer prometheus.Registerer, name, help string, sample func() float64) error {
	if registerer == nil {
		return nil
	}
	return registerer.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, sample))
}

func (m *Metrics) updateApplied() {
	if m != nil {
		m.updatesApplied.Inc()
	}
}

func (m *Metrics) updateRejected() {
	if m != nil {
		m.updatesRejected.Inc()
	}
}

func (m *Metrics) flush(result string) {
	if m != nil {
		m.flushes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) recordSync(result SyncResult) {
	if m == nil {
		return
	}
	m.blockWrites.WithLabelValues("created").Add(float64(result.Created))
	m.blockWrites.WithLabelValues("updated").Add(float64(result.Updated))
	m.blockWrites.WithLabelValues("resurrected").Add(float64(result.Resurrected))
	m.blockWrites.WithLabelValues("soft_deleted").Add(float64(result.SoftDeleted))
}
