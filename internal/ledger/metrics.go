package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts ledger operations by outcome. Register once per process;
// tests pass their own registry.
type Metrics struct {
	operations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		operations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_ledger_operations_total",
			Help: "Ledger operations by operation and result.",
		}, []string{"operation", "result"}),
	}
}

func (m *Metrics) observe(operation string, err error) {
	m.operations.WithLabelValues(operation, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if insufficient, ok := AsInsufficientStock(err); ok {
		if insufficient.Unknown {
			return "unknown_product"
		}
		return "insufficient_stock"
	}
	return "error"
}
