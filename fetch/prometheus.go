package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// retryTotal counts every retried receipt fetch in GetTransactionReceipt,
// at the process level so it outlives any single RPCMetrics instance.
var retryTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "indexer",
	Subsystem: "fetch",
	Name:      "retry_total",
	Help:      "Total number of retried fetch attempts across all chains.",
})

func recordRetry() {
	retryTotal.Inc()
}
