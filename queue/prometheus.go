package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "restack_total",
		Help:      "Total number of blocks re-queued at the head after a timeout or handler failure.",
	})

	timeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "block_timeout_total",
		Help:      "Total number of per-block processing timeouts.",
	})
)
