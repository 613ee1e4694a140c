// Package metrics exposes prometheus collectors for the connection handler.
// Collectors register against the default registry so an embedding
// application only has to serve promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "btcnet"

// BytesRead counts payload bytes drained from peer sockets.
var BytesRead = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "bytes_read_total",
	Help:      "Total bytes read from all peers.",
})

// BytesWritten counts payload bytes flushed to peer sockets.
var BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "bytes_written_total",
	Help:      "Total bytes written to all peers.",
})

// Connections tracks currently established peers per direction.
var Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "connections",
	Help:      "Currently established connections.",
}, []string{"direction"})

// ConnectionFailures counts failed connection attempts per failure kind.
var ConnectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "connection_failures_total",
	Help:      "Connection attempt failures by kind.",
}, []string{"kind"})
