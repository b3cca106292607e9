// Package telemetry implements ip.ErrorCounter against Prometheus, counting
// every discard the receive path surfaces along with rx/tx volume.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/embernet/ipcore/pkg/ip"
)

// Counters exposes the engine's discard counters and tx/rx volume as
// Prometheus metrics.
type Counters struct {
	discards  *prometheus.CounterVec
	rxTotal   prometheus.Counter
	txTotal   prometheus.Counter
	rxBytes   prometheus.Counter
	txBytes   prometheus.Counter
}

var _ ip.ErrorCounter = (*Counters)(nil)

// NewCounters registers the engine's metrics against reg. Passing
// prometheus.NewRegistry() isolates tests from the global default registry;
// passing prometheus.DefaultRegisterer matches usual
// single-process daemon wiring.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		discards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipengine",
			Name:      "rx_discards_total",
			Help:      "Datagrams discarded by the receive path, labeled by the sentinel error that caused the discard.",
		}, []string{"reason"}),
		rxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipengine",
			Name:      "rx_datagrams_total",
			Help:      "Datagrams handed to Engine.Receive.",
		}),
		txTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipengine",
			Name:      "tx_datagrams_total",
			Help:      "Datagrams successfully built by Transmitter.Tx.",
		}),
		rxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipengine",
			Name:      "rx_bytes_total",
			Help:      "Bytes received across all datagrams handed to Engine.Receive.",
		}),
		txBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipengine",
			Name:      "tx_bytes_total",
			Help:      "Bytes transmitted across all datagrams built by Transmitter.Tx.",
		}),
	}
	reg.MustRegister(c.discards, c.rxTotal, c.txTotal, c.rxBytes, c.txBytes)
	return c
}

// CountError implements ip.ErrorCounter. err is expected to be one of the
// sentinel errors in pkg/ip/errors.go; err.Error() becomes the label value
// since every sentinel is a short, bounded-cardinality string.
func (c *Counters) CountError(err error) {
	if err == nil {
		return
	}
	c.discards.WithLabelValues(err.Error()).Inc()
}

// ObserveRx records one inbound datagram of the given size. Engine.Receive
// does not call it, and neither does any driver in this module.
func (c *Counters) ObserveRx(bytes int) {
	c.rxTotal.Inc()
	c.rxBytes.Add(float64(bytes))
}

// ObserveTx records one successfully built outbound datagram.
func (c *Counters) ObserveTx(bytes int) {
	c.txTotal.Inc()
	c.txBytes.Add(float64(bytes))
}
