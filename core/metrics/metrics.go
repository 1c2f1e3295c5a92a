// Package metrics exposes the Prometheus counters and gauges the
// Listener, every Forwarder, and the Multiplexer's status loop update as
// they process packets, in the style of the udpReadCounter/udpWriteCounter
// helpers in the Semtech UDP gateway backend this multiplexer is
// adapted from.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PacketsReceived counts datagrams read from a socket, labelled by
	// component (listener/forwarder) and packet type.
	PacketsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loramux",
		Name:      "packets_received_total",
		Help:      "Number of Semtech UDP datagrams received.",
	}, []string{"component", "type"})

	// PacketsSent counts datagrams written to a socket.
	PacketsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loramux",
		Name:      "packets_sent_total",
		Help:      "Number of Semtech UDP datagrams sent.",
	}, []string{"component", "type"})

	// PacketsDropped counts datagrams that were not forwarded, labelled
	// by the reason (decode_error, empty_payload, unknown_gateway,
	// backpressure, transport_error, no_tx_ack_owner). Pruned rxpk
	// elements are counted by RxPkFiltered instead.
	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loramux",
		Name:      "packets_dropped_total",
		Help:      "Number of datagrams dropped without being forwarded.",
	}, []string{"component", "reason"})

	// RxPkFiltered counts individual rxpk elements pruned by a server's
	// filter set.
	RxPkFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loramux",
		Name:      "rxpk_filtered_total",
		Help:      "Number of rxpk elements pruned by a server filter.",
	}, []string{"server"})

	// GatewaySessions reports the current number of tracked gateways.
	GatewaySessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loramux",
		Name:      "gateway_sessions",
		Help:      "Number of gateways currently tracked in the session table.",
	})
)

func init() {
	prometheus.MustRegister(PacketsReceived, PacketsSent, PacketsDropped, RxPkFiltered, GatewaySessions)
}

// Serve starts a blocking HTTP server exposing /metrics on bind. Callers
// typically run it in its own goroutine.
func Serve(bind string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(bind, mux)
}
