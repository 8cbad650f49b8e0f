// Package metrics exposes prometheus counters for the chat core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal counts inbound frames by classification kind.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naxie_frames_total",
		Help: "Inbound frames processed by the reassembly engine, by kind",
	}, []string{"kind"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "naxie_messages_sent_total",
		Help: "User queries transmitted over the transport",
	})

	// ConnectionEvents counts transport lifecycle events (open, close, error).
	ConnectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naxie_connection_events_total",
		Help: "Transport lifecycle events",
	}, []string{"event"})

	ListenerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naxie_listener_panics_total",
		Help: "Listener panics recovered at a dispatch boundary",
	}, []string{"dispatcher"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
