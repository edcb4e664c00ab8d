// Package metrics exposes the server's per-slot network statistics and
// admission-control state as Prometheus collectors, matching the reference
// server's metrics surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"

	"github.com/nodeforge/netchannel/networkinfo"
)

var (
	SlotsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netchannel_slots_connected",
		Help: "Current number of connected server slots",
	})

	SlotsAllowed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netchannel_slots_allowed",
		Help: "Current admission ceiling reported by the capacity manager",
	})

	ConnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netchannel_connects_total",
		Help: "Total number of slots that transitioned to connected",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netchannel_disconnects_total",
		Help: "Total slot disconnects by reason",
	}, []string{"reason"})

	CapacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netchannel_capacity_rejections_total",
		Help: "Total connect attempts rejected by the capacity manager, by reason",
	}, []string{"reason"})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netchannel_rate_limit_rejections_total",
		Help: "Total connect attempts rejected by the rate limiter, by scope",
	}, []string{"scope"})

	WorkerPoolDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netchannel_worker_pool_dropped_total",
		Help: "Total inbound packets dropped because the worker pool queue was full",
	})

	PacketRTTSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netchannel_packet_rtt_seconds",
		Help: "Last observed round-trip time per slot",
	}, []string{"slot"})

	PacketLossRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netchannel_packet_loss_ratio",
		Help: "Last observed packet loss ratio per slot",
	}, []string{"slot"})
)

func init() {
	prometheus.MustRegister(
		SlotsConnected,
		SlotsAllowed,
		ConnectsTotal,
		DisconnectsTotal,
		CapacityRejections,
		RateLimitRejections,
		WorkerPoolDropped,
		PacketRTTSeconds,
		PacketLossRatio,
	)
}

// ObserveSnapshot publishes one slot's networkinfo.Info snapshot as gauges.
func ObserveSnapshot(slot string, info networkinfo.Info) {
	PacketRTTSeconds.WithLabelValues(slot).Set(info.RTT)
	PacketLossRatio.WithLabelValues(slot).Set(info.PacketLoss)
}

// IncrementCapacityRejection records one connect attempt rejected for
// reason (e.g. "cpu_overload", "at_capacity").
func IncrementCapacityRejection(reason string) {
	CapacityRejections.WithLabelValues(reason).Inc()
}

// IncrementRateLimitRejection records one connect attempt rejected by
// scope ("global" or "per_address").
func IncrementRateLimitRejection(scope string) {
	RateLimitRejections.WithLabelValues(scope).Inc()
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
