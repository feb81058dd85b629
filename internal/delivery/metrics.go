// Prometheus instrumentation for the delivery engine. Label cardinality is
// bounded: tier only ever takes the three delivery outcomes, result the two
// routable terminal statuses, and kind the two registry indexes.
package delivery

import "github.com/prometheus/client_golang/prometheus"

var (
	// deliveriesTotal counts routed results by the tier that won, "correlation"
	// (dedicated watch channel), "user" (broadcast), or "offline" (no live
	// channel; held for pull), and by the result status ("completed" or
	// "failed"). Only completed results flip the record to delivered; a routed
	// failure leaves it failed for retry.
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_deliveries_total",
			Help: "Worker results routed, by delivery tier and result status.",
		},
		[]string{"tier", "result"},
	)

	// pushFailures counts individual channel writes that failed and caused
	// an eviction. Failures here are not delivery failures; the router falls
	// through to the next tier.
	pushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_channel_push_failures_total",
			Help: "Channel pushes that failed and evicted the channel.",
		},
	)

	// liveChannels gauges currently registered channels by registry kind
	// ("user" or "correlation").
	liveChannels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_live_channels",
			Help: "Currently registered live push channels.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal, pushFailures, liveChannels)
}
