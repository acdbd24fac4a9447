// Package metrics exposes the relay client's pool occupancy as Prometheus
// gauges, labelled per authority. It is purely observational: nothing here
// is consulted by the pool's acquisition algorithm.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PoolEvent is a point-in-time snapshot of one authority's pool, published
// by the facade (see pkg/eventbus) whenever it polls pool stats.
type PoolEvent struct {
	Authority  string
	Active     int
	Parked     int
	Connecting int
	Buffered   int
}

// PoolCollector records PoolEvents as Prometheus gauges.
type PoolCollector struct {
	capacity   *prometheus.GaugeVec
	allocated  *prometheus.GaugeVec
	parked     *prometheus.GaugeVec
	connecting *prometheus.GaugeVec
	buffered   *prometheus.GaugeVec
}

// NewPoolCollector registers the relay_pool_* gauge vectors with the
// default Prometheus registry via promauto, matching the teacher pack's
// promauto-registration idiom.
func NewPoolCollector() *PoolCollector {
	labels := []string{"authority"}
	return &PoolCollector{
		capacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_pool_capacity",
			Help: "Configured maximum concurrent connections for an authority's pool",
		}, labels),
		allocated: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_pool_allocated",
			Help: "Active (connected) slots in an authority's pool",
		}, labels),
		parked: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_pool_parked",
			Help: "Parked (idle, not yet evicted) slots in an authority's pool",
		}, labels),
		connecting: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_pool_connecting",
			Help: "In-flight dials for an authority's pool",
		}, labels),
		buffered: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_pool_buffered",
			Help: "Exchanges waiting in an authority's request buffer",
		}, labels),
	}
}

// Observe records one PoolEvent's fields against their authority label.
func (c *PoolCollector) Observe(ev PoolEvent) {
	c.allocated.WithLabelValues(ev.Authority).Set(float64(ev.Active))
	c.parked.WithLabelValues(ev.Authority).Set(float64(ev.Parked))
	c.connecting.WithLabelValues(ev.Authority).Set(float64(ev.Connecting))
	c.buffered.WithLabelValues(ev.Authority).Set(float64(ev.Buffered))
}

// SetCapacity records the configured pool ceiling for authority, typically
// set once at pool creation rather than on every poll.
func (c *PoolCollector) SetCapacity(authority string, maxSize int) {
	c.capacity.WithLabelValues(authority).Set(float64(maxSize))
}
