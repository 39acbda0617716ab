package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the service metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	SlotSearches       *prometheus.CounterVec // outcome: found|rejected|error
	SlotSearchDuration prometheus.Histogram
	SeatDeltas         *prometheus.CounterVec // counter: held|occupied, direction: add|release
	TripInstances      *prometheus.CounterVec // event: opened|started|completed|cancelled
	SegmentsCompleted  prometheus.Counter
	SegmentsReopened   prometheus.Counter
	Bookings           *prometheus.CounterVec // status reached
	HoldsExpired       prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SlotSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_slot_searches_total",
			Help: "Best-slot searches by outcome.",
		}, []string{"outcome"}),
		SlotSearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuttle_slot_search_duration_seconds",
			Help:    "Duration of best-slot searches including storage reads.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SeatDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_seat_delta_total",
			Help: "Seats added to or released from route segment counters.",
		}, []string{"counter", "direction"}),
		TripInstances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_trip_instance_events_total",
			Help: "Trip instance lifecycle transitions.",
		}, []string{"event"}),
		SegmentsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_route_segments_completed_total",
			Help: "Route segments marked completed by drivers.",
		}),
		SegmentsReopened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_route_segments_uncompleted_total",
			Help: "Route segment completions reverted by drivers.",
		}),
		Bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_booking_transitions_total",
			Help: "Booking transitions by resulting status.",
		}, []string{"status"}),
		HoldsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_holds_expired_total",
			Help: "Seat holds released by the expiry sweeper.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_nats_published_total",
			Help: "Live updates published to NATS.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_nats_publish_errors_total",
			Help: "Failed NATS publishes.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_nats_connected",
			Help: "1 if the NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuttle_nats_publish_duration_seconds",
			Help:    "Duration to marshal and publish a live update.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.SlotSearches, c.SlotSearchDuration, c.SeatDeltas, c.TripInstances,
		c.SegmentsCompleted, c.SegmentsReopened, c.Bookings, c.HoldsExpired,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveSearch(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.SlotSearches.WithLabelValues(outcome).Inc()
	c.SlotSearchDuration.Observe(d.Seconds())
}

// SeatDelta records the magnitude of a held/occupied delta applied to n segments.
func (c *Collector) SeatDelta(heldDelta, occupiedDelta, segments int) {
	if c == nil || segments == 0 {
		return
	}
	record := func(counter string, delta int) {
		switch {
		case delta > 0:
			c.SeatDeltas.WithLabelValues(counter, "add").Add(float64(delta * segments))
		case delta < 0:
			c.SeatDeltas.WithLabelValues(counter, "release").Add(float64(-delta * segments))
		}
	}
	record("held", heldDelta)
	record("occupied", occupiedDelta)
}

func (c *Collector) TripInstanceEvent(event string) {
	if c == nil {
		return
	}
	c.TripInstances.WithLabelValues(event).Inc()
}

func (c *Collector) SegmentCompleted(reopened bool) {
	if c == nil {
		return
	}
	if reopened {
		c.SegmentsReopened.Inc()
		return
	}
	c.SegmentsCompleted.Inc()
}

func (c *Collector) BookingTransition(status string) {
	if c == nil {
		return
	}
	c.Bookings.WithLabelValues(status).Inc()
}

func (c *Collector) HoldsExpiredAdd(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.HoldsExpired.Add(float64(n))
}

func (c *Collector) NATSPublishedInc() {
	if c != nil {
		c.NATSPublished.Inc()
	}
}

func (c *Collector) NATSPublishErrInc() {
	if c != nil {
		c.NATSPublishErrs.Inc()
	}
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c != nil {
		c.PublishDuration.Observe(d.Seconds())
	}
}

func (c *Collector) NATSSetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}
