package outbox

import "encoding/json"

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateTripInstance  = "trip_instance"
	AggregateRouteInstance = "route_instance"
	AggregateBooking       = "booking"
)

const (
	TripInstanceCreated    = "shuttle.trip_instance.created.v1"
	TripInstanceStarted    = "shuttle.trip_instance.started.v1"
	TripInstanceCompleted  = "shuttle.trip_instance.completed.v1"
	TripInstanceCancelled  = "shuttle.trip_instance.cancelled.v1"
	RouteInstanceCompleted = "shuttle.route_instance.completed.v1"
	RouteInstanceReopened  = "shuttle.route_instance.uncompleted.v1"
	BookingHeld            = "shuttle.booking.held.v1"
	BookingConfirmed       = "shuttle.booking.confirmed.v1"
	BookingReleased        = "shuttle.booking.released.v1"
)

// New marshals payload as JSON into an Event.
func New(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       b,
	}, nil
}
