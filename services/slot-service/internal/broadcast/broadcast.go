// Package broadcast pushes live seat and ETA updates to subscribers after a
// transaction commits. Delivery is best effort.
package broadcast

import (
	"time"

	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
)

type Broadcaster interface {
	PublishSeats(msg SeatsMessage) error
	PublishETA(msg ETAMessage) error
}

type SegmentSeats struct {
	RouteInstanceID string `json:"routeInstanceId"`
	OrderIndex      int    `json:"orderIndex"`
	SeatsOccupied   int    `json:"seatsOccupied"`
	SeatHeld        int    `json:"seatHeld"`
	Completed       bool   `json:"completed"`
}

type SeatsMessage struct {
	TripInstanceID string         `json:"tripInstanceId"`
	Status         string         `json:"status,omitempty"`
	Segments       []SegmentSeats `json:"segments"`
	Timestamp      time.Time      `json:"timestamp"`
}

type ETAMessage struct {
	TripInstanceID  string    `json:"tripInstanceId"`
	RouteInstanceID string    `json:"routeInstanceId"`
	OrderIndex      int       `json:"orderIndex"`
	ETA             string    `json:"eta"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewSeatsMessage snapshots the segment counters of one trip instance.
func NewSeatsMessage(ti model.TripInstance, ris []model.RouteInstance) SeatsMessage {
	segs := make([]SegmentSeats, 0, len(ris))
	for _, ri := range ris {
		segs = append(segs, SegmentSeats{
			RouteInstanceID: ri.ID,
			OrderIndex:      ri.OrderIndex,
			SeatsOccupied:   ri.SeatsOccupied,
			SeatHeld:        ri.SeatHeld,
			Completed:       ri.Completed,
		})
	}
	return SeatsMessage{
		TripInstanceID: ti.ID,
		Status:         string(ti.Status),
		Segments:       segs,
		Timestamp:      time.Now().UTC(),
	}
}

// Nop drops every message.
type Nop struct{}

func (Nop) PublishSeats(SeatsMessage) error { return nil }
func (Nop) PublishETA(ETAMessage) error     { return nil }

// Recorder keeps messages in memory for tests.
type Recorder struct {
	Seats []SeatsMessage
	ETAs  []ETAMessage
}

func (r *Recorder) PublishSeats(msg SeatsMessage) error {
	r.Seats = append(r.Seats, msg)
	return nil
}

func (r *Recorder) PublishETA(msg ETAMessage) error {
	r.ETAs = append(r.ETAs, msg)
	return nil
}
