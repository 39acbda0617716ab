package ledger

import (
	"context"

	"github.com/shuttlehq/shuttle-core/libs/auth"
	otelx "github.com/shuttlehq/shuttle-core/libs/otel"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/outbox"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	reasonTripCancelled = "Trip cancelled"
	reasonTripDeleted   = "Trip instance deleted"
)

// OpenTripInstance inserts a SCHEDULED instance for ti's slot together with
// its route instances. The shuttle's assigned driver becomes the instance driver.
func OpenTripInstance(ctx context.Context, tx storage.Tx, ti *model.TripInstance) ([]model.RouteInstance, error) {
	ti.Status = model.TripScheduled
	if ti.ShuttleID != "" && ti.DriverID == "" {
		sh, err := tx.GetShuttle(ctx, ti.ShuttleID)
		if err != nil {
			return nil, storage.AsNotFound(err, "shuttle", ti.ShuttleID)
		}
		ti.DriverID = sh.CurrentlyAssignedTo
	}
	if err := tx.InsertTripInstance(ctx, ti); err != nil {
		return nil, err
	}
	ris, err := CreateRouteInstances(ctx, tx, ti.ID, ti.TripID)
	if err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, tx, outbox.AggregateTripInstance, ti.ID, outbox.TripInstanceCreated, newTripEvent(*ti, "")); err != nil {
		return nil, err
	}
	return ris, nil
}

type bookingEvent struct {
	BookingID      string              `json:"booking_id"`
	TripInstanceID string              `json:"trip_instance_id,omitempty"`
	GuestID        string              `json:"guest_id"`
	Seats          int                 `json:"seats"`
	From           int                 `json:"from_route_index"`
	To             int                 `json:"to_route_index"`
	Status         model.BookingStatus `json:"status"`
	Reason         string              `json:"reason,omitempty"`
}

// AppendBookingEvent writes a booking lifecycle event to the outbox.
func AppendBookingEvent(ctx context.Context, tx storage.Tx, b model.Booking, eventType string) error {
	return appendEvent(ctx, tx, outbox.AggregateBooking, b.ID, eventType, bookingEvent{
		BookingID:      b.ID,
		TripInstanceID: b.TripInstanceID,
		GuestID:        b.GuestID,
		Seats:          b.Seats,
		From:           b.FromRouteIndex,
		To:             b.ToRouteIndex,
		Status:         b.Status,
		Reason:         b.Reason,
	})
}

// ReleaseBooking gives back the seats of an open booking and moves it to the
// terminal status. A PENDING booking releases held seats, a CONFIRMED one
// releases occupied seats. Terminal bookings are left untouched.
func ReleaseBooking(ctx context.Context, tx storage.Tx, b *model.Booking, status model.BookingStatus, reason string) error {
	if b.Status.Terminal() {
		return nil
	}
	if b.TripInstanceID != "" {
		heldDelta, occupiedDelta := 0, 0
		switch b.Status {
		case model.BookingPending:
			heldDelta = -b.Seats
		case model.BookingConfirmed:
			occupiedDelta = -b.Seats
		}
		r := model.RouteRange{From: b.FromRouteIndex, To: b.ToRouteIndex}
		if _, err := ApplyRange(ctx, tx, b.TripInstanceID, r, heldDelta, occupiedDelta); err != nil {
			return err
		}
	}
	b.Status = status
	b.Reason = reason
	b.HoldExpiresAt = nil
	if err := tx.UpdateBooking(ctx, *b); err != nil {
		return err
	}
	return AppendBookingEvent(ctx, tx, *b, outbox.BookingReleased)
}

// StartTripInstance moves a SCHEDULED instance to IN_PROGRESS. Only the
// driver assigned to the shuttle may start it.
func (s *Service) StartTripInstance(ctx context.Context, p auth.Principal, tripInstanceID string) (ti model.TripInstance, err error) {
	ctx, span := otelx.Start(ctx, tracerName, "ledger.StartTripInstance", trace.WithAttributes(
		attribute.String("trip_instance.id", tripInstanceID),
	))
	defer func() { otelx.End(span, err) }()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		ti, err = tx.GetTripInstance(ctx, tripInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "trip instance", tripInstanceID)
		}
		if err := authorizeDriver(ctx, tx, p, ti, msgNotDriverStart); err != nil {
			return err
		}
		if ti.Status != model.TripScheduled {
			return model.Reject(model.CodeTripState, "Trip is not scheduled")
		}
		now := s.now().UTC()
		ti.Status = model.TripInProgress
		ti.ActualStartTime = &now
		if ti.DriverID == "" {
			ti.DriverID = p.UserID
		}
		if err := tx.UpdateTripInstance(ctx, ti); err != nil {
			return err
		}
		return appendEvent(ctx, tx, outbox.AggregateTripInstance, ti.ID, outbox.TripInstanceStarted, newTripEvent(ti, ""))
	})
	if err != nil {
		return model.TripInstance{}, err
	}
	s.metrics.TripInstanceEvent("started")
	s.logger.Info("trip instance started", "trip_instance_id", ti.ID, "driver_id", p.UserID)
	return ti, nil
}

// CancelTripInstance cancels a SCHEDULED instance and releases the seats of
// every open booking on it.
func (s *Service) CancelTripInstance(ctx context.Context, tripInstanceID, reason string) (model.TripInstance, error) {
	if reason == "" {
		reason = reasonTripCancelled
	}
	var (
		ti       model.TripInstance
		released int
		snapshot *Snapshot
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		ti, err = tx.GetTripInstance(ctx, tripInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "trip instance", tripInstanceID)
		}
		if ti.Status != model.TripScheduled {
			return model.Reject(model.CodeTripState, "Only scheduled trips can be cancelled")
		}
		released, err = releaseOpenBookings(ctx, tx, ti.ID, reason)
		if err != nil {
			return err
		}
		ti.Status = model.TripCancelled
		if err := tx.UpdateTripInstance(ctx, ti); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, outbox.AggregateTripInstance, ti.ID, outbox.TripInstanceCancelled, newTripEvent(ti, reason)); err != nil {
			return err
		}
		snapshot, err = TakeSnapshot(ctx, tx, ti.ID)
		return err
	})
	if err != nil {
		return model.TripInstance{}, err
	}
	s.metrics.TripInstanceEvent("cancelled")
	for range released {
		s.metrics.BookingTransition(string(model.BookingCancelled))
	}
	s.publishSeats(snapshot)
	s.logger.Info("trip instance cancelled", "trip_instance_id", ti.ID, "bookings_released", released)
	return ti, nil
}

// DeleteTripInstance removes an instance with its route instances. Open
// bookings are cancelled first and stay on record without an instance.
func (s *Service) DeleteTripInstance(ctx context.Context, tripInstanceID string) error {
	var released int
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ti, err := tx.GetTripInstance(ctx, tripInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "trip instance", tripInstanceID)
		}
		released, err = releaseOpenBookings(ctx, tx, ti.ID, reasonTripDeleted)
		if err != nil {
			return err
		}
		if ti.Status == model.TripScheduled {
			ti.Status = model.TripCancelled
			if err := appendEvent(ctx, tx, outbox.AggregateTripInstance, ti.ID, outbox.TripInstanceCancelled, newTripEvent(ti, reasonTripDeleted)); err != nil {
				return err
			}
		}
		return tx.DeleteTripInstance(ctx, ti.ID)
	})
	if err != nil {
		return err
	}
	s.metrics.TripInstanceEvent("deleted")
	s.logger.Info("trip instance deleted", "trip_instance_id", tripInstanceID, "bookings_released", released)
	return nil
}

func releaseOpenBookings(ctx context.Context, tx storage.Tx, tripInstanceID, reason string) (int, error) {
	bookings, err := tx.ListBookings(ctx, tripInstanceID)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range bookings {
		if bookings[i].Status.Terminal() {
			continue
		}
		if err := ReleaseBooking(ctx, tx, &bookings[i], model.BookingCancelled, reason); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
