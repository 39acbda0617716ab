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
	msgNotDriver        = "Only drivers can complete route segments"
	msgNotDriverReopen  = "Only drivers can reopen route segments"
	msgNotDriverStart   = "Only drivers can start trips"
	msgNotAssigned      = "Driver is not assigned to this shuttle"
	msgNotInProgress    = "Trip is not in progress"
	msgAlreadyCompleted = "Route segment is already completed"
	msgNotCompleted     = "Route segment is not completed"
	msgCompleted        = "Route segment completed"
	msgReopened         = "Route segment reopened"
)

type CompleteResult struct {
	Success            bool   `json:"success"`
	Message            string `json:"message"`
	AllRoutesCompleted bool   `json:"all_routes_completed"`
}

type segmentEvent struct {
	RouteInstanceID string `json:"route_instance_id"`
	TripInstanceID  string `json:"trip_instance_id"`
	OrderIndex      int    `json:"order_index"`
	DriverID        string `json:"driver_id"`
	SeatsReleased   int    `json:"seats_released"`
}

type tripEvent struct {
	TripInstanceID string           `json:"trip_instance_id"`
	TripID         string           `json:"trip_id"`
	ShuttleID      string           `json:"shuttle_id,omitempty"`
	Date           string           `json:"scheduled_date"`
	StartTime      string           `json:"scheduled_start_time"`
	Status         model.TripStatus `json:"status"`
	Reason         string           `json:"reason,omitempty"`
}

func newTripEvent(ti model.TripInstance, reason string) tripEvent {
	return tripEvent{
		TripInstanceID: ti.ID,
		TripID:         ti.TripID,
		ShuttleID:      ti.ShuttleID,
		Date:           ti.ScheduledDate,
		StartTime:      ti.ScheduledStartTime,
		Status:         ti.Status,
		Reason:         reason,
	}
}

// authorizeDriver checks that p may operate ti: p must be a driver and, when
// ti has a shuttle, the driver currently assigned to it. notDriver is the
// message used when p is not a driver at all.
func authorizeDriver(ctx context.Context, tx storage.Tx, p auth.Principal, ti model.TripInstance, notDriver string) error {
	if !p.Can(auth.CapOperateTrip) {
		return model.Reject(model.CodeNotDriver, notDriver)
	}
	if ti.ShuttleID == "" {
		return nil
	}
	sh, err := tx.GetShuttle(ctx, ti.ShuttleID)
	if err != nil {
		return storage.AsNotFound(err, "shuttle", ti.ShuttleID)
	}
	if sh.CurrentlyAssignedTo != p.UserID {
		return model.Reject(model.CodeDriverNotAssigned, msgNotAssigned)
	}
	return nil
}

// alightingSeats sums the seats of confirmed bookings that leave the trip at
// the end of segment orderIndex.
func alightingSeats(ctx context.Context, tx storage.Tx, tripInstanceID string, orderIndex int) (int, error) {
	bookings, err := tx.ListBookings(ctx, tripInstanceID)
	if err != nil {
		return 0, err
	}
	seats := 0
	for _, b := range bookings {
		if b.Status == model.BookingConfirmed && b.ToRouteIndex == orderIndex {
			seats += b.Seats
		}
	}
	return seats, nil
}

// CompleteRouteInstance marks a segment done, drops the passengers alighting
// there, and completes the trip instance when it was the last open segment.
func (s *Service) CompleteRouteInstance(ctx context.Context, p auth.Principal, routeInstanceID string) (res CompleteResult, err error) {
	ctx, span := otelx.Start(ctx, tracerName, "ledger.CompleteRouteInstance", trace.WithAttributes(
		attribute.String("route_instance.id", routeInstanceID),
	))
	defer func() { otelx.End(span, err) }()

	if !p.Can(auth.CapOperateTrip) {
		return CompleteResult{Message: msgNotDriver}, model.Reject(model.CodeNotDriver, msgNotDriver)
	}

	var snapshot *Snapshot
	err = s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ri, err := tx.GetRouteInstance(ctx, routeInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "route instance", routeInstanceID)
		}
		ti, err := tx.GetTripInstance(ctx, ri.TripInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "trip instance", ri.TripInstanceID)
		}
		if err := authorizeDriver(ctx, tx, p, ti, msgNotDriver); err != nil {
			return err
		}
		if ti.Status != model.TripInProgress {
			return model.Reject(model.CodeTripState, msgNotInProgress)
		}
		if ri.Completed {
			return model.Reject(model.CodeAlreadyCompleted, msgAlreadyCompleted)
		}

		alighting, err := alightingSeats(ctx, tx, ti.ID, ri.OrderIndex)
		if err != nil {
			return err
		}
		ri.Completed = true
		ri.ApplyDelta(0, -alighting)
		if err := tx.UpdateRouteInstance(ctx, ri); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, outbox.AggregateRouteInstance, ri.ID, outbox.RouteInstanceCompleted, segmentEvent{
			RouteInstanceID: ri.ID,
			TripInstanceID:  ti.ID,
			OrderIndex:      ri.OrderIndex,
			DriverID:        p.UserID,
			SeatsReleased:   alighting,
		}); err != nil {
			return err
		}

		ris, err := tx.ListRouteInstances(ctx, ti.ID)
		if err != nil {
			return err
		}
		res = CompleteResult{Success: true, Message: msgCompleted, AllRoutesCompleted: allCompleted(ris)}
		if res.AllRoutesCompleted {
			now := s.now().UTC()
			ti.Status = model.TripCompleted
			ti.ActualEndTime = &now
			if err := tx.UpdateTripInstance(ctx, ti); err != nil {
				return err
			}
			if err := appendEvent(ctx, tx, outbox.AggregateTripInstance, ti.ID, outbox.TripInstanceCompleted, newTripEvent(ti, "")); err != nil {
				return err
			}
		}
		snapshot = &Snapshot{Instance: ti, Segments: ris}
		return nil
	})
	if err != nil {
		return rejectedResult(err), err
	}

	s.metrics.SegmentCompleted(false)
	if res.AllRoutesCompleted {
		s.metrics.TripInstanceEvent("completed")
	}
	s.publishSeats(snapshot)
	s.logger.Info("route segment completed",
		"route_instance_id", routeInstanceID,
		"trip_instance_id", snapshot.Instance.ID,
		"all_completed", res.AllRoutesCompleted,
	)
	return res, nil
}

// UncompleteRouteInstance reopens a completed segment, puts the alighting
// passengers back, and reverts a completed trip instance to in progress.
func (s *Service) UncompleteRouteInstance(ctx context.Context, p auth.Principal, routeInstanceID string) (res CompleteResult, err error) {
	ctx, span := otelx.Start(ctx, tracerName, "ledger.UncompleteRouteInstance", trace.WithAttributes(
		attribute.String("route_instance.id", routeInstanceID),
	))
	defer func() { otelx.End(span, err) }()

	if !p.Can(auth.CapOperateTrip) {
		return CompleteResult{Message: msgNotDriverReopen}, model.Reject(model.CodeNotDriver, msgNotDriverReopen)
	}

	var snapshot *Snapshot
	err = s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ri, err := tx.GetRouteInstance(ctx, routeInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "route instance", routeInstanceID)
		}
		ti, err := tx.GetTripInstance(ctx, ri.TripInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "trip instance", ri.TripInstanceID)
		}
		if err := authorizeDriver(ctx, tx, p, ti, msgNotDriverReopen); err != nil {
			return err
		}
		if ti.Status != model.TripInProgress && ti.Status != model.TripCompleted {
			return model.Reject(model.CodeTripState, msgNotInProgress)
		}
		if !ri.Completed {
			return model.Reject(model.CodeNotCompleted, msgNotCompleted)
		}

		alighting, err := alightingSeats(ctx, tx, ti.ID, ri.OrderIndex)
		if err != nil {
			return err
		}
		ri.Completed = false
		ri.ApplyDelta(0, alighting)
		if err := tx.UpdateRouteInstance(ctx, ri); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, outbox.AggregateRouteInstance, ri.ID, outbox.RouteInstanceReopened, segmentEvent{
			RouteInstanceID: ri.ID,
			TripInstanceID:  ti.ID,
			OrderIndex:      ri.OrderIndex,
			DriverID:        p.UserID,
			SeatsReleased:   -alighting,
		}); err != nil {
			return err
		}

		if ti.Status == model.TripCompleted {
			ti.Status = model.TripInProgress
			ti.ActualEndTime = nil
			if err := tx.UpdateTripInstance(ctx, ti); err != nil {
				return err
			}
		}
		ris, err := tx.ListRouteInstances(ctx, ti.ID)
		if err != nil {
			return err
		}
		snapshot = &Snapshot{Instance: ti, Segments: ris}
		res = CompleteResult{Success: true, Message: msgReopened}
		return nil
	})
	if err != nil {
		return rejectedResult(err), err
	}

	s.metrics.SegmentCompleted(true)
	s.publishSeats(snapshot)
	return res, nil
}

func allCompleted(ris []model.RouteInstance) bool {
	for _, ri := range ris {
		if !ri.Completed {
			return false
		}
	}
	return len(ris) > 0
}

func rejectedResult(err error) CompleteResult {
	if rej, ok := model.AsRejection(err); ok {
		return CompleteResult{Message: rej.Reason}
	}
	return CompleteResult{}
}
