// Package bookings runs the seat lifecycle of guest bookings: a booking holds
// seats on the segments it spans, confirmation turns the hold into occupied
// seats, and rejection, cancellation or hold expiry give them back.
package bookings

import (
	"context"
	"log/slog"
	"time"

	"github.com/shuttlehq/shuttle-core/libs/auth"
	otelx "github.com/shuttlehq/shuttle-core/libs/otel"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/ledger"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/metrics"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/outbox"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/slots"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "slot-service/bookings"

const (
	DefaultHoldTTL = 15 * time.Minute

	reasonHoldExpired = "Seat hold expired"
)

type Service struct {
	store   storage.Store
	finder  *slots.Finder
	ledger  *ledger.Service
	metrics *metrics.Collector
	logger  *slog.Logger
	holdTTL time.Duration
	now     func() time.Time
}

func NewService(store storage.Store, finder *slots.Finder, l *ledger.Service, m *metrics.Collector, logger *slog.Logger, holdTTL time.Duration) *Service {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &Service{
		store:   store,
		finder:  finder,
		ledger:  l,
		metrics: m,
		logger:  logger,
		holdTTL: holdTTL,
		now:     time.Now,
	}
}

type CreateRequest struct {
	TripID      string `json:"trip_id"`
	HotelID     string `json:"hotel_id"`
	Date        string `json:"date"`
	DesiredTime string `json:"desired_time"`
	Seats       int    `json:"seats"`
	// FromRouteIndex and ToRouteIndex default to the whole trip when both are nil.
	FromRouteIndex *int `json:"from_route_index,omitempty"`
	ToRouteIndex   *int `json:"to_route_index,omitempty"`
	// GuestID lets front desk staff book on behalf of a guest.
	GuestID string `json:"guest_id,omitempty"`
}

// Create finds a slot and holds seats for it. When no slot is available the
// booking is still recorded as AUTO_CANCELLED with the search reason, and a
// RejectionError carrying that reason is returned next to it.
func (s *Service) Create(ctx context.Context, p auth.Principal, req CreateRequest) (b model.Booking, err error) {
	ctx, span := otelx.Start(ctx, tracerName, "bookings.Create", trace.WithAttributes(
		attribute.String("trip.id", req.TripID),
		attribute.String("slot.date", req.Date),
		attribute.Int("slot.seats", req.Seats),
	))
	defer func() { otelx.End(span, err) }()

	if !p.Can(auth.CapBook) {
		return model.Booking{}, model.Reject(model.CodeForbidden, "Not allowed to book seats")
	}
	guestID := p.UserID
	if req.GuestID != "" && req.GuestID != p.UserID {
		if !p.Can(auth.CapManageBookings) {
			return model.Booking{}, model.Reject(model.CodeForbidden, "Not allowed to book for another guest")
		}
		guestID = req.GuestID
	}
	if req.HotelID == "" {
		req.HotelID = p.HotelID
	}

	var (
		reason   string
		opened   bool
		snapshot *ledger.Snapshot
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.LockSlot(ctx, req.TripID, req.Date); err != nil {
			return err
		}
		r, err := routeRange(ctx, tx, req)
		if err != nil {
			return err
		}

		res, err := s.finder.FindInTx(ctx, tx, slots.Request{
			TripID:      req.TripID,
			HotelID:     req.HotelID,
			Date:        req.Date,
			DesiredTime: req.DesiredTime,
			Seats:       req.Seats,
			Range:       &r,
		})
		if err != nil {
			return err
		}

		b = model.Booking{
			TripID:         req.TripID,
			GuestID:        guestID,
			ScheduledDate:  req.Date,
			FromRouteIndex: r.From,
			ToRouteIndex:   r.To,
			Seats:          req.Seats,
		}
		if !res.Found {
			reason = res.Reason
			b.Status = model.BookingAutoCancelled
			b.Reason = res.Reason
			if err := tx.InsertBooking(ctx, &b); err != nil {
				return err
			}
			return ledger.AppendBookingEvent(ctx, tx, b, outbox.BookingReleased)
		}

		tripInstanceID := res.Slot.ExistingTripInstanceID
		if tripInstanceID == "" {
			ti := model.TripInstance{
				TripID:             req.TripID,
				ShuttleID:          res.Slot.ShuttleID,
				ScheduledDate:      req.Date,
				ScheduledStartTime: res.Slot.StartTime,
				ScheduledEndTime:   res.Slot.EndTime,
			}
			if _, err := ledger.OpenTripInstance(ctx, tx, &ti); err != nil {
				return err
			}
			tripInstanceID = ti.ID
			opened = true
		}
		if _, err := ledger.ApplyRange(ctx, tx, tripInstanceID, r, req.Seats, 0); err != nil {
			return err
		}

		expires := s.now().UTC().Add(s.holdTTL)
		b.TripInstanceID = tripInstanceID
		b.Status = model.BookingPending
		b.HoldExpiresAt = &expires
		if err := tx.InsertBooking(ctx, &b); err != nil {
			return err
		}
		if err := ledger.AppendBookingEvent(ctx, tx, b, outbox.BookingHeld); err != nil {
			return err
		}
		snapshot, err = ledger.TakeSnapshot(ctx, tx, tripInstanceID)
		return err
	})
	if err != nil {
		return model.Booking{}, err
	}

	s.metrics.BookingTransition(string(b.Status))
	if reason != "" {
		s.logger.Info("booking auto-cancelled", "booking_id", b.ID, "trip_id", b.TripID, "reason", reason)
		return b, model.Reject(model.CodeNoSlot, reason)
	}
	if opened {
		s.metrics.TripInstanceEvent("opened")
	}
	s.metrics.SeatDelta(req.Seats, 0, b.ToRouteIndex-b.FromRouteIndex+1)
	s.ledger.PublishSeats(snapshot)
	s.logger.Info("seats held",
		"booking_id", b.ID,
		"trip_instance_id", b.TripInstanceID,
		"seats", b.Seats,
		"hold_expires_at", b.HoldExpiresAt,
	)
	return b, nil
}

// routeRange resolves the requested segments against the trip's routes.
func routeRange(ctx context.Context, tx storage.Tx, req CreateRequest) (model.RouteRange, error) {
	routes, err := tx.ListRoutes(ctx, req.TripID)
	if err != nil {
		return model.RouteRange{}, err
	}
	if len(routes) == 0 {
		if _, err := tx.GetTrip(ctx, req.TripID); storage.IsNotFound(err) {
			// The finder reports the missing trip as the rejection reason.
			return model.RouteRange{}, nil
		} else if err != nil {
			return model.RouteRange{}, err
		}
		return model.RouteRange{}, model.ValidationError{Field: "trip_id", Msg: "trip has no routes"}
	}
	if req.FromRouteIndex == nil && req.ToRouteIndex == nil {
		return model.RouteRange{From: routes[0].OrderIndex, To: routes[len(routes)-1].OrderIndex}, nil
	}
	if req.FromRouteIndex == nil || req.ToRouteIndex == nil {
		return model.RouteRange{}, model.ValidationError{Field: "route_range", Msg: "from_route_index and to_route_index go together"}
	}
	r := model.RouteRange{From: *req.FromRouteIndex, To: *req.ToRouteIndex}
	if r.From > r.To {
		return model.RouteRange{}, model.ValidationError{Field: "route_range", Msg: "from must not exceed to"}
	}
	if !hasRoute(routes, r.From) || !hasRoute(routes, r.To) {
		return model.RouteRange{}, model.ValidationError{Field: "route_range", Msg: "outside the trip's routes"}
	}
	return r, nil
}

func hasRoute(routes []model.Route, orderIndex int) bool {
	for _, r := range routes {
		if r.OrderIndex == orderIndex {
			return true
		}
	}
	return false
}

func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (model.Booking, error) {
	var b model.Booking
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, id)
		return storage.AsNotFound(err, "booking", id)
	})
	if err != nil {
		return model.Booking{}, err
	}
	if b.GuestID != p.UserID && !p.Can(auth.CapManageBookings) {
		return model.Booking{}, model.NotFoundError{Resource: "booking", ID: id}
	}
	return b, nil
}

// Confirm turns a live hold into occupied seats. Confirming twice is a no-op.
func (s *Service) Confirm(ctx context.Context, p auth.Principal, id string) (model.Booking, error) {
	if !p.Can(auth.CapManageBookings) {
		return model.Booking{}, model.Reject(model.CodeForbidden, "Not allowed to confirm bookings")
	}
	var (
		b        model.Booking
		changed  bool
		snapshot *ledger.Snapshot
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, id)
		if err != nil {
			return storage.AsNotFound(err, "booking", id)
		}
		switch {
		case b.Status == model.BookingConfirmed:
			return nil
		case b.Status != model.BookingPending:
			return model.Reject(model.CodeBookingState, "Only pending bookings can be confirmed")
		case b.HoldExpiresAt != nil && !s.now().Before(*b.HoldExpiresAt):
			return model.Reject(model.CodeHoldExpired, reasonHoldExpired)
		}

		r := model.RouteRange{From: b.FromRouteIndex, To: b.ToRouteIndex}
		if _, err := ledger.ApplyRange(ctx, tx, b.TripInstanceID, r, -b.Seats, b.Seats); err != nil {
			return err
		}
		b.Status = model.BookingConfirmed
		b.HoldExpiresAt = nil
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		if err := ledger.AppendBookingEvent(ctx, tx, b, outbox.BookingConfirmed); err != nil {
			return err
		}
		changed = true
		snapshot, err = ledger.TakeSnapshot(ctx, tx, b.TripInstanceID)
		return err
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		s.metrics.BookingTransition(string(b.Status))
		s.metrics.SeatDelta(-b.Seats, b.Seats, b.ToRouteIndex-b.FromRouteIndex+1)
		s.ledger.PublishSeats(snapshot)
	}
	return b, nil
}

// Reject refuses a pending booking and releases its hold.
func (s *Service) Reject(ctx context.Context, p auth.Principal, id, reason string) (model.Booking, error) {
	if !p.Can(auth.CapManageBookings) {
		return model.Booking{}, model.Reject(model.CodeForbidden, "Not allowed to reject bookings")
	}
	return s.release(ctx, id, model.BookingRejected, reason, func(b model.Booking) error {
		if b.Status != model.BookingPending {
			return model.Reject(model.CodeBookingState, "Only pending bookings can be rejected")
		}
		return nil
	})
}

// Cancel withdraws a booking. Guests may cancel their own bookings. Confirmed
// seats can only be given back before the trip starts. Cancelling a finished
// booking returns it unchanged.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, id, reason string) (model.Booking, error) {
	return s.release(ctx, id, model.BookingCancelled, reason, func(b model.Booking) error {
		if b.GuestID != p.UserID && !p.Can(auth.CapManageBookings) {
			return model.Reject(model.CodeForbidden, "Not allowed to cancel this booking")
		}
		return nil
	})
}

// release moves an open booking to status after check passes. Terminal
// bookings are returned as they are.
func (s *Service) release(ctx context.Context, id string, status model.BookingStatus, reason string, check func(model.Booking) error) (model.Booking, error) {
	var (
		b        model.Booking
		changed  bool
		snapshot *ledger.Snapshot
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, id)
		if err != nil {
			return storage.AsNotFound(err, "booking", id)
		}
		if err := check(b); err != nil {
			return err
		}
		if b.Status.Terminal() {
			return nil
		}
		if b.Status == model.BookingConfirmed && b.TripInstanceID != "" {
			ti, err := tx.GetTripInstance(ctx, b.TripInstanceID)
			if err != nil && !storage.IsNotFound(err) {
				return err
			}
			if err == nil && ti.Status != model.TripScheduled {
				return model.Reject(model.CodeTripState, "Trip has already started")
			}
		}
		if err := ledger.ReleaseBooking(ctx, tx, &b, status, reason); err != nil {
			return err
		}
		changed = true
		if b.TripInstanceID == "" {
			return nil
		}
		snapshot, err = ledger.TakeSnapshot(ctx, tx, b.TripInstanceID)
		return err
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		s.metrics.BookingTransition(string(status))
		s.ledger.PublishSeats(snapshot)
	}
	return b, nil
}

// ExpireHolds auto-cancels up to limit pending bookings whose hold lapsed at
// or before now. Each booking is re-read under lock so a concurrent confirm
// wins or loses cleanly.
func (s *Service) ExpireHolds(ctx context.Context, now time.Time, limit int) (int, error) {
	var (
		expired   int
		snapshots []*ledger.Snapshot
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		due, err := tx.ListExpiredHolds(ctx, now, limit)
		if err != nil {
			return err
		}
		touched := map[string]bool{}
		for _, candidate := range due {
			b, err := tx.GetBooking(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if b.Status != model.BookingPending {
				continue
			}
			if err := ledger.ReleaseBooking(ctx, tx, &b, model.BookingAutoCancelled, reasonHoldExpired); err != nil {
				return err
			}
			expired++
			if b.TripInstanceID != "" {
				touched[b.TripInstanceID] = true
			}
		}
		for id := range touched {
			snap, err := ledger.TakeSnapshot(ctx, tx, id)
			if err != nil {
				return err
			}
			snapshots = append(snapshots, snap)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.HoldsExpiredAdd(expired)
	s.ledger.PublishSeats(snapshots...)
	return expired, nil
}
