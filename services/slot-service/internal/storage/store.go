// Package storage persists trips, shuttles, trip instances, their route
// segment ledgers and bookings. Every engine operation runs inside one
// Store.WithTx call; rows read through a Tx for mutation are locked until the
// transaction ends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/outbox"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a unique-constraint race, such as two callers
	// opening the same trip instance, or a deadlock or serialization failure.
	// Callers may retry the whole operation.
	ErrConflict = errors.New("conflict")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

type Store interface {
	// WithTx runs fn atomically. fn's error aborts the transaction and is
	// returned as is, except that lock failures are wrapped in ErrConflict.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// SlotKey identifies one trip instance slot.
type SlotKey struct {
	TripID    string
	ShuttleID string
	Date      string
	Start     string
	End       string
}

type Tx interface {
	GetTrip(ctx context.Context, id string) (model.Trip, error)
	ListTripTimes(ctx context.Context, tripID string) ([]model.TripTime, error)
	// ListRoutes returns routes ordered by OrderIndex.
	ListRoutes(ctx context.Context, tripID string) ([]model.Route, error)
	// ListActiveShuttles returns the hotel's active shuttles in registration order.
	ListActiveShuttles(ctx context.Context, hotelID string) ([]model.Shuttle, error)
	GetShuttle(ctx context.Context, id string) (model.Shuttle, error)

	// LockSlot serialises slot searches that may open an instance for tripID on date.
	LockSlot(ctx context.Context, tripID, date string) error

	FindTripInstance(ctx context.Context, key SlotKey) (model.TripInstance, error)
	// FindShuttleInstance finds an instance of any trip for shuttle at date/start/end.
	FindShuttleInstance(ctx context.Context, shuttleID, date, start, end string) (model.TripInstance, error)
	GetTripInstance(ctx context.Context, id string) (model.TripInstance, error)
	InsertTripInstance(ctx context.Context, ti *model.TripInstance) error
	UpdateTripInstance(ctx context.Context, ti model.TripInstance) error
	DeleteTripInstance(ctx context.Context, id string) error

	// ListRouteInstances returns the instance's segments ordered by OrderIndex.
	ListRouteInstances(ctx context.Context, tripInstanceID string) ([]model.RouteInstance, error)
	GetRouteInstance(ctx context.Context, id string) (model.RouteInstance, error)
	InsertRouteInstances(ctx context.Context, ris []model.RouteInstance) error
	UpdateRouteInstance(ctx context.Context, ri model.RouteInstance) error
	DeleteRouteInstances(ctx context.Context, tripInstanceID string) error

	GetBooking(ctx context.Context, id string) (model.Booking, error)
	ListBookings(ctx context.Context, tripInstanceID string) ([]model.Booking, error)
	// ListExpiredHolds returns PENDING bookings whose hold expired at or before now, oldest first.
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
	InsertBooking(ctx context.Context, b *model.Booking) error
	UpdateBooking(ctx context.Context, b model.Booking) error

	AppendEvent(ctx context.Context, evt outbox.Event) error
}

// AsNotFound turns ErrNotFound into a model.NotFoundError naming the missing
// resource. Other errors, and nil, pass through.
func AsNotFound(err error, resource, id string) error {
	if IsNotFound(err) {
		return model.NotFoundError{Resource: resource, ID: id, Err: err}
	}
	return err
}
