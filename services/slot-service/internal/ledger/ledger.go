// Package ledger keeps the per-segment seat counters of trip instances and
// drives segment completion and the trip instance lifecycle. Every exported
// Service method runs in one store transaction; live updates are broadcast
// only after it commits.
package ledger

import (
	"context"
	"log/slog"
	"time"

	otelx "github.com/shuttlehq/shuttle-core/libs/otel"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/broadcast"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/metrics"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/outbox"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "slot-service/ledger"

type Service struct {
	store       storage.Store
	broadcaster broadcast.Broadcaster
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(store storage.Store, bc broadcast.Broadcaster, m *metrics.Collector, logger *slog.Logger) *Service {
	if bc == nil {
		bc = broadcast.Nop{}
	}
	return &Service{store: store, broadcaster: bc, metrics: m, logger: logger, now: time.Now}
}

// CreateRouteInstancesForTripInstance opens one zeroed seat ledger per route of
// the trip. An instance that already has route instances keeps them. tripID
// may be empty, in which case the instance's own trip is used.
func (s *Service) CreateRouteInstancesForTripInstance(ctx context.Context, tripInstanceID, tripID string) ([]model.RouteInstance, error) {
	var out []model.RouteInstance
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ti, err := tx.GetTripInstance(ctx, tripInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "trip instance", tripInstanceID)
		}
		if tripID != "" && tripID != ti.TripID {
			return model.ValidationError{Field: "trip_id", Msg: "does not match the trip instance"}
		}
		out, err = CreateRouteInstances(ctx, tx, ti.ID, ti.TripID)
		return err
	})
	return out, err
}

// CreateRouteInstances is the in-transaction form used when a booking opens a
// new trip instance.
func CreateRouteInstances(ctx context.Context, tx storage.Tx, tripInstanceID, tripID string) ([]model.RouteInstance, error) {
	existing, err := tx.ListRouteInstances(ctx, tripInstanceID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	routes, err := tx.ListRoutes(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, nil
	}
	ris := make([]model.RouteInstance, len(routes))
	for i, r := range routes {
		ris[i] = model.RouteInstance{
			TripInstanceID: tripInstanceID,
			RouteID:        r.ID,
			OrderIndex:     r.OrderIndex,
		}
	}
	if err := tx.InsertRouteInstances(ctx, ris); err != nil {
		return nil, err
	}
	return ris, nil
}

// UpdateRouteInstanceSeats applies the deltas to one segment. Counters never
// drop below zero.
func (s *Service) UpdateRouteInstanceSeats(ctx context.Context, routeInstanceID string, heldDelta, occupiedDelta int) (model.RouteInstance, error) {
	ctx, span := otelx.Start(ctx, tracerName, "ledger.UpdateRouteInstanceSeats", trace.WithAttributes(
		attribute.String("route_instance.id", routeInstanceID),
		attribute.Int("seats.held_delta", heldDelta),
		attribute.Int("seats.occupied_delta", occupiedDelta),
	))

	var (
		ri       model.RouteInstance
		snapshot *Snapshot
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		ri, err = tx.GetRouteInstance(ctx, routeInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "route instance", routeInstanceID)
		}
		ri.ApplyDelta(heldDelta, occupiedDelta)
		if err := tx.UpdateRouteInstance(ctx, ri); err != nil {
			return err
		}
		snapshot, err = TakeSnapshot(ctx, tx, ri.TripInstanceID)
		return err
	})
	otelx.End(span, err)
	if err != nil {
		return model.RouteInstance{}, err
	}
	s.metrics.SeatDelta(heldDelta, occupiedDelta, 1)
	s.publishSeats(snapshot)
	return ri, nil
}

// UpdateMultipleRouteInstanceSeats applies the same deltas to every segment
// whose order index lies in [from, to].
func (s *Service) UpdateMultipleRouteInstanceSeats(ctx context.Context, tripInstanceID string, from, to, heldDelta, occupiedDelta int) ([]model.RouteInstance, error) {
	ctx, span := otelx.Start(ctx, tracerName, "ledger.UpdateMultipleRouteInstanceSeats", trace.WithAttributes(
		attribute.String("trip_instance.id", tripInstanceID),
		attribute.Int("route.from", from),
		attribute.Int("route.to", to),
	))

	var (
		updated  []model.RouteInstance
		snapshot *Snapshot
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetTripInstance(ctx, tripInstanceID); err != nil {
			return storage.AsNotFound(err, "trip instance", tripInstanceID)
		}
		var err error
		updated, err = ApplyRange(ctx, tx, tripInstanceID, model.RouteRange{From: from, To: to}, heldDelta, occupiedDelta)
		if err != nil {
			return err
		}
		snapshot, err = TakeSnapshot(ctx, tx, tripInstanceID)
		return err
	})
	otelx.End(span, err)
	if err != nil {
		return nil, err
	}
	s.metrics.SeatDelta(heldDelta, occupiedDelta, len(updated))
	s.publishSeats(snapshot)
	return updated, nil
}

// ApplyRange is the in-transaction range update. It returns the segments it changed.
func ApplyRange(ctx context.Context, tx storage.Tx, tripInstanceID string, r model.RouteRange, heldDelta, occupiedDelta int) ([]model.RouteInstance, error) {
	if r.From > r.To {
		return nil, model.ValidationError{Field: "route_range", Msg: "from must not exceed to"}
	}
	ris, err := tx.ListRouteInstances(ctx, tripInstanceID)
	if err != nil {
		return nil, err
	}
	var updated []model.RouteInstance
	for _, ri := range ris {
		if !r.Contains(ri.OrderIndex) {
			continue
		}
		ri.ApplyDelta(heldDelta, occupiedDelta)
		if err := tx.UpdateRouteInstance(ctx, ri); err != nil {
			return nil, err
		}
		updated = append(updated, ri)
	}
	return updated, nil
}

// ETAUpdate is one entry of a batch ETA write.
type ETAUpdate struct {
	RouteInstanceID string `json:"route_instance_id"`
	ETA             string `json:"eta"`
}

func (s *Service) UpdateRouteInstanceETA(ctx context.Context, routeInstanceID, eta string) (model.RouteInstance, error) {
	out, err := s.UpdateRouteInstanceETAs(ctx, []ETAUpdate{{RouteInstanceID: routeInstanceID, ETA: eta}})
	if err != nil {
		return model.RouteInstance{}, err
	}
	return out[0], nil
}

// UpdateRouteInstanceETAs writes all ETAs in one transaction.
func (s *Service) UpdateRouteInstanceETAs(ctx context.Context, updates []ETAUpdate) ([]model.RouteInstance, error) {
	if len(updates) == 0 {
		return nil, model.ValidationError{Field: "updates", Msg: "must not be empty"}
	}
	out := make([]model.RouteInstance, 0, len(updates))
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, u := range updates {
			ri, err := tx.GetRouteInstance(ctx, u.RouteInstanceID)
			if err != nil {
				return storage.AsNotFound(err, "route instance", u.RouteInstanceID)
			}
			ri.ETA = u.ETA
			if err := tx.UpdateRouteInstance(ctx, ri); err != nil {
				return err
			}
			out = append(out, ri)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ri := range out {
		msg := broadcast.ETAMessage{
			TripInstanceID:  ri.TripInstanceID,
			RouteInstanceID: ri.ID,
			OrderIndex:      ri.OrderIndex,
			ETA:             ri.ETA,
			Timestamp:       s.now().UTC(),
		}
		if err := s.broadcaster.PublishETA(msg); err != nil {
			s.logger.Warn("eta broadcast failed", "route_instance_id", ri.ID, "err", err)
		}
	}
	return out, nil
}

func (s *Service) DeleteRouteInstancesForTripInstance(ctx context.Context, tripInstanceID string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetTripInstance(ctx, tripInstanceID); err != nil {
			return storage.AsNotFound(err, "trip instance", tripInstanceID)
		}
		return tx.DeleteRouteInstances(ctx, tripInstanceID)
	})
}

// SegmentSeats is one segment of the seat read model.
type SegmentSeats struct {
	model.RouteInstance
	Available int `json:"available"`
}

type TripInstanceSeats struct {
	TripInstance model.TripInstance `json:"trip_instance"`
	TotalSeats   int                `json:"total_seats"`
	// Available is the free capacity of the tightest segment.
	Available int            `json:"available"`
	Segments  []SegmentSeats `json:"segments"`
}

func (s *Service) GetTripInstanceSeats(ctx context.Context, tripInstanceID string) (TripInstanceSeats, error) {
	var out TripInstanceSeats
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ti, err := tx.GetTripInstance(ctx, tripInstanceID)
		if err != nil {
			return storage.AsNotFound(err, "trip instance", tripInstanceID)
		}
		total := 0
		if ti.ShuttleID != "" {
			sh, err := tx.GetShuttle(ctx, ti.ShuttleID)
			if err != nil && !storage.IsNotFound(err) {
				return err
			}
			total = sh.TotalSeats
		}
		ris, err := tx.ListRouteInstances(ctx, ti.ID)
		if err != nil {
			return err
		}
		out = TripInstanceSeats{
			TripInstance: ti,
			TotalSeats:   total,
			Available:    max(0, total-model.Bottleneck(ris, nil)),
			Segments:     make([]SegmentSeats, len(ris)),
		}
		for i, ri := range ris {
			out.Segments[i] = SegmentSeats{RouteInstance: ri, Available: max(0, total-ri.Used())}
		}
		return nil
	})
	return out, err
}

// Snapshot is the seat state of one trip instance, captured inside a
// transaction and published after it commits.
type Snapshot struct {
	Instance model.TripInstance
	Segments []model.RouteInstance
}

// TakeSnapshot returns nil when the instance no longer exists.
func TakeSnapshot(ctx context.Context, tx storage.Tx, tripInstanceID string) (*Snapshot, error) {
	ti, err := tx.GetTripInstance(ctx, tripInstanceID)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ris, err := tx.ListRouteInstances(ctx, tripInstanceID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Instance: ti, Segments: ris}, nil
}

// PublishSeats broadcasts snapshots taken by callers running their own transactions.
func (s *Service) PublishSeats(snaps ...*Snapshot) {
	for _, snap := range snaps {
		s.publishSeats(snap)
	}
}

func (s *Service) publishSeats(snap *Snapshot) {
	if snap == nil {
		return
	}
	if err := s.broadcaster.PublishSeats(broadcast.NewSeatsMessage(snap.Instance, snap.Segments)); err != nil {
		s.logger.Warn("seat broadcast failed", "trip_instance_id", snap.Instance.ID, "err", err)
	}
}

func appendEvent(ctx context.Context, tx storage.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	evt, err := outbox.New(aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, evt)
}
