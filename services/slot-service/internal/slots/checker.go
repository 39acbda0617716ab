package slots

import (
	"context"

	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
)

// SlotQuery asks whether one hour slot of a trip can take Seats more passengers.
type SlotQuery struct {
	TripID   string
	Date     string
	Start    string
	End      string
	Shuttles []model.Shuttle
	Seats    int
	Range    *model.RouteRange
}

// Availability is the checker's answer. An empty ExistingTripInstanceID with
// Available set means a fresh instance can be opened on ShuttleID.
type Availability struct {
	Available              bool
	ShuttleID              string
	ExistingTripInstanceID string
}

// CheckSlot walks q.Shuttles in order and accepts the first one that either
// has no instance for the slot or has a SCHEDULED instance with enough free
// seats on its tightest segment. Instances in any other state exclude their
// shuttle.
func CheckSlot(ctx context.Context, tx storage.Tx, q SlotQuery) (Availability, error) {
	for _, sh := range q.Shuttles {
		ti, err := tx.FindTripInstance(ctx, storage.SlotKey{
			TripID:    q.TripID,
			ShuttleID: sh.ID,
			Date:      q.Date,
			Start:     q.Start,
			End:       q.End,
		})
		if storage.IsNotFound(err) {
			return Availability{Available: true, ShuttleID: sh.ID}, nil
		}
		if err != nil {
			return Availability{}, err
		}
		if ti.Status != model.TripScheduled {
			continue
		}

		free, err := freeSeats(ctx, tx, ti.ID, sh.TotalSeats, q.Range)
		if err != nil {
			return Availability{}, err
		}
		if free >= q.Seats {
			return Availability{Available: true, ShuttleID: sh.ID, ExistingTripInstanceID: ti.ID}, nil
		}
	}
	return Availability{}, nil
}

func freeSeats(ctx context.Context, tx storage.Tx, tripInstanceID string, totalSeats int, r *model.RouteRange) (int, error) {
	ris, err := tx.ListRouteInstances(ctx, tripInstanceID)
	if err != nil {
		return 0, err
	}
	return totalSeats - model.Bottleneck(ris, r), nil
}
