package slots

import (
	"context"
	"sort"

	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/hours"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
)

type RankRequest struct {
	HotelID   string
	Date      string
	StartTime string
	EndTime   string
	Seats     int
	Range     *model.RouteRange
}

// Candidate is one shuttle with room in the requested window.
type Candidate struct {
	ShuttleID      string `json:"shuttle_id"`
	AvailableSeats int    `json:"available_seats"`
	TripInstanceID string `json:"trip_instance_id,omitempty"`
}

type Ranker struct {
	store storage.Store
}

func NewRanker(store storage.Store) *Ranker {
	return &Ranker{store: store}
}

// GetAvailableShuttle returns the tightest-fitting shuttle, or "" when none has room.
func (r *Ranker) GetAvailableShuttle(ctx context.Context, req RankRequest) (string, error) {
	ranked, err := r.Rank(ctx, req)
	if err != nil || len(ranked) == 0 {
		return "", err
	}
	return ranked[0].ShuttleID, nil
}

// Rank lists every active shuttle of the hotel with at least req.Seats free
// on its tightest segment, fewest free seats first. Ties keep registration order.
func (r *Ranker) Rank(ctx context.Context, req RankRequest) ([]Candidate, error) {
	if req.Seats <= 0 {
		return nil, model.ValidationError{Field: "seats", Msg: "must be positive"}
	}
	if req.Range != nil && (req.Range.From < 0 || req.Range.From > req.Range.To) {
		return nil, model.ValidationError{Field: "route_range", Msg: "from must be between 0 and to"}
	}
	date, err := hours.ParseDate(req.Date)
	if err != nil {
		return nil, model.ValidationError{Field: "date", Msg: "must be YYYY-MM-DD", Err: err}
	}
	start, end, err := hours.NormalizeSlot(req.StartTime, req.EndTime)
	if err != nil {
		return nil, model.ValidationError{Field: "time", Msg: "invalid window", Err: err}
	}

	var out []Candidate
	err = r.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		shuttles, err := tx.ListActiveShuttles(ctx, req.HotelID)
		if err != nil {
			return err
		}
		for _, sh := range shuttles {
			c := Candidate{ShuttleID: sh.ID, AvailableSeats: sh.TotalSeats}
			ti, err := tx.FindShuttleInstance(ctx, sh.ID, date, start, end)
			switch {
			case storage.IsNotFound(err):
			case err != nil:
				return err
			case ti.Status != model.TripScheduled:
				continue
			default:
				free, err := freeSeats(ctx, tx, ti.ID, sh.TotalSeats, req.Range)
				if err != nil {
					return err
				}
				c.AvailableSeats = free
				c.TripInstanceID = ti.ID
			}
			if c.AvailableSeats >= req.Seats {
				out = append(out, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AvailableSeats < out[j].AvailableSeats })
	return out, nil
}
