package slots

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otelx "github.com/shuttlehq/shuttle-core/libs/otel"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/hours"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/metrics"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "slot-service/slots"

// Rejection reasons shown to guests.
const (
	ReasonTripNotFound = "Trip not found"
	ReasonNoTimeSlots  = "No time slots available"
	ReasonNoShuttles   = "No active shuttles available"
	ReasonExhausted    = "No shuttle available for the requested time"
)

func reasonNoService(hour int) string {
	return fmt.Sprintf("No service available at %s", hours.Label(hour))
}

func reasonGap(hour int) string {
	return fmt.Sprintf("Shuttle full at %s–%s and no service available at %s",
		hours.Label(hour), hours.Label(hour+1), hours.Label(hour+1))
}

type Request struct {
	TripID      string
	HotelID     string
	Date        string
	DesiredTime string
	Seats       int
	// Range limits capacity checks to the segments a booking spans. Nil means all.
	Range *model.RouteRange
}

type Slot struct {
	TripTimeID             string `json:"trip_time_id"`
	StartTime              string `json:"start_time"`
	EndTime                string `json:"end_time"`
	ShuttleID              string `json:"shuttle_id"`
	ExistingTripInstanceID string `json:"existing_trip_instance_id,omitempty"`
}

type Result struct {
	Found  bool   `json:"found"`
	Slot   *Slot  `json:"slot,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func rejected(reason string) Result { return Result{Reason: reason} }

type Finder struct {
	store   storage.Store
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewFinder(store storage.Store, m *metrics.Collector, logger *slog.Logger) *Finder {
	return &Finder{store: store, metrics: m, logger: logger}
}

// FindBestAvailableSlot runs the search in its own transaction.
func (f *Finder) FindBestAvailableSlot(ctx context.Context, req Request) (Result, error) {
	var res Result
	err := f.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		res, err = f.FindInTx(ctx, tx, req)
		return err
	})
	return res, err
}

// FindInTx searches forward from the desired hour through contiguous covered
// hours and stops at the first slot with room. An uncovered hour ends the
// search: later windows are never offered.
func (f *Finder) FindInTx(ctx context.Context, tx storage.Tx, req Request) (res Result, err error) {
	ctx, span := otelx.Start(ctx, tracerName, "slots.FindBestAvailableSlot", trace.WithAttributes(
		attribute.String("trip.id", req.TripID),
		attribute.String("slot.date", req.Date),
		attribute.Int("slot.seats", req.Seats),
	))
	start := time.Now()
	defer func() {
		outcome := "rejected"
		switch {
		case err != nil:
			outcome = "error"
		case res.Found:
			outcome = "found"
		}
		span.SetAttributes(attribute.String("slot.outcome", outcome))
		f.metrics.ObserveSearch(outcome, time.Since(start))
		otelx.End(span, err)
	}()

	date, desiredHour, err := validate(req)
	if err != nil {
		return Result{}, err
	}

	trip, err := tx.GetTrip(ctx, req.TripID)
	if storage.IsNotFound(err) {
		return rejected(ReasonTripNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if req.HotelID != "" && req.HotelID != trip.HotelID {
		return Result{}, model.ValidationError{Field: "hotel_id", Msg: "does not match the trip's hotel"}
	}

	tripTimes, err := tx.ListTripTimes(ctx, trip.ID)
	if err != nil {
		return Result{}, err
	}
	if len(tripTimes) == 0 {
		return rejected(ReasonNoTimeSlots), nil
	}

	windows := make([]hours.Window, len(tripTimes))
	for i, tt := range tripTimes {
		w, err := hours.ParseWindow(tt.StartTime, tt.EndTime)
		if err != nil {
			return Result{}, fmt.Errorf("trip time %s: %w", tt.ID, err)
		}
		windows[i] = w
	}
	coverage := hours.BuildCoverage(windows)

	if !coverage.Contains(desiredHour) {
		return rejected(reasonNoService(desiredHour)), nil
	}

	shuttles, err := tx.ListActiveShuttles(ctx, trip.HotelID)
	if err != nil {
		return Result{}, err
	}
	if len(shuttles) == 0 {
		return rejected(ReasonNoShuttles), nil
	}

	for hour := desiredHour; coverage.Contains(hour); hour++ {
		slotStart, slotEnd := hours.CanonicalTime(hour), hours.CanonicalTime(hour+1)

		avail, err := CheckSlot(ctx, tx, SlotQuery{
			TripID:   trip.ID,
			Date:     date,
			Start:    slotStart,
			End:      slotEnd,
			Shuttles: shuttles,
			Seats:    req.Seats,
			Range:    req.Range,
		})
		if err != nil {
			return Result{}, err
		}
		if avail.Available {
			return Result{Found: true, Slot: &Slot{
				TripTimeID:             windowOwner(tripTimes, windows, hour),
				StartTime:              slotStart,
				EndTime:                slotEnd,
				ShuttleID:              avail.ShuttleID,
				ExistingTripInstanceID: avail.ExistingTripInstanceID,
			}}, nil
		}
		if !coverage.Contains(hour + 1) {
			return rejected(reasonGap(hour)), nil
		}
		f.logger.Debug("slot full, trying next hour", "trip_id", trip.ID, "date", date, "hour", hour)
	}
	return rejected(ReasonExhausted), nil
}

func validate(req Request) (date string, desiredHour int, err error) {
	if req.TripID == "" {
		return "", 0, model.ValidationError{Field: "trip_id", Msg: "is required"}
	}
	if req.Seats <= 0 {
		return "", 0, model.ValidationError{Field: "seats", Msg: "must be positive"}
	}
	if req.Range != nil && (req.Range.From < 0 || req.Range.From > req.Range.To) {
		return "", 0, model.ValidationError{Field: "route_range", Msg: "from must be between 0 and to"}
	}
	date, err = hours.ParseDate(req.Date)
	if err != nil {
		return "", 0, model.ValidationError{Field: "date", Msg: "must be YYYY-MM-DD", Err: err}
	}
	desiredHour, err = hours.ParseTimeToHour(req.DesiredTime)
	if err != nil {
		return "", 0, model.ValidationError{Field: "desired_time", Msg: "unrecognised time", Err: err}
	}
	return date, desiredHour, nil
}

// windowOwner returns the id of the first trip time whose window contains hour.
func windowOwner(tripTimes []model.TripTime, windows []hours.Window, hour int) string {
	for i, w := range windows {
		if w.Contains(hour) {
			return tripTimes[i].ID
		}
	}
	return ""
}
