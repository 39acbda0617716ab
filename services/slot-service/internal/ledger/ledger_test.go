package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shuttlehq/shuttle-core/libs/auth"
	"github.com/shuttlehq/shuttle-core/libs/runtime"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/broadcast"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/outbox"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
)

var (
	driver   = auth.Principal{UserID: "driver-1", HotelID: "hotel-1", Role: auth.RoleDriver}
	intruder = auth.Principal{UserID: "driver-2", HotelID: "hotel-1", Role: auth.RoleDriver}
	guest    = auth.Principal{UserID: "guest-1", HotelID: "hotel-1", Role: auth.RoleGuest}
	fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
)

// fixture builds an in-progress instance with three segments and two
// confirmed bookings: b1 rides segments 0-1 with 2 seats, b2 rides 1-2 with 1.
func fixture(status model.TripStatus) storage.Fixture {
	return storage.Fixture{
		Trips: []model.Trip{{ID: "trip-1", HotelID: "hotel-1"}},
		Routes: []model.Route{
			{ID: "r0", TripID: "trip-1", OrderIndex: 0},
			{ID: "r1", TripID: "trip-1", OrderIndex: 1},
			{ID: "r2", TripID: "trip-1", OrderIndex: 2},
		},
		Shuttles: []model.Shuttle{
			{ID: "s1", HotelID: "hotel-1", TotalSeats: 6, IsActive: true, CurrentlyAssignedTo: "driver-1"},
		},
		TripInstances: []model.TripInstance{{
			ID: "ti-1", TripID: "trip-1", ShuttleID: "s1", ScheduledDate: "2024-05-01",
			ScheduledStartTime: "1970-01-01T09:00:00.000Z", ScheduledEndTime: "1970-01-01T10:00:00.000Z",
			Status: status,
		}},
		RouteInstances: []model.RouteInstance{
			{ID: "ri-0", TripInstanceID: "ti-1", RouteID: "r0", OrderIndex: 0, SeatsOccupied: 2},
			{ID: "ri-1", TripInstanceID: "ti-1", RouteID: "r1", OrderIndex: 1, SeatsOccupied: 3},
			{ID: "ri-2", TripInstanceID: "ti-1", RouteID: "r2", OrderIndex: 2, SeatsOccupied: 1},
		},
		Bookings: []model.Booking{
			{ID: "b1", TripID: "trip-1", TripInstanceID: "ti-1", GuestID: "g1", FromRouteIndex: 0, ToRouteIndex: 1, Seats: 2, Status: model.BookingConfirmed},
			{ID: "b2", TripID: "trip-1", TripInstanceID: "ti-1", GuestID: "g2", FromRouteIndex: 1, ToRouteIndex: 2, Seats: 1, Status: model.BookingConfirmed},
		},
	}
}

func newService(t *testing.T, f storage.Fixture) (*Service, *storage.MemoryStore, *broadcast.Recorder) {
	t.Helper()
	st := storage.NewMemoryStore()
	st.Seed(f)
	rec := &broadcast.Recorder{}
	svc := NewService(st, rec, nil, runtime.DiscardLogger())
	svc.now = func() time.Time { return fixedNow }
	return svc, st, rec
}

func segments(t *testing.T, svc *Service, tripInstanceID string) []SegmentSeats {
	t.Helper()
	view, err := svc.GetTripInstanceSeats(context.Background(), tripInstanceID)
	if err != nil {
		t.Fatalf("seats: %v", err)
	}
	return view.Segments
}

func TestUpdateRouteInstanceSeats_NeverNegative(t *testing.T) {
	svc, _, rec := newService(t, fixture(model.TripScheduled))
	steps := []struct{ held, occupied int }{
		{3, 0}, {-1, 2}, {-5, 0}, {0, -10}, {2, 1}, {-2, -1}, {-1, -1},
	}
	for i, step := range steps {
		ri, err := svc.UpdateRouteInstanceSeats(context.Background(), "ri-0", step.held, step.occupied)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ri.SeatHeld < 0 || ri.SeatsOccupied < 0 {
			t.Fatalf("step %d: negative counters %+v", i, ri)
		}
	}
	segs := segments(t, svc, "ti-1")
	if segs[0].SeatHeld != 0 || segs[0].SeatsOccupied != 0 {
		t.Fatalf("expected counters floored at zero, got %+v", segs[0].RouteInstance)
	}
	if len(rec.Seats) != len(steps) {
		t.Fatalf("expected one broadcast per update, got %d", len(rec.Seats))
	}
}

func TestUpdateRouteInstanceSeats_NotFound(t *testing.T) {
	svc, _, _ := newService(t, fixture(model.TripScheduled))
	_, err := svc.UpdateRouteInstanceSeats(context.Background(), "missing", 1, 0)
	if !model.IsNotFound(err) || !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateMultipleRouteInstanceSeats_OnlyRange(t *testing.T) {
	f := fixture(model.TripScheduled)
	f.RouteInstances = nil
	for i := 0; i < 5; i++ {
		f.RouteInstances = append(f.RouteInstances, model.RouteInstance{
			ID: "seg-" + string(rune('0'+i)), TripInstanceID: "ti-1", OrderIndex: i, SeatHeld: 1,
		})
	}
	svc, _, _ := newService(t, f)

	updated, err := svc.UpdateMultipleRouteInstanceSeats(context.Background(), "ti-1", 1, 3, 2, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated) != 3 {
		t.Fatalf("expected 3 updated segments, got %d", len(updated))
	}
	for _, seg := range segments(t, svc, "ti-1") {
		inRange := seg.OrderIndex >= 1 && seg.OrderIndex <= 3
		wantHeld, wantOcc := 1, 0
		if inRange {
			wantHeld, wantOcc = 3, 1
		}
		if seg.SeatHeld != wantHeld || seg.SeatsOccupied != wantOcc {
			t.Fatalf("segment %d: got held=%d occupied=%d", seg.OrderIndex, seg.SeatHeld, seg.SeatsOccupied)
		}
	}

	if _, err := svc.UpdateMultipleRouteInstanceSeats(context.Background(), "ti-1", 3, 1, 1, 0); !model.IsValidation(err) {
		t.Fatalf("expected validation error for inverted range, got %v", err)
	}
}

func TestCreateRouteInstancesForTripInstance_Idempotent(t *testing.T) {
	f := fixture(model.TripScheduled)
	f.RouteInstances = nil
	svc, _, _ := newService(t, f)

	first, err := svc.CreateRouteInstancesForTripInstance(context.Background(), "ti-1", "trip-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 route instances, got %d", len(first))
	}
	for i, ri := range first {
		if ri.OrderIndex != i || ri.Used() != 0 || ri.ID == "" {
			t.Fatalf("unexpected route instance %+v", ri)
		}
	}

	second, err := svc.CreateRouteInstancesForTripInstance(context.Background(), "ti-1", "")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if len(second) != 3 || second[0].ID != first[0].ID {
		t.Fatalf("expected existing route instances, got %+v", second)
	}

	if _, err := svc.CreateRouteInstancesForTripInstance(context.Background(), "ti-1", "trip-2"); !model.IsValidation(err) {
		t.Fatalf("expected validation error for mismatched trip, got %v", err)
	}
}

func TestCompleteRouteInstance_SecondCallRejected(t *testing.T) {
	svc, _, _ := newService(t, fixture(model.TripInProgress))

	res, err := svc.CompleteRouteInstance(context.Background(), driver, "ri-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.Success || res.AllRoutesCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := segments(t, svc, "ti-1")[1].SeatsOccupied; got != 1 {
		t.Fatalf("expected b1's 2 seats to alight, occupied=%d", got)
	}

	res, err = svc.CompleteRouteInstance(context.Background(), driver, "ri-1")
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeAlreadyCompleted {
		t.Fatalf("expected already completed, got %v", err)
	}
	if res.Success || res.Message != "Route segment is already completed" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := segments(t, svc, "ti-1")[1].SeatsOccupied; got != 1 {
		t.Fatalf("seats subtracted twice, occupied=%d", got)
	}
}

func TestCompleteRouteInstance_LastSegmentCompletesTrip(t *testing.T) {
	svc, st, _ := newService(t, fixture(model.TripInProgress))
	ctx := context.Background()

	for _, id := range []string{"ri-0", "ri-1"} {
		if _, err := svc.CompleteRouteInstance(ctx, driver, id); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	res, err := svc.CompleteRouteInstance(ctx, driver, "ri-2")
	if err != nil {
		t.Fatalf("complete ri-2: %v", err)
	}
	if !res.AllRoutesCompleted {
		t.Fatalf("expected trip completion, got %+v", res)
	}
	view, err := svc.GetTripInstanceSeats(ctx, "ti-1")
	if err != nil {
		t.Fatalf("seats: %v", err)
	}
	ti := view.TripInstance
	if ti.Status != model.TripCompleted || ti.ActualEndTime == nil || !ti.ActualEndTime.Equal(fixedNow) {
		t.Fatalf("expected COMPLETED with end time, got %+v", ti)
	}

	if _, err := svc.UncompleteRouteInstance(ctx, driver, "ri-2"); err != nil {
		t.Fatalf("uncomplete: %v", err)
	}
	view, err = svc.GetTripInstanceSeats(ctx, "ti-1")
	if err != nil {
		t.Fatalf("seats: %v", err)
	}
	if view.TripInstance.Status != model.TripInProgress || view.TripInstance.ActualEndTime != nil {
		t.Fatalf("expected IN_PROGRESS without end time, got %+v", view.TripInstance)
	}
	if view.Segments[2].SeatsOccupied != 1 || view.Segments[2].Completed {
		t.Fatalf("expected b2's seat back on an open segment, got %+v", view.Segments[2].RouteInstance)
	}

	var types []string
	for _, evt := range st.Events() {
		types = append(types, evt.EventType)
	}
	want := []string{
		outbox.RouteInstanceCompleted, outbox.RouteInstanceCompleted, outbox.RouteInstanceCompleted,
		outbox.TripInstanceCompleted, outbox.RouteInstanceReopened,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestUncompleteRouteInstance_RequiresCompletedSegment(t *testing.T) {
	svc, _, _ := newService(t, fixture(model.TripInProgress))
	_, err := svc.UncompleteRouteInstance(context.Background(), driver, "ri-0")
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeNotCompleted {
		t.Fatalf("expected not completed rejection, got %v", err)
	}
}

func TestUncompleteRouteInstance_NotDriverMessage(t *testing.T) {
	svc, _, _ := newService(t, fixture(model.TripInProgress))
	res, err := svc.UncompleteRouteInstance(context.Background(), guest, "ri-0")
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeNotDriver {
		t.Fatalf("expected not driver rejection, got %v", err)
	}
	if res.Success || res.Message != "Only drivers can reopen route segments" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCompleteResult_JSONFieldNames(t *testing.T) {
	b, err := json.Marshal(CompleteResult{Success: true, Message: msgCompleted, AllRoutesCompleted: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"all_routes_completed":true`) {
		t.Fatalf("unexpected payload %s", b)
	}
}

func TestCompleteRouteInstance_Authorization(t *testing.T) {
	cases := []struct {
		name      string
		principal auth.Principal
		status    model.TripStatus
		code      model.RejectionCode
	}{
		{"guest", guest, model.TripInProgress, model.CodeNotDriver},
		{"unassigned driver", intruder, model.TripInProgress, model.CodeDriverNotAssigned},
		{"trip not started", driver, model.TripScheduled, model.CodeTripState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newService(t, fixture(tc.status))
			_, err := svc.CompleteRouteInstance(context.Background(), tc.principal, "ri-0")
			rej, ok := model.AsRejection(err)
			if !ok || rej.Code != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if got := segments(t, svc, "ti-1")[0]; got.Completed {
				t.Fatalf("segment completed despite rejection")
			}
		})
	}
}

func TestStartTripInstance(t *testing.T) {
	svc, _, _ := newService(t, fixture(model.TripScheduled))
	if _, err := svc.StartTripInstance(context.Background(), intruder, "ti-1"); !model.IsRejection(err) {
		t.Fatalf("expected rejection for unassigned driver, got %v", err)
	}
	ti, err := svc.StartTripInstance(context.Background(), driver, "ti-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ti.Status != model.TripInProgress || ti.ActualStartTime == nil || ti.DriverID != "driver-1" {
		t.Fatalf("unexpected instance %+v", ti)
	}
	if _, err := svc.StartTripInstance(context.Background(), driver, "ti-1"); !model.IsRejection(err) {
		t.Fatalf("expected rejection when already started, got %v", err)
	}
}

func TestCancelTripInstance_ReleasesBookings(t *testing.T) {
	f := fixture(model.TripScheduled)
	f.Bookings = append(f.Bookings, model.Booking{
		ID: "b3", TripID: "trip-1", TripInstanceID: "ti-1", GuestID: "g3",
		FromRouteIndex: 2, ToRouteIndex: 2, Seats: 2, Status: model.BookingPending,
	})
	f.RouteInstances[2].SeatHeld = 2
	svc, st, rec := newService(t, f)

	ti, err := svc.CancelTripInstance(context.Background(), "ti-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ti.Status != model.TripCancelled {
		t.Fatalf("expected CANCELLED, got %s", ti.Status)
	}
	for _, seg := range segments(t, svc, "ti-1") {
		if seg.Used() != 0 {
			t.Fatalf("segment %d still used: %+v", seg.OrderIndex, seg.RouteInstance)
		}
	}
	err = st.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		for _, id := range []string{"b1", "b2", "b3"} {
			b, err := tx.GetBooking(ctx, id)
			if err != nil {
				return err
			}
			if b.Status != model.BookingCancelled || b.Reason != "Trip cancelled" {
				t.Fatalf("booking %s: %+v", id, b)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read bookings: %v", err)
	}
	if len(rec.Seats) != 1 {
		t.Fatalf("expected one seat broadcast, got %d", len(rec.Seats))
	}

	if _, err := svc.CancelTripInstance(context.Background(), "ti-1", ""); !model.IsRejection(err) {
		t.Fatalf("expected rejection on second cancel, got %v", err)
	}
}

func TestDeleteTripInstance_DetachesBookings(t *testing.T) {
	svc, st, _ := newService(t, fixture(model.TripScheduled))
	if err := svc.DeleteTripInstance(context.Background(), "ti-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetTripInstanceSeats(context.Background(), "ti-1"); !model.IsNotFound(err) {
		t.Fatalf("expected instance gone, got %v", err)
	}
	err := st.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		ris, err := tx.ListRouteInstances(ctx, "ti-1")
		if err != nil {
			return err
		}
		if len(ris) != 0 {
			t.Fatalf("route instances not cascaded: %d", len(ris))
		}
		b, err := tx.GetBooking(ctx, "b1")
		if err != nil {
			return err
		}
		if b.TripInstanceID != "" || b.Status != model.BookingCancelled {
			t.Fatalf("unexpected booking %+v", b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func TestUpdateRouteInstanceETAs(t *testing.T) {
	svc, _, rec := newService(t, fixture(model.TripInProgress))
	out, err := svc.UpdateRouteInstanceETAs(context.Background(), []ETAUpdate{
		{RouteInstanceID: "ri-0", ETA: "2024-05-01T09:10:00Z"},
		{RouteInstanceID: "ri-1", ETA: "2024-05-01T09:25:00Z"},
	})
	if err != nil {
		t.Fatalf("update etas: %v", err)
	}
	if len(out) != 2 || out[1].ETA != "2024-05-01T09:25:00Z" {
		t.Fatalf("unexpected result %+v", out)
	}
	if len(rec.ETAs) != 2 || rec.ETAs[0].TripInstanceID != "ti-1" {
		t.Fatalf("unexpected eta broadcasts %+v", rec.ETAs)
	}

	_, err = svc.UpdateRouteInstanceETAs(context.Background(), []ETAUpdate{
		{RouteInstanceID: "ri-2", ETA: "x"},
		{RouteInstanceID: "missing", ETA: "y"},
	})
	if !model.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if segments(t, svc, "ti-1")[2].ETA != "" {
		t.Fatalf("failed batch must not write any eta")
	}
}

func TestDeleteRouteInstancesForTripInstance(t *testing.T) {
	svc, _, _ := newService(t, fixture(model.TripScheduled))
	if err := svc.DeleteRouteInstancesForTripInstance(context.Background(), "ti-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if segs := segments(t, svc, "ti-1"); len(segs) != 0 {
		t.Fatalf("expected no segments, got %d", len(segs))
	}
	if err := svc.DeleteRouteInstancesForTripInstance(context.Background(), "missing"); !model.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
