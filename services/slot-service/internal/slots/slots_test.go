package slots

import (
	"context"
	"strings"
	"testing"

	"github.com/shuttlehq/shuttle-core/libs/runtime"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/hours"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
)

const (
	testTrip  = "trip-1"
	testHotel = "hotel-1"
	testDate  = "2024-05-01"
)

func window(id string, start, end int) model.TripTime {
	return model.TripTime{ID: id, TripID: testTrip, StartTime: hours.CanonicalTime(start), EndTime: hours.CanonicalTime(end)}
}

func shuttle(id string, seats int) model.Shuttle {
	return model.Shuttle{ID: id, HotelID: testHotel, TotalSeats: seats, IsActive: true}
}

func routes() []model.Route {
	return []model.Route{
		{ID: "r0", TripID: testTrip, OrderIndex: 0},
		{ID: "r1", TripID: testTrip, OrderIndex: 1},
		{ID: "r2", TripID: testTrip, OrderIndex: 2},
	}
}

// instance builds a trip instance at hour with one route instance per used value.
func instance(id, shuttleID string, hour int, status model.TripStatus, used ...int) (model.TripInstance, []model.RouteInstance) {
	ti := model.TripInstance{
		ID:                 id,
		TripID:             testTrip,
		ShuttleID:          shuttleID,
		ScheduledDate:      testDate,
		ScheduledStartTime: hours.CanonicalTime(hour),
		ScheduledEndTime:   hours.CanonicalTime(hour + 1),
		Status:             status,
	}
	var ris []model.RouteInstance
	for i, u := range used {
		ris = append(ris, model.RouteInstance{
			ID:             id + "-ri" + string(rune('0'+i)),
			TripInstanceID: id,
			RouteID:        "r" + string(rune('0'+i)),
			OrderIndex:     i,
			SeatsOccupied:  u,
		})
	}
	return ti, ris
}

func newFinder(f storage.Fixture) *Finder {
	st := storage.NewMemoryStore()
	st.Seed(f)
	return NewFinder(st, nil, runtime.DiscardLogger())
}

func request(desired string, seats int) Request {
	return Request{TripID: testTrip, HotelID: testHotel, Date: testDate, DesiredTime: desired, Seats: seats}
}

func TestFindBestAvailableSlot_FreshInstance(t *testing.T) {
	f := newFinder(storage.Fixture{
		Trips:     []model.Trip{{ID: testTrip, HotelID: testHotel}},
		TripTimes: []model.TripTime{window("tt-1", 9, 12)},
		Shuttles:  []model.Shuttle{shuttle("s1", 4)},
	})

	res, err := f.FindBestAvailableSlot(context.Background(), request("09:30", 2))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !res.Found || res.Slot == nil {
		t.Fatalf("expected a slot, got %+v", res)
	}
	if res.Slot.StartTime != "1970-01-01T09:00:00.000Z" || res.Slot.EndTime != "1970-01-01T10:00:00.000Z" {
		t.Fatalf("unexpected slot window: %s-%s", res.Slot.StartTime, res.Slot.EndTime)
	}
	if res.Slot.ShuttleID != "s1" || res.Slot.TripTimeID != "tt-1" {
		t.Fatalf("unexpected slot: %+v", res.Slot)
	}
	if res.Slot.ExistingTripInstanceID != "" {
		t.Fatalf("expected a fresh instance, got %s", res.Slot.ExistingTripInstanceID)
	}
}

func TestFindBestAvailableSlot_AdvancesPastFullHour(t *testing.T) {
	ti, ris := instance("ti-9", "s1", 9, model.TripScheduled, 3)
	f := newFinder(storage.Fixture{
		Trips:          []model.Trip{{ID: testTrip, HotelID: testHotel}},
		TripTimes:      []model.TripTime{window("tt-1", 9, 12)},
		Shuttles:       []model.Shuttle{shuttle("s1", 4)},
		TripInstances:  []model.TripInstance{ti},
		RouteInstances: ris,
	})

	res, err := f.FindBestAvailableSlot(context.Background(), request("09:30", 2))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !res.Found {
		t.Fatalf("expected the search to continue, got %+v", res)
	}
	if res.Slot.StartTime != hours.CanonicalTime(10) || res.Slot.ExistingTripInstanceID != "" {
		t.Fatalf("expected a fresh 10:00 slot, got %+v", res.Slot)
	}

	one, err := f.FindBestAvailableSlot(context.Background(), request("09:00", 1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !one.Found || one.Slot.ExistingTripInstanceID != "ti-9" {
		t.Fatalf("expected the last free seat at 09:00 on ti-9, got %+v", one)
	}
}

func TestFindBestAvailableSlot_StopsAtGap(t *testing.T) {
	ti, ris := instance("ti-13", "s1", 13, model.TripScheduled, 4)
	f := newFinder(storage.Fixture{
		Trips:          []model.Trip{{ID: testTrip, HotelID: testHotel}},
		TripTimes:      []model.TripTime{window("tt-1", 9, 14), window("tt-2", 15, 16)},
		Shuttles:       []model.Shuttle{shuttle("s1", 4)},
		TripInstances:  []model.TripInstance{ti},
		RouteInstances: ris,
	})

	res, err := f.FindBestAvailableSlot(context.Background(), request("13:30", 1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Found || res.Slot != nil {
		t.Fatalf("expected rejection, got slot %+v", res.Slot)
	}
	want := "Shuttle full at 13:00–14:00 and no service available at 14:00"
	if res.Reason != want {
		t.Fatalf("reason = %q, want %q", res.Reason, want)
	}
}

func TestFindBestAvailableSlot_Reasons(t *testing.T) {
	base := storage.Fixture{
		Trips:     []model.Trip{{ID: testTrip, HotelID: testHotel}, {ID: "trip-empty", HotelID: testHotel}},
		TripTimes: []model.TripTime{window("tt-1", 9, 12)},
	}
	withShuttle := base
	withShuttle.Shuttles = []model.Shuttle{shuttle("s1", 4)}

	cases := []struct {
		name    string
		fixture storage.Fixture
		req     Request
		want    string
	}{
		{"missing trip", withShuttle, Request{TripID: "nope", Date: testDate, DesiredTime: "09:00", Seats: 1}, ReasonTripNotFound},
		{"no trip times", withShuttle, Request{TripID: "trip-empty", Date: testDate, DesiredTime: "09:00", Seats: 1}, ReasonNoTimeSlots},
		{"before service", withShuttle, request("08:59", 1), "No service available at 08:00"},
		{"after service", withShuttle, request("12:00", 1), "No service available at 12:00"},
		{"no shuttles", base, request("10:00", 1), ReasonNoShuttles},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := newFinder(tc.fixture).FindBestAvailableSlot(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if res.Found || res.Reason != tc.want {
				t.Fatalf("got %+v, want reason %q", res, tc.want)
			}
		})
	}
}

func TestFindBestAvailableSlot_StaysWithinTripHotel(t *testing.T) {
	f := newFinder(storage.Fixture{
		Trips:     []model.Trip{{ID: testTrip, HotelID: testHotel}},
		TripTimes: []model.TripTime{window("tt-1", 9, 12)},
		Shuttles: []model.Shuttle{
			{ID: "foreign", HotelID: "hotel-2", TotalSeats: 10, IsActive: true},
		},
	})
	req := request("10:00", 1)
	req.HotelID = "hotel-2"
	if _, err := f.FindBestAvailableSlot(context.Background(), req); !model.IsValidation(err) {
		t.Fatalf("expected validation error for hotel mismatch, got %v", err)
	}

	req.HotelID = ""
	res, err := f.FindBestAvailableSlot(context.Background(), req)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Found || res.Reason != ReasonNoShuttles {
		t.Fatalf("another hotel's shuttle must not be used, got %+v", res)
	}
}

func TestFindBestAvailableSlot_LastCoveredHourFull(t *testing.T) {
	ti, ris := instance("ti-11", "s1", 11, model.TripScheduled, 4)
	f := newFinder(storage.Fixture{
		Trips:          []model.Trip{{ID: testTrip, HotelID: testHotel}},
		TripTimes:      []model.TripTime{window("tt-1", 9, 12)},
		Shuttles:       []model.Shuttle{shuttle("s1", 4)},
		TripInstances:  []model.TripInstance{ti},
		RouteInstances: ris,
	})
	res, err := f.FindBestAvailableSlot(context.Background(), request("11:15", 1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !strings.HasPrefix(res.Reason, "Shuttle full at 11:00–12:00") {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestFindBestAvailableSlot_ValidatesInput(t *testing.T) {
	f := newFinder(storage.Fixture{})
	for _, req := range []Request{
		request("09:00", 0),
		request("half past nine", 1),
		{TripID: testTrip, Date: "01/05/2024", DesiredTime: "09:00", Seats: 1},
		{TripID: testTrip, Date: testDate, DesiredTime: "09:00", Seats: 1, Range: &model.RouteRange{From: 2, To: 1}},
	} {
		if _, err := f.FindBestAvailableSlot(context.Background(), req); !model.IsValidation(err) {
			t.Fatalf("request %+v: expected validation error, got %v", req, err)
		}
	}
}

func TestFindBestAvailableSlot_RangeBottleneck(t *testing.T) {
	ti, ris := instance("ti-9", "s1", 9, model.TripScheduled, 0, 4, 0)
	f := newFinder(storage.Fixture{
		Trips:          []model.Trip{{ID: testTrip, HotelID: testHotel}},
		TripTimes:      []model.TripTime{window("tt-1", 9, 12)},
		Routes:         routes(),
		Shuttles:       []model.Shuttle{shuttle("s1", 4)},
		TripInstances:  []model.TripInstance{ti},
		RouteInstances: ris,
	})

	req := request("09:00", 2)
	req.Range = &model.RouteRange{From: 2, To: 2}
	res, err := f.FindBestAvailableSlot(context.Background(), req)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !res.Found || res.Slot.ExistingTripInstanceID != "ti-9" {
		t.Fatalf("segment 2 is free, expected ti-9: %+v", res)
	}

	req.Range = &model.RouteRange{From: 0, To: 1}
	res, err = f.FindBestAvailableSlot(context.Background(), req)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !res.Found || res.Slot.StartTime != hours.CanonicalTime(10) {
		t.Fatalf("segment 1 is full, expected 10:00: %+v", res)
	}
}

func TestCheckSlot_FirstFitByOrder(t *testing.T) {
	full, ris := instance("ti-b", "big", 9, model.TripScheduled, 10)
	st := storage.NewMemoryStore()
	st.Seed(storage.Fixture{
		Shuttles:       []model.Shuttle{shuttle("big", 10), shuttle("small", 2)},
		TripInstances:  []model.TripInstance{full},
		RouteInstances: ris,
	})

	var avail Availability
	err := st.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		avail, err = CheckSlot(ctx, tx, SlotQuery{
			TripID:   testTrip,
			Date:     testDate,
			Start:    hours.CanonicalTime(9),
			End:      hours.CanonicalTime(10),
			Shuttles: []model.Shuttle{shuttle("small", 2), shuttle("big", 10)},
			Seats:    1,
		})
		return err
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !avail.Available || avail.ShuttleID != "small" || avail.ExistingTripInstanceID != "" {
		t.Fatalf("expected first listed shuttle, got %+v", avail)
	}
}

func TestCheckSlot_SkipsStartedInstances(t *testing.T) {
	for _, status := range []model.TripStatus{model.TripInProgress, model.TripCompleted, model.TripCancelled} {
		ti, ris := instance("ti", "s1", 9, status)
		st := storage.NewMemoryStore()
		st.Seed(storage.Fixture{TripInstances: []model.TripInstance{ti}, RouteInstances: ris})

		err := st.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			avail, err := CheckSlot(ctx, tx, SlotQuery{
				TripID:   testTrip,
				Date:     testDate,
				Start:    hours.CanonicalTime(9),
				End:      hours.CanonicalTime(10),
				Shuttles: []model.Shuttle{shuttle("s1", 4)},
				Seats:    1,
			})
			if err != nil {
				return err
			}
			if avail.Available {
				t.Fatalf("status %s: shuttle should be skipped", status)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("check: %v", err)
		}
	}
}

func TestRanker_TightestFit(t *testing.T) {
	roomy, roomyRIs := instance("ti-a", "a", 9, model.TripScheduled, 1)
	tight, tightRIs := instance("ti-b", "b", 9, model.TripScheduled, 5)
	started, startedRIs := instance("ti-c", "c", 9, model.TripInProgress, 0)
	st := storage.NewMemoryStore()
	st.Seed(storage.Fixture{
		Shuttles: []model.Shuttle{
			shuttle("a", 8), shuttle("b", 8), shuttle("c", 8), shuttle("d", 8),
			{ID: "inactive", HotelID: testHotel, TotalSeats: 3},
		},
		TripInstances:  []model.TripInstance{roomy, tight, started},
		RouteInstances: append(append(roomyRIs, tightRIs...), startedRIs...),
	})
	r := NewRanker(st)

	req := RankRequest{HotelID: testHotel, Date: testDate, StartTime: "09:00", EndTime: "10:00", Seats: 2}
	ranked, err := r.Rank(context.Background(), req)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	var got []string
	for _, c := range ranked {
		got = append(got, c.ShuttleID)
	}
	if strings.Join(got, ",") != "b,a,d" {
		t.Fatalf("ranking = %v, want b,a,d", got)
	}

	id, err := r.GetAvailableShuttle(context.Background(), req)
	if err != nil || id != "b" {
		t.Fatalf("GetAvailableShuttle = %q, %v", id, err)
	}

	req.Seats = 4
	id, err = r.GetAvailableShuttle(context.Background(), req)
	if err != nil || id != "a" {
		t.Fatalf("with 4 seats GetAvailableShuttle = %q, %v", id, err)
	}

	req.Seats = 9
	id, err = r.GetAvailableShuttle(context.Background(), req)
	if err != nil || id != "" {
		t.Fatalf("oversized request should find nothing, got %q, %v", id, err)
	}
}

func TestRanker_RangeBottleneck(t *testing.T) {
	ti, ris := instance("ti-a", "a", 9, model.TripScheduled, 4, 0, 0)
	st := storage.NewMemoryStore()
	st.Seed(storage.Fixture{
		Shuttles:       []model.Shuttle{shuttle("a", 4)},
		TripInstances:  []model.TripInstance{ti},
		RouteInstances: ris,
	})
	r := NewRanker(st)

	req := RankRequest{
		HotelID:   testHotel,
		Date:      testDate,
		StartTime: hours.CanonicalTime(9),
		EndTime:   hours.CanonicalTime(10),
		Seats:     3,
		Range:     &model.RouteRange{From: 1, To: 2},
	}
	id, err := r.GetAvailableShuttle(context.Background(), req)
	if err != nil || id != "a" {
		t.Fatalf("segments 1-2 are free, got %q, %v", id, err)
	}
	req.Range = nil
	id, err = r.GetAvailableShuttle(context.Background(), req)
	if err != nil || id != "" {
		t.Fatalf("segment 0 is full, got %q, %v", id, err)
	}
}
