package broadcast

import (
	"testing"

	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
)

func TestSubjectSanitisesTokens(t *testing.T) {
	cases := map[string]string{
		"ti-1":      "shuttle.ti-1.seats",
		"a.b":       "shuttle.a_b.seats",
		" x *> y ":  "shuttle.x____y.seats",
		"":          "shuttle._.seats",
		"route/one": "shuttle.route_one.seats",
	}
	for in, want := range cases {
		if got := Subject("shuttle", in, "seats"); got != want {
			t.Fatalf("Subject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewSeatsMessage(t *testing.T) {
	ti := model.TripInstance{ID: "ti-1", Status: model.TripInProgress}
	msg := NewSeatsMessage(ti, []model.RouteInstance{
		{ID: "ri-0", OrderIndex: 0, SeatsOccupied: 2, SeatHeld: 1},
		{ID: "ri-1", OrderIndex: 1, Completed: true},
	})
	if msg.TripInstanceID != "ti-1" || msg.Status != "IN_PROGRESS" || len(msg.Segments) != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Segments[0].SeatHeld != 1 || !msg.Segments[1].Completed {
		t.Fatalf("segments not copied: %+v", msg.Segments)
	}
}
