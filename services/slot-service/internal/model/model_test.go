package model

import "testing"

func TestApplyDeltaNeverNegative(t *testing.T) {
	ri := RouteInstance{SeatHeld: 2, SeatsOccupied: 1}
	steps := [][2]int{{-5, 0}, {3, -4}, {-1, 2}, {0, -10}, {4, 4}, {-4, -4}, {-9, 0}}
	for i, s := range steps {
		ri.ApplyDelta(s[0], s[1])
		if ri.SeatHeld < 0 || ri.SeatsOccupied < 0 {
			t.Fatalf("step %d produced negative counters: %+v", i, ri)
		}
	}
	if ri.SeatHeld != 0 || ri.SeatsOccupied != 0 {
		t.Fatalf("unexpected final counters: %+v", ri)
	}
}

func TestBottleneckRespectsRange(t *testing.T) {
	ris := []RouteInstance{
		{OrderIndex: 0, SeatsOccupied: 1},
		{OrderIndex: 1, SeatsOccupied: 3, SeatHeld: 1},
		{OrderIndex: 2, SeatHeld: 2},
	}
	if got := Bottleneck(ris, nil); got != 4 {
		t.Fatalf("full range bottleneck = %d, want 4", got)
	}
	if got := Bottleneck(ris, &RouteRange{From: 2, To: 2}); got != 2 {
		t.Fatalf("last segment bottleneck = %d, want 2", got)
	}
	if got := Bottleneck(nil, nil); got != 0 {
		t.Fatalf("no segments = %d, want 0", got)
	}
}

func TestRejectionHelpers(t *testing.T) {
	err := Reject(CodeDriverNotAssigned, "Driver is not assigned to this shuttle")
	rej, ok := AsRejection(err)
	if !ok || !rej.Authorization() || rej.Error() != "Driver is not assigned to this shuttle" {
		t.Fatalf("unexpected rejection %+v", rej)
	}
	if IsNotFound(err) || IsValidation(err) {
		t.Fatal("rejection misclassified")
	}
	if !BookingAutoCancelled.Terminal() || BookingConfirmed.Terminal() {
		t.Fatal("terminal statuses wrong")
	}
}
