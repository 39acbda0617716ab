package model

import "time"

type TripStatus string

const (
	TripScheduled  TripStatus = "SCHEDULED"
	TripInProgress TripStatus = "IN_PROGRESS"
	TripCompleted  TripStatus = "COMPLETED"
	TripCancelled  TripStatus = "CANCELLED"
)

type BookingStatus string

const (
	BookingPending       BookingStatus = "PENDING"
	BookingConfirmed     BookingStatus = "CONFIRMED"
	BookingRejected      BookingStatus = "REJECTED"
	BookingCancelled     BookingStatus = "CANCELLED"
	BookingAutoCancelled BookingStatus = "AUTO_CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingRejected, BookingCancelled, BookingAutoCancelled:
		return true
	}
	return false
}

type Trip struct {
	ID           string `json:"id"`
	HotelID      string `json:"hotel_id"`
	Name         string `json:"name"`
	FromLocation string `json:"from_location"`
	ToLocation   string `json:"to_location"`
}

// TripTime is one operating window of a trip.
type TripTime struct {
	ID        string `json:"id"`
	TripID    string `json:"trip_id"`
	ShuttleID string `json:"shuttle_id,omitempty"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Route is one stop-to-stop segment of a trip.
type Route struct {
	ID            string  `json:"id"`
	TripID        string  `json:"trip_id"`
	OrderIndex    int     `json:"order_index"`
	StartLocation string  `json:"start_location"`
	EndLocation   string  `json:"end_location"`
	Charges       float64 `json:"charges"`
}

type Shuttle struct {
	ID                  string `json:"id"`
	HotelID             string `json:"hotel_id"`
	VehicleNumber       string `json:"vehicle_number"`
	TotalSeats          int    `json:"total_seats"`
	IsActive            bool   `json:"is_active"`
	CurrentlyAssignedTo string `json:"currently_assigned_to,omitempty"`
}

// TripInstance is a trip realised on one date, one hour slot and one shuttle.
type TripInstance struct {
	ID                 string     `json:"id"`
	TripID             string     `json:"trip_id"`
	ShuttleID          string     `json:"shuttle_id,omitempty"`
	DriverID           string     `json:"driver_id,omitempty"`
	ScheduledDate      string     `json:"scheduled_date"`
	ScheduledStartTime string     `json:"scheduled_start_time"`
	ScheduledEndTime   string     `json:"scheduled_end_time"`
	Status             TripStatus `json:"status"`
	ActualStartTime    *time.Time `json:"actual_start_time,omitempty"`
	ActualEndTime      *time.Time `json:"actual_end_time,omitempty"`
	DriverLatitude     *float64   `json:"driver_latitude,omitempty"`
	DriverLongitude    *float64   `json:"driver_longitude,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// RouteInstance is the seat ledger of one route segment of a trip instance.
type RouteInstance struct {
	ID             string `json:"id"`
	TripInstanceID string `json:"trip_instance_id"`
	RouteID        string `json:"route_id"`
	OrderIndex     int    `json:"order_index"`
	SeatsOccupied  int    `json:"seats_occupied"`
	SeatHeld       int    `json:"seat_held"`
	Completed      bool   `json:"completed"`
	ETA            string `json:"eta,omitempty"`
}

// Used is the number of seats taken on this segment.
func (ri RouteInstance) Used() int { return ri.SeatsOccupied + ri.SeatHeld }

// ApplyDelta adds the deltas, flooring each counter at zero.
func (ri *RouteInstance) ApplyDelta(heldDelta, occupiedDelta int) {
	ri.SeatHeld = max(0, ri.SeatHeld+heldDelta)
	ri.SeatsOccupied = max(0, ri.SeatsOccupied+occupiedDelta)
}

type Booking struct {
	ID             string        `json:"id"`
	TripID         string        `json:"trip_id"`
	TripInstanceID string        `json:"trip_instance_id,omitempty"`
	GuestID        string        `json:"guest_id"`
	ScheduledDate  string        `json:"scheduled_date"`
	FromRouteIndex int           `json:"from_route_index"`
	ToRouteIndex   int           `json:"to_route_index"`
	Seats          int           `json:"seats"`
	Status         BookingStatus `json:"status"`
	HoldExpiresAt  *time.Time    `json:"hold_expires_at,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RouteRange is an inclusive range of route order indexes.
type RouteRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Contains treats a nil range as covering every segment.
func (r *RouteRange) Contains(orderIndex int) bool {
	if r == nil {
		return true
	}
	return r.From <= orderIndex && orderIndex <= r.To
}

// Bottleneck returns the highest seat usage among the route instances in r.
func Bottleneck(routeInstances []RouteInstance, r *RouteRange) int {
	used := 0
	for _, ri := range routeInstances {
		if r.Contains(ri.OrderIndex) {
			used = max(used, ri.Used())
		}
	}
	return used
}
