package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
)

// Fixture is seed data for the in-memory store.
type Fixture struct {
	Trips          []model.Trip          `json:"trips"`
	TripTimes      []model.TripTime      `json:"trip_times"`
	Routes         []model.Route         `json:"routes"`
	Shuttles       []model.Shuttle       `json:"shuttles"`
	TripInstances  []model.TripInstance  `json:"trip_instances"`
	RouteInstances []model.RouteInstance `json:"route_instances"`
	Bookings       []model.Booking       `json:"bookings"`
}

// LoadFixture reads a JSON fixture file.
func LoadFixture(path string) (Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, err
	}
	var f Fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture %s: %w", path, err)
	}
	return f, nil
}
