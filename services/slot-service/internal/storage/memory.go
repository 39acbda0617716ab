package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/outbox"
)

// MemoryStore keeps everything in process. A transaction works on a copy of
// the state under one mutex and swaps it in on success, so transactions are
// serialisable. Used for local runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	trips          map[string]model.Trip
	tripTimes      []model.TripTime
	routes         []model.Route
	shuttles       []model.Shuttle
	instances      map[string]model.TripInstance
	routeInstances map[string]model.RouteInstance
	bookings       map[string]model.Booking
	events         []outbox.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			trips:          map[string]model.Trip{},
			instances:      map[string]model.TripInstance{},
			routeInstances: map[string]model.RouteInstance{},
			bookings:       map[string]model.Booking{},
		},
		now: time.Now,
	}
}

func (s *memState) clone() *memState {
	return &memState{
		trips:          maps.Clone(s.trips),
		tripTimes:      slices.Clone(s.tripTimes),
		routes:         slices.Clone(s.routes),
		shuttles:       slices.Clone(s.shuttles),
		instances:      maps.Clone(s.instances),
		routeInstances: maps.Clone(s.routeInstances),
		bookings:       maps.Clone(s.bookings),
		events:         slices.Clone(s.events),
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{state: m.state.clone(), now: m.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Seed loads reference data and optional runtime rows.
func (m *MemoryStore) Seed(f Fixture) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state
	for _, t := range f.Trips {
		st.trips[t.ID] = t
	}
	st.tripTimes = append(st.tripTimes, f.TripTimes...)
	st.routes = append(st.routes, f.Routes...)
	st.shuttles = append(st.shuttles, f.Shuttles...)
	for _, ti := range f.TripInstances {
		if ti.Status == "" {
			ti.Status = model.TripScheduled
		}
		st.instances[ti.ID] = ti
	}
	for _, ri := range f.RouteInstances {
		st.routeInstances[ri.ID] = ri
	}
	for _, b := range f.Bookings {
		st.bookings[b.ID] = b
	}
}

// SetShuttle inserts or replaces a shuttle, keeping its registration position.
func (m *MemoryStore) SetShuttle(sh model.Shuttle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.shuttles {
		if m.state.shuttles[i].ID == sh.ID {
			m.state.shuttles[i] = sh
			return
		}
	}
	m.state.shuttles = append(m.state.shuttles, sh)
}

// Events returns the events appended by committed transactions.
func (m *MemoryStore) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.events)
}

type memTx struct {
	state *memState
	now   func() time.Time
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func (t *memTx) GetTrip(_ context.Context, id string) (model.Trip, error) {
	trip, ok := t.state.trips[id]
	if !ok {
		return model.Trip{}, notFound("trip", id)
	}
	return trip, nil
}

func (t *memTx) ListTripTimes(_ context.Context, tripID string) ([]model.TripTime, error) {
	var out []model.TripTime
	for _, tt := range t.state.tripTimes {
		if tt.TripID == tripID {
			out = append(out, tt)
		}
	}
	return out, nil
}

func (t *memTx) ListRoutes(_ context.Context, tripID string) ([]model.Route, error) {
	var out []model.Route
	for _, r := range t.state.routes {
		if r.TripID == tripID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (t *memTx) ListActiveShuttles(_ context.Context, hotelID string) ([]model.Shuttle, error) {
	var out []model.Shuttle
	for _, sh := range t.state.shuttles {
		if sh.HotelID == hotelID && sh.IsActive {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (t *memTx) GetShuttle(_ context.Context, id string) (model.Shuttle, error) {
	for _, sh := range t.state.shuttles {
		if sh.ID == id {
			return sh, nil
		}
	}
	return model.Shuttle{}, notFound("shuttle", id)
}

func (t *memTx) LockSlot(context.Context, string, string) error { return nil }

func (t *memTx) FindTripInstance(_ context.Context, key SlotKey) (model.TripInstance, error) {
	for _, ti := range t.sortedInstances() {
		if ti.TripID == key.TripID && ti.ShuttleID == key.ShuttleID && ti.ScheduledDate == key.Date &&
			ti.ScheduledStartTime == key.Start && ti.ScheduledEndTime == key.End {
			return ti, nil
		}
	}
	return model.TripInstance{}, notFound("trip instance", key.TripID+"/"+key.ShuttleID+"/"+key.Date+"/"+key.Start)
}

func (t *memTx) FindShuttleInstance(_ context.Context, shuttleID, date, start, end string) (model.TripInstance, error) {
	for _, ti := range t.sortedInstances() {
		if ti.ShuttleID == shuttleID && ti.ScheduledDate == date &&
			ti.ScheduledStartTime == start && ti.ScheduledEndTime == end {
			return ti, nil
		}
	}
	return model.TripInstance{}, notFound("trip instance", shuttleID+"/"+date+"/"+start)
}

func (t *memTx) sortedInstances() []model.TripInstance {
	out := slices.Collect(maps.Values(t.state.instances))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) GetTripInstance(_ context.Context, id string) (model.TripInstance, error) {
	ti, ok := t.state.instances[id]
	if !ok {
		return model.TripInstance{}, notFound("trip instance", id)
	}
	return ti, nil
}

func (t *memTx) InsertTripInstance(_ context.Context, ti *model.TripInstance) error {
	for _, other := range t.state.instances {
		if other.TripID == ti.TripID && other.ShuttleID == ti.ShuttleID &&
			other.ScheduledDate == ti.ScheduledDate && other.ScheduledStartTime == ti.ScheduledStartTime {
			return fmt.Errorf("trip instance for %s/%s at %s %s: %w", ti.TripID, ti.ShuttleID, ti.ScheduledDate, ti.ScheduledStartTime, ErrConflict)
		}
	}
	if ti.ID == "" {
		ti.ID = uuid.NewString()
	}
	if ti.CreatedAt.IsZero() {
		ti.CreatedAt = t.now().UTC()
	}
	t.state.instances[ti.ID] = *ti
	return nil
}

func (t *memTx) UpdateTripInstance(_ context.Context, ti model.TripInstance) error {
	if _, ok := t.state.instances[ti.ID]; !ok {
		return notFound("trip instance", ti.ID)
	}
	t.state.instances[ti.ID] = ti
	return nil
}

func (t *memTx) DeleteTripInstance(_ context.Context, id string) error {
	if _, ok := t.state.instances[id]; !ok {
		return notFound("trip instance", id)
	}
	delete(t.state.instances, id)
	for rid, ri := range t.state.routeInstances {
		if ri.TripInstanceID == id {
			delete(t.state.routeInstances, rid)
		}
	}
	for bid, b := range t.state.bookings {
		if b.TripInstanceID == id {
			b.TripInstanceID = ""
			t.state.bookings[bid] = b
		}
	}
	return nil
}

func (t *memTx) ListRouteInstances(_ context.Context, tripInstanceID string) ([]model.RouteInstance, error) {
	var out []model.RouteInstance
	for _, ri := range t.state.routeInstances {
		if ri.TripInstanceID == tripInstanceID {
			out = append(out, ri)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (t *memTx) GetRouteInstance(_ context.Context, id string) (model.RouteInstance, error) {
	ri, ok := t.state.routeInstances[id]
	if !ok {
		return model.RouteInstance{}, notFound("route instance", id)
	}
	return ri, nil
}

func (t *memTx) InsertRouteInstances(_ context.Context, ris []model.RouteInstance) error {
	for i := range ris {
		for _, other := range t.state.routeInstances {
			if other.TripInstanceID == ris[i].TripInstanceID && other.OrderIndex == ris[i].OrderIndex {
				return fmt.Errorf("route instance %d of %s: %w", ris[i].OrderIndex, ris[i].TripInstanceID, ErrConflict)
			}
		}
		if ris[i].ID == "" {
			ris[i].ID = uuid.NewString()
		}
		t.state.routeInstances[ris[i].ID] = ris[i]
	}
	return nil
}

func (t *memTx) UpdateRouteInstance(_ context.Context, ri model.RouteInstance) error {
	if _, ok := t.state.routeInstances[ri.ID]; !ok {
		return notFound("route instance", ri.ID)
	}
	t.state.routeInstances[ri.ID] = ri
	return nil
}

func (t *memTx) DeleteRouteInstances(_ context.Context, tripInstanceID string) error {
	for id, ri := range t.state.routeInstances {
		if ri.TripInstanceID == tripInstanceID {
			delete(t.state.routeInstances, id)
		}
	}
	return nil
}

func (t *memTx) GetBooking(_ context.Context, id string) (model.Booking, error) {
	b, ok := t.state.bookings[id]
	if !ok {
		return model.Booking{}, notFound("booking", id)
	}
	return b, nil
}

func (t *memTx) ListBookings(_ context.Context, tripInstanceID string) ([]model.Booking, error) {
	var out []model.Booking
	for _, b := range t.state.bookings {
		if b.TripInstanceID == tripInstanceID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]model.Booking, error) {
	var out []model.Booking
	for _, b := range t.state.bookings {
		if b.Status == model.BookingPending && b.HoldExpiresAt != nil && !b.HoldExpiresAt.After(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldExpiresAt.Before(*out[j].HoldExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertBooking(_ context.Context, b *model.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, ok := t.state.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s: %w", b.ID, ErrConflict)
	}
	now := t.now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	t.state.bookings[b.ID] = *b
	return nil
}

func (t *memTx) UpdateBooking(_ context.Context, b model.Booking) error {
	if _, ok := t.state.bookings[b.ID]; !ok {
		return notFound("booking", b.ID)
	}
	b.UpdatedAt = t.now().UTC()
	t.state.bookings[b.ID] = b
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	t.state.events = append(t.state.events, evt)
	return nil
}
