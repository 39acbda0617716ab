package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shuttlehq/shuttle-core/libs/db"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/outbox"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgresStore(pool *db.Pool, outboxRepo *outbox.Repository) *PostgresStore {
	return &PostgresStore{pool: pool, outbox: outboxRepo}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx, outbox: s.outbox})
	})
	if retryable(err) && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return db.ReadyCheck(s.pool)(ctx)
}

// Migrate applies the embedded schema files in name order.
func Migrate(ctx context.Context, pool *db.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

// translate maps driver errors onto the package sentinels.
func translate(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23P01") {
		return fmt.Errorf("%s %s: %w: %s", kind, id, ErrConflict, pgErr.ConstraintName)
	}
	if retryable(err) {
		return fmt.Errorf("%s %s: %w: %w", kind, id, ErrConflict, err)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

// retryable reports deadlocks and serialization failures. The caller may
// simply run the operation again.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40P01" || pgErr.Code == "40001")
}

// Row locks are always taken trip instance first, then its route instances,
// then its bookings. Lookups by child id lock the parent before the child.
const (
	lockParentOfRouteInstance = `
		SELECT 1 FROM trip_instances
		WHERE id = (SELECT trip_instance_id FROM route_instances WHERE id = $1)
		FOR UPDATE`
	lockParentOfBooking = `
		SELECT 1 FROM trip_instances
		WHERE id = (SELECT trip_instance_id FROM bookings WHERE id = $1)
		FOR UPDATE`
	lockTripInstance = `SELECT 1 FROM trip_instances WHERE id = $1 FOR UPDATE`
)

func (t *pgTx) lock(ctx context.Context, query, id string) error {
	_, err := t.tx.Exec(ctx, query, id)
	return err
}

func (t *pgTx) GetTrip(ctx context.Context, id string) (model.Trip, error) {
	var trip model.Trip
	err := t.tx.QueryRow(ctx, `
		SELECT id, hotel_id, name, from_location, to_location
		FROM trips
		WHERE id = $1
	`, id).Scan(&trip.ID, &trip.HotelID, &trip.Name, &trip.FromLocation, &trip.ToLocation)
	return trip, translate(err, "trip", id)
}

func (t *pgTx) ListTripTimes(ctx context.Context, tripID string) ([]model.TripTime, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, trip_id, COALESCE(shuttle_id, ''), start_time, end_time
		FROM trip_times
		WHERE trip_id = $1
		ORDER BY created_at, id
	`, tripID)
	if err != nil {
		return nil, translate(err, "trip times", tripID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TripTime, error) {
		var tt model.TripTime
		err := row.Scan(&tt.ID, &tt.TripID, &tt.ShuttleID, &tt.StartTime, &tt.EndTime)
		return tt, err
	})
	return out, translate(err, "trip times", tripID)
}

func (t *pgTx) ListRoutes(ctx context.Context, tripID string) ([]model.Route, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, trip_id, order_index, start_location, end_location, charges
		FROM routes
		WHERE trip_id = $1
		ORDER BY order_index
	`, tripID)
	if err != nil {
		return nil, translate(err, "routes", tripID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Route, error) {
		var r model.Route
		err := row.Scan(&r.ID, &r.TripID, &r.OrderIndex, &r.StartLocation, &r.EndLocation, &r.Charges)
		return r, err
	})
	return out, translate(err, "routes", tripID)
}

const shuttleColumns = `id, hotel_id, vehicle_number, total_seats, is_active, COALESCE(currently_assigned_to, '')`

func scanShuttle(row pgx.Row) (model.Shuttle, error) {
	var sh model.Shuttle
	err := row.Scan(&sh.ID, &sh.HotelID, &sh.VehicleNumber, &sh.TotalSeats, &sh.IsActive, &sh.CurrentlyAssignedTo)
	return sh, err
}

func (t *pgTx) ListActiveShuttles(ctx context.Context, hotelID string) ([]model.Shuttle, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+shuttleColumns+`
		FROM shuttles
		WHERE hotel_id = $1 AND is_active
		ORDER BY created_at, id
	`, hotelID)
	if err != nil {
		return nil, translate(err, "shuttles", hotelID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Shuttle, error) {
		return scanShuttle(row)
	})
	return out, translate(err, "shuttles", hotelID)
}

func (t *pgTx) GetShuttle(ctx context.Context, id string) (model.Shuttle, error) {
	sh, err := scanShuttle(t.tx.QueryRow(ctx, `SELECT `+shuttleColumns+` FROM shuttles WHERE id = $1`, id))
	return sh, translate(err, "shuttle", id)
}

func (t *pgTx) LockSlot(ctx context.Context, tripID, date string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "slot:"+tripID+":"+date)
	return translate(err, "slot lock", tripID)
}

const tripInstanceColumns = `id, trip_id, COALESCE(shuttle_id, ''), COALESCE(driver_id, ''), scheduled_date,
	scheduled_start_time, scheduled_end_time, status, actual_start_time, actual_end_time,
	driver_latitude, driver_longitude, created_at`

func scanTripInstance(row pgx.Row) (model.TripInstance, error) {
	var ti model.TripInstance
	err := row.Scan(&ti.ID, &ti.TripID, &ti.ShuttleID, &ti.DriverID, &ti.ScheduledDate,
		&ti.ScheduledStartTime, &ti.ScheduledEndTime, &ti.Status, &ti.ActualStartTime, &ti.ActualEndTime,
		&ti.DriverLatitude, &ti.DriverLongitude, &ti.CreatedAt)
	return ti, err
}

func (t *pgTx) FindTripInstance(ctx context.Context, key SlotKey) (model.TripInstance, error) {
	ti, err := scanTripInstance(t.tx.QueryRow(ctx, `
		SELECT `+tripInstanceColumns+`
		FROM trip_instances
		WHERE trip_id = $1 AND shuttle_id = $2 AND scheduled_date = $3
			AND scheduled_start_time = $4 AND scheduled_end_time = $5
		ORDER BY created_at
		LIMIT 1
	`, key.TripID, key.ShuttleID, key.Date, key.Start, key.End))
	return ti, translate(err, "trip instance", key.TripID+"/"+key.ShuttleID)
}

func (t *pgTx) FindShuttleInstance(ctx context.Context, shuttleID, date, start, end string) (model.TripInstance, error) {
	ti, err := scanTripInstance(t.tx.QueryRow(ctx, `
		SELECT `+tripInstanceColumns+`
		FROM trip_instances
		WHERE shuttle_id = $1 AND scheduled_date = $2
			AND scheduled_start_time = $3 AND scheduled_end_time = $4
		ORDER BY created_at
		LIMIT 1
	`, shuttleID, date, start, end))
	return ti, translate(err, "trip instance", shuttleID)
}

func (t *pgTx) GetTripInstance(ctx context.Context, id string) (model.TripInstance, error) {
	ti, err := scanTripInstance(t.tx.QueryRow(ctx, `
		SELECT `+tripInstanceColumns+`
		FROM trip_instances
		WHERE id = $1
		FOR UPDATE
	`, id))
	return ti, translate(err, "trip instance", id)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *pgTx) InsertTripInstance(ctx context.Context, ti *model.TripInstance) error {
	if ti.ID == "" {
		ti.ID = uuid.NewString()
	}
	if ti.Status == "" {
		ti.Status = model.TripScheduled
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO trip_instances
			(id, trip_id, shuttle_id, driver_id, scheduled_date, scheduled_start_time, scheduled_end_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, ti.ID, ti.TripID, nullIfEmpty(ti.ShuttleID), nullIfEmpty(ti.DriverID), ti.ScheduledDate,
		ti.ScheduledStartTime, ti.ScheduledEndTime, ti.Status).Scan(&ti.CreatedAt)
	return translate(err, "trip instance", ti.ID)
}

func (t *pgTx) UpdateTripInstance(ctx context.Context, ti model.TripInstance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE trip_instances
		SET driver_id = $2,
			status = $3,
			actual_start_time = $4,
			actual_end_time = $5,
			driver_latitude = $6,
			driver_longitude = $7,
			updated_at = now()
		WHERE id = $1
	`, ti.ID, nullIfEmpty(ti.DriverID), ti.Status, ti.ActualStartTime, ti.ActualEndTime,
		ti.DriverLatitude, ti.DriverLongitude)
	if err == nil && tag.RowsAffected() == 0 {
		err = pgx.ErrNoRows
	}
	return translate(err, "trip instance", ti.ID)
}

func (t *pgTx) DeleteTripInstance(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM trip_instances WHERE id = $1`, id)
	if err == nil && tag.RowsAffected() == 0 {
		err = pgx.ErrNoRows
	}
	return translate(err, "trip instance", id)
}

const routeInstanceColumns = `id, trip_instance_id, route_id, order_index, seats_occupied, seat_held, completed, eta`

func scanRouteInstance(row pgx.Row) (model.RouteInstance, error) {
	var ri model.RouteInstance
	err := row.Scan(&ri.ID, &ri.TripInstanceID, &ri.RouteID, &ri.OrderIndex, &ri.SeatsOccupied,
		&ri.SeatHeld, &ri.Completed, &ri.ETA)
	return ri, err
}

func (t *pgTx) ListRouteInstances(ctx context.Context, tripInstanceID string) ([]model.RouteInstance, error) {
	if err := t.lock(ctx, lockTripInstance, tripInstanceID); err != nil {
		return nil, translate(err, "trip instance", tripInstanceID)
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+routeInstanceColumns+`
		FROM route_instances
		WHERE trip_instance_id = $1
		ORDER BY order_index
		FOR UPDATE
	`, tripInstanceID)
	if err != nil {
		return nil, translate(err, "route instances", tripInstanceID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RouteInstance, error) {
		return scanRouteInstance(row)
	})
	return out, translate(err, "route instances", tripInstanceID)
}

func (t *pgTx) GetRouteInstance(ctx context.Context, id string) (model.RouteInstance, error) {
	if err := t.lock(ctx, lockParentOfRouteInstance, id); err != nil {
		return model.RouteInstance{}, translate(err, "route instance", id)
	}
	ri, err := scanRouteInstance(t.tx.QueryRow(ctx, `
		SELECT `+routeInstanceColumns+`
		FROM route_instances
		WHERE id = $1
		FOR UPDATE
	`, id))
	return ri, translate(err, "route instance", id)
}

func (t *pgTx) InsertRouteInstances(ctx context.Context, ris []model.RouteInstance) error {
	batch := &pgx.Batch{}
	for i := range ris {
		if ris[i].ID == "" {
			ris[i].ID = uuid.NewString()
		}
		ri := ris[i]
		batch.Queue(`
			INSERT INTO route_instances
				(id, trip_instance_id, route_id, order_index, seats_occupied, seat_held, completed, eta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, ri.ID, ri.TripInstanceID, ri.RouteID, ri.OrderIndex, ri.SeatsOccupied, ri.SeatHeld, ri.Completed, ri.ETA)
	}
	if batch.Len() == 0 {
		return nil
	}
	err := t.tx.SendBatch(ctx, batch).Close()
	if len(ris) > 0 {
		return translate(err, "route instances", ris[0].TripInstanceID)
	}
	return err
}

func (t *pgTx) UpdateRouteInstance(ctx context.Context, ri model.RouteInstance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE route_instances
		SET seats_occupied = $2,
			seat_held = $3,
			completed = $4,
			eta = $5,
			updated_at = now()
		WHERE id = $1
	`, ri.ID, ri.SeatsOccupied, ri.SeatHeld, ri.Completed, ri.ETA)
	if err == nil && tag.RowsAffected() == 0 {
		err = pgx.ErrNoRows
	}
	return translate(err, "route instance", ri.ID)
}

func (t *pgTx) DeleteRouteInstances(ctx context.Context, tripInstanceID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM route_instances WHERE trip_instance_id = $1`, tripInstanceID)
	return translate(err, "route instances", tripInstanceID)
}

const bookingColumns = `id, trip_id, COALESCE(trip_instance_id, ''), guest_id, scheduled_date,
	from_route_index, to_route_index, seats, status, hold_expires_at, reason, created_at, updated_at`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	err := row.Scan(&b.ID, &b.TripID, &b.TripInstanceID, &b.GuestID, &b.ScheduledDate,
		&b.FromRouteIndex, &b.ToRouteIndex, &b.Seats, &b.Status, &b.HoldExpiresAt, &b.Reason,
		&b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (t *pgTx) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	if err := t.lock(ctx, lockParentOfBooking, id); err != nil {
		return model.Booking{}, translate(err, "booking", id)
	}
	b, err := scanBooking(t.tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
		FOR UPDATE
	`, id))
	return b, translate(err, "booking", id)
}

func (t *pgTx) ListBookings(ctx context.Context, tripInstanceID string) ([]model.Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE trip_instance_id = $1
		ORDER BY created_at, id
		FOR UPDATE
	`, tripInstanceID)
	if err != nil {
		return nil, translate(err, "bookings", tripInstanceID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Booking, error) {
		return scanBooking(row)
	})
	return out, translate(err, "bookings", tripInstanceID)
}

func (t *pgTx) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'PENDING' AND hold_expires_at <= $1
		ORDER BY hold_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, translate(err, "bookings", "expired")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Booking, error) {
		return scanBooking(row)
	})
	return out, translate(err, "bookings", "expired")
}

func (t *pgTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO bookings
			(id, trip_id, trip_instance_id, guest_id, scheduled_date, from_route_index, to_route_index,
			 seats, status, hold_expires_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, b.ID, b.TripID, nullIfEmpty(b.TripInstanceID), b.GuestID, b.ScheduledDate, b.FromRouteIndex,
		b.ToRouteIndex, b.Seats, b.Status, b.HoldExpiresAt, b.Reason).Scan(&b.CreatedAt, &b.UpdatedAt)
	return translate(err, "booking", b.ID)
}

func (t *pgTx) UpdateBooking(ctx context.Context, b model.Booking) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET trip_instance_id = $2,
			status = $3,
			hold_expires_at = $4,
			reason = $5,
			updated_at = now()
		WHERE id = $1
	`, b.ID, nullIfEmpty(b.TripInstanceID), b.Status, b.HoldExpiresAt, b.Reason)
	if err == nil && tag.RowsAffected() == 0 {
		err = pgx.ErrNoRows
	}
	return translate(err, "booking", b.ID)
}

func (t *pgTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return translate(t.outbox.Insert(ctx, t.tx, evt), "outbox event", evt.EventType)
}
