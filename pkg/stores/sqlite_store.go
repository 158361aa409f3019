package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/reservoir/reservoir/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// OpenSQLite creates, initializes and migrates a store in one call.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := "file:" + s.cfg.Path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database answers queries.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// expectRow turns a zero-row update into a NOT_FOUND error.
func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return nil
}

// Leases

const leaseColumns = `id, name, owner, start_date, end_date, status, degraded, created_at, updated_at`

// CreateLease inserts the lease, its reservations and its events atomically.
func (s *SQLiteStore) CreateLease(ctx context.Context, lease *engine.Lease) error {
	now := time.Now().UTC()
	if lease.CreatedAt.IsZero() {
		lease.CreatedAt = now
	}
	lease.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO leases (`+leaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lease.ID, lease.Name, lease.Owner,
			formatTime(lease.StartDate), formatTime(lease.EndDate),
			string(lease.Status), boolInt(lease.Degraded),
			formatTime(lease.CreatedAt), formatTime(lease.UpdatedAt),
		)
		if isUniqueViolation(err) {
			return alreadyExists("lease", lease.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert lease: %w", err)
		}

		for i := range lease.Reservations {
			if err := insertReservation(ctx, tx, &lease.Reservations[i]); err != nil {
				return err
			}
		}
		for i := range lease.Events {
			if err := insertEvent(ctx, tx, &lease.Events[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLease returns a lease with its reservations and events.
func (s *SQLiteStore) GetLease(ctx context.Context, id string) (*engine.Lease, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = ?`, id)
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("lease", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	if lease.Reservations, err = s.ListReservations(ctx, id); err != nil {
		return nil, err
	}
	if lease.Events, err = s.ListEvents(ctx, id); err != nil {
		return nil, err
	}
	return lease, nil
}

// ListLeases returns leases ordered by ID, without children.
func (s *SQLiteStore) ListLeases(ctx context.Context, filter engine.LeaseFilter) ([]*engine.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE 1=1`
	var args []interface{}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()

	var leases []*engine.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

// UpdateLease persists name and dates. Status and the degraded flag have
// their own writers.
func (s *SQLiteStore) UpdateLease(ctx context.Context, lease *engine.Lease) error {
	lease.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET name = ?, start_date = ?, end_date = ?, updated_at = ? WHERE id = ?`,
		lease.Name, formatTime(lease.StartDate), formatTime(lease.EndDate),
		formatTime(lease.UpdatedAt), lease.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update lease: %w", err)
	}
	return expectRow(res, "lease", lease.ID)
}

// UpdateLeaseStatus persists a lease status.
func (s *SQLiteStore) UpdateLeaseStatus(ctx context.Context, id string, status engine.LeaseStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update lease status: %w", err)
	}
	return expectRow(res, "lease", id)
}

// UpdateLeaseStatusIf moves a lease from one status to another only while it
// still holds from.
func (s *SQLiteStore) UpdateLeaseStatusIf(ctx context.Context, id string, from, to engine.LeaseStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(time.Now()), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update lease status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM leases WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, engine.NewNotFoundError("lease", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get lease: %w", err)
	}
	return false, nil
}

// SetLeaseDegraded writes the degraded flag alone.
func (s *SQLiteStore) SetLeaseDegraded(ctx context.Context, id string, degraded bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET degraded = ?, updated_at = ? WHERE id = ?`,
		boolInt(degraded), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update lease: %w", err)
	}
	return expectRow(res, "lease", id)
}

// DeleteLease removes the lease. Reservations, events, details and
// allocations go with it through ON DELETE CASCADE.
func (s *SQLiteStore) DeleteLease(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return expectRow(res, "lease", id)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(row scanner) (*engine.Lease, error) {
	var (
		l                                engine.Lease
		status                           string
		degraded                         int
		start, end, createdAt, updatedAt string
	)
	if err := row.Scan(&l.ID, &l.Name, &l.Owner, &start, &end, &status, &degraded, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.Status = engine.LeaseStatus(status)
	l.Degraded = degraded != 0
	return &l, parseTimes(
		timeField{&l.StartDate, start},
		timeField{&l.EndDate, end},
		timeField{&l.CreatedAt, createdAt},
		timeField{&l.UpdatedAt, updatedAt},
	)
}

type timeField struct {
	dst *time.Time
	raw string
}

func parseTimes(fields ...timeField) error {
	for _, f := range fields {
		t, err := parseTime(f.raw)
		if err != nil {
			return err
		}
		*f.dst = t
	}
	return nil
}

// Reservations

const reservationColumns = `id, lease_id, resource_type, resource_id, status, missing_resources, resources_changed, request_values, created_at, updated_at`

func insertReservation(ctx context.Context, q querier, r *engine.Reservation) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	values, err := encodeJSON(r.Values)
	if err != nil {
		return fmt.Errorf("failed to encode reservation values: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LeaseID, r.ResourceType, r.ResourceID, string(r.Status),
		boolInt(r.MissingResources), boolInt(r.ResourcesChanged), values,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return alreadyExists("reservation", r.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// CreateReservation inserts a reservation for an existing lease.
func (s *SQLiteStore) CreateReservation(ctx context.Context, r *engine.Reservation) error {
	return insertReservation(ctx, s.db, r)
}

// GetReservation returns a reservation by ID.
func (s *SQLiteStore) GetReservation(ctx context.Context, id string) (*engine.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("reservation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// ListReservations returns the reservations of a lease ordered by ID.
func (s *SQLiteStore) ListReservations(ctx context.Context, leaseID string) ([]engine.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE lease_id = ? ORDER BY id`, leaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []engine.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateReservation persists every mutable reservation field.
func (s *SQLiteStore) UpdateReservation(ctx context.Context, r *engine.Reservation) error {
	values, err := encodeJSON(r.Values)
	if err != nil {
		return fmt.Errorf("failed to encode reservation values: %w", err)
	}
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE reservations SET resource_id = ?, status = ?, missing_resources = ?, resources_changed = ?,
		 request_values = ?, updated_at = ? WHERE id = ?`,
		r.ResourceID, string(r.Status), boolInt(r.MissingResources), boolInt(r.ResourcesChanged),
		values, formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return expectRow(res, "reservation", r.ID)
}

func scanReservation(row scanner) (*engine.Reservation, error) {
	var (
		r                    engine.Reservation
		status, values       string
		missing, changed     int
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.LeaseID, &r.ResourceType, &r.ResourceID, &status,
		&missing, &changed, &values, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Status = engine.ReservationStatus(status)
	r.MissingResources = missing != 0
	r.ResourcesChanged = changed != 0
	if values != "" && values != "{}" {
		if err := json.Unmarshal([]byte(values), &r.Values); err != nil {
			return nil, fmt.Errorf("failed to decode reservation values: %w", err)
		}
	}
	return &r, parseTimes(timeField{&r.CreatedAt, createdAt}, timeField{&r.UpdatedAt, updatedAt})
}

// Events

const eventColumns = `id, lease_id, event_type, time, status, claimed_at, attempts, last_error, created_at, updated_at`

func insertEvent(ctx context.Context, q querier, e *engine.Event) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := q.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LeaseID, string(e.EventType), formatTime(e.Time), string(e.Status),
		formatTimePtr(e.ClaimedAt), e.Attempts, e.LastError,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return alreadyExists("event", e.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// CreateEvent inserts an event for an existing lease.
func (s *SQLiteStore) CreateEvent(ctx context.Context, e *engine.Event) error {
	return insertEvent(ctx, s.db, e)
}

// GetEvent returns an event by ID.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*engine.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("event", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// ListEvents returns the events of a lease in time order.
func (s *SQLiteStore) ListEvents(ctx context.Context, leaseID string) ([]engine.Event, error) {
	return s.queryEvents(ctx, `WHERE lease_id = ?`, leaseID)
}

// UpdateEvent persists status, time, claim and attempt bookkeeping.
func (s *SQLiteStore) UpdateEvent(ctx context.Context, e *engine.Event) error {
	e.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET time = ?, status = ?, claimed_at = ?, attempts = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		formatTime(e.Time), string(e.Status), formatTimePtr(e.ClaimedAt), e.Attempts, e.LastError,
		formatTime(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return expectRow(res, "event", e.ID)
}

// ListDueEvents returns UNDONE events with time <= now, oldest first.
func (s *SQLiteStore) ListDueEvents(ctx context.Context, now time.Time) ([]engine.Event, error) {
	return s.queryEvents(ctx, `WHERE status = ? AND time <= ?`,
		string(engine.EventStatusUndone), formatTime(now))
}

// ListStaleEvents returns IN_PROGRESS events claimed before claimedBefore.
func (s *SQLiteStore) ListStaleEvents(ctx context.Context, claimedBefore time.Time) ([]engine.Event, error) {
	return s.queryEvents(ctx, `WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(engine.EventStatusInProgress), formatTime(claimedBefore))
}

// ClaimEvent flips an UNDONE event to IN_PROGRESS. Only one caller wins.
func (s *SQLiteStore) ClaimEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, claimed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(engine.EventStatusInProgress), formatTime(now), formatTime(now),
		id, string(engine.EventStatusUndone),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ReclaimEvent refreshes a stale IN_PROGRESS claim. Only one caller wins.
func (s *SQLiteStore) ReclaimEvent(ctx context.Context, id string, staleBefore, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		formatTime(now), formatTime(now),
		id, string(engine.EventStatusInProgress), formatTime(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, where string, args ...interface{}) ([]engine.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events `+where+` ORDER BY time, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []engine.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEvent(row scanner) (*engine.Event, error) {
	var (
		e                     engine.Event
		eventType, status, at string
		claimedAt             sql.NullString
		createdAt, updatedAt  string
	)
	if err := row.Scan(&e.ID, &e.LeaseID, &eventType, &at, &status, &claimedAt,
		&e.Attempts, &e.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.EventType = engine.EventType(eventType)
	e.Status = engine.EventStatus(status)
	if claimedAt.Valid {
		t, err := parseTime(claimedAt.String)
		if err != nil {
			return nil, err
		}
		e.ClaimedAt = &t
	}
	return &e, parseTimes(
		timeField{&e.Time, at},
		timeField{&e.CreatedAt, createdAt},
		timeField{&e.UpdatedAt, updatedAt},
	)
}

// Reservation details

const detailColumns = `id, reservation_id, resource_type, spec, group_id, created_at, updated_at`

// CreateDetail inserts a plugin detail record.
func (s *SQLiteStore) CreateDetail(ctx context.Context, d *engine.ReservationDetail) error {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reservation_details (`+detailColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ReservationID, d.ResourceType, specText(d.Spec), d.GroupID,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return alreadyExists("detail", d.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert detail: %w", err)
	}
	return nil
}

// GetDetail returns a detail record by ID.
func (s *SQLiteStore) GetDetail(ctx context.Context, id string) (*engine.ReservationDetail, error) {
	var (
		d                    engine.ReservationDetail
		spec                 string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+detailColumns+` FROM reservation_details WHERE id = ?`, id).
		Scan(&d.ID, &d.ReservationID, &d.ResourceType, &spec, &d.GroupID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("detail", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detail: %w", err)
	}
	d.Spec = json.RawMessage(spec)
	return &d, parseTimes(timeField{&d.CreatedAt, createdAt}, timeField{&d.UpdatedAt, updatedAt})
}

// UpdateDetail persists the spec and group of a detail record.
func (s *SQLiteStore) UpdateDetail(ctx context.Context, d *engine.ReservationDetail) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE reservation_details SET spec = ?, group_id = ?, updated_at = ? WHERE id = ?`,
		specText(d.Spec), d.GroupID, formatTime(d.UpdatedAt), d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update detail: %w", err)
	}
	return expectRow(res, "detail", d.ID)
}

// DeleteDetail removes a detail record. Missing records are ignored.
func (s *SQLiteStore) DeleteDetail(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reservation_details WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete detail: %w", err)
	}
	return nil
}

func specText(spec json.RawMessage) string {
	if len(spec) == 0 {
		return "{}"
	}
	return string(spec)
}

// Allocations

const allocationColumns = `id, reservation_id, unit_id, exclusive, usage, created_at`

// CreateAllocations inserts all allocations or none.
func (s *SQLiteStore) CreateAllocations(ctx context.Context, allocations []engine.Allocation) error {
	if len(allocations) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAllocations(ctx, tx, allocations)
	})
}

// BookAllocations checks the bookings other reservations hold on the units of
// allocations and inserts them in the same transaction. The store opens
// transactions with BEGIN IMMEDIATE, so the check sees every booking
// committed before the insert.
func (s *SQLiteStore) BookAllocations(ctx context.Context, allocations []engine.Allocation, start, end time.Time, check engine.BookingCheck) error {
	if len(allocations) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := queryBookings(ctx, tx, unitsOf(allocations), start, end)
		if err != nil {
			return err
		}
		if err := check(othersOf(existing, allocations)); err != nil {
			return err
		}
		return insertAllocations(ctx, tx, allocations)
	})
}

func insertAllocations(ctx context.Context, q querier, allocations []engine.Allocation) error {
	now := time.Now().UTC()
	for i := range allocations {
		a := &allocations[i]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		usage, err := encodeJSON(a.Usage)
		if err != nil {
			return fmt.Errorf("failed to encode usage: %w", err)
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO allocations (`+allocationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.ReservationID, a.UnitID, boolInt(a.Exclusive), usage, formatTime(a.CreatedAt),
		)
		if isUniqueViolation(err) {
			return alreadyExists("allocation", a.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert allocation: %w", err)
		}
	}
	return nil
}

// ListAllocations returns the allocations of a reservation.
func (s *SQLiteStore) ListAllocations(ctx context.Context, reservationID string) ([]engine.Allocation, error) {
	return s.queryAllocations(ctx, `WHERE reservation_id = ?`, reservationID)
}

// ListAllocationsByUnit returns every allocation on a unit.
func (s *SQLiteStore) ListAllocationsByUnit(ctx context.Context, unitID string) ([]engine.Allocation, error) {
	return s.queryAllocations(ctx, `WHERE unit_id = ?`, unitID)
}

// DeleteAllocations removes allocations by ID. Missing IDs are ignored.
func (s *SQLiteStore) DeleteAllocations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`DELETE FROM allocations WHERE id IN `, ids)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete allocations: %w", err)
	}
	return nil
}

// SwapAllocation moves an allocation to another unit.
func (s *SQLiteStore) SwapAllocation(ctx context.Context, allocationID, unitID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE allocations SET unit_id = ? WHERE id = ?`, unitID, allocationID)
	if err != nil {
		return fmt.Errorf("failed to swap allocation: %w", err)
	}
	return expectRow(res, "allocation", allocationID)
}

// GetBookingsByUnitIDs returns the bookings on the given units whose lease
// window overlaps [start, end), skipping deleted reservations.
func (s *SQLiteStore) GetBookingsByUnitIDs(ctx context.Context, unitIDs []string, start, end time.Time) ([]engine.Booking, error) {
	return queryBookings(ctx, s.db, unitIDs, start, end)
}

func queryBookings(ctx context.Context, q querier, unitIDs []string, start, end time.Time) ([]engine.Booking, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}
	query, args := inClause(`
		SELECT a.id, a.unit_id, a.reservation_id, r.lease_id, r.status,
		       l.start_date, l.end_date, a.exclusive, a.usage
		FROM allocations a
		JOIN reservations r ON r.id = a.reservation_id
		JOIN leases l ON l.id = r.lease_id
		WHERE a.unit_id IN `, unitIDs)
	query += ` AND r.status != ? AND l.start_date < ? AND l.end_date > ? ORDER BY l.start_date, a.id`
	args = append(args, string(engine.ReservationStatusDeleted), formatTime(end), formatTime(start))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []engine.Booking
	for rows.Next() {
		var (
			b             engine.Booking
			status, usage string
			bStart, bEnd  string
			exclusive     int
		)
		if err := rows.Scan(&b.AllocationID, &b.UnitID, &b.ReservationID, &b.LeaseID, &status,
			&bStart, &bEnd, &exclusive, &usage); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.Status = engine.ReservationStatus(status)
		b.Exclusive = exclusive != 0
		if err := decodeUsage(usage, &b.Usage); err != nil {
			return nil, err
		}
		if err := parseTimes(timeField{&b.Start, bStart}, timeField{&b.End, bEnd}); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryAllocations(ctx context.Context, where string, args ...interface{}) ([]engine.Allocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []engine.Allocation
	for rows.Next() {
		var (
			a                engine.Allocation
			exclusive        int
			usage, createdAt string
		)
		if err := rows.Scan(&a.ID, &a.ReservationID, &a.UnitID, &exclusive, &usage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.Exclusive = exclusive != 0
		if err := decodeUsage(usage, &a.Usage); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func decodeUsage(raw string, dst *engine.Resources) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to decode usage: %w", err)
	}
	return nil
}

func inClause(prefix string, ids []string) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = "?"
	}
	return prefix + "(" + strings.Join(marks, ", ") + ")", args
}

// Resource units

const unitColumns = `id, kind, name, attributes, capacity, reservable, created_at, updated_at`

// CreateUnit registers a resource unit. Kind and name must be unique.
func (s *SQLiteStore) CreateUnit(ctx context.Context, u *engine.ResourceUnit) error {
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	attrs, capacity, err := encodeUnit(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resource_units (`+unitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Kind, u.Name, attrs, capacity, boolInt(u.Reservable),
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return alreadyExists("unit", u.Kind+"/"+u.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert unit: %w", err)
	}
	return nil
}

// GetUnit returns a unit by ID.
func (s *SQLiteStore) GetUnit(ctx context.Context, id string) (*engine.ResourceUnit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM resource_units WHERE id = ?`, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("unit", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return u, nil
}

// ListUnits returns units ordered by kind and name.
func (s *SQLiteStore) ListUnits(ctx context.Context, filter engine.UnitFilter) ([]engine.ResourceUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM resource_units WHERE 1=1`
	var args []interface{}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.ReservableOnly {
		query += ` AND reservable = 1`
	}
	query += ` ORDER BY kind, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var out []engine.ResourceUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// UpdateUnit persists name, attributes, capacity and reservability.
func (s *SQLiteStore) UpdateUnit(ctx context.Context, u *engine.ResourceUnit) error {
	attrs, capacity, err := encodeUnit(u)
	if err != nil {
		return err
	}
	u.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE resource_units SET name = ?, attributes = ?, capacity = ?, reservable = ?, updated_at = ?
		 WHERE id = ?`,
		u.Name, attrs, capacity, boolInt(u.Reservable), formatTime(u.UpdatedAt), u.ID,
	)
	if isUniqueViolation(err) {
		return alreadyExists("unit", u.Kind+"/"+u.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update unit: %w", err)
	}
	return expectRow(res, "unit", u.ID)
}

// DeleteUnit removes a unit that holds no allocations.
func (s *SQLiteStore) DeleteUnit(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations WHERE unit_id = ?`, id).Scan(&n); err != nil {
			return fmt.Errorf("failed to count allocations: %w", err)
		}
		if n > 0 {
			return inUse(id)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM resource_units WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete unit: %w", err)
		}
		return expectRow(res, "unit", id)
	})
}

func encodeUnit(u *engine.ResourceUnit) (string, string, error) {
	attrs, err := encodeJSON(u.Attributes)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	capacity, err := encodeJSON(u.Capacity)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode capacity: %w", err)
	}
	return attrs, capacity, nil
}

func scanUnit(row scanner) (*engine.ResourceUnit, error) {
	var (
		u                    engine.ResourceUnit
		attrs, capacity      string
		reservable           int
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Kind, &u.Name, &attrs, &capacity, &reservable, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Reservable = reservable != 0
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &u.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	if err := decodeUsage(capacity, &u.Capacity); err != nil {
		return nil, err
	}
	return &u, parseTimes(timeField{&u.CreatedAt, createdAt}, timeField{&u.UpdatedAt, updatedAt})
}

var _ engine.Store = (*SQLiteStore)(nil)
