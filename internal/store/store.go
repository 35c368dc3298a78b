// Package store keeps the accident logbook in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/rakshak-ai/accident-monitor/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// TimestampLayout is how accident times are stored and reported.
const TimestampLayout = "2006-01-02 15:04:05"

// Accident is one logbook row.
type Accident struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Severity    int       `json:"severity"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
}

// Row returns the accident as [id, timestamp, latitude, longitude, severity,
// description], the shape the dashboard consumes.
func (a Accident) Row() []any {
	return []any{a.ID, a.Timestamp.Format(TimestampLayout), a.Latitude, a.Longitude, a.Severity, a.Description}
}

// Store is the accident logbook.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// migrations. ":memory:" gives a private in-memory logbook.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared *sql.DB.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (s *Store) Version() (uint, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, err
	}
	v, dirty, err := m.Version()
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty", v)
	}
	return v, nil
}

// LogAccident inserts a. A zero Timestamp means now.
func (s *Store) LogAccident(ctx context.Context, a Accident) (int64, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if a.Description == "" {
		a.Description = "Accident detected"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accidents (timestamp, latitude, longitude, severity, description, event_id, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Timestamp.Local().Format(TimestampLayout), a.Latitude, a.Longitude, a.Severity, a.Description, a.EventID, a.Source)
	if err != nil {
		return 0, fmt.Errorf("log accident: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logger.Debug("Store", "Logged accident #%d severity=%d source=%s", id, a.Severity, a.Source)
	return id, nil
}

// Logs returns accidents newest first. limit <= 0 returns all of them.
func (s *Store) Logs(ctx context.Context, limit int) ([]Accident, error) {
	q := `SELECT id, timestamp, latitude, longitude, severity, description, event_id, source
	      FROM accidents ORDER BY timestamp DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	out := []Accident{}
	for rows.Next() {
		var a Accident
		var ts string
		if err := rows.Scan(&a.ID, &ts, &a.Latitude, &a.Longitude, &a.Severity, &a.Description, &a.EventID, &a.Source); err != nil {
			return nil, err
		}
		if a.Timestamp, err = time.ParseInLocation(TimestampLayout, ts, time.Local); err != nil {
			return nil, fmt.Errorf("accident %d: bad timestamp %q: %w", a.ID, ts, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the number of logged accidents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accidents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accidents: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	logger.Debug("Store", "[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool {
	return false
}
