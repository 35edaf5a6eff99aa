package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const dbPingTimeout = 5 * time.Second

// PostgresStore keeps the event log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection. The schema must already exist
// (see MigratePostgres).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects using dsn and verifies the connection.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStore(db), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) RecordEvent(ctx context.Context, e *Event) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ab_events (event_type, variant, section, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		string(e.EventType), string(e.Variant), nullableSection(e.Section), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (s *PostgresStore) EventsSince(ctx context.Context, since time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, variant, section, created_at
		 FROM ab_events WHERE created_at >= $1 ORDER BY created_at DESC, id DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var section sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.Variant, &section, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if section.Valid {
			e.Section = &section.String
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

func (s *PostgresStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ab_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// MigrateDirection selects which way MigratePostgres moves the schema.
type MigrateDirection string

const (
	MigrateUp   MigrateDirection = "up"
	MigrateDown MigrateDirection = "down"
)

// MigratePostgres applies the embedded schema migrations. It returns
// changed=false when the schema was already at the target version.
func MigratePostgres(db *sql.DB, direction MigrateDirection) (changed bool, err error) {
	if direction != MigrateUp && direction != MigrateDown {
		return false, fmt.Errorf("invalid direction %q (must be \"up\" or \"down\")", direction)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return false, fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	if err != nil {
		return false, fmt.Errorf("failed to create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return false, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if direction == MigrateUp {
		err = m.Up()
	} else {
		err = m.Down()
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migration %s failed: %w", direction, err)
	}
	return true, nil
}
