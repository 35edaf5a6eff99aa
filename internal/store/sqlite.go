package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ab_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL CHECK (event_type IN ('whatsapp_click', 'form_submit')),
    variant TEXT NOT NULL CHECK (variant IN ('whatsapp', 'form')),
    section TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ab_events_created_at ON ab_events(created_at);
`

// OpenSQLite opens (creating if needed) the SQLite event store at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordEvent appends e and fills in its ID.
func (s *SQLiteStore) RecordEvent(ctx context.Context, e *Event) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO ab_events (event_type, variant, section, created_at) VALUES (?, ?, ?, ?)`,
		string(e.EventType), string(e.Variant), nullableSection(e.Section), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// EventsSince returns events created at or after since, newest first.
func (s *SQLiteStore) EventsSince(ctx context.Context, since time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, variant, section, created_at
		 FROM ab_events WHERE created_at >= ? ORDER BY created_at DESC, id DESC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var section sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.EventType, &e.Variant, &section, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if section.Valid {
			e.Section = &section.String
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

func (s *SQLiteStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ab_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func nullableSection(section *string) sql.NullString {
	if section == nil || *section == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *section, Valid: true}
}
