package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"meterwatch/internal/meter"
	"meterwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadLastGood(ctx context.Context) (*meter.LastGood, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		reading    float64
		observedAt sql.NullString
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT reading_m3, observed_at, updated_at FROM last_good WHERE id = 1`,
	).Scan(&reading, &observedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	lg := &meter.LastGood{Reading: reading}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		lg.UpdatedAt = t
	}
	if observedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, observedAt.String); err == nil {
			lg.ObservedAt = &t
		}
	}
	return lg, nil
}

func (s *sqliteStore) SaveLastGood(ctx context.Context, lg meter.LastGood) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_good(id, reading_m3, observed_at, updated_at) VALUES(1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   reading_m3=excluded.reading_m3,
		   observed_at=excluded.observed_at,
		   updated_at=excluded.updated_at`,
		lg.Reading, nullTime(lg.ObservedAt), lg.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AppendReading(ctx context.Context, e HistoryEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.AcceptedAt.IsZero() {
		e.AcceptedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings(reading_m3, observed_at, accepted_at) VALUES(?,?,?)`,
		e.Reading, nullTime(e.ObservedAt), e.AcceptedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecentReadings(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT reading_m3, observed_at, accepted_at FROM readings ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e          HistoryEntry
			observedAt sql.NullString
			acceptedAt string
		)
		if err := rows.Scan(&e.Reading, &observedAt, &acceptedAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, acceptedAt); err == nil {
			e.AcceptedAt = t
		}
		if observedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, observedAt.String); err == nil {
				e.ObservedAt = &t
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
