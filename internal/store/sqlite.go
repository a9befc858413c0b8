// Package store persists recorded sessions: a SQLite database of sessions
// and sampled data points, and a directory of FIT activity files.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chaz8081/rowbridge/internal/fit"
	"github.com/chaz8081/rowbridge/internal/metrics"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("store: session not found")

const timeLayout = time.RFC3339Nano

// SessionRow is one row of the sessions table.
type SessionRow struct {
	ID            string
	Sport         fit.Sport
	StartTime     time.Time
	EndTime       *time.Time
	TotalDistance metrics.Value
	TotalStrokes  metrics.Value
	TotalCalories metrics.Value
	AveragePower  metrics.Value
	MaxPower      metrics.Value
	Completed     bool
}

// SQLiteStore keeps sessions and data points in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single connection keeps writes serialized.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  sport INTEGER NOT NULL,
  start_time TEXT NOT NULL,
  end_time TEXT,
  total_distance INTEGER,
  total_strokes INTEGER,
  total_calories INTEGER,
  average_power INTEGER,
  max_power INTEGER,
  completed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS data_points (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  timestamp_ms INTEGER NOT NULL,
  elapsed_seconds INTEGER,
  stroke_count INTEGER,
  stroke_rate INTEGER,
  distance INTEGER,
  calories INTEGER,
  heart_rate INTEGER,
  power INTEGER,
  gear INTEGER,
  raw_hex TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS data_points_session ON data_points(session_id, timestamp_ms);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts an open session.
func (s *SQLiteStore) CreateSession(ctx context.Context, id string, sport fit.Sport, start time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, sport, start_time) VALUES (?, ?, ?)`,
		id, int(sport), start.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

// nullable maps an absent reading to SQL NULL.
func nullable(v metrics.Value) sql.NullInt64 {
	n, ok := v.Get()
	return sql.NullInt64{Int64: int64(n), Valid: ok}
}

func valueOf(n sql.NullInt64) metrics.Value {
	if !n.Valid {
		return metrics.Value{}
	}
	return metrics.Some(int(n.Int64))
}

// AddDataPoint appends one sampled frame to a session.
func (s *SQLiteStore) AddDataPoint(ctx context.Context, id string, m metrics.RowingMetrics) error {
	const stmt = `
INSERT INTO data_points (session_id, timestamp_ms, elapsed_seconds, stroke_count, stroke_rate,
  distance, calories, heart_rate, power, gear, raw_hex)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, stmt,
		id,
		m.TimestampMs,
		nullable(m.ElapsedSeconds),
		nullable(m.StrokeCount),
		nullable(m.StrokeRate),
		nullable(m.DistanceMeters),
		nullable(m.Calories),
		nullable(m.HeartRateBpm),
		nullable(m.PowerWatts),
		nullable(m.GearLevel),
		m.RawHex,
	)
	if err != nil {
		return fmt.Errorf("store: insert data point: %w", err)
	}
	return nil
}

// CompleteSession writes the aggregates of a finalized session.
func (s *SQLiteStore) CompleteSession(ctx context.Context, fs *fit.Session) error {
	if fs.Open() {
		return fit.ErrSessionOpen
	}
	const stmt = `
UPDATE sessions SET
  end_time = ?,
  total_distance = ?,
  total_strokes = ?,
  total_calories = ?,
  average_power = ?,
  max_power = ?,
  completed = 1
WHERE id = ?;
`
	res, err := s.db.ExecContext(ctx, stmt,
		fs.EndTime.UTC().Format(timeLayout),
		nullable(fs.TotalDistance),
		nullable(fs.TotalStrokes),
		nullable(fs.TotalCalories),
		nullable(fs.AveragePower),
		nullable(fs.MaxPower),
		fs.ID,
	)
	if err != nil {
		return fmt.Errorf("store: complete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, fs.ID)
	}
	return nil
}

// Session returns one session row.
func (s *SQLiteStore) Session(ctx context.Context, id string) (SessionRow, error) {
	const q = `
SELECT id, sport, start_time, end_time, total_distance, total_strokes, total_calories,
  average_power, max_power, completed
FROM sessions WHERE id = ?;
`
	var (
		row       SessionRow
		sport     int
		start     string
		end       sql.NullString
		totals    [5]sql.NullInt64
		completed int
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&row.ID, &sport, &start, &end,
		&totals[0], &totals[1], &totals[2], &totals[3], &totals[4], &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return SessionRow{}, fmt.Errorf("store: query session: %w", err)
	}
	row.Sport = fit.Sport(sport)
	row.Completed = completed != 0
	row.TotalDistance = valueOf(totals[0])
	row.TotalStrokes = valueOf(totals[1])
	row.TotalCalories = valueOf(totals[2])
	row.AveragePower = valueOf(totals[3])
	row.MaxPower = valueOf(totals[4])
	if row.StartTime, err = time.Parse(timeLayout, start); err != nil {
		return SessionRow{}, fmt.Errorf("store: parse start_time: %w", err)
	}
	if end.Valid {
		t, err := time.Parse(timeLayout, end.String)
		if err != nil {
			return SessionRow{}, fmt.Errorf("store: parse end_time: %w", err)
		}
		row.EndTime = &t
	}
	return row, nil
}

// DataPoints returns a session's data points in timestamp order.
func (s *SQLiteStore) DataPoints(ctx context.Context, id string) ([]metrics.RowingMetrics, error) {
	const q = `
SELECT timestamp_ms, elapsed_seconds, stroke_count, stroke_rate, distance, calories,
  heart_rate, power, gear, raw_hex
FROM data_points WHERE session_id = ? ORDER BY timestamp_ms, id;
`
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("store: query data points: %w", err)
	}
	defer rows.Close()

	var out []metrics.RowingMetrics
	for rows.Next() {
		var (
			m      metrics.RowingMetrics
			fields [8]sql.NullInt64
		)
		err := rows.Scan(&m.TimestampMs, &fields[0], &fields[1], &fields[2], &fields[3],
			&fields[4], &fields[5], &fields[6], &fields[7], &m.RawHex)
		if err != nil {
			return nil, fmt.Errorf("store: scan data point: %w", err)
		}
		targets := []*metrics.Value{&m.ElapsedSeconds, &m.StrokeCount, &m.StrokeRate,
			&m.DistanceMeters, &m.Calories, &m.HeartRateBpm, &m.PowerWatts, &m.GearLevel}
		for i, v := range targets {
			*v = valueOf(fields[i])
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate data points: %w", err)
	}
	return out, nil
}
