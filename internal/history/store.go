// Package history persists finished Pomodoro intervals in SQLite and
// aggregates them for the statistics and calendar views.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
)

const dayLayout = "2006-01-02"

// Record is one finished or interrupted interval.
type Record struct {
	ID        string        `json:"id"`
	TimerID   string        `json:"timerId"`
	Label     string        `json:"label"`
	Kind      string        `json:"kind"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Planned   time.Duration `json:"-"`
	Actual    time.Duration `json:"-"`
	Completed bool          `json:"completed"`
}

// MarshalJSON reports durations in milliseconds.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		plain
		PlannedMs int64 `json:"plannedMs"`
		ActualMs  int64 `json:"actualMs"`
	}{plain(r), r.Planned.Milliseconds(), r.Actual.Milliseconds()})
}

// Stats summarizes records in a time window.
type Stats struct {
	TotalSessions     int           `json:"totalSessions"`
	CompletedSessions int           `json:"completedSessions"`
	CompletedWork     int           `json:"completedWork"`
	FocusTime         time.Duration `json:"-"`
	AverageDuration   time.Duration `json:"-"`
}

// MarshalJSON reports durations in milliseconds.
func (s Stats) MarshalJSON() ([]byte, error) {
	type plain Stats
	return json.Marshal(struct {
		plain
		FocusMs   int64 `json:"focusMs"`
		AverageMs int64 `json:"averageMs"`
	}{plain(s), s.FocusTime.Milliseconds(), s.AverageDuration.Milliseconds()})
}

// DayCount is the number of completed work intervals on one calendar day.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Store is a SQLite-backed record store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pomodoro_records (
			id TEXT PRIMARY KEY,
			timer_id TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			planned_ms INTEGER NOT NULL,
			actual_ms INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			day TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create pomodoro_records: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_records_ended_at ON pomodoro_records(ended_at)`)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Save inserts a record, assigning an ID when it has none.
func (s *Store) Save(r *Record) error {
	if r.ID == "" {
		r.ID = xid.New().String()
	}

	completed := 0
	if r.Completed {
		completed = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO pomodoro_records
			(id, timer_id, label, kind, started_at, ended_at, planned_ms, actual_ms, completed, day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TimerID, r.Label, r.Kind,
		r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(),
		r.Planned.Milliseconds(), r.Actual.Milliseconds(),
		completed, r.EndedAt.Local().Format(dayLayout))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *Store) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, timer_id, label, kind, started_at, ended_at, planned_ms, actual_ms, completed
		FROM pomodoro_records
		ORDER BY ended_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			r                   Record
			started, ended      int64
			plannedMs, actualMs int64
			completed           int
		)
		if err := rows.Scan(&r.ID, &r.TimerID, &r.Label, &r.Kind,
			&started, &ended, &plannedMs, &actualMs, &completed); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.EndedAt = time.UnixMilli(ended).UTC()
		r.Planned = time.Duration(plannedMs) * time.Millisecond
		r.Actual = time.Duration(actualMs) * time.Millisecond
		r.Completed = completed != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats aggregates records that ended at or after since.
func (s *Store) Stats(since time.Time) (Stats, error) {
	var (
		st          Stats
		focusMs     sql.NullInt64
		completedMs sql.NullInt64
	)

	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(completed), 0),
			COALESCE(SUM(CASE WHEN completed = 1 AND kind = 'work' THEN 1 ELSE 0 END), 0),
			SUM(CASE WHEN kind = 'work' THEN actual_ms ELSE 0 END),
			SUM(CASE WHEN completed = 1 THEN actual_ms ELSE 0 END)
		FROM pomodoro_records
		WHERE ended_at >= ?
	`, since.UnixMilli()).Scan(&st.TotalSessions, &st.CompletedSessions, &st.CompletedWork, &focusMs, &completedMs)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}

	st.FocusTime = time.Duration(focusMs.Int64) * time.Millisecond
	if st.CompletedSessions > 0 {
		st.AverageDuration = time.Duration(completedMs.Int64/int64(st.CompletedSessions)) * time.Millisecond
	}
	return st, nil
}

// Daily returns completed work counts per local calendar day in [from, to],
// oldest first. Days without records are omitted.
func (s *Store) Daily(from, to time.Time) ([]DayCount, error) {
	rows, err := s.db.Query(`
		SELECT day, COUNT(*)
		FROM pomodoro_records
		WHERE completed = 1 AND kind = 'work' AND day >= ? AND day <= ?
		GROUP BY day
		ORDER BY day
	`, from.Local().Format(dayLayout), to.Local().Format(dayLayout))
	if err != nil {
		return nil, fmt.Errorf("query daily counts: %w", err)
	}
	defer rows.Close()

	counts := make([]DayCount, 0)
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		counts = append(counts, dc)
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
