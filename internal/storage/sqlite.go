package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	logx "autoelect/pkg/logx"
)

//go:embed migrations.sql
var schema string

const (
	insertAttempt = `INSERT INTO attempts
		(at_ms, part, course_id, course, outcome, enrolled, captcha, message, error, took_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectRecent = `SELECT at_ms, part, course_id, course, outcome, enrolled, captcha, message, error, took_ms
		FROM attempts ORDER BY id DESC LIMIT ?`
	upsertDedup = `INSERT INTO dedup (key, until_ms) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET until_ms = excluded.until_ms`
	selectDedup = `SELECT until_ms FROM dedup WHERE key = ? AND until_ms > ?`
	pruneDedup  = `DELETE FROM dedup WHERE until_ms <= ?`
)

// sqliteStore uses the pure-Go modernc driver, so the binary stays cgo-free.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(path string, cfg Config, log logx.Logger) (Store, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway and WAL readers are fast enough.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), busy)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, pruneDedup, time.Now().UnixMilli()); err != nil {
		log.Debug("dedup prune failed", logx.Err(err))
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) AppendAttempt(ctx context.Context, e AttemptEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var enrolled sql.NullInt64
	if e.Enrolled != nil {
		enrolled = sql.NullInt64{Int64: int64(*e.Enrolled), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, insertAttempt,
		e.At.UnixMilli(), e.Partition, e.CourseID, e.Course, e.Outcome,
		enrolled, e.Captcha, e.Message, e.Error, e.TookMS,
	)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]AttemptEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptEntry
	for rows.Next() {
		var (
			e        AttemptEntry
			atMS     int64
			enrolled sql.NullInt64
		)
		err := rows.Scan(&atMS, &e.Partition, &e.CourseID, &e.Course, &e.Outcome,
			&enrolled, &e.Captcha, &e.Message, &e.Error, &e.TookMS)
		if err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMS).UTC()
		if enrolled.Valid {
			n := int(enrolled.Int64)
			e.Enrolled = &n
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, upsertDedup, key, until.UnixMilli())
	return err
}

// GetDedup only reports marks that have not expired yet.
func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, selectDedup, key, time.Now().UnixMilli()).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
