package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tractjoin/internal/bench"
	"github.com/sells-group/tractjoin/internal/scheduler"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// uint64 columns are stored as TEXT; SQLite integers are signed.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS bench_sessions (
	id          TEXT PRIMARY KEY,
	command     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	datasets    TEXT NOT NULL DEFAULT '[]',
	error       TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS bench_records (
	session_id         TEXT NOT NULL REFERENCES bench_sessions(id),
	seq                INTEGER NOT NULL,
	strategy           TEXT NOT NULL,
	dataset            TEXT NOT NULL,
	label              TEXT NOT NULL,
	threads            INTEGER NOT NULL,
	repetition         INTEGER NOT NULL,
	seconds            REAL NOT NULL,
	assigned           INTEGER NOT NULL,
	unassigned         INTEGER NOT NULL,
	rejected           INTEGER NOT NULL,
	dropped_population TEXT NOT NULL,
	total_population   TEXT NOT NULL,
	steals             INTEGER NOT NULL,
	digest             TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_bench_sessions_started_at ON bench_sessions(started_at);
CREATE INDEX IF NOT EXISTS idx_bench_records_dataset ON bench_records(dataset, strategy, threads);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession starts a running session.
func (s *SQLiteStore) CreateSession(ctx context.Context, command string, datasets []string) (*Session, error) {
	if datasets == nil {
		datasets = []string{}
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	dsJSON, err := json.Marshal(datasets)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal datasets")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bench_sessions (id, command, status, datasets, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, command, string(StatusRunning), string(dsJSON), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}
	return &Session{
		ID:        id,
		Command:   command,
		Status:    StatusRunning,
		Datasets:  datasets,
		StartedAt: now,
	}, nil
}

// AddRecords appends records to a session in one transaction.
func (s *SQLiteStore) AddRecords(ctx context.Context, sessionID string, records []bench.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var exists, next int
	if err := tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM bench_sessions WHERE id = ?), COALESCE(MAX(seq) + 1, 0)
		 FROM bench_records WHERE session_id = ?`, sessionID, sessionID,
	).Scan(&exists, &next); err != nil {
		return eris.Wrapf(err, "sqlite: next seq for session %s", sessionID)
	}
	if exists == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bench_records (
		session_id, seq, strategy, dataset, label, threads, repetition, seconds,
		assigned, unassigned, rejected, dropped_population, total_population, steals, digest
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare record insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, r := range records {
		_, err := stmt.ExecContext(ctx,
			sessionID, next+i, string(r.Strategy), r.Dataset, r.Label, r.Threads, r.Repeat, r.Seconds,
			r.Assigned, r.Unassigned, r.Rejected,
			strconv.FormatUint(r.DroppedPopulation, 10), strconv.FormatUint(r.Total, 10),
			r.Steals, fmt.Sprintf("%016x", r.Digest),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert record %d for session %s", next+i, sessionID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit records")
}

// FinishSession marks a session complete, or failed when runErr is non-nil.
func (s *SQLiteStore) FinishSession(ctx context.Context, sessionID string, runErr error) error {
	status := StatusComplete
	var msg sql.NullString
	if runErr != nil {
		status = StatusFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bench_sessions SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), msg, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish session %s", sessionID)
	}
	return checkRowsAffected(res, sessionID)
}

const sessionColumns = `s.id, s.command, s.status, s.datasets, s.error, s.started_at, s.finished_at,
	(SELECT COUNT(*) FROM bench_records r WHERE r.session_id = s.id)`

// GetSession returns a session and its records.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM bench_sessions s WHERE s.id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT strategy, dataset, label, threads, repetition, seconds,
		assigned, unassigned, rejected, dropped_population, total_population, steals, digest
		FROM bench_records WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query records")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		sess.Records = append(sess.Records, r)
	}
	return sess, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

// ListSessions returns sessions matching filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM bench_sessions s WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND s.status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Command != "" {
		query += ` AND s.command = ?`
		args = append(args, filter.Command)
	}
	query += ` ORDER BY s.started_at DESC, s.rowid DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close() //nolint:errcheck

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var (
		sess     Session
		dsJSON   string
		msg      sql.NullString
		finished sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.Command, &sess.Status, &dsJSON, &msg, &sess.StartedAt, &finished, &sess.RecordCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	if err := json.Unmarshal([]byte(dsJSON), &sess.Datasets); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal datasets")
	}
	sess.Error = msg.String
	if finished.Valid {
		t := finished.Time
		sess.FinishedAt = &t
	}
	return &sess, nil
}

func scanRecord(row scannable) (bench.Record, error) {
	var (
		r                      bench.Record
		strategy               string
		dropped, total, digest string
	)
	err := row.Scan(&strategy, &r.Dataset, &r.Label, &r.Threads, &r.Repeat, &r.Seconds,
		&r.Assigned, &r.Unassigned, &r.Rejected, &dropped, &total, &r.Steals, &digest)
	if err != nil {
		return r, eris.Wrap(err, "sqlite: scan record")
	}
	r.Strategy = scheduler.Strategy(strategy)
	r.Elapsed = time.Duration(r.Seconds * float64(time.Second))
	if r.DroppedPopulation, err = strconv.ParseUint(dropped, 10, 64); err != nil {
		return r, eris.Wrap(err, "sqlite: parse dropped population")
	}
	if r.Total, err = strconv.ParseUint(total, 10, 64); err != nil {
		return r, eris.Wrap(err, "sqlite: parse total population")
	}
	if r.Digest, err = strconv.ParseUint(digest, 16, 64); err != nil {
		return r, eris.Wrap(err, "sqlite: parse digest")
	}
	return r, nil
}
