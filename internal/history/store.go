package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cblog "github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	ended_at   DATETIME,
	app        TEXT NOT NULL,
	addr       TEXT NOT NULL,
	command    TEXT NOT NULL,
	pid        INTEGER NOT NULL DEFAULT 0,
	restarts   INTEGER NOT NULL DEFAULT 0,
	exit_code  INTEGER,
	error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
`

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one launcher run. EndedAt and ExitCode are unset while the run is
// in progress.
type Run struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	App       string     `json:"app"`
	Addr      string     `json:"addr"`
	Command   []string   `json:"command"`
	PID       int        `json:"pid"`
	Restarts  int        `json:"restarts"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Store keeps the run ledger in a SQLite database.
type Store struct {
	path string
	db   *sql.DB
}

// Open opens or creates the ledger at path and sets WAL journaling.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED=0") {
			return nil, fmt.Errorf("SQLite driver requires CGO to be enabled: %w", err)
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		if strings.Contains(err.Error(), "database is locked") {
			return nil, fmt.Errorf("history database is locked: %w", err)
		}
		return nil, fmt.Errorf("ping history: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	cblog.Debugf("history database %s", path)
	return &Store{path: path, db: db}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Begin records the start of r.
func (s *Store) Begin(ctx context.Context, r Run) error {
	cmd, err := json.Marshal(r.Command)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, app, addr, command, pid) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC(), r.App, r.Addr, string(cmd), r.PID)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish records the outcome of r, inserting it when Begin was never
// called.
func (s *Store) Finish(ctx context.Context, r Run) error {
	cmd, err := json.Marshal(r.Command)
	if err != nil {
		return err
	}
	ended := time.Now().UTC()
	if r.EndedAt != nil {
		ended = r.EndedAt.UTC()
	}
	var code sql.NullInt64
	if r.ExitCode != nil {
		code = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, started_at, ended_at, app, addr, command, pid, restarts, exit_code, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	ended_at = excluded.ended_at,
	command = excluded.command,
	pid = excluded.pid,
	restarts = excluded.restarts,
	exit_code = excluded.exit_code,
	error = excluded.error`,
		r.ID, r.StartedAt.UTC(), ended, r.App, r.Addr, string(cmd), r.PID, r.Restarts, code, r.Error)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all runs.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT id, started_at, ended_at, app, addr, command, pid, restarts, exit_code, error FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the run with the given id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, ended_at, app, addr, command, pid, restarts, exit_code, error FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r     Run
		ended sql.NullTime
		cmd   string
		code  sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.StartedAt, &ended, &r.App, &r.Addr, &cmd, &r.PID, &r.Restarts, &code, &r.Error); err != nil {
		return Run{}, err
	}
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	if code.Valid {
		c := int(code.Int64)
		r.ExitCode = &c
	}
	if err := json.Unmarshal([]byte(cmd), &r.Command); err != nil {
		return Run{}, fmt.Errorf("decode command of run %s: %w", r.ID, err)
	}
	return r, nil
}
