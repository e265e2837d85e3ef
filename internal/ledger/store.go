// Package ledger keeps a SQLite history of runs and their report jobs.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBFile is the database file name inside the state directory.
const DBFile = "dsdreports.db"

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one recorded execution.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Produced   int        `json:"produced"`
	Failed     int        `json:"failed"`
	Reconciled bool       `json:"reconciled"`
	Dispatched bool       `json:"dispatched"`
	Note       string     `json:"note,omitempty"`
}

// Summary closes a run.
type Summary struct {
	Status     string
	Produced   int
	Failed     int
	Reconciled bool
	Dispatched bool
	Note       string
}

// JobRecord is one stored job outcome.
type JobRecord struct {
	RunID        string        `json:"run_id"`
	Sequence     int           `json:"sequence"`
	Name         string        `json:"name"`
	Kind         string        `json:"kind"`
	Status       string        `json:"status"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
	Locator      string        `json:"locator,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	ExportState  string        `json:"export_state,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	SizeBytes    int64         `json:"size_bytes,omitempty"`
}

// Store wraps the ledger database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger in stateDir and runs pending
// migrations. ":memory:" opens a private in-memory database.
func Open(stateDir string) (*Store, error) {
	var dsn string
	if stateDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		dsn = filepath.Join(stateDir, DBFile)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging ledger: %w", err)
	}

	// One connection: the in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// AppliedMigrations lists applied versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// BeginRun records a run as running.
func (s *Store) BeginRun(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, status) VALUES (?, ?, ?)`,
		id, formatTime(startedAt), RunRunning)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", id, err)
	}
	return nil
}

// FinishRun closes a run with its summary.
func (s *Store) FinishRun(ctx context.Context, id string, finishedAt time.Time, sum Summary) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, produced = ?, failed = ?, reconciled = ?, dispatched = ?, note = ?
		WHERE id = ?`,
		formatTime(finishedAt), sum.Status, sum.Produced, sum.Failed,
		boolInt(sum.Reconciled), boolInt(sum.Dispatched), sum.Note, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveJob stores one job outcome; a repeated sequence replaces the row.
func (s *Store) SaveJob(ctx context.Context, j JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (run_id, sequence, name, kind, status, error_kind, error, locator, attempts, export_state, started_at, elapsed_ms, artifact_path, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.RunID, j.Sequence, j.Name, j.Kind, j.Status, j.ErrorKind, j.Error, j.Locator,
		j.Attempts, j.ExportState, formatTime(j.StartedAt), j.Elapsed.Milliseconds(), j.ArtifactPath, j.SizeBytes)
	if err != nil {
		return fmt.Errorf("save job %d of run %s: %w", j.Sequence, j.RunID, err)
	}
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, status, produced, failed, reconciled, dispatched, note
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

// RecentRuns returns up to n runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, produced, failed, reconciled, dispatched, note
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Jobs returns the jobs of a run in sequence order.
func (s *Store) Jobs(ctx context.Context, runID string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence, name, kind, status, error_kind, error, locator, attempts, export_state, started_at, elapsed_ms, artifact_path, size_bytes
		FROM jobs WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var (
			j         JobRecord
			startedAt string
			elapsedMS int64
		)
		if err := rows.Scan(&j.RunID, &j.Sequence, &j.Name, &j.Kind, &j.Status, &j.ErrorKind, &j.Error,
			&j.Locator, &j.Attempts, &j.ExportState, &startedAt, &elapsedMS, &j.ArtifactPath, &j.SizeBytes); err != nil {
			return nil, err
		}
		if j.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		j.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                      Run
		startedAt              string
		finishedAt             sql.NullString
		reconciled, dispatched int
	)
	if err := sc.Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &r.Produced, &r.Failed, &reconciled, &dispatched, &r.Note); err != nil {
		return Run{}, err
	}
	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return Run{}, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return Run{}, err
		}
		r.FinishedAt = &t
	}
	r.Reconciled = reconciled != 0
	r.Dispatched = dispatched != 0
	return r, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
