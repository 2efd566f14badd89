package jobs

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Journal is a SQLite-backed record of job runs. It stores metadata only
// (who copied what, when, with what outcome); the data path never touches
// it.
type Journal struct {
	db   *sql.DB
	path string
}

// Record is one journal row.
type Record struct {
	ID       string
	Kind     string
	Source   string
	Target   string
	Started  time.Time
	Finished time.Time
	Status   string
	Error    string
	Bytes    int64
}

// DefaultJournalPath returns the journal location:
// $XDG_STATE_HOME/blkmirror/journal.db, falling back to
// ~/.local/state/blkmirror/journal.db.
func DefaultJournalPath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "blkmirror-journal.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "blkmirror", "journal.db")
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id       TEXT PRIMARY KEY,
			kind     TEXT NOT NULL,
			source   TEXT NOT NULL,
			target   TEXT NOT NULL,
			started  INTEGER NOT NULL,
			finished INTEGER,
			status   TEXT NOT NULL,
			error    TEXT NOT NULL DEFAULT '',
			bytes    INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// RecordStart inserts a running job.
func (j *Journal) RecordStart(job *Job, source, target string) error {
	_, err := j.db.Exec(
		"INSERT OR REPLACE INTO jobs (id, kind, source, target, started, status) VALUES (?, ?, ?, ?, ?, ?)",
		job.ID(), job.Kind(), source, target, job.Created().UnixNano(), StateRunning,
	)
	if err != nil {
		return fmt.Errorf("record start %s: %w", job.ID(), err)
	}
	return nil
}

// RecordFinish updates a job's row with its final state.
func (j *Journal) RecordFinish(job *Job, bytesCopied int64) error {
	errText := ""
	if err := job.Err(); err != nil {
		errText = err.Error()
	}
	_, err := j.db.Exec(
		"UPDATE jobs SET finished = ?, status = ?, error = ?, bytes = ? WHERE id = ?",
		time.Now().UnixNano(), job.State(), errText, bytesCopied, job.ID(),
	)
	if err != nil {
		return fmt.Errorf("record finish %s: %w", job.ID(), err)
	}
	return nil
}

// List returns the most recent job records, newest first.
func (j *Journal) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		"SELECT id, kind, source, target, started, COALESCE(finished, 0), status, error, bytes FROM jobs ORDER BY started DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Source, &r.Target, &started, &finished, &r.Status, &r.Error, &r.Bytes); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		r.Started = time.Unix(0, started)
		if finished != 0 {
			r.Finished = time.Unix(0, finished)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Path returns the journal database file path.
func (j *Journal) Path() string { return j.path }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }
