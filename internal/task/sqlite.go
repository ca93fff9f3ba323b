package task

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	fileutil "sdhost/internal/file"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	finished_at   TIMESTAMP,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	message       TEXT NOT NULL DEFAULT '',
	artifact_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
`

// sqliteStore keeps task history in a SQLite database.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (TaskStore, error) { //nolint:ireturn
	if err := fileutil.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) SaveTask(ctx context.Context, t *Task) error {
	var started, finished sql.NullTime
	if t.StartedAt != nil {
		started = sql.NullTime{Time: *t.StartedAt, Valid: true}
	}
	if t.FinishedAt != nil {
		finished = sql.NullTime{Time: *t.FinishedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, status, created_at, started_at, finished_at, duration_ms, message, artifact_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			message = excluded.message,
			artifact_path = excluded.artifact_path
	`,
		t.ID, string(t.Kind), string(t.Status), t.CreatedAt, started, finished, t.DurationMs, t.Message, t.ArtifactPath,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *sqliteStore) LoadTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, created_at, started_at, finished_at, duration_ms, message, artifact_path
		FROM tasks ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		var (
			t        Task
			kind     string
			status   string
			started  sql.NullTime
			finished sql.NullTime
		)
		if err := rows.Scan(&t.ID, &kind, &status, &t.CreatedAt, &started, &finished, &t.DurationMs, &t.Message, &t.ArtifactPath); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Kind = Kind(kind)
		t.Status = Status(status)
		if started.Valid {
			st := started.Time.In(time.Local)
			t.StartedAt = &st
		}
		if finished.Valid {
			ft := finished.Time.In(time.Local)
			t.FinishedAt = &ft
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close() //nolint:wrapcheck
}
