//go:build cgo

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dusk-indust/reelgate/internal/job"
)

func init() {
	Register("sqlite", func(path string, opts ...Option) (Store, error) {
		return NewSQLiteStore(path, opts...)
	})
}

// SQLiteStore implements Store on a single SQLite file. It requires CGO
// because go-sqlite3 wraps the SQLite C library.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// Compile-time check that SQLiteStore satisfies Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path. The path
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		path = "reelgate.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create parent directory: %w", err)
		}
	}
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// ---------- Schema setup ----------

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	slug        TEXT NOT NULL,
	intent      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	cfg         TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS gates (
	job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	stage         INTEGER NOT NULL,
	required      INTEGER NOT NULL DEFAULT 0,
	approved      INTEGER,                 -- NULL pending, 0 rejected, 1 approved
	by_actor      TEXT NOT NULL DEFAULT '',
	at            TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	patch         TEXT,
	auto_approved INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, stage)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	stage      INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	path       TEXT NOT NULL,
	meta       TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, id);

CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	job_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	stage      INTEGER,
	message    TEXT NOT NULL DEFAULT '',
	metadata   TEXT,
	ts         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, seq);
`

// InitSchema creates all tables if they do not exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// ---------- Jobs ----------

// SaveJob inserts the job row or updates it in place. Gates and artifacts are
// written through their own methods.
func (s *SQLiteStore) SaveJob(ctx context.Context, j *job.Job) error {
	cfg, err := json.Marshal(j.Cfg)
	if err != nil {
		return fmt.Errorf("sqlite: marshal cfg: %w", err)
	}
	created := j.CreatedAt
	if created.IsZero() {
		created = s.opts.now()
	}
	updated := j.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, slug, intent, status, stage, cfg, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	slug = excluded.slug,
	intent = excluded.intent,
	status = excluded.status,
	stage = excluded.stage,
	cfg = excluded.cfg,
	updated_at = excluded.updated_at`,
		j.ID, j.Slug, j.Intent, string(j.Status), j.Stage.String(), string(cfg),
		formatTime(created), formatTime(updated))
	if err != nil {
		return fmt.Errorf("sqlite: save job: %w", err)
	}
	return nil
}

// GetJob returns the job with its gates and artifacts, or nil if not found.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, slug, intent, status, stage, cfg, created_at, updated_at
FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if j.Gates, err = s.gates(ctx, id); err != nil {
		return nil, err
	}
	if j.Artifacts, err = s.artifacts(ctx, id); err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns jobs in creation order. Gates and artifacts are included.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter) ([]job.Job, error) {
	q := `SELECT id, slug, intent, status, stage, cfg, created_at, updated_at FROM jobs`
	var args []any
	if filter.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY created_at ASC, rowid ASC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	rows.Close()

	for i := range out {
		if out[i].Gates, err = s.gates(ctx, out[i].ID); err != nil {
			return nil, err
		}
		if out[i].Artifacts, err = s.artifacts(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateJobStatus sets status and, when stage is non-nil, the current stage.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, status job.Status, stage *job.Stage) error {
	var res sql.Result
	var err error
	now := formatTime(s.opts.now())
	if stage != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, stage = ?, updated_at = ? WHERE id = ?`,
			string(status), stage.String(), now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: update job status: %w", err)
	}
	return requireRow(res, "update job %q", id)
}

// ---------- Gates ----------

// CreateOrUpdateGate upserts the gate keyed by (job, stage).
func (s *SQLiteStore) CreateOrUpdateGate(ctx context.Context, jobID string, g job.Gate) error {
	if ok, err := s.jobExists(ctx, jobID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("gate for job %q: %w", jobID, ErrNotFound)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO gates (job_id, stage, required, approved, by_actor, at, notes, patch, auto_approved)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id, stage) DO UPDATE SET
	required = excluded.required,
	approved = excluded.approved,
	by_actor = excluded.by_actor,
	at = excluded.at,
	notes = excluded.notes,
	patch = excluded.patch,
	auto_approved = excluded.auto_approved`,
		jobID, int(g.Stage), g.Required, nullableBool(g.Approved), g.By,
		formatTime(g.At), g.Notes, nullableJSON(g.Patch), g.AutoApproved)
	if err != nil {
		return fmt.Errorf("sqlite: upsert gate: %w", err)
	}
	return nil
}

// UpdateGateDecision records a decision on an existing gate.
func (s *SQLiteStore) UpdateGateDecision(ctx context.Context, jobID string, d GateDecision) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE gates
SET approved = ?, by_actor = ?, at = ?, notes = ?, patch = ?, auto_approved = ?
WHERE job_id = ? AND stage = ?`,
		d.Approved, d.By, formatTime(decisionTime(s.opts, d)), d.Notes,
		nullableJSON(d.Patch), d.AutoApproved, jobID, int(d.Stage))
	if err != nil {
		return fmt.Errorf("sqlite: update gate decision: %w", err)
	}
	return requireRow(res, "gate %s of job %q", d.Stage, jobID)
}

// StoreGateDecisionFile mirrors the decision to the filesystem.
func (s *SQLiteStore) StoreGateDecisionFile(_ context.Context, jobID string, stage job.Stage, decision map[string]any) error {
	return writeDecisionFile(s.opts, jobID, stage, decision)
}

func (s *SQLiteStore) gates(ctx context.Context, jobID string) ([]job.Gate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage, required, approved, by_actor, at, notes, patch, auto_approved
FROM gates WHERE job_id = ? ORDER BY stage`, jobID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query gates: %w", err)
	}
	defer rows.Close()

	var out []job.Gate
	for rows.Next() {
		var (
			g        job.Gate
			stage    int
			approved sql.NullBool
			at       string
			patch    sql.NullString
		)
		if err := rows.Scan(&stage, &g.Required, &approved, &g.By, &at, &g.Notes, &patch, &g.AutoApproved); err != nil {
			return nil, fmt.Errorf("sqlite: scan gate: %w", err)
		}
		g.Stage = job.Stage(stage)
		if approved.Valid {
			g.Approved = job.Bool(approved.Bool)
		}
		g.At = parseTime(at)
		if patch.Valid && patch.String != "" {
			g.Patch = json.RawMessage(patch.String)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ---------- Artifacts and events ----------

// AddArtifact appends an artifact to the job.
func (s *SQLiteStore) AddArtifact(ctx context.Context, jobID string, a job.Artifact) error {
	meta, err := marshalMap(a.Meta)
	if err != nil {
		return fmt.Errorf("sqlite: marshal artifact meta: %w", err)
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = s.opts.now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO artifacts (job_id, stage, kind, path, meta, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, int(a.Stage), a.Kind, a.Path, meta, formatTime(created))
	if err != nil {
		return fmt.Errorf("sqlite: add artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) artifacts(ctx context.Context, jobID string) ([]job.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage, kind, path, meta, created_at
FROM artifacts WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query artifacts: %w", err)
	}
	defer rows.Close()

	var out []job.Artifact
	for rows.Next() {
		var (
			a       job.Artifact
			stage   int
			meta    sql.NullString
			created string
		)
		if err := rows.Scan(&stage, &a.Kind, &a.Path, &meta, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan artifact: %w", err)
		}
		a.Stage = job.Stage(stage)
		a.Meta = unmarshalMap(meta.String)
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddEvent appends an event to the job's audit trail.
func (s *SQLiteStore) AddEvent(ctx context.Context, jobID string, e job.Event) error {
	meta, err := marshalMap(e.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal event metadata: %w", err)
	}
	var stage any
	if e.Stage != nil {
		stage = int(*e.Stage)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO events (id, job_id, event_type, stage, message, metadata, ts)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, jobID, string(e.Type), stage, e.Message, meta, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("sqlite: add event: %w", err)
	}
	return nil
}

// ListEvents returns the newest limit events in creation order. A limit of
// zero or less returns all of them.
func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string, limit int) ([]job.Event, error) {
	q := `SELECT id, job_id, event_type, stage, message, metadata, ts FROM events WHERE job_id = ? ORDER BY seq DESC`
	args := []any{jobID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	var out []job.Event
	for rows.Next() {
		var (
			e     job.Event
			typ   string
			stage sql.NullInt64
			meta  sql.NullString
			ts    string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &typ, &stage, &e.Message, &meta, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e.Type = job.EventType(typ)
		if stage.Valid {
			st := job.Stage(stage.Int64)
			e.Stage = &st
		}
		e.Metadata = unmarshalMap(meta.String)
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// ---------- Helpers ----------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                job.Job
		status, stage    string
		cfg              string
		created, updated string
	)
	if err := row.Scan(&j.ID, &j.Slug, &j.Intent, &status, &stage, &cfg, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan job: %w", err)
	}
	j.Status = job.Status(status)
	if st, err := job.ParseStage(stage); err == nil {
		j.Stage = st
	}
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &j.Cfg); err != nil {
			return nil, fmt.Errorf("sqlite: parse cfg of job %q: %w", j.ID, err)
		}
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return &j, nil
}

func (s *SQLiteStore) jobExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite: lookup job: %w", err)
	}
	return n > 0, nil
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return nil
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
