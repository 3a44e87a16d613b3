//go:build cgo

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	kuzu "github.com/kuzudb/go-kuzu"

	"github.com/dusk-indust/reelgate/internal/job"
)

func init() {
	Register("kuzu", func(path string, opts ...Option) (Store, error) {
		if path == "" || path == ":memory:" {
			return NewKuzuStore(opts...)
		}
		return NewKuzuFileStore(path, opts...)
	})
}

// KuzuStore implements Store using KuzuDB. Jobs, gates, artifacts, and events
// are nodes; HAS_GATE, HAS_ARTIFACT, and HAS_EVENT edges hang them off their
// job. It requires CGO because the go-kuzu driver wraps KuzuDB's C library.
type KuzuStore struct {
	mu   sync.Mutex
	db   *kuzu.Database
	conn *kuzu.Connection
	opts options
}

// Compile-time check that KuzuStore satisfies Store.
var _ Store = (*KuzuStore)(nil)

// NewKuzuStore creates a KuzuStore backed by an in-memory KuzuDB instance.
func NewKuzuStore(opts ...Option) (*KuzuStore, error) {
	return openKuzu(":memory:", opts)
}

// NewKuzuFileStore creates a KuzuStore backed by a file-based KuzuDB at the
// given directory path. KuzuDB creates the leaf directory itself.
func NewKuzuFileStore(dbPath string, opts ...Option) (*KuzuStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("kuzu: create parent directory: %w", err)
	}
	return openKuzu(dbPath, opts)
}

func openKuzu(path string, opts []Option) (*KuzuStore, error) {
	cfg := kuzu.DefaultSystemConfig()
	db, err := kuzu.OpenDatabase(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("kuzu: open database: %w", err)
	}
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kuzu: open connection: %w", err)
	}
	return &KuzuStore{db: db, conn: conn, opts: buildOptions(opts)}, nil
}

// Close releases the KuzuDB connection and database.
func (s *KuzuStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	return nil
}

// ---------- Schema setup ----------

// kuzuDDL is executed by InitSchema. Node tables precede relationship tables.
var kuzuDDL = []string{
	`CREATE NODE TABLE IF NOT EXISTS Job(
		id STRING,
		slug STRING,
		intent STRING,
		status STRING,
		stage STRING,
		cfg STRING,
		created_at STRING,
		updated_at STRING,
		PRIMARY KEY(id)
	)`,
	`CREATE NODE TABLE IF NOT EXISTS Gate(
		id STRING,
		job_id STRING,
		stage INT64,
		required BOOLEAN,
		approved INT64,
		by_actor STRING,
		at STRING,
		notes STRING,
		patch STRING,
		auto_approved BOOLEAN,
		PRIMARY KEY(id)
	)`,
	`CREATE NODE TABLE IF NOT EXISTS Artifact(
		id STRING,
		job_id STRING,
		seq INT64,
		stage INT64,
		kind STRING,
		path STRING,
		meta STRING,
		created_at STRING,
		PRIMARY KEY(id)
	)`,
	`CREATE NODE TABLE IF NOT EXISTS Event(
		id STRING,
		job_id STRING,
		seq INT64,
		event_type STRING,
		stage INT64,
		message STRING,
		metadata STRING,
		ts STRING,
		PRIMARY KEY(id)
	)`,
	`CREATE REL TABLE IF NOT EXISTS HAS_GATE(FROM Job TO Gate)`,
	`CREATE REL TABLE IF NOT EXISTS HAS_ARTIFACT(FROM Job TO Artifact)`,
	`CREATE REL TABLE IF NOT EXISTS HAS_EVENT(FROM Job TO Event)`,
}

// InitSchema creates all node and relationship tables if they do not exist.
func (s *KuzuStore) InitSchema(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range kuzuDDL {
		res, err := s.conn.Query(stmt)
		if err != nil {
			return fmt.Errorf("kuzu: init schema: %w", err)
		}
		res.Close()
	}
	return nil
}

// ---------- Jobs ----------

// SaveJob creates the Job node or updates its properties in place.
func (s *KuzuStore) SaveJob(_ context.Context, j *job.Job) error {
	cfg, err := json.Marshal(j.Cfg)
	if err != nil {
		return fmt.Errorf("kuzu: marshal cfg: %w", err)
	}
	created := j.CreatedAt
	if created.IsZero() {
		created = s.opts.now()
	}
	updated := j.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	params := map[string]any{
		"id":      j.ID,
		"slug":    j.Slug,
		"intent":  j.Intent,
		"status":  string(j.Status),
		"stage":   j.Stage.String(),
		"cfg":     string(cfg),
		"created": formatTime(created),
		"updated": formatTime(updated),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.exists("MATCH (j:Job {id: $id}) RETURN j.id", map[string]any{"id": j.ID})
	if err != nil {
		return err
	}
	if exists {
		delete(params, "created")
		return s.exec(`MATCH (j:Job {id: $id})
			SET j.slug = $slug, j.intent = $intent, j.status = $status,
				j.stage = $stage, j.cfg = $cfg, j.updated_at = $updated`, params)
	}
	return s.exec(`CREATE (j:Job {
			id: $id, slug: $slug, intent: $intent, status: $status,
			stage: $stage, cfg: $cfg, created_at: $created, updated_at: $updated
		})`, params)
}

const jobColumns = "j.id, j.slug, j.intent, j.status, j.stage, j.cfg, j.created_at, j.updated_at"

// GetJob returns the job with its gates and artifacts, or nil if not found.
func (s *KuzuStore) GetJob(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query("MATCH (j:Job {id: $id}) RETURN "+jobColumns, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	j, err := rowToJob(rows[0])
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(j); err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns jobs in creation order with gates and artifacts.
func (s *KuzuStore) ListJobs(_ context.Context, filter ListFilter) ([]job.Job, error) {
	cypher := "MATCH (j:Job)"
	params := map[string]any{}
	if filter.Status != "" {
		cypher += " WHERE j.status = $status"
		params["status"] = string(filter.Status)
	}
	cypher += " RETURN " + jobColumns + " ORDER BY j.created_at, j.id"
	if filter.Limit > 0 {
		cypher += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(cypher, params)
	if err != nil {
		return nil, err
	}
	out := make([]job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := rowToJob(r)
		if err != nil {
			return nil, err
		}
		if err := s.loadChildren(j); err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}

// UpdateJobStatus sets status and, when stage is non-nil, the current stage.
func (s *KuzuStore) UpdateJobStatus(_ context.Context, id string, status job.Status, stage *job.Stage) error {
	params := map[string]any{
		"id":      id,
		"status":  string(status),
		"updated": formatTime(s.opts.now()),
	}
	set := "j.status = $status, j.updated_at = $updated"
	if stage != nil {
		params["stage"] = stage.String()
		set += ", j.stage = $stage"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query("MATCH (j:Job {id: $id}) SET "+set+" RETURN j.id", params)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("update job %q: %w", id, ErrNotFound)
	}
	return nil
}

// ---------- Gates ----------

// CreateOrUpdateGate upserts the gate keyed by (job, stage).
func (s *KuzuStore) CreateOrUpdateGate(_ context.Context, jobID string, g job.Gate) error {
	params := map[string]any{
		"id":       gateID(jobID, g.Stage),
		"job":      jobID,
		"stage":    int64(g.Stage),
		"required": g.Required,
		"approved": approvedToInt(g.Approved),
		"by":       g.By,
		"at":       formatTime(g.At),
		"notes":    g.Notes,
		"patch":    string(g.Patch),
		"auto":     g.AutoApproved,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.exists("MATCH (j:Job {id: $id}) RETURN j.id", map[string]any{"id": jobID}); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("gate for job %q: %w", jobID, ErrNotFound)
	}
	exists, err := s.exists("MATCH (g:Gate {id: $id}) RETURN g.id", map[string]any{"id": params["id"]})
	if err != nil {
		return err
	}
	if exists {
		delete(params, "job")
		delete(params, "stage")
		return s.exec(`MATCH (g:Gate {id: $id})
			SET g.required = $required, g.approved = $approved, g.by_actor = $by,
				g.at = $at, g.notes = $notes, g.patch = $patch, g.auto_approved = $auto`, params)
	}
	if err := s.exec(`CREATE (g:Gate {
			id: $id, job_id: $job, stage: $stage, required: $required,
			approved: $approved, by_actor: $by, at: $at, notes: $notes,
			patch: $patch, auto_approved: $auto
		})`, params); err != nil {
		return err
	}
	return s.exec(`MATCH (j:Job {id: $job}), (g:Gate {id: $id})
		CREATE (j)-[:HAS_GATE]->(g)`, map[string]any{"job": jobID, "id": params["id"]})
}

// UpdateGateDecision records a decision on an existing gate.
func (s *KuzuStore) UpdateGateDecision(_ context.Context, jobID string, d GateDecision) error {
	approved := int64(0)
	if d.Approved {
		approved = 1
	}
	params := map[string]any{
		"id":       gateID(jobID, d.Stage),
		"approved": approved,
		"by":       d.By,
		"at":       formatTime(decisionTime(s.opts, d)),
		"notes":    d.Notes,
		"patch":    string(d.Patch),
		"auto":     d.AutoApproved,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(`MATCH (g:Gate {id: $id})
		SET g.approved = $approved, g.by_actor = $by, g.at = $at,
			g.notes = $notes, g.patch = $patch, g.auto_approved = $auto
		RETURN g.id`, params)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("gate %s of job %q: %w", d.Stage, jobID, ErrNotFound)
	}
	return nil
}

// StoreGateDecisionFile mirrors the decision to the filesystem.
func (s *KuzuStore) StoreGateDecisionFile(_ context.Context, jobID string, stage job.Stage, decision map[string]any) error {
	return writeDecisionFile(s.opts, jobID, stage, decision)
}

// ---------- Artifacts and events ----------

// AddArtifact appends an Artifact node linked to its job.
func (s *KuzuStore) AddArtifact(_ context.Context, jobID string, a job.Artifact) error {
	meta, err := marshalMap(a.Meta)
	if err != nil {
		return fmt.Errorf("kuzu: marshal artifact meta: %w", err)
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = s.opts.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.count("MATCH (j:Job {id: $job})-[:HAS_ARTIFACT]->(a:Artifact) RETURN count(a)", jobID)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("%s:%d", jobID, seq+1)
	rows, err := s.query(`MATCH (j:Job {id: $job})
		CREATE (j)-[:HAS_ARTIFACT]->(a:Artifact {
			id: $id, job_id: $job, seq: $seq, stage: $stage,
			kind: $kind, path: $path, meta: $meta, created_at: $created
		})
		RETURN a.id`, map[string]any{
		"job":     jobID,
		"id":      id,
		"seq":     int64(seq + 1),
		"stage":   int64(a.Stage),
		"kind":    a.Kind,
		"path":    a.Path,
		"meta":    toString(orEmpty(meta)),
		"created": formatTime(created),
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("artifact for job %q: %w", jobID, ErrNotFound)
	}
	return nil
}

// AddEvent appends an Event node. Events for a job that is not stored yet
// are kept unlinked and still listed by job_id.
func (s *KuzuStore) AddEvent(_ context.Context, jobID string, e job.Event) error {
	meta, err := marshalMap(e.Metadata)
	if err != nil {
		return fmt.Errorf("kuzu: marshal event metadata: %w", err)
	}
	stage := int64(-1)
	if e.Stage != nil {
		stage = int64(*e.Stage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.count("MATCH (e:Event) WHERE e.job_id = $job RETURN count(e)", jobID)
	if err != nil {
		return err
	}
	id := e.ID
	if id == "" {
		id = fmt.Sprintf("%s:event:%d", jobID, seq+1)
	}
	if err := s.exec(`CREATE (e:Event {
			id: $id, job_id: $job, seq: $seq, event_type: $type, stage: $stage,
			message: $message, metadata: $meta, ts: $ts
		})`, map[string]any{
		"id":      id,
		"job":     jobID,
		"seq":     int64(seq + 1),
		"type":    string(e.Type),
		"stage":   stage,
		"message": e.Message,
		"meta":    toString(orEmpty(meta)),
		"ts":      formatTime(e.Timestamp),
	}); err != nil {
		return err
	}
	return s.exec(`MATCH (j:Job {id: $job}), (e:Event {id: $id})
		CREATE (j)-[:HAS_EVENT]->(e)`, map[string]any{"job": jobID, "id": id})
}

// ListEvents returns the newest limit events in creation order. A limit of
// zero or less returns all of them.
func (s *KuzuStore) ListEvents(_ context.Context, jobID string, limit int) ([]job.Event, error) {
	cypher := `MATCH (e:Event) WHERE e.job_id = $job
		RETURN e.id, e.job_id, e.event_type, e.stage, e.message, e.metadata, e.ts
		ORDER BY e.seq DESC`
	if limit > 0 {
		cypher += fmt.Sprintf(" LIMIT %d", limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(cypher, map[string]any{"job": jobID})
	if err != nil {
		return nil, err
	}
	out := make([]job.Event, len(rows))
	for i, r := range rows {
		e := job.Event{
			ID:        toString(r[0]),
			JobID:     toString(r[1]),
			Type:      job.EventType(toString(r[2])),
			Message:   toString(r[4]),
			Metadata:  unmarshalMap(toString(r[5])),
			Timestamp: parseTime(toString(r[6])),
		}
		if st := toInt(r[3]); st >= 0 {
			stage := job.Stage(st)
			e.Stage = &stage
		}
		out[len(rows)-1-i] = e
	}
	return out, nil
}

// ---------- Helpers ----------

func (s *KuzuStore) loadChildren(j *job.Job) error {
	gates, err := s.query(`MATCH (:Job {id: $id})-[:HAS_GATE]->(g:Gate)
		RETURN g.stage, g.required, g.approved, g.by_actor, g.at, g.notes, g.patch, g.auto_approved
		ORDER BY g.stage`, map[string]any{"id": j.ID})
	if err != nil {
		return err
	}
	for _, r := range gates {
		g := job.Gate{
			Stage:        job.Stage(toInt(r[0])),
			Required:     toBool(r[1]),
			Approved:     intToApproved(toInt(r[2])),
			By:           toString(r[3]),
			At:           parseTime(toString(r[4])),
			Notes:        toString(r[5]),
			AutoApproved: toBool(r[7]),
		}
		if p := toString(r[6]); p != "" {
			g.Patch = json.RawMessage(p)
		}
		j.Gates = append(j.Gates, g)
	}

	arts, err := s.query(`MATCH (:Job {id: $id})-[:HAS_ARTIFACT]->(a:Artifact)
		RETURN a.stage, a.kind, a.path, a.meta, a.created_at
		ORDER BY a.seq`, map[string]any{"id": j.ID})
	if err != nil {
		return err
	}
	for _, r := range arts {
		j.Artifacts = append(j.Artifacts, job.Artifact{
			Stage:     job.Stage(toInt(r[0])),
			Kind:      toString(r[1]),
			Path:      toString(r[2]),
			Meta:      unmarshalMap(toString(r[3])),
			CreatedAt: parseTime(toString(r[4])),
		})
	}
	return nil
}

func rowToJob(r []any) (*job.Job, error) {
	j := &job.Job{
		ID:        toString(r[0]),
		Slug:      toString(r[1]),
		Intent:    toString(r[2]),
		Status:    job.Status(toString(r[3])),
		CreatedAt: parseTime(toString(r[6])),
		UpdatedAt: parseTime(toString(r[7])),
	}
	if st, err := job.ParseStage(toString(r[4])); err == nil {
		j.Stage = st
	}
	if cfg := toString(r[5]); cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &j.Cfg); err != nil {
			return nil, fmt.Errorf("kuzu: parse cfg of job %q: %w", j.ID, err)
		}
	}
	return j, nil
}

// exec runs a parameterized Cypher statement that returns no rows.
func (s *KuzuStore) exec(cypher string, params map[string]any) error {
	stmt, err := s.conn.Prepare(cypher)
	if err != nil {
		return fmt.Errorf("kuzu: prepare: %w", err)
	}
	defer stmt.Close()

	res, err := s.conn.Execute(stmt, params)
	if err != nil {
		return fmt.Errorf("kuzu: execute: %w", err)
	}
	res.Close()
	return nil
}

// query runs a parameterized Cypher statement and collects all result rows.
// Each row is a []any slice with values in column order.
func (s *KuzuStore) query(cypher string, params map[string]any) ([][]any, error) {
	var res *kuzu.QueryResult
	var err error

	if len(params) == 0 {
		res, err = s.conn.Query(cypher)
	} else {
		var stmt *kuzu.PreparedStatement
		stmt, err = s.conn.Prepare(cypher)
		if err != nil {
			return nil, fmt.Errorf("kuzu: prepare: %w", err)
		}
		defer stmt.Close()
		res, err = s.conn.Execute(stmt, params)
	}
	if err != nil {
		return nil, fmt.Errorf("kuzu: query: %w", err)
	}
	defer res.Close()

	var rows [][]any
	for res.HasNext() {
		tuple, err := res.Next()
		if err != nil {
			return nil, fmt.Errorf("kuzu: next: %w", err)
		}
		vals, err := tuple.GetAsSlice()
		if err != nil {
			return nil, fmt.Errorf("kuzu: row values: %w", err)
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

func (s *KuzuStore) exists(cypher string, params map[string]any) (bool, error) {
	rows, err := s.query(cypher, params)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *KuzuStore) count(cypher, jobID string) (int, error) {
	rows, err := s.query(cypher, map[string]any{"job": jobID})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt(rows[0][0]), nil
}

func gateID(jobID string, stage job.Stage) string {
	return jobID + ":" + stage.String()
}

func approvedToInt(b *bool) int64 {
	switch {
	case b == nil:
		return -1
	case *b:
		return 1
	default:
		return 0
	}
}

func intToApproved(n int) *bool {
	switch n {
	case 1:
		return job.Bool(true)
	case 0:
		return job.Bool(false)
	default:
		return nil
	}
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case int32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
