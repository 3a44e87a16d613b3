package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dusk-indust/reelgate/internal/job"
)

// Compile-time assertion: *MemStore satisfies Store.
var _ Store = (*MemStore)(nil)

// MemStore implements Store using Go maps. Thread-safe via sync.RWMutex.
// Values are deep-copied on the way in and out.
type MemStore struct {
	mu     sync.RWMutex
	opts   options
	jobs   map[string]*job.Job
	order  []string // job ids in creation order
	events map[string][]job.Event
}

// NewMemStore returns an initialized MemStore ready for use.
func NewMemStore(opts ...Option) *MemStore {
	return &MemStore{
		opts:   buildOptions(opts),
		jobs:   make(map[string]*job.Job),
		events: make(map[string][]job.Event),
	}
}

// InitSchema is a no-op for the in-memory store.
func (m *MemStore) InitSchema(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }

// SaveJob inserts or replaces the job row. Gates and artifacts already
// recorded for the job are kept.
func (m *MemStore) SaveJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := j.Clone()
	if cur, ok := m.jobs[j.ID]; ok {
		c.Gates = cur.Gates
		c.Artifacts = cur.Artifacts
	} else {
		m.order = append(m.order, j.ID)
		c.Gates, c.Artifacts = nil, nil
	}
	m.jobs[j.ID] = c
	return nil
}

// GetJob returns the job with the given id, or nil if not found.
func (m *MemStore) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

// ListJobs returns jobs in creation order.
func (m *MemStore) ListJobs(_ context.Context, filter ListFilter) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []job.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if !filter.match(j) {
			continue
		}
		out = append(out, *j.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// UpdateJobStatus sets status and, when stage is non-nil, the current stage.
func (m *MemStore) UpdateJobStatus(_ context.Context, id string, status job.Status, stage *job.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("update job %q: %w", id, ErrNotFound)
	}
	j.Status = status
	if stage != nil {
		j.Stage = *stage
	}
	j.UpdatedAt = m.opts.now()
	return nil
}

// CreateOrUpdateGate upserts the gate keyed by (job, stage).
func (m *MemStore) CreateOrUpdateGate(_ context.Context, jobID string, gate job.Gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("gate for job %q: %w", jobID, ErrNotFound)
	}
	g := gate.Clone()
	if cur := j.GateFor(gate.Stage); cur != nil {
		*cur = g
		return nil
	}
	j.Gates = append(j.Gates, g)
	sort.Slice(j.Gates, func(a, b int) bool { return j.Gates[a].Stage < j.Gates[b].Stage })
	return nil
}

// UpdateGateDecision records a decision on an existing gate.
func (m *MemStore) UpdateGateDecision(_ context.Context, jobID string, d GateDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("gate decision for job %q: %w", jobID, ErrNotFound)
	}
	g := j.GateFor(d.Stage)
	if g == nil {
		return fmt.Errorf("gate %s of job %q: %w", d.Stage, jobID, ErrNotFound)
	}
	g.Approved = job.Bool(d.Approved)
	g.By = d.By
	g.At = decisionTime(m.opts, d)
	g.Notes = d.Notes
	g.Patch = append([]byte(nil), d.Patch...)
	g.AutoApproved = d.AutoApproved
	return nil
}

// StoreGateDecisionFile mirrors the decision to the filesystem.
func (m *MemStore) StoreGateDecisionFile(_ context.Context, jobID string, stage job.Stage, decision map[string]any) error {
	return writeDecisionFile(m.opts, jobID, stage, decision)
}

// AddArtifact appends an artifact to the job.
func (m *MemStore) AddArtifact(_ context.Context, jobID string, a job.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("artifact for job %q: %w", jobID, ErrNotFound)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.opts.now()
	}
	j.Artifacts = append(j.Artifacts, a.Clone())
	return nil
}

// AddEvent appends an event to the job's audit trail.
func (m *MemStore) AddEvent(_ context.Context, jobID string, e job.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.JobID = jobID
	m.events[jobID] = append(m.events[jobID], e)
	return nil
}

// ListEvents returns the newest limit events in creation order. A limit of
// zero or less returns all of them.
func (m *MemStore) ListEvents(_ context.Context, jobID string, limit int) ([]job.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[jobID]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]job.Event, len(evs))
	copy(out, evs)
	return out, nil
}
