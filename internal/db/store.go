// Package db persists jobs, gates, artifacts, and audit events. The database
// is the system of record that other processes read for status and that the
// orchestrator reloads paused jobs from.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dusk-indust/reelgate/internal/job"
)

// Store is the interface for the job database.
// Implementations: SQLiteStore and KuzuStore (production), MemStore (testing).
// Every method is safe to call from the orchestrator's worker goroutine.
type Store interface {
	io.Closer

	// Schema setup. Called once by Open.
	InitSchema(ctx context.Context) error

	// Jobs.
	SaveJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]job.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status job.Status, stage *job.Stage) error

	// Gates.
	CreateOrUpdateGate(ctx context.Context, jobID string, gate job.Gate) error
	UpdateGateDecision(ctx context.Context, jobID string, d GateDecision) error
	StoreGateDecisionFile(ctx context.Context, jobID string, stage job.Stage, decision map[string]any) error

	// Append-only records.
	AddArtifact(ctx context.Context, jobID string, a job.Artifact) error
	AddEvent(ctx context.Context, jobID string, e job.Event) error
	ListEvents(ctx context.Context, jobID string, limit int) ([]job.Event, error)
}

// GateDecision is a final approve or reject decision on a gate.
type GateDecision struct {
	Stage        job.Stage
	Approved     bool
	By           string
	Notes        string
	Patch        json.RawMessage
	AutoApproved bool
	At           time.Time // zero means now
}

// ListFilter narrows ListJobs. Zero value lists every job.
type ListFilter struct {
	Status job.Status
	Limit  int
}

func (f ListFilter) match(j *job.Job) bool {
	return f.Status == "" || j.Status == f.Status
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Option configures a Store at construction.
type Option func(*options)

type options struct {
	decisionDir string
	now         func() time.Time
}

// WithDecisionDir sets the root under which StoreGateDecisionFile writes
// <job_id>/gates/<stage>.json. Without it decision files are not written.
func WithDecisionDir(dir string) Option {
	return func(o *options) { o.decisionDir = dir }
}

// WithClock overrides the time source used for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ---------------------------------------------------------------------------
// Driver registry
// ---------------------------------------------------------------------------

// OpenFunc constructs a Store for a driver. path is driver-specific.
type OpenFunc func(path string, opts ...Option) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]OpenFunc{
		"memory": func(_ string, opts ...Option) (Store, error) { return NewMemStore(opts...), nil },
	}
)

// Register makes a driver available to Open. Backends that need cgo register
// themselves from files guarded by the cgo build tag.
func Register(name string, fn OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = fn
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open constructs the named driver and initializes its schema.
func Open(ctx context.Context, driver, path string, opts ...Option) (Store, error) {
	driversMu.RLock()
	fn, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("db: unknown driver %q (available: %v)", driver, Drivers())
	}
	s, err := fn(path, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
