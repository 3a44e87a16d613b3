// Package orchestrator drives content jobs through the nine pipeline stages.
// Stage functions run on a single global lane; approval gates pause a job
// and free the lane until an operator or the timeout sweep decides.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/db"
	"github.com/dusk-indust/reelgate/internal/events"
	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/stages"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobActive         = errors.New("job already active")
	ErrGateDecided       = errors.New("gate already decided")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrClosed            = errors.New("orchestrator closed")
)

// StageRunner executes one stage of a job. *stages.Runner satisfies it.
type StageRunner interface {
	Run(ctx context.Context, stage job.Stage, j *job.Job) stages.Result
}

// StateWriter mirrors a job snapshot to runs/<job_id>/state.json.
// *storage.Manager satisfies it.
type StateWriter interface {
	WriteState(j *job.Job) error
}

// Decision carries the optional parts of a gate decision.
type Decision struct {
	Notes string          `json:"notes,omitempty"`
	Patch json.RawMessage `json:"patch,omitempty"`
}

// Operator is the surface exposed to HTTP handlers, MCP tools, and the CLI.
type Operator interface {
	// CreateJob returns an unstarted job whose status is job.StatusNone.
	// Status and ListJobs only see it once StartJob has run.
	CreateJob(slug, intent string, cfg job.Config) (*job.Job, error)
	StartJob(ctx context.Context, j *job.Job) error
	Advance(ctx context.Context, jobID string) error
	ApproveGate(ctx context.Context, jobID string, stage job.Stage, operator string, d Decision) error
	RejectGate(ctx context.Context, jobID string, stage job.Stage, operator string, d Decision) error
	CancelJob(ctx context.Context, jobID string) error
	CheckGateTimeouts(ctx context.Context) int
	Status(ctx context.Context, jobID string) (*job.Job, error)
	ListJobs(ctx context.Context, filter db.ListFilter) ([]job.Job, error)
	Events(ctx context.Context, jobID string, limit int) ([]job.Event, error)
	Subscribe(jobID string) (<-chan job.Event, func())
}

// Compile-time interface check.
var _ Operator = (*Orchestrator)(nil)

// Orchestrator owns the active jobs. The active and futures maps, and every
// field of an active Job, are only touched with mu held.
type Orchestrator struct {
	store  db.Store
	runner StageRunner
	state  StateWriter
	events *events.Logger
	gates  config.GatePolicies
	now    func() time.Time
	lane   *lane

	ownsReporter bool
	runCtx       context.Context
	cancelRun    context.CancelFunc

	mu      sync.Mutex
	active  map[string]*job.Job
	futures map[string]*future
	closed  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGates sets the per-stage gate policies. Without it no stage is gated.
func WithGates(g config.GatePolicies) Option {
	return func(o *Orchestrator) { o.gates = g }
}

// WithStateWriter enables the state.json mirror.
func WithStateWriter(w StateWriter) Option {
	return func(o *Orchestrator) { o.state = w }
}

// WithEvents replaces the default event logger.
func WithEvents(l *events.Logger) Option {
	return func(o *Orchestrator) { o.events = l }
}

// WithClock overrides the time source used for gate timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Events default to a logger writing to store
// with its own live reporter.
func New(store db.Store, runner StageRunner, opts ...Option) *Orchestrator {
	runCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:     store,
		runner:    runner,
		gates:     config.GatePolicies{},
		now:       func() time.Time { return time.Now().UTC() },
		lane:      newLane(),
		runCtx:    runCtx,
		cancelRun: cancel,
		active:    make(map[string]*job.Job),
		futures:   make(map[string]*future),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.events == nil {
		o.events = events.NewLogger(store, events.NewReporter())
		o.ownsReporter = true
	}
	if o.gates == nil {
		o.gates = config.GatePolicies{}
	}
	return o
}

// ---------------------------------------------------------------------------
// Job lifecycle
// ---------------------------------------------------------------------------

// CreateJob builds a new, unstarted job. Its status is job.StatusNone until
// StartJob, and nothing is persisted before then, so Status and ListJobs do
// not report it.
func (o *Orchestrator) CreateJob(slug, intent string, cfg job.Config) (*job.Job, error) {
	if err := job.ValidateSlug(slug); err != nil {
		return nil, err
	}
	now := o.now()
	return &job.Job{
		ID:        uuid.NewString(),
		Slug:      slug,
		Intent:    intent,
		Status:    job.StatusNone,
		Stage:     job.StageOutline,
		Cfg:       cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// StartJob sets j RUNNING at the first stage, persists it, registers it as
// active, and queues its execution loop. Starting a job that is already
// active is a logged no-op that returns ErrJobActive. A job the store already
// holds is never restarted: a finished one returns ErrInvalidTransition and an
// unfinished one ErrJobActive (use Advance to resume it). The orchestrator
// keeps its own copy of j.
func (o *Orchestrator) StartJob(ctx context.Context, j *job.Job) error {
	stored, err := o.store.GetJob(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", j.ID, err)
	}
	if stored != nil && stored.Status != job.StatusNone {
		log.Printf("[orchestrator] WARNING: job %s was already started (%s); ignoring start", j.ID, stored.Status)
		if stored.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, stored.Status)
		}
		return fmt.Errorf("%w: %s", ErrJobActive, j.ID)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if _, ok := o.active[j.ID]; ok {
		o.mu.Unlock()
		log.Printf("[orchestrator] WARNING: job %s is already active; ignoring start", j.ID)
		return fmt.Errorf("%w: %s", ErrJobActive, j.ID)
	}
	c := j.Clone()
	if err := o.transitionLocked(c, job.StatusRunning); err != nil {
		o.mu.Unlock()
		return err
	}
	c.Stage = job.StageOutline
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	o.active[c.ID] = c
	f := o.submitLocked(c.ID)
	snap := c.Clone()
	o.mu.Unlock()
	defer f.begin()

	if err := o.store.SaveJob(ctx, snap); err != nil {
		log.Printf("[orchestrator] WARNING: persist job %s: %v", snap.ID, err)
	}
	o.events.JobStarted(ctx, snap)
	o.writeState(snap)
	log.Printf("[orchestrator] started job %s (%s)", snap.ID, snap.Slug)
	return nil
}

// Advance resumes a PAUSED or NEEDS_APPROVAL job. It is a no-op for a job
// that is RUNNING with a queued or running loop. A job missing from memory
// is reloaded from the store first.
func (o *Orchestrator) Advance(ctx context.Context, jobID string) error {
	j, err := o.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch j.Status {
	case job.StatusRunning:
		if _, ok := o.futures[jobID]; ok {
			o.mu.Unlock()
			return nil
		}
		// Recovered from the store with no loop behind it.
		f := o.submitLocked(jobID)
		o.mu.Unlock()
		f.begin()
		log.Printf("[orchestrator] resumed recovered job %s", jobID)
		return nil
	case job.StatusPaused, job.StatusNeedsApproval:
		if err := o.transitionLocked(j, job.StatusRunning); err != nil {
			o.mu.Unlock()
			return err
		}
		f := o.submitLocked(jobID)
		snap := j.Clone()
		o.mu.Unlock()
		defer f.begin()

		o.persist(ctx, snap)
		o.events.JobResumed(ctx, jobID, snap.Stage)
		return nil
	default:
		status := j.Status
		o.mu.Unlock()
		log.Printf("[orchestrator] WARNING: cannot advance job %s: status %s", jobID, status)
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, status)
	}
}

// CancelJob sets the job CANCELED. A queued loop is dropped; a running stage
// finishes and its result is discarded.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	j, err := o.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := o.transitionLocked(j, job.StatusCanceled); err != nil {
		o.mu.Unlock()
		return err
	}
	f := o.futures[jobID]
	if f == nil || f.Cancel() {
		delete(o.futures, jobID)
		delete(o.active, jobID)
	}
	snap := j.Clone()
	o.mu.Unlock()

	o.persist(ctx, snap)
	o.events.JobCanceled(ctx, jobID, snap.Stage)
	log.Printf("[orchestrator] canceled job %s at %s", jobID, snap.Stage)
	return nil
}

// RecoverJobs loads every non-terminal job from the store. PAUSED and
// NEEDS_APPROVAL jobs become active so gate timeouts apply to them again;
// RUNNING jobs, whose loop died with the previous process, are resumed.
func (o *Orchestrator) RecoverJobs(ctx context.Context) (int, error) {
	var recovered []*job.Job
	for _, status := range []job.Status{job.StatusRunning, job.StatusNeedsApproval, job.StatusPaused} {
		jobs, err := o.store.ListJobs(ctx, db.ListFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("recover %s jobs: %w", status, err)
		}
		for i := range jobs {
			recovered = append(recovered, &jobs[i])
		}
	}

	var toStart []*future
	o.mu.Lock()
	n := 0
	for _, j := range recovered {
		if _, ok := o.active[j.ID]; ok {
			continue
		}
		o.active[j.ID] = j
		n++
		if j.Status == job.StatusRunning {
			toStart = append(toStart, o.submitLocked(j.ID))
		}
	}
	o.mu.Unlock()
	for _, f := range toStart {
		f.begin()
	}
	if n > 0 {
		log.Printf("[orchestrator] recovered %d job(s), %d resumed", n, len(toStart))
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Status returns a snapshot of the job, from memory when active and from
// the store otherwise.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*job.Job, error) {
	o.mu.Lock()
	if j, ok := o.active[jobID]; ok {
		snap := j.Clone()
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()

	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return j, nil
}

// ListJobs lists stored jobs, with active jobs reported from memory.
func (o *Orchestrator) ListJobs(ctx context.Context, filter db.ListFilter) ([]job.Job, error) {
	jobs, err := o.store.ListJobs(ctx, db.ListFilter{Limit: filter.Limit})
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	for i := range jobs {
		if j, ok := o.active[jobs[i].ID]; ok {
			jobs[i] = *j.Clone()
		}
	}
	o.mu.Unlock()

	if filter.Status == "" {
		return jobs, nil
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Status == filter.Status {
			out = append(out, j)
		}
	}
	return out, nil
}

// Events returns the newest limit audit events of a job.
func (o *Orchestrator) Events(ctx context.Context, jobID string, limit int) ([]job.Event, error) {
	return o.store.ListEvents(ctx, jobID, limit)
}

// Subscribe streams live events for jobID, or for every job when empty.
func (o *Orchestrator) Subscribe(jobID string) (<-chan job.Event, func()) {
	if r := o.events.Reporter(); r != nil {
		return r.Subscribe(jobID)
	}
	ch := make(chan job.Event)
	close(ch)
	return ch, func() {}
}

// Executions returns the number of queued or running execution loops.
func (o *Orchestrator) Executions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.futures)
}

// Close stops accepting new jobs and waits for queued loops. If ctx expires
// first, stage functions are signaled through their context.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	err := o.lane.wait(ctx)
	o.cancelRun()
	if o.ownsReporter {
		if r := o.events.Reporter(); r != nil {
			r.Close()
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// lockJob returns the active job with o.mu held. A job missing from the
// active set is reloaded from the store unless its stored status is
// terminal. On error the lock is not held.
func (o *Orchestrator) lockJob(ctx context.Context, jobID string) (*job.Job, error) {
	o.mu.Lock()
	if j, ok := o.active[jobID]; ok {
		return j, nil
	}
	o.mu.Unlock()

	stored, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if stored == nil {
		log.Printf("[orchestrator] WARNING: unknown job %s", jobID)
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if stored.Status.IsTerminal() || !stored.Status.Valid() {
		log.Printf("[orchestrator] WARNING: job %s is %s", jobID, stored.Status)
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, stored.Status)
	}

	o.mu.Lock()
	if j, ok := o.active[jobID]; ok {
		return j, nil
	}
	o.active[jobID] = stored
	log.Printf("[orchestrator] loaded job %s (%s) from store", jobID, stored.Status)
	return stored, nil
}

// transitionLocked moves j to status to if the state machine allows it.
func (o *Orchestrator) transitionLocked(j *job.Job, to job.Status) error {
	if err := job.ValidateTransition(j.Status, to); err != nil {
		log.Printf("[orchestrator] WARNING: job %s: %v", j.ID, err)
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	j.Status = to
	j.UpdatedAt = o.now()
	return nil
}

// submitLocked queues a new execution loop for jobID. The caller must call
// begin on the result once its own bookkeeping is written.
func (o *Orchestrator) submitLocked(jobID string) *future {
	f := o.lane.submit(func(f *future) { o.runJob(f, jobID) })
	o.futures[jobID] = f
	return f
}

// cancelFutureLocked drops a queued loop for jobID. A running loop is left
// alone.
func (o *Orchestrator) cancelFutureLocked(jobID string) {
	if f, ok := o.futures[jobID]; ok && f.Cancel() {
		delete(o.futures, jobID)
	}
}

// persist writes the status and stage to the store and mirrors state.json.
// Failures are logged: status in memory stays authoritative for the run.
func (o *Orchestrator) persist(ctx context.Context, snap *job.Job) {
	stage := snap.Stage
	if err := o.store.UpdateJobStatus(ctx, snap.ID, snap.Status, &stage); err != nil {
		log.Printf("[orchestrator] WARNING: persist status of job %s: %v", snap.ID, err)
	}
	o.writeState(snap)
}

func (o *Orchestrator) writeState(snap *job.Job) {
	if o.state == nil {
		return
	}
	if err := o.state.WriteState(snap); err != nil {
		log.Printf("[orchestrator] WARNING: write state of job %s: %v", snap.ID, err)
	}
}
