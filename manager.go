package scout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zoobzio/capitan"
	"golang.org/x/sync/semaphore"
)

// RunState is the externally visible state of a managed session.
type RunState string

// Run states reported by Manager.
const (
	RunRunning    RunState = "running"
	RunTerminated RunState = "terminated"
	RunAborted    RunState = "aborted"
)

// DefaultPersistTimeout bounds the terminal checkpoint write.
var DefaultPersistTimeout = 10 * time.Second

// DefaultRetainedSessions is how many finished statuses a Manager keeps for
// Poll and Await. The oldest are evicted first.
var DefaultRetainedSessions = 1024

// StartRequest carries the input for a new session.
type StartRequest struct {
	InitialMessages []string
	Context         map[string]any
}

// Status is an immutable snapshot of a managed session.
type Status struct {
	ID          string
	State       RunState
	Termination TerminationReason
	Artifact    *Artifact
	Iteration   int
	Quotas      []Quota
	Detail      string
}

// run tracks one session owned by a Manager.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

// Manager starts sessions in the background, bounds how many run at once and
// persists each terminal session exactly once. Finished sessions move from
// the run table into a bounded LRU of statuses.
type Manager struct {
	workflow       *Workflow
	store          Store
	slots          *semaphore.Weighted
	persistTimeout time.Duration

	mu       sync.Mutex
	runs     map[string]*run
	finished *lru.Cache[string, Status]
	wg       sync.WaitGroup
}

// NewManager creates a manager for workflow with DefaultMaxSessions slots.
func NewManager(workflow *Workflow) *Manager {
	return &Manager{
		workflow:       workflow,
		slots:          semaphore.NewWeighted(int64(DefaultMaxSessions)),
		persistTimeout: DefaultPersistTimeout,
		runs:           make(map[string]*run),
		finished:       newStatusCache(DefaultRetainedSessions),
	}
}

func newStatusCache(size int) *lru.Cache[string, Status] {
	cache, err := lru.New[string, Status](size)
	if err != nil {
		panic(fmt.Sprintf("status cache: %v", err))
	}
	return cache
}

// Builder methods

// WithStore sets the checkpoint store. Without a store nothing is persisted.
func (m *Manager) WithStore(store Store) *Manager {
	m.store = store
	return m
}

// WithMaxSessions sets how many sessions may run at once. Sessions started
// beyond the limit wait for a slot while reporting running.
func (m *Manager) WithMaxSessions(n int) *Manager {
	if n > 0 {
		m.slots = semaphore.NewWeighted(int64(n))
	}
	return m
}

// WithRetention sets how many finished statuses are kept. Set it before
// starting sessions.
func (m *Manager) WithRetention(n int) *Manager {
	if n > 0 {
		m.mu.Lock()
		m.finished = newStatusCache(n)
		m.mu.Unlock()
	}
	return m
}

// WithPersistTimeout bounds the checkpoint write for each session.
func (m *Manager) WithPersistTimeout(timeout time.Duration) *Manager {
	if timeout > 0 {
		m.persistTimeout = timeout
	}
	return m
}

// Start creates a session and runs it in the background. Values on ctx, such
// as the provider, carry into the run; its cancellation does not. Use Cancel
// to stop a session.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	s, err := m.workflow.NewSession(req.InitialMessages, req.Context)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{ID: s.ID, State: RunRunning},
	}

	m.mu.Lock()
	m.runs[s.ID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(runCtx, s, r)
	return s.ID, nil
}

func (m *Manager) execute(ctx context.Context, s *Session, r *run) {
	defer m.wg.Done()
	defer close(r.done)
	defer r.cancel()

	// A failed acquire means ctx was cancelled; Run then terminates the
	// session as cancelled without any oracle call.
	if err := m.slots.Acquire(ctx, 1); err == nil {
		defer m.slots.Release(1)
	}

	err := m.workflow.Run(ctx, s)

	status := Status{
		ID:          s.ID,
		State:       RunTerminated,
		Termination: s.Termination(),
		Iteration:   s.Iteration(),
		Quotas:      s.Quotas(),
	}
	switch {
	case err != nil:
		status.State = RunAborted
		status.Termination = ""
		status.Detail = err.Error()
	case s.Termination() == TerminationCancelled:
		status.Detail = "session cancelled"
	default:
		status.Artifact = s.Draft()
		if perr := m.persist(ctx, s); perr != nil {
			status.Detail = perr.Error()
		}
	}

	m.mu.Lock()
	r.status = status
	delete(m.runs, s.ID)
	m.finished.Add(s.ID, status)
	m.mu.Unlock()
}

// persist writes the terminal checkpoint once. A duplicate is not an error.
func (m *Manager) persist(ctx context.Context, s *Session) error {
	if m.store == nil {
		return nil
	}
	cp, err := NewCheckpoint(s)
	if err != nil {
		return err
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()

	written, err := m.store.SaveCheckpoint(saveCtx, cp)
	if err != nil {
		capitan.Error(saveCtx, CheckpointFailed,
			FieldSessionID.Field(s.ID),
			FieldVariant.Field(s.Variant),
			FieldError.Field(err),
		)
		return fmt.Errorf("checkpoint: %w", err)
	}
	sig := CheckpointSaved
	if !written {
		sig = CheckpointDuplicate
	}
	capitan.Emit(saveCtx, sig,
		FieldSessionID.Field(s.ID),
		FieldVariant.Field(s.Variant),
		FieldTermination.Field(string(cp.Termination)),
	)
	return nil
}

// Poll returns the current status of a session without blocking.
func (m *Manager) Poll(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		return r.status, nil
	}
	if status, ok := m.finished.Get(id); ok {
		return status, nil
	}
	return Status{}, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
}

// Await blocks until the session leaves the running state or ctx is done.
func (m *Manager) Await(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return m.Poll(id)
	}

	select {
	case <-r.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return r.status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Cancel requests cancellation of a session. Cancelling a finished session
// is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	finished := !ok && m.finished.Contains(id)
	m.mu.Unlock()
	switch {
	case ok:
		r.cancel()
		return nil
	case finished:
		return nil
	default:
		return fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
}

// Shutdown cancels every running session and waits for them to finish or
// for ctx to be done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, r := range m.runs {
		r.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("shutdown: sessions still running"), ctx.Err())
	}
}
