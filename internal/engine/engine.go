// Package engine orchestrates workflows: it builds them from a task
// description, gates phase advancement on checkpoints and budget, applies
// task transitions and usage, and renders governance artifacts.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/phaseguild/internal/breaker"
	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/pricing"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
	"github.com/kazz187/phaseguild/pkg/clog"
	"github.com/kazz187/phaseguild/pkg/storage"
)

const DefaultMaxImplementIterations = 3

type Engine struct {
	repo      workflow.Repository
	pricing   *pricing.Table
	bus       *eventbus.Bus
	snapshots storage.Storage
	root      string
	maxIter   int
	now       func() time.Time
	newID     func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Engine)

func WithPricing(t *pricing.Table) Option {
	return func(e *Engine) { e.pricing = t }
}

func WithEventBus(b *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithSnapshotStorage sets where locked artifact snapshots are kept. Without
// it snapshots live in memory and tamper diffs do not survive a restart.
func WithSnapshotStorage(s storage.Storage) Option {
	return func(e *Engine) { e.snapshots = s }
}

// WithArtifactRoot resolves relative artifact paths against dir.
func WithArtifactRoot(dir string) Option {
	return func(e *Engine) { e.root = dir }
}

func WithMaxImplementIterations(n int) Option {
	return func(e *Engine) { e.maxIter = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func New(repo workflow.Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:    repo,
		pricing: pricing.Default(),
		root:    ".",
		maxIter: DefaultMaxImplementIterations,
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.snapshots == nil {
		e.snapshots = storage.NewMemoryStorage()
	}
	if e.maxIter < 1 {
		e.maxIter = DefaultMaxImplementIterations
	}
	return e
}

func (e *Engine) Pricing() *pricing.Table {
	return e.pricing
}

func (e *Engine) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return w, nil
}

func (e *Engine) List(ctx context.Context, limit, offset int) ([]*workflow.Workflow, int, error) {
	return e.repo.List(ctx, limit, offset)
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	unlock := e.lock(id)
	defer unlock()
	if err := e.repo.Delete(ctx, id); err != nil {
		return notFound(err, id)
	}
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
	return nil
}

func notFound(err error, id string) error {
	if cerr.IsCode(err, cerr.NotFound) {
		return cerr.NotFoundf("workflow %s not found", id)
	}
	return err
}

// lock serializes every mutation of one workflow within the process.
func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// txn is one load-mutate-save cycle. Events are buffered and only published
// once the new state has been stored.
type txn struct {
	ctx     context.Context
	wf      *workflow.Workflow
	breaker *breaker.Breaker
	now     time.Time
	events  []*eventbus.Event
	// saveOnError persists the workflow even though the mutation returns an
	// error (used when an escalation must be recorded).
	saveOnError bool
}

func (t *txn) emit(typ eventbus.EventType, md map[string]string) {
	t.events = append(t.events, newEvent(t, typ, md))
}

func newEvent(t *txn, typ eventbus.EventType, md map[string]string) *eventbus.Event {
	return &eventbus.Event{
		ID:         ulid.Make().String(),
		Type:       typ,
		WorkflowID: t.wf.ID,
		Metadata:   md,
		CreatedAt:  t.now,
	}
}

func (t *txn) emitTask(task *workflow.Task) {
	t.emit(eventbus.EventTaskStatusChanged, map[string]string{
		"task_id": task.ID,
		"phase":   string(task.Phase),
		"status":  string(task.Status),
	})
}

func (t *txn) OnWarning(w breaker.Warning) {
	t.emit(eventbus.EventBudgetWarning, map[string]string{
		"threshold": w.Threshold.String(),
		"spent":     w.Spent.String(),
		"limit":     w.Limit.String(),
	})
	slog.WarnContext(t.ctx, "budget threshold crossed",
		"workflow_id", t.wf.ID,
		"threshold", w.Threshold.String(),
		"spent", w.Spent.String(),
		"limit", w.Limit.String(),
	)
}

func (t *txn) OnTrip(s breaker.Status) {
	t.emit(eventbus.EventBudgetTripped, map[string]string{
		"spent": s.Spent.String(),
		"limit": s.Limit.String(),
	})
	slog.WarnContext(t.ctx, "circuit breaker tripped",
		"workflow_id", t.wf.ID,
		"spent", s.Spent.String(),
		"limit", s.Limit.String(),
	)
}

func (e *Engine) mutate(ctx context.Context, id string, fn func(t *txn) error) (*workflow.Workflow, error) {
	unlock := e.lock(id)
	defer unlock()

	ctx = clog.ContextWithSlog(ctx)
	clog.AddAttribute(ctx, "workflow_id", id)

	wf, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t := &txn{ctx: ctx, wf: wf, now: e.now()}
	t.breaker, err = breaker.Restore(wf.Breaker, e.pricing, breaker.WithObserver(t))
	if err != nil {
		return nil, err
	}

	fnErr := fn(t)
	if fnErr != nil && !t.saveOnError {
		return nil, fnErr
	}

	wf.Breaker = t.breaker.State()
	wf.TotalCost = wf.Breaker.Spent
	wf.UpdatedAt = t.now
	if err := e.repo.Update(ctx, wf); err != nil {
		return nil, err
	}
	for _, ev := range t.events {
		e.bus.Publish(ev)
	}
	if fnErr != nil {
		return wf, fnErr
	}
	return wf, nil
}

func (e *Engine) artifactPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.root, p)
}

func findTask(wf *workflow.Workflow, taskID string) (*workflow.Task, error) {
	t, ok := wf.Task(taskID)
	if !ok {
		return nil, cerr.NotFoundf("task %s not found in workflow %s", taskID, wf.ID)
	}
	return t, nil
}

func guardLocked(t *workflow.Task, action string) error {
	if t.Locked {
		return cerr.ImmutabilityViolation("cannot %s task %s: TEST_IMPL tests are locked", action, t.ID)
	}
	return nil
}

func invalidTransition(t *workflow.Task, to workflow.TaskStatus) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("task %s cannot move from %s to %s", t.ID, t.Status, to), nil)
}
