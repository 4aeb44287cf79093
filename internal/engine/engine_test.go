package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/pricing"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/internal/workflow/repositoryimpl"
	"github.com/kazz187/phaseguild/pkg/cerr"
	"github.com/kazz187/phaseguild/pkg/storage"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	engine *Engine
	bus    *eventbus.Bus
	root   string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{bus: eventbus.New(), root: t.TempDir()}
	var n int
	var mu sync.Mutex
	base := []Option{
		WithEventBus(f.bus),
		WithArtifactRoot(f.root),
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id%03d", n)
		}),
	}
	f.engine = New(repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage()), append(base, opts...)...)
	return f
}

func (f *fixture) create(t *testing.T, description, budget string) *workflow.Workflow {
	t.Helper()
	wf, err := f.engine.CreateWorkflowFromTask(context.Background(), description, d(budget), CreateOptions{})
	require.NoError(t, err)
	return wf
}

// completePhase starts and completes every unfinished task of the current phase.
func (f *fixture) completePhase(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := f.engine.Get(ctx, id)
	require.NoError(t, err)
	for _, task := range wf.TasksIn(wf.CurrentPhase) {
		if task.Status == workflow.TaskCompleted {
			continue
		}
		_, err := f.engine.StartTask(ctx, id, task.ID, decimal.Zero)
		require.NoError(t, err)
		wf, err = f.engine.CompleteTask(ctx, id, task.ID, "done")
		require.NoError(t, err)
	}
	return wf
}

// finishPhase completes every task of the current phase, approves its
// checkpoint when required and advances.
func (f *fixture) finishPhase(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := f.completePhase(t, id)
	var err error
	if wf.Checkpoint(wf.CurrentPhase).Required {
		_, err = f.engine.Approve(ctx, id, "alice", "")
		require.NoError(t, err)
	}
	wf, err = f.engine.AdvancePhase(ctx, id)
	require.NoError(t, err)
	return wf
}

func (f *fixture) advanceTo(t *testing.T, id string, p workflow.Phase) {
	t.Helper()
	for {
		wf, err := f.engine.Get(context.Background(), id)
		require.NoError(t, err)
		if wf.CurrentPhase == p {
			return
		}
		f.finishPhase(t, id)
	}
}

func TestSplitWorkItems(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"bullets", "Build auth:\n- login form\n* session store\n", []string{"login form", "session store"}},
		{"numbered", "1. parse config\n2) validate config", []string{"parse config", "validate config"}},
		{"semicolons", "add cache; add metrics ;", []string{"add cache", "add metrics"}},
		{"single", "  add a health endpoint  ", []string{"add a health endpoint"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitWorkItems(tt.in))
		})
	}
}

func TestCreateWorkflowFromTask_Plan(t *testing.T) {
	f := newFixture(t)
	wf := f.create(t, "- login form\n- session store", "10.00")

	assert.Equal(t, workflow.PhaseSpec, wf.CurrentPhase)
	assert.Equal(t, int64(1), wf.Version)
	assert.Equal(t, "- login form", wf.Name)
	assert.Equal(t, 3, wf.MaxImplementIterations)
	require.Len(t, wf.Tasks, 10)

	specTask := wf.TasksIn(workflow.PhaseSpec)
	require.Len(t, specTask, 1)
	assert.Equal(t, workflow.TaskPending, specTask[0].Status)
	assert.Equal(t, pricing.TierOpus, specTask[0].ModelTier)
	assert.Equal(t, "spec-writer", specTask[0].Agent)
	assert.Empty(t, specTask[0].Dependencies)

	design := wf.TasksIn(workflow.PhaseTestDesign)
	require.Len(t, design, 2)
	for _, task := range design {
		assert.Equal(t, []string{specTask[0].ID}, task.Dependencies)
		assert.Equal(t, workflow.TaskBlocked, task.Status)
		assert.Equal(t, pricing.TierSonnet, task.ModelTier)
	}
	assert.Equal(t, "Design tests: login form", design[0].Name)

	testImpl := wf.TasksIn(workflow.PhaseTestImpl)
	impl := wf.TasksIn(workflow.PhaseImplement)
	for i := range 2 {
		assert.Equal(t, []string{design[i].ID}, testImpl[i].Dependencies)
		assert.Equal(t, []string{testImpl[i].ID}, impl[i].Dependencies)
		assert.Equal(t, pricing.TierHaiku, testImpl[i].ModelTier)
		assert.Equal(t, "implementer", impl[i].Agent)
	}

	validate := wf.TasksIn(workflow.PhaseValidate)
	require.Len(t, validate, 1)
	assert.Equal(t, []string{impl[0].ID, impl[1].ID}, validate[0].Dependencies)
	assert.Equal(t, pricing.TierOpus, wf.TasksIn(workflow.PhaseReview)[0].ModelTier)
	assert.Equal(t, "release-manager", wf.TasksIn(workflow.PhaseDeliver)[0].Agent)

	for _, p := range workflow.Phases {
		want := p == workflow.PhaseSpec || p == workflow.PhaseTestImpl || p == workflow.PhaseReview
		assert.Equal(t, want, wf.Checkpoints[p].Required, p)
	}
}

func TestCreateWorkflowFromTask_TestImplCheckpointAlwaysRequired(t *testing.T) {
	f := newFixture(t)
	wf, err := f.engine.CreateWorkflowFromTask(context.Background(), "x", d("1"), CreateOptions{
		Name: "custom",
		Checkpoints: map[workflow.Phase]bool{
			workflow.PhaseSpec:     false,
			workflow.PhaseTestImpl: false,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "custom", wf.Name)
	assert.False(t, wf.Checkpoints[workflow.PhaseSpec].Required)
	assert.True(t, wf.Checkpoints[workflow.PhaseTestImpl].Required)
}

func TestCreateWorkflowFromTask_InvalidBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, budget := range []string{"0", "-5"} {
		_, err := f.engine.CreateWorkflowFromTask(ctx, "build a thing", d(budget), CreateOptions{})
		require.ErrorIs(t, err, cerr.ErrInvalidBudget)
		assert.Equal(t, "InvalidBudgetError", cerr.KindOf(err))
	}
	_, total, err := f.engine.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = f.engine.CreateWorkflowFromTask(ctx, "   ", d("1"), CreateOptions{})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Get(context.Background(), "missing")
	require.ErrorIs(t, err, cerr.ErrNotFound)
	_, err = f.engine.AdvancePhase(context.Background(), "missing")
	require.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestAdvancePhase_CheckpointGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")

	_, err := f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
	assert.Equal(t, "PhaseGateError", cerr.KindOf(err))

	_, err = f.engine.Approve(ctx, wf.ID, "alice", "looks good")
	require.NoError(t, err)
	f.completePhase(t, wf.ID)
	got, err := f.engine.AdvancePhase(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseTestDesign, got.CurrentPhase)
	require.Len(t, got.History, 1)
	assert.Equal(t, workflow.PhaseTransition{From: workflow.PhaseSpec, To: workflow.PhaseTestDesign, At: got.UpdatedAt}, got.History[0])
}

func TestAdvancePhase_BudgetTripped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "1.00")

	usage, _, err := f.engine.RecordUsage(ctx, wf.ID, UsageReport{TokensIn: 1_000_000, Tier: pricing.TierSonnet})
	require.NoError(t, err)
	assert.True(t, usage.Tripped)
	assert.True(t, usage.Cost.Equal(d("3")))

	ok, _, err := f.engine.CheckBudget(ctx, wf.ID, d("0.01"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.engine.Approve(ctx, wf.ID, "alice", "")
	require.NoError(t, err)
	_, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrBudgetExhausted)

	_, _, err = f.engine.RecordUsage(ctx, wf.ID, UsageReport{TokensIn: 10, Tier: pricing.TierHaiku})
	require.ErrorIs(t, err, cerr.ErrBudgetExhausted)
	status, err := f.engine.BudgetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, status.Spent.Equal(d("3")))
	assert.Equal(t, int64(1_000_000), status.TokensInTotal)

	limit := d("5")
	_, err = f.engine.ResetBudget(ctx, wf.ID, &limit)
	require.NoError(t, err)
	f.completePhase(t, wf.ID)
	got, err := f.engine.AdvancePhase(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseTestDesign, got.CurrentPhase)
	assert.True(t, got.TotalCost.Equal(d("3")))
}

func TestRecordUsage_ChargesTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")
	specTask := wf.TasksIn(workflow.PhaseSpec)[0]

	usage, got, err := f.engine.RecordUsage(ctx, wf.ID, UsageReport{TaskID: specTask.ID, TokensIn: 100_000, TokensOut: 10_000})
	require.NoError(t, err)
	assert.Equal(t, pricing.TierOpus, usage.Tier)
	assert.True(t, usage.Cost.Equal(d("2.25")), usage.Cost.String())

	task, _ := got.Task(specTask.ID)
	assert.Equal(t, int64(100_000), task.TokensIn)
	assert.Equal(t, int64(10_000), task.TokensOut)
	assert.True(t, task.Cost.Equal(d("2.25")))
	assert.True(t, got.TotalCost.Equal(d("2.25")))

	usage, _, err = f.engine.RecordUsage(ctx, wf.ID, UsageReport{TokensIn: 1_000_000, Model: "mystery-model"})
	require.NoError(t, err)
	require.ErrorIs(t, usage.UnknownModel, cerr.ErrUnknownModel)
	assert.Equal(t, pricing.TierHaiku, usage.Tier)

	_, _, err = f.engine.RecordUsage(ctx, wf.ID, UsageReport{TokensIn: 1})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	_, _, err = f.engine.RecordUsage(ctx, wf.ID, UsageReport{TaskID: "nope", TokensIn: 1})
	require.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestRecordUsage_EventOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "1.00")
	_, events := f.bus.Subscribe(16)

	_, _, err := f.engine.RecordUsage(ctx, wf.ID, UsageReport{TokensIn: 1_000_000, Tier: pricing.TierSonnet})
	require.NoError(t, err)

	var got []string
	for range 5 {
		ev := <-events
		label := string(ev.Type)
		if ev.Type == eventbus.EventBudgetWarning {
			label += ":" + ev.Metadata["threshold"]
		}
		got = append(got, label)
	}
	assert.Equal(t, []string{
		"usage.recorded",
		"budget.warning:0.5",
		"budget.warning:0.75",
		"budget.warning:0.9",
		"budget.tripped",
	}, got)
}

func TestRecordUsage_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "1000")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.engine.RecordUsage(ctx, wf.ID, UsageReport{TokensIn: 1_000_000, Tier: pricing.TierHaiku})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, got.Breaker.Spent.Equal(d("5")), got.Breaker.Spent.String())
	assert.Equal(t, int64(20_000_000), got.Breaker.TokensInTotal)
	assert.Equal(t, int64(21), got.Version)
}

func TestStartTask_Rules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "1.00")
	specTask := wf.TasksIn(workflow.PhaseSpec)[0]
	design := wf.TasksIn(workflow.PhaseTestDesign)[0]

	_, err := f.engine.StartTask(ctx, wf.ID, design.ID, decimal.Zero)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)

	_, err = f.engine.StartTask(ctx, wf.ID, specTask.ID, d("2"))
	require.ErrorIs(t, err, cerr.ErrBudgetExhausted)
	_, err = f.engine.StartTask(ctx, wf.ID, specTask.ID, d("-1"))
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	got, err := f.engine.StartTask(ctx, wf.ID, specTask.ID, d("0.5"))
	require.NoError(t, err)
	task, _ := got.Task(specTask.ID)
	assert.Equal(t, workflow.TaskActive, task.Status)
	assert.Equal(t, 1, task.Attempts)

	_, err = f.engine.StartTask(ctx, wf.ID, specTask.ID, decimal.Zero)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	got, err = f.engine.CompleteTask(ctx, wf.ID, specTask.ID, "requirements.md")
	require.NoError(t, err)
	task, _ = got.Task(specTask.ID)
	assert.Equal(t, "requirements.md", task.Result)
	next, _ := got.Task(design.ID)
	assert.Equal(t, workflow.TaskPending, next.Status)

	_, err = f.engine.StartTask(ctx, wf.ID, "missing", decimal.Zero)
	require.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestFailedTaskRetry_OnlyInImplement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")
	specTask := wf.TasksIn(workflow.PhaseSpec)[0]

	_, err := f.engine.StartTask(ctx, wf.ID, specTask.ID, decimal.Zero)
	require.NoError(t, err)
	got, err := f.engine.FailTask(ctx, wf.ID, specTask.ID, "model refused")
	require.NoError(t, err)
	task, _ := got.Task(specTask.ID)
	assert.Equal(t, workflow.TaskFailed, task.Status)
	assert.Equal(t, "model refused", task.Error)

	_, err = f.engine.StartTask(ctx, wf.ID, specTask.ID, decimal.Zero)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
}

func TestImplementEscalation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxImplementIterations(2))
	wf := f.create(t, "add login", "10.00")
	f.advanceTo(t, wf.ID, workflow.PhaseImplement)
	impl := wf.TasksIn(workflow.PhaseImplement)[0]

	for range 2 {
		_, err := f.engine.StartTask(ctx, wf.ID, impl.ID, decimal.Zero)
		require.NoError(t, err)
		_, err = f.engine.FailTask(ctx, wf.ID, impl.ID, "tests fail")
		require.NoError(t, err)
	}

	_, err := f.engine.StartTask(ctx, wf.ID, impl.ID, decimal.Zero)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
	got, err := f.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, got.ImplementEscalated)
	assert.True(t, GetStatus(got).ImplementEscalated)

	_, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)

	got, err = f.engine.ResolveEscalation(ctx, wf.ID)
	require.NoError(t, err)
	task, _ := got.Task(impl.ID)
	assert.Zero(t, task.Attempts)
	assert.False(t, got.ImplementEscalated)

	_, err = f.engine.StartTask(ctx, wf.ID, impl.ID, decimal.Zero)
	require.NoError(t, err)
	_, err = f.engine.CompleteTask(ctx, wf.ID, impl.ID, "green")
	require.NoError(t, err)
	got, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseValidate, got.CurrentPhase)

	_, err = f.engine.ResolveEscalation(ctx, wf.ID)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestAdvancePhase_RequiresPhaseTasksCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf, err := f.engine.CreateWorkflowFromTask(ctx, "add login", d("10.00"), CreateOptions{
		Checkpoints: map[workflow.Phase]bool{workflow.PhaseSpec: false},
	})
	require.NoError(t, err)
	specTask := wf.TasksIn(workflow.PhaseSpec)[0]

	_, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
	assert.Contains(t, cerr.MessageOf(err), "every SPEC task must be COMPLETED")

	_, err = f.engine.StartTask(ctx, wf.ID, specTask.ID, decimal.Zero)
	require.NoError(t, err)
	_, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
	got, err := f.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseSpec, got.CurrentPhase)

	_, err = f.engine.CompleteTask(ctx, wf.ID, specTask.ID, "requirements.md")
	require.NoError(t, err)
	got, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseTestDesign, got.CurrentPhase)
	design := got.TasksIn(workflow.PhaseTestDesign)[0]
	assert.Equal(t, workflow.TaskPending, design.Status)
	_, err = f.engine.StartTask(ctx, wf.ID, design.ID, decimal.Zero)
	require.NoError(t, err)
}

func TestApprove_TestImplRequiresCompletedTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")
	f.advanceTo(t, wf.ID, workflow.PhaseTestImpl)
	task := wf.TasksIn(workflow.PhaseTestImpl)[0]

	_, err := f.engine.Approve(ctx, wf.ID, "alice", "")
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
	got, err := f.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.NotEqual(t, workflow.CheckpointApproved, got.Checkpoints[workflow.PhaseTestImpl].State)
	unlocked, _ := got.Task(task.ID)
	assert.False(t, unlocked.Locked)

	_, err = f.engine.StartTask(ctx, wf.ID, task.ID, decimal.Zero)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, wf.ID, "alice", "")
	require.ErrorIs(t, err, cerr.ErrPhaseGate)

	_, err = f.engine.CompleteTask(ctx, wf.ID, task.ID, "written")
	require.NoError(t, err)
	got, err = f.engine.Approve(ctx, wf.ID, "alice", "")
	require.NoError(t, err)
	locked, _ := got.Task(task.ID)
	assert.True(t, locked.Locked)
	assert.True(t, got.TestsLocked())
}

func TestAdvancePhase_ImplementRequiresCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")
	f.advanceTo(t, wf.ID, workflow.PhaseImplement)

	_, err := f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
}

func TestLockedTests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")
	f.advanceTo(t, wf.ID, workflow.PhaseTestImpl)
	task := wf.TasksIn(workflow.PhaseTestImpl)[0]

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "login_test.go"), []byte("package login\n\nfunc TestLogin() {}\n"), 0o644))
	_, err := f.engine.AttachArtifact(ctx, wf.ID, task.ID, "login_test.go")
	require.NoError(t, err)
	_, err = f.engine.AttachArtifact(ctx, wf.ID, task.ID, "missing_test.go")
	require.NoError(t, err)
	_, err = f.engine.StartTask(ctx, wf.ID, task.ID, decimal.Zero)
	require.NoError(t, err)
	_, err = f.engine.CompleteTask(ctx, wf.ID, task.ID, "written")
	require.NoError(t, err)

	_, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)

	got, err := f.engine.Approve(ctx, wf.ID, "alice", "")
	require.NoError(t, err)
	locked, _ := got.Task(task.ID)
	assert.True(t, locked.Locked)
	assert.Len(t, locked.ArtifactHashes, 1)
	assert.True(t, got.TestsLocked())

	_, err = f.engine.SetTaskStatus(ctx, wf.ID, task.ID, workflow.TaskFailed)
	require.ErrorIs(t, err, cerr.ErrImmutabilityViolation)
	assert.Equal(t, "ImmutabilityViolation", cerr.KindOf(err))
	_, err = f.engine.AttachArtifact(ctx, wf.ID, task.ID, "other_test.go")
	require.ErrorIs(t, err, cerr.ErrImmutabilityViolation)
	_, err = f.engine.CompleteTask(ctx, wf.ID, task.ID, "rewritten")
	require.ErrorIs(t, err, cerr.ErrImmutabilityViolation)

	tampers, err := f.engine.VerifyLockedArtifacts(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, tampers)

	locks, err := f.engine.LockedArtifacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(f.root, "login_test.go")}, locks[wf.ID])

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "login_test.go"), []byte("package login\n\nfunc TestLogin() { t.Skip() }\n"), 0o644))
	tampers, err = f.engine.VerifyLockedArtifacts(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrImmutabilityViolation)
	require.Len(t, tampers, 1)
	assert.Equal(t, "login_test.go", tampers[0].Path)
	assert.Equal(t, locked.ArtifactHashes["login_test.go"], tampers[0].Expected)
	assert.NotEqual(t, tampers[0].Expected, tampers[0].Actual)
	assert.Contains(t, tampers[0].Diff, "-func TestLogin() {}")
	assert.Contains(t, tampers[0].Diff, "+func TestLogin() { t.Skip() }")

	require.NoError(t, os.Remove(filepath.Join(f.root, "login_test.go")))
	tampers, err = f.engine.VerifyLockedArtifacts(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrImmutabilityViolation)
	require.Len(t, tampers, 1)
	assert.Empty(t, tampers[0].Actual)
}

func TestApprovalGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")
	var gate ApprovalGate = f.engine

	got, err := gate.RequestApproval(ctx, wf.ID, "spec-writer", "ready")
	require.NoError(t, err)
	assert.Equal(t, workflow.CheckpointRequested, got.Checkpoints[workflow.PhaseSpec].State)
	assert.False(t, GetStatus(got).CompletedWorkflow)

	got, err = gate.Reject(ctx, wf.ID, "alice", "missing edge cases")
	require.NoError(t, err)
	cp := got.Checkpoints[workflow.PhaseSpec]
	assert.Equal(t, workflow.CheckpointRejected, cp.State)
	assert.Equal(t, "missing edge cases", cp.Note)
	assert.Equal(t, workflow.PhaseSpec, got.CurrentPhase)
	_, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)

	_, err = gate.RequestApproval(ctx, wf.ID, "spec-writer", "fixed")
	require.NoError(t, err)
	got, err = gate.Approve(ctx, wf.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Checkpoints[workflow.PhaseSpec].Actor)
	_, err = gate.Approve(ctx, wf.ID, "bob", "")
	require.NoError(t, err)

	_, err = gate.Reject(ctx, wf.ID, "carol", "")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	_, err = gate.RequestApproval(ctx, wf.ID, "spec-writer", "")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestWorkflowCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login; add logout", "10.00")
	f.advanceTo(t, wf.ID, workflow.PhaseDeliver)

	_, err := f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
	pending, err := f.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.False(t, pending.Completed)
	assert.Nil(t, pending.CompletedAt)

	got := f.finishPhase(t, wf.ID)
	assert.True(t, got.Completed)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, workflow.PhaseDeliver, got.CurrentPhase)
	assert.Len(t, got.History, len(workflow.Phases))

	status := GetStatus(got)
	assert.True(t, status.CompletedWorkflow)
	assert.Equal(t, status.Total, status.Completed)

	_, err = f.engine.AdvancePhase(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
	_, err = f.engine.Approve(ctx, wf.ID, "alice", "")
	require.ErrorIs(t, err, cerr.ErrPhaseGate)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")
	require.NoError(t, f.engine.Delete(ctx, wf.ID))
	_, err := f.engine.Get(ctx, wf.ID)
	require.ErrorIs(t, err, cerr.ErrNotFound)
	require.ErrorIs(t, f.engine.Delete(ctx, wf.ID), cerr.ErrNotFound)
}
