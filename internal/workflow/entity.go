package workflow

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/breaker"
	"github.com/kazz187/phaseguild/internal/pricing"
)

type Workflow struct {
	ID           string                `yaml:"id" json:"id"`
	Name         string                `yaml:"name" json:"name"`
	Description  string                `yaml:"description" json:"description"`
	CurrentPhase Phase                 `yaml:"current_phase" json:"current_phase"`
	Tasks        []*Task               `yaml:"tasks" json:"tasks"`
	Checkpoints  map[Phase]*Checkpoint `yaml:"checkpoints" json:"checkpoints"`
	Breaker      breaker.State         `yaml:"breaker" json:"breaker"`
	TotalCost    decimal.Decimal       `yaml:"total_cost" json:"total_cost"`
	CreatedAt    time.Time             `yaml:"created_at" json:"created_at"`
	UpdatedAt    time.Time             `yaml:"updated_at" json:"updated_at"`
	Completed    bool                  `yaml:"completed" json:"completed"`
	CompletedAt  *time.Time            `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	History      []PhaseTransition     `yaml:"history,omitempty" json:"history,omitempty"`
	Version      int64                 `yaml:"version" json:"version"`

	// IMPLEMENT re-iteration bookkeeping
	MaxImplementIterations int  `yaml:"max_implement_iterations" json:"max_implement_iterations"`
	ImplementEscalated     bool `yaml:"implement_escalated" json:"implement_escalated"`
}

type PhaseTransition struct {
	From Phase     `yaml:"from" json:"from"`
	To   Phase     `yaml:"to,omitempty" json:"to,omitempty"`
	At   time.Time `yaml:"at" json:"at"`
}

type Task struct {
	ID             string            `yaml:"id" json:"id"`
	Name           string            `yaml:"name" json:"name"`
	Description    string            `yaml:"description,omitempty" json:"description,omitempty"`
	Phase          Phase             `yaml:"phase" json:"phase"`
	Status         TaskStatus        `yaml:"status" json:"status"`
	Dependencies   []string          `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Agent          string            `yaml:"agent" json:"agent"`
	ModelTier      pricing.Tier      `yaml:"model_tier" json:"model_tier"`
	Result         string            `yaml:"result,omitempty" json:"result,omitempty"`
	Error          string            `yaml:"error,omitempty" json:"error,omitempty"`
	Attempts       int               `yaml:"attempts" json:"attempts"`
	Artifacts      []string          `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	ArtifactHashes map[string]string `yaml:"artifact_hashes,omitempty" json:"artifact_hashes,omitempty"`
	Locked         bool              `yaml:"locked" json:"locked"`
	TokensIn       int64             `yaml:"tokens_in" json:"tokens_in"`
	TokensOut      int64             `yaml:"tokens_out" json:"tokens_out"`
	Cost           decimal.Decimal   `yaml:"cost" json:"cost"`
	CreatedAt      time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `yaml:"updated_at" json:"updated_at"`
}

func (w *Workflow) Task(id string) (*Task, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// TasksIn returns the tasks of phase p in workflow order.
func (w *Workflow) TasksIn(p Phase) []*Task {
	var out []*Task
	for _, t := range w.Tasks {
		if t.Phase == p {
			out = append(out, t)
		}
	}
	return out
}

// Checkpoint never returns nil; phases without an entry have a zero,
// not-required checkpoint.
func (w *Workflow) Checkpoint(p Phase) *Checkpoint {
	if w.Checkpoints == nil {
		w.Checkpoints = make(map[Phase]*Checkpoint)
	}
	cp, ok := w.Checkpoints[p]
	if !ok {
		cp = &Checkpoint{State: CheckpointNone}
		w.Checkpoints[p] = cp
	}
	return cp
}

// DependenciesCompleted reports whether every dependency of t is COMPLETED.
// Unknown dependency ids count as unmet.
func (w *Workflow) DependenciesCompleted(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := w.Task(dep)
		if !ok || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Unblock moves BLOCKED tasks whose dependencies have all completed to
// PENDING and returns them.
func (w *Workflow) Unblock(now time.Time) []*Task {
	var released []*Task
	for _, t := range w.Tasks {
		if t.Status == TaskBlocked && w.DependenciesCompleted(t) {
			t.Status = TaskPending
			t.UpdatedAt = now
			released = append(released, t)
		}
	}
	return released
}

// PhaseDone reports whether every task of p is COMPLETED.
func (w *Workflow) PhaseDone(p Phase) bool {
	for _, t := range w.TasksIn(p) {
		if t.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (w *Workflow) TestsLocked() bool {
	tasks := w.TasksIn(PhaseTestImpl)
	if len(tasks) == 0 {
		cp, ok := w.Checkpoints[PhaseTestImpl]
		return ok && cp != nil && cp.State == CheckpointApproved
	}
	return !slices.ContainsFunc(tasks, func(t *Task) bool { return !t.Locked })
}

// Counts tallies tasks by status.
func (w *Workflow) Counts() map[TaskStatus]int {
	out := make(map[TaskStatus]int, len(taskStatuses))
	for _, s := range taskStatuses {
		out[s] = 0
	}
	for _, t := range w.Tasks {
		out[t.Status]++
	}
	return out
}
