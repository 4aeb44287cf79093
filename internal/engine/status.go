package engine

import (
	"github.com/kazz187/phaseguild/internal/breaker"
	"github.com/kazz187/phaseguild/internal/workflow"
)

// Status is a read-only summary of a workflow's progress.
type Status struct {
	WorkflowID         string         `json:"workflow_id"`
	Name               string         `json:"name"`
	CurrentPhase       workflow.Phase `json:"current_phase"`
	Total              int            `json:"total"`
	Pending            int            `json:"pending"`
	Active             int            `json:"active"`
	Completed          int            `json:"completed"`
	Failed             int            `json:"failed"`
	Blocked            int            `json:"blocked"`
	CompletedWorkflow  bool           `json:"completed_workflow"`
	ImplementEscalated bool           `json:"implement_escalated"`
	CheckpointRequired bool           `json:"checkpoint_required"`
	CheckpointState    string         `json:"checkpoint_state"`
	TestsLocked        bool           `json:"tests_locked"`
	BudgetTripped      bool           `json:"budget_tripped"`
}

func GetStatus(wf *workflow.Workflow) Status {
	counts := wf.Counts()
	cp := checkpointOf(wf, wf.CurrentPhase)
	return Status{
		WorkflowID:         wf.ID,
		Name:               wf.Name,
		CurrentPhase:       wf.CurrentPhase,
		Total:              len(wf.Tasks),
		Pending:            counts[workflow.TaskPending],
		Active:             counts[workflow.TaskActive],
		Completed:          counts[workflow.TaskCompleted],
		Failed:             counts[workflow.TaskFailed],
		Blocked:            counts[workflow.TaskBlocked],
		CompletedWorkflow:  wf.Completed,
		ImplementEscalated: wf.ImplementEscalated,
		CheckpointRequired: cp.Required,
		CheckpointState:    string(cp.State),
		TestsLocked:        wf.TestsLocked(),
		BudgetTripped:      wf.Breaker.Tripped,
	}
}

func GetBudgetStatus(b *breaker.Breaker) breaker.Status {
	return b.Status()
}

// checkpointOf reads a checkpoint without creating missing entries, so
// rendering and status never mutate the snapshot they are given.
func checkpointOf(wf *workflow.Workflow, p workflow.Phase) workflow.Checkpoint {
	if cp, ok := wf.Checkpoints[p]; ok && cp != nil {
		return *cp
	}
	return workflow.Checkpoint{State: workflow.CheckpointNone}
}
