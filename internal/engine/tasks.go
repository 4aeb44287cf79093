package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

// StartTask moves a PENDING task, or a FAILED IMPLEMENT task being retried,
// to ACTIVE. estimatedCost is checked against the remaining budget first.
func (e *Engine) StartTask(ctx context.Context, id, taskID string, estimatedCost decimal.Decimal) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		task, err := findTask(t.wf, taskID)
		if err != nil {
			return err
		}
		return e.start(t, task, estimatedCost)
	})
}

func (e *Engine) start(t *txn, task *workflow.Task, est decimal.Decimal) error {
	wf := t.wf
	if err := guardLocked(task, "start"); err != nil {
		return err
	}
	if wf.Completed {
		return cerr.PhaseGate("workflow %s is already completed", wf.ID)
	}
	if task.Phase != wf.CurrentPhase {
		return cerr.PhaseGate("task %s belongs to %s but the workflow is in %s", task.ID, task.Phase, wf.CurrentPhase)
	}
	if !task.Status.CanTransitionTo(workflow.TaskActive) {
		return invalidTransition(task, workflow.TaskActive)
	}
	if !wf.DependenciesCompleted(task) {
		return cerr.PhaseGate("task %s has unmet dependencies", task.ID)
	}
	if est.IsNegative() {
		return cerr.NewError(cerr.InvalidArgument, "estimated cost must not be negative", nil)
	}
	retry := task.Status == workflow.TaskFailed
	if retry {
		if task.Phase != workflow.PhaseImplement {
			return cerr.PhaseGate("only IMPLEMENT tasks may be retried; %s is in %s", task.ID, task.Phase)
		}
		if wf.ImplementEscalated {
			return cerr.PhaseGate("IMPLEMENT is escalated; resolve the escalation first")
		}
		if task.Attempts+1 > wf.MaxImplementIterations {
			wf.ImplementEscalated = true
			t.saveOnError = true
			t.emit(eventbus.EventEscalationRaised, map[string]string{
				"task_id":  task.ID,
				"attempts": fmt.Sprint(task.Attempts),
				"limit":    fmt.Sprint(wf.MaxImplementIterations),
			})
			slog.WarnContext(t.ctx, "implement iteration cap reached",
				"workflow_id", wf.ID, "task_id", task.ID, "attempts", task.Attempts)
			return cerr.PhaseGate("task %s reached the IMPLEMENT iteration cap of %d; human escalation required",
				task.ID, wf.MaxImplementIterations)
		}
	}
	if ok, msg := t.breaker.CheckBudget(est); !ok {
		return cerr.BudgetExhausted("%s", msg)
	}
	task.Status = workflow.TaskActive
	task.Attempts++
	task.Error = ""
	task.UpdatedAt = t.now
	t.emitTask(task)
	return nil
}

func (e *Engine) CompleteTask(ctx context.Context, id, taskID, result string) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		task, err := findTask(t.wf, taskID)
		if err != nil {
			return err
		}
		if err := guardLocked(task, "complete"); err != nil {
			return err
		}
		return e.finish(t, task, workflow.TaskCompleted, result)
	})
}

func (e *Engine) FailTask(ctx context.Context, id, taskID, reason string) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		task, err := findTask(t.wf, taskID)
		if err != nil {
			return err
		}
		if err := guardLocked(task, "fail"); err != nil {
			return err
		}
		return e.finish(t, task, workflow.TaskFailed, reason)
	})
}

func (e *Engine) finish(t *txn, task *workflow.Task, to workflow.TaskStatus, text string) error {
	if !task.Status.CanTransitionTo(to) {
		return invalidTransition(task, to)
	}
	task.Status = to
	task.UpdatedAt = t.now
	if to == workflow.TaskCompleted {
		task.Result = text
		task.Error = ""
	} else {
		task.Error = text
	}
	t.emitTask(task)
	for _, released := range t.wf.Unblock(t.now) {
		t.emitTask(released)
	}
	return nil
}

// SetTaskStatus applies a raw status change. ACTIVE goes through the same
// checks as StartTask with a zero estimate.
func (e *Engine) SetTaskStatus(ctx context.Context, id, taskID string, status workflow.TaskStatus) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		task, err := findTask(t.wf, taskID)
		if err != nil {
			return err
		}
		if err := guardLocked(task, "change status of"); err != nil {
			return err
		}
		switch status {
		case workflow.TaskActive:
			return e.start(t, task, decimal.Zero)
		case workflow.TaskCompleted, workflow.TaskFailed:
			return e.finish(t, task, status, "")
		default:
			return invalidTransition(task, status)
		}
	})
}

func (e *Engine) AttachArtifact(ctx context.Context, id, taskID, path string) (*workflow.Workflow, error) {
	if path == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "artifact path is required", nil)
	}
	return e.mutate(ctx, id, func(t *txn) error {
		task, err := findTask(t.wf, taskID)
		if err != nil {
			return err
		}
		if err := guardLocked(task, "attach an artifact to"); err != nil {
			return err
		}
		if !slices.Contains(task.Artifacts, path) {
			task.Artifacts = append(task.Artifacts, path)
			task.UpdatedAt = t.now
		}
		return nil
	})
}

// ResolveEscalation clears an IMPLEMENT escalation and gives every failed
// IMPLEMENT task a fresh attempt budget.
func (e *Engine) ResolveEscalation(ctx context.Context, id string) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		if !t.wf.ImplementEscalated {
			return cerr.NewError(cerr.FailedPrecondition, "IMPLEMENT is not escalated", nil)
		}
		t.wf.ImplementEscalated = false
		for _, task := range t.wf.TasksIn(workflow.PhaseImplement) {
			if task.Status == workflow.TaskFailed {
				task.Attempts = 0
				task.UpdatedAt = t.now
			}
		}
		t.emit(eventbus.EventEscalationResolved, nil)
		return nil
	})
}
