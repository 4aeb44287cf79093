package engine

import (
	"context"
	"log/slog"

	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

// AdvancePhase moves the workflow to the phase after its current one once
// every task of the current phase is COMPLETED. From DELIVER it marks the
// workflow completed instead.
func (e *Engine) AdvancePhase(ctx context.Context, id string) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		wf := t.wf
		from := wf.CurrentPhase
		if wf.Completed {
			return cerr.PhaseGate("workflow %s is already completed", wf.ID)
		}
		if cp := wf.Checkpoint(from); !cp.Open() {
			return cerr.PhaseGate("checkpoint for %s is %s; approval is required before advancing", from, cp.State)
		}
		if t.breaker.Tripped() {
			return cerr.BudgetExhausted("circuit breaker is tripped (spent %s of %s); reset the budget before advancing",
				t.breaker.Spent().StringFixed(2), wf.Breaker.BudgetLimit.StringFixed(2))
		}
		switch from {
		case workflow.PhaseTestImpl:
			if !wf.TestsLocked() {
				return cerr.PhaseGate("TEST_IMPL tests are not locked")
			}
		case workflow.PhaseImplement:
			if wf.ImplementEscalated {
				return cerr.PhaseGate("IMPLEMENT is escalated; resolve the escalation before advancing")
			}
		}
		if !wf.PhaseDone(from) {
			return cerr.PhaseGate("every %s task must be COMPLETED before advancing", from)
		}

		next, ok := from.Next()
		if !ok {
			wf.Completed = true
			completedAt := t.now
			wf.CompletedAt = &completedAt
			wf.History = append(wf.History, workflow.PhaseTransition{From: from, At: t.now})
			t.emit(eventbus.EventWorkflowCompleted, map[string]string{"phase": string(from)})
			slog.InfoContext(t.ctx, "workflow completed", "workflow_id", wf.ID)
			return nil
		}
		wf.CurrentPhase = next
		wf.History = append(wf.History, workflow.PhaseTransition{From: from, To: next, At: t.now})
		released := wf.Unblock(t.now)
		t.emit(eventbus.EventPhaseAdvanced, map[string]string{"from": string(from), "to": string(next)})
		for _, task := range released {
			t.emitTask(task)
		}
		slog.InfoContext(t.ctx, "phase advanced", "workflow_id", wf.ID, "from", from, "phase", next)
		return nil
	})
}
