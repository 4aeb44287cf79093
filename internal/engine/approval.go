package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/lockwatch"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

// ApprovalGate is the human decision surface on the current phase's
// checkpoint.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, id, actor, note string) (*workflow.Workflow, error)
	Approve(ctx context.Context, id, actor, note string) (*workflow.Workflow, error)
	Reject(ctx context.Context, id, actor, note string) (*workflow.Workflow, error)
}

var _ ApprovalGate = (*Engine)(nil)

func (e *Engine) RequestApproval(ctx context.Context, id, actor, note string) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		cp, err := currentCheckpoint(t.wf)
		if err != nil {
			return err
		}
		switch cp.State {
		case workflow.CheckpointApproved:
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("checkpoint for %s is already approved", t.wf.CurrentPhase), nil)
		case workflow.CheckpointRequested:
			return nil
		}
		now := t.now
		cp.State = workflow.CheckpointRequested
		cp.Actor = actor
		cp.Note = note
		cp.RequestedAt = &now
		cp.DecidedAt = nil
		t.emit(eventbus.EventCheckpointRequested, map[string]string{
			"phase": string(t.wf.CurrentPhase),
			"actor": actor,
		})
		return nil
	})
}

// Approve opens the current phase's checkpoint. Approving TEST_IMPL locks
// its tasks and needs all of them COMPLETED. Approving twice is a no-op.
func (e *Engine) Approve(ctx context.Context, id, actor, note string) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		cp, err := currentCheckpoint(t.wf)
		if err != nil {
			return err
		}
		if cp.State == workflow.CheckpointApproved {
			return nil
		}
		if t.wf.CurrentPhase == workflow.PhaseTestImpl && !t.wf.PhaseDone(workflow.PhaseTestImpl) {
			return cerr.PhaseGate("every TEST_IMPL task must be COMPLETED before its tests can be locked")
		}
		now := t.now
		cp.State = workflow.CheckpointApproved
		cp.Actor = actor
		cp.Note = note
		cp.DecidedAt = &now
		t.emit(eventbus.EventCheckpointApproved, map[string]string{
			"phase": string(t.wf.CurrentPhase),
			"actor": actor,
		})
		if t.wf.CurrentPhase == workflow.PhaseTestImpl {
			return e.lockTests(t)
		}
		return nil
	})
}

// Reject keeps the workflow in its phase; approval may be requested again.
func (e *Engine) Reject(ctx context.Context, id, actor, note string) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		cp, err := currentCheckpoint(t.wf)
		if err != nil {
			return err
		}
		if cp.State == workflow.CheckpointApproved {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("checkpoint for %s is already approved", t.wf.CurrentPhase), nil)
		}
		now := t.now
		cp.State = workflow.CheckpointRejected
		cp.Actor = actor
		cp.Note = note
		cp.DecidedAt = &now
		t.emit(eventbus.EventCheckpointRejected, map[string]string{
			"phase":  string(t.wf.CurrentPhase),
			"actor":  actor,
			"reason": note,
		})
		return nil
	})
}

func currentCheckpoint(wf *workflow.Workflow) (*workflow.Checkpoint, error) {
	if wf.Completed {
		return nil, cerr.PhaseGate("workflow %s is already completed", wf.ID)
	}
	return wf.Checkpoint(wf.CurrentPhase), nil
}

// lockTests freezes every TEST_IMPL task and snapshots the artifacts that
// exist so later tampering can be diffed.
func (e *Engine) lockTests(t *txn) error {
	locked := 0
	for _, task := range t.wf.TasksIn(workflow.PhaseTestImpl) {
		if task.ArtifactHashes == nil {
			task.ArtifactHashes = make(map[string]string, len(task.Artifacts))
		}
		for _, path := range task.Artifacts {
			data, sum, err := lockwatch.ReadAndHash(e.artifactPath(path))
			if errors.Is(err, os.ErrNotExist) {
				slog.WarnContext(t.ctx, "locked artifact does not exist", "task_id", task.ID, "path", path)
				continue
			}
			if err != nil {
				return cerr.NewError(cerr.Internal, "server error", err)
			}
			if err := e.snapshots.Write(t.ctx, snapshotPath(t.wf.ID, task.ID, sum), data); err != nil {
				return cerr.WrapStorageWriteError("artifact snapshot", err)
			}
			task.ArtifactHashes[path] = sum
		}
		task.Locked = true
		task.UpdatedAt = t.now
		locked++
	}
	t.emit(eventbus.EventTestsLocked, map[string]string{"tasks": fmt.Sprint(locked)})
	return nil
}

func snapshotPath(workflowID, taskID, sum string) string {
	return "locks/" + workflowID + "/" + taskID + "/" + sum
}
