package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/lockwatch"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
	"github.com/kazz187/phaseguild/pkg/storage"
)

var _ lockwatch.Verifier = (*Engine)(nil)

// VerifyLockedArtifacts rehashes every locked artifact. When any differs from
// its lock-time hash the tampers are returned together with an
// ImmutabilityViolation.
func (e *Engine) VerifyLockedArtifacts(ctx context.Context, id string) ([]lockwatch.Tamper, error) {
	wf, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var tampers []lockwatch.Tamper
	for _, task := range wf.TasksIn(workflow.PhaseTestImpl) {
		if !task.Locked {
			continue
		}
		paths := make([]string, 0, len(task.ArtifactHashes))
		for p := range task.ArtifactHashes {
			paths = append(paths, p)
		}
		slices.Sort(paths)
		for _, p := range paths {
			tamper, err := e.verifyArtifact(ctx, wf.ID, task.ID, p, task.ArtifactHashes[p])
			if err != nil {
				return nil, err
			}
			if tamper != nil {
				tampers = append(tampers, *tamper)
			}
		}
	}
	if len(tampers) == 0 {
		return nil, nil
	}

	paths := make([]string, len(tampers))
	for i, t := range tampers {
		paths[i] = t.Path
	}
	e.bus.PublishNew(eventbus.EventTestsTampered, wf.ID, "", map[string]string{
		"paths": strings.Join(paths, ","),
	})
	return tampers, cerr.ImmutabilityViolation("%d locked test artifact(s) changed: %s", len(tampers), strings.Join(paths, ", "))
}

func (e *Engine) verifyArtifact(ctx context.Context, workflowID, taskID, path, expected string) (*lockwatch.Tamper, error) {
	current, actual, err := lockwatch.ReadAndHash(e.artifactPath(path))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &lockwatch.Tamper{TaskID: taskID, Path: path, Expected: expected}, nil
	case err != nil:
		return nil, cerr.NewError(cerr.Internal, "server error", err)
	case actual == expected:
		return nil, nil
	}

	tamper := &lockwatch.Tamper{TaskID: taskID, Path: path, Expected: expected, Actual: actual}
	locked, err := e.snapshots.Read(ctx, snapshotPath(workflowID, taskID, expected))
	if errors.Is(err, storage.ErrNotFound) {
		return tamper, nil
	}
	if err != nil {
		return nil, cerr.WrapStorageReadError("artifact snapshot", err)
	}
	if tamper.Diff, err = lockwatch.UnifiedDiff(path, locked, current); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("diff %s: %w", path, err))
	}
	return tamper, nil
}

// LockedArtifacts maps every workflow with locked tests to the resolved paths
// of its locked artifacts.
func (e *Engine) LockedArtifacts(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	const page = 100
	for offset := 0; ; offset += page {
		wfs, total, err := e.repo.List(ctx, page, offset)
		if err != nil {
			return nil, err
		}
		for _, wf := range wfs {
			if wf.Completed {
				continue
			}
			for _, task := range wf.TasksIn(workflow.PhaseTestImpl) {
				if !task.Locked {
					continue
				}
				for p := range task.ArtifactHashes {
					out[wf.ID] = append(out[wf.ID], e.artifactPath(p))
				}
			}
		}
		if offset+page >= total || len(wfs) == 0 {
			return out, nil
		}
	}
}
