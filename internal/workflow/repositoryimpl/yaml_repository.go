package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
	"github.com/kazz187/phaseguild/pkg/storage"
)

const workflowsPrefix = "workflows"

// YAMLRepository stores one YAML document per workflow on a storage.Storage.
// The version check in Update is serialized within the process; the record
// itself is replaced with the storage's atomic Write.
type YAMLRepository struct {
	storage storage.Storage
	mu      sync.Mutex
}

var _ workflow.Repository = (*YAMLRepository)(nil)

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", workflowsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, w *workflow.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.storage.Exists(ctx, path(w.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("workflow", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "workflow already exists", nil)
	}
	w.Version = 1
	return r.write(ctx, w)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	return r.read(ctx, path(id))
}

func (r *YAMLRepository) read(ctx context.Context, p string) (*workflow.Workflow, error) {
	data, err := r.storage.Read(ctx, p)
	if err != nil {
		return nil, cerr.WrapStorageReadError("workflow", err)
	}
	var w workflow.Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal workflow %s: %w", p, err))
	}
	return &w, nil
}

// List returns workflows ordered by id, which for ULIDs is creation order.
func (r *YAMLRepository) List(ctx context.Context, limit, offset int) ([]*workflow.Workflow, int, error) {
	paths, err := r.storage.List(ctx, workflowsPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("workflows", err)
	}
	sort.Strings(paths)

	total := len(paths)
	if offset >= total {
		return nil, total, nil
	}
	paths = paths[offset:]
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	out := make([]*workflow.Workflow, 0, len(paths))
	for _, p := range paths {
		w, err := r.read(ctx, p)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, nil
}

func (r *YAMLRepository) Update(ctx context.Context, w *workflow.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.read(ctx, path(w.ID))
	if err != nil {
		return err
	}
	if stored.Version != w.Version {
		return cerr.NewError(cerr.Aborted, "workflow was modified concurrently",
			fmt.Errorf("workflow %s: stored version %d, update based on %d", w.ID, stored.Version, w.Version))
	}
	w.Version++
	if err := r.write(ctx, w); err != nil {
		w.Version--
		return err
	}
	return nil
}

func (r *YAMLRepository) write(ctx context.Context, w *workflow.Workflow) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal workflow: %w", err))
	}
	if err := r.storage.Write(ctx, path(w.ID), data); err != nil {
		return cerr.WrapStorageWriteError("workflow", err)
	}
	return nil
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("workflow", err)
	}
	return nil
}
