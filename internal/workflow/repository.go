package workflow

import "context"

// Repository persists whole workflow records. Update is optimistic: it fails
// with an Aborted error when the stored version differs from w.Version, and
// bumps w.Version on success.
type Repository interface {
	Create(ctx context.Context, w *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	List(ctx context.Context, limit, offset int) ([]*Workflow, int, error)
	Update(ctx context.Context, w *Workflow) error
	Delete(ctx context.Context, id string) error
}
