package engine

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/breaker"
	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/pricing"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

// UsageReport is one unit of agent activity. Model takes precedence over
// Tier; when neither is set the task's own tier is charged.
type UsageReport struct {
	TaskID    string       `json:"task_id,omitempty"`
	TokensIn  int64        `json:"tokens_in"`
	TokensOut int64        `json:"tokens_out"`
	Model     string       `json:"model,omitempty"`
	Tier      pricing.Tier `json:"tier,omitempty"`
}

// RecordUsage charges the workflow's breaker and the reporting task in one
// store write. A tripped breaker rejects the report with BudgetExhausted and
// nothing changes.
func (e *Engine) RecordUsage(ctx context.Context, id string, r UsageReport) (breaker.Usage, *workflow.Workflow, error) {
	var usage breaker.Usage
	wf, err := e.mutate(ctx, id, func(t *txn) error {
		var task *workflow.Task
		if r.TaskID != "" {
			var err error
			if task, err = findTask(t.wf, r.TaskID); err != nil {
				return err
			}
		}
		var err error
		switch {
		case r.Model != "":
			usage, err = t.breaker.RecordModelUsage(r.TokensIn, r.TokensOut, r.Model)
		case r.Tier != pricing.TierUnspecified:
			usage, err = t.breaker.RecordUsage(r.TokensIn, r.TokensOut, r.Tier)
		case task != nil:
			usage, err = t.breaker.RecordUsage(r.TokensIn, r.TokensOut, task.ModelTier)
		default:
			return cerr.NewError(cerr.InvalidArgument, "usage needs a model, a tier or a task", nil)
		}
		if err != nil {
			return err
		}
		if task != nil {
			task.TokensIn += usage.TokensIn
			task.TokensOut += usage.TokensOut
			task.Cost = task.Cost.Add(usage.Cost)
			task.UpdatedAt = t.now
		}
		md := map[string]string{
			"tier":       usage.Tier.String(),
			"tokens_in":  strconv.FormatInt(usage.TokensIn, 10),
			"tokens_out": strconv.FormatInt(usage.TokensOut, 10),
			"cost":       usage.Cost.String(),
		}
		if r.TaskID != "" {
			md["task_id"] = r.TaskID
		}
		if usage.Model != "" {
			md["model"] = usage.Model
		}
		// Usage goes ahead of the warnings it caused.
		t.events = append([]*eventbus.Event{newEvent(t, eventbus.EventUsageRecorded, md)}, t.events...)
		return nil
	})
	if err != nil {
		return breaker.Usage{}, nil, err
	}
	return usage, wf, nil
}

// CheckBudget is a read-only pre-flight check against the stored breaker.
func (e *Engine) CheckBudget(ctx context.Context, id string, estimated decimal.Decimal) (bool, string, error) {
	wf, err := e.Get(ctx, id)
	if err != nil {
		return false, "", err
	}
	b, err := breaker.Restore(wf.Breaker, e.pricing)
	if err != nil {
		return false, "", err
	}
	ok, msg := b.CheckBudget(estimated)
	return ok, msg, nil
}

// ResetBudget closes a tripped breaker and optionally replaces the limit.
// Spend accounting is kept.
func (e *Engine) ResetBudget(ctx context.Context, id string, newLimit *decimal.Decimal) (*workflow.Workflow, error) {
	return e.mutate(ctx, id, func(t *txn) error {
		if err := t.breaker.Reset(newLimit); err != nil {
			return err
		}
		t.emit(eventbus.EventBudgetReset, map[string]string{
			"limit": t.breaker.Status().Limit.String(),
			"spent": t.breaker.Spent().String(),
		})
		slog.InfoContext(t.ctx, "budget reset", "workflow_id", t.wf.ID, "limit", t.breaker.Status().Limit.String())
		return nil
	})
}

func (e *Engine) BudgetStatus(ctx context.Context, id string) (breaker.Status, error) {
	wf, err := e.Get(ctx, id)
	if err != nil {
		return breaker.Status{}, err
	}
	return wf.Breaker.Status(), nil
}
