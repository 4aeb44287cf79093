package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/breaker"
	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

var listItemRe = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+(.+?)\s*$`)

const maxNameRunes = 60

// CreateOptions tunes a new workflow.
type CreateOptions struct {
	Name string
	// Checkpoints overrides which phases require approval. TEST_IMPL is
	// required regardless.
	Checkpoints map[workflow.Phase]bool
}

// SplitWorkItems breaks a task description into independent work items:
// bullet or numbered lines if there are any, otherwise semicolon separated
// clauses, otherwise the whole description.
func SplitWorkItems(description string) []string {
	var items []string
	for _, line := range strings.Split(description, "\n") {
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			items = append(items, m[1])
		}
	}
	if len(items) > 0 {
		return items
	}
	for _, clause := range strings.Split(description, ";") {
		if c := strings.TrimSpace(clause); c != "" {
			items = append(items, c)
		}
	}
	if len(items) > 1 {
		return items
	}
	return []string{strings.TrimSpace(description)}
}

func (e *Engine) CreateWorkflowFromTask(ctx context.Context, description string, budgetLimit decimal.Decimal, opts CreateOptions) (*workflow.Workflow, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "task description is required", nil)
	}
	b, err := breaker.New(budgetLimit, e.pricing)
	if err != nil {
		return nil, err
	}

	now := e.now()
	wf := &workflow.Workflow{
		ID:                     e.newID(),
		Name:                   opts.Name,
		Description:            description,
		CurrentPhase:           workflow.PhaseSpec,
		Checkpoints:            make(map[workflow.Phase]*workflow.Checkpoint, len(workflow.Phases)),
		Breaker:                b.State(),
		CreatedAt:              now,
		UpdatedAt:              now,
		MaxImplementIterations: e.maxIter,
	}
	if wf.Name == "" {
		wf.Name = truncate(firstLine(description), maxNameRunes)
	}
	for _, p := range workflow.Phases {
		required := workflow.PolicyFor(p).Required
		if v, ok := opts.Checkpoints[p]; ok {
			required = v
		}
		if p == workflow.PhaseTestImpl {
			required = true
		}
		wf.Checkpoints[p] = &workflow.Checkpoint{Required: required, State: workflow.CheckpointNone}
	}
	wf.Tasks = e.plan(SplitWorkItems(description), now)

	if err := e.repo.Create(ctx, wf); err != nil {
		return nil, err
	}
	e.bus.PublishNew(eventbus.EventWorkflowCreated, wf.ID, "", map[string]string{
		"name":   wf.Name,
		"budget": budgetLimit.String(),
		"tasks":  fmt.Sprint(len(wf.Tasks)),
	})
	return wf, nil
}

func (e *Engine) plan(items []string, now time.Time) []*workflow.Task {
	var (
		tasks []*workflow.Task
		prev  []*workflow.Task
	)
	for _, p := range workflow.Phases {
		policy := workflow.PolicyFor(p)
		var cur []*workflow.Task
		if policy.PerItem {
			for i, item := range items {
				var deps []string
				if len(prev) == len(items) {
					deps = []string{prev[i].ID}
				} else {
					deps = ids(prev)
				}
				cur = append(cur, e.newTask(p, fmt.Sprintf(perItemNames[p], truncate(item, maxNameRunes)), item, deps, now))
			}
		} else {
			cur = append(cur, e.newTask(p, singleNames[p], "", ids(prev), now))
		}
		tasks = append(tasks, cur...)
		prev = cur
	}
	return tasks
}

var perItemNames = map[workflow.Phase]string{
	workflow.PhaseTestDesign: "Design tests: %s",
	workflow.PhaseTestImpl:   "Write tests: %s",
	workflow.PhaseImplement:  "Implement: %s",
}

var singleNames = map[workflow.Phase]string{
	workflow.PhaseSpec:     "Write specification",
	workflow.PhaseValidate: "Validate implementation against locked tests",
	workflow.PhaseReview:   "Review deliverable",
	workflow.PhaseDeliver:  "Deliver",
}

func (e *Engine) newTask(p workflow.Phase, name, description string, deps []string, now time.Time) *workflow.Task {
	policy := workflow.PolicyFor(p)
	status := workflow.TaskBlocked
	if len(deps) == 0 {
		status = workflow.TaskPending
	}
	return &workflow.Task{
		ID:           e.newID(),
		Name:         name,
		Description:  description,
		Phase:        p,
		Status:       status,
		Dependencies: deps,
		Agent:        policy.Agent,
		ModelTier:    policy.Tier,
		Cost:         decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func ids(tasks []*workflow.Task) []string {
	if len(tasks) == 0 {
		return nil
	}
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
