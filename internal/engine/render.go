package engine

import (
	"bytes"
	"embed"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/kazz187/phaseguild/internal/breaker"
	"github.com/kazz187/phaseguild/internal/workflow"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"money":   func(d decimal.Decimal) string { return "$" + d.StringFixed(2) },
	"percent": func(d decimal.Decimal) string { return d.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%" },
	"join":    strings.Join,
	"add":     func(a, b int) int { return a + b },
}).ParseFS(templateFS, "templates/*.tmpl"))

// Rules are the non-negotiable governance rules every agent is held to.
var Rules = []string{
	"Tests are immutable once TEST_IMPL is approved. Change the implementation, never the locked tests.",
	"No stand-in or placeholder code: every delivered function does real work.",
	"No test doubles in production paths.",
	"The budget ceiling is hard. When the circuit breaker trips, work stops until a human resets it.",
	"Phases advance strictly in order and never skip or regress.",
}

type phaseRow struct {
	Phase      workflow.Phase
	Tier       string
	Agent      string
	Checkpoint string
	State      string
	Done       int
	Total      int
	Current    bool
}

type actionable struct {
	ID           string
	Name         string
	Status       workflow.TaskStatus
	Tier         string
	Agent        string
	Dependencies []string
}

type renderData struct {
	Workflow   *workflow.Workflow
	Status     Status
	Budget     breaker.Status
	Phases     []phaseRow
	Rules      []string
	Agents     []string
	Tasks      []actionable
	Gates      []string
	Checkpoint workflow.Checkpoint
}

func newRenderData(wf *workflow.Workflow) renderData {
	d := renderData{
		Workflow:   wf,
		Status:     GetStatus(wf),
		Budget:     wf.Breaker.Status(),
		Rules:      Rules,
		Checkpoint: checkpointOf(wf, wf.CurrentPhase),
	}
	for _, p := range workflow.Phases {
		policy := workflow.PolicyFor(p)
		cp := checkpointOf(wf, p)
		row := phaseRow{
			Phase:      p,
			Tier:       policy.Tier.String(),
			Agent:      policy.Agent,
			Checkpoint: "optional",
			State:      string(cp.State),
			Current:    p == wf.CurrentPhase && !wf.Completed,
		}
		if cp.Required {
			row.Checkpoint = "required"
		}
		for _, t := range wf.TasksIn(p) {
			row.Total++
			if t.Status == workflow.TaskCompleted {
				row.Done++
			}
		}
		d.Phases = append(d.Phases, row)
	}

	if !wf.Completed {
		tasks := wf.TasksIn(wf.CurrentPhase)
		for _, status := range []workflow.TaskStatus{workflow.TaskActive, workflow.TaskPending} {
			for _, t := range tasks {
				if t.Status != status {
					continue
				}
				d.Tasks = append(d.Tasks, actionable{
					ID:           t.ID,
					Name:         t.Name,
					Status:       t.Status,
					Tier:         t.ModelTier.String(),
					Agent:        t.Agent,
					Dependencies: t.Dependencies,
				})
				if !slices.Contains(d.Agents, t.Agent) {
					d.Agents = append(d.Agents, t.Agent)
				}
			}
		}
	}
	d.Gates = gates(wf, d.Checkpoint, d.Budget)
	return d
}

func gates(wf *workflow.Workflow, cp workflow.Checkpoint, budget breaker.Status) []string {
	if wf.Completed {
		return []string{"Workflow is completed. No further work is accepted."}
	}
	var out []string
	if budget.Tripped {
		out = append(out, fmt.Sprintf("Budget circuit breaker is TRIPPED ($%s of $%s spent). Stop and wait for a human reset.",
			budget.Spent.StringFixed(2), budget.Limit.StringFixed(2)))
	}
	if cp.Required && cp.State != workflow.CheckpointApproved {
		switch cp.State {
		case workflow.CheckpointRequested:
			out = append(out, fmt.Sprintf("Checkpoint for %s is pending human approval.", wf.CurrentPhase))
		case workflow.CheckpointRejected:
			out = append(out, fmt.Sprintf("Checkpoint for %s was rejected: %s. Address the feedback and request approval again.",
				wf.CurrentPhase, orDash(cp.Note)))
		default:
			out = append(out, fmt.Sprintf("Checkpoint for %s requires human approval before advancing.", wf.CurrentPhase))
		}
	}
	if wf.ImplementEscalated {
		out = append(out, "IMPLEMENT is escalated: the iteration cap was reached. Wait for a human to resolve it.")
	}
	if wf.TestsLocked() {
		out = append(out, "TEST_IMPL tests are LOCKED. Do not modify them.")
	}
	return out
}

// GenerateGovernanceDocument renders the Markdown governance document for a
// workflow snapshot. It does not modify wf.
func GenerateGovernanceDocument(wf *workflow.Workflow) string {
	return render("governance.md.tmpl", newRenderData(wf))
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// GenerateGovernanceHTML is GenerateGovernanceDocument converted to HTML with
// GitHub flavored tables.
func GenerateGovernanceHTML(wf *workflow.Workflow) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(GenerateGovernanceDocument(wf)), &buf); err != nil {
		return "", fmt.Errorf("failed to render governance document: %w", err)
	}
	return buf.String(), nil
}

// GenerateOrchestratorPrompt renders the instructions for the agents that own
// the current phase's actionable tasks. It does not modify wf.
func GenerateOrchestratorPrompt(wf *workflow.Workflow) string {
	return render("prompt.md.tmpl", newRenderData(wf))
}

func render(name string, data renderData) string {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		// Templates are compiled in; a failure here is a programming error.
		panic(fmt.Sprintf("render %s: %v", name, err))
	}
	return buf.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
