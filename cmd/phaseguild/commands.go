package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/engine"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseMoney(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if err != nil {
		return decimal.Zero, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid %s %q", name, s), err)
	}
	return d, nil
}

// printSummary is the one line every mutating command ends with.
func printSummary(wf *workflow.Workflow) error {
	st := engine.GetStatus(wf)
	phase := string(st.CurrentPhase)
	if st.CompletedWorkflow {
		phase = "COMPLETED"
	}
	fmt.Printf("%s  %s  phase=%s  tasks=%d/%d  spent=$%s of $%s\n",
		wf.ID, wf.Name, phase, st.Completed, st.Total,
		wf.Breaker.Spent.StringFixed(2), wf.Breaker.BudgetLimit.StringFixed(2))
	return nil
}

func (d *deps) fromTask(ctx context.Context) error {
	budget, err := d.env.Budget()
	if err != nil {
		return err
	}
	if *fromTaskBudget != "" {
		if budget, err = parseMoney("budget", *fromTaskBudget); err != nil {
			return err
		}
	}
	opts := engine.CreateOptions{Name: *fromTaskName, Checkpoints: map[workflow.Phase]bool{}}
	for _, s := range *fromTaskRequire {
		p, err := workflow.ParsePhase(s)
		if err != nil {
			return cerr.NewError(cerr.InvalidArgument, err.Error(), err)
		}
		opts.Checkpoints[p] = true
	}
	for _, s := range *fromTaskSkip {
		p, err := workflow.ParsePhase(s)
		if err != nil {
			return cerr.NewError(cerr.InvalidArgument, err.Error(), err)
		}
		opts.Checkpoints[p] = false
	}

	wf, err := d.engine.CreateWorkflowFromTask(ctx, *fromTaskDescription, budget, opts)
	if err != nil {
		return err
	}
	return printSummary(wf)
}

func (d *deps) list(ctx context.Context) error {
	wfs, total, err := d.engine.List(ctx, *listLimit, *listOffset)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPHASE\tSPENT\tLIMIT\tSTATE")
	for _, wf := range wfs {
		state := "running"
		switch {
		case wf.Completed:
			state = "completed"
		case wf.Breaker.Tripped:
			state = "tripped"
		case wf.ImplementEscalated:
			state = "escalated"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t$%s\t$%s\t%s\n", wf.ID, wf.Name, wf.CurrentPhase,
			wf.Breaker.Spent.StringFixed(2), wf.Breaker.BudgetLimit.StringFixed(2), state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d workflows\n", len(wfs), total)
	return nil
}

func (d *deps) show(ctx context.Context) error {
	wf, err := d.engine.Get(ctx, *showID)
	if err != nil {
		return err
	}
	return printJSON(wf)
}

func (d *deps) delete(ctx context.Context) error {
	if err := d.engine.Delete(ctx, *deleteID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", *deleteID)
	return nil
}

func (d *deps) status(ctx context.Context) error {
	wf, err := d.engine.Get(ctx, *statusID)
	if err != nil {
		return err
	}
	if err := printSummary(wf); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPHASE\tSTATUS\tAGENT\tTIER\tCOST\tNAME")
	for _, t := range wf.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t$%s\t%s\n", t.ID, t.Phase, statusColor(t.Status),
			t.Agent, t.ModelTier, t.Cost.StringFixed(4), t.Name)
	}
	return tw.Flush()
}

func statusColor(s workflow.TaskStatus) string {
	switch s {
	case workflow.TaskCompleted:
		return color.GreenString(string(s))
	case workflow.TaskFailed:
		return color.RedString(string(s))
	case workflow.TaskActive:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func (d *deps) governance(ctx context.Context) error {
	wf, err := d.engine.Get(ctx, *governanceID)
	if err != nil {
		return err
	}
	if !*governanceHTML {
		fmt.Print(engine.GenerateGovernanceDocument(wf))
		return nil
	}
	html, err := engine.GenerateGovernanceHTML(wf)
	if err != nil {
		return err
	}
	fmt.Print(html)
	return nil
}

func (d *deps) prompt(ctx context.Context) error {
	wf, err := d.engine.Get(ctx, *promptID)
	if err != nil {
		return err
	}
	fmt.Print(engine.GenerateOrchestratorPrompt(wf))
	return nil
}

func (d *deps) advance(ctx context.Context) error {
	wf, err := d.engine.AdvancePhase(ctx, *advanceID)
	if err != nil {
		return err
	}
	return printSummary(wf)
}

func (d *deps) checkpoint(ctx context.Context, command string) error {
	var (
		wf  *workflow.Workflow
		err error
	)
	switch command {
	case requestCmd.FullCommand():
		wf, err = d.engine.RequestApproval(ctx, *requestID, *requestBy, *requestNote)
	case approveCmd.FullCommand():
		wf, err = d.engine.Approve(ctx, *approveID, *approveBy, *approveNote)
	default:
		wf, err = d.engine.Reject(ctx, *rejectID, *rejectBy, *rejectReason)
	}
	if err != nil {
		return err
	}
	return printSummary(wf)
}

func (d *deps) start(ctx context.Context) error {
	est, err := parseMoney("estimate", *startEstimate)
	if err != nil {
		return err
	}
	wf, err := d.engine.StartTask(ctx, *startID, *startTask, est)
	if err != nil {
		return err
	}
	return printSummary(wf)
}

func (d *deps) complete(ctx context.Context) error {
	wf, err := d.engine.CompleteTask(ctx, *completeID, *completeTask, *completeResult)
	if err != nil {
		return err
	}
	return printSummary(wf)
}

func (d *deps) fail(ctx context.Context) error {
	wf, err := d.engine.FailTask(ctx, *failID, *failTask, *failReason)
	if err != nil {
		return err
	}
	return printSummary(wf)
}

func (d *deps) attach(ctx context.Context) error {
	wf, err := d.engine.AttachArtifact(ctx, *attachID, *attachTask, *attachPath)
	if err != nil {
		return err
	}
	return printSummary(wf)
}

func (d *deps) resolve(ctx context.Context) error {
	wf, err := d.engine.ResolveEscalation(ctx, *resolveID)
	if err != nil {
		return err
	}
	return printSummary(wf)
}

func (d *deps) verify(ctx context.Context) error {
	tampers, err := d.engine.VerifyLockedArtifacts(ctx, *verifyID)
	for _, t := range tampers {
		if t.Actual == "" {
			color.Red("removed: %s (task %s)", t.Path, t.TaskID)
			continue
		}
		color.Red("modified: %s (task %s)", t.Path, t.TaskID)
		fmt.Print(t.Diff)
	}
	if err != nil {
		return err
	}
	fmt.Println("locked tests intact")
	return nil
}

func (d *deps) record(ctx context.Context) error {
	report := engine.UsageReport{
		TaskID:    *recordTask,
		TokensIn:  *recordIn,
		TokensOut: *recordOut,
		Model:     *recordModel,
	}
	if *recordTier != "" {
		if err := report.Tier.UnmarshalText([]byte(*recordTier)); err != nil {
			return cerr.NewError(cerr.InvalidArgument, err.Error(), err)
		}
	}
	if *recordTextIn != "" && report.TokensIn == 0 {
		report.TokensIn = d.counter.Count(*recordTextIn).Tokens
	}
	if *recordTextOut != "" && report.TokensOut == 0 {
		report.TokensOut = d.counter.Count(*recordTextOut).Tokens
	}

	usage, wf, err := d.engine.RecordUsage(ctx, *recordID, report)
	if err != nil {
		return err
	}
	fmt.Printf("charged $%s at %s (%d in, %d out)\n", usage.Cost.StringFixed(6), usage.Tier, usage.TokensIn, usage.TokensOut)
	if usage.UnknownModel != nil {
		color.Yellow("warning: %s", cerr.MessageOf(usage.UnknownModel))
	}
	for _, w := range usage.Warnings {
		color.Yellow("warning: %s%% of budget used", w.Threshold.Shift(2).String())
	}
	if usage.Tripped {
		color.Red("circuit breaker tripped")
	}
	return printSummary(wf)
}

func (d *deps) budget(ctx context.Context) error {
	st, err := d.engine.BudgetStatus(ctx, *budgetID)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func (d *deps) check(ctx context.Context) error {
	est, err := parseMoney("estimate", *checkEstimate)
	if err != nil {
		return err
	}
	ok, msg, err := d.engine.CheckBudget(ctx, *checkID, est)
	if err != nil {
		return err
	}
	if !ok {
		return cerr.BudgetExhausted("%s", msg)
	}
	fmt.Println(msg)
	return nil
}

func (d *deps) reset(ctx context.Context) error {
	var limit *decimal.Decimal
	if *resetLimit != "" {
		l, err := parseMoney("limit", *resetLimit)
		if err != nil {
			return err
		}
		limit = &l
	}
	wf, err := d.engine.ResetBudget(ctx, *resetID, limit)
	if err != nil {
		return err
	}
	return printSummary(wf)
}
