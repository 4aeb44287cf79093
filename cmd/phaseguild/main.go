package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/kazz187/phaseguild/pkg/cerr"
)

var version = "dev"

var (
	app          = kingpin.New("phaseguild", "Cost and phase governance for multi-agent coding workflows")
	artifactRoot = app.Flag("artifact-root", "Directory relative artifact paths resolve against").Envar("PHASEGUILD_ARTIFACT_ROOT").Default(".").String()

	// Workflow commands
	fromTaskCmd         = app.Command("from-task", "Plan a workflow from a task description")
	fromTaskDescription = fromTaskCmd.Arg("description", "Task description; bullet or numbered lines become work items").Required().String()
	fromTaskBudget      = fromTaskCmd.Flag("budget", "Budget limit in USD").String()
	fromTaskName        = fromTaskCmd.Flag("name", "Workflow name").String()
	fromTaskRequire     = fromTaskCmd.Flag("require", "Require a checkpoint at PHASE").Strings()
	fromTaskSkip        = fromTaskCmd.Flag("skip", "Drop the default checkpoint at PHASE").Strings()

	listCmd    = app.Command("list", "List workflows")
	listLimit  = listCmd.Flag("limit", "Page size").Default("50").Int()
	listOffset = listCmd.Flag("offset", "Page offset").Default("0").Int()

	showCmd = app.Command("show", "Print a workflow as JSON")
	showID  = showCmd.Arg("id", "Workflow ID").Required().String()

	deleteCmd = app.Command("delete", "Delete a workflow")
	deleteID  = deleteCmd.Arg("id", "Workflow ID").Required().String()

	statusCmd = app.Command("status", "Show phase and task summary")
	statusID  = statusCmd.Arg("id", "Workflow ID").Required().String()

	governanceCmd  = app.Command("governance", "Print the governance document")
	governanceID   = governanceCmd.Arg("id", "Workflow ID").Required().String()
	governanceHTML = governanceCmd.Flag("html", "Render as HTML").Bool()

	promptCmd = app.Command("prompt", "Print the orchestrator prompt")
	promptID  = promptCmd.Arg("id", "Workflow ID").Required().String()

	advanceCmd = app.Command("advance", "Advance to the next phase")
	advanceID  = advanceCmd.Arg("id", "Workflow ID").Required().String()

	// Checkpoint commands
	requestCmd  = app.Command("request-approval", "Request approval of the current phase checkpoint")
	requestID   = requestCmd.Arg("id", "Workflow ID").Required().String()
	requestBy   = requestCmd.Flag("by", "Requesting actor").Default("orchestrator").String()
	requestNote = requestCmd.Flag("note", "Note for the approver").String()

	approveCmd  = app.Command("approve", "Approve the current phase checkpoint")
	approveID   = approveCmd.Arg("id", "Workflow ID").Required().String()
	approveBy   = approveCmd.Flag("by", "Approving actor").Required().String()
	approveNote = approveCmd.Flag("note", "Approval note").String()

	rejectCmd    = app.Command("reject", "Reject the current phase checkpoint")
	rejectID     = rejectCmd.Arg("id", "Workflow ID").Required().String()
	rejectBy     = rejectCmd.Flag("by", "Rejecting actor").Required().String()
	rejectReason = rejectCmd.Flag("reason", "Rejection reason").Required().String()

	// Task commands
	startCmd      = app.Command("start", "Start a task")
	startID       = startCmd.Arg("id", "Workflow ID").Required().String()
	startTask     = startCmd.Arg("task", "Task ID").Required().String()
	startEstimate = startCmd.Flag("estimate", "Estimated cost in USD").Default("0").String()

	completeCmd    = app.Command("complete", "Complete a task")
	completeID     = completeCmd.Arg("id", "Workflow ID").Required().String()
	completeTask   = completeCmd.Arg("task", "Task ID").Required().String()
	completeResult = completeCmd.Flag("result", "Result summary").String()

	failCmd    = app.Command("fail", "Fail a task")
	failID     = failCmd.Arg("id", "Workflow ID").Required().String()
	failTask   = failCmd.Arg("task", "Task ID").Required().String()
	failReason = failCmd.Flag("reason", "Failure reason").Required().String()

	attachCmd  = app.Command("attach", "Attach an artifact path to a task")
	attachID   = attachCmd.Arg("id", "Workflow ID").Required().String()
	attachTask = attachCmd.Arg("task", "Task ID").Required().String()
	attachPath = attachCmd.Arg("path", "Artifact path").Required().String()

	resolveCmd = app.Command("resolve", "Resolve an IMPLEMENT escalation")
	resolveID  = resolveCmd.Arg("id", "Workflow ID").Required().String()

	verifyCmd = app.Command("verify", "Verify locked test artifacts")
	verifyID  = verifyCmd.Arg("id", "Workflow ID").Required().String()

	// Budget commands
	recordCmd     = app.Command("record", "Record token usage")
	recordID      = recordCmd.Arg("id", "Workflow ID").Required().String()
	recordTask    = recordCmd.Flag("task", "Task ID").String()
	recordIn      = recordCmd.Flag("in", "Input tokens").Int64()
	recordOut     = recordCmd.Flag("out", "Output tokens").Int64()
	recordModel   = recordCmd.Flag("model", "Model name").String()
	recordTier    = recordCmd.Flag("tier", "Model tier").Enum("OPUS", "SONNET", "HAIKU")
	recordTextIn  = recordCmd.Flag("text-in", "Count input tokens from this text").String()
	recordTextOut = recordCmd.Flag("text-out", "Count output tokens from this text").String()

	budgetCmd = app.Command("budget", "Show budget status")
	budgetID  = budgetCmd.Arg("id", "Workflow ID").Required().String()

	checkCmd      = app.Command("check", "Check whether an estimated cost may proceed")
	checkID       = checkCmd.Arg("id", "Workflow ID").Required().String()
	checkEstimate = checkCmd.Arg("estimate", "Estimated cost in USD").Required().String()

	resetCmd   = app.Command("reset", "Reset a tripped circuit breaker")
	resetID    = resetCmd.Arg("id", "Workflow ID").Required().String()
	resetLimit = resetCmd.Flag("limit", "New budget limit in USD").String()

	// Servers
	serveCmd = app.Command("serve", "Run the HTTP API, metrics, notifications and locked test watcher")
	mcpCmd   = app.Command("mcp", "Serve governance tools over MCP stdio")
)

func main() {
	app.Version(version)
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if code := reportError(os.Stderr, run(ctx, command)); code != 0 {
		stop()
		os.Exit(code)
	}
}

func run(ctx context.Context, command string) error {
	d, err := setup(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	switch command {
	case fromTaskCmd.FullCommand():
		return d.fromTask(ctx)
	case listCmd.FullCommand():
		return d.list(ctx)
	case showCmd.FullCommand():
		return d.show(ctx)
	case deleteCmd.FullCommand():
		return d.delete(ctx)
	case statusCmd.FullCommand():
		return d.status(ctx)
	case governanceCmd.FullCommand():
		return d.governance(ctx)
	case promptCmd.FullCommand():
		return d.prompt(ctx)
	case advanceCmd.FullCommand():
		return d.advance(ctx)
	case requestCmd.FullCommand(), approveCmd.FullCommand(), rejectCmd.FullCommand():
		return d.checkpoint(ctx, command)
	case startCmd.FullCommand():
		return d.start(ctx)
	case completeCmd.FullCommand():
		return d.complete(ctx)
	case failCmd.FullCommand():
		return d.fail(ctx)
	case attachCmd.FullCommand():
		return d.attach(ctx)
	case resolveCmd.FullCommand():
		return d.resolve(ctx)
	case verifyCmd.FullCommand():
		return d.verify(ctx)
	case recordCmd.FullCommand():
		return d.record(ctx)
	case budgetCmd.FullCommand():
		return d.budget(ctx)
	case checkCmd.FullCommand():
		return d.check(ctx)
	case resetCmd.FullCommand():
		return d.reset(ctx)
	case serveCmd.FullCommand():
		return d.serve(ctx)
	case mcpCmd.FullCommand():
		return d.mcp()
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// reportError writes err as "<kind>: <message>" and returns the exit code.
// Governance refusals are yellow, everything else red.
func reportError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	errorColor(err).Fprintf(w, "%s: %s\n", cerr.KindOf(err), cerr.MessageOf(err))
	return 1
}

func errorColor(err error) *color.Color {
	if cerr.IsGovernance(err) {
		return color.New(color.FgYellow)
	}
	return color.New(color.FgRed)
}
