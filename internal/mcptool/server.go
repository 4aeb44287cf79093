// Package mcptool exposes budget and workflow governance to agents as MCP
// tools over stdio.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/engine"
	"github.com/kazz187/phaseguild/internal/tokencount"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

const instructions = `phaseguild governs this workflow. Check the budget before expensive work,
report token usage after every model call, and follow the orchestrator prompt.
Locked tests must never be modified.`

type Server struct {
	mcpServer *server.MCPServer
	engine    *engine.Engine
	counter   *tokencount.Counter
}

func NewServer(eng *engine.Engine, counter *tokencount.Counter, version string) *Server {
	s := &Server{engine: eng, counter: counter}
	s.mcpServer = server.NewMCPServer(
		"phaseguild",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.registerTools()
	return s
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks until stdin closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func workflowID() mcp.ToolOption {
	return mcp.WithString("workflow_id",
		mcp.Required(),
		mcp.Description("Workflow ID"),
	)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("workflow_status",
		mcp.WithDescription("Current phase, task counts and gating flags of a workflow"),
		workflowID(),
	), s.handleWorkflowStatus)

	s.mcpServer.AddTool(mcp.NewTool("budget_status",
		mcp.WithDescription("Budget limit, spend, remaining amount and circuit breaker state"),
		workflowID(),
	), s.handleBudgetStatus)

	s.mcpServer.AddTool(mcp.NewTool("check_budget",
		mcp.WithDescription("Ask whether an operation with the given estimated USD cost may proceed"),
		workflowID(),
		mcp.WithNumber("estimate",
			mcp.Required(),
			mcp.Description("Estimated cost in USD"),
		),
	), s.handleCheckBudget)

	s.mcpServer.AddTool(mcp.NewTool("record_usage",
		mcp.WithDescription("Record tokens consumed by a model call. Pass counts, or raw text to be counted"),
		workflowID(),
		mcp.WithString("task_id", mcp.Description("Task the usage belongs to")),
		mcp.WithString("model", mcp.Description("Model name as reported by the provider")),
		mcp.WithNumber("tokens_in", mcp.Description("Input tokens")),
		mcp.WithNumber("tokens_out", mcp.Description("Output tokens")),
		mcp.WithString("text_in", mcp.Description("Raw prompt text, counted when tokens_in is not known")),
		mcp.WithString("text_out", mcp.Description("Raw completion text, counted when tokens_out is not known")),
	), s.handleRecordUsage)

	s.mcpServer.AddTool(mcp.NewTool("orchestrator_prompt",
		mcp.WithDescription("Instructions for the agents that own the current phase's actionable tasks"),
		workflowID(),
	), s.handleOrchestratorPrompt)

	s.mcpServer.AddTool(mcp.NewTool("governance_document",
		mcp.WithDescription("Markdown governance document: phases, budget and non-negotiable rules"),
		workflowID(),
	), s.handleGovernanceDocument)
}

func getArgs(request mcp.CallToolRequest) map[string]any {
	if args, ok := request.Params.Arguments.(map[string]any); ok {
		return args
	}
	return make(map[string]any)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg accepts JSON numbers and numeric strings.
func intArg(args map[string]any, key string) (int64, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int64(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsInteger() {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return d.IntPart(), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

func decimalArg(args map[string]any, key string) (decimal.Decimal, error) {
	switch v := args[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s must be a number", key)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("%s is required", key)
	}
}

func requireWorkflowID(args map[string]any) (string, *mcp.CallToolResult) {
	id := stringArg(args, "workflow_id")
	if id == "" {
		return "", mcp.NewToolResultError("workflow_id parameter is required")
	}
	return id, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", cerr.KindOf(err), cerr.MessageOf(err)))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := requireWorkflowID(getArgs(request))
	if res != nil {
		return res, nil
	}
	wf, err := s.engine.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(engine.GetStatus(wf))
}

func (s *Server) handleBudgetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := requireWorkflowID(getArgs(request))
	if res != nil {
		return res, nil
	}
	st, err := s.engine.BudgetStatus(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(st)
}

func (s *Server) handleCheckBudget(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	id, res := requireWorkflowID(args)
	if res != nil {
		return res, nil
	}
	est, err := decimalArg(args, "estimate")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ok, msg, err := s.engine.CheckBudget(ctx, id, est)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"allowed": ok, "message": msg})
}

func (s *Server) handleRecordUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	id, res := requireWorkflowID(args)
	if res != nil {
		return res, nil
	}
	report := engine.UsageReport{
		TaskID: stringArg(args, "task_id"),
		Model:  stringArg(args, "model"),
	}
	var err error
	if report.TokensIn, err = intArg(args, "tokens_in"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if report.TokensOut, err = intArg(args, "tokens_out"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if text := stringArg(args, "text_in"); text != "" && report.TokensIn == 0 {
		report.TokensIn = s.counter.Count(text).Tokens
	}
	if text := stringArg(args, "text_out"); text != "" && report.TokensOut == 0 {
		report.TokensOut = s.counter.Count(text).Tokens
	}

	usage, wf, err := s.engine.RecordUsage(ctx, id, report)
	if err != nil {
		return errorResult(err), nil
	}
	out := map[string]any{
		"usage":  usage,
		"budget": wf.Breaker.Status(),
	}
	if usage.UnknownModel != nil {
		out["warning"] = cerr.MessageOf(usage.UnknownModel)
	}
	return jsonResult(out)
}

func (s *Server) handleOrchestratorPrompt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := requireWorkflowID(getArgs(request))
	if res != nil {
		return res, nil
	}
	wf, err := s.engine.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(engine.GenerateOrchestratorPrompt(wf)), nil
}

func (s *Server) handleGovernanceDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := requireWorkflowID(getArgs(request))
	if res != nil {
		return res, nil
	}
	wf, err := s.engine.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(engine.GenerateGovernanceDocument(wf)), nil
}
