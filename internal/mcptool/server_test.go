package mcptool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/phaseguild/internal/engine"
	"github.com/kazz187/phaseguild/internal/tokencount"
	"github.com/kazz187/phaseguild/internal/workflow/repositoryimpl"
	"github.com/kazz187/phaseguild/pkg/storage"
)

func newServer(t *testing.T) (*Server, string) {
	t.Helper()
	eng := engine.New(repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage()))
	wf, err := eng.CreateWorkflowFromTask(context.Background(), "add login", decimal.NewFromInt(2), engine.CreateOptions{})
	require.NoError(t, err)
	return NewServer(eng, tokencount.New(tokencount.WithoutTiktoken()), "test"), wf.ID
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return res, text.Text
}

func TestRecordUsageAndBudget(t *testing.T) {
	s, id := newServer(t)

	res, text := call(t, s.handleRecordUsage, map[string]any{
		"workflow_id": id,
		"model":       "claude-sonnet-4",
		"tokens_in":   float64(1_000_000),
		"text_out":    "one two three",
	})
	require.False(t, res.IsError, text)
	var out struct {
		Usage struct {
			Tier      string `json:"tier"`
			TokensOut int64  `json:"tokens_out"`
			Tripped   bool   `json:"tripped"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, "SONNET", out.Usage.Tier)
	assert.Equal(t, int64(4), out.Usage.TokensOut)
	assert.True(t, out.Usage.Tripped)

	res, text = call(t, s.handleRecordUsage, map[string]any{"workflow_id": id, "model": "haiku", "tokens_in": float64(1)})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "BudgetExhausted:")

	res, text = call(t, s.handleCheckBudget, map[string]any{"workflow_id": id, "estimate": 0.01})
	require.False(t, res.IsError)
	assert.Contains(t, text, `"allowed": false`)

	res, text = call(t, s.handleBudgetStatus, map[string]any{"workflow_id": id})
	require.False(t, res.IsError)
	assert.Contains(t, text, `"tripped": true`)
}

func TestArgumentErrors(t *testing.T) {
	s, id := newServer(t)

	res, text := call(t, s.handleWorkflowStatus, map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "workflow_id")

	res, text = call(t, s.handleWorkflowStatus, map[string]any{"workflow_id": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "NotFoundError")

	res, _ = call(t, s.handleRecordUsage, map[string]any{"workflow_id": id, "tokens_in": 1.5})
	assert.True(t, res.IsError)
	res, _ = call(t, s.handleCheckBudget, map[string]any{"workflow_id": id})
	assert.True(t, res.IsError)
}

func TestRenderTools(t *testing.T) {
	s, id := newServer(t)

	res, text := call(t, s.handleWorkflowStatus, map[string]any{"workflow_id": id})
	require.False(t, res.IsError)
	assert.Contains(t, text, `"current_phase": "SPEC"`)

	_, text = call(t, s.handleOrchestratorPrompt, map[string]any{"workflow_id": id})
	assert.Contains(t, text, "spec-writer")

	_, text = call(t, s.handleGovernanceDocument, map[string]any{"workflow_id": id})
	assert.Contains(t, text, "## Rules")
}
