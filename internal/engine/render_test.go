package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateGovernanceHTML(t *testing.T) {
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")

	md := GenerateGovernanceDocument(wf)
	assert.Contains(t, md, "# Governance: add login")
	assert.Contains(t, md, "## Phases")

	html, err := GenerateGovernanceHTML(wf)
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Governance: add login</h1>")
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<ol>")
	assert.NotContains(t, html, "## Phases")
}

func TestGenerateOrchestratorPrompt(t *testing.T) {
	f := newFixture(t)
	wf := f.create(t, "add login", "10.00")

	prompt := GenerateOrchestratorPrompt(wf)
	assert.Contains(t, prompt, "spec-writer")
	assert.Contains(t, prompt, "## Actionable tasks")
}
