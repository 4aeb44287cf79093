package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/phaseguild/internal/eventbus"
)

func TestHandle(t *testing.T) {
	m := New(false)
	m.Handle(&eventbus.Event{Type: eventbus.EventUsageRecorded, Metadata: map[string]string{
		"tier": "SONNET", "tokens_in": "1000000", "tokens_out": "2000", "cost": "3.03",
	}})
	m.Handle(&eventbus.Event{Type: eventbus.EventBudgetWarning, Metadata: map[string]string{"threshold": "0.5"}})
	m.Handle(&eventbus.Event{Type: eventbus.EventBudgetTripped})
	m.Handle(&eventbus.Event{Type: eventbus.EventPhaseAdvanced, Metadata: map[string]string{"from": "SPEC", "to": "TEST_DESIGN"}})
	m.Handle(&eventbus.Event{Type: eventbus.EventCheckpointApproved, Metadata: map[string]string{"phase": "SPEC"}})

	assert.Equal(t, 1_000_000.0, testutil.ToFloat64(m.tokens.WithLabelValues("SONNET", "input")))
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.tokens.WithLabelValues("SONNET", "output")))
	assert.InDelta(t, 3.03, testutil.ToFloat64(m.cost.WithLabelValues("SONNET")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.warnings.WithLabelValues("0.5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trips))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phaseTransitions.WithLabelValues("SPEC", "TEST_DESIGN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointDecisions.WithLabelValues("SPEC", "approved")))
}

func TestRunAndHandler(t *testing.T) {
	m := New(false)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.PublishNew(eventbus.EventWorkflowCreated, "w1", "", nil)
		return testutil.ToFloat64(m.workflowsCreated) > 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "phaseguild_workflows_created_total")
}
