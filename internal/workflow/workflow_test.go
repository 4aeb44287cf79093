package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/phaseguild/internal/pricing"
)

func TestPhaseOrder(t *testing.T) {
	var walked []Phase
	p := PhaseSpec
	for {
		walked = append(walked, p)
		next, ok := p.Next()
		if !ok {
			break
		}
		assert.Equal(t, p.Index()+1, next.Index())
		prev, ok := next.Prev()
		require.True(t, ok)
		assert.Equal(t, p, prev)
		p = next
	}
	assert.Equal(t, Phases, walked)

	_, ok := PhaseSpec.Prev()
	assert.False(t, ok)
	_, err := ParsePhase("QA")
	assert.Error(t, err)
}

func TestPhasePolicy(t *testing.T) {
	tiers := map[Phase]pricing.Tier{
		PhaseSpec:       pricing.TierOpus,
		PhaseReview:     pricing.TierOpus,
		PhaseTestDesign: pricing.TierSonnet,
		PhaseImplement:  pricing.TierSonnet,
		PhaseTestImpl:   pricing.TierHaiku,
		PhaseValidate:   pricing.TierHaiku,
		PhaseDeliver:    pricing.TierHaiku,
	}
	for phase, tier := range tiers {
		assert.Equal(t, tier, PolicyFor(phase).Tier, phase)
		assert.NotEmpty(t, PolicyFor(phase).Agent, phase)
	}
	assert.True(t, PolicyFor(PhaseTestImpl).Required)
}

func TestTaskTransitions(t *testing.T) {
	allowed := [][2]TaskStatus{
		{TaskPending, TaskActive},
		{TaskActive, TaskCompleted},
		{TaskActive, TaskFailed},
		{TaskFailed, TaskActive},
	}
	for _, from := range taskStatuses {
		for _, to := range taskStatuses {
			want := false
			for _, a := range allowed {
				if a[0] == from && a[1] == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestUnblock(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := &Workflow{Tasks: []*Task{
		{ID: "a", Status: TaskCompleted},
		{ID: "b", Status: TaskActive},
		{ID: "c", Status: TaskBlocked, Dependencies: []string{"a"}},
		{ID: "d", Status: TaskBlocked, Dependencies: []string{"a", "b"}},
		{ID: "e", Status: TaskBlocked, Dependencies: []string{"missing"}},
	}}

	released := w.Unblock(now)
	require.Len(t, released, 1)
	assert.Equal(t, "c", released[0].ID)
	assert.Equal(t, TaskPending, released[0].Status)
	assert.Equal(t, now, released[0].UpdatedAt)

	d, _ := w.Task("d")
	assert.Equal(t, TaskBlocked, d.Status)

	counts := w.Counts()
	assert.Equal(t, 1, counts[TaskPending])
	assert.Equal(t, 2, counts[TaskBlocked])
	assert.Equal(t, 0, counts[TaskFailed])
}

func TestCheckpoint(t *testing.T) {
	w := &Workflow{}
	cp := w.Checkpoint(PhaseValidate)
	assert.True(t, cp.Open())
	assert.Same(t, cp, w.Checkpoint(PhaseValidate))

	cp.Required = true
	assert.False(t, cp.Open())
	cp.State = CheckpointRejected
	assert.False(t, cp.Open())
	cp.State = CheckpointApproved
	assert.True(t, cp.Open())
}

func TestPhaseDoneAndTestsLocked(t *testing.T) {
	w := &Workflow{Tasks: []*Task{
		{ID: "t1", Phase: PhaseTestImpl, Status: TaskCompleted, Locked: true},
		{ID: "t2", Phase: PhaseTestImpl, Status: TaskCompleted},
		{ID: "i1", Phase: PhaseImplement, Status: TaskFailed},
	}}
	assert.True(t, w.PhaseDone(PhaseTestImpl))
	assert.False(t, w.PhaseDone(PhaseImplement))
	assert.True(t, w.PhaseDone(PhaseReview))
	assert.False(t, w.TestsLocked())

	w.Tasks[1].Locked = true
	assert.True(t, w.TestsLocked())
}
