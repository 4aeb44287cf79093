package workflow

import (
	"fmt"
	"slices"

	"github.com/kazz187/phaseguild/internal/pricing"
)

type Phase string

const (
	PhaseSpec       Phase = "SPEC"
	PhaseTestDesign Phase = "TEST_DESIGN"
	PhaseTestImpl   Phase = "TEST_IMPL"
	PhaseImplement  Phase = "IMPLEMENT"
	PhaseValidate   Phase = "VALIDATE"
	PhaseReview     Phase = "REVIEW"
	PhaseDeliver    Phase = "DELIVER"
)

// Phases is the fixed total order every workflow passes through.
var Phases = []Phase{
	PhaseSpec,
	PhaseTestDesign,
	PhaseTestImpl,
	PhaseImplement,
	PhaseValidate,
	PhaseReview,
	PhaseDeliver,
}

func (p Phase) Index() int {
	return slices.Index(Phases, p)
}

func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Next returns the following phase; ok is false for DELIVER.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(Phases)-1 {
		return "", false
	}
	return Phases[i+1], true
}

// Prev returns the preceding phase; ok is false for SPEC.
func (p Phase) Prev() (Phase, bool) {
	i := p.Index()
	if i <= 0 {
		return "", false
	}
	return Phases[i-1], true
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// PhasePolicy is the fixed per-phase assignment of model tier and owner agent.
type PhasePolicy struct {
	Tier     pricing.Tier
	Agent    string
	PerItem  bool // one task per work item rather than one for the phase
	Required bool // checkpoint required by default
}

var policies = map[Phase]PhasePolicy{
	PhaseSpec:       {Tier: pricing.TierOpus, Agent: "spec-writer", Required: true},
	PhaseTestDesign: {Tier: pricing.TierSonnet, Agent: "test-designer", PerItem: true},
	PhaseTestImpl:   {Tier: pricing.TierHaiku, Agent: "test-author", PerItem: true, Required: true},
	PhaseImplement:  {Tier: pricing.TierSonnet, Agent: "implementer", PerItem: true},
	PhaseValidate:   {Tier: pricing.TierHaiku, Agent: "validator"},
	PhaseReview:     {Tier: pricing.TierOpus, Agent: "reviewer", Required: true},
	PhaseDeliver:    {Tier: pricing.TierHaiku, Agent: "release-manager"},
}

func PolicyFor(p Phase) PhasePolicy {
	return policies[p]
}
