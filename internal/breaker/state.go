package breaker

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/pricing"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

// State is the persisted shape of a breaker.
type State struct {
	BudgetLimit    decimal.Decimal   `yaml:"budget_limit" json:"budget_limit"`
	Spent          decimal.Decimal   `yaml:"spent" json:"spent"`
	TokensInTotal  int64             `yaml:"tokens_in_total" json:"tokens_in_total"`
	TokensOutTotal int64             `yaml:"tokens_out_total" json:"tokens_out_total"`
	Tripped        bool              `yaml:"tripped" json:"tripped"`
	WarningsIssued []decimal.Decimal `yaml:"warnings_issued" json:"warnings_issued"`
}

// Status is a read-only budget summary.
type Status struct {
	Limit          decimal.Decimal   `json:"limit"`
	Spent          decimal.Decimal   `json:"spent"`
	Remaining      decimal.Decimal   `json:"remaining"`
	Utilization    decimal.Decimal   `json:"utilization"`
	TokensInTotal  int64             `json:"tokens_in_total"`
	TokensOutTotal int64             `json:"tokens_out_total"`
	Tripped        bool              `json:"tripped"`
	WarningsIssued []decimal.Decimal `json:"warnings_issued"`
}

// Restore rebuilds a breaker from persisted state.
func Restore(s State, table *pricing.Table, opts ...Option) (*Breaker, error) {
	b, err := New(s.BudgetLimit, table, opts...)
	if err != nil {
		return nil, err
	}
	if s.Spent.IsNegative() || s.TokensInTotal < 0 || s.TokensOutTotal < 0 {
		return nil, cerr.NewError(cerr.DataLoss, "corrupt breaker state",
			fmt.Errorf("negative accounting: spent=%s in=%d out=%d", s.Spent, s.TokensInTotal, s.TokensOutTotal))
	}
	for _, w := range s.WarningsIssued {
		if !slices.ContainsFunc(Thresholds, w.Equal) {
			return nil, cerr.NewError(cerr.DataLoss, "corrupt breaker state", fmt.Errorf("unknown warning threshold %s", w))
		}
	}
	b.spent = s.Spent
	b.tokensIn = s.TokensInTotal
	b.tokensOut = s.TokensOutTotal
	b.tripped = s.Tripped
	b.warnings = slices.Clone(s.WarningsIssued)
	return b, nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		BudgetLimit:    b.limit,
		Spent:          b.spent,
		TokensInTotal:  b.tokensIn,
		TokensOutTotal: b.tokensOut,
		Tripped:        b.tripped,
		WarningsIssued: slices.Clone(b.warnings),
	}
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Breaker) statusLocked() Status {
	return State{
		BudgetLimit:    b.limit,
		Spent:          b.spent,
		TokensInTotal:  b.tokensIn,
		TokensOutTotal: b.tokensOut,
		Tripped:        b.tripped,
		WarningsIssued: b.warnings,
	}.Status()
}

// Status summarizes persisted state without rebuilding a breaker.
func (s State) Status() Status {
	st := Status{
		Limit:          s.BudgetLimit,
		Spent:          s.Spent,
		Remaining:      decimal.Max(decimal.Zero, s.BudgetLimit.Sub(s.Spent)),
		TokensInTotal:  s.TokensInTotal,
		TokensOutTotal: s.TokensOutTotal,
		Tripped:        s.Tripped,
		WarningsIssued: slices.Clone(s.WarningsIssued),
	}
	if s.BudgetLimit.IsPositive() {
		st.Utilization = s.Spent.DivRound(s.BudgetLimit, 6)
	}
	return st
}
