// Package breaker implements the cost circuit breaker: a hard budget ceiling
// with one-shot warning thresholds and a manual reset.
package breaker

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/pricing"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

// Thresholds are the utilization ratios that raise a warning, ascending.
var Thresholds = []decimal.Decimal{
	decimal.RequireFromString("0.5"),
	decimal.RequireFromString("0.75"),
	decimal.RequireFromString("0.9"),
}

// Warning is emitted the first time spend reaches a threshold.
type Warning struct {
	Threshold decimal.Decimal `json:"threshold"`
	Spent     decimal.Decimal `json:"spent"`
	Limit     decimal.Decimal `json:"limit"`
}

// Observer is notified of warnings and the trip in the order they happen.
// It is called with the breaker lock held and must not call back into it.
type Observer interface {
	OnWarning(w Warning)
	OnTrip(s Status)
}

// Usage is the outcome of one RecordUsage call.
type Usage struct {
	Tier      pricing.Tier    `json:"tier"`
	Model     string          `json:"model,omitempty"`
	TokensIn  int64           `json:"tokens_in"`
	TokensOut int64           `json:"tokens_out"`
	Cost      decimal.Decimal `json:"cost"`
	Warnings  []Warning       `json:"warnings,omitempty"`
	Tripped   bool            `json:"tripped"`
	// UnknownModel is set when the reported model had no pricing entry and the
	// cheapest tier was charged instead.
	UnknownModel error `json:"-"`
}

type Breaker struct {
	mu       sync.Mutex
	table    *pricing.Table
	observer Observer
	logger   *slog.Logger

	limit     decimal.Decimal
	spent     decimal.Decimal
	tokensIn  int64
	tokensOut int64
	tripped   bool
	warnings  []decimal.Decimal
}

type Option func(*Breaker)

func WithObserver(o Observer) Option {
	return func(b *Breaker) {
		b.observer = o
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = l
	}
}

// New returns a fresh breaker. limit must be positive.
func New(limit decimal.Decimal, table *pricing.Table, opts ...Option) (*Breaker, error) {
	if !limit.IsPositive() {
		return nil, cerr.InvalidBudget("budget limit must be greater than zero, got %s", limit)
	}
	b := &Breaker{
		table:  table,
		logger: slog.Default(),
		limit:  limit,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// CheckBudget reports whether an operation estimated at est may proceed. It
// never mutates the breaker.
func (b *Breaker) CheckBudget(est decimal.Decimal) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if est.IsNegative() {
		return false, fmt.Sprintf("estimated cost must not be negative, got %s", est)
	}
	if b.tripped {
		return false, fmt.Sprintf("circuit breaker tripped: spent %s of %s, reset required", b.spent, b.limit)
	}
	projected := b.spent.Add(est)
	if projected.GreaterThan(b.limit) {
		return false, fmt.Sprintf("estimated cost %s would bring spend to %s, over the %s limit", est, projected, b.limit)
	}
	return true, fmt.Sprintf("ok: %s remaining after this operation", b.limit.Sub(projected))
}

// RecordUsage charges tokens at tier's rates. An invalid tier is charged at the
// cheapest tier with Usage.UnknownModel set. When the breaker is already
// tripped nothing is recorded and a BudgetExhausted error is returned; the call
// that trips it succeeds with Usage.Tripped set.
func (b *Breaker) RecordUsage(tokensIn, tokensOut int64, tier pricing.Tier) (Usage, error) {
	if !tier.Valid() {
		return b.record(tokensIn, tokensOut, tier.String())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordLocked(tokensIn, tokensOut, tier)
}

// RecordModelUsage is RecordUsage for a free-form model name.
func (b *Breaker) RecordModelUsage(tokensIn, tokensOut int64, model string) (Usage, error) {
	return b.record(tokensIn, tokensOut, model)
}

func (b *Breaker) record(tokensIn, tokensOut int64, model string) (Usage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tier, ok := pricing.ParseTier(model)
	var unknown error
	if !ok {
		tier = b.table.Cheapest()
		unknown = cerr.UnknownModel(model)
	}
	usage, err := b.recordLocked(tokensIn, tokensOut, tier)
	if err != nil {
		return usage, err
	}
	usage.Model = model
	if unknown != nil {
		usage.UnknownModel = unknown
		b.logger.Warn("unknown model charged at cheapest tier",
			"model", model,
			"tier", tier.String(),
			"cost", usage.Cost.String(),
		)
	}
	return usage, nil
}

func (b *Breaker) recordLocked(tokensIn, tokensOut int64, tier pricing.Tier) (Usage, error) {
	if tokensIn < 0 || tokensOut < 0 {
		return Usage{}, cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("token counts must not be negative, got in=%d out=%d", tokensIn, tokensOut), nil)
	}
	if b.tripped {
		return Usage{}, cerr.BudgetExhausted("circuit breaker tripped: spent %s of %s, reset required", b.spent, b.limit)
	}

	cost := b.table.Cost(tier, tokensIn, tokensOut)
	b.spent = b.spent.Add(cost)
	b.tokensIn += tokensIn
	b.tokensOut += tokensOut

	usage := Usage{
		Tier:      tier,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
	}
	for _, th := range Thresholds {
		if slices.ContainsFunc(b.warnings, th.Equal) {
			continue
		}
		if b.spent.LessThan(b.limit.Mul(th)) {
			break
		}
		b.warnings = append(b.warnings, th)
		w := Warning{Threshold: th, Spent: b.spent, Limit: b.limit}
		usage.Warnings = append(usage.Warnings, w)
		if b.observer != nil {
			b.observer.OnWarning(w)
		}
	}
	if b.spent.GreaterThan(b.limit) {
		b.tripped = true
		usage.Tripped = true
		if b.observer != nil {
			b.observer.OnTrip(b.statusLocked())
		}
	}
	return usage, nil
}

// Reset closes the gate again. It clears the trip and the issued warnings and
// optionally replaces the limit; spend and token totals are kept.
func (b *Breaker) Reset(newLimit *decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if newLimit != nil {
		if !newLimit.IsPositive() {
			return cerr.InvalidBudget("budget limit must be greater than zero, got %s", *newLimit)
		}
		b.limit = *newLimit
	}
	b.tripped = false
	b.warnings = nil
	return nil
}

func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

func (b *Breaker) Spent() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}
