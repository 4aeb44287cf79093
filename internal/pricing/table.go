package pricing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var million = decimal.NewFromInt(1_000_000)

// Entry holds the USD rate per million tokens for one tier.
type Entry struct {
	Tier             Tier            `yaml:"-"`
	InputPerMillion  decimal.Decimal `yaml:"input_per_million"`
	OutputPerMillion decimal.Decimal `yaml:"output_per_million"`
}

// Table is immutable once built and safe for concurrent reads.
type Table struct {
	entries  map[Tier]Entry
	cheapest Tier
}

// NewTable validates that every tier is priced with non-negative rates.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{entries: make(map[Tier]Entry, len(entries))}
	for _, e := range entries {
		if !e.Tier.Valid() {
			return nil, fmt.Errorf("pricing entry with invalid tier %d", int(e.Tier))
		}
		if e.InputPerMillion.IsNegative() || e.OutputPerMillion.IsNegative() {
			return nil, fmt.Errorf("pricing for %s must not be negative", e.Tier)
		}
		t.entries[e.Tier] = e
	}
	for _, tier := range Tiers {
		e, ok := t.entries[tier]
		if !ok {
			return nil, fmt.Errorf("pricing table has no entry for %s", tier)
		}
		if t.cheapest == TierUnspecified || blended(e).LessThan(blended(t.entries[t.cheapest])) {
			t.cheapest = tier
		}
	}
	return t, nil
}

func blended(e Entry) decimal.Decimal {
	return e.InputPerMillion.Add(e.OutputPerMillion)
}

// Default returns the compiled-in rates.
func Default() *Table {
	t, err := NewTable(
		Entry{Tier: TierOpus, InputPerMillion: decimal.NewFromInt(15), OutputPerMillion: decimal.NewFromInt(75)},
		Entry{Tier: TierSonnet, InputPerMillion: decimal.NewFromInt(3), OutputPerMillion: decimal.NewFromInt(15)},
		Entry{Tier: TierHaiku, InputPerMillion: decimal.RequireFromString("0.25"), OutputPerMillion: decimal.RequireFromString("1.25")},
	)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Entry(tier Tier) (Entry, bool) {
	e, ok := t.entries[tier]
	return e, ok
}

// Cheapest is the tier with the lowest combined input and output rate.
func (t *Table) Cheapest() Tier {
	return t.cheapest
}

// Cost prices one call. tier must be valid.
func (t *Table) Cost(tier Tier, tokensIn, tokensOut int64) decimal.Decimal {
	e := t.entries[tier]
	in := decimal.NewFromInt(tokensIn).Div(million).Mul(e.InputPerMillion)
	out := decimal.NewFromInt(tokensOut).Div(million).Mul(e.OutputPerMillion)
	return in.Add(out)
}

type fileFormat struct {
	Tiers map[string]Entry `yaml:"tiers"`
}

// Load reads a YAML override of the form
//
//	tiers:
//	  OPUS:   {input_per_million: "15", output_per_million: "75"}
//	  SONNET: {input_per_million: "3", output_per_million: "15"}
//	  HAIKU:  {input_per_million: "0.25", output_per_million: "1.25"}
//
// Tiers missing from the file keep their default rates.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	def := Default()
	entries := make([]Entry, 0, len(Tiers))
	for _, tier := range Tiers {
		entries = append(entries, def.entries[tier])
	}
	for name, e := range f.Tiers {
		var tier Tier
		if err := tier.UnmarshalText([]byte(name)); err != nil {
			return nil, fmt.Errorf("pricing file: %w", err)
		}
		e.Tier = tier
		entries = append(entries, e)
	}
	return NewTable(entries...)
}
