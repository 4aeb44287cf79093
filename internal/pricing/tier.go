package pricing

import (
	"fmt"
	"strings"
)

// Tier is a cost/capability class of model. The set is closed; free-form model
// names reported by agents are mapped onto it with ParseTier.
type Tier int

const (
	TierUnspecified Tier = iota
	TierOpus
	TierSonnet
	TierHaiku
)

// Tiers lists every known tier, heaviest first.
var Tiers = []Tier{TierOpus, TierSonnet, TierHaiku}

func (t Tier) String() string {
	switch t {
	case TierOpus:
		return "OPUS"
	case TierSonnet:
		return "SONNET"
	case TierHaiku:
		return "HAIKU"
	default:
		return "UNSPECIFIED"
	}
}

func (t Tier) Valid() bool {
	return t >= TierOpus && t <= TierHaiku
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "OPUS":
		*t = TierOpus
	case "SONNET":
		*t = TierSonnet
	case "HAIKU":
		*t = TierHaiku
	default:
		return fmt.Errorf("unknown tier %q", string(b))
	}
	return nil
}

// ParseTier maps a model name as reported by an agent runtime to a tier.
// Tier names themselves and vendor model ids ("claude-3-5-sonnet-20241022",
// "opus-4") are both accepted. ok is false when nothing matches.
func ParseTier(model string) (Tier, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return TierUnspecified, false
	}
	for _, t := range Tiers {
		if strings.Contains(m, strings.ToLower(t.String())) {
			return t, true
		}
	}
	return TierUnspecified, false
}
