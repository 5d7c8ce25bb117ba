package tier

import (
	"strings"

	"github.com/nimbleworks/chat_gateway/internal/config"
)

// Tier is the closed set of service levels. Profiles carrying an
// unrecognized or legacy value are treated as FREE.
type Tier string

const (
	Free    Tier = "FREE"
	Starter Tier = "STARTER"
	Pro     Tier = "PRO"
	Ultra   Tier = "ULTRA"
)

// All lists every known tier in ascending order of entitlement.
func All() []Tier {
	return []Tier{Free, Starter, Pro, Ultra}
}

// Parse maps a raw profile value onto the closed enum, defaulting to FREE.
func Parse(raw string) Tier {
	switch Tier(strings.ToUpper(strings.TrimSpace(raw))) {
	case Starter:
		return Starter
	case Pro:
		return Pro
	case Ultra:
		return Ultra
	default:
		return Free
	}
}

func (t Tier) String() string { return string(t) }

// Quotas resolves the configured quota set for the tier.
func Quotas(t Tier, cfg config.RateLimitConfig) config.TierQuota {
	switch t {
	case Starter:
		return cfg.Starter
	case Pro:
		return cfg.Pro
	case Ultra:
		return cfg.Ultra
	default:
		return cfg.Free
	}
}
