package schema

import (
	"fmt"
	"strings"
)

// Tier is an execution tier. Tiers are totally ordered: a higher tier costs
// more and evades more.
type Tier int

const (
	TierSimple Tier = iota
	TierRendered
	TierStealth
)

// Tiers lists every tier in escalation order.
var Tiers = []Tier{TierSimple, TierRendered, TierStealth}

func (t Tier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierRendered:
		return "rendered"
	case TierStealth:
		return "stealth"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is one of the three tiers.
func (t Tier) Valid() bool { return t >= TierSimple && t <= TierStealth }

// Next returns the tier above t. ok is false at the top of the ladder.
func (t Tier) Next() (next Tier, ok bool) {
	if t >= TierStealth {
		return t, false
	}
	return t + 1, true
}

// ParseTier parses "simple", "rendered" or "stealth". The empty string is
// TierSimple.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "simple", "http":
		return TierSimple, nil
	case "rendered", "browser":
		return TierRendered, nil
	case "stealth":
		return TierStealth, nil
	}
	return TierSimple, fmt.Errorf("schema: unknown tier %q", s)
}

// MaxTier returns the highest of ts.
func MaxTier(ts ...Tier) Tier {
	m := TierSimple
	for _, t := range ts {
		if t > m {
			m = t
		}
	}
	return m
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
