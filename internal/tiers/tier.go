package tiers

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTier indicates a tier value that is not part of the interval table.
	ErrInvalidTier = errors.New("tiers: invalid tier")
	// ErrInvalidSequence indicates an interval sequence that violates table invariants.
	ErrInvalidSequence = errors.New("tiers: invalid interval sequence")
)

// Tier is an entitlement level. Tiers are totally ordered: Free < Basic < Pro.
type Tier int

const (
	Free Tier = iota + 1
	Basic
	Pro
)

var (
	tierNames  = [...]string{Free: "free", Basic: "basic", Pro: "pro"}
	tierByName = map[string]Tier{
		"free":  Free,
		"basic": Basic,
		"pro":   Pro,
	}
)

var (
	_ fmt.Stringer             = Tier(0)
	_ json.Marshaler           = Tier(0)
	_ json.Unmarshaler         = (*Tier)(nil)
	_ encoding.TextMarshaler   = Tier(0)
	_ encoding.TextUnmarshaler = (*Tier)(nil)
)

// All returns every tier in ascending order.
func All() []Tier {
	return []Tier{Free, Basic, Pro}
}

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	return t >= Free && t <= Pro
}

// String returns the lowercase tier name, or "Tier(n)" for unknown values.
func (t Tier) String() string {
	if t.IsValid() {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// ParseTier resolves a tier name. Matching ignores case and surrounding whitespace.
func ParseTier(raw string) (Tier, error) {
	tier, ok := tierByName[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
	return tier, nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTier, int(t))
	}
	return []byte(tierNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON implements json.Marshaler. Tier serializes as a JSON string.
func (t Tier) MarshalJSON() ([]byte, error) {
	text, err := t.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

// UnmarshalJSON implements json.Unmarshaler. Expects a JSON string.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTier, data)
	}
	return t.UnmarshalText([]byte(name))
}
