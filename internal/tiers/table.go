package tiers

import "fmt"

// Table maps every tier to its interval sequence in days.
// A Table is immutable once constructed and safe for concurrent use.
type Table struct {
	sequences map[Tier][]int
}

// canonicalSequences is the single authoritative tier → interval mapping.
var canonicalSequences = map[Tier][]int{
	Free:  {1, 3},
	Basic: {1, 3, 7, 14, 30, 60, 90},
	Pro:   {1, 3, 7, 14, 30, 60, 120, 180},
}

// NewTable validates the provided sequences and returns a Table.
// Every known tier must be present, and each sequence must start at 1 and be strictly increasing.
func NewTable(sequences map[Tier][]int) (*Table, error) {
	validated := make(map[Tier][]int, len(sequences))
	for tier, sequence := range sequences {
		if !tier.IsValid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidTier, int(tier))
		}
		if err := validateSequence(sequence); err != nil {
			return nil, fmt.Errorf("tier %s: %w", tier, err)
		}
		validated[tier] = append([]int(nil), sequence...)
	}
	for _, tier := range All() {
		if _, ok := validated[tier]; !ok {
			return nil, fmt.Errorf("%w: missing sequence for tier %s", ErrInvalidSequence, tier)
		}
	}
	return &Table{sequences: validated}, nil
}

// DefaultTable returns the validated canonical table.
func DefaultTable() (*Table, error) {
	return NewTable(canonicalSequences)
}

// MustDefaultTable returns the canonical table and panics if it fails validation.
func MustDefaultTable() *Table {
	table, err := DefaultTable()
	if err != nil {
		panic(err)
	}
	return table
}

// SequenceFor returns a copy of the interval sequence for tier.
func (t *Table) SequenceFor(tier Tier) ([]int, error) {
	sequence, ok := t.sequences[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTier, tier)
	}
	return append([]int(nil), sequence...), nil
}

// MaxDays returns the longest interval a tier is entitled to.
func (t *Table) MaxDays(tier Tier) (int, error) {
	sequence, ok := t.sequences[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTier, tier)
	}
	return sequence[len(sequence)-1], nil
}

func validateSequence(sequence []int) error {
	if len(sequence) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidSequence)
	}
	if sequence[0] != 1 {
		return fmt.Errorf("%w: must start at 1, got %d", ErrInvalidSequence, sequence[0])
	}
	for index := 1; index < len(sequence); index++ {
		if sequence[index] <= sequence[index-1] {
			return fmt.Errorf("%w: not strictly increasing at position %d", ErrInvalidSequence, index)
		}
	}
	return nil
}
