// Package dice provides dice expressions used as effect magnitudes.
//
// Rolls are deterministic for a given seed so that a client predicting an
// effect and the server applying it arrive at the same magnitude.
package dice

import (
	"fmt"
	"strings"
)

// RollResult holds the audit trail for a single roll.
//
// Postcondition: Total() == sum(Dice) + Modifier.
type RollResult struct {
	Expression string // original expression, e.g. "2d6+3"
	Dice       []int  // kept die results
	Modifier   int
}

// Total returns the sum of the kept dice plus the modifier.
func (r RollResult) Total() int {
	total := r.Modifier
	for _, d := range r.Dice {
		total += d
	}
	return total
}

// String renders r as "2d6+3: [4 5] +3 = 12".
func (r RollResult) String() string {
	parts := make([]string, len(r.Dice))
	for i, d := range r.Dice {
		parts[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s: [%s] %+d = %d", r.Expression, strings.Join(parts, " "), r.Modifier, r.Total())
}

// Source is the randomness provider for rolls.
type Source interface {
	// Intn returns a value in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}
