package dice

import (
	"sort"

	"go.uber.org/zap"
)

// Roll evaluates expr with src.
//
// Precondition: expr came from Parse; src is non-nil.
// Postcondition: len(result.Dice) is KeepHighest when set, else Count.
func Roll(expr Expression, src Source) RollResult {
	rolled := make([]int, expr.Count)
	for i := range rolled {
		rolled[i] = src.Intn(expr.Sides) + 1
	}
	kept := rolled
	if expr.KeepHighest > 0 {
		sort.Sort(sort.Reverse(sort.IntSlice(rolled)))
		kept = rolled[:expr.KeepHighest]
	}
	return RollResult{Expression: expr.Raw, Dice: kept, Modifier: expr.Modifier}
}

// Roller rolls seeded expressions and logs each roll at debug level.
type Roller struct {
	logger *zap.Logger
}

// NewRoller creates a Roller.
//
// Precondition: logger must be non-nil.
func NewRoller(logger *zap.Logger) *Roller {
	return &Roller{logger: logger}
}

// RollSeeded rolls expr with a source seeded by seed. Equal seeds give equal
// results on every machine.
func (r *Roller) RollSeeded(expr Expression, seed uint64) RollResult {
	res := Roll(expr, NewSeededSource(seed))
	r.logger.Debug("dice roll",
		zap.String("expression", res.Expression),
		zap.Uint64("seed", seed),
		zap.Ints("dice", res.Dice),
		zap.Int("total", res.Total()),
	)
	return res
}
