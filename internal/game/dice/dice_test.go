package dice_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameplay/internal/game/dice"
)

type fixedSource []int

func (f *fixedSource) Intn(n int) int {
	v := (*f)[0]
	*f = (*f)[1:]
	return v % n
}

func TestParse_Forms(t *testing.T) {
	cases := map[string]dice.Expression{
		"d20":      {Raw: "d20", Count: 1, Sides: 20},
		"2d6+3":    {Raw: "2d6+3", Count: 2, Sides: 6, Modifier: 3},
		"4d8-2":    {Raw: "4d8-2", Count: 4, Sides: 8, Modifier: -2},
		"4d6kh3+1": {Raw: "4d6kh3+1", Count: 4, Sides: 6, KeepHighest: 3, Modifier: 1},
	}
	for in, want := range cases {
		got, err := dice.Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "2x6", "0d6", "2d1", "3d6kh3", "d6+"} {
		_, err := dice.Parse(in)
		assert.Error(t, err, in)
	}
}

func TestRoll_KeepHighest(t *testing.T) {
	src := fixedSource{0, 5, 2, 3}
	res := dice.Roll(dice.MustParse("4d6kh3"), &src)
	assert.Equal(t, []int{6, 4, 3}, res.Dice)
	assert.Equal(t, 13, res.Total())
	assert.Equal(t, "4d6kh3: [6 4 3] +0 = 13", res.String())
}

func TestRoller_SeededIsDeterministic(t *testing.T) {
	r := dice.NewRoller(zap.NewNop())
	seed := dice.SeedFor("entity-1", "7", "Effect.Burn")
	a := r.RollSeeded(dice.MustParse("3d10"), seed)
	b := r.RollSeeded(dice.MustParse("3d10"), seed)
	assert.Equal(t, a, b)
	assert.NotEqual(t, seed, dice.SeedFor("entity-1", "8", "Effect.Burn"))
}

func TestPropertyRoll_WithinBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 10).Draw(t, "count")
		sides := rapid.IntRange(2, 20).Draw(t, "sides")
		mod := rapid.IntRange(-5, 5).Draw(t, "mod")
		e := dice.Expression{Raw: "x", Count: count, Sides: sides, Modifier: mod}
		res := dice.Roll(e, dice.NewSeededSource(rapid.Uint64().Draw(t, "seed")))
		assert.GreaterOrEqual(t, res.Total(), e.Min())
		assert.LessOrEqual(t, res.Total(), e.Max())
		assert.Len(t, res.Dice, count)
	})
}
