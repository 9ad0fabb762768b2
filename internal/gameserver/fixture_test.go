package gameserver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/dice"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/gameserver"
)

func newCatalog(t testing.TB) *ability.Catalog {
	t.Helper()
	effects := effect.NewRegistry()
	for _, d := range []*effect.Definition{
		{
			ID:             "Cost.Bolt",
			DurationPolicy: effect.Instant,
			Modifiers: []effect.ModifierDef{
				{Attribute: "Mana", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-10)},
			},
			Cues: []tag.Tag{"GameplayCue.Cast"},
		},
		{
			ID:             "Damage.Bolt",
			DurationPolicy: effect.Instant,
			Modifiers: []effect.ModifierDef{
				{Attribute: "Health", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-25)},
			},
		},
	} {
		require.NoError(t, effects.Register(d))
	}
	abilities := ability.NewRegistry()
	for _, d := range []*ability.Definition{
		{ID: "bolt", Cost: "Cost.Bolt", TargetEffects: []string{"Damage.Bolt"}},
		{ID: "nova", NetExecution: ability.ServerOnly},
	} {
		require.NoError(t, abilities.Register(d))
	}
	c := &ability.Catalog{
		Abilities: abilities,
		Effects:   effects,
		Curves:    effect.NewCurveTable(nil),
		Schema:    attribute.Schema{Defaults: attribute.Defaults{"Mana": 100, "Health": 100}},
		Behaviors: ability.NewBehaviorRegistry(),
		Roller:    dice.NewRoller(zap.NewNop()),
	}
	require.NoError(t, c.Validate())
	return c
}

// runWorld starts a world and stops it when the test ends.
func runWorld(t testing.TB, cfg gameserver.WorldConfig) *gameserver.World {
	t.Helper()
	if cfg.SnapshotIntervalTicks == 0 {
		cfg.SnapshotIntervalTicks = 1
	}
	if cfg.CommandQueueSize == 0 {
		cfg.CommandQueueSize = 64
	}
	w := gameserver.NewWorld(newCatalog(t), cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("world run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("world did not stop")
		}
	})
	return w
}

// do runs fn on the world goroutine.
func do(t testing.TB, w *gameserver.World, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Do(ctx, fn))
}
