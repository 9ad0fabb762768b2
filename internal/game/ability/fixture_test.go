package ability_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/dice"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/timer"
)

func testEffects() []*effect.Definition {
	return []*effect.Definition{
		{
			ID:             "Cost.Fireball",
			DurationPolicy: effect.Instant,
			Modifiers: []effect.ModifierDef{
				{Attribute: "Mana", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-20)},
			},
		},
		{
			ID:                      "Cost.Focus",
			DurationPolicy:          effect.Instant,
			ApplicationRequirements: tag.Requirements{Ignore: []tag.Tag{"Status.Silenced"}},
			Modifiers: []effect.ModifierDef{
				{Attribute: "Mana", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-20)},
			},
		},
		{
			ID:             "Cooldown.Fireball",
			DurationPolicy: effect.HasDuration,
			Duration:       effect.Scalar(2),
			GrantedTags:    []tag.Tag{"Cooldown.Fireball"},
		},
		{
			ID:             "Damage.Fire",
			DurationPolicy: effect.Instant,
			Modifiers: []effect.ModifierDef{
				{Attribute: "Health", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-30)},
			},
		},
		{
			ID:             "Buff.Shield",
			DurationPolicy: effect.Infinite,
			GrantedTags:    []tag.Tag{"Status.Shielded"},
		},
	}
}

func testAbilities() []*ability.Definition {
	return []*ability.Definition{
		{
			ID:            "fireball",
			Tags:          []tag.Tag{"Ability.Fire"},
			Cost:          "Cost.Fireball",
			Cooldown:      "Cooldown.Fireball",
			TargetEffects: []string{"Damage.Fire"},
		},
		{
			ID:       "focus",
			Tags:     []tag.Tag{"Ability.Focus"},
			Cost:     "Cost.Focus",
			Cooldown: "Cooldown.Fireball",
		},
		{
			ID:                    "channel",
			Behavior:              ability.BehaviorTimed,
			Duration:              2,
			Tags:                  []tag.Tag{"Ability.Channel"},
			ActivationOwnedTags:   []tag.Tag{"State.Channeling"},
			BlockAbilitiesWithTag: []tag.Tag{"Ability.Fire"},
		},
		{
			ID:                     "dodge",
			Tags:                   []tag.Tag{"Ability.Dodge"},
			CancelAbilitiesWithTag: []tag.Tag{"Ability.Channel"},
		},
		{
			ID:           "shield",
			Behavior:     ability.BehaviorPassive,
			Tags:         []tag.Tag{"Ability.Shield"},
			OwnerEffects: []string{"Buff.Shield"},
		},
		{
			ID:       "react",
			Triggers: []ability.Trigger{{Tag: "Event.Hit", Source: ability.TriggerGameplayEvent}},
		},
		{
			ID:       "stunned",
			Behavior: ability.BehaviorPassive,
			Triggers: []ability.Trigger{{Tag: "Status.Stun", Source: ability.TriggerOwnedTagPresent}},
		},
		{
			ID:                "swing",
			Behavior:          ability.BehaviorMontage,
			Montage:           "Swing",
			Tags:              []tag.Tag{"Ability.Melee"},
			ActivationBlocked: []tag.Tag{"Status.Stun"},
		},
		{
			ID:            "aimed_shot",
			Behavior:      ability.BehaviorTargeted,
			Targeting:     ability.TargetUserConfirmed,
			Cost:          "Cost.Fireball",
			TargetEffects: []string{"Damage.Fire"},
		},
		{
			ID:           "server_nova",
			NetExecution: ability.ServerInitiated,
			Behavior:     ability.BehaviorTimed,
			Duration:     1,
		},
		{
			ID:           "server_only",
			NetExecution: ability.ServerOnly,
		},
		{
			ID:           "local_emote",
			NetExecution: ability.LocalOnly,
		},
		{
			ID:                         "sprint",
			Behavior:                   ability.BehaviorPassive,
			ServerRespectsRemoteCancel: true,
		},
	}
}

func newCatalog(t testing.TB) *ability.Catalog {
	t.Helper()
	effects := effect.NewRegistry()
	for _, d := range testEffects() {
		require.NoError(t, effects.Register(d))
	}
	abilities := ability.NewRegistry()
	for _, d := range testAbilities() {
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

type world struct {
	engines map[string]*ability.Engine
}

func (w *world) Engine(id string) (*ability.Engine, bool) {
	e, ok := w.engines[id]
	return e, ok
}

func newEngine(t testing.TB, cfg ability.Config) *ability.Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e, err := ability.NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// standalone builds a locally controlled authority, as in single-player
// play, plus a target dummy it can resolve.
func standalone(t testing.TB, mutate ...func(*ability.Config)) (*ability.Engine, *ability.Engine, *timer.Manager) {
	t.Helper()
	catalog := newCatalog(t)
	timers := timer.NewManager()
	w := &world{engines: make(map[string]*ability.Engine)}
	cfg := ability.Config{
		EntityID:          "hero",
		Role:              ability.RoleAuthority,
		LocallyControlled: true,
		Catalog:           catalog,
		Timers:            timers,
		Resolver:          w,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	hero := newEngine(t, cfg)
	dummy := newEngine(t, ability.Config{
		EntityID: "dummy",
		Role:     ability.RoleAuthority,
		Catalog:  catalog,
		Timers:   timers,
	})
	w.engines["hero"] = hero
	w.engines["dummy"] = dummy
	return hero, dummy, timers
}

func give(t testing.TB, e *ability.Engine, id string) ability.Handle {
	t.Helper()
	h, err := e.GiveAbility(id, 1, 0)
	require.NoError(t, err)
	return h
}

// session is one owning client connected to its authority over a
// loopback.
type session struct {
	server *ability.Engine
	client *ability.Engine
	link   *ability.Loopback
	timers *timer.Manager
}

const conn prediction.ConnID = "conn-1"

func newSession(t testing.TB, mutate ...func(server, client *ability.Config)) *session {
	t.Helper()
	catalog := newCatalog(t)
	s := &session{link: &ability.Loopback{}, timers: timer.NewManager()}
	serverCfg := ability.Config{
		EntityID: "hero",
		Role:     ability.RoleAuthority,
		Conn:     conn,
		Catalog:  catalog,
		Timers:   s.timers,
	}
	clientCfg := ability.Config{
		EntityID: "hero",
		Role:     ability.RoleAutonomous,
		Conn:     conn,
		Catalog:  catalog,
		Timers:   s.timers,
	}
	for _, m := range mutate {
		m(&serverCfg, &clientCfg)
	}
	s.server = newEngine(t, serverCfg)
	s.client = newEngine(t, clientCfg)
	s.server.SetClientLink(s.link.Client(s.client))
	s.client.SetServerLink(s.link.Server(s.server))
	return s
}

// grant gives id on the server and replicates it.
func (s *session) grant(t testing.TB, id string) ability.Handle {
	t.Helper()
	h := give(t, s.server, id)
	s.replicate(t)
	return h
}

// replicate flushes queued messages and applies a snapshot to the client.
func (s *session) replicate(t testing.TB) {
	t.Helper()
	s.link.Flush()
	require.NoError(t, s.client.ApplySnapshot(s.server.Snapshot(conn)))
}
