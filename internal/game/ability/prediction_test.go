package ability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

func TestPrediction_ConfirmedActivationReconciles(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "fireball")

	require.NoError(t, s.client.TryActivateAbility(h))
	assert.Equal(t, 80.0, s.client.Attributes().Value("Mana"), "the cost is predicted")
	assert.Equal(t, 100.0, s.client.Attributes().BaseValue("Mana"))
	assert.True(t, s.client.Tags().HasMatchingTag("Cooldown.Fireball"))
	assert.Len(t, s.client.Ledger().Outstanding(), 1)
	assert.Equal(t, 2, s.link.Pending(), "activation request and end")

	s.replicate(t)
	assert.Equal(t, 80.0, s.server.Attributes().BaseValue("Mana"))
	assert.Equal(t, 80.0, s.client.Attributes().Value("Mana"), "the predicted cost is not paid twice")
	assert.Equal(t, 80.0, s.client.Attributes().BaseValue("Mana"))
	assert.Equal(t, 1, s.client.Effects().Len(), "the predicted cooldown was adopted")
	assert.True(t, s.client.Tags().HasMatchingTag("Cooldown.Fireball"))
	assert.Empty(t, s.client.Ledger().Outstanding())
}

func TestPrediction_RejectedActivationRollsBack(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "fireball")
	s.server.Attributes().SetBaseValue("Mana", 10)

	var failed []ability.FailedInfo
	s.client.OnAbilityFailed(func(f ability.FailedInfo) { failed = append(failed, f) })

	require.NoError(t, s.client.TryActivateAbility(h))
	require.Equal(t, 80.0, s.client.Attributes().Value("Mana"))
	s.link.Flush()

	require.Len(t, failed, 1)
	assert.Equal(t, ability.ReasonCost, failed[0].Reason)
	assert.ErrorIs(t, failed[0].Err, ability.ErrCannotAffordCost)
	assert.Equal(t, 100.0, s.client.Attributes().Value("Mana"))
	assert.False(t, s.client.Tags().HasMatchingTag("Cooldown.Fireball"))
	assert.Equal(t, 0, s.client.Effects().Len())
	assert.False(t, s.server.Tags().HasMatchingTag("Cooldown.Fireball"))
}

func TestPrediction_RejectionCancelsRunningActivation(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "channel")
	s.server.BlockAbilitiesWithTags(tag.NewContainer("Ability.Channel"))

	var ended []ability.EndedInfo
	s.client.OnAbilityEnded(func(info ability.EndedInfo) { ended = append(ended, info) })

	require.NoError(t, s.client.TryActivateAbility(h))
	spec, _ := s.client.FindSpec(h)
	require.True(t, spec.IsActive())
	assert.Equal(t, ability.Predicting, spec.Activation.Mode)
	assert.True(t, s.client.Tags().HasMatchingTag("State.Channeling"))

	s.link.Flush()
	require.Len(t, ended, 1)
	assert.True(t, ended[0].Cancelled)
	assert.True(t, ended[0].Remote)
	assert.False(t, spec.IsActive())
	assert.False(t, s.client.Tags().HasMatchingTag("State.Channeling"))
	assert.Equal(t, 0, s.timers.Len())
	assert.Equal(t, 0, s.link.Pending(), "a rolled back activation is not echoed to the server")
}

func TestPrediction_ConfirmationMarksRunningActivation(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "channel")

	require.NoError(t, s.client.TryActivateAbility(h))
	s.link.Flush()

	clientSpec, _ := s.client.FindSpec(h)
	serverSpec, _ := s.server.FindSpec(h)
	require.True(t, clientSpec.IsActive())
	require.True(t, serverSpec.IsActive())
	assert.Equal(t, ability.Confirmed, clientSpec.Primary().Info.Mode)
	assert.Equal(t, ability.Authority, serverSpec.Primary().Info.Mode)
	assert.Equal(t, clientSpec.Primary().Info.Key.Current, serverSpec.Primary().Info.Key.Current)

	s.timers.Advance(2 * time.Second)
	s.link.Flush()
	assert.False(t, clientSpec.IsActive())
	assert.False(t, serverSpec.IsActive())
}

func TestPrediction_ServerInitiatedRunsOnServerFirst(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "server_nova")

	require.NoError(t, s.client.TryActivateAbility(h))
	clientSpec, _ := s.client.FindSpec(h)
	serverSpec, _ := s.server.FindSpec(h)
	assert.False(t, clientSpec.IsActive(), "the client waits for the server")
	require.Equal(t, 1, s.link.Pending())

	s.link.Flush()
	require.True(t, serverSpec.IsActive())
	require.True(t, clientSpec.IsActive())
	assert.Equal(t, ability.Confirmed, clientSpec.Primary().Info.Mode)
	assert.False(t, clientSpec.Primary().Info.Key.IsValidKey())

	s.timers.Advance(time.Second)
	s.link.Flush()
	assert.False(t, clientSpec.IsActive())
	assert.False(t, serverSpec.IsActive())
}

func TestPrediction_NetPolicyViolations(t *testing.T) {
	s := newSession(t)
	serverOnly := s.grant(t, "server_only")
	assert.ErrorIs(t, s.client.TryActivateAbility(serverOnly), ability.ErrNetPolicyViolation)
	assert.Equal(t, 0, s.link.Pending())

	proxy := newEngine(t, ability.Config{
		EntityID: "hero",
		Role:     ability.RoleSimulated,
		Catalog:  s.server.Catalog(),
		Timers:   s.timers,
	})
	require.NoError(t, proxy.ApplySnapshot(s.server.Snapshot("someone-else")))
	assert.ErrorIs(t, proxy.TryActivateAbility(serverOnly), ability.ErrNetPolicyViolation)
}

func TestPrediction_LocalOnlyNeverTouchesTheNetwork(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "local_emote")

	var activations []ability.ActivationMode
	s.client.OnAbilityActivated(func(inst *ability.Instance) { activations = append(activations, inst.Info.Mode) })

	require.NoError(t, s.client.TryActivateAbility(h))
	assert.Equal(t, []ability.ActivationMode{ability.NonAuthority}, activations)
	assert.Equal(t, 0, s.link.Pending())

	require.NoError(t, s.server.TryActivateAbility(h), "the authority asks the owner to run it")
	require.Equal(t, 1, s.link.Pending())
	s.link.Flush()
	assert.Len(t, activations, 2)
}

func TestPrediction_RemoteCancelRespectsAbility(t *testing.T) {
	s := newSession(t)
	sprint := s.grant(t, "sprint")
	channel := s.grant(t, "channel")

	require.NoError(t, s.client.TryActivateAbility(sprint))
	require.NoError(t, s.client.TryActivateAbility(channel))
	s.link.Flush()
	sprintSpec, _ := s.server.FindSpec(sprint)
	channelSpec, _ := s.server.FindSpec(channel)
	require.True(t, sprintSpec.IsActive())
	require.True(t, channelSpec.IsActive())

	s.client.CancelAbilityHandle(sprint)
	s.client.CancelAbilityHandle(channel)
	s.link.Flush()
	assert.False(t, sprintSpec.IsActive())
	assert.True(t, channelSpec.IsActive(), "the server ignores cancels it does not respect")
}

func TestPrediction_ServerCancelReachesClient(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "channel")
	require.NoError(t, s.client.TryActivateAbility(h))
	s.link.Flush()

	var ended []ability.EndedInfo
	s.client.OnAbilityEnded(func(info ability.EndedInfo) { ended = append(ended, info) })

	s.server.CancelAbilityHandle(h)
	s.link.Flush()
	require.Len(t, ended, 1)
	assert.True(t, ended[0].Cancelled)
	assert.True(t, ended[0].Remote)
	assert.Equal(t, 0, s.link.Pending())
}

func TestPrediction_ReplicatedTargetData(t *testing.T) {
	var dummy *ability.Engine
	provider := targeting.NewStatic(targeting.NewHandle(targeting.SingleHit{Actor: "dummy"}))
	s := newSession(t, func(server, client *ability.Config) {
		dummy = newEngine(t, ability.Config{
			EntityID: "dummy",
			Role:     ability.RoleAuthority,
			Catalog:  server.Catalog,
			Timers:   server.Timers,
		})
		server.Resolver = ability.ResolverFunc(func(id string) (*ability.Engine, bool) {
			return dummy, id == "dummy"
		})
		client.Targeting = provider
	})
	h := s.grant(t, "aimed_shot")

	require.NoError(t, s.client.TryActivateAbility(h))
	s.link.Flush()
	serverSpec, _ := s.server.FindSpec(h)
	require.True(t, serverSpec.IsActive(), "the server waits for the client's targets")
	assert.Equal(t, "targeting", serverSpec.Primary().State)

	require.Equal(t, 1, provider.Confirm())
	assert.Equal(t, 80.0, s.client.Attributes().Value("Mana"))
	assert.Equal(t, 100.0, dummy.Attributes().Value("Health"), "clients never predict damage on others")

	s.replicate(t)
	assert.False(t, serverSpec.IsActive())
	assert.Equal(t, 70.0, dummy.Attributes().Value("Health"))
	assert.Equal(t, 80.0, s.server.Attributes().BaseValue("Mana"))
	assert.Equal(t, 80.0, s.client.Attributes().Value("Mana"))
	assert.Empty(t, s.client.Ledger().Outstanding())
}

func TestPrediction_EventTriggeredOnAuthority(t *testing.T) {
	s := newSession(t)
	s.grant(t, "react")

	var modes []ability.ActivationMode
	s.client.OnAbilityActivated(func(inst *ability.Instance) { modes = append(modes, inst.Info.Mode) })

	assert.Equal(t, 1, s.server.HandleGameplayEvent("Event.Hit", ability.EventData{InstigatorID: "dummy"}))
	s.link.Flush()
	assert.Equal(t, []ability.ActivationMode{ability.Confirmed}, modes)
}

func TestPrediction_EventTriggeredOnClientIsPredicted(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "react")

	var serverEvents []tag.Tag
	s.server.OnAbilityActivated(func(inst *ability.Instance) {
		require.NotNil(t, inst.Event)
		serverEvents = append(serverEvents, inst.Event.Tag)
	})

	assert.Equal(t, 1, s.client.HandleGameplayEvent("Event.Hit.Critical", ability.EventData{}))
	spec, _ := s.client.FindSpec(h)
	assert.Equal(t, ability.Predicting, spec.Activation.Mode)
	s.link.Flush()
	assert.Equal(t, []tag.Tag{"Event.Hit.Critical"}, serverEvents)
}

func TestPrediction_DisconnectRejectsOutstanding(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "channel")
	require.NoError(t, s.client.TryActivateAbility(h))

	assert.Equal(t, 1, s.client.RejectOutstandingPredictions())
	spec, _ := s.client.FindSpec(h)
	assert.False(t, spec.IsActive())
	assert.False(t, s.client.Tags().HasMatchingTag("State.Channeling"))
}

func TestPrediction_SimulatedProxyMirrorsActivations(t *testing.T) {
	s := newSession(t)
	h := s.grant(t, "channel")
	require.NoError(t, s.client.TryActivateAbility(h))
	s.link.Flush()

	proxy := newEngine(t, ability.Config{
		EntityID: "hero",
		Role:     ability.RoleSimulated,
		Catalog:  s.server.Catalog(),
		Timers:   s.timers,
	})
	snap := s.server.Snapshot("someone-else")
	assert.False(t, snap.AckedKey.IsValidKey())
	require.NoError(t, proxy.ApplySnapshot(snap))
	spec, ok := proxy.FindSpec(h)
	require.True(t, ok)
	assert.Equal(t, 1, spec.ActiveCount)
	assert.True(t, proxy.Tags().HasMatchingTag("State.Channeling"))

	s.timers.Advance(2 * time.Second)
	s.link.Flush()
	require.NoError(t, proxy.ApplySnapshot(s.server.Snapshot("someone-else")))
	assert.Equal(t, 0, spec.ActiveCount)
	assert.False(t, proxy.Tags().HasMatchingTag("State.Channeling"))
}

func TestPropertyPrediction_ClientConvergesOnServer(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newSession(t)
		h := s.grant(t, "fireball")
		steps := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 30).Draw(rt, "steps")
		for _, step := range steps {
			switch step {
			case 0:
				err := s.client.TryActivateAbility(h)
				if err != nil && !ability.IsExpected(err) {
					rt.Fatalf("unexpected activation error: %v", err)
				}
			case 1:
				s.timers.Advance(time.Duration(rapid.IntRange(0, 2500).Draw(rt, "ms")) * time.Millisecond)
			case 2:
				s.replicate(t)
			}
		}
		s.replicate(t)
		if got, want := s.client.Attributes().Value("Mana"), s.server.Attributes().Value("Mana"); got != want {
			rt.Fatalf("client mana %v, server mana %v", got, want)
		}
		if n := len(s.client.Ledger().Outstanding()); n != 0 {
			rt.Fatalf("%d prediction keys still outstanding", n)
		}
	})
}
