package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/gameplay/internal/client"
	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/gameserver"
)

func TestNew_PanicsOnNonPositiveTickInterval(t *testing.T) {
	h := startServer(t)
	assert.Panics(t, func() {
		client.New(h.conn, newCatalog(t), client.Options{QueueSize: 1}, zap.NewNop())
	})
}

func TestClient_ConfirmedActivationKeepsPrediction(t *testing.T) {
	h := startServer(t)
	s := connect(t, h, zap.NewNop(), "bolt")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.client.Activate(ctx, "bolt"))

	clientDo(t, s.client, func() {
		assert.Equal(t, 90.0, s.client.Self().Attributes().Value("Mana"))
	})
	worldDo(t, h.world, func() {
		ent, ok := h.world.Entity(s.client.EntityID())
		require.True(t, ok)
		assert.Equal(t, 90.0, ent.Engine.Attributes().Value("Mana"))
	})
}

func TestClient_ServerRejectionRollsBackPrediction(t *testing.T) {
	h := startServer(t)
	s := connect(t, h, zap.NewNop(), "bolt")

	// The client still believes it has 100 mana.
	worldDo(t, h.world, func() {
		ent, ok := h.world.Entity(s.client.EntityID())
		require.True(t, ok)
		ent.Engine.Attributes().SetBaseValue("Mana", 5)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Activate(ctx, "bolt")
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	clientDo(t, s.client, func() {
		assert.Equal(t, 100.0, s.client.Self().Attributes().Value("Mana"))
		assert.Empty(t, s.client.Self().Ledger().Outstanding())
	})
}

func TestClient_LocalRefusals(t *testing.T) {
	h := startServer(t)
	s := connect(t, h, zap.NewNop(), "nova")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, s.client.Activate(ctx, "bolt"), client.ErrUnknownAbility)
	assert.ErrorIs(t, s.client.Activate(ctx, "nova"), ability.ErrNetPolicyViolation)
}

func TestClient_ReplicatedCueOfPredictionIsSuppressed(t *testing.T) {
	h := startServer(t)
	core, logs := observer.New(zapcore.DebugLevel)
	s := connect(t, h, zap.New(core), "bolt")

	played := 0
	clientDo(t, s.client, func() {
		s.client.Cues().Register("GameplayCue", func(n cue.Notification) {
			if n.Tag == "GameplayCue.Cast" {
				played++
			}
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.client.Activate(ctx, "bolt"))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("replicated cue suppressed").Len() == 1
	}, 3*time.Second, 10*time.Millisecond)
	clientDo(t, s.client, func() { assert.Equal(t, 1, played) })
}

func TestClient_MirrorsOtherEntities(t *testing.T) {
	h := startServer(t)
	worldDo(t, h.world, func() {
		_, err := h.world.Spawn(gameserver.SpawnOptions{ID: "dummy", Loadout: []string{"bolt"}})
		require.NoError(t, err)
	})
	s := connect(t, h, zap.NewNop())

	require.Eventually(t, func() bool {
		found := false
		_ = s.client.Do(context.Background(), func() { _, found = s.client.Proxy("dummy") })
		return found
	}, 3*time.Second, 10*time.Millisecond)
	clientDo(t, s.client, func() {
		p, _ := s.client.Proxy("dummy")
		assert.Equal(t, ability.RoleSimulated, p.Role())
		_, ok := p.FindSpecByAbility("bolt")
		assert.True(t, ok)
	})

	worldDo(t, h.world, func() { h.world.Remove("dummy") })
	require.Eventually(t, func() bool {
		found := true
		_ = s.client.Do(context.Background(), func() { _, found = s.client.Proxy("dummy") })
		return !found
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_CancelEndsSessionCleanly(t *testing.T) {
	h := startServer(t)
	s := connect(t, h, zap.NewNop())
	id := s.client.EntityID()
	require.NotEmpty(t, id)

	s.cancel()
	select {
	case err := <-s.done:
		assert.NoError(t, err)
		s.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}

	require.Eventually(t, func() bool {
		present := true
		_ = h.world.Do(context.Background(), func() { _, present = h.world.Entity(id) })
		return !present
	}, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.client.Do(context.Background(), func() {}), client.ErrNotRunning)
}

func TestClient_ServerShutdownEndsSession(t *testing.T) {
	h := startServer(t)
	s := connect(t, h, zap.NewNop())
	h.server.Stop()

	select {
	case err := <-s.done:
		assert.Error(t, err)
		s.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}
