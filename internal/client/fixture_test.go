package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/gameplay/internal/client"
	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/dice"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/gameserver"
	"github.com/cory-johannsen/gameplay/internal/netproto"
)

func newCatalog(t testing.TB) *ability.Catalog {
	t.Helper()
	effects := effect.NewRegistry()
	for _, d := range []*effect.Definition{
		{
			ID: "Cost.Bolt",
			Modifiers: []effect.ModifierDef{
				{Attribute: "Mana", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-10)},
			},
			Cues: []tag.Tag{"GameplayCue.Cast"},
		},
		{
			ID: "Damage.Bolt",
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

type harness struct {
	world  *gameserver.World
	server *grpc.Server
	conn   *grpc.ClientConn
}

// startServer runs a world behind a loopback gRPC server.
func startServer(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	w := gameserver.NewWorld(newCatalog(t), gameserver.WorldConfig{SnapshotIntervalTicks: 1, CommandQueueSize: 64}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer(grpc.ForceServerCodec(netproto.Codec{}))
	gameserver.NewService(w, 64, logger).Register(srv)
	go func() { _ = srv.Serve(lis) }()

	conn, err := client.Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		cancel()
		<-done
	})
	return &harness{world: w, server: srv, conn: conn}
}

type session struct {
	client *client.Client
	cancel context.CancelFunc
	done   chan error
}

// connect runs a client with loadout until the test ends and waits for it
// to be ready.
func connect(t *testing.T, h *harness, logger *zap.Logger, loadout ...string) *session {
	t.Helper()
	c := client.New(h.conn, newCatalog(t), client.Options{
		Name:             "ada",
		Loadout:          loadout,
		TickInterval:     10 * time.Millisecond,
		OrphanKeyTimeout: 5 * time.Second,
		SweepInterval:    time.Second,
		QueueSize:        64,
	}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{client: c, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})

	select {
	case <-c.Ready():
	case err := <-s.done:
		t.Fatalf("client stopped before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("client never became ready")
	}
	return s
}

func clientDo(t *testing.T, c *client.Client, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Do(ctx, fn))
}

func worldDo(t *testing.T, w *gameserver.World, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Do(ctx, fn))
}
