// Package gameserver hosts the authoritative simulation: the world that owns
// every entity's ability engine, the gRPC session service clients predict
// against, and the websocket feed observers watch.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/timer"
)

// ErrStopped is returned when work is submitted to a world that is not
// running.
var ErrStopped = errors.New("world stopped")

// ErrEntityExists is returned when spawning an id already in use.
var ErrEntityExists = errors.New("entity already exists")

// SnapshotPublisher receives the unfiltered world state on every snapshot
// broadcast. Publish is called on the world goroutine and must not block.
type SnapshotPublisher interface {
	Publish(tick uint64, snaps []ability.Snapshot)
}

// WorldConfig tunes a World.
type WorldConfig struct {
	// SnapshotIntervalTicks is how many ticks pass between snapshot
	// broadcasts.
	SnapshotIntervalTicks int
	// CommandQueueSize bounds submitted work not yet run.
	CommandQueueSize int
	// Montages maps montage names to their play length.
	Montages map[string]time.Duration
}

// Entity is one simulated actor and its authoritative engine.
type Entity struct {
	ID     string
	Name   string
	Conn   prediction.ConnID
	Engine *ability.Engine
}

// SpawnOptions describes an entity to add.
type SpawnOptions struct {
	// ID is minted when empty.
	ID   string
	Name string
	// Conn and Link are set for entities a remote client controls.
	Conn prediction.ConnID
	Link ability.ClientLink
	// LocallyControlled marks an entity played on the server machine.
	LocallyControlled bool
	// Loadout names abilities to grant. Unknown ids are logged and skipped.
	Loadout []string
	// Attributes overrides base attribute values after the defaults.
	Attributes map[string]float64
}

// World owns every entity of one simulation and runs all gameplay on a
// single goroutine. Other goroutines hand it work with Submit or Do; work
// runs in submission order. Methods not documented as safe for concurrent
// use must only be called from submitted work.
type World struct {
	cfg      WorldConfig
	catalog  *ability.Catalog
	logger   *zap.Logger
	timers   *timer.Manager
	montages *ability.TimedMontagePlayer

	cmds    chan func()
	stopped chan struct{}

	entities   map[string]*Entity
	order      []string
	outboxes   map[prediction.ConnID]*Outbox
	publishers []SnapshotPublisher
	ticks      uint64
}

// NewWorld creates a stopped World.
//
// Precondition: catalog and logger must be non-nil; cfg.SnapshotIntervalTicks
// and cfg.CommandQueueSize must be > 0.
func NewWorld(catalog *ability.Catalog, cfg WorldConfig, logger *zap.Logger) *World {
	if cfg.SnapshotIntervalTicks <= 0 || cfg.CommandQueueSize <= 0 {
		panic("gameserver.NewWorld: snapshot interval and command queue size must be > 0")
	}
	timers := timer.NewManager()
	return &World{
		cfg:      cfg,
		catalog:  catalog,
		logger:   logger.Named("world"),
		timers:   timers,
		montages: ability.NewTimedMontagePlayer(timers, cfg.Montages, logger),
		cmds:     make(chan func(), cfg.CommandQueueSize),
		stopped:  make(chan struct{}),
		entities: make(map[string]*Entity),
		outboxes: make(map[prediction.ConnID]*Outbox),
	}
}

// Run executes submitted work until ctx is cancelled, then closes every
// engine. Run must be called exactly once.
func (w *World) Run(ctx context.Context) error {
	defer close(w.stopped)
	w.logger.Info("world running", zap.Int("snapshot_interval_ticks", w.cfg.SnapshotIntervalTicks))
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case fn := <-w.cmds:
			fn()
		}
	}
}

func (w *World) shutdown() {
	for _, id := range w.order {
		w.entities[id].Engine.Close()
	}
	w.logger.Info("world stopped", zap.Int("entities", len(w.order)), zap.Uint64("ticks", w.ticks))
}

// Submit queues fn to run on the world goroutine. It is safe for concurrent
// use.
func (w *World) Submit(ctx context.Context, fn func()) error {
	select {
	case <-w.stopped:
		return ErrStopped
	default:
	}
	select {
	case w.cmds <- fn:
		return nil
	case <-w.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the world goroutine and waits for it to finish. It is safe
// for concurrent use.
func (w *World) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := w.Submit(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-w.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddPublisher registers p for snapshot broadcasts.
func (w *World) AddPublisher(p SnapshotPublisher) {
	w.publishers = append(w.publishers, p)
}

// Timers returns the world clock.
func (w *World) Timers() *timer.Manager { return w.timers }

// Ticks returns the number of ticks run.
func (w *World) Ticks() uint64 { return w.ticks }

// Engine implements ability.Resolver.
func (w *World) Engine(id string) (*ability.Engine, bool) {
	ent, ok := w.entities[id]
	if !ok {
		return nil, false
	}
	return ent.Engine, true
}

// Entity returns the entity id.
func (w *World) Entity(id string) (*Entity, bool) {
	ent, ok := w.entities[id]
	return ent, ok
}

// Entities returns every entity in spawn order.
func (w *World) Entities() []*Entity {
	out := make([]*Entity, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.entities[id])
	}
	return out
}

// Spawn adds an entity with an authoritative engine.
//
// Postcondition: the entity is registered, its loadout granted and the
// attribute overrides applied.
func (w *World) Spawn(opts SpawnOptions) (*Entity, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := w.entities[id]; ok {
		return nil, fmt.Errorf("spawning %q: %w", id, ErrEntityExists)
	}
	eng, err := ability.NewEngine(ability.Config{
		EntityID:          id,
		Role:              ability.RoleAuthority,
		LocallyControlled: opts.LocallyControlled,
		Conn:              opts.Conn,
		Catalog:           w.catalog,
		Timers:            w.timers,
		Cues:              w,
		Client:            opts.Link,
		Resolver:          w,
		Montages:          w.montages,
		AvatarValid: func() bool {
			_, ok := w.entities[id]
			return ok
		},
		Logger: w.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("spawning %q: %w", id, err)
	}
	ent := &Entity{ID: id, Name: opts.Name, Conn: opts.Conn, Engine: eng}
	w.entities[id] = ent
	w.order = append(w.order, id)

	for name, v := range opts.Attributes {
		eng.Attributes().SetBaseValue(attribute.Attribute(name), v)
	}
	for _, abilityID := range opts.Loadout {
		if _, err := eng.GiveAbility(abilityID, 1, 0); err != nil {
			w.logger.Warn("loadout ability not granted",
				zap.String("entity", id), zap.String("ability", abilityID), zap.Error(err))
		}
	}
	w.logger.Info("entity spawned",
		zap.String("entity", id),
		zap.String("name", opts.Name),
		zap.String("conn", string(opts.Conn)),
		zap.Int("abilities", len(eng.Specs())),
	)
	return ent, nil
}

// Remove closes and drops entity id and tells every client to forget it.
func (w *World) Remove(id string) bool {
	ent, ok := w.entities[id]
	if !ok {
		return false
	}
	ent.Engine.Close()
	delete(w.entities, id)
	for i, cur := range w.order {
		if cur == id {
			w.order = append(w.order[:i:i], w.order[i+1:]...)
			break
		}
	}
	for _, out := range w.outboxes {
		out.Removed(id)
	}
	w.logger.Info("entity removed", zap.String("entity", id))
	return true
}

// Attach registers out for snapshots and cues and sends it the current
// state.
func (w *World) Attach(out *Outbox) {
	w.outboxes[out.Conn()] = out
	for _, id := range w.order {
		out.Snapshot(w.entities[id].Engine.Snapshot(out.Conn()))
	}
}

// Detach stops delivery to conn.
func (w *World) Detach(conn prediction.ConnID) {
	delete(w.outboxes, conn)
}

// Join spawns the avatar of a connecting client, attaches its outbox and
// welcomes it.
func (w *World) Join(name string, loadout []string, out *Outbox) (*Entity, error) {
	ent, err := w.Spawn(SpawnOptions{
		Name:    name,
		Conn:    out.Conn(),
		Link:    out,
		Loadout: loadout,
	})
	if err != nil {
		return nil, err
	}
	out.Welcome(ent.ID)
	w.Attach(out)
	return ent, nil
}

// Leave removes every entity owned by conn and detaches its outbox.
func (w *World) Leave(conn prediction.ConnID) {
	w.Detach(conn)
	for _, ent := range w.Entities() {
		if ent.Conn == conn {
			w.Remove(ent.ID)
		}
	}
}

// Tick advances the world clock by dt and broadcasts snapshots every
// SnapshotIntervalTicks ticks.
func (w *World) Tick(dt time.Duration) {
	w.timers.Advance(dt)
	w.ticks++
	if w.ticks%uint64(w.cfg.SnapshotIntervalTicks) == 0 {
		w.Broadcast()
	}
}

// Broadcast sends every client a snapshot of every entity, keys filtered
// per recipient, and hands the unfiltered state to publishers.
func (w *World) Broadcast() {
	for _, out := range w.outboxes {
		for _, id := range w.order {
			out.Snapshot(w.entities[id].Engine.Snapshot(out.Conn()))
		}
	}
	if len(w.publishers) == 0 {
		return
	}
	snaps := make([]ability.Snapshot, 0, len(w.order))
	for _, id := range w.order {
		snaps = append(snaps, w.entities[id].Engine.Snapshot(""))
	}
	for _, p := range w.publishers {
		p.Publish(w.ticks, snaps)
	}
}

// Dispatch implements cue.Sink by replicating cues to every client.
func (w *World) Dispatch(t tag.Tag, ev cue.Event, p cue.Params) {
	for _, out := range w.outboxes {
		out.Cue(t, ev, p)
	}
}
