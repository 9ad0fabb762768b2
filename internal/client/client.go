// Package client is the predicting side of an ability session. A Client
// holds an autonomous engine for the player's own avatar, simulated proxies
// for every other entity, and a cue dispatcher for presentation. Requests
// are predicted locally and confirmed or rolled back by the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
	"github.com/cory-johannsen/gameplay/internal/game/timer"
	"github.com/cory-johannsen/gameplay/internal/netproto"
)

var (
	// ErrSessionClosed is returned when the server ends the session.
	ErrSessionClosed = errors.New("session closed by server")
	// ErrNotRunning is returned for work submitted to a client whose session
	// is not running.
	ErrNotRunning = errors.New("client not running")
	// ErrUnknownAbility is returned by Activate for an ability the avatar
	// was not granted.
	ErrUnknownAbility = errors.New("ability not granted")
)

// Options tunes a Client.
type Options struct {
	// Name and Loadout are sent in the hello.
	Name    string
	Loadout []string
	// TickInterval is the step of the local clock.
	TickInterval time.Duration
	// OrphanKeyTimeout rejects predictions the server never answered; 0
	// disables the sweep.
	OrphanKeyTimeout time.Duration
	SweepInterval    time.Duration
	// QueueSize bounds both the inbound work queue and the outbound message
	// queue.
	QueueSize int
}

// Client runs one session against the ability service.
//
// All engine state lives on the client's loop goroutine. Run starts the
// loop; Do and Activate are safe for concurrent use.
type Client struct {
	conn    grpc.ClientConnInterface
	catalog *ability.Catalog
	opts    Options
	logger  *zap.Logger

	cmds    chan func()
	out     chan *netproto.ClientMessage
	ready   chan struct{}
	stopped chan struct{}

	// Loop state.
	timers   *timer.Manager
	cues     *cue.Dispatcher
	entityID string
	connID   prediction.ConnID
	self     *ability.Engine
	synced   bool
	proxies  map[string]*ability.Engine
	pending  map[int32]chan error
}

// Dial opens a client connection to the ability service at addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return conn, nil
}

// New creates a Client over conn.
//
// Precondition: conn, catalog and logger must be non-nil; opts.TickInterval
// and opts.QueueSize must be > 0.
func New(conn grpc.ClientConnInterface, catalog *ability.Catalog, opts Options, logger *zap.Logger) *Client {
	if opts.TickInterval <= 0 || opts.QueueSize <= 0 {
		panic("client.New: tick interval and queue size must be > 0")
	}
	if opts.OrphanKeyTimeout > 0 && opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.OrphanKeyTimeout
	}
	return &Client{
		conn:    conn,
		catalog: catalog,
		opts:    opts,
		logger:  logger.Named("client"),
		cmds:    make(chan func(), opts.QueueSize),
		out:     make(chan *netproto.ClientMessage, opts.QueueSize),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
		timers:  timer.NewManager(),
		cues:    cue.NewDispatcher(logger.Named("cue")),
		proxies: make(map[string]*ability.Engine),
		pending: make(map[int32]chan error),
	}
}

// Cues returns the dispatcher local and replicated cues are delivered to.
// Register handlers before Run or from loop work.
func (c *Client) Cues() *cue.Dispatcher { return c.cues }

// Ready is closed once the avatar's first snapshot has been applied.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// EntityID returns the id of the player's avatar. It is empty until Ready.
func (c *Client) EntityID() string {
	select {
	case <-c.ready:
		return c.entityID
	default:
		return ""
	}
}

// Self returns the avatar's engine. Loop work only.
func (c *Client) Self() *ability.Engine { return c.self }

// Proxy returns the simulated engine of entityID. Loop work only.
func (c *Client) Proxy(entityID string) (*ability.Engine, bool) {
	e, ok := c.proxies[entityID]
	return e, ok
}

// Run opens the session and processes it until ctx is cancelled or the
// session fails. Run must be called exactly once.
// Flow:
//  1. Open the stream and send Hello
//  2. Wait for Welcome and create the avatar's engine
//  3. Run receive, send and loop goroutines under one errgroup
//  4. On exit reject every outstanding prediction
//
// Postcondition: returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.stopped)
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sessCtx)

	stream, err := c.conn.NewStream(gctx, &netproto.SessionStream, netproto.SessionMethod, grpc.ForceCodec(netproto.Codec{}))
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	if err := stream.SendMsg(&netproto.ClientMessage{Hello: &netproto.Hello{Name: c.opts.Name, Loadout: c.opts.Loadout}}); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	var first netproto.ServerMessage
	if err := stream.RecvMsg(&first); err != nil {
		return fmt.Errorf("waiting for welcome: %w", err)
	}
	if first.Welcome == nil {
		return status.Error(codes.Internal, "first server message was not a welcome")
	}
	if err := c.welcome(first.Welcome); err != nil {
		return err
	}

	g.Go(func() error { return c.receive(gctx, stream) })
	g.Go(func() error { return c.send(gctx, stream) })
	g.Go(func() error { return c.loop(gctx) })

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) welcome(w *netproto.Welcome) error {
	c.entityID = w.EntityID
	c.connID = w.Conn
	self, err := ability.NewEngine(ability.Config{
		EntityID: w.EntityID,
		Role:     ability.RoleAutonomous,
		Conn:     w.Conn,
		Catalog:  c.catalog,
		Timers:   c.timers,
		Cues:     c.cues,
		Server:   link{c},
		Resolver: ability.ResolverFunc(c.engine),
		Logger:   c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating avatar engine: %w", err)
	}
	c.self = self
	c.logger = c.logger.With(zap.String("entity", w.EntityID), zap.String("conn", string(w.Conn)))
	c.logger.Info("welcomed")
	return nil
}

func (c *Client) engine(id string) (*ability.Engine, bool) {
	if id == c.entityID {
		return c.self, true
	}
	return c.Proxy(id)
}

func (c *Client) receive(ctx context.Context, stream grpc.ClientStream) error {
	for {
		msg := new(netproto.ServerMessage)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return ErrSessionClosed
		}
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}
		select {
		case c.cmds <- func() { c.apply(msg) }:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) send(ctx context.Context, stream grpc.ClientStream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.out:
			if err := stream.SendMsg(m); err != nil {
				return fmt.Errorf("sending: %w", err)
			}
		}
	}
}

func (c *Client) loop(ctx context.Context) error {
	tick := time.NewTicker(c.opts.TickInterval)
	defer tick.Stop()
	var sweep <-chan time.Time
	if c.opts.OrphanKeyTimeout > 0 {
		t := time.NewTicker(c.opts.SweepInterval)
		defer t.Stop()
		sweep = t.C
	}
	defer c.disconnect()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		case <-tick.C:
			c.timers.Advance(c.opts.TickInterval)
		case <-sweep:
			c.self.SweepOrphanedPredictions(c.opts.OrphanKeyTimeout)
		}
	}
}

// disconnect rolls back every prediction the server will never answer.
func (c *Client) disconnect() {
	for k, ch := range c.pending {
		ch <- status.Error(codes.Unavailable, "session ended before the activation was confirmed")
		delete(c.pending, k)
	}
	n := c.self.RejectOutstandingPredictions()
	for id, p := range c.proxies {
		p.Close()
		delete(c.proxies, id)
	}
	c.self.Close()
	c.logger.Info("session ended", zap.Int("rejected_predictions", n))
}

// apply handles one server message on the loop goroutine.
func (c *Client) apply(msg *netproto.ServerMessage) {
	switch {
	case msg.Snapshot != nil:
		c.applySnapshot(msg.Snapshot)
	case msg.Succeeded != nil:
		m := msg.Succeeded
		c.resolve(m.Key, nil)
		c.self.ClientActivateAbilitySucceeded(m.Handle, m.Key, m.Event)
	case msg.Failed != nil:
		m := msg.Failed
		c.resolve(m.Key, netproto.StatusError(m.Reason))
		c.self.ClientActivateAbilityFailed(m.Handle, m.Key, m.Reason)
	case msg.Activate != nil:
		c.self.ClientTryActivateAbility(msg.Activate.Handle)
	case msg.End != nil:
		c.self.ClientEndAbility(msg.End.Handle, msg.End.Info)
	case msg.Cancel != nil:
		c.self.ClientCancelAbility(msg.Cancel.Handle, msg.Cancel.Info)
	case msg.Cue != nil:
		c.cues.Dispatch(msg.Cue.Tag, msg.Cue.Event, msg.Cue.Params)
	case msg.Removed != nil:
		c.remove(msg.Removed.EntityID)
	case msg.Welcome != nil:
		c.logger.Warn("repeated welcome ignored")
	}
}

func (c *Client) applySnapshot(s *ability.Snapshot) {
	if s.EntityID == c.entityID {
		_ = c.self.ApplySnapshot(*s)
		if !c.synced {
			c.synced = true
			close(c.ready)
		}
		return
	}
	p, ok := c.proxies[s.EntityID]
	if !ok {
		var err error
		p, err = ability.NewEngine(ability.Config{
			EntityID: s.EntityID,
			Role:     ability.RoleSimulated,
			Catalog:  c.catalog,
			Timers:   c.timers,
			Logger:   c.logger,
		})
		if err != nil {
			c.logger.Error("creating proxy", zap.String("proxy", s.EntityID), zap.Error(err))
			return
		}
		c.proxies[s.EntityID] = p
		c.logger.Debug("proxy created", zap.String("proxy", s.EntityID))
	}
	_ = p.ApplySnapshot(*s)
}

func (c *Client) remove(id string) {
	if id == c.entityID {
		c.logger.Warn("server removed the avatar")
		return
	}
	if p, ok := c.proxies[id]; ok {
		p.Close()
		delete(c.proxies, id)
		c.logger.Debug("proxy removed", zap.String("proxy", id))
	}
}

// resolve completes a pending Activate waiting on key.
func (c *Client) resolve(key prediction.Key, err error) {
	ch, ok := c.pending[key.Current]
	if !ok {
		return
	}
	delete(c.pending, key.Current)
	ch <- err
}

// Do runs fn on the loop goroutine and waits for it.
func (c *Client) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(done); fn() }:
	case <-c.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Activate predicts an activation of abilityID and waits for the server's
// verdict. A local refusal is returned as is; a server rejection is a gRPC
// status carrying the failure reason's code. Abilities the server runs
// first return once the request is sent.
func (c *Client) Activate(ctx context.Context, abilityID string) error {
	select {
	case <-c.ready:
	case <-c.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	var (
		result chan error
		tryErr error
	)
	err := c.Do(ctx, func() {
		s, ok := c.self.FindSpecByAbility(abilityID)
		if !ok {
			tryErr = fmt.Errorf("activating %q: %w", abilityID, ErrUnknownAbility)
			return
		}
		var key prediction.Key
		sub := c.self.OnAbilityActivated(func(inst *ability.Instance) {
			if inst.Handle() == s.Handle && !key.IsValidKey() {
				key = inst.Info.Key
			}
		})
		tryErr = c.self.TryActivateAbility(s.Handle)
		sub.Cancel()
		if tryErr != nil || !key.IsValidKey() {
			return
		}
		result = make(chan error, 1)
		c.pending[key.Current] = result
		c.self.Ledger().OnRejected(key, func() {
			c.resolve(key, status.Error(codes.Aborted, "prediction rejected"))
		})
		c.self.Ledger().OnCaughtUp(key, func() { c.resolve(key, nil) })
	})
	if err != nil {
		return err
	}
	if tryErr != nil || result == nil {
		return tryErr
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands m to the send goroutine. It runs on the loop goroutine.
func (c *Client) enqueue(m *netproto.ClientMessage) {
	select {
	case c.out <- m:
	default:
		c.logger.Warn("outbound queue full; request dropped", zap.Int("size", cap(c.out)))
	}
}

// link carries the avatar engine's requests to the server.
type link struct{ c *Client }

var _ ability.ServerLink = link{}

func (l link) ServerTryActivateAbility(h ability.Handle, inputPressed bool, key prediction.Key, event *ability.EventData) {
	l.c.enqueue(&netproto.ClientMessage{TryActivate: &netproto.TryActivate{Handle: h, InputPressed: inputPressed, Key: key, Event: event}})
}

func (l link) ServerSetTargetData(h ability.Handle, activationKey prediction.Key, data targeting.Handle, cancelled bool, key prediction.Key) {
	l.c.enqueue(&netproto.ClientMessage{SetTargetData: &netproto.SetTargetData{
		Handle:        h,
		ActivationKey: activationKey,
		Data:          data,
		Cancelled:     cancelled,
		Key:           key,
	}})
}

func (l link) ServerEndAbility(h ability.Handle, info ability.ActivationInfo) {
	l.c.enqueue(&netproto.ClientMessage{End: &netproto.EndAbility{Handle: h, Info: info}})
}

func (l link) ServerCancelAbility(h ability.Handle, info ability.ActivationInfo) {
	l.c.enqueue(&netproto.ClientMessage{Cancel: &netproto.EndAbility{Handle: h, Info: info}})
}
