package ability

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/observer"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
	"github.com/cory-johannsen/gameplay/internal/game/timer"
)

// Role is the network role of an engine.
type Role uint8

const (
	// RoleAuthority runs on the server or in standalone play.
	RoleAuthority Role = iota
	// RoleAutonomous is the owning client's predicting proxy.
	RoleAutonomous
	// RoleSimulated mirrors an entity the local player does not control.
	RoleSimulated
)

func (r Role) String() string {
	switch r {
	case RoleAuthority:
		return "authority"
	case RoleAutonomous:
		return "autonomous"
	case RoleSimulated:
		return "simulated"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Resolver finds the engines of other entities for cross-entity effect
// application.
type Resolver interface {
	Engine(entityID string) (*Engine, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(entityID string) (*Engine, bool)

// Engine implements Resolver.
func (f ResolverFunc) Engine(entityID string) (*Engine, bool) { return f(entityID) }

// Config wires an Engine to its entity and collaborators.
type Config struct {
	EntityID string
	Role     Role
	// LocallyControlled marks an authority engine whose owner plays on the
	// same machine, as in standalone play.
	LocallyControlled bool
	// Conn is the owning connection. The authority stamps received keys
	// with it; it selects who receives the full keys in snapshots.
	Conn    prediction.ConnID
	Catalog *Catalog
	// Timers is the shared game clock; a private one is created when nil.
	Timers *timer.Manager
	Cues   cue.Sink
	// Server carries client requests; required on autonomous engines.
	Server ServerLink
	// Client carries authority replies to a remote owner.
	Client    ClientLink
	Resolver  Resolver
	Montages  MontagePlayer
	Targeting targeting.Provider
	// AvatarValid reports whether the owner has a live avatar; nil means
	// always.
	AvatarValid func() bool
	Logger      *zap.Logger
}

// EndedInfo is published when an activation ends.
type EndedInfo struct {
	Handle    Handle
	AbilityID string
	Info      ActivationInfo
	Cancelled bool
	// Remote is set when the counterpart machine ended the activation.
	Remote bool
}

// FailedInfo is published when an activation attempt fails, locally or by
// server rejection.
type FailedInfo struct {
	Handle    Handle
	AbilityID string
	Key       prediction.Key
	Reason    FailureReason
	Err       error
}

type targetKey struct {
	handle Handle
	key    int32
}

type replicatedTarget struct {
	data      targeting.Handle
	cancelled bool
	key       prediction.Key
}

// Engine owns one entity's granted abilities, active effects, attributes
// and owned tags, and runs the activation and prediction state machine.
//
// Engine is not safe for concurrent use. Every call, timer callbacks and
// inbound network messages included, must be made from the goroutine that
// owns the entity's world.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	catalog *Catalog

	attrs   *attribute.Set
	tags    *tag.CountContainer
	effects *effect.Container
	timers  *timer.Manager
	ledger  *prediction.Ledger
	gen     *prediction.Generator
	scope   *prediction.Scope

	specs      map[Handle]*Spec
	nextHandle Handle

	loose         map[tag.Tag]int
	activationTag map[tag.Tag]int
	blocked       *tag.CountContainer
	blockedInputs map[int]bool

	eventTriggers    map[tag.Tag][]Handle
	ownedTriggers    map[tag.Tag][]Handle
	ownedTriggerSubs map[tag.Tag]observer.Subscription

	events    *observer.Registry[tag.Tag, EventData]
	activated *observer.List[*Instance]
	ended     *observer.List[EndedInfo]
	failed    *observer.List[FailedInfo]

	pendingTargets map[targetKey]replicatedTarget
	targetWaiters  map[targetKey]func(replicatedTarget)

	animating  *Instance
	montageSeq uint64

	// lastKey is the highest key received from the owner (authority);
	// ackedKey the highest key the authority acknowledged (client).
	lastKey  prediction.Key
	ackedKey prediction.Key
}

// NewEngine creates an Engine.
//
// Precondition: cfg.EntityID must be non-empty and cfg.Catalog non-nil.
// Postcondition: returns a ready engine with the catalog's attribute
// defaults. An attribute schema naming unknown policies is logged and the
// affected attributes fall back to the standard fold.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.EntityID == "" {
		return nil, errors.New("ability engine requires an entity id")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("ability engine requires a catalog")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timers == nil {
		cfg.Timers = timer.NewManager()
	}
	if cfg.Cues == nil {
		cfg.Cues = cue.Discard
	}
	logger := cfg.Logger.With(zap.String("entity", cfg.EntityID), zap.Stringer("role", cfg.Role))
	e := &Engine{
		cfg:              cfg,
		logger:           logger,
		catalog:          cfg.Catalog,
		tags:             tag.NewCountContainer(),
		timers:           cfg.Timers,
		gen:              prediction.NewGenerator(),
		scope:            &prediction.Scope{},
		specs:            make(map[Handle]*Spec),
		loose:            make(map[tag.Tag]int),
		activationTag:    make(map[tag.Tag]int),
		blocked:          tag.NewCountContainer(),
		blockedInputs:    make(map[int]bool),
		eventTriggers:    make(map[tag.Tag][]Handle),
		ownedTriggers:    make(map[tag.Tag][]Handle),
		ownedTriggerSubs: make(map[tag.Tag]observer.Subscription),
		events:           observer.NewRegistry[tag.Tag, EventData](),
		activated:        observer.NewList[*Instance](),
		ended:            observer.NewList[EndedInfo](),
		failed:           observer.NewList[FailedInfo](),
		pendingTargets:   make(map[targetKey]replicatedTarget),
		targetWaiters:    make(map[targetKey]func(replicatedTarget)),
	}
	e.ledger = prediction.NewLedger(e.timers.Now)
	attrs, err := cfg.Catalog.Schema.NewSet(func() tag.Container { return e.tags.Container() }, cfg.Catalog.Policies)
	if err != nil {
		logger.Error("attribute schema", zap.Error(err))
	}
	e.attrs = attrs
	e.effects = effect.NewContainer(effect.Config{
		OwnerID:    cfg.EntityID,
		Authority:  cfg.Role == RoleAuthority,
		Attributes: attrs,
		Tags:       e.tags,
		Timers:     e.timers,
		Ledger:     e.ledger,
		Cues:       cfg.Cues,
		Env:        cfg.Catalog.Env(),
		Logger:     cfg.Logger,
	})
	return e, nil
}

// ID returns the entity id.
func (e *Engine) ID() string { return e.cfg.EntityID }

// Role returns the engine's network role.
func (e *Engine) Role() Role { return e.cfg.Role }

// Conn returns the owning connection.
func (e *Engine) Conn() prediction.ConnID { return e.cfg.Conn }

// Attributes returns the entity's attribute set.
func (e *Engine) Attributes() *attribute.Set { return e.attrs }

// Tags returns the entity's owned tag counts.
func (e *Engine) Tags() *tag.CountContainer { return e.tags }

// Effects returns the entity's active effects container.
func (e *Engine) Effects() *effect.Container { return e.effects }

// Ledger returns the prediction ledger.
func (e *Engine) Ledger() *prediction.Ledger { return e.ledger }

// Timers returns the engine's clock.
func (e *Engine) Timers() *timer.Manager { return e.timers }

// Catalog returns the engine's catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// CurrentPredictionKey returns the ambient prediction key.
func (e *Engine) CurrentPredictionKey() prediction.Key { return e.scope.Current() }

// AnimatingAbility returns the instance playing a montage, or nil.
func (e *Engine) AnimatingAbility() *Instance { return e.animating }

// SetServerLink replaces the client-to-server link.
func (e *Engine) SetServerLink(l ServerLink) { e.cfg.Server = l }

// SetClientLink replaces the server-to-owner link.
func (e *Engine) SetClientLink(l ClientLink) { e.cfg.Client = l }

// SetResolver replaces the entity resolver.
func (e *Engine) SetResolver(r Resolver) { e.cfg.Resolver = r }

// IsLocallyControlled reports whether the owner plays on this machine.
func (e *Engine) IsLocallyControlled() bool {
	switch e.cfg.Role {
	case RoleAutonomous:
		return true
	case RoleAuthority:
		return e.cfg.LocallyControlled
	}
	return false
}

func (e *Engine) authority() bool { return e.cfg.Role == RoleAuthority }

func (e *Engine) remoteControlled() bool {
	return e.cfg.Role == RoleAuthority && !e.cfg.LocallyControlled
}

// awaitsClientTargets reports whether this authority learns the targets of
// def from the owning client.
func (e *Engine) awaitsClientTargets(def *Definition) bool {
	return e.remoteControlled() && (def.NetExecution == LocalPredicted || def.NetExecution == ServerInitiated)
}

// predictable reports whether new work may still be predicted under key.
func (e *Engine) predictable(key prediction.Key) bool {
	if !key.IsValidKey() || e.authority() {
		return false
	}
	if e.ackedKey.IsValidKey() && key.Current <= e.ackedKey.Current {
		return false
	}
	return e.ledger.Freshen(key).IsValidForMorePrediction()
}

// withKey runs fn inside a prediction window for key: adopted verbatim on
// the authority, reused on a client while it can still be predicted.
func (e *Engine) withKey(key prediction.Key, fn func()) {
	if !key.IsValidKey() || (!e.authority() && !e.predictable(key)) {
		fn()
		return
	}
	w := prediction.OpenWindow(e.scope, e.authority(), e.gen, key)
	defer w.Close()
	fn()
}

// noteKey records a key received from the owning client.
func (e *Engine) noteKey(key prediction.Key) {
	if key.IsValidKey() && key.Current > e.lastKey.Current {
		e.lastKey = prediction.Key{Current: key.Current, Owner: e.cfg.Conn}
	}
}

// MakeOutgoingSpec creates a spec for def sourced from this entity,
// capturing its owned tags and the source attributes def's magnitudes read.
func (e *Engine) MakeOutgoingSpec(def *effect.Definition, level float64, ctx effect.Context) *effect.Spec {
	if ctx.SourceID == "" {
		ctx.SourceID = e.cfg.EntityID
	}
	if ctx.InstigatorID == "" {
		ctx.InstigatorID = e.cfg.EntityID
	}
	if !ctx.Key.IsValidKey() {
		ctx.Key = e.scope.Current()
	}
	spec := effect.NewSpec(def, level, ctx)
	captured := make(map[attribute.Attribute]float64)
	capture := func(m effect.MagnitudeDef) {
		switch {
		case m.Kind == effect.AttributeBased && m.Capture == effect.CaptureSource:
			captured[m.Attribute] = e.attrs.Value(m.Attribute)
		case m.Kind == effect.Script:
			for _, a := range e.attrs.Attributes() {
				captured[a] = e.attrs.Value(a)
			}
		}
	}
	for _, m := range def.Modifiers {
		capture(m.Magnitude)
	}
	capture(def.Duration)
	spec.CaptureSource(e.tags.Container(), captured)
	return spec
}

func (e *Engine) outgoing(def *effect.Definition, level float64, s *Spec) *effect.Spec {
	ctx := effect.Context{}
	if s != nil {
		ctx.AbilityID = s.Def.ID
	}
	return e.MakeOutgoingSpec(def, level, ctx)
}

// ApplyGameplayEffectSpecToSelf applies spec to this entity. A spec without
// a key is stamped with the ambient key.
//
// A non-authoritative engine only applies effects under a valid prediction
// key; otherwise it returns ErrNotAuthority and leaves state unchanged.
func (e *Engine) ApplyGameplayEffectSpecToSelf(spec *effect.Spec) (effect.Handle, error) {
	if spec == nil || spec.Def == nil {
		return 0, effect.ErrInvalidSpec
	}
	if !spec.Context.Key.IsValidKey() {
		spec.Context.Key = e.scope.Current()
	}
	if !e.authority() && !spec.Context.Key.IsValidKey() {
		e.logger.Debug("effect application needs authority or prediction",
			zap.String("effect", spec.Def.ID))
		return 0, ErrNotAuthority
	}
	h, err := e.effects.ApplySpec(spec)
	if err != nil {
		return 0, fmt.Errorf("applying %q to %s: %w", spec.Def.ID, e.cfg.EntityID, err)
	}
	return h, nil
}

// ApplyGameplayEffectSpecToTarget applies spec to the entity targetID
// through that entity's own engine. Clients do not predict effects on
// other entities and return the zero handle.
func (e *Engine) ApplyGameplayEffectSpecToTarget(spec *effect.Spec, targetID string) (effect.Handle, error) {
	if targetID == "" || targetID == e.cfg.EntityID {
		return e.ApplyGameplayEffectSpecToSelf(spec)
	}
	if !e.authority() {
		return 0, nil
	}
	if spec != nil && !spec.Context.Key.IsValidKey() {
		spec.Context.Key = e.scope.Current()
	}
	if e.cfg.Resolver == nil {
		return 0, fmt.Errorf("%w: %q (no resolver)", ErrUnknownTarget, targetID)
	}
	target, ok := e.cfg.Resolver.Engine(targetID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTarget, targetID)
	}
	return target.ApplyGameplayEffectSpecToSelf(spec)
}

// ApplyGameplayEffectToSelf applies the catalog effect id at level.
func (e *Engine) ApplyGameplayEffectToSelf(id string, level float64) (effect.Handle, error) {
	def, ok := e.catalog.Effect(id)
	if !ok {
		e.logger.Error("unknown effect", zap.String("effect", id))
		return 0, fmt.Errorf("%w: %q", ErrUnknownEffect, id)
	}
	return e.ApplyGameplayEffectSpecToSelf(e.MakeOutgoingSpec(def, level, effect.Context{}))
}

// RemoveActiveGameplayEffect removes stacks of h; stacks <= 0 removes it.
func (e *Engine) RemoveActiveGameplayEffect(h effect.Handle, stacks int) bool {
	return e.effects.RemoveActiveGameplayEffect(h, stacks)
}

// GetCooldownTimeRemaining returns the cooldown left on h, or 0.
func (e *Engine) GetCooldownTimeRemaining(h Handle) time.Duration {
	s, ok := e.specs[h]
	if !ok || s.Cooldown == nil {
		return 0
	}
	return s.Cooldown.TimeRemaining(e, s)
}

func (e *Engine) logDegraded(msg string, inst *Instance, effectID string, err error) {
	fields := []zap.Field{
		zap.String("ability", inst.spec.Def.ID),
		zap.String("effect", effectID),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, ErrUnknownEffect), errors.Is(err, effect.ErrUnknownAttribute), errors.Is(err, effect.ErrMagnitude):
		e.logger.Error(msg, fields...)
	default:
		e.logger.Debug(msg, fields...)
	}
}

// AddLooseGameplayTag adds one count of t that no effect owns.
func (e *Engine) AddLooseGameplayTag(t tag.Tag) { e.updateLoose(t, 1) }

// RemoveLooseGameplayTag removes one loose count of t.
func (e *Engine) RemoveLooseGameplayTag(t tag.Tag) { e.updateLoose(t, -1) }

// SetLooseGameplayTagCount forces the loose count of t to n.
func (e *Engine) SetLooseGameplayTagCount(t tag.Tag, n int) {
	e.updateLoose(t, n-e.loose[t])
}

// LooseTags returns a copy of the loose tag counts.
func (e *Engine) LooseTags() map[tag.Tag]int {
	return copyCounts(e.loose)
}

func (e *Engine) updateLoose(t tag.Tag, delta int) {
	if !t.IsValid() || delta == 0 {
		return
	}
	n := e.loose[t] + delta
	if n < 0 {
		delta -= n
		n = 0
	}
	if n == 0 {
		delete(e.loose, t)
	} else {
		e.loose[t] = n
	}
	e.tags.UpdateCount(t, delta)
}

func (e *Engine) updateActivationTags(tags []tag.Tag, delta int) {
	for _, t := range tags {
		n := e.activationTag[t] + delta
		applied := delta
		if n < 0 {
			applied -= n
			n = 0
		}
		if n == 0 {
			delete(e.activationTag, t)
		} else {
			e.activationTag[t] = n
		}
		e.tags.UpdateCount(t, applied)
	}
}

func copyCounts(m map[tag.Tag]int) map[tag.Tag]int {
	out := make(map[tag.Tag]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// OnAbilityActivated subscribes fn to successful activations.
func (e *Engine) OnAbilityActivated(fn func(*Instance)) observer.Subscription {
	return e.activated.Subscribe(fn)
}

// OnAbilityEnded subscribes fn to ended activations.
func (e *Engine) OnAbilityEnded(fn func(EndedInfo)) observer.Subscription {
	return e.ended.Subscribe(fn)
}

// OnAbilityFailed subscribes fn to failed activation attempts.
func (e *Engine) OnAbilityFailed(fn func(FailedInfo)) observer.Subscription {
	return e.failed.Subscribe(fn)
}

// Specs returns the granted specs ordered by handle.
func (e *Engine) Specs() []*Spec {
	out := make([]*Spec, 0, len(e.specs))
	for _, s := range e.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// FindSpec returns the spec granted under h.
func (e *Engine) FindSpec(h Handle) (*Spec, bool) {
	s, ok := e.specs[h]
	return s, ok
}

// FindSpecByAbility returns the first spec granting ability id.
func (e *Engine) FindSpecByAbility(id string) (*Spec, bool) {
	for _, s := range e.Specs() {
		if s.Def.ID == id {
			return s, true
		}
	}
	return nil, false
}

// RejectOutstandingPredictions rejects every pending prediction key, as on
// connection loss. It returns the number of keys rejected.
func (e *Engine) RejectOutstandingPredictions() int {
	n := e.ledger.RejectAll()
	if n > 0 {
		e.logger.Debug("outstanding predictions rejected", zap.Int("keys", n))
	}
	return n
}

// SweepOrphanedPredictions rejects keys outstanding for at least maxAge.
func (e *Engine) SweepOrphanedPredictions(maxAge time.Duration) int {
	n := e.ledger.SweepOrphans(maxAge)
	if n > 0 {
		e.logger.Debug("orphaned predictions rejected", zap.Int("keys", n), zap.Duration("max_age", maxAge))
	}
	return n
}

// Close cancels every activation and stops effect timers. The engine must
// not be used afterwards.
func (e *Engine) Close() {
	for _, s := range e.Specs() {
		for _, inst := range s.Instances() {
			e.endInstance(inst, true, true)
		}
	}
	for _, sub := range e.ownedTriggerSubs {
		sub.Cancel()
	}
	e.effects.Close()
}
