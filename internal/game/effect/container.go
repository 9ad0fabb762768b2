package effect

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/game/observer"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/timer"
)

// Timer priorities among timers due at the same instant: a periodic tick
// coinciding with expiry executes before the effect is removed.
const (
	priorityPeriod   = 0
	priorityDuration = 1
)

// Handle identifies an active effect within one container. The zero Handle
// means "no active effect" (e.g. an instant application).
type Handle uint64

// IsValid reports whether h refers to an active effect.
func (h Handle) IsValid() bool { return h != 0 }

// ActiveEffect is one applied effect instance. Callers must treat it as
// read-only.
type ActiveEffect struct {
	Handle     Handle
	Spec       *Spec
	Key        prediction.Key
	StartTime  time.Duration
	StackCount int
	// ServerHandle is the authority's handle for replicated entries.
	ServerHandle Handle

	predicted  bool
	instant    bool
	replicated bool
	removed    bool

	durationTimer timer.Handle
	periodTimer   timer.Handle
	executions    int
	// mods[i] is the aggregator entry for Spec.Def.Modifiers[i].
	mods []*attribute.Modifier
}

// IsPredicted reports whether the entry is speculative client state.
func (ae *ActiveEffect) IsPredicted() bool { return ae.predicted }

// IsReplicated reports whether the entry mirrors the authority.
func (ae *ActiveEffect) IsReplicated() bool { return ae.replicated }

// PeriodicExecutions returns how many periodic executions have run.
func (ae *ActiveEffect) PeriodicExecutions() int { return ae.executions }

// RemovedInfo is published when an active effect is removed.
type RemovedInfo struct {
	Handle       Handle
	DefinitionID string
	Key          prediction.Key
	Expired      bool
}

// AppliedInfo is published after a successful application.
type AppliedInfo struct {
	Handle Handle
	Spec   *Spec
	// Stacked is set when the application merged into an existing stack.
	Stacked bool
}

// Config wires a Container to its owner.
type Config struct {
	OwnerID string
	// Authority is true on the server and in standalone play.
	Authority  bool
	Attributes *attribute.Set
	Tags       *tag.CountContainer
	Timers     *timer.Manager
	// Ledger is required on predicting clients.
	Ledger *prediction.Ledger
	Cues   cue.Sink
	Env    Environment
	Logger *zap.Logger
}

// Container owns the active effects of one entity.
//
// Container is not safe for concurrent use; the owning engine serialises
// every call, timer callbacks included.
type Container struct {
	cfg       Config
	logger    *zap.Logger
	next      Handle
	effects   map[Handle]*ActiveEffect
	granted   *tag.CountContainer
	byServer  map[Handle]Handle
	onRemoved *observer.Registry[Handle, RemovedInfo]
	removedFn *observer.List[RemovedInfo]
	appliedFn *observer.List[AppliedInfo]
	subs      observer.Group
}

// NewContainer creates a Container.
//
// Precondition: cfg.Attributes must be non-nil. A predicting client must
// share its engine's Ledger through cfg.Ledger.
func NewContainer(cfg Config) *Container {
	if cfg.Attributes == nil {
		panic("effect: NewContainer requires Attributes")
	}
	if cfg.Tags == nil {
		cfg.Tags = tag.NewCountContainer()
	}
	if cfg.Timers == nil {
		cfg.Timers = timer.NewManager()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = prediction.NewLedger(cfg.Timers.Now)
	}
	if cfg.Cues == nil {
		cfg.Cues = cue.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Container{
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("owner", cfg.OwnerID)),
		effects:   make(map[Handle]*ActiveEffect),
		granted:   tag.NewCountContainer(),
		byServer:  make(map[Handle]Handle),
		onRemoved: observer.NewRegistry[Handle, RemovedInfo](),
		removedFn: observer.NewList[RemovedInfo](),
		appliedFn: observer.NewList[AppliedInfo](),
	}
	c.subs.Add(cfg.Tags.RegisterAny(func(tag.CountChange) { cfg.Attributes.MarkAllDirty() }))
	return c
}

// Close cancels timers and subscriptions without removing effects.
func (c *Container) Close() {
	for _, ae := range c.effects {
		c.clearTimers(ae)
	}
	c.subs.CancelAll()
}

// Now returns the container's clock.
func (c *Container) Now() time.Duration { return c.cfg.Timers.Now() }

// Attributes returns the owner's attribute set.
func (c *Container) Attributes() *attribute.Set { return c.cfg.Attributes }

// ApplySpec applies spec to the owner (ApplyGameplayEffectSpecToSelf). The
// spec's context key is the prediction key the application runs under.
//
// Instant specs modify base values and return the zero Handle; on a
// predicting client they are held as a speculative modifier until the key
// resolves. Duration and infinite specs create or stack an active effect.
//
// Postcondition: on error, no state has changed.
func (c *Container) ApplySpec(spec *Spec) (Handle, error) {
	if spec == nil || spec.Def == nil {
		return 0, ErrInvalidSpec
	}
	def := spec.Def
	owned := c.cfg.Tags.Container()
	if !def.ApplicationRequirements.Met(owned) {
		c.logger.Debug("effect application blocked", zap.String("effect", def.ID))
		return 0, ErrApplicationBlocked
	}
	for _, m := range def.Modifiers {
		if !c.cfg.Attributes.Has(m.Attribute) {
			c.logger.Error("effect modifies unknown attribute",
				zap.String("effect", def.ID), zap.String("attribute", string(m.Attribute)))
			return 0, fmt.Errorf("%w: %q in effect %q", ErrUnknownAttribute, m.Attribute, def.ID)
		}
	}
	work := spec.Clone()
	work.TargetTags = owned.Clone()
	if err := work.Calculate(c.cfg.Env, c.cfg.Attributes.Value); err != nil {
		c.logger.Error("effect magnitude", zap.String("effect", def.ID), zap.Error(err))
		return 0, err
	}
	if !c.ApplyActiveEffectsTo(work) {
		c.logger.Debug("effect application vetoed by immunity", zap.String("effect", def.ID))
		return 0, ErrImmune
	}
	*spec = *work

	key := spec.Context.Key
	predicting := !c.cfg.Authority && key.IsValidKey()
	var h Handle
	stacked := false
	switch {
	case def.DurationPolicy == Instant && predicting:
		h = c.predictInstant(spec)
	case def.DurationPolicy == Instant:
		c.executeSpec(spec, 1, false)
	default:
		if def.IsStacking() {
			if ae := c.findStack(spec); ae != nil {
				h = c.addStack(ae, spec)
				stacked = true
				break
			}
		}
		h = c.CreateNewActiveGameplayEffect(spec, key)
	}
	if c.cfg.Authority && len(def.RemoveEffectsWithTags) > 0 {
		c.RemoveByQuery(Query{AnyTags: tag.NewContainer(def.RemoveEffectsWithTags...), exclude: h})
	}
	c.appliedFn.Publish(AppliedInfo{Handle: h, Spec: spec, Stacked: stacked})
	return h, nil
}

// CanApplyAttributeModifiers reports whether executing spec would leave
// every modified attribute non-negative. It is used for cost checks and
// does not mutate state. Incoming modifiers of active effects are layered
// in as ApplySpec would; an immune owner cannot pay. Modifiers of unknown
// attributes are logged and impose no constraint.
func (c *Container) CanApplyAttributeModifiers(spec *Spec) bool {
	probe := spec.Clone()
	probe.TargetTags = c.cfg.Tags.Container().Clone()
	if err := probe.Calculate(c.cfg.Env, c.cfg.Attributes.Value); err != nil {
		c.logger.Error("cost magnitude", zap.String("effect", probe.Def.ID), zap.Error(err))
		return false
	}
	if !c.ApplyActiveEffectsTo(probe) {
		return false
	}
	for i, m := range probe.Def.Modifiers {
		if !c.cfg.Attributes.Has(m.Attribute) {
			c.logger.Error("cost modifies unknown attribute",
				zap.String("effect", probe.Def.ID), zap.String("attribute", string(m.Attribute)))
			continue
		}
		if m.Op.Apply(c.cfg.Attributes.Value(m.Attribute), probe.Magnitudes[i]) < 0 {
			return false
		}
	}
	return true
}

// ApplyActiveEffectsTo layers the incoming modifiers of every active effect
// into spec and reports false if an active effect grants immunity to it.
func (c *Container) ApplyActiveEffectsTo(spec *Spec) bool {
	assets := spec.Def.Assets()
	for _, ae := range c.sorted() {
		def := ae.Spec.Def
		if len(def.ImmunityTags) > 0 {
			immunity := tag.NewContainer(def.ImmunityTags...)
			if assets.HasAny(immunity) || spec.SourceTags.HasAny(immunity) {
				return false
			}
		}
		for _, im := range def.IncomingModifiers {
			if !im.Requirements.Met(assets) {
				continue
			}
			for i, m := range spec.Def.Modifiers {
				if m.Attribute != im.Attribute || (im.NegativeOnly && spec.Magnitudes[i] >= 0) {
					continue
				}
				spec.Magnitudes[i] = im.Op.Apply(spec.Magnitudes[i], im.Magnitude)
			}
		}
	}
	return true
}

// CreateNewActiveGameplayEffect inserts a new active entry for spec,
// updates aggregators and owned tags, fires cues and schedules duration and
// periodic timers.
//
// Precondition: spec has been calculated.
// Postcondition: returns a valid Handle.
func (c *Container) CreateNewActiveGameplayEffect(spec *Spec, key prediction.Key) Handle {
	c.next++
	ae := &ActiveEffect{
		Handle:     c.next,
		Spec:       spec,
		Key:        key,
		StartTime:  c.Now(),
		StackCount: max(spec.StackCount, 1),
		predicted:  !c.cfg.Authority && key.IsValidKey(),
	}
	c.effects[ae.Handle] = ae
	c.addModifiers(ae)
	c.grantTags(ae, 1)
	c.cueAll(ae, cue.OnActive)
	c.cueAll(ae, cue.WhileActive)

	if c.ownsTimers(ae) {
		if spec.Duration > 0 {
			c.scheduleDuration(ae, spec.Duration)
		}
		if spec.Period > 0 {
			if spec.Def.ExecutePeriodOnApply {
				c.ExecutePeriodicGameplayEffect(ae.Handle)
			}
			if !ae.removed {
				c.schedulePeriod(ae, spec.Period)
			}
		}
	}
	if ae.predicted {
		h := ae.Handle
		c.cfg.Ledger.OnRejected(key, func() { c.dropPredicted(h) })
		c.cfg.Ledger.OnCaughtUp(key, func() { c.dropPredicted(h) })
	}
	c.logger.Debug("active effect created",
		zap.String("effect", spec.Def.ID),
		zap.Uint64("handle", uint64(ae.Handle)),
		zap.Stringer("key", key),
	)
	return ae.Handle
}

func (c *Container) predictInstant(spec *Spec) Handle {
	c.next++
	ae := &ActiveEffect{
		Handle:     c.next,
		Spec:       spec,
		Key:        spec.Context.Key,
		StartTime:  c.Now(),
		StackCount: 1,
		predicted:  true,
		instant:    true,
	}
	c.effects[ae.Handle] = ae
	c.addModifiers(ae)
	c.cueAll(ae, cue.Executed)
	h := ae.Handle
	c.cfg.Ledger.OnRejected(ae.Key, func() { c.dropPredicted(h) })
	c.cfg.Ledger.OnCaughtUp(ae.Key, func() { c.dropPredicted(h) })
	return h
}

// dropPredicted removes h if it is still unconfirmed speculative state.
func (c *Container) dropPredicted(h Handle) {
	ae, ok := c.effects[h]
	if !ok || !ae.predicted {
		return
	}
	c.remove(ae, false)
}

func (c *Container) ownsTimers(ae *ActiveEffect) bool {
	return !ae.predicted && !ae.replicated && !ae.instant
}

func (c *Container) findStack(spec *Spec) *ActiveEffect {
	for _, ae := range c.sorted() {
		if ae.instant || ae.Spec.Def.ID != spec.Def.ID {
			continue
		}
		if spec.Def.Stacking.Type == StackBySource && ae.Spec.Context.SourceID != spec.Context.SourceID {
			continue
		}
		return ae
	}
	return nil
}

func (c *Container) addStack(ae *ActiveEffect, spec *Spec) Handle {
	def := ae.Spec.Def
	added := max(spec.StackCount, 1)
	if limit := def.Stacking.Limit; limit > 0 && ae.StackCount+added > limit {
		added = max(limit-ae.StackCount, 0)
	}
	ae.StackCount += added

	if def.Stacking.Refresh == RefreshOnApplication && spec.Duration > 0 {
		ae.Spec.Duration = spec.Duration
		ae.StartTime = c.Now()
		if c.ownsTimers(ae) {
			c.cfg.Timers.Clear(ae.durationTimer)
			c.scheduleDuration(ae, spec.Duration)
		}
	}
	if def.Stacking.PeriodRule == ResetPeriodOnApplied && ae.Spec.Period > 0 && c.ownsTimers(ae) {
		c.cfg.Timers.Clear(ae.periodTimer)
		c.schedulePeriod(ae, ae.Spec.Period)
	}
	if added > 0 {
		c.RecalculateStacking(ae.Handle)
	}
	key := spec.Context.Key
	if !c.cfg.Authority && key.IsValidKey() && added > 0 {
		h := ae.Handle
		c.cfg.Ledger.OnRejected(key, func() {
			cur, ok := c.effects[h]
			if !ok {
				return
			}
			cur.StackCount -= added
			if cur.StackCount <= 0 {
				c.remove(cur, false)
				return
			}
			c.RecalculateStacking(h)
		})
	}
	c.logger.Debug("effect stacked",
		zap.String("effect", def.ID),
		zap.Uint64("handle", uint64(ae.Handle)),
		zap.Int("stacks", ae.StackCount),
	)
	return ae.Handle
}

// RecalculateStacking re-derives the aggregator contributions of h from its
// current stack count and magnitudes.
//
// Postcondition: existing modifiers are updated in place and keep their
// override ordering; they are re-added only when the number of captured
// magnitudes changed.
func (c *Container) RecalculateStacking(h Handle) {
	ae, ok := c.effects[h]
	if !ok {
		return
	}
	if len(ae.mods) != modifierCount(ae) {
		c.removeModifiers(ae)
		c.addModifiers(ae)
		return
	}
	for i, m := range ae.mods {
		def := ae.Spec.Def.Modifiers[i]
		c.cfg.Attributes.Aggregator(def.Attribute).UpdateModifier(m,
			stackedMagnitude(def.Op, ae.Spec.Magnitudes[i], ae.StackCount))
	}
}

// ExecutePeriodicGameplayEffect executes h's modifiers once against base
// values without creating an entry or touching duration bookkeeping.
func (c *Container) ExecutePeriodicGameplayEffect(h Handle) bool {
	ae, ok := c.effects[h]
	if !ok || ae.removed || ae.instant {
		return false
	}
	ae.executions++
	c.executeSpec(ae.Spec, ae.StackCount, ae.replicated)
	return true
}

// CheckDuration removes h if its duration has elapsed, applying the stack
// expiration policy. It reports whether the entry was removed.
func (c *Container) CheckDuration(h Handle) bool {
	ae, ok := c.effects[h]
	if !ok || ae.removed || ae.Spec.Duration <= 0 {
		return false
	}
	elapsed := c.Now() - ae.StartTime
	if elapsed < ae.Spec.Duration {
		if c.ownsTimers(ae) && !c.cfg.Timers.Pending(ae.durationTimer) {
			c.scheduleDuration(ae, ae.Spec.Duration-elapsed)
		}
		return false
	}
	switch {
	case ae.Spec.Def.IsStacking() && ae.Spec.Def.Stacking.Expiration == RemoveSingleStack && ae.StackCount > 1:
		ae.StackCount--
		ae.StartTime = c.Now()
		c.RecalculateStacking(h)
		if c.ownsTimers(ae) {
			c.scheduleDuration(ae, ae.Spec.Duration)
		}
		return false
	case ae.Spec.Def.IsStacking() && ae.Spec.Def.Stacking.Expiration == RefreshDurationOnLapse:
		ae.StartTime = c.Now()
		if c.ownsTimers(ae) {
			c.scheduleDuration(ae, ae.Spec.Duration)
		}
		return false
	}
	c.remove(ae, true)
	return true
}

// RemoveActiveGameplayEffect removes stacks from h; stacks <= 0 removes the
// whole entry. It reports whether anything changed.
func (c *Container) RemoveActiveGameplayEffect(h Handle, stacks int) bool {
	ae, ok := c.effects[h]
	if !ok || ae.removed {
		return false
	}
	if stacks <= 0 || stacks >= ae.StackCount {
		c.remove(ae, false)
		return true
	}
	ae.StackCount -= stacks
	c.RecalculateStacking(h)
	return true
}

// RemoveByQuery removes every entry matching q and returns the count.
func (c *Container) RemoveByQuery(q Query) int {
	n := 0
	for _, ae := range c.sorted() {
		if ae.instant || !q.matches(ae) {
			continue
		}
		if c.RemoveActiveGameplayEffect(ae.Handle, 0) {
			n++
		}
	}
	return n
}

// RemoveAll removes every entry, as on owner destruction.
func (c *Container) RemoveAll() {
	for _, ae := range c.sorted() {
		c.remove(ae, false)
	}
}

func (c *Container) remove(ae *ActiveEffect, expired bool) {
	if ae.removed {
		return
	}
	ae.removed = true
	c.clearTimers(ae)
	c.removeModifiers(ae)
	if !ae.instant {
		c.grantTags(ae, -1)
		c.cueAll(ae, cue.Removed)
	}
	delete(c.effects, ae.Handle)
	if ae.ServerHandle.IsValid() {
		delete(c.byServer, ae.ServerHandle)
	}
	info := RemovedInfo{Handle: ae.Handle, DefinitionID: ae.Spec.Def.ID, Key: ae.Key, Expired: expired}
	c.onRemoved.Publish(ae.Handle, info)
	c.removedFn.Publish(info)
	c.logger.Debug("active effect removed",
		zap.String("effect", info.DefinitionID),
		zap.Uint64("handle", uint64(ae.Handle)),
		zap.Bool("expired", expired),
	)
}

func (c *Container) clearTimers(ae *ActiveEffect) {
	if ae.durationTimer.IsValid() {
		c.cfg.Timers.Clear(ae.durationTimer)
		ae.durationTimer = 0
	}
	if ae.periodTimer.IsValid() {
		c.cfg.Timers.Clear(ae.periodTimer)
		ae.periodTimer = 0
	}
}

func (c *Container) scheduleDuration(ae *ActiveEffect, d time.Duration) {
	h := ae.Handle
	ae.durationTimer = c.cfg.Timers.Set(d, priorityDuration, func() {
		ae.durationTimer = 0
		c.CheckDuration(h)
	})
}

func (c *Container) schedulePeriod(ae *ActiveEffect, d time.Duration) {
	h := ae.Handle
	ae.periodTimer = c.cfg.Timers.Set(d, priorityPeriod, func() {
		ae.periodTimer = 0
		if ae.removed {
			return
		}
		c.ExecutePeriodicGameplayEffect(h)
		if !ae.removed {
			c.schedulePeriod(ae, ae.Spec.Period)
		}
	})
}

// stackedMagnitude scales a per-stack magnitude: additive contributions sum,
// multiplicative and division factors compound, overrides are unaffected.
func stackedMagnitude(op attribute.Op, mag float64, stacks int) float64 {
	if stacks <= 1 {
		return mag
	}
	switch op {
	case attribute.OpAdditive:
		return mag * float64(stacks)
	case attribute.OpMultiplicative, attribute.OpDivision:
		return math.Pow(mag, float64(stacks))
	}
	return mag
}

// modifierCount is how many aggregator entries ae contributes. Periodic
// entries execute against base values and contribute none.
func modifierCount(ae *ActiveEffect) int {
	if ae.Spec.Period > 0 && !ae.instant {
		return 0
	}
	return min(len(ae.Spec.Def.Modifiers), len(ae.Spec.Magnitudes))
}

func (c *Container) addModifiers(ae *ActiveEffect) {
	n := modifierCount(ae)
	ae.mods = make([]*attribute.Modifier, 0, n)
	for i := 0; i < n; i++ {
		m := ae.Spec.Def.Modifiers[i]
		ae.mods = append(ae.mods, c.cfg.Attributes.Aggregator(m.Attribute).AddModifier(
			m.Op,
			stackedMagnitude(m.Op, ae.Spec.Magnitudes[i], ae.StackCount),
			attribute.Owner(ae.Handle),
			ae.Spec.SourceTags,
			m.Requirements,
		))
	}
}

func (c *Container) removeModifiers(ae *ActiveEffect) {
	for _, m := range ae.Spec.Def.Modifiers {
		c.cfg.Attributes.Aggregator(m.Attribute).RemoveModifiersFor(attribute.Owner(ae.Handle))
	}
	ae.mods = nil
}

func (c *Container) executeSpec(spec *Spec, stacks int, replicated bool) {
	owned := c.cfg.Tags.Container()
	for i, m := range spec.Def.Modifiers {
		if i >= len(spec.Magnitudes) || !m.Requirements.Met(spec.SourceTags, owned) {
			continue
		}
		agg := c.cfg.Attributes.Aggregator(m.Attribute)
		agg.SetBaseValue(m.Op.Apply(agg.BaseValue(), stackedMagnitude(m.Op, spec.Magnitudes[i], stacks)))
	}
	for _, t := range spec.Def.Cues {
		c.cfg.Cues.Dispatch(t, cue.Executed, c.cueParams(spec, spec.Context.Key, firstMagnitude(spec), replicated))
	}
}

func firstMagnitude(spec *Spec) float64 {
	if len(spec.Magnitudes) == 0 {
		return 0
	}
	return spec.Magnitudes[0]
}

func (c *Container) grantTags(ae *ActiveEffect, delta int) {
	for _, t := range ae.Spec.Def.GrantedTags {
		c.granted.UpdateCount(t, delta)
		c.cfg.Tags.UpdateCount(t, delta)
	}
}

func (c *Container) cueAll(ae *ActiveEffect, ev cue.Event) {
	for _, t := range ae.Spec.Def.Cues {
		c.cfg.Cues.Dispatch(t, ev, c.cueParams(ae.Spec, ae.Key, firstMagnitude(ae.Spec), ae.replicated))
	}
}

func (c *Container) cueParams(spec *Spec, key prediction.Key, mag float64, replicated bool) cue.Params {
	return cue.Params{
		EffectID:   spec.Def.ID,
		SourceID:   spec.Context.SourceID,
		TargetID:   c.cfg.OwnerID,
		Level:      spec.Level,
		Magnitude:  mag,
		Key:        key,
		Replicated: replicated,
	}
}

func (c *Container) sorted() []*ActiveEffect {
	out := make([]*ActiveEffect, 0, len(c.effects))
	for _, ae := range c.effects {
		out = append(out, ae)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
