package ability

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

// Instance is one running (or, for per-actor abilities, reusable) ability
// object. Behaviors drive it; the engine owns it.
type Instance struct {
	engine *Engine
	spec   *Spec

	// Info is stamped at activation.
	Info ActivationInfo
	// Event is the payload of an event-triggered activation, or nil.
	Event *EventData
	// State is the behavior's resumption point, e.g. "targeting".
	State string

	active    bool
	cancelled bool
	// activation counts activations of this object; callbacks registered
	// for one activation compare it before acting.
	activation uint64
	tasks      []*Task
	owned      []effect.Handle
}

// Engine returns the owning engine.
func (i *Instance) Engine() *Engine { return i.engine }

// Spec returns the granted spec.
func (i *Instance) Spec() *Spec { return i.spec }

// Definition returns the ability definition.
func (i *Instance) Definition() *Definition { return i.spec.Def }

// Handle returns the spec handle.
func (i *Instance) Handle() Handle { return i.spec.Handle }

// IsActive reports whether the activation is still running.
func (i *Instance) IsActive() bool { return i.active }

// WasCancelled reports whether the last activation ended by cancellation.
func (i *Instance) WasCancelled() bool { return i.cancelled }

// Tasks returns the outstanding tasks.
func (i *Instance) Tasks() []*Task {
	return append([]*Task(nil), i.tasks...)
}

// canAct reports whether this machine may apply effects for the
// activation: always on the authority, otherwise only under a prediction key.
func (i *Instance) canAct() bool {
	e := i.engine
	return e.authority() || e.scope.Current().IsValidKey() || e.predictable(i.Info.Key)
}

// within runs fn with the activation key as the ambient prediction key, so
// work done from task callbacks is attributed to the activation.
func (i *Instance) within(fn func()) {
	e := i.engine
	if e.scope.Current().IsValidKey() || !i.Info.Key.IsValidKey() {
		fn()
		return
	}
	if !e.authority() && !e.predictable(i.Info.Key) {
		fn()
		return
	}
	w := prediction.OpenWindow(e.scope, e.authority(), e.gen, i.Info.Key)
	defer w.Close()
	fn()
}

// CheckCost reports whether the ability can pay its cost.
func (i *Instance) CheckCost() bool {
	return i.spec.Cost == nil || i.spec.Cost.CheckCost(i.engine, i.spec)
}

// CheckCooldown reports whether the ability is off cooldown.
func (i *Instance) CheckCooldown() bool {
	return i.spec.Cooldown == nil || i.spec.Cooldown.CheckCooldown(i.engine, i.spec)
}

// CommitCost applies the cost effect.
func (i *Instance) CommitCost() error {
	if i.spec.Cost == nil || !i.canAct() {
		return nil
	}
	var err error
	i.within(func() { err = i.spec.Cost.ApplyCost(i.engine, i.spec) })
	return err
}

// CommitCooldown applies the cooldown effect.
func (i *Instance) CommitCooldown() error {
	if i.spec.Cooldown == nil || !i.canAct() {
		return nil
	}
	var err error
	i.within(func() { err = i.spec.Cooldown.ApplyCooldown(i.engine, i.spec) })
	return err
}

// Commit re-checks and then pays cost and cooldown. A machine that neither
// owns the ability nor predicts it leaves commitment to the authority and
// returns nil.
//
// Postcondition: on a requirements error or a cost error nothing was applied.
func (i *Instance) Commit() error {
	if !i.active {
		return fmt.Errorf("committing %q: %w", i.spec.Def.ID, errInactive)
	}
	if !i.canAct() {
		return nil
	}
	if !i.CheckCooldown() {
		return requirement(ErrOnCooldown)
	}
	if !i.CheckCost() {
		return requirement(ErrCannotAffordCost)
	}
	if err := i.CommitCost(); err != nil {
		return fmt.Errorf("committing cost of %q: %w", i.spec.Def.ID, err)
	}
	if err := i.CommitCooldown(); err != nil {
		return fmt.Errorf("committing cooldown of %q: %w", i.spec.Def.ID, err)
	}
	return nil
}

var errInactive = errors.New("instance is not active")

// ApplyEffectToOwner applies the catalog effect id to the owner at the
// ability's level. Duration effects are remembered so RemoveOwnerEffects
// can take them back.
func (i *Instance) ApplyEffectToOwner(id string) (effect.Handle, error) {
	def, ok := i.engine.catalog.Effect(id)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEffect, id)
	}
	if !i.canAct() {
		return 0, nil
	}
	var (
		h   effect.Handle
		err error
	)
	i.within(func() {
		h, err = i.engine.ApplyGameplayEffectSpecToSelf(i.engine.outgoing(def, i.spec.Level, i.spec))
	})
	if err == nil && h.IsValid() {
		i.owned = append(i.owned, h)
	}
	return h, err
}

// ApplyEffectToTarget applies the catalog effect id to the entity targetID.
func (i *Instance) ApplyEffectToTarget(id, targetID string) (effect.Handle, error) {
	def, ok := i.engine.catalog.Effect(id)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEffect, id)
	}
	if !i.canAct() {
		return 0, nil
	}
	var (
		h   effect.Handle
		err error
	)
	i.within(func() {
		h, err = i.engine.ApplyGameplayEffectSpecToTarget(i.engine.outgoing(def, i.spec.Level, i.spec), targetID)
	})
	return h, err
}

// ApplyEffectToTargets applies id to every actor in targets and returns the
// joined errors.
func (i *Instance) ApplyEffectToTargets(id string, targets targeting.Handle) error {
	var errs []error
	for _, actor := range targets.Actors() {
		if _, err := i.ApplyEffectToTarget(id, actor); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveOwnerEffects removes the duration effects this activation applied
// to the owner that are still active. A client only removes its own
// predictions; replicated entries leave with the next snapshot.
func (i *Instance) RemoveOwnerEffects() {
	owned := i.owned
	i.owned = nil
	for _, h := range owned {
		ae, ok := i.engine.effects.Get(h)
		if !ok || (!i.engine.authority() && !ae.IsPredicted()) {
			continue
		}
		i.engine.effects.RemoveActiveGameplayEffect(h, 0)
	}
}

// EndAbility ends the activation normally. Ending an inactive instance is a
// no-op.
func (i *Instance) EndAbility() {
	i.engine.endInstance(i, false, false)
}

// CancelAbility ends the activation as cancelled.
func (i *Instance) CancelAbility() {
	i.engine.endInstance(i, true, false)
}

func (i *Instance) addTask(t *Task) {
	i.tasks = append(i.tasks, t)
}

func (i *Instance) removeTask(t *Task) {
	for n, cur := range i.tasks {
		if cur == t {
			i.tasks = append(i.tasks[:n], i.tasks[n+1:]...)
			return
		}
	}
}
