package ability

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

// Built-in behavior names.
const (
	// BehaviorInstant commits, applies owner and target effects and ends.
	BehaviorInstant = "instant"
	// BehaviorTimed commits, applies owner effects and ends after Duration.
	BehaviorTimed = "timed"
	// BehaviorPassive commits, applies owner effects and stays active until
	// cancelled.
	BehaviorPassive = "passive"
	// BehaviorMontage commits and plays the definition's montage, ending on
	// completion and cancelling on interruption.
	BehaviorMontage = "montage"
	// BehaviorTargeted acquires target data, then commits and applies target
	// effects to every targeted actor.
	BehaviorTargeted = "targeted"
)

// Behavior is the activatable body of an ability.
//
// CanActivate runs during activation checks and must not mutate state.
// Activate runs once per activation with the instance already active; it
// may end the instance synchronously or leave tasks outstanding. OnEnd runs
// exactly once per activation, after every outstanding task was told the
// ability ended.
type Behavior interface {
	CanActivate(e *Engine, s *Spec, event *EventData) bool
	Activate(inst *Instance)
	OnEnd(inst *Instance, cancelled bool)
}

// BehaviorFuncs adapts functions to Behavior. Nil fields are no-ops;
// a nil CanActivateFunc allows activation.
type BehaviorFuncs struct {
	CanActivateFunc func(e *Engine, s *Spec, event *EventData) bool
	ActivateFunc    func(inst *Instance)
	OnEndFunc       func(inst *Instance, cancelled bool)
}

// CanActivate implements Behavior.
func (b BehaviorFuncs) CanActivate(e *Engine, s *Spec, event *EventData) bool {
	if b.CanActivateFunc == nil {
		return true
	}
	return b.CanActivateFunc(e, s, event)
}

// Activate implements Behavior.
func (b BehaviorFuncs) Activate(inst *Instance) {
	if b.ActivateFunc != nil {
		b.ActivateFunc(inst)
	}
}

// OnEnd implements Behavior.
func (b BehaviorFuncs) OnEnd(inst *Instance, cancelled bool) {
	if b.OnEndFunc != nil {
		b.OnEndFunc(inst, cancelled)
	}
}

// BehaviorRegistry maps behavior names to implementations.
type BehaviorRegistry struct {
	behaviors map[string]Behavior
}

// NewBehaviorRegistry returns a registry holding the built-in behaviors.
func NewBehaviorRegistry() *BehaviorRegistry {
	r := &BehaviorRegistry{behaviors: make(map[string]Behavior)}
	r.Register(BehaviorInstant, instantBehavior{})
	r.Register(BehaviorTimed, timedBehavior{})
	r.Register(BehaviorPassive, passiveBehavior{})
	r.Register(BehaviorMontage, montageBehavior{})
	r.Register(BehaviorTargeted, targetedBehavior{})
	return r
}

// Register adds or replaces the behavior called name.
//
// Precondition: name must be non-empty and b non-nil.
func (r *BehaviorRegistry) Register(name string, b Behavior) {
	if name == "" || b == nil {
		panic(fmt.Sprintf("ability: invalid behavior registration %q", name))
	}
	r.behaviors[name] = b
}

// Get returns the behavior called name.
func (r *BehaviorRegistry) Get(name string) (Behavior, bool) {
	b, ok := r.behaviors[name]
	return b, ok
}

// Names returns the registered names in sorted order.
func (r *BehaviorRegistry) Names() []string {
	out := make([]string, 0, len(r.behaviors))
	for n := range r.behaviors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// commitOrCancel commits inst and cancels it when the commit fails. It
// reports whether the ability may continue.
func commitOrCancel(inst *Instance) bool {
	if err := inst.Commit(); err != nil {
		inst.engine.logger.Debug("ability commit failed",
			zap.String("ability", inst.spec.Def.ID), zap.Error(err))
		inst.CancelAbility()
		return false
	}
	return true
}

func applyOwnerEffects(inst *Instance) {
	for _, id := range inst.spec.Def.OwnerEffects {
		if _, err := inst.ApplyEffectToOwner(id); err != nil {
			inst.engine.logDegraded("owner effect not applied", inst, id, err)
		}
	}
}

func applyTargetEffects(inst *Instance, targets []string) {
	for _, id := range inst.spec.Def.TargetEffects {
		for _, target := range targets {
			if _, err := inst.ApplyEffectToTarget(id, target); err != nil {
				inst.engine.logDegraded("target effect not applied", inst, id, err)
			}
		}
	}
}

func eventTargets(inst *Instance) []string {
	if inst.Event == nil {
		return nil
	}
	targets := inst.Event.Targets.Actors()
	if len(targets) == 0 && inst.Event.TargetID != "" {
		targets = []string{inst.Event.TargetID}
	}
	return targets
}

type instantBehavior struct{}

func (instantBehavior) CanActivate(*Engine, *Spec, *EventData) bool { return true }

func (instantBehavior) Activate(inst *Instance) {
	if !commitOrCancel(inst) {
		return
	}
	applyOwnerEffects(inst)
	applyTargetEffects(inst, eventTargets(inst))
	inst.EndAbility()
}

func (instantBehavior) OnEnd(*Instance, bool) {}

type timedBehavior struct{}

func (timedBehavior) CanActivate(*Engine, *Spec, *EventData) bool { return true }

func (timedBehavior) Activate(inst *Instance) {
	if !commitOrCancel(inst) {
		return
	}
	applyOwnerEffects(inst)
	inst.State = "waiting"
	d := time.Duration(inst.spec.Def.Duration * float64(time.Second))
	WaitDelay(inst, d, func() {
		inst.State = "expired"
		inst.EndAbility()
	})
}

func (timedBehavior) OnEnd(*Instance, bool) {}

type passiveBehavior struct{}

func (passiveBehavior) CanActivate(*Engine, *Spec, *EventData) bool { return true }

func (passiveBehavior) Activate(inst *Instance) {
	if !commitOrCancel(inst) {
		return
	}
	applyOwnerEffects(inst)
	inst.State = "active"
}

func (passiveBehavior) OnEnd(inst *Instance, _ bool) {
	inst.RemoveOwnerEffects()
}

type montageBehavior struct{}

func (montageBehavior) CanActivate(e *Engine, _ *Spec, _ *EventData) bool {
	return e.cfg.Montages != nil
}

func (montageBehavior) Activate(inst *Instance) {
	if !commitOrCancel(inst) {
		return
	}
	applyOwnerEffects(inst)
	def := inst.spec.Def
	_, err := PlayMontageAndWait(inst, def.Montage, def.PlayRate, def.StartSection, func(r MontageResult) {
		if r == MontageCompleted {
			inst.EndAbility()
			return
		}
		inst.CancelAbility()
	})
	if err != nil {
		inst.engine.logger.Error("montage failed to play",
			zap.String("ability", def.ID), zap.String("montage", def.Montage), zap.Error(err))
		inst.CancelAbility()
	}
}

func (montageBehavior) OnEnd(*Instance, bool) {}

type targetedBehavior struct{}

func (targetedBehavior) CanActivate(e *Engine, _ *Spec, _ *EventData) bool {
	return e.cfg.Targeting != nil || e.remoteControlled()
}

func (targetedBehavior) Activate(inst *Instance) {
	inst.State = "targeting"
	_, err := WaitTargetData(inst, inst.spec.Def.Targeting.Confirmation(), func(res targeting.Result) {
		if res.Cancelled {
			inst.CancelAbility()
			return
		}
		inst.State = "confirmed"
		if !commitOrCancel(inst) {
			return
		}
		applyOwnerEffects(inst)
		applyTargetEffects(inst, res.Handle.Actors())
		inst.EndAbility()
	})
	if err != nil {
		inst.engine.logger.Error("targeting failed to start",
			zap.String("ability", inst.spec.Def.ID), zap.Error(err))
		inst.CancelAbility()
	}
}

func (targetedBehavior) OnEnd(*Instance, bool) {}
