package ability

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

// GiveAbility grants the catalog ability id and returns its handle. Only
// the authority grants; clients learn their specs from snapshots.
//
// Postcondition: on error nothing was granted.
func (e *Engine) GiveAbility(id string, level float64, inputID int) (Handle, error) {
	if !e.authority() {
		e.logger.Warn("ability grant attempted without authority", zap.String("ability", id))
		return 0, ErrNotAuthority
	}
	def, ok := e.catalog.Abilities.Get(id)
	if !ok {
		e.logger.Error("granting unknown ability", zap.String("ability", id))
		return 0, fmt.Errorf("%w: %q", ErrAbilityNotFound, id)
	}
	e.nextHandle++
	if _, err := e.giveSpec(e.nextHandle, def, level, inputID); err != nil {
		return 0, err
	}
	return e.nextHandle, nil
}

func (e *Engine) giveSpec(h Handle, def *Definition, level float64, inputID int) (*Spec, error) {
	b, ok := e.catalog.Behaviors.Get(def.Behavior)
	if !ok {
		e.logger.Error("ability names unknown behavior",
			zap.String("ability", def.ID), zap.String("behavior", def.Behavior))
		return nil, fmt.Errorf("ability %q: unknown behavior %q", def.ID, def.Behavior)
	}
	s := &Spec{Handle: h, Def: def, Level: level, InputID: inputID, behavior: b}
	if def.Cost != "" {
		if ed, ok := e.catalog.Effect(def.Cost); ok {
			s.Cost = EffectCost{Effect: ed}
		} else {
			e.logger.Error("ability cost names unknown effect",
				zap.String("ability", def.ID), zap.String("effect", def.Cost))
		}
	}
	if def.Cooldown != "" {
		if ed, ok := e.catalog.Effect(def.Cooldown); ok {
			s.Cooldown = EffectCooldown{Effect: ed}
		} else {
			e.logger.Error("ability cooldown names unknown effect",
				zap.String("ability", def.ID), zap.String("effect", def.Cooldown))
		}
	}
	e.specs[h] = s
	if h > e.nextHandle {
		e.nextHandle = h
	}
	e.registerTriggers(s)
	e.logger.Debug("ability granted", zap.String("ability", def.ID), zap.Uint64("handle", uint64(h)))
	return s, nil
}

// ClearAbility cancels every activation of h and removes the grant.
func (e *Engine) ClearAbility(h Handle) bool {
	return e.clearAbility(h, false)
}

func (e *Engine) clearAbility(h Handle, remote bool) bool {
	s, ok := e.specs[h]
	if !ok {
		return false
	}
	for _, inst := range s.Instances() {
		e.endInstance(inst, true, remote)
	}
	e.unregisterTriggers(s)
	s.subs.CancelAll()
	delete(e.specs, h)
	return true
}

// TryActivateAbility attempts to activate h.
//
// A nil error means the activation ran or, where the net execution policy
// hands activation to the other machine, the request was sent. Expected
// rejections wrap ErrRequirementsNotMet or are ErrAlreadyActive.
func (e *Engine) TryActivateAbility(h Handle) error {
	_, err := e.tryActivate(h, prediction.Key{}, nil)
	return err
}

// TryActivateAbilityWithEvent attempts to activate h with an event payload.
func (e *Engine) TryActivateAbilityWithEvent(h Handle, event EventData) error {
	_, err := e.tryActivate(h, prediction.Key{}, &event)
	return err
}

// TryActivateAbilitiesByTag attempts every granted ability whose tags match
// any of tags and reports whether at least one activated.
func (e *Engine) TryActivateAbilitiesByTag(tags tag.Container) bool {
	ok := false
	for _, s := range e.Specs() {
		if !s.Def.AbilityTags().HasAny(tags) {
			continue
		}
		if err := e.TryActivateAbility(s.Handle); err == nil {
			ok = true
		}
	}
	return ok
}

// tryActivate runs the activation pipeline. key is the inbound prediction
// key of a client request processed on the authority. The returned
// instance is nil when activation was delegated to the other machine.
func (e *Engine) tryActivate(h Handle, key prediction.Key, event *EventData) (*Instance, error) {
	s, ok := e.specs[h]
	if !ok {
		e.logger.Warn("activation of unknown ability handle", zap.Uint64("handle", uint64(h)))
		return nil, fmt.Errorf("%w: handle %d", ErrAbilityNotFound, h)
	}
	def := s.Def
	if e.cfg.AvatarValid != nil && !e.cfg.AvatarValid() {
		return nil, e.fail(s, key, ErrInvalidAvatar)
	}

	switch e.cfg.Role {
	case RoleSimulated:
		e.logger.Warn("activation attempted on simulated proxy", zap.String("ability", def.ID))
		return nil, e.fail(s, key, ErrNetPolicyViolation)
	case RoleAutonomous:
		switch def.NetExecution {
		case ServerOnly:
			e.logger.Warn("client activation of server-only ability", zap.String("ability", def.ID))
			return nil, e.fail(s, key, ErrNetPolicyViolation)
		case ServerInitiated:
			if err := e.checkActivation(s, event); err != nil {
				return nil, e.fail(s, key, err)
			}
			e.sendServer(func(l ServerLink) { l.ServerTryActivateAbility(h, s.InputPressed, prediction.Key{}, event) })
			return nil, nil
		}
	case RoleAuthority:
		if e.remoteControlled() && !key.IsValidKey() {
			switch {
			case def.NetExecution == LocalOnly, def.NetExecution == LocalPredicted && event == nil:
				e.sendClient(func(l ClientLink) { l.ClientTryActivateAbility(h) })
				return nil, nil
			}
		}
	}

	if err := e.checkActivation(s, event); err != nil {
		return nil, e.fail(s, key, err)
	}
	if def.Instancing == InstancedPerActor && s.IsActive() {
		if !def.Retrigger {
			return nil, e.fail(s, key, ErrAlreadyActive)
		}
		for _, inst := range s.Instances() {
			e.endInstance(inst, false, false)
		}
	}

	info := ActivationInfo{Mode: Authority}
	var w *prediction.Window
	switch {
	case e.authority():
		w = prediction.OpenWindow(e.scope, true, nil, key)
		info.Key = key
	case def.NetExecution == LocalOnly:
		info.Mode = NonAuthority
	default:
		parent := e.scope.Current()
		w = prediction.OpenWindow(e.scope, false, e.gen, prediction.Key{})
		info = ActivationInfo{Mode: Predicting, Key: w.Key()}
		e.ledger.Track(info.Key)
		if parent.IsValidKey() {
			e.ledger.AddDependency(info.Key, parent)
		}
		e.sendServer(func(l ServerLink) { l.ServerTryActivateAbility(h, s.InputPressed, info.Key, event) })
	}
	if w != nil {
		defer w.Close()
	}
	if e.remoteControlled() && (def.NetExecution == ServerInitiated || def.NetExecution == LocalPredicted) {
		e.sendClient(func(l ClientLink) { l.ClientActivateAbilitySucceeded(h, key, event) })
	}
	return e.activate(s, info, event), nil
}

// checkActivation runs every side-effect free activation check except the
// already-active rule.
func (e *Engine) checkActivation(s *Spec, event *EventData) error {
	def := s.Def
	if s.InputID != 0 && e.blockedInputs[s.InputID] {
		return requirement(ErrInputBlocked)
	}
	if def.AbilityTags().HasAny(e.blocked.Container()) {
		return requirement(ErrTagsBlocked)
	}
	owned := e.tags.Container()
	if req := def.activationRequirements(); !req.Met(owned) {
		return requirement(missingOrBlocked(req, owned))
	}
	if event != nil {
		if req := def.sourceRequirements(); !req.Met(event.InstigatorTags) {
			return requirement(missingOrBlocked(req, event.InstigatorTags))
		}
		if req := def.targetRequirements(); !req.Met(event.TargetTags) {
			return requirement(missingOrBlocked(req, event.TargetTags))
		}
	}
	if s.Cooldown != nil && !s.Cooldown.CheckCooldown(e, s) {
		return requirement(ErrOnCooldown)
	}
	if s.Cost != nil && !s.Cost.CheckCost(e, s) {
		return requirement(ErrCannotAffordCost)
	}
	if !s.behavior.CanActivate(e, s, event) {
		return requirement(ErrBehaviorRefused)
	}
	if def.CanActivateScript != "" {
		ok, err := e.catalog.canActivateScript(def.CanActivateScript, e, s)
		if err != nil {
			e.logger.Error("activation script failed",
				zap.String("ability", def.ID), zap.String("script", def.CanActivateScript), zap.Error(err))
		}
		if !ok {
			return requirement(ErrBehaviorRefused)
		}
	}
	return nil
}

func missingOrBlocked(req tag.Requirements, c tag.Container) error {
	for _, t := range req.Ignore {
		if c.HasTag(t) {
			return ErrTagsBlocked
		}
	}
	return ErrTagsMissing
}

// fail logs and publishes a failed attempt and returns err.
func (e *Engine) fail(s *Spec, key prediction.Key, err error) error {
	if IsExpected(err) {
		e.logger.Debug("ability activation rejected", zap.String("ability", s.Def.ID), zap.Error(err))
	}
	e.failed.Publish(FailedInfo{
		Handle:    s.Handle,
		AbilityID: s.Def.ID,
		Key:       key,
		Reason:    ReasonFor(err),
		Err:       err,
	})
	return err
}

// activate starts an activation that passed its checks.
func (e *Engine) activate(s *Spec, info ActivationInfo, event *EventData) *Instance {
	def := s.Def
	var inst *Instance
	if def.Instancing == InstancedPerExecution {
		inst = &Instance{engine: e, spec: s}
		s.instances = append(s.instances, inst)
	} else {
		if s.instance == nil {
			s.instance = &Instance{engine: e, spec: s}
		}
		inst = s.instance
	}
	inst.activation++
	inst.active = true
	inst.cancelled = false
	inst.Info = info
	inst.Event = event
	inst.State = ""
	inst.owned = nil
	s.ActiveCount++
	s.Activation = info

	e.updateActivationTags(def.ActivationOwnedTags, 1)
	e.BlockAbilitiesWithTags(tag.NewContainer(def.BlockAbilitiesWithTag...))
	if len(def.CancelAbilitiesWithTag) > 0 {
		e.CancelAbilities(tag.NewContainer(def.CancelAbilitiesWithTag...), tag.Container{}, inst)
	}
	e.logger.Debug("ability activated",
		zap.String("ability", def.ID),
		zap.Stringer("mode", info.Mode),
		zap.Stringer("key", info.Key),
	)
	e.activated.Publish(inst)
	if info.Mode == Predicting {
		activation := inst.activation
		e.ledger.OnRejected(info.Key, func() {
			if inst.activation == activation && inst.active {
				e.logger.Debug("predicted activation rolled back",
					zap.String("ability", def.ID), zap.Stringer("key", info.Key))
				e.endInstance(inst, true, true)
			}
		})
		if !inst.active {
			return inst
		}
	}
	s.behavior.Activate(inst)
	return inst
}

// endInstance ends one activation. remote marks an end requested by the
// counterpart machine, which is never replicated back.
func (e *Engine) endInstance(inst *Instance, cancelled, remote bool) {
	if inst == nil || !inst.active {
		return
	}
	s := inst.spec
	def := s.Def
	inst.active = false
	inst.cancelled = cancelled

	tasks := inst.tasks
	inst.tasks = nil
	for _, t := range tasks {
		t.abilityEnded()
	}
	s.behavior.OnEnd(inst, cancelled)

	if e.animating == inst {
		e.animating = nil
	}
	e.updateActivationTags(def.ActivationOwnedTags, -1)
	e.UnblockAbilitiesWithTags(tag.NewContainer(def.BlockAbilitiesWithTag...))
	if s.ActiveCount > 0 {
		s.ActiveCount--
	}
	if s.tagTriggered == inst {
		s.tagTriggered = nil
	}
	k := targetKey{handle: s.Handle, key: inst.Info.Key.Current}
	delete(e.pendingTargets, k)
	delete(e.targetWaiters, k)
	if def.Instancing == InstancedPerExecution {
		s.dropInstance(inst)
	}
	if !remote {
		e.replicateEnd(inst, cancelled)
	}
	e.logger.Debug("ability ended",
		zap.String("ability", def.ID),
		zap.Bool("cancelled", cancelled),
		zap.Bool("remote", remote),
	)
	e.ended.Publish(EndedInfo{
		Handle:    s.Handle,
		AbilityID: def.ID,
		Info:      inst.Info,
		Cancelled: cancelled,
		Remote:    remote,
	})
}

func (e *Engine) replicateEnd(inst *Instance, cancelled bool) {
	policy := inst.spec.Def.NetExecution
	if policy != LocalPredicted && policy != ServerInitiated {
		return
	}
	h, info := inst.spec.Handle, inst.Info
	switch {
	case e.remoteControlled():
		e.sendClient(func(l ClientLink) {
			if cancelled {
				l.ClientCancelAbility(h, info)
			} else {
				l.ClientEndAbility(h, info)
			}
		})
	case e.cfg.Role == RoleAutonomous:
		e.sendServer(func(l ServerLink) {
			if cancelled {
				l.ServerCancelAbility(h, info)
			} else {
				l.ServerEndAbility(h, info)
			}
		})
	}
}

// EndAbility ends every running activation of h.
func (e *Engine) EndAbility(h Handle) {
	if s, ok := e.specs[h]; ok {
		for _, inst := range s.Instances() {
			e.endInstance(inst, false, false)
		}
	}
}

// CancelAbilityHandle cancels every running activation of h.
func (e *Engine) CancelAbilityHandle(h Handle) {
	if s, ok := e.specs[h]; ok {
		for _, inst := range s.Instances() {
			e.endInstance(inst, true, false)
		}
	}
}

// CancelAbilities cancels running activations whose ability tags match any
// of with (every ability when with is empty) and none of without. ignore is
// never cancelled. It returns the number of activations cancelled.
func (e *Engine) CancelAbilities(with, without tag.Container, ignore *Instance) int {
	n := 0
	for _, s := range e.Specs() {
		if !s.IsActive() {
			continue
		}
		tags := s.Def.AbilityTags()
		if !with.IsEmpty() && !tags.HasAny(with) {
			continue
		}
		if !without.IsEmpty() && tags.HasAny(without) {
			continue
		}
		for _, inst := range s.Instances() {
			if inst == ignore || !inst.active {
				continue
			}
			e.endInstance(inst, true, false)
			n++
		}
	}
	return n
}

// BlockAbilitiesWithTags blocks activation of abilities tagged with any of
// tags until a matching Unblock.
func (e *Engine) BlockAbilitiesWithTags(tags tag.Container) {
	e.blocked.UpdateContainer(tags, 1)
}

// UnblockAbilitiesWithTags releases one block per tag.
func (e *Engine) UnblockAbilitiesWithTags(tags tag.Container) {
	e.blocked.UpdateContainer(tags, -1)
}

// SetInputBlocked blocks or unblocks activation through inputID.
func (e *Engine) SetInputBlocked(inputID int, blocked bool) {
	if blocked {
		e.blockedInputs[inputID] = true
		return
	}
	delete(e.blockedInputs, inputID)
}

// AbilityLocalInputPressed activates every spec bound to inputID that is not
// running and marks running ones pressed.
func (e *Engine) AbilityLocalInputPressed(inputID int) {
	if e.blockedInputs[inputID] {
		return
	}
	for _, s := range e.Specs() {
		if s.InputID != inputID {
			continue
		}
		s.InputPressed = true
		if s.IsActive() && !s.Def.Retrigger {
			continue
		}
		if err := e.TryActivateAbility(s.Handle); err != nil && !IsExpected(err) {
			e.logger.Debug("input activation failed", zap.String("ability", s.Def.ID), zap.Error(err))
		}
	}
}

// AbilityLocalInputReleased clears the pressed state of specs bound to
// inputID.
func (e *Engine) AbilityLocalInputReleased(inputID int) {
	for _, s := range e.Specs() {
		if s.InputID == inputID {
			s.InputPressed = false
		}
	}
}

func (e *Engine) registerTriggers(s *Spec) {
	for _, tr := range s.Def.Triggers {
		if tr.Source == TriggerGameplayEvent {
			e.eventTriggers[tr.Tag] = append(e.eventTriggers[tr.Tag], s.Handle)
			continue
		}
		e.ownedTriggers[tr.Tag] = append(e.ownedTriggers[tr.Tag], s.Handle)
		if _, ok := e.ownedTriggerSubs[tr.Tag]; !ok {
			t := tr.Tag
			e.ownedTriggerSubs[t] = e.tags.RegisterEvent(t, tag.EventNewOrRemoved, func(ch tag.CountChange) {
				e.ownedTagChanged(t, ch)
			})
		}
		if e.ownsTagTriggers(s) && e.tags.HasMatchingTag(tr.Tag) {
			e.triggerFromOwnedTag(s, tr)
		}
	}
}

func (e *Engine) unregisterTriggers(s *Spec) {
	drop := func(m map[tag.Tag][]Handle, t tag.Tag) {
		list := m[t]
		for i, h := range list {
			if h == s.Handle {
				m[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m[t]) == 0 {
			delete(m, t)
		}
	}
	for _, tr := range s.Def.Triggers {
		if tr.Source == TriggerGameplayEvent {
			drop(e.eventTriggers, tr.Tag)
			continue
		}
		drop(e.ownedTriggers, tr.Tag)
		if _, ok := e.ownedTriggers[tr.Tag]; !ok {
			if sub, ok := e.ownedTriggerSubs[tr.Tag]; ok {
				sub.Cancel()
				delete(e.ownedTriggerSubs, tr.Tag)
			}
		}
	}
}

// ownsTagTriggers reports whether owned-tag triggers of s fire here: on
// the authority, and on the owning client for local-only abilities.
func (e *Engine) ownsTagTriggers(s *Spec) bool {
	return e.authority() || (e.cfg.Role == RoleAutonomous && s.Def.NetExecution == LocalOnly)
}

func (e *Engine) ownedTagChanged(t tag.Tag, ch tag.CountChange) {
	for _, h := range append([]Handle(nil), e.ownedTriggers[t]...) {
		s, ok := e.specs[h]
		if !ok || !e.ownsTagTriggers(s) {
			continue
		}
		for _, tr := range s.Def.Triggers {
			if tr.Tag != t || tr.Source == TriggerGameplayEvent {
				continue
			}
			switch {
			case ch.Added():
				e.triggerFromOwnedTag(s, tr)
			case ch.Removed() && tr.Source == TriggerOwnedTagPresent:
				if s.tagTriggered != nil {
					e.endInstance(s.tagTriggered, true, false)
				}
			}
		}
	}
}

func (e *Engine) triggerFromOwnedTag(s *Spec, tr Trigger) {
	ev := &EventData{
		Tag:          tr.Tag,
		InstigatorID: e.cfg.EntityID,
		TargetID:     e.cfg.EntityID,
		Magnitude:    float64(e.tags.Count(tr.Tag)),
		TargetTags:   e.tags.Container(),
	}
	inst, err := e.tryActivate(s.Handle, prediction.Key{}, ev)
	if err != nil {
		return
	}
	if inst != nil && inst.active && tr.Source == TriggerOwnedTagPresent {
		s.tagTriggered = inst
	}
}

// HandleGameplayEvent delivers an event: abilities triggered by event's tag
// or any of its parents try to activate, then WaitGameplayEvent tasks
// resume. It returns the number of abilities activated.
//
// A remotely controlled authority leaves local-predicted triggers raised
// inside a client's prediction window to that client, which predicts them
// and asks for them itself.
func (e *Engine) HandleGameplayEvent(t tag.Tag, payload EventData) int {
	if !t.IsValid() {
		e.logger.Warn("gameplay event with invalid tag", zap.String("tag", string(t)))
		return 0
	}
	payload.Tag = t
	n := 0
	for _, lt := range t.Lineage() {
		for _, h := range append([]Handle(nil), e.eventTriggers[lt]...) {
			s, ok := e.specs[h]
			if !ok {
				continue
			}
			if e.remoteControlled() && s.Def.NetExecution == LocalPredicted && e.scope.Current().IsValidKey() {
				continue
			}
			ev := payload
			if _, err := e.tryActivate(h, prediction.Key{}, &ev); err == nil {
				n++
			}
		}
	}
	for _, lt := range t.Lineage() {
		e.events.Publish(lt, payload)
	}
	return n
}

// deliverLocalTargets hands target data acquired on this machine to fn,
// forwarding it to the server first when the server runs the ability too.
func (e *Engine) deliverLocalTargets(inst *Instance, res targeting.Result, fn func(targeting.Result)) {
	def := inst.spec.Def
	if e.cfg.Role != RoleAutonomous || def.NetExecution == LocalOnly {
		inst.within(func() { fn(res) })
		return
	}
	key := e.dependentKey(inst)
	h, activation := inst.spec.Handle, inst.Info.Key
	e.sendServer(func(l ServerLink) { l.ServerSetTargetData(h, activation, res.Handle, res.Cancelled, key) })
	e.withKey(key, func() { fn(res) })
}

// dependentKey returns a key for follow-up work of inst: chained to the
// activation key while it can still be predicted, a fresh root key once the
// activation resolved, and the zero key when inst does not predict.
func (e *Engine) dependentKey(inst *Instance) prediction.Key {
	parent := inst.Info.Key
	if !parent.IsValidKey() {
		return prediction.Key{}
	}
	if !e.predictable(parent) {
		k := e.gen.New()
		e.ledger.Track(k)
		return k
	}
	k := parent.GenerateDependent(e.gen)
	e.ledger.Track(k)
	e.ledger.AddDependency(k, parent)
	return k
}

func (e *Engine) sendServer(fn func(ServerLink)) {
	if e.cfg.Server == nil {
		e.logger.Warn("no server link; request dropped")
		return
	}
	fn(e.cfg.Server)
}

func (e *Engine) sendClient(fn func(ClientLink)) {
	if e.cfg.Client == nil {
		e.logger.Debug("no client link; notification dropped")
		return
	}
	fn(e.cfg.Client)
}
