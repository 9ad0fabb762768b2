package ability

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

// ServerLink carries an owning client's requests to the authority. Calls
// must not be delivered re-entrantly; transports queue them.
type ServerLink interface {
	ServerTryActivateAbility(h Handle, inputPressed bool, key prediction.Key, event *EventData)
	ServerSetTargetData(h Handle, activationKey prediction.Key, data targeting.Handle, cancelled bool, key prediction.Key)
	ServerEndAbility(h Handle, info ActivationInfo)
	ServerCancelAbility(h Handle, info ActivationInfo)
}

// ClientLink carries the authority's replies and commands to the owning
// client.
type ClientLink interface {
	ClientActivateAbilitySucceeded(h Handle, key prediction.Key, event *EventData)
	ClientActivateAbilityFailed(h Handle, key prediction.Key, reason FailureReason)
	ClientTryActivateAbility(h Handle)
	ClientEndAbility(h Handle, info ActivationInfo)
	ClientCancelAbility(h Handle, info ActivationInfo)
}

var (
	_ ServerLink = (*Engine)(nil)
	_ ClientLink = (*Engine)(nil)
)

// ServerTryActivateAbility handles a client's activation request on the
// authority. The client learns the outcome under its own key: success is
// sent as the activation starts, failure once it is refused.
func (e *Engine) ServerTryActivateAbility(h Handle, inputPressed bool, key prediction.Key, event *EventData) {
	key = key.WithOwner(e.cfg.Conn)
	e.noteKey(key)
	s, ok := e.specs[h]
	if !ok {
		e.logger.Warn("client requested unknown ability", zap.Uint64("handle", uint64(h)), zap.Stringer("key", key))
		e.sendClient(func(l ClientLink) { l.ClientActivateAbilityFailed(h, key, ReasonNotFound) })
		return
	}
	switch s.Def.NetExecution {
	case ServerOnly, LocalOnly:
		e.logger.Warn("client requested ability its net policy forbids",
			zap.String("ability", s.Def.ID), zap.String("policy", string(s.Def.NetExecution)))
		e.sendClient(func(l ClientLink) { l.ClientActivateAbilityFailed(h, key, ReasonNetPolicy) })
		return
	}
	s.InputPressed = inputPressed
	if _, err := e.tryActivate(h, key, event); err != nil {
		reason := ReasonFor(err)
		e.sendClient(func(l ClientLink) { l.ClientActivateAbilityFailed(h, key, reason) })
	}
}

// ServerSetTargetData handles target data replicated by the owning client
// for the activation identified by activationKey. Data that arrives before
// the ability waits for it is kept until the activation ends.
func (e *Engine) ServerSetTargetData(h Handle, activationKey prediction.Key, data targeting.Handle, cancelled bool, key prediction.Key) {
	activationKey = activationKey.WithOwner(e.cfg.Conn)
	key = key.WithOwner(e.cfg.Conn)
	e.noteKey(key)
	s, ok := e.specs[h]
	if !ok {
		e.logger.Warn("target data for unknown ability", zap.Uint64("handle", uint64(h)))
		return
	}
	k := targetKey{handle: h, key: activationKey.Current}
	rt := replicatedTarget{data: data, cancelled: cancelled, key: key}
	if waiter, ok := e.targetWaiters[k]; ok {
		delete(e.targetWaiters, k)
		waiter(rt)
		return
	}
	if s.findByKey(activationKey) == nil {
		e.logger.Debug("target data for inactive activation dropped",
			zap.String("ability", s.Def.ID), zap.Stringer("key", activationKey))
		return
	}
	e.pendingTargets[k] = rt
}

// ServerEndAbility ends the authority's instance the client ended.
func (e *Engine) ServerEndAbility(h Handle, info ActivationInfo) {
	e.remoteEnd(h, info, false)
}

// ServerCancelAbility cancels the authority's instance the client
// cancelled, if the ability lets clients cancel it.
func (e *Engine) ServerCancelAbility(h Handle, info ActivationInfo) {
	s, ok := e.specs[h]
	if !ok {
		e.logger.Warn("cancel for unknown ability", zap.Uint64("handle", uint64(h)))
		return
	}
	if !s.Def.ServerRespectsRemoteCancel {
		e.logger.Debug("remote cancel ignored", zap.String("ability", s.Def.ID))
		return
	}
	e.remoteEnd(h, info, true)
}

// ClientActivateAbilitySucceeded handles the authority's confirmation. A
// valid key confirms the predicted activation; the zero key starts an
// activation the authority ran first.
func (e *Engine) ClientActivateAbilitySucceeded(h Handle, key prediction.Key, event *EventData) {
	s, ok := e.specs[h]
	if !ok {
		e.logger.Warn("confirmation for unknown ability", zap.Uint64("handle", uint64(h)))
		return
	}
	if key.IsValidKey() {
		inst := s.findByKey(key)
		if inst == nil {
			e.logger.Debug("confirmation for finished activation",
				zap.String("ability", s.Def.ID), zap.Stringer("key", key))
			return
		}
		inst.Info.Mode = Confirmed
		if s.Activation.Key.Current == key.Current {
			s.Activation.Mode = Confirmed
		}
		return
	}
	if s.Def.Instancing == InstancedPerActor && s.IsActive() {
		if !s.Def.Retrigger {
			e.logger.Warn("server-initiated activation of active ability skipped", zap.String("ability", s.Def.ID))
			return
		}
		for _, inst := range s.Instances() {
			e.endInstance(inst, false, true)
		}
	}
	e.activate(s, ActivationInfo{Mode: Confirmed}, event)
}

// ClientActivateAbilityFailed handles the authority's rejection of a
// predicted activation and rolls back everything predicted under key.
func (e *Engine) ClientActivateAbilityFailed(h Handle, key prediction.Key, reason FailureReason) {
	info := FailedInfo{Handle: h, Key: key, Reason: reason, Err: reason.Err()}
	if s, ok := e.specs[h]; ok {
		info.AbilityID = s.Def.ID
	}
	e.logger.Debug("predicted activation rejected",
		zap.String("ability", info.AbilityID), zap.Stringer("key", key), zap.Stringer("reason", reason))
	e.failed.Publish(info)
	e.ledger.Reject(key)
}

// ClientTryActivateAbility handles the authority's request that the client
// activate h itself.
func (e *Engine) ClientTryActivateAbility(h Handle) {
	if err := e.TryActivateAbility(h); err != nil {
		e.logger.Debug("server-requested activation failed", zap.Uint64("handle", uint64(h)), zap.Error(err))
	}
}

// ClientEndAbility ends the client's instance the authority ended.
func (e *Engine) ClientEndAbility(h Handle, info ActivationInfo) {
	e.remoteEnd(h, info, false)
}

// ClientCancelAbility cancels the client's instance the authority
// cancelled.
func (e *Engine) ClientCancelAbility(h Handle, info ActivationInfo) {
	e.remoteEnd(h, info, true)
}

func (e *Engine) remoteEnd(h Handle, info ActivationInfo, cancelled bool) {
	s, ok := e.specs[h]
	if !ok {
		e.logger.Debug("remote end for unknown ability", zap.Uint64("handle", uint64(h)))
		return
	}
	inst := s.findByKey(info.Key)
	if inst == nil {
		e.logger.Debug("remote end for inactive activation",
			zap.String("ability", s.Def.ID), zap.Stringer("key", info.Key))
		return
	}
	e.endInstance(inst, cancelled, true)
}
