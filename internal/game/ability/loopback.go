package ability

import (
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

// Loopback connects an autonomous engine to its authority in one process.
// Messages queue in send order and are delivered by Flush, the way a
// network transport delivers them on a later tick.
type Loopback struct {
	pending []func()
}

// Server returns a ServerLink delivering to the authority engine.
func (l *Loopback) Server(authority *Engine) ServerLink {
	return loopServer{l: l, e: authority}
}

// Client returns a ClientLink delivering to the owning client engine.
func (l *Loopback) Client(client *Engine) ClientLink {
	return loopClient{l: l, e: client}
}

// Pending returns the number of undelivered messages.
func (l *Loopback) Pending() int { return len(l.pending) }

// Flush delivers queued messages, including ones queued while delivering,
// and returns how many were delivered.
func (l *Loopback) Flush() int {
	n := 0
	for len(l.pending) > 0 {
		fn := l.pending[0]
		l.pending = l.pending[1:]
		fn()
		n++
	}
	return n
}

func (l *Loopback) push(fn func()) { l.pending = append(l.pending, fn) }

// wire strips server-local fields the way serialization does.
func wire(k prediction.Key) prediction.Key {
	return prediction.Key{Current: k.Current, Base: k.Base, IsStale: k.IsStale}
}

func wireInfo(info ActivationInfo) ActivationInfo {
	info.Key = wire(info.Key)
	return info
}

type loopServer struct {
	l *Loopback
	e *Engine
}

func (s loopServer) ServerTryActivateAbility(h Handle, pressed bool, key prediction.Key, event *EventData) {
	key = wire(key)
	s.l.push(func() { s.e.ServerTryActivateAbility(h, pressed, key, event) })
}

func (s loopServer) ServerSetTargetData(h Handle, activationKey prediction.Key, data targeting.Handle, cancelled bool, key prediction.Key) {
	activationKey, key = wire(activationKey), wire(key)
	s.l.push(func() { s.e.ServerSetTargetData(h, activationKey, data, cancelled, key) })
}

func (s loopServer) ServerEndAbility(h Handle, info ActivationInfo) {
	info = wireInfo(info)
	s.l.push(func() { s.e.ServerEndAbility(h, info) })
}

func (s loopServer) ServerCancelAbility(h Handle, info ActivationInfo) {
	info = wireInfo(info)
	s.l.push(func() { s.e.ServerCancelAbility(h, info) })
}

type loopClient struct {
	l *Loopback
	e *Engine
}

func (c loopClient) ClientActivateAbilitySucceeded(h Handle, key prediction.Key, event *EventData) {
	key = wire(key)
	c.l.push(func() { c.e.ClientActivateAbilitySucceeded(h, key, event) })
}

func (c loopClient) ClientActivateAbilityFailed(h Handle, key prediction.Key, reason FailureReason) {
	key = wire(key)
	c.l.push(func() { c.e.ClientActivateAbilityFailed(h, key, reason) })
}

func (c loopClient) ClientTryActivateAbility(h Handle) {
	c.l.push(func() { c.e.ClientTryActivateAbility(h) })
}

func (c loopClient) ClientEndAbility(h Handle, info ActivationInfo) {
	info = wireInfo(info)
	c.l.push(func() { c.e.ClientEndAbility(h, info) })
}

func (c loopClient) ClientCancelAbility(h Handle, info ActivationInfo) {
	info = wireInfo(info)
	c.l.push(func() { c.e.ClientCancelAbility(h, info) })
}
