package gameserver

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/netproto"
)

// Outbox queues encoded server messages for one connection. The world
// goroutine fills it; the session's stream writer drains it. Messages are
// encoded when queued so nothing the engines own crosses goroutines.
//
// A full queue means the client is not keeping up: the outbox marks itself
// overflowed and drops further messages, and the session ends.
type Outbox struct {
	conn     prediction.ConnID
	ch       chan netproto.Encoded
	overflow chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

var _ ability.ClientLink = (*Outbox)(nil)

// NewOutbox creates an outbox holding up to size messages.
//
// Precondition: size must be > 0; logger must be non-nil.
func NewOutbox(conn prediction.ConnID, size int, logger *zap.Logger) *Outbox {
	if size <= 0 {
		panic("gameserver.NewOutbox: size must be > 0")
	}
	return &Outbox{
		conn:     conn,
		ch:       make(chan netproto.Encoded, size),
		overflow: make(chan struct{}),
		logger:   logger,
	}
}

// Conn returns the connection the outbox serves.
func (o *Outbox) Conn() prediction.ConnID { return o.conn }

// C returns the queue of encoded messages.
func (o *Outbox) C() <-chan netproto.Encoded { return o.ch }

// Overflowed is closed once a message has been dropped.
func (o *Outbox) Overflowed() <-chan struct{} { return o.overflow }

func (o *Outbox) send(m *netproto.ServerMessage) {
	b, err := m.Marshal()
	if err != nil {
		o.logger.Error("encoding server message", zap.String("conn", string(o.conn)), zap.Error(err))
		return
	}
	select {
	case o.ch <- b:
	default:
		o.once.Do(func() {
			o.logger.Warn("send queue full; dropping connection", zap.String("conn", string(o.conn)), zap.Int("size", cap(o.ch)))
			close(o.overflow)
		})
	}
}

func (o *Outbox) key(k prediction.Key) prediction.Key { return k.ForRecipient(o.conn) }

func (o *Outbox) info(info ability.ActivationInfo) ability.ActivationInfo {
	info.Key = o.key(info.Key)
	return info
}

// Welcome tells the client which entity it controls.
func (o *Outbox) Welcome(entityID string) {
	o.send(&netproto.ServerMessage{Welcome: &netproto.Welcome{EntityID: entityID, Conn: o.conn}})
}

// Snapshot queues an entity snapshot already filtered for this connection.
func (o *Outbox) Snapshot(s ability.Snapshot) {
	o.send(&netproto.ServerMessage{Snapshot: &s})
}

// Cue queues a replicated cue.
func (o *Outbox) Cue(t tag.Tag, ev cue.Event, p cue.Params) {
	p.Key = o.key(p.Key)
	o.send(&netproto.ServerMessage{Cue: &netproto.Cue{Tag: t, Event: ev, Params: p}})
}

// Removed tells the client to forget entityID.
func (o *Outbox) Removed(entityID string) {
	o.send(&netproto.ServerMessage{Removed: &netproto.EntityRemoved{EntityID: entityID}})
}

// ClientActivateAbilitySucceeded implements ability.ClientLink.
func (o *Outbox) ClientActivateAbilitySucceeded(h ability.Handle, key prediction.Key, event *ability.EventData) {
	o.send(&netproto.ServerMessage{Succeeded: &netproto.ActivationSucceeded{Handle: h, Key: o.key(key), Event: event}})
}

// ClientActivateAbilityFailed implements ability.ClientLink.
func (o *Outbox) ClientActivateAbilityFailed(h ability.Handle, key prediction.Key, reason ability.FailureReason) {
	o.send(&netproto.ServerMessage{Failed: &netproto.ActivationFailed{Handle: h, Key: o.key(key), Reason: reason}})
}

// ClientTryActivateAbility implements ability.ClientLink.
func (o *Outbox) ClientTryActivateAbility(h ability.Handle) {
	o.send(&netproto.ServerMessage{Activate: &netproto.ServerTryActivate{Handle: h}})
}

// ClientEndAbility implements ability.ClientLink.
func (o *Outbox) ClientEndAbility(h ability.Handle, info ability.ActivationInfo) {
	o.send(&netproto.ServerMessage{End: &netproto.EndAbility{Handle: h, Info: o.info(info)}})
}

// ClientCancelAbility implements ability.ClientLink.
func (o *Outbox) ClientCancelAbility(h ability.Handle, info ability.ActivationInfo) {
	o.send(&netproto.ServerMessage{Cancel: &netproto.EndAbility{Handle: h, Info: o.info(info)}})
}
