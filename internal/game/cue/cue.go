// Package cue dispatches GameplayCues: fire-and-forget presentation
// notifications correlated with effects and abilities.
package cue

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/observer"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// Event is the lifecycle point a cue fires at.
type Event int

const (
	// OnActive fires when a duration effect is first applied.
	OnActive Event = iota
	// WhileActive fires on application and when a late joiner learns of an
	// already-active effect.
	WhileActive
	// Executed fires for instant executions and periodic ticks.
	Executed
	// Removed fires when a duration effect is removed.
	Removed
)

func (e Event) String() string {
	switch e {
	case OnActive:
		return "on_active"
	case WhileActive:
		return "while_active"
	case Executed:
		return "executed"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Params describes the context of a cue.
type Params struct {
	EffectID  string
	SourceID  string
	TargetID  string
	Level     float64
	Magnitude float64
	// Key is the prediction key the triggering work ran under.
	Key prediction.Key
	// Replicated is set when the cue arrived from the server rather than
	// from local execution.
	Replicated bool
}

// Notification is delivered to handlers.
type Notification struct {
	Tag    tag.Tag
	Event  Event
	Params Params
}

// Sink receives cues. Effect containers and ability engines emit into a Sink.
type Sink interface {
	Dispatch(t tag.Tag, ev Event, p Params)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(t tag.Tag, ev Event, p Params)

// Dispatch implements Sink.
func (f SinkFunc) Dispatch(t tag.Tag, ev Event, p Params) { f(t, ev, p) }

// Discard drops every cue.
var Discard Sink = SinkFunc(func(tag.Tag, Event, Params) {})

// Fanout forwards every cue to each sink in order.
type Fanout []Sink

// Dispatch implements Sink.
func (f Fanout) Dispatch(t tag.Tag, ev Event, p Params) {
	for _, s := range f {
		s.Dispatch(t, ev, p)
	}
}

type predictedKey struct {
	key int32
	tag tag.Tag
	ev  Event
}

// Dispatcher routes cues to handlers registered on the cue tag or any of its
// ancestors, most specific first.
//
// A cue fired locally under a valid prediction key is remembered; the
// replicated copy of the same cue (same key, tag and event) is then
// suppressed so presentation does not play twice.
//
// Dispatcher is not safe for concurrent use.
type Dispatcher struct {
	logger    *zap.Logger
	handlers  *observer.Registry[tag.Tag, Notification]
	predicted map[predictedKey]int
}

// NewDispatcher creates a Dispatcher.
//
// Precondition: logger must be non-nil.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		handlers:  observer.NewRegistry[tag.Tag, Notification](),
		predicted: make(map[predictedKey]int),
	}
}

// Register subscribes fn to cues matching t hierarchically.
func (d *Dispatcher) Register(t tag.Tag, fn func(Notification)) observer.Subscription {
	return d.handlers.Subscribe(t, fn)
}

// Dispatch implements Sink.
func (d *Dispatcher) Dispatch(t tag.Tag, ev Event, p Params) {
	if !t.IsValid() {
		d.logger.Warn("cue with invalid tag dropped", zap.String("tag", string(t)))
		return
	}
	if p.Key.IsValidKey() {
		pk := predictedKey{key: p.Key.Current, tag: t, ev: ev}
		if p.Replicated {
			if d.predicted[pk] > 0 {
				d.predicted[pk]--
				if d.predicted[pk] == 0 {
					delete(d.predicted, pk)
				}
				d.logger.Debug("replicated cue suppressed", zap.String("tag", string(t)), zap.Stringer("event", ev))
				return
			}
		} else {
			d.predicted[pk]++
		}
	}
	n := Notification{Tag: t, Event: ev, Params: p}
	for _, scope := range t.Lineage() {
		d.handlers.Publish(scope, n)
	}
}

// Forget drops suppression records for key, as when the key resolves.
func (d *Dispatcher) Forget(key prediction.Key) {
	for pk := range d.predicted {
		if pk.key == key.Current {
			delete(d.predicted, pk)
		}
	}
}
