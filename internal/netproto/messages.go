package netproto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
	"github.com/cory-johannsen/gameplay/internal/netproto/wirefmt"
)

// ErrPayload is returned for messages that carry no payload or more than one.
var ErrPayload = errors.New("message must carry exactly one payload")

// Hello opens a session. Loadout names the abilities the client asks to be
// granted; the server grants those its catalog knows.
type Hello struct {
	Name    string
	Loadout []string
}

// TryActivate asks the authority to activate an ability.
type TryActivate struct {
	Handle       ability.Handle
	InputPressed bool
	Key          prediction.Key
	Event        *ability.EventData
}

// SetTargetData replicates confirmed or cancelled targeting to the authority.
type SetTargetData struct {
	Handle        ability.Handle
	ActivationKey prediction.Key
	Data          targeting.Handle
	Cancelled     bool
	Key           prediction.Key
}

// EndAbility ends or cancels the counterpart's activation.
type EndAbility struct {
	Handle ability.Handle
	Info   ability.ActivationInfo
}

// ClientMessage is one client to server message. Exactly one field is set.
type ClientMessage struct {
	Hello         *Hello
	TryActivate   *TryActivate
	SetTargetData *SetTargetData
	End           *EndAbility
	Cancel        *EndAbility
}

// Welcome tells a client which entity it controls.
type Welcome struct {
	EntityID string
	Conn     prediction.ConnID
}

// ActivationSucceeded confirms a predicted activation, or starts one the
// authority ran first when Key is zero.
type ActivationSucceeded struct {
	Handle ability.Handle
	Key    prediction.Key
	Event  *ability.EventData
}

// ActivationFailed rejects a predicted activation.
type ActivationFailed struct {
	Handle ability.Handle
	Key    prediction.Key
	Reason ability.FailureReason
}

// ServerTryActivate asks the owning client to activate a local-only or
// client-initiated ability.
type ServerTryActivate struct {
	Handle ability.Handle
}

// Cue is a replicated gameplay cue.
type Cue struct {
	Tag    tag.Tag
	Event  cue.Event
	Params cue.Params
}

// EntityRemoved tells clients to drop their proxy of an entity.
type EntityRemoved struct {
	EntityID string
}

// ServerMessage is one server to client message. Exactly one field is set.
type ServerMessage struct {
	Welcome   *Welcome
	Succeeded *ActivationSucceeded
	Failed    *ActivationFailed
	Activate  *ServerTryActivate
	End       *EndAbility
	Cancel    *EndAbility
	Snapshot  *ability.Snapshot
	Cue       *Cue
	Removed   *EntityRemoved
}

func exactlyOne(set ...bool) error {
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: got %d", ErrPayload, n)
	}
	return nil
}

// Marshal encodes m.
func (m *ClientMessage) Marshal() ([]byte, error) {
	if err := exactlyOne(m.Hello != nil, m.TryActivate != nil, m.SetTargetData != nil, m.End != nil, m.Cancel != nil); err != nil {
		return nil, err
	}
	var b []byte
	switch {
	case m.Hello != nil:
		b = wirefmt.AppendMessage(b, 1, func(b []byte) []byte {
			b = wirefmt.AppendString(b, 1, m.Hello.Name)
			for _, id := range m.Hello.Loadout {
				b = wirefmt.AppendRepeatedString(b, 2, id)
			}
			return b
		})
	case m.TryActivate != nil:
		t := m.TryActivate
		b = wirefmt.AppendMessage(b, 2, func(b []byte) []byte {
			b = wirefmt.AppendUint64(b, 1, uint64(t.Handle))
			b = wirefmt.AppendBool(b, 2, t.InputPressed)
			b = appendKey(b, 3, t.Key)
			return appendEvent(b, 4, t.Event)
		})
	case m.SetTargetData != nil:
		t := m.SetTargetData
		b = wirefmt.AppendMessage(b, 3, func(b []byte) []byte {
			b = wirefmt.AppendUint64(b, 1, uint64(t.Handle))
			b = appendKey(b, 2, t.ActivationKey)
			b = wirefmt.AppendBytes(b, 3, t.Data.Marshal())
			b = wirefmt.AppendBool(b, 4, t.Cancelled)
			return appendKey(b, 5, t.Key)
		})
	case m.End != nil:
		b = appendEnd(b, 4, m.End)
	case m.Cancel != nil:
		b = appendEnd(b, 5, m.Cancel)
	}
	return b, nil
}

// Unmarshal decodes b into m, replacing its contents.
func (m *ClientMessage) Unmarshal(b []byte) error {
	*m = ClientMessage{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		var err error
		switch d.Field() {
		case 1:
			m.Hello, err = parseHello(d.Bytes())
		case 2:
			m.TryActivate, err = parseTryActivate(d.Bytes())
		case 3:
			m.SetTargetData, err = parseSetTargetData(d.Bytes())
		case 4:
			m.End, err = parseEnd(d.Bytes())
		case 5:
			m.Cancel, err = parseEnd(d.Bytes())
		}
		if err != nil {
			return fmt.Errorf("client message: %w", err)
		}
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("client message: %w", err)
	}
	return exactlyOne(m.Hello != nil, m.TryActivate != nil, m.SetTargetData != nil, m.End != nil, m.Cancel != nil)
}

// Marshal encodes m.
func (m *ServerMessage) Marshal() ([]byte, error) {
	if err := exactlyOne(m.Welcome != nil, m.Succeeded != nil, m.Failed != nil, m.Activate != nil,
		m.End != nil, m.Cancel != nil, m.Snapshot != nil, m.Cue != nil, m.Removed != nil); err != nil {
		return nil, err
	}
	var b []byte
	switch {
	case m.Welcome != nil:
		b = wirefmt.AppendMessage(b, 1, func(b []byte) []byte {
			b = wirefmt.AppendString(b, 1, m.Welcome.EntityID)
			return wirefmt.AppendString(b, 2, string(m.Welcome.Conn))
		})
	case m.Succeeded != nil:
		s := m.Succeeded
		b = wirefmt.AppendMessage(b, 2, func(b []byte) []byte {
			b = wirefmt.AppendUint64(b, 1, uint64(s.Handle))
			b = appendKey(b, 2, s.Key)
			return appendEvent(b, 3, s.Event)
		})
	case m.Failed != nil:
		f := m.Failed
		b = wirefmt.AppendMessage(b, 3, func(b []byte) []byte {
			b = wirefmt.AppendUint64(b, 1, uint64(f.Handle))
			b = appendKey(b, 2, f.Key)
			return wirefmt.AppendUint64(b, 3, uint64(f.Reason))
		})
	case m.Activate != nil:
		b = wirefmt.AppendMessage(b, 4, func(b []byte) []byte {
			return wirefmt.AppendUint64(b, 1, uint64(m.Activate.Handle))
		})
	case m.End != nil:
		b = appendEnd(b, 5, m.End)
	case m.Cancel != nil:
		b = appendEnd(b, 6, m.Cancel)
	case m.Snapshot != nil:
		b = wirefmt.AppendMessage(b, 7, func(b []byte) []byte {
			return AppendSnapshot(b, *m.Snapshot)
		})
	case m.Cue != nil:
		c := m.Cue
		b = wirefmt.AppendMessage(b, 8, func(b []byte) []byte {
			b = wirefmt.AppendString(b, 1, string(c.Tag))
			b = wirefmt.AppendUint64(b, 2, uint64(c.Event))
			b = wirefmt.AppendString(b, 3, c.Params.EffectID)
			b = wirefmt.AppendString(b, 4, c.Params.SourceID)
			b = wirefmt.AppendString(b, 5, c.Params.TargetID)
			b = wirefmt.AppendDouble(b, 6, c.Params.Level)
			b = wirefmt.AppendDouble(b, 7, c.Params.Magnitude)
			return appendKey(b, 8, c.Params.Key)
		})
	case m.Removed != nil:
		b = wirefmt.AppendMessage(b, 9, func(b []byte) []byte {
			return wirefmt.AppendString(b, 1, m.Removed.EntityID)
		})
	}
	return b, nil
}

// Unmarshal decodes b into m, replacing its contents. Received cues are
// marked Replicated.
func (m *ServerMessage) Unmarshal(b []byte) error {
	*m = ServerMessage{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		var err error
		switch d.Field() {
		case 1:
			m.Welcome, err = parseWelcome(d.Bytes())
		case 2:
			m.Succeeded, err = parseSucceeded(d.Bytes())
		case 3:
			m.Failed, err = parseFailed(d.Bytes())
		case 4:
			m.Activate, err = parseServerTryActivate(d.Bytes())
		case 5:
			m.End, err = parseEnd(d.Bytes())
		case 6:
			m.Cancel, err = parseEnd(d.Bytes())
		case 7:
			var s ability.Snapshot
			s, err = ParseSnapshot(d.Bytes())
			m.Snapshot = &s
		case 8:
			m.Cue, err = parseCue(d.Bytes())
		case 9:
			m.Removed, err = parseRemoved(d.Bytes())
		}
		if err != nil {
			return fmt.Errorf("server message: %w", err)
		}
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("server message: %w", err)
	}
	return exactlyOne(m.Welcome != nil, m.Succeeded != nil, m.Failed != nil, m.Activate != nil,
		m.End != nil, m.Cancel != nil, m.Snapshot != nil, m.Cue != nil, m.Removed != nil)
}

func appendEnd(b []byte, num protowire.Number, e *EndAbility) []byte {
	return wirefmt.AppendMessage(b, num, func(b []byte) []byte {
		b = wirefmt.AppendUint64(b, 1, uint64(e.Handle))
		return appendInfo(b, 2, e.Info)
	})
}

func parseEnd(b []byte) (*EndAbility, error) {
	e := &EndAbility{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			e.Handle = ability.Handle(d.Uint64())
		case 2:
			info, err := parseInfo(d.Bytes())
			if err != nil {
				return nil, err
			}
			e.Info = info
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("end ability: %w", err)
	}
	return e, nil
}

func parseHello(b []byte) (*Hello, error) {
	h := &Hello{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			h.Name = d.Text()
		case 2:
			h.Loadout = append(h.Loadout, d.Text())
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	return h, nil
}

func parseTryActivate(b []byte) (*TryActivate, error) {
	t := &TryActivate{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		var err error
		switch d.Field() {
		case 1:
			t.Handle = ability.Handle(d.Uint64())
		case 2:
			t.InputPressed = d.Bool()
		case 3:
			t.Key, err = parseKey(d.Bytes())
		case 4:
			t.Event, err = parseEvent(d.Bytes())
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("try activate: %w", err)
	}
	return t, nil
}

func parseSetTargetData(b []byte) (*SetTargetData, error) {
	t := &SetTargetData{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		var err error
		switch d.Field() {
		case 1:
			t.Handle = ability.Handle(d.Uint64())
		case 2:
			t.ActivationKey, err = parseKey(d.Bytes())
		case 3:
			t.Data, err = targeting.Parse(d.Bytes())
		case 4:
			t.Cancelled = d.Bool()
		case 5:
			t.Key, err = parseKey(d.Bytes())
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("set target data: %w", err)
	}
	return t, nil
}

func parseWelcome(b []byte) (*Welcome, error) {
	w := &Welcome{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			w.EntityID = d.Text()
		case 2:
			w.Conn = prediction.ConnID(d.Text())
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("welcome: %w", err)
	}
	return w, nil
}

func parseSucceeded(b []byte) (*ActivationSucceeded, error) {
	s := &ActivationSucceeded{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		var err error
		switch d.Field() {
		case 1:
			s.Handle = ability.Handle(d.Uint64())
		case 2:
			s.Key, err = parseKey(d.Bytes())
		case 3:
			s.Event, err = parseEvent(d.Bytes())
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("activation succeeded: %w", err)
	}
	return s, nil
}

func parseFailed(b []byte) (*ActivationFailed, error) {
	f := &ActivationFailed{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		var err error
		switch d.Field() {
		case 1:
			f.Handle = ability.Handle(d.Uint64())
		case 2:
			f.Key, err = parseKey(d.Bytes())
		case 3:
			f.Reason = ability.FailureReason(d.Uint64())
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("activation failed: %w", err)
	}
	return f, nil
}

func parseServerTryActivate(b []byte) (*ServerTryActivate, error) {
	s := &ServerTryActivate{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		if d.Field() == 1 {
			s.Handle = ability.Handle(d.Uint64())
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("server try activate: %w", err)
	}
	return s, nil
}

func parseCue(b []byte) (*Cue, error) {
	c := &Cue{Params: cue.Params{Replicated: true}}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		var err error
		switch d.Field() {
		case 1:
			c.Tag = tag.Tag(d.Text())
		case 2:
			c.Event = cue.Event(d.Uint64())
		case 3:
			c.Params.EffectID = d.Text()
		case 4:
			c.Params.SourceID = d.Text()
		case 5:
			c.Params.TargetID = d.Text()
		case 6:
			c.Params.Level = d.Double()
		case 7:
			c.Params.Magnitude = d.Double()
		case 8:
			c.Params.Key, err = parseKey(d.Bytes())
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("cue: %w", err)
	}
	return c, nil
}

func parseRemoved(b []byte) (*EntityRemoved, error) {
	r := &EntityRemoved{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		if d.Field() == 1 {
			r.EntityID = d.Text()
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("entity removed: %w", err)
	}
	return r, nil
}
