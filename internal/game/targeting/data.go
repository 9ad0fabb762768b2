// Package targeting models TargetData: the polymorphic result of target
// acquisition, replicated from client to server by value.
package targeting

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cory-johannsen/gameplay/internal/netproto/wirefmt"
)

// Vector is a world-space position, direction or offset.
type Vector struct {
	X, Y, Z float64
}

func (v Vector) appendTo(b []byte) []byte {
	b = wirefmt.AppendDouble(b, 1, v.X)
	b = wirefmt.AppendDouble(b, 2, v.Y)
	return wirefmt.AppendDouble(b, 3, v.Z)
}

func parseVector(b []byte) (Vector, error) {
	var v Vector
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			v.X = d.Double()
		case 2:
			v.Y = d.Double()
		case 3:
			v.Z = d.Double()
		}
	}
	return v, d.Err()
}

// Kind discriminates the TargetData variants. Its value is the variant's
// field number inside an encoded Handle.
type Kind uint8

const (
	KindSingleHit Kind = iota + 1
	KindActorArray
	KindLocation
	KindMeshSocket
	KindRadius
)

func (k Kind) String() string {
	switch k {
	case KindSingleHit:
		return "single_hit"
	case KindActorArray:
		return "actor_array"
	case KindLocation:
		return "location"
	case KindMeshSocket:
		return "mesh_socket"
	case KindRadius:
		return "radius"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Data is one TargetData variant. The set of variants is closed.
type Data interface {
	Kind() Kind
	// Actors returns the entities the variant targets, possibly none.
	Actors() []string
	appendTo(b []byte) []byte
}

// SingleHit is the result of one trace hitting one entity.
type SingleHit struct {
	Actor    string
	Location Vector
	Normal   Vector
}

func (SingleHit) Kind() Kind { return KindSingleHit }

func (h SingleHit) Actors() []string {
	if h.Actor == "" {
		return nil
	}
	return []string{h.Actor}
}

func (h SingleHit) appendTo(b []byte) []byte {
	b = wirefmt.AppendString(b, 1, h.Actor)
	b = wirefmt.AppendMessage(b, 2, h.Location.appendTo)
	return wirefmt.AppendMessage(b, 3, h.Normal.appendTo)
}

// ActorArray targets a list of entities from an origin.
type ActorArray struct {
	Origin  Vector
	Targets []string
}

func (ActorArray) Kind() Kind { return KindActorArray }

func (a ActorArray) Actors() []string { return append([]string(nil), a.Targets...) }

func (a ActorArray) appendTo(b []byte) []byte {
	b = wirefmt.AppendMessage(b, 1, a.Origin.appendTo)
	for _, t := range a.Targets {
		b = wirefmt.AppendRepeatedString(b, 2, t)
	}
	return b
}

// Location targets a point in space, e.g. a ground-targeted area.
type Location struct {
	Source Vector
	Target Vector
}

func (Location) Kind() Kind { return KindLocation }

func (Location) Actors() []string { return nil }

func (l Location) appendTo(b []byte) []byte {
	b = wirefmt.AppendMessage(b, 1, l.Source.appendTo)
	return wirefmt.AppendMessage(b, 2, l.Target.appendTo)
}

// MeshSocket targets a named attachment point on an entity.
type MeshSocket struct {
	Actor  string
	Socket string
	Offset Vector
}

func (MeshSocket) Kind() Kind { return KindMeshSocket }

func (m MeshSocket) Actors() []string {
	if m.Actor == "" {
		return nil
	}
	return []string{m.Actor}
}

func (m MeshSocket) appendTo(b []byte) []byte {
	b = wirefmt.AppendString(b, 1, m.Actor)
	b = wirefmt.AppendString(b, 2, m.Socket)
	return wirefmt.AppendMessage(b, 3, m.Offset.appendTo)
}

// Radius targets every entity found within Radius of Center.
type Radius struct {
	Center  Vector
	Radius  float64
	Targets []string
}

func (Radius) Kind() Kind { return KindRadius }

func (r Radius) Actors() []string { return append([]string(nil), r.Targets...) }

func (r Radius) appendTo(b []byte) []byte {
	b = wirefmt.AppendMessage(b, 1, r.Center.appendTo)
	b = wirefmt.AppendDouble(b, 2, r.Radius)
	for _, t := range r.Targets {
		b = wirefmt.AppendRepeatedString(b, 3, t)
	}
	return b
}

func parseData(k Kind, b []byte) (Data, error) {
	d := wirefmt.NewDecoder(b)
	var err error
	vec := func(dst *Vector) {
		if err == nil {
			*dst, err = parseVector(d.Bytes())
		}
	}
	switch k {
	case KindSingleHit:
		var v SingleHit
		for d.Next() {
			switch d.Field() {
			case 1:
				v.Actor = d.Text()
			case 2:
				vec(&v.Location)
			case 3:
				vec(&v.Normal)
			}
		}
		return v, firstErr(d.Err(), err)
	case KindActorArray:
		var v ActorArray
		for d.Next() {
			switch d.Field() {
			case 1:
				vec(&v.Origin)
			case 2:
				v.Targets = append(v.Targets, d.Text())
			}
		}
		return v, firstErr(d.Err(), err)
	case KindLocation:
		var v Location
		for d.Next() {
			switch d.Field() {
			case 1:
				vec(&v.Source)
			case 2:
				vec(&v.Target)
			}
		}
		return v, firstErr(d.Err(), err)
	case KindMeshSocket:
		var v MeshSocket
		for d.Next() {
			switch d.Field() {
			case 1:
				v.Actor = d.Text()
			case 2:
				v.Socket = d.Text()
			case 3:
				vec(&v.Offset)
			}
		}
		return v, firstErr(d.Err(), err)
	case KindRadius:
		var v Radius
		for d.Next() {
			switch d.Field() {
			case 1:
				vec(&v.Center)
			case 2:
				v.Radius = d.Double()
			case 3:
				v.Targets = append(v.Targets, d.Text())
			}
		}
		return v, firstErr(d.Err(), err)
	}
	return nil, fmt.Errorf("unknown target data kind %d", k)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Handle is an ordered list of TargetData, the unit an ability receives from
// target acquisition and replicates to the server.
type Handle struct {
	Data []Data
}

// NewHandle returns a Handle holding data in order.
func NewHandle(data ...Data) Handle {
	return Handle{Data: append([]Data(nil), data...)}
}

// Append returns h with data added at the end.
func (h Handle) Append(data ...Data) Handle {
	out := make([]Data, 0, len(h.Data)+len(data))
	out = append(out, h.Data...)
	return Handle{Data: append(out, data...)}
}

// Len returns the number of entries.
func (h Handle) Len() int { return len(h.Data) }

// IsEmpty reports whether h has no entries.
func (h Handle) IsEmpty() bool { return len(h.Data) == 0 }

// Actors returns every targeted entity across all entries, first occurrence
// order, without duplicates.
func (h Handle) Actors() []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range h.Data {
		for _, a := range d.Actors() {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// AppendTo appends the encoded handle to b.
func (h Handle) AppendTo(b []byte) []byte {
	for _, d := range h.Data {
		b = wirefmt.AppendMessage(b, protowire.Number(d.Kind()), d.appendTo)
	}
	return b
}

// Marshal encodes h.
func (h Handle) Marshal() []byte { return h.AppendTo(nil) }

// Parse decodes a Handle. Unknown variants are an error rather than being
// dropped, so an ability never runs against partial targeting.
func Parse(b []byte) (Handle, error) {
	var h Handle
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		k := Kind(d.Field())
		body := d.Bytes()
		if d.Err() != nil {
			break
		}
		data, err := parseData(k, body)
		if err != nil {
			return Handle{}, fmt.Errorf("target data %d (%s): %w", len(h.Data), k, err)
		}
		h.Data = append(h.Data, data)
	}
	if err := d.Err(); err != nil {
		return Handle{}, fmt.Errorf("target data handle: %w", err)
	}
	return h, nil
}
