package netproto

import (
	"fmt"
	"sort"
	"time"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/netproto/wirefmt"
)

// Snapshot field numbers.
const (
	snapEntity        = 1
	snapAckedKey      = 2
	snapAttribute     = 3
	snapAbility       = 4
	snapEffect        = 5
	snapLooseTag      = 6
	snapActivationTag = 7
)

// AppendSnapshot appends the encoded snapshot to b. The snapshot must
// already be filtered for its recipient.
func AppendSnapshot(b []byte, s ability.Snapshot) []byte {
	b = wirefmt.AppendString(b, snapEntity, s.EntityID)
	b = appendKey(b, snapAckedKey, s.AckedKey)

	attrs := make([]attribute.Attribute, 0, len(s.Attributes))
	for a := range s.Attributes {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
	for _, a := range attrs {
		v := s.Attributes[a]
		b = wirefmt.AppendMessage(b, snapAttribute, func(b []byte) []byte {
			b = wirefmt.AppendString(b, 1, string(a))
			return wirefmt.AppendDouble(b, 2, v)
		})
	}

	for _, sp := range s.Abilities {
		b = wirefmt.AppendMessage(b, snapAbility, func(b []byte) []byte {
			b = wirefmt.AppendUint64(b, 1, uint64(sp.Handle))
			b = wirefmt.AppendString(b, 2, sp.AbilityID)
			b = wirefmt.AppendDouble(b, 3, sp.Level)
			b = wirefmt.AppendInt64(b, 4, int64(sp.InputID))
			return wirefmt.AppendInt64(b, 5, int64(sp.ActiveCount))
		})
	}

	for _, st := range s.Effects {
		b = wirefmt.AppendMessage(b, snapEffect, func(b []byte) []byte {
			return appendEffectState(b, st)
		})
	}

	b = appendCounts(b, snapLooseTag, s.LooseTags)
	return appendCounts(b, snapActivationTag, s.ActivationTags)
}

func appendEffectState(b []byte, st effect.State) []byte {
	b = wirefmt.AppendUint64(b, 1, uint64(st.Handle))
	b = wirefmt.AppendString(b, 2, st.DefinitionID)
	b = wirefmt.AppendDouble(b, 3, st.Level)
	b = wirefmt.AppendInt64(b, 4, int64(st.StackCount))
	b = wirefmt.AppendString(b, 5, st.SourceID)
	b = appendKey(b, 6, st.Key)
	b = wirefmt.AppendInt64(b, 7, int64(st.Duration))
	b = wirefmt.AppendInt64(b, 8, int64(st.Remaining))
	b = wirefmt.AppendInt64(b, 9, int64(st.Period))
	for _, m := range st.Magnitudes {
		// Zero magnitudes are positional, so each element is always written.
		b = wirefmt.AppendMessage(b, 10, func(b []byte) []byte {
			return wirefmt.AppendDouble(b, 1, m)
		})
	}
	tags := make([]tag.Tag, 0, len(st.SetByCaller))
	for t := range st.SetByCaller {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, t := range tags {
		v := st.SetByCaller[t]
		b = wirefmt.AppendMessage(b, 11, func(b []byte) []byte {
			b = wirefmt.AppendString(b, 1, string(t))
			return wirefmt.AppendDouble(b, 2, v)
		})
	}
	return b
}

// ParseSnapshot decodes a snapshot.
func ParseSnapshot(b []byte) (ability.Snapshot, error) {
	s := ability.Snapshot{Attributes: make(map[attribute.Attribute]float64)}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		var err error
		switch d.Field() {
		case snapEntity:
			s.EntityID = d.Text()
		case snapAckedKey:
			s.AckedKey, err = parseKey(d.Bytes())
		case snapAttribute:
			err = parseAttribute(d.Bytes(), s.Attributes)
		case snapAbility:
			var sp ability.SpecState
			sp, err = parseSpecState(d.Bytes())
			s.Abilities = append(s.Abilities, sp)
		case snapEffect:
			var st effect.State
			st, err = parseEffectState(d.Bytes())
			s.Effects = append(s.Effects, st)
		case snapLooseTag:
			if s.LooseTags == nil {
				s.LooseTags = make(map[tag.Tag]int)
			}
			err = parseCount(d.Bytes(), s.LooseTags)
		case snapActivationTag:
			if s.ActivationTags == nil {
				s.ActivationTags = make(map[tag.Tag]int)
			}
			err = parseCount(d.Bytes(), s.ActivationTags)
		}
		if err != nil {
			return ability.Snapshot{}, fmt.Errorf("snapshot %q: %w", s.EntityID, err)
		}
	}
	if err := d.Err(); err != nil {
		return ability.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return s, nil
}

func parseAttribute(b []byte, into map[attribute.Attribute]float64) error {
	var (
		a attribute.Attribute
		v float64
	)
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			a = attribute.Attribute(d.Text())
		case 2:
			v = d.Double()
		}
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("attribute: %w", err)
	}
	into[a] = v
	return nil
}

func parseSpecState(b []byte) (ability.SpecState, error) {
	var sp ability.SpecState
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			sp.Handle = ability.Handle(d.Uint64())
		case 2:
			sp.AbilityID = d.Text()
		case 3:
			sp.Level = d.Double()
		case 4:
			sp.InputID = int(d.Int64())
		case 5:
			sp.ActiveCount = int(d.Int64())
		}
	}
	if err := d.Err(); err != nil {
		return ability.SpecState{}, fmt.Errorf("ability: %w", err)
	}
	return sp, nil
}

func parseEffectState(b []byte) (effect.State, error) {
	var st effect.State
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			st.Handle = effect.Handle(d.Uint64())
		case 2:
			st.DefinitionID = d.Text()
		case 3:
			st.Level = d.Double()
		case 4:
			st.StackCount = int(d.Int64())
		case 5:
			st.SourceID = d.Text()
		case 6:
			k, err := parseKey(d.Bytes())
			if err != nil {
				return effect.State{}, err
			}
			st.Key = k
		case 7:
			st.Duration = time.Duration(d.Int64())
		case 8:
			st.Remaining = time.Duration(d.Int64())
		case 9:
			st.Period = time.Duration(d.Int64())
		case 10:
			st.Magnitudes = append(st.Magnitudes, parseDouble(d.Bytes()))
		case 11:
			if st.SetByCaller == nil {
				st.SetByCaller = make(map[tag.Tag]float64)
			}
			var (
				t tag.Tag
				v float64
			)
			inner := wirefmt.NewDecoder(d.Bytes())
			for inner.Next() {
				switch inner.Field() {
				case 1:
					t = tag.Tag(inner.Text())
				case 2:
					v = inner.Double()
				}
			}
			if err := inner.Err(); err != nil {
				return effect.State{}, fmt.Errorf("set by caller: %w", err)
			}
			st.SetByCaller[t] = v
		}
	}
	if err := d.Err(); err != nil {
		return effect.State{}, fmt.Errorf("effect %q: %w", st.DefinitionID, err)
	}
	return st, nil
}

func parseDouble(b []byte) float64 {
	var v float64
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		if d.Field() == 1 {
			v = d.Double()
		}
	}
	return v
}
