// Package netproto is the wire contract between predicting clients and the
// authoritative server: the session messages, their protobuf-compatible
// encoding, and the gRPC codec and stream description that carry them.
package netproto

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
	"github.com/cory-johannsen/gameplay/internal/netproto/wirefmt"
)

// Keys never carry their owner: the sender filters them per recipient and
// the server stamps received keys with the connection.
func appendKey(b []byte, num protowire.Number, k prediction.Key) []byte {
	if !k.IsValidKey() {
		return b
	}
	return wirefmt.AppendMessage(b, num, func(b []byte) []byte {
		b = wirefmt.AppendInt64(b, 1, int64(k.Current))
		b = wirefmt.AppendInt64(b, 2, int64(k.Base))
		return wirefmt.AppendBool(b, 3, k.IsStale)
	})
}

func parseKey(b []byte) (prediction.Key, error) {
	var k prediction.Key
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			k.Current = d.Int32()
		case 2:
			k.Base = d.Int32()
		case 3:
			k.IsStale = d.Bool()
		}
	}
	if err := d.Err(); err != nil {
		return prediction.Key{}, fmt.Errorf("prediction key: %w", err)
	}
	return k, nil
}

func appendInfo(b []byte, num protowire.Number, info ability.ActivationInfo) []byte {
	return wirefmt.AppendMessage(b, num, func(b []byte) []byte {
		b = wirefmt.AppendUint64(b, 1, uint64(info.Mode))
		return appendKey(b, 2, info.Key)
	})
}

func parseInfo(b []byte) (ability.ActivationInfo, error) {
	var info ability.ActivationInfo
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			info.Mode = ability.ActivationMode(d.Uint64())
		case 2:
			k, err := parseKey(d.Bytes())
			if err != nil {
				return info, err
			}
			info.Key = k
		}
	}
	if err := d.Err(); err != nil {
		return ability.ActivationInfo{}, fmt.Errorf("activation info: %w", err)
	}
	return info, nil
}

func appendTags(b []byte, num protowire.Number, c tag.Container) []byte {
	for _, t := range c.Sorted() {
		b = wirefmt.AppendRepeatedString(b, num, string(t))
	}
	return b
}

func appendEvent(b []byte, num protowire.Number, ev *ability.EventData) []byte {
	if ev == nil {
		return b
	}
	return wirefmt.AppendMessage(b, num, func(b []byte) []byte {
		b = wirefmt.AppendString(b, 1, string(ev.Tag))
		b = wirefmt.AppendString(b, 2, ev.InstigatorID)
		b = wirefmt.AppendString(b, 3, ev.TargetID)
		b = wirefmt.AppendDouble(b, 4, ev.Magnitude)
		b = appendTags(b, 5, ev.InstigatorTags)
		b = appendTags(b, 6, ev.TargetTags)
		return wirefmt.AppendBytes(b, 7, ev.Targets.Marshal())
	})
}

func parseEvent(b []byte) (*ability.EventData, error) {
	ev := &ability.EventData{}
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			ev.Tag = tag.Tag(d.Text())
		case 2:
			ev.InstigatorID = d.Text()
		case 3:
			ev.TargetID = d.Text()
		case 4:
			ev.Magnitude = d.Double()
		case 5:
			ev.InstigatorTags.AddTag(tag.Tag(d.Text()))
		case 6:
			ev.TargetTags.AddTag(tag.Tag(d.Text()))
		case 7:
			h, err := targeting.Parse(d.Bytes())
			if err != nil {
				return nil, fmt.Errorf("event targets: %w", err)
			}
			ev.Targets = h
		}
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("event data: %w", err)
	}
	return ev, nil
}

func appendCounts(b []byte, num protowire.Number, m map[tag.Tag]int) []byte {
	tags := make([]tag.Tag, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, t := range tags {
		n := m[t]
		b = wirefmt.AppendMessage(b, num, func(b []byte) []byte {
			b = wirefmt.AppendString(b, 1, string(t))
			return wirefmt.AppendInt64(b, 2, int64(n))
		})
	}
	return b
}

func parseCount(b []byte, into map[tag.Tag]int) error {
	var (
		t tag.Tag
		n int
	)
	d := wirefmt.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case 1:
			t = tag.Tag(d.Text())
		case 2:
			n = int(d.Int64())
		}
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("tag count: %w", err)
	}
	into[t] = n
	return nil
}
