package netproto_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/netproto"
)

func sampleSnapshot() ability.Snapshot {
	return ability.Snapshot{
		EntityID: "hero",
		AckedKey: prediction.Key{Current: 17},
		Attributes: map[attribute.Attribute]float64{
			"Health": 80,
			"Mana":   0,
			"Armor":  -2.5,
		},
		Abilities: []ability.SpecState{
			{Handle: 1, AbilityID: "fireball", Level: 2, InputID: 1, ActiveCount: 1},
			{Handle: 2, AbilityID: "dash", Level: 1},
		},
		Effects: []effect.State{
			{
				Handle:       5,
				DefinitionID: "burning",
				Level:        1,
				StackCount:   3,
				SourceID:     "mage",
				Key:          prediction.Key{Current: 16},
				Duration:     6 * time.Second,
				Remaining:    2500 * time.Millisecond,
				Period:       time.Second,
				Magnitudes:   []float64{0, -4, 0},
				SetByCaller:  map[tag.Tag]float64{"Data.Damage": 12},
			},
			{Handle: 6, DefinitionID: "haste", Level: 1, StackCount: 1},
		},
		LooseTags:      map[tag.Tag]int{"State.Stunned": 1},
		ActivationTags: map[tag.Tag]int{"Ability.Casting": 2},
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	in := sampleSnapshot()
	out, err := netproto.ParseSnapshot(netproto.AppendSnapshot(nil, in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSnapshot_ZeroMagnitudesKeepPosition(t *testing.T) {
	in := sampleSnapshot()
	out, err := netproto.ParseSnapshot(netproto.AppendSnapshot(nil, in))
	require.NoError(t, err)
	require.Len(t, out.Effects, 2)
	assert.Equal(t, []float64{0, -4, 0}, out.Effects[0].Magnitudes)
}

func TestSnapshot_EncodingIsDeterministic(t *testing.T) {
	in := sampleSnapshot()
	first := netproto.AppendSnapshot(nil, in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, netproto.AppendSnapshot(nil, in))
	}
}

func TestSnapshot_InsideServerMessage(t *testing.T) {
	snap := sampleSnapshot()
	b, err := (&netproto.ServerMessage{Snapshot: &snap}).Marshal()
	require.NoError(t, err)
	var out netproto.ServerMessage
	require.NoError(t, out.Unmarshal(b))
	require.NotNil(t, out.Snapshot)
	assert.Equal(t, snap, *out.Snapshot)
}

func TestSnapshot_TruncatedInputIsError(t *testing.T) {
	b := netproto.AppendSnapshot(nil, sampleSnapshot())
	_, err := netproto.ParseSnapshot(b[:len(b)-5])
	assert.Error(t, err)
}
