package wirefmt_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameplay/internal/netproto/wirefmt"
)

func TestAppend_ZeroValuesOmitted(t *testing.T) {
	var b []byte
	b = wirefmt.AppendUint64(b, 1, 0)
	b = wirefmt.AppendInt64(b, 2, 0)
	b = wirefmt.AppendBool(b, 3, false)
	b = wirefmt.AppendDouble(b, 4, 0)
	b = wirefmt.AppendString(b, 5, "")
	b = wirefmt.AppendBytes(b, 6, nil)
	assert.Empty(t, b)
}

func TestAppend_EmptyMessageAndRepeatedStringKept(t *testing.T) {
	b := wirefmt.AppendMessage(nil, 1, func(b []byte) []byte { return b })
	b = wirefmt.AppendRepeatedString(b, 2, "")

	d := wirefmt.NewDecoder(b)
	require.True(t, d.Next())
	assert.Equal(t, protowire.Number(1), d.Field())
	assert.Empty(t, d.Bytes())
	require.True(t, d.Next())
	assert.Equal(t, protowire.Number(2), d.Field())
	assert.Equal(t, "", d.Text())
	assert.False(t, d.Next())
	assert.NoError(t, d.Err())
}

func TestDecoder_SkipsUnreadFields(t *testing.T) {
	var b []byte
	b = wirefmt.AppendString(b, 1, "skipped")
	b = wirefmt.AppendDouble(b, 2, 2.5)
	b = wirefmt.AppendUint64(b, 3, 7)

	d := wirefmt.NewDecoder(b)
	var got uint64
	for d.Next() {
		if d.Field() == 3 {
			got = d.Uint64()
		}
	}
	require.NoError(t, d.Err())
	assert.Equal(t, uint64(7), got)
}

func TestDecoder_WrongWireTypeIsError(t *testing.T) {
	b := wirefmt.AppendString(nil, 1, "text")
	d := wirefmt.NewDecoder(b)
	require.True(t, d.Next())
	d.Uint64()
	assert.Error(t, d.Err())
	assert.False(t, d.Next())
}

func TestDecoder_TruncatedInputIsError(t *testing.T) {
	b := wirefmt.AppendString(nil, 1, "truncated")
	d := wirefmt.NewDecoder(b[:len(b)-3])
	for d.Next() {
		d.Bytes()
	}
	assert.Error(t, d.Err())
}

func TestDecoder_NegativeSignedValues(t *testing.T) {
	b := wirefmt.AppendInt64(nil, 1, -42)
	d := wirefmt.NewDecoder(b)
	require.True(t, d.Next())
	assert.Equal(t, int32(-42), d.Int32())
}

func TestPropertyScalarFieldsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u := rapid.Uint64().Draw(t, "u")
		i := rapid.Int64().Draw(t, "i")
		f := rapid.Float64().Draw(t, "f")
		s := rapid.String().Draw(t, "s")
		flag := rapid.Bool().Draw(t, "flag")

		var b []byte
		b = wirefmt.AppendUint64(b, 1, u)
		b = wirefmt.AppendInt64(b, 2, i)
		b = wirefmt.AppendDouble(b, 3, f)
		b = wirefmt.AppendString(b, 4, s)
		b = wirefmt.AppendBool(b, 5, flag)

		var (
			gu   uint64
			gi   int64
			gf   float64
			gs   string
			gbit bool
		)
		d := wirefmt.NewDecoder(b)
		for d.Next() {
			switch d.Field() {
			case 1:
				gu = d.Uint64()
			case 2:
				gi = d.Int64()
			case 3:
				gf = d.Double()
			case 4:
				gs = d.Text()
			case 5:
				gbit = d.Bool()
			}
		}
		if err := d.Err(); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if gu != u || gi != i || gs != s || gbit != flag {
			t.Fatalf("mismatch: %d/%d %d/%d %q/%q %v/%v", gu, u, gi, i, gs, s, gbit, flag)
		}
		if math.Float64bits(gf) != math.Float64bits(f) && !(f == 0 && gf == 0) {
			t.Fatalf("double %v decoded as %v", f, gf)
		}
	})
}
