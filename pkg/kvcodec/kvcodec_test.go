package kvcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		pairs []Pair
	}{
		{"empty", nil},
		{"simple", []Pair{{"a", []byte("1")}, {"b", []byte("2")}}},
		{"empty value", []Pair{{"command", []byte("")}}},
		{"embedded nul in value", []Pair{{"stdout", []byte("a\x00b\x00c")}}},
		{"binary garbage", []Pair{{"stderr", []byte{0x01, 0x02, 0xff, 0x00, 0x00, 0xfe}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewVector(0)
			for _, p := range tc.pairs {
				v.Add(p.Key, p.Value)
			}

			buf := Serialize(v)
			require.True(t, bytes.HasSuffix(buf, []byte{PairSep, PairSep}))
			assert.Equal(t, v.Size(), len(buf))

			// strip the frame terminator before Parse, as the broker/iocache
			// layer is responsible for locating it.
			body := buf[:len(buf)-2]
			got, ok := Parse(body)
			require.True(t, ok)
			require.Equal(t, v.Len(), got.Len())
			for i, p := range tc.pairs {
				assert.Equal(t, p.Key, got.Pairs[i].Key)
				assert.Equal(t, p.Value, got.Pairs[i].Value)
			}
		})
	}
}

func TestParseMalformedZeroLengthKey(t *testing.T) {
	// "a=1\x00=2\x00" -- second pair has a zero-length key, so parsing
	// should stop after the first pair.
	body := []byte("a=1\x00")
	body = append(body, []byte("=2\x00")...)

	v, ok := Parse(body)
	require.False(t, ok)
	require.Equal(t, 1, v.Len())
	assert.Equal(t, "a", v.Pairs[0].Key)
	assert.Equal(t, []byte("1"), v.Pairs[0].Value)
}

func TestParseLeadingZeroLengthKeyAllowed(t *testing.T) {
	body := []byte("=firstvalue\x00b=2\x00")
	v, ok := Parse(body)
	require.True(t, ok)
	require.Equal(t, 2, v.Len())
	assert.Equal(t, "", v.Pairs[0].Key)
	assert.Equal(t, "b", v.Pairs[1].Key)
}

func TestParseNeverScansPastSuppliedLength(t *testing.T) {
	full := []byte("a=1\x00b=2\x00")
	v, ok := Parse(full[:4]) // just "a=1\x00"
	require.True(t, ok)
	require.Equal(t, 1, v.Len())
}

func TestVectorGrowthMinimumFive(t *testing.T) {
	v := NewVector(0)
	for i := 0; i < 3; i++ {
		v.AddString("k", "v")
	}
	assert.GreaterOrEqual(t, cap(v.Pairs), 5)
}

func TestSort(t *testing.T) {
	v := NewVector(0)
	v.AddString("zebra", "1")
	v.AddString("apple", "2")
	v.AddString("mango", "3")
	assert.False(t, v.Sorted())

	v.Sort()
	require.True(t, v.Sorted())
	assert.Equal(t, []string{"apple", "mango", "zebra"}, []string{v.Pairs[0].Key, v.Pairs[1].Key, v.Pairs[2].Key})
}

func TestGet(t *testing.T) {
	v := NewVector(0)
	v.AddString("job_id", "42")
	val, ok := v.Get("job_id")
	require.True(t, ok)
	assert.Equal(t, "42", string(val))

	_, ok = v.Get("missing")
	assert.False(t, ok)
}
