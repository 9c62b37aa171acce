package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arashkasraei/gotorrent/bterr"
)

func TestRoundTripScalarsAndContainers(t *testing.T) {
	cases := []string{
		"i42e",
		"i0e",
		"i-42e",
		"4:spam",
		"0:",
		"l4:spam4:eggse",
		"d3:cow3:moo4:spam4:eggse",
		"d4:listli1ei2ei3eee",
		"d4:dictd1:ai1eee",
	}
	for _, c := range cases {
		v, err := DecodeTop([]byte(c))
		require.NoError(t, err, c)
		got := Encode(v)
		assert.Equal(t, c, string(got), c)
	}
}

func TestDecodeThenEncodeMatchesExample(t *testing.T) {
	in := "d4:infod6:lengthi12e4:name4:file12:piece lengthi16e6:pieces20:AAAAAAAAAAAAAAAAAAAAee"
	v, err := DecodeTop([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, in, string(Encode(v)))
}

func TestDictKeysSortedOnEncodeEvenIfUnsortedOnDecode(t *testing.T) {
	// "b" before "a" in the source bytes, but must come out sorted.
	v, err := DecodeTop([]byte("d1:bi2e1:ai1ee"))
	require.NoError(t, err)
	assert.Equal(t, "d1:ai1e1:bi2ee", string(Encode(v)))
}

func TestDeepNestingDoesNotRecurse(t *testing.T) {
	depth := 200000
	in := make([]byte, 0, depth*2+3)
	for i := 0; i < depth; i++ {
		in = append(in, 'l')
	}
	in = append(in, "i1e"...)
	for i := 0; i < depth; i++ {
		in = append(in, 'e')
	}
	v, err := DecodeTop(in)
	require.NoError(t, err)
	assert.Equal(t, KindList, v.Kind)
}

func TestMalformedInputs(t *testing.T) {
	cases := []string{
		"",
		"x",
		"i-0e",
		"i01e",
		"3:ab",
		"l4:spam",
		"d3:cow3:mooe", // valid: one complete pair, cow -> moo.
	}
	// Drop the accidentally-valid last case; test only truly malformed ones.
	cases = cases[:len(cases)-1]
	for _, c := range cases {
		_, err := DecodeTop([]byte(c))
		assert.Error(t, err, c)
		assert.ErrorIs(t, err, bterr.ErrBencodeMalformed, c)
	}
}

func TestTrailingGarbageRejected(t *testing.T) {
	_, err := DecodeTop([]byte("i1ei2e"))
	assert.Error(t, err)
}

func TestDecodeReturnsConsumedLength(t *testing.T) {
	v, n, err := Decode([]byte("i1eGARBAGE"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(1), v.Int)
}

func TestDecodeSpanCapturesRawBytes(t *testing.T) {
	in := []byte("d4:infod6:lengthi12eee")
	v, err := DecodeTop(in)
	require.NoError(t, err)
	info, ok := v.Get("info")
	require.True(t, ok)
	assert.Equal(t, "d6:lengthi12ee", string(info.Raw))
}
