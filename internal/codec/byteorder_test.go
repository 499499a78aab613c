package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteOrderReflexivity(t *testing.T) {
	// every canonical variant must parse back to itself
	for _, v := range []ByteOrder{BigEndian, LittleEndian, BigEndianSwap, LittleEndianSwap, BigEndian16, LittleEndian16} {
		got, ok := ParseByteOrder(string(v))
		require.True(t, ok, "variant %s", v)
		assert.Equal(t, v, got)
	}
}

func TestParseByteOrderAliases(t *testing.T) {
	cases := map[string]ByteOrder{
		"abcd":              BigEndian,
		"BE":                BigEndian,
		"big_endian":        BigEndian,
		"BIG-ENDIAN":        BigEndian,
		"dcba":              LittleEndian,
		"le":                LittleEndian,
		"little_endian":     LittleEndian,
		"cdab":              BigEndianSwap,
		"badc":              LittleEndianSwap,
		"ab":                BigEndian16,
		"ba":                LittleEndian16,
		"big_endian_swap":   BigEndianSwap,
		"little-endian":     LittleEndian,
	}
	for input, want := range cases {
		got, ok := ParseByteOrder(input)
		require.True(t, ok, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}

	_, ok := ParseByteOrder("middle_endian")
	assert.False(t, ok)
}

func TestReorder16(t *testing.T) {
	buf := []byte{0xAA, 0xBB}
	assert.Equal(t, []byte{0xAA, 0xBB}, BigEndian.Reorder(buf))
	assert.Equal(t, []byte{0xBB, 0xAA}, LittleEndian.Reorder(buf))
	assert.Equal(t, []byte{0xAA, 0xBB}, BigEndian16.Reorder(buf))
	assert.Equal(t, []byte{0xBB, 0xAA}, LittleEndian16.Reorder(buf))
}

func TestReorder32(t *testing.T) {
	buf := []byte{0x0A, 0x0B, 0x0C, 0x0D} // A B C D
	assert.Equal(t, []byte{0x0A, 0x0B, 0x0C, 0x0D}, BigEndian.Reorder(buf))
	assert.Equal(t, []byte{0x0D, 0x0C, 0x0B, 0x0A}, LittleEndian.Reorder(buf))
	assert.Equal(t, []byte{0x0C, 0x0D, 0x0A, 0x0B}, BigEndianSwap.Reorder(buf))
	assert.Equal(t, []byte{0x0B, 0x0A, 0x0D, 0x0C}, LittleEndianSwap.Reorder(buf))
}

func TestReorder64LittleEndian(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, LittleEndian.Reorder(buf))
	assert.Equal(t, []byte{7, 8, 5, 6, 3, 4, 1, 2}, BigEndianSwap.Reorder(buf))
}

func TestReorderDoesNotMutateInput(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	LittleEndian.Reorder(buf)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}
