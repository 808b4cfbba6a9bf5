package substrate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/substrate-archive/lens"
)

func TestCompactRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 42, 63,
		64, 300, 1<<14 - 1,
		1 << 14, 100_000, 1<<30 - 1,
		1 << 30, 1 << 32, 1<<40 + 7, 1<<63 + 5,
	}
	for _, v := range values {
		enc := appendCompact(nil, v)
		got, rest, err := decodeCompact(enc)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got, "value %d", v)
		assert.Empty(t, rest, "value %d", v)
	}
}

func TestCompactEncodingWidths(t *testing.T) {
	assert.Len(t, appendCompact(nil, 63), 1)
	assert.Len(t, appendCompact(nil, 64), 2)
	assert.Len(t, appendCompact(nil, 1<<14-1), 2)
	assert.Len(t, appendCompact(nil, 1<<14), 4)
	assert.Len(t, appendCompact(nil, 1<<30-1), 4)
	assert.Len(t, appendCompact(nil, 1<<30), 5)
	assert.Len(t, appendCompact(nil, 1<<62), 9)
}

func TestDecodeCompactRejectsTruncatedInput(t *testing.T) {
	_, _, err := decodeCompact(nil)
	assert.Error(t, err)
	_, _, err = decodeCompact([]byte{0b01})
	assert.Error(t, err)
	_, _, err = decodeCompact([]byte{0b10, 0x00})
	assert.Error(t, err)
	_, _, err = decodeCompact(appendCompact(nil, 1<<40)[:3])
	assert.Error(t, err)
}

func encodeBody(payloads ...[]byte) []byte {
	body := appendCompact(nil, uint64(len(payloads)))
	for _, p := range payloads {
		body = appendCompact(body, uint64(len(p)))
		body = append(body, p...)
	}
	return body
}

func TestSplitVec(t *testing.T) {
	first := []byte{0xde, 0xad}
	second := []byte{0xbe, 0xef, 0x01}

	got, err := splitVec(encodeBody(first, second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0])
	assert.Equal(t, second, got[1])

	got, err = splitVec(encodeBody())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSplitVecRejectsMalformedBodies(t *testing.T) {
	body := encodeBody([]byte{0x01, 0x02, 0x03})

	_, err := splitVec(body[:len(body)-1])
	assert.ErrorContains(t, err, "truncated")

	_, err = splitVec(append(body, 0xff))
	assert.ErrorContains(t, err, "trailing")
}

func TestOpaqueCodecDecode(t *testing.T) {
	raw := &lens.RawBlock{
		Height: 12,
		Body:   encodeBody([]byte{0xaa}, []byte{0xbb, 0xcc}),
	}

	decoded, err := NewOpaqueCodec().Decode(raw, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, decoded.Events)
	require.Len(t, decoded.Extrinsics, 2)

	ext := decoded.Extrinsics[1]
	assert.Equal(t, 1, ext.Index)
	assert.Equal(t, "opaque", ext.Module)
	assert.Equal(t, "extrinsic", ext.Call)

	var args map[string]string
	require.NoError(t, json.Unmarshal(ext.Args, &args))
	assert.Equal(t, "0xbbcc", args["raw"])
}

func TestOpaqueCodecDecodeError(t *testing.T) {
	raw := &lens.RawBlock{Height: 12, Body: appendCompact(nil, 3)}
	_, err := NewOpaqueCodec().Decode(raw, 1, nil)
	assert.ErrorContains(t, err, "height 12")
}
