package substrate

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/lens"
)

var _ lens.Codec = (*OpaqueCodec)(nil)

// OpaqueCodec splits a block body into its individual extrinsics without
// interpreting them. Each extrinsic row carries the raw payload as hex; no
// events are produced, since event decoding requires schema-aware decoding
// against the runtime metadata. It serves deployments that archive raw
// extrinsics and plug a full codec in later.
type OpaqueCodec struct{}

func NewOpaqueCodec() *OpaqueCodec {
	return &OpaqueCodec{}
}

func (c *OpaqueCodec) Decode(raw *lens.RawBlock, specVersion uint32, metadata []byte) (*lens.Decoded, error) {
	payloads, err := splitVec(raw.Body)
	if err != nil {
		return nil, xerrors.Errorf("split block body at height %d: %w", raw.Height, err)
	}

	decoded := &lens.Decoded{
		Extrinsics: make([]lens.DecodedExtrinsic, 0, len(payloads)),
	}
	for i, p := range payloads {
		args, err := json.Marshal(map[string]string{"raw": "0x" + hex.EncodeToString(p)})
		if err != nil {
			return nil, err
		}
		decoded.Extrinsics = append(decoded.Extrinsics, lens.DecodedExtrinsic{
			Index:  i,
			Module: "opaque",
			Call:   "extrinsic",
			Args:   args,
		})
	}
	return decoded, nil
}

// splitVec decodes a compact-length-prefixed vector of length-prefixed blobs.
func splitVec(b []byte) ([][]byte, error) {
	count, rest, err := decodeCompact(b)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		size, next, err := decodeCompact(rest)
		if err != nil {
			return nil, xerrors.Errorf("element %d: %w", i, err)
		}
		if uint64(len(next)) < size {
			return nil, xerrors.Errorf("element %d: truncated, want %d bytes have %d", i, size, len(next))
		}
		out = append(out, next[:size])
		rest = next[size:]
	}
	if len(rest) != 0 {
		return nil, xerrors.Errorf("%d trailing bytes after vector", len(rest))
	}
	return out, nil
}

// appendCompact appends v in compact integer encoding.
func appendCompact(dst []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(dst, byte(v<<2))
	case v < 1<<14:
		return binary.LittleEndian.AppendUint16(dst, uint16(v<<2)|0b01)
	case v < 1<<30:
		return binary.LittleEndian.AppendUint32(dst, uint32(v<<2)|0b10)
	default:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		n := 8
		for n > 4 && buf[n-1] == 0 {
			n--
		}
		dst = append(dst, byte((n-4)<<2)|0b11)
		return append(dst, buf[:n]...)
	}
}

// decodeCompact reads one compact integer, returning the remaining bytes.
func decodeCompact(b []byte) (uint64, []byte, error) {
	if len(b) == 0 {
		return 0, nil, xerrors.New("compact integer: empty input")
	}
	switch b[0] & 0b11 {
	case 0b00:
		return uint64(b[0] >> 2), b[1:], nil
	case 0b01:
		if len(b) < 2 {
			return 0, nil, xerrors.New("compact integer: truncated u16")
		}
		return uint64(binary.LittleEndian.Uint16(b[:2]) >> 2), b[2:], nil
	case 0b10:
		if len(b) < 4 {
			return 0, nil, xerrors.New("compact integer: truncated u32")
		}
		return uint64(binary.LittleEndian.Uint32(b[:4]) >> 2), b[4:], nil
	default:
		n := int(b[0]>>2) + 4
		if n > 8 {
			return 0, nil, xerrors.Errorf("compact integer: %d byte big-integer unsupported", n)
		}
		if len(b) < 1+n {
			return 0, nil, xerrors.New("compact integer: truncated big-integer")
		}
		var buf [8]byte
		copy(buf[:], b[1:1+n])
		return binary.LittleEndian.Uint64(buf[:]), b[1+n:], nil
	}
}
