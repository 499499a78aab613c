package codec

import "strings"

// ByteOrder is the byte/word-order matrix for 16/32/64-bit composites.
// Backed by a Go string so it round-trips through JSON config without a
// custom marshaler.
type ByteOrder string

const (
	BigEndian        ByteOrder = "ABCD"
	LittleEndian     ByteOrder = "DCBA"
	BigEndianSwap    ByteOrder = "CDAB"
	LittleEndianSwap ByteOrder = "BADC"
	BigEndian16      ByteOrder = "AB"
	LittleEndian16   ByteOrder = "BA"
)

// ParseByteOrder accepts the ABCD/DCBA/CDAB/BADC/AB/BA spellings plus
// the BE/LE/BIG_ENDIAN/LITTLE_ENDIAN aliases, case-insensitively and with
// optional dashes.
func ParseByteOrder(s string) (ByteOrder, bool) {
	normalized := strings.ToUpper(strings.ReplaceAll(s, "-", ""))
	switch normalized {
	case "ABCD", "BE", "BIG_ENDIAN", "BIGENDIAN":
		return BigEndian, true
	case "DCBA", "LE", "LITTLE_ENDIAN", "LITTLEENDIAN":
		return LittleEndian, true
	case "CDAB", "BIG_ENDIAN_SWAP", "BIGENDIANSWAP":
		return BigEndianSwap, true
	case "BADC", "LITTLE_ENDIAN_SWAP", "LITTLEENDIANSWAP":
		return LittleEndianSwap, true
	case "AB":
		return BigEndian16, true
	case "BA":
		return LittleEndian16, true
	default:
		return "", false
	}
}

// DefaultByteOrder is BigEndian, the order assumed when config is silent.
func DefaultByteOrder() ByteOrder { return BigEndian }

func (o ByteOrder) Is16BitOnly() bool { return o == BigEndian16 || o == LittleEndian16 }
func (o ByteOrder) HasWordSwap() bool { return o == BigEndianSwap || o == LittleEndianSwap }

// Reorder rearranges a raw register/byte buffer into canonical big-endian
// byte order so a single big-endian-reading extractor can be used
// regardless of the configured ByteOrder. buf must be 2, 4, or 8 bytes.
func (o ByteOrder) Reorder(buf []byte) []byte {
	out := make([]byte, len(buf))
	switch len(buf) {
	case 2:
		switch o {
		case LittleEndian, LittleEndianSwap, LittleEndian16:
			out[0], out[1] = buf[1], buf[0]
		default:
			copy(out, buf)
		}
	case 4:
		switch o {
		case BigEndian:
			copy(out, buf)
		case LittleEndian:
			out[0], out[1], out[2], out[3] = buf[3], buf[2], buf[1], buf[0]
		case BigEndianSwap:
			out[0], out[1], out[2], out[3] = buf[2], buf[3], buf[0], buf[1]
		case LittleEndianSwap:
			out[0], out[1], out[2], out[3] = buf[1], buf[0], buf[3], buf[2]
		default:
			copy(out, buf)
		}
	case 8:
		switch o {
		case BigEndian:
			copy(out, buf)
		case LittleEndian:
			for i := 0; i < 8; i++ {
				out[i] = buf[7-i]
			}
		case BigEndianSwap:
			// word-swap in 16-bit units, each word kept big-endian.
			out[0], out[1] = buf[6], buf[7]
			out[2], out[3] = buf[4], buf[5]
			out[4], out[5] = buf[2], buf[3]
			out[6], out[7] = buf[0], buf[1]
		case LittleEndianSwap:
			out[0], out[1] = buf[1], buf[0]
			out[2], out[3] = buf[3], buf[2]
			out[4], out[5] = buf[5], buf[4]
			out[6], out[7] = buf[7], buf[6]
		default:
			copy(out, buf)
		}
	default:
		copy(out, buf)
	}
	return out
}
