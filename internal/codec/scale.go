package codec

import "encoding/binary"

// Transformer converts a raw codec-extracted numeric reading to and from
// its engineering-unit value (scaling).
type Transformer interface {
	Forward(raw float64) float64  // uplink: engineering = raw*scale + offset
	Inverse(eng float64) float64  // downlink: raw = (engineering - offset) / scale
}

// passthrough is used when no scaling config is present
type passthrough struct{}

func (passthrough) Forward(raw float64) float64 { return raw }
func (passthrough) Inverse(eng float64) float64 { return eng }

// Passthrough is the identity Transformer.
func Passthrough() Transformer { return passthrough{} }

// Linear is the scale/offset analog transform.
type Linear struct {
	Scale  float64
	Offset float64
}

// Forward computes engineering = raw*scale + offset.
func (l Linear) Forward(raw float64) float64 {
	return raw*l.Scale + l.Offset
}

// Inverse computes raw = (engineering-offset)/scale, treating scale==0 as
// identity ("scale == 0 treated as identity and a warning").
// ScaleIsIdentity reports that condition so the caller can log the warning
// without scale.go importing a logger.
func (l Linear) Inverse(eng float64) float64 {
	if l.Scale == 0 {
		return eng
	}
	return (eng - l.Offset) / l.Scale
}

// ScaleIsIdentity reports whether scale==0, the degenerate case that
// warrants an inverse-scaling warning from the caller.
func (l Linear) ScaleIsIdentity() bool { return l.Scale == 0 }

// NewTransformer builds a Linear transformer, or Passthrough when scale==0
// and offset==0 (no config present).
func NewTransformer(scale, offset float64) Transformer {
	if scale == 0 && offset == 0 {
		return Passthrough()
	}
	return Linear{Scale: scale, Offset: offset}
}

// Reverse flips a boolean for binary uplink/downlink when Scaling.Reverse
// is set ("swap 0<->1; downlink is symmetric").
func Reverse(b bool, reverse bool) bool {
	if reverse {
		return !b
	}
	return b
}

// DecodeNumeric interprets a canonical big-endian byte buffer (already
// passed through ByteOrder.Reorder) as the named data format, returning
// the raw numeric value as float64 prior to scaling.
func DecodeNumeric(buf []byte, dataFormat string) (float64, error) {
	switch dataFormat {
	case "uint16":
		if len(buf) < 2 {
			return 0, newErr(ErrOutOfRange, "uint16 needs 2 bytes, got %d", len(buf))
		}
		return float64(binary.BigEndian.Uint16(buf)), nil
	case "int16":
		if len(buf) < 2 {
			return 0, newErr(ErrOutOfRange, "int16 needs 2 bytes, got %d", len(buf))
		}
		return float64(int16(binary.BigEndian.Uint16(buf))), nil
	case "uint32":
		if len(buf) < 4 {
			return 0, newErr(ErrOutOfRange, "uint32 needs 4 bytes, got %d", len(buf))
		}
		return float64(binary.BigEndian.Uint32(buf)), nil
	case "int32":
		if len(buf) < 4 {
			return 0, newErr(ErrOutOfRange, "int32 needs 4 bytes, got %d", len(buf))
		}
		return float64(int32(binary.BigEndian.Uint32(buf))), nil
	case "float32":
		if len(buf) < 4 {
			return 0, newErr(ErrOutOfRange, "float32 needs 4 bytes, got %d", len(buf))
		}
		bits := binary.BigEndian.Uint32(buf)
		return float64(float32FromBits(bits)), nil
	case "float64":
		if len(buf) < 8 {
			return 0, newErr(ErrOutOfRange, "float64 needs 8 bytes, got %d", len(buf))
		}
		bits := binary.BigEndian.Uint64(buf)
		return float64FromBits(bits), nil
	default:
		return 0, newErr(ErrUnsupportedDataType, "unsupported data format %q", dataFormat)
	}
}

// EncodeNumeric is the inverse of DecodeNumeric: converts a raw float64
// back to a canonical big-endian byte buffer of the named format (used for
// PDU construction on the downlink/command path).
func EncodeNumeric(value float64, dataFormat string) ([]byte, error) {
	switch dataFormat {
	case "uint16":
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int64(value)))
		return buf, nil
	case "int16":
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(int64(value))))
		return buf, nil
	case "uint32":
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int64(value)))
		return buf, nil
	case "int32":
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(int64(value))))
		return buf, nil
	case "float32":
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, float32ToBits(float32(value)))
		return buf, nil
	case "float64":
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, float64ToBits(value))
		return buf, nil
	default:
		return nil, newErr(ErrUnsupportedDataType, "unsupported data format %q", dataFormat)
	}
}
