package comengine

import (
	"strconv"

	"github.com/voltageems/voltageemsd/internal/codec"
	"github.com/voltageems/voltageemsd/internal/model"
)

// formatRegisters reports how many 16-bit registers a data format spans.
func formatRegisters(dataFormat string) uint16 {
	switch dataFormat {
	case "uint32", "int32", "float32":
		return 2
	case "float64", "uint64", "int64":
		return 4
	default: // uint16, int16, bit
		return 1
	}
}

// registerSpan returns the register count a Modbus point occupies,
// preferring the explicit config over the format-derived width.
func registerSpan(m *model.ModbusCodec) uint16 {
	if m.RegisterCount > 0 {
		return m.RegisterCount
	}
	return formatRegisters(m.DataFormat)
}

// decodeModbusPoint slices one point's byte window out of a batch payload
// and runs the codec pipeline: byte reorder, numeric decode, bit pick for
// binary-in-register signals, then scaling. payload is the raw register
// (or coil) bytes aligned to batch.StartAddress.
func decodeModbusPoint(p model.ChannelPoint, batch Batch, payload []byte) (float64, error) {
	m := p.Modbus
	if m == nil {
		return 0, newErr(ErrCodec, "decode", "point has no modbus codec", nil)
	}

	// Coils and discrete inputs arrive bit-packed.
	if batch.FunctionCode == 1 || batch.FunctionCode == 2 {
		bitIdx := uint32(m.RegisterAddr - batch.StartAddress)
		bit := codec.ExtractBit(payload, bitIdx)
		return binaryValue(bit, p.Scaling.Reverse), nil
	}

	offset := int(m.RegisterAddr-batch.StartAddress) * 2
	span := int(registerSpan(m)) * 2
	if offset < 0 || offset+span > len(payload) {
		return 0, newErr(ErrCodec, "decode", "point window outside batch payload", nil)
	}
	window := payload[offset : offset+span]

	order, ok := codec.ParseByteOrder(m.ByteOrder)
	if !ok {
		order = codec.DefaultByteOrder()
	}
	canonical := order.Reorder(window)

	format := m.DataFormat
	if format == "" || format == "bit" {
		format = "uint16"
	}
	raw, err := codec.DecodeNumeric(canonical, format)
	if err != nil {
		return 0, err
	}

	if p.PointType.IsBinary() {
		bit := (uint64(raw)>>m.BitPosition)&1 != 0
		return binaryValue(bit, p.Scaling.Reverse), nil
	}

	return codec.NewTransformer(p.Scaling.Scale, p.Scaling.Offset).Forward(raw), nil
}

// encodeModbusPoint is the downlink inverse: engineering value to the raw
// big-endian data bytes a write PDU carries.
func encodeModbusPoint(p model.ChannelPoint, value float64) ([]byte, error) {
	m := p.Modbus
	if m == nil {
		return nil, newErr(ErrCodec, "encode", "point has no modbus codec", nil)
	}

	if p.PointType.IsBinary() {
		on := value != 0
		on = codec.Reverse(on, p.Scaling.Reverse)
		if on {
			return []byte{0x01}, nil
		}
		return []byte{0x00}, nil
	}

	raw := codec.NewTransformer(p.Scaling.Scale, p.Scaling.Offset).Inverse(value)
	format := m.DataFormat
	if format == "" {
		format = "uint16"
	}
	return codec.EncodeNumeric(raw, format)
}

// decodeCANPoint extracts one signal from a CAN frame's data bytes using
// the point's start-bit/bit-length window.
func decodeCANPoint(p model.ChannelPoint, data []byte) (float64, error) {
	c := p.CAN
	if c == nil {
		return 0, newErr(ErrCodec, "decode", "point has no CAN codec", nil)
	}

	var raw float64
	if c.ValueType == "signed" {
		v, err := codec.ExtractBitsSigned(data, uint32(c.StartBit), c.BitLength, codec.Lenient)
		if err != nil {
			return 0, err
		}
		raw = float64(v)
	} else {
		v, err := codec.ExtractBits(data, uint32(c.StartBit), c.BitLength, codec.Lenient)
		if err != nil {
			return 0, err
		}
		raw = float64(v)
	}

	if p.PointType.IsBinary() {
		return binaryValue(raw != 0, p.Scaling.Reverse), nil
	}
	factor := c.Factor
	if factor == 0 {
		factor = 1
	}
	return raw*factor + c.Offset, nil
}

func binaryValue(bit, reverse bool) float64 {
	if codec.Reverse(bit, reverse) {
		return 1
	}
	return 0
}

func pointField(id model.PointID) string {
	return strconv.FormatUint(uint64(id), 10)
}
