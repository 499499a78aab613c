// Package protocol supplies the closed set of wire-protocol
// implementations behind comengine.Protocol: Modbus (RTU/TCP), IEC
// 60870-5-104, and CAN. Framing follows the published wire formats;
// adding a protocol is a code change here, never a load-time discovery.
package protocol

import (
	"encoding/binary"

	"github.com/voltageems/voltageemsd/internal/comengine"
)

// ModbusTCP frames reads/writes with the MBAP header (no CRC; TCP itself
// guarantees integrity).
type ModbusTCP struct {
	nextTransactionID uint16
}

func NewModbusTCP() *ModbusTCP { return &ModbusTCP{} }

func (m *ModbusTCP) BytesPerRegister(functionCode uint8) int {
	if functionCode == 1 || functionCode == 2 {
		return 0 // bit-packed, handled by caller via ExtractPayload's raw bytes
	}
	return 2
}

func (m *ModbusTCP) nextTxn() uint16 {
	m.nextTransactionID++
	return m.nextTransactionID
}

func (m *ModbusTCP) BuildReadRequest(b comengine.Batch) ([]byte, error) {
	pdu := []byte{b.FunctionCode, byte(b.StartAddress >> 8), byte(b.StartAddress), byte(b.Quantity >> 8), byte(b.Quantity)}
	return mbapFrame(m.nextTxn(), b.SlaveID, pdu), nil
}

func (m *ModbusTCP) BuildWriteRequest(slaveID, functionCode uint8, address uint16, data []byte) ([]byte, error) {
	pdu := buildWritePDU(functionCode, address, data)
	return mbapFrame(m.nextTxn(), slaveID, pdu), nil
}

func (m *ModbusTCP) ExtractPayload(b comengine.Batch, frame []byte) ([]byte, error) {
	if len(frame) < 9 {
		return nil, comengine.NewTransportError("extract_payload", "frame too short for MBAP header")
	}
	pdu := frame[7:] // skip 6-byte MBAP header + unit id already folded in
	return extractReadPDU(pdu)
}

func mbapFrame(txnID uint16, unitID uint8, pdu []byte) []byte {
	out := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(out[0:2], txnID)
	binary.BigEndian.PutUint16(out[2:4], 0) // protocol id, always 0 for Modbus
	binary.BigEndian.PutUint16(out[4:6], uint16(len(pdu)+1))
	out[6] = unitID
	copy(out[7:], pdu)
	return out
}

// ModbusRTU frames reads/writes with a trailing CRC16 and no MBAP header.
type ModbusRTU struct{}

func NewModbusRTU() *ModbusRTU { return &ModbusRTU{} }

func (m *ModbusRTU) BytesPerRegister(functionCode uint8) int {
	if functionCode == 1 || functionCode == 2 {
		return 0
	}
	return 2
}

func (m *ModbusRTU) BuildReadRequest(b comengine.Batch) ([]byte, error) {
	pdu := []byte{b.SlaveID, b.FunctionCode, byte(b.StartAddress >> 8), byte(b.StartAddress), byte(b.Quantity >> 8), byte(b.Quantity)}
	return appendCRC(pdu), nil
}

func (m *ModbusRTU) BuildWriteRequest(slaveID, functionCode uint8, address uint16, data []byte) ([]byte, error) {
	pdu := append([]byte{slaveID}, buildWritePDU(functionCode, address, data)...)
	return appendCRC(pdu), nil
}

func (m *ModbusRTU) ExtractPayload(b comengine.Batch, frame []byte) ([]byte, error) {
	if len(frame) < 5 {
		return nil, comengine.NewTransportError("extract_payload", "frame too short for RTU response")
	}
	if !verifyCRC(frame) {
		return nil, comengine.NewTransportError("extract_payload", "CRC mismatch")
	}
	// slave_id, function_code, byte_count, data..., crc(2)
	return extractReadPDU(frame[1 : len(frame)-2])
}

// buildWritePDU builds a single-point write PDU: FC 5 (write single coil)
// when functionCode is 5, otherwise FC 6 (write single register). The
// multi-point codes FC 15 and FC 16 are not built; the command path writes
// one point per command.
func buildWritePDU(functionCode uint8, address uint16, data []byte) []byte {
	switch functionCode {
	case 5: // write single coil
		value := uint16(0x0000)
		if len(data) > 0 && data[0] != 0 {
			value = 0xFF00
		}
		return []byte{functionCode, byte(address >> 8), byte(address), byte(value >> 8), byte(value)}
	default: // write single register (FC 6)
		var v uint16
		if len(data) >= 2 {
			v = binary.BigEndian.Uint16(data)
		}
		return []byte{6, byte(address >> 8), byte(address), byte(v >> 8), byte(v)}
	}
}

// extractReadPDU parses a standard Modbus read-response PDU
// (function_code, byte_count, data...) and returns the data bytes.
func extractReadPDU(pdu []byte) ([]byte, error) {
	if len(pdu) < 2 {
		return nil, comengine.NewTransportError("extract_read_pdu", "response too short")
	}
	if pdu[0]&0x80 != 0 {
		return nil, comengine.NewProtocolError("extract_read_pdu", "device returned exception response")
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, comengine.NewTransportError("extract_read_pdu", "truncated response payload")
	}
	return pdu[2 : 2+byteCount], nil
}

func appendCRC(frame []byte) []byte {
	crc := crc16Modbus(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

func verifyCRC(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	body := frame[:len(frame)-2]
	want := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	return crc16Modbus(body) == want
}

// crc16Modbus is the standard Modbus RTU CRC-16 (polynomial 0xA001,
// initialized to 0xFFFF).
func crc16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
