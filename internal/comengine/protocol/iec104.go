package protocol

import "github.com/voltageems/voltageemsd/internal/comengine"

// IEC104 frames an IEC 60870-5-104 APDU: a 6-byte start/length/control-
// field header (start byte 0x68) followed by an ASDU. Like CAN, IEC104 is
// predominantly spontaneous (the controlled station reports on change);
// this implementation covers the interrogation command and ASDU payload
// extraction the poll/command paths need.
type IEC104 struct {
	sendSeq, recvSeq uint16
}

func NewIEC104() *IEC104 { return &IEC104{} }

func (p *IEC104) BytesPerRegister(functionCode uint8) int { return 1 }

// BuildReadRequest issues a general interrogation command (C_IC_NA_1,
// type ID 100) addressed to the batch's common address.
func (p *IEC104) BuildReadRequest(b comengine.Batch) ([]byte, error) {
	ca := uint16(b.SlaveID)
	asdu := []byte{
		100, // type id: C_IC_NA_1
		0x01, 0x06, // VSQ=1, COT=6 (activation)
		byte(ca), byte(ca >> 8),
		0x00, 0x00, 0x00, // IOA = 0
		0x14, // QOI = 20 (station interrogation)
	}
	return p.iFrame(asdu), nil
}

func (p *IEC104) iFrame(asdu []byte) []byte {
	apdu := make([]byte, 6+len(asdu))
	apdu[0] = 0x68
	apdu[1] = byte(len(apdu) - 2)
	apdu[2] = byte(p.sendSeq << 1)
	apdu[3] = byte(p.sendSeq >> 7)
	apdu[4] = byte(p.recvSeq << 1)
	apdu[5] = byte(p.recvSeq >> 7)
	copy(apdu[6:], asdu)
	p.sendSeq++
	return apdu
}

func (p *IEC104) ExtractPayload(b comengine.Batch, frame []byte) ([]byte, error) {
	if len(frame) < 6 || frame[0] != 0x68 {
		return nil, comengine.NewTransportError("extract_payload", "missing IEC104 start byte")
	}
	p.recvSeq = uint16(frame[2])>>1 | uint16(frame[3])<<7
	return frame[6:], nil
}

func (p *IEC104) BuildWriteRequest(slaveID, functionCode uint8, address uint16, data []byte) ([]byte, error) {
	ca := uint16(slaveID)
	var value byte
	if len(data) > 0 {
		value = data[0]
	}
	asdu := []byte{
		45, // type id: C_SC_NA_1 (single command)
		0x01, 0x00,
		byte(ca), byte(ca >> 8),
		byte(address), byte(address >> 8), 0x00,
		value,
	}
	return p.iFrame(asdu), nil
}
