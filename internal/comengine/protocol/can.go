package protocol

import (
	"encoding/binary"

	"github.com/voltageems/voltageemsd/internal/comengine"
)

// CAN is a request/response-free protocol: frames carry a CAN identifier
// plus up to 8 data bytes and arrive unsolicited (bus broadcast), so
// BuildReadRequest is a no-op placeholder the channel task never calls on
// the poll path — CAN channels are driven entirely by frames the
// Transport's Receive delivers as they appear on the bus. BuildWriteRequest
// still applies for command-path downlinks (e.g. a control frame).
type CAN struct{}

func NewCAN() *CAN { return &CAN{} }

func (c *CAN) BytesPerRegister(functionCode uint8) int { return 1 }

func (c *CAN) BuildReadRequest(b comengine.Batch) ([]byte, error) {
	return nil, comengine.NewProtocolError("build_read_request", "CAN has no poll request; frames are bus-broadcast")
}

func (c *CAN) ExtractPayload(b comengine.Batch, frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, comengine.NewTransportError("extract_payload", "CAN frame too short for identifier")
	}
	return frame[4:], nil // 4-byte CAN ID header followed by up to 8 data bytes
}

// BuildWriteRequest emits a standard 4-byte-ID + data-bytes CAN frame.
func (c *CAN) BuildWriteRequest(slaveID, functionCode uint8, address uint16, data []byte) ([]byte, error) {
	canID := uint32(address)
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[0:4], canID)
	copy(out[4:], data)
	return out, nil
}
