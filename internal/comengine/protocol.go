package comengine

// Protocol is the closed-set wire-protocol contract. Concrete
// implementations live in internal/comengine/protocol and are injected by
// the caller that builds a Channel, never discovered at runtime.
type Protocol interface {
	// BuildReadRequest frames a poll request for one coalesced batch.
	BuildReadRequest(b Batch) ([]byte, error)

	// ExtractPayload strips protocol framing/CRC from a response frame and
	// returns the raw register/coil payload bytes aligned to b.StartAddress.
	ExtractPayload(b Batch, frame []byte) ([]byte, error)

	// BuildWriteRequest frames a single-point downlink write.
	BuildWriteRequest(slaveID uint8, functionCode uint8, address uint16, data []byte) ([]byte, error)

	// BytesPerRegister reports the payload width of one addressable unit
	// (2 for Modbus registers, 1 bit-packed for coils handled internally).
	BytesPerRegister(functionCode uint8) int
}
