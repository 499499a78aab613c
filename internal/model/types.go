// Package model defines the VoltageEMS data model: point
// identity, channels, products, instances, and the three routing tables.
//
// Every ID is a distinct named type rather than a bare integer so a
// ChannelID cannot be silently confused with an InstanceID at a call site.
package model

import "fmt"

// ChannelID identifies a Channel. u16
type ChannelID uint16

// InstanceID identifies an Instance. u32
type InstanceID uint32

// PointID identifies a point within its (scope, scope-id, point-type).
type PointID uint32

// Scope distinguishes channel-side points from instance-side points.
type Scope string

const (
	ScopeChannel  Scope = "channel"
	ScopeInstance Scope = "instance"
)

// PointType tags a point's direction and value class.
type PointType string

const (
	PointTypeTelemetry  PointType = "T" // measurement, uplink
	PointTypeSignal     PointType = "S" // binary status, uplink
	PointTypeControl    PointType = "C" // control, downlink
	PointTypeAdjustment PointType = "A" // setpoint, downlink
	PointTypeMeasure    PointType = "M" // instance-measurement
)

// IsAnalog reports whether values of this type carry scale/offset.
func (t PointType) IsAnalog() bool {
	return t == PointTypeTelemetry || t == PointTypeAdjustment || t == PointTypeMeasure
}

// IsBinary reports whether values of this type are boolean with `reverse`.
func (t PointType) IsBinary() bool {
	return t == PointTypeSignal || t == PointTypeControl
}

// IsDownlink reports whether writes to this point type flow toward a device.
func (t PointType) IsDownlink() bool {
	return t == PointTypeControl || t == PointTypeAdjustment
}

// Protocol is the closed set of wire protocols a Channel speaks, wired at
// compile time rather than left open-ended.
type Protocol string

const (
	ProtocolModbusTCP Protocol = "modbus_tcp"
	ProtocolModbusRTU Protocol = "modbus_rtu"
	ProtocolIEC101    Protocol = "iec101"
	ProtocolIEC104    Protocol = "iec104"
	ProtocolCAN       Protocol = "can"
	ProtocolDIO       Protocol = "dio"
	ProtocolVirtual   Protocol = "virtual"
)

// ChannelPointKey is the structured fast-path key for the routing cache
// ("replace string-keyed routing lookups with structured
// keys"). A plain comparable struct, usable directly as a map key with no
// allocation.
type ChannelPointKey struct {
	ChannelID ChannelID
	PointType PointType
	PointID   PointID
}

func (k ChannelPointKey) String() string {
	return fmt.Sprintf("ch:%d:%s:%d", k.ChannelID, k.PointType, k.PointID)
}

// InstancePointKey is the structured instance-side counterpart.
type InstancePointKey struct {
	InstanceID InstanceID
	PointType  PointType
	PointID    PointID
}

func (k InstancePointKey) String() string {
	return fmt.Sprintf("inst:%d:%s:%d", k.InstanceID, k.PointType, k.PointID)
}

// ModbusCodec carries Modbus-specific channel-point codec metadata.
type ModbusCodec struct {
	SlaveID       uint8  `json:"slave_id"`
	FunctionCode  uint8  `json:"function_code"`
	RegisterAddr  uint16 `json:"register_address"`
	DataFormat    string `json:"data_format"` // e.g. uint16, int32, float32
	ByteOrder     string `json:"byte_order"`
	RegisterCount uint16 `json:"register_count"`
	BitPosition   uint8  `json:"bit_position"`
}

// CANCodec carries CAN-specific channel-point codec metadata.
type CANCodec struct {
	CANID     uint32  `json:"can_id"`
	StartBit  uint16  `json:"start_bit"`
	BitLength uint8   `json:"bit_length"`
	ByteOrder string  `json:"byte_order"`
	ValueType string  `json:"value_type"`
	Factor    float64 `json:"factor"`
	Offset    float64 `json:"offset"`
}

// IEC104Codec carries IEC 60870-5-104 channel-point codec metadata.
type IEC104Codec struct {
	CA     uint16 `json:"ca"`
	IOA    uint32 `json:"ioa"`
	TypeID uint8  `json:"type_id"`
	COT    uint8  `json:"cot"`
}

// Scaling carries the analog scale/offset/unit and binary reverse flag.
type Scaling struct {
	Scale   float64 `json:"scale"`
	Offset  float64 `json:"offset"`
	Unit    string  `json:"unit,omitempty"`
	Reverse bool    `json:"reverse,omitempty"`
}

// ChannelPoint is a single addressable datum on a Channel.
type ChannelPoint struct {
	ChannelID ChannelID
	PointType PointType
	PointID   PointID

	Modbus  *ModbusCodec
	CAN     *CANCodec
	IEC104  *IEC104Codec
	Scaling Scaling
}

// Key returns this point's structured routing-cache key.
func (p ChannelPoint) Key() ChannelPointKey {
	return ChannelPointKey{ChannelID: p.ChannelID, PointType: p.PointType, PointID: p.PointID}
}

// Channel is a named connection to a field endpoint
type Channel struct {
	ID         ChannelID
	Name       string
	Protocol   Protocol
	Parameters map[string]any
	LogPolicy  string
	Enabled    bool
	Points     []ChannelPoint
}

// PointSpec names one measurement or action point a Product requires.
type PointSpec struct {
	PointID  PointID
	Name     string
	Unit     string
	DataType string
}

// Product is a device-model template
type Product struct {
	Name         string
	Measurements []PointSpec
	Actions      []PointSpec
}

// Instance is a materialization of a Product.
type Instance struct {
	ID         InstanceID
	Name       string
	ProductName string
	Properties map[string]any
	Enabled    bool
}

// MeasurementRouting is a C2M record
type MeasurementRouting struct {
	ID              int64
	ChannelID       ChannelID
	ChannelType     PointType // T or S
	ChannelPointID  PointID
	InstanceID      InstanceID
	MeasurementID   PointID
	Enabled         bool
}

// ActionRouting is an M2C record.
type ActionRouting struct {
	ID             int64
	InstanceID     InstanceID
	ActionID       PointID
	ChannelID      ChannelID
	ChannelType    PointType // C or A
	ChannelPointID PointID
	Enabled        bool
}

// ChannelRouting is an optional C2C forwarding record.
type ChannelRouting struct {
	ID             int64
	SourceChannel  ChannelID
	SourceType     PointType
	SourcePointID  PointID
	TargetChannel  ChannelID
	TargetType     PointType
	TargetPointID  PointID
	Scale          float64
	Offset         float64
	Enabled        bool
}

// RoutingMaps is the full set of routing tables loaded from the store,
// handed to the routing cache at construction
type RoutingMaps struct {
	C2M []MeasurementRouting
	M2C []ActionRouting
	C2C []ChannelRouting
}

// Rule is a Vue-Flow rule record.
type Rule struct {
	ID          int64
	Name        string
	Description string
	Enabled     bool
	Priority    uint8
	CooldownMS  int64
	FlowJSON    []byte
	Format      string
}
