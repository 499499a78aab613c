package codec

import "math"

func float32FromBits(bits uint32) float32 { return math.Float32frombits(bits) }
func float32ToBits(f float32) uint32      { return math.Float32bits(f) }
func float64FromBits(bits uint64) float64 { return math.Float64frombits(bits) }
func float64ToBits(f float64) uint64      { return math.Float64bits(f) }
