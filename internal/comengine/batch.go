package comengine

import "sort"

// RegisterPoint is one point awaiting a read, addressed within a
// (SlaveID, FunctionCode) group. Count is the register/coil span the point
// occupies (e.g. 2 for a 32-bit value spread over two holding registers).
type RegisterPoint struct {
	SlaveID      uint8
	FunctionCode uint8
	Address      uint16
	Count        uint16
	PointKey     any // opaque caller payload threaded through to the batch
}

// Batch is one coalesced read request: a contiguous (with allowed gaps)
// register span covering one or more RegisterPoints.
type Batch struct {
	SlaveID      uint8
	FunctionCode uint8
	StartAddress uint16
	Quantity     uint16
	Points       []RegisterPoint
}

// BatchParams bounds the smart batcher.
type BatchParams struct {
	MaxQuantity  uint16 // function-code max-quantity (125 holding regs, 2000 coils)
	GapThreshold uint16 // include gaps <= this many registers
}

// DefaultBatchParams returns the function-code-appropriate limits.
func DefaultBatchParams(functionCode uint8) BatchParams {
	switch functionCode {
	case 1, 2: // read coils / discrete inputs
		return BatchParams{MaxQuantity: 2000, GapThreshold: 2}
	default: // holding/input registers
		return BatchParams{MaxQuantity: 125, GapThreshold: 2}
	}
}

// CoalesceBatches groups points by (SlaveID, FunctionCode) then greedily
// coalesces each group's sorted addresses into batches: adjacent or
// near-adjacent points merge into one request while the gap threshold and
// the function-code quantity limit hold.
func CoalesceBatches(points []RegisterPoint, paramsFor func(functionCode uint8) BatchParams) []Batch {
	type groupKey struct {
		slave uint8
		fc    uint8
	}
	groups := make(map[groupKey][]RegisterPoint)
	var order []groupKey
	for _, p := range points {
		k := groupKey{p.SlaveID, p.FunctionCode}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], p)
	}

	var batches []Batch
	for _, k := range order {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool { return group[i].Address < group[j].Address })

		params := paramsFor(k.fc)
		if params.MaxQuantity == 0 {
			params = DefaultBatchParams(k.fc)
		}

		var current *Batch
		for _, p := range group {
			span := p.Count
			if span == 0 {
				span = 1
			}
			pointEnd := p.Address + span // exclusive end of this point's span

			if current == nil {
				current = &Batch{SlaveID: k.slave, FunctionCode: k.fc, StartAddress: p.Address, Quantity: span, Points: []RegisterPoint{p}}
				continue
			}

			currentEnd := current.StartAddress + current.Quantity
			gap := int(p.Address) - int(currentEnd)
			newQuantity := pointEnd - current.StartAddress
			if gap >= 0 && uint16(gap) <= params.GapThreshold && newQuantity <= params.MaxQuantity {
				current.Quantity = newQuantity
				current.Points = append(current.Points, p)
				continue
			}

			batches = append(batches, *current)
			current = &Batch{SlaveID: k.slave, FunctionCode: k.fc, StartAddress: p.Address, Quantity: span, Points: []RegisterPoint{p}}
		}
		if current != nil {
			batches = append(batches, *current)
		}
	}
	return batches
}
