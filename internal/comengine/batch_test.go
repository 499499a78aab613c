package comengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holdingPoint(addr uint16) RegisterPoint {
	return RegisterPoint{SlaveID: 1, FunctionCode: 3, Address: addr, Count: 1}
}

func TestCoalesceBatchesGapThreshold(t *testing.T) {
	// Addresses 40001-40003 coalesce; the jump to 40010 exceeds the gap
	// threshold of 2, so 40010-40011 form a second batch.
	points := []RegisterPoint{
		holdingPoint(40001),
		holdingPoint(40002),
		holdingPoint(40003),
		holdingPoint(40010),
		holdingPoint(40011),
	}

	batches := CoalesceBatches(points, DefaultBatchParams)
	require.Len(t, batches, 2)

	assert.Equal(t, uint16(40001), batches[0].StartAddress)
	assert.Equal(t, uint16(3), batches[0].Quantity)
	assert.Len(t, batches[0].Points, 3)

	assert.Equal(t, uint16(40010), batches[1].StartAddress)
	assert.Equal(t, uint16(2), batches[1].Quantity)
	assert.Len(t, batches[1].Points, 2)
}

func TestCoalesceBatchesSmallGapIncluded(t *testing.T) {
	// A gap of exactly 2 registers is amortized into one request.
	points := []RegisterPoint{holdingPoint(100), holdingPoint(103)}
	batches := CoalesceBatches(points, DefaultBatchParams)
	require.Len(t, batches, 1)
	assert.Equal(t, uint16(100), batches[0].StartAddress)
	assert.Equal(t, uint16(4), batches[0].Quantity)
}

func TestCoalesceBatchesNoLoss(t *testing.T) {
	// Every requested address must be covered by exactly one batch.
	addrs := []uint16{1, 2, 5, 9, 10, 11, 30, 31, 200, 203, 204}
	points := make([]RegisterPoint, 0, len(addrs))
	for _, a := range addrs {
		points = append(points, holdingPoint(a))
	}

	batches := CoalesceBatches(points, DefaultBatchParams)
	covered := make(map[uint16]int)
	for _, b := range batches {
		for _, p := range b.Points {
			covered[p.Address]++
		}
		// every member point must sit inside the batch's register window
		for _, p := range b.Points {
			assert.GreaterOrEqual(t, p.Address, b.StartAddress)
			assert.Less(t, p.Address, b.StartAddress+b.Quantity)
		}
	}
	for _, a := range addrs {
		assert.Equal(t, 1, covered[a], "address %d", a)
	}
}

func TestCoalesceBatchesMaxQuantity(t *testing.T) {
	// 200 adjacent holding registers must split; no batch may exceed 125.
	points := make([]RegisterPoint, 0, 200)
	for a := uint16(0); a < 200; a++ {
		points = append(points, holdingPoint(a))
	}
	batches := CoalesceBatches(points, DefaultBatchParams)
	require.Greater(t, len(batches), 1)
	total := 0
	for _, b := range batches {
		assert.LessOrEqual(t, b.Quantity, uint16(125))
		total += len(b.Points)
	}
	assert.Equal(t, 200, total)
}

func TestCoalesceBatchesCoilQuantityLimit(t *testing.T) {
	points := make([]RegisterPoint, 0, 2500)
	for a := uint16(0); a < 2500; a++ {
		points = append(points, RegisterPoint{SlaveID: 1, FunctionCode: 1, Address: a, Count: 1})
	}
	for _, b := range CoalesceBatches(points, DefaultBatchParams) {
		assert.LessOrEqual(t, b.Quantity, uint16(2000))
	}
}

func TestCoalesceBatchesGroupsBySlaveAndFunction(t *testing.T) {
	points := []RegisterPoint{
		{SlaveID: 1, FunctionCode: 3, Address: 10, Count: 1},
		{SlaveID: 2, FunctionCode: 3, Address: 11, Count: 1},
		{SlaveID: 1, FunctionCode: 4, Address: 12, Count: 1},
	}
	batches := CoalesceBatches(points, DefaultBatchParams)
	assert.Len(t, batches, 3)
}

func TestCoalesceBatchesMultiRegisterPoints(t *testing.T) {
	// A float32 spans two registers; the span participates in coalescing.
	points := []RegisterPoint{
		{SlaveID: 1, FunctionCode: 3, Address: 10, Count: 2},
		{SlaveID: 1, FunctionCode: 3, Address: 12, Count: 2},
	}
	batches := CoalesceBatches(points, DefaultBatchParams)
	require.Len(t, batches, 1)
	assert.Equal(t, uint16(4), batches[0].Quantity)
}
