package csvimport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnalogPoints(t *testing.T) {
	csv := `point_id,signal_name,chinese_name,scale,offset,unit
40001,grid_voltage,电网电压,0.1,0,V
40002,grid_current,电网电流,0.01,-5,A
`
	rows, result, err := ParseAnalogPoints(strings.NewReader(csv))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.Len(t, rows, 2)
	assert.Equal(t, "grid_voltage", rows[0].SignalName)
	assert.Equal(t, 0.1, rows[0].Scale)
	assert.Equal(t, -5.0, rows[1].Offset)
	assert.Equal(t, "A", rows[1].Unit)
}

func TestParseAnalogPointsMissingColumnFails(t *testing.T) {
	csv := `point_id,signal_name,scale,offset,unit
40001,grid_voltage,0.1,0,V
`
	_, result, err := ParseAnalogPoints(strings.NewReader(csv))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "chinese_name")
}

func TestParseAnalogPointsExtraColumnWarnsOnly(t *testing.T) {
	csv := `point_id,signal_name,chinese_name,scale,offset,unit,comment
40001,grid_voltage,电网电压,0.1,0,V,ignore me
`
	rows, result, err := ParseAnalogPoints(strings.NewReader(csv))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
	assert.Len(t, rows, 1)
}

func TestParseAnalogPointsReorderedColumnsWarnOnly(t *testing.T) {
	csv := `signal_name,point_id,chinese_name,scale,offset,unit
grid_voltage,40001,电网电压,0.1,0,V
`
	rows, result, err := ParseAnalogPoints(strings.NewReader(csv))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
	require.Len(t, rows, 1)
	assert.Equal(t, uint32(40001), uint32(rows[0].PointID))
}

func TestParseBinaryPoints(t *testing.T) {
	csv := `point_id,signal_name,chinese_name,reverse
201,breaker_closed,断路器合位,1
202,fault_alarm,故障报警,0
`
	rows, result, err := ParseBinaryPoints(strings.NewReader(csv))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Reverse)
	assert.False(t, rows[1].Reverse)
}

func TestParseMapping(t *testing.T) {
	csv := `point_id,signal_name,address,data_type,data_format,number_of_bytes,bit_location,description
40001,grid_voltage,40001,holding,uint16,2,0,phase A voltage
`
	rows, result, err := ParseMapping(strings.NewReader(csv))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.Len(t, rows, 1)
	assert.Equal(t, "uint16", rows[0].DataFormat)
}
