// Package csvimport parses the CSV point-table and mapping files a
// channel's point-table config points at. Missing required columns are
// errors; extra columns or a different column order are warnings only,
// never failures — CSV files are hand-maintained spreadsheets and column
// order drifts.
package csvimport

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/voltageems/voltageemsd/internal/model"
)

// ValidationResult reports header/row problems: Valid is true whenever
// Errors is empty, independent of Warnings.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// AnalogHeader is the required header for analog point-type CSV files
// (telemetry, adjustment, measurement).
var AnalogHeader = []string{"point_id", "signal_name", "chinese_name", "scale", "offset", "unit"}

// BinaryHeader is the required header for binary point-type CSV files
// (signal, control).
var BinaryHeader = []string{"point_id", "signal_name", "chinese_name", "reverse"}

// MappingHeader is the required header for the per-channel address
// mapping file.
var MappingHeader = []string{"point_id", "signal_name", "address", "data_type", "data_format", "number_of_bytes", "bit_location", "description"}

// validateHeader reports missing-required as an error and both extra
// columns and order mismatches as warnings.
func validateHeader(actual, expected []string) ValidationResult {
	result := ValidationResult{Valid: true}

	expectedSet := make(map[string]bool, len(expected))
	for _, f := range expected {
		expectedSet[f] = true
	}
	actualSet := make(map[string]bool, len(actual))
	for _, f := range actual {
		actualSet[f] = true
	}

	var missing []string
	for _, f := range expected {
		if !actualSet[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		result.addError("missing required fields: [%s]", strings.Join(missing, ", "))
	}

	var extra []string
	for _, f := range actual {
		if !expectedSet[f] {
			extra = append(extra, f)
		}
	}
	if len(extra) > 0 {
		result.addWarning("extra fields found (will be ignored): [%s]", strings.Join(extra, ", "))
	}

	if len(missing) == 0 && len(extra) == 0 && !sameOrder(actual, expected) {
		result.addWarning("field order differs from expected (informational only)")
	}

	return result
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// columnIndex maps header name to its position in a parsed row.
type columnIndex map[string]int

func indexHeader(header []string) columnIndex {
	idx := make(columnIndex, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func (idx columnIndex) field(row []string, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// AnalogRow is one parsed row of an analog point-table CSV.
type AnalogRow struct {
	PointID     model.PointID
	SignalName  string
	ChineseName string
	Scale       float64
	Offset      float64
	Unit        string
}

// ParseAnalogPoints parses an analog point-table CSV (scale/offset/unit
// columns), returning the header validation alongside the parsed rows.
// Rows are still returned when validation produces only warnings; a
// header error aborts parsing since required columns can't be located.
func ParseAnalogPoints(r io.Reader) ([]AnalogRow, ValidationResult, error) {
	header, reader, err := readHeader(r)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	result := validateHeader(header, AnalogHeader)
	if !result.Valid {
		return nil, result, nil
	}
	idx := indexHeader(header)

	var rows []AnalogRow
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, result, fmt.Errorf("csvimport: read analog row: %w", err)
		}
		pointID, err := strconv.ParseUint(idx.field(rec, "point_id"), 10, 32)
		if err != nil {
			result.addError("invalid point_id %q", idx.field(rec, "point_id"))
			continue
		}
		scale, _ := strconv.ParseFloat(orDefault(idx.field(rec, "scale"), "1"), 64)
		offset, _ := strconv.ParseFloat(orDefault(idx.field(rec, "offset"), "0"), 64)
		rows = append(rows, AnalogRow{
			PointID:     model.PointID(pointID),
			SignalName:  idx.field(rec, "signal_name"),
			ChineseName: idx.field(rec, "chinese_name"),
			Scale:       scale,
			Offset:      offset,
			Unit:        idx.field(rec, "unit"),
		})
	}
	return rows, result, nil
}

// BinaryRow is one parsed row of a binary point-table CSV.
type BinaryRow struct {
	PointID     model.PointID
	SignalName  string
	ChineseName string
	Reverse     bool
}

// ParseBinaryPoints parses a binary point-table CSV (reverse column
// instead of scale/offset/unit).
func ParseBinaryPoints(r io.Reader) ([]BinaryRow, ValidationResult, error) {
	header, reader, err := readHeader(r)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	result := validateHeader(header, BinaryHeader)
	if !result.Valid {
		return nil, result, nil
	}
	idx := indexHeader(header)

	var rows []BinaryRow
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, result, fmt.Errorf("csvimport: read binary row: %w", err)
		}
		pointID, err := strconv.ParseUint(idx.field(rec, "point_id"), 10, 32)
		if err != nil {
			result.addError("invalid point_id %q", idx.field(rec, "point_id"))
			continue
		}
		reverse := parseBool(idx.field(rec, "reverse"))
		rows = append(rows, BinaryRow{
			PointID:     model.PointID(pointID),
			SignalName:  idx.field(rec, "signal_name"),
			ChineseName: idx.field(rec, "chinese_name"),
			Reverse:     reverse,
		})
	}
	return rows, result, nil
}

// MappingRow is one parsed row of a channel's address mapping CSV —
// the row that carries protocol addressing (modbus register / CAN bit
// position / etc.) independent of the point's display metadata.
type MappingRow struct {
	PointID         model.PointID
	SignalName      string
	Address         string
	DataType        string
	DataFormat      string
	NumberOfBytes   int
	BitLocation     int
	Description     string
}

// ParseMapping parses a channel's address mapping CSV.
func ParseMapping(r io.Reader) ([]MappingRow, ValidationResult, error) {
	header, reader, err := readHeader(r)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	result := validateHeader(header, MappingHeader)
	if !result.Valid {
		return nil, result, nil
	}
	idx := indexHeader(header)

	var rows []MappingRow
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, result, fmt.Errorf("csvimport: read mapping row: %w", err)
		}
		pointID, err := strconv.ParseUint(idx.field(rec, "point_id"), 10, 32)
		if err != nil {
			result.addError("invalid point_id %q", idx.field(rec, "point_id"))
			continue
		}
		numBytes, _ := strconv.Atoi(orDefault(idx.field(rec, "number_of_bytes"), "0"))
		bitLoc, _ := strconv.Atoi(orDefault(idx.field(rec, "bit_location"), "0"))
		rows = append(rows, MappingRow{
			PointID:       model.PointID(pointID),
			SignalName:    idx.field(rec, "signal_name"),
			Address:       idx.field(rec, "address"),
			DataType:      idx.field(rec, "data_type"),
			DataFormat:    idx.field(rec, "data_format"),
			NumberOfBytes: numBytes,
			BitLocation:   bitLoc,
			Description:   idx.field(rec, "description"),
		})
	}
	return rows, result, nil
}

func readHeader(r io.Reader) ([]string, *csv.Reader, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("csvimport: read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return header, reader, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}
