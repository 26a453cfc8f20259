package locate

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Column names of the reference dataset.
const (
	ColumnEasting  = "Easting"
	ColumnNorthing = "Northing"
	ColumnSpecies  = "Species"
	ColumnDBH      = "DBH"
)

// Column names of an observation batch in CSV form.
const (
	ColumnOffsetX  = "offset_x"
	ColumnOffsetY  = "offset_y"
	ColumnCategory = "category"
	ColumnSize     = "size"
)

// missingTokens are cell values treated as absent, in addition to blank cells.
var missingTokens = map[string]bool{
	"na": true, "n/a": true, "nan": true, "null": true, "none": true, "#n/a": true,
}

// DatasetSummary describes what a dataset load kept and dropped.
type DatasetSummary struct {
	Rows    int // data rows read
	Kept    int
	Dropped int // rows missing one of the required columns
}

// ParseDatasetFile reads a reference tree CSV file.
func ParseDatasetFile(path string) ([]ReferencePoint, DatasetSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, DatasetSummary{}, fmt.Errorf("opening dataset: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseDataset(f)
}

// ParseDataset reads reference trees from CSV. Header names and cells are
// whitespace-trimmed; rows with a missing Easting, Northing, Species or DBH
// are dropped and counted. Unparseable numbers are reported as RecordError.
func ParseDataset(r io.Reader) ([]ReferencePoint, DatasetSummary, error) {
	var summary DatasetSummary

	rows, cols, err := readTable(r, ColumnEasting, ColumnNorthing, ColumnSpecies, ColumnDBH)
	if err != nil {
		return nil, summary, fmt.Errorf("reading dataset: %w", err)
	}

	records := make([]ReferencePoint, 0, len(rows))
	for i, row := range rows {
		summary.Rows++
		e, n, sp, dbh := cell(row, cols[0]), cell(row, cols[1]), cell(row, cols[2]), cell(row, cols[3])
		if isMissing(e) || isMissing(n) || isMissing(sp) || isMissing(dbh) {
			summary.Dropped++
			continue
		}

		east, err := strconv.ParseFloat(e, 64)
		if err != nil {
			return nil, summary, &RecordError{Row: i, Reason: fmt.Sprintf("Easting %q is not a number", e)}
		}
		north, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, summary, &RecordError{Row: i, Reason: fmt.Sprintf("Northing %q is not a number", n)}
		}
		size, err := strconv.ParseFloat(dbh, 64)
		if err != nil {
			return nil, summary, &RecordError{Row: i, Reason: fmt.Sprintf("DBH %q is not a number", dbh)}
		}

		records = append(records, ReferencePoint{
			Position: orb.Point{east, north},
			Category: sp,
			Size:     size,
		})
	}
	summary.Kept = len(records)

	return records, summary, nil
}

// ParseObservations reads an observation batch from CSV with columns
// offset_x, offset_y, category, size. Incomplete rows are rejected, not
// dropped: a batch is a deliberate measurement set.
func ParseObservations(r io.Reader) ([]Observation, error) {
	rows, cols, err := readTable(r, ColumnOffsetX, ColumnOffsetY, ColumnCategory, ColumnSize)
	if err != nil {
		return nil, fmt.Errorf("reading observations: %w", err)
	}

	observations := make([]Observation, 0, len(rows))
	for i, row := range rows {
		var values [3]float64
		for j, col := range []int{cols[0], cols[1], cols[3]} {
			raw := cell(row, col)
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &ObservationError{Index: i, Reason: fmt.Sprintf("%q is not a number", raw)}
			}
			values[j] = v
		}
		observations = append(observations, Observation{
			Offset:   orb.Point{values[0], values[1]},
			Category: cell(row, cols[2]),
			Size:     values[2],
		})
	}

	if err := ValidateObservations(observations); err != nil {
		return nil, err
	}
	return observations, nil
}

// ParseObservationsFile reads a batch from a .csv or .json file.
func ParseObservationsFile(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening observations: %w", err)
	}
	defer func() { _ = f.Close() }()

	if strings.EqualFold(fileExt(path), ".json") {
		return ParseBatch(f)
	}

	obs, err := ParseObservations(f)
	if err != nil {
		return nil, err
	}
	return &Batch{Observations: obs}, nil
}

// ParseBatch decodes a JSON observation batch.
func ParseBatch(r io.Reader) (*Batch, error) {
	var b Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("parsing batch JSON: %w", err)
	}
	for i := range b.Observations {
		b.Observations[i].Category = strings.TrimSpace(b.Observations[i].Category)
	}
	if err := ValidateObservations(b.Observations); err != nil {
		return nil, err
	}
	return &b, nil
}

// readTable reads a CSV with a header row and returns the data rows plus the
// column positions of the wanted names.
func readTable(r io.Reader, wanted ...string) ([][]string, []int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("missing header row")
		}
		return nil, nil, err
	}

	positions := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		positions[strings.ToLower(name)] = i
	}

	cols := make([]int, len(wanted))
	for i, name := range wanted {
		pos, ok := positions[strings.ToLower(name)]
		if !ok {
			return nil, nil, fmt.Errorf("missing column %q", name)
		}
		cols[i] = pos
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return rows, cols, nil
}

func cell(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

func isMissing(v string) bool {
	return v == "" || missingTokens[strings.ToLower(v)]
}

func fileExt(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}
