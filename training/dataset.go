// Package training builds model artifacts offline from labelled CSV data.
package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
)

// Dataset is a labelled feature matrix. Column j of every row is Features[j].
type Dataset struct {
	Features []string
	X        [][]float64
	Y        []int
}

func (d *Dataset) Len() int { return len(d.Y) }

// missingTokens are cells read as a missing value.
var missingTokens = map[string]bool{"": true, "?": true, "na": true, "nan": true, "null": true}

// LoadCSV reads a CSV with a header row. target names the 0/1 label column;
// features selects and orders the feature columns, or every other column
// when empty. Missing cells become NaN for Impute to fill.
func LoadCSV(r io.Reader, target string, features []string) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}

	targetIdx, ok := index[target]
	if !ok {
		return nil, fmt.Errorf("target column %q not found", target)
	}
	if len(features) == 0 {
		for _, name := range header {
			name = strings.TrimSpace(name)
			if name != target {
				features = append(features, name)
			}
		}
	}
	columns := make([]int, len(features))
	for i, name := range features {
		idx, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("feature column %q not found", name)
		}
		columns[i] = idx
	}

	ds := &Dataset{Features: append([]string(nil), features...)}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		label, err := parseLabel(record[targetIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := make([]float64, len(columns))
		for j, col := range columns {
			row[j], err = parseCell(record[col])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, features[j], err)
			}
		}
		ds.X = append(ds.X, row)
		ds.Y = append(ds.Y, label)
	}
	if ds.Len() == 0 {
		return nil, errors.New("dataset has no rows")
	}
	return ds, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if missingTokens[strings.ToLower(s)] {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseLabel(s string) (int, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("label %q: %w", s, err)
	}
	switch v {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	}
	return 0, fmt.Errorf("label %q is not 0 or 1", s)
}

// Impute replaces missing values with the column median of the observed
// values. Columns named in zeroInvalid also treat 0 as missing, for
// physiological measurements where 0 means "not recorded".
func (d *Dataset) Impute(zeroInvalid []string) error {
	invalidZero := make(map[int]bool, len(zeroInvalid))
	for _, name := range zeroInvalid {
		for j, f := range d.Features {
			if f == name {
				invalidZero[j] = true
			}
		}
	}

	for j, name := range d.Features {
		isMissing := func(v float64) bool {
			return math.IsNaN(v) || (invalidZero[j] && v == 0)
		}
		var observed []float64
		for _, row := range d.X {
			if !isMissing(row[j]) {
				observed = append(observed, row[j])
			}
		}
		if len(observed) == 0 {
			return fmt.Errorf("column %s has no observed values", name)
		}
		fill := median(observed)
		for _, row := range d.X {
			if isMissing(row[j]) {
				row[j] = fill
			}
		}
	}
	return nil
}

// Split shuffles each class with seed and holds out testRatio of it, so
// both halves keep the class balance and the split is reproducible.
func Split(d *Dataset, testRatio float64, seed int64) (train, test *Dataset) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))

	train = &Dataset{Features: d.Features}
	test = &Dataset{Features: d.Features}
	for _, class := range []int{0, 1} {
		var idx []int
		for i, y := range d.Y {
			if y == class {
				idx = append(idx, i)
			}
		}
		rnd.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		held := int(math.Round(float64(len(idx)) * testRatio))
		for k, i := range idx {
			target := train
			if k < held {
				target = test
			}
			target.X = append(target.X, d.X[i])
			target.Y = append(target.Y, d.Y[i])
		}
	}
	return train, test
}

// Means returns the per-column mean, used as the linear explainer baseline.
func (d *Dataset) Means() []float64 {
	means := make([]float64, len(d.Features))
	if d.Len() == 0 {
		return means
	}
	for _, row := range d.X {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(d.Len())
	}
	return means
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
