package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	ColumnCategorical = "categorical"
	ColumnNumeric     = "numeric"
)

// ColumnSpec describes how one input field is encoded.
type ColumnSpec struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories,omitempty"`
}

// ColumnPreprocessor one-hot encodes categorical columns and passes numeric columns
// through. Unknown or missing categories encode to all zeros.
type ColumnPreprocessor struct {
	Columns []ColumnSpec `json:"columns"`

	offsets  []int
	catIndex []map[string]int
	width    int
}

// FitColumnPreprocessor learns category vocabularies from raw training rows, where
// rows[i][j] is the value of columns[j].
func FitColumnPreprocessor(names []string, kinds []string, rows [][]interface{}) (*ColumnPreprocessor, error) {
	if len(names) != len(kinds) {
		return nil, errors.New("names and kinds size mismatch")
	}
	specs := make([]ColumnSpec, len(names))
	for j, name := range names {
		specs[j] = ColumnSpec{Name: name, Kind: kinds[j]}
		if kinds[j] != ColumnCategorical {
			continue
		}
		seen := make(map[string]struct{})
		for _, row := range rows {
			if row[j] == nil {
				continue
			}
			seen[categoryKey(row[j])] = struct{}{}
		}
		cats := make([]string, 0, len(seen))
		for c := range seen {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		specs[j].Categories = cats
	}
	p := &ColumnPreprocessor{Columns: specs}
	if err := p.init(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ColumnPreprocessor) UnmarshalJSON(data []byte) error {
	type plain ColumnPreprocessor
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Columns = raw.Columns
	return p.init()
}

func (p *ColumnPreprocessor) init() error {
	p.offsets = make([]int, len(p.Columns))
	p.catIndex = make([]map[string]int, len(p.Columns))
	width := 0
	for j, col := range p.Columns {
		p.offsets[j] = width
		switch col.Kind {
		case ColumnCategorical:
			idx := make(map[string]int, len(col.Categories))
			for k, c := range col.Categories {
				idx[c] = k
			}
			p.catIndex[j] = idx
			width += len(col.Categories)
		case ColumnNumeric:
			width++
		default:
			return fmt.Errorf("column %s: unknown kind %q", col.Name, col.Kind)
		}
	}
	p.width = width
	return nil
}

// Transform encodes one raw row laid out in Columns order.
func (p *ColumnPreprocessor) Transform(row []interface{}) ([]float64, error) {
	if len(row) != len(p.Columns) {
		return nil, predictionError("expected %d values, got %d", len(p.Columns), len(row))
	}
	out := make([]float64, p.width)
	for j, col := range p.Columns {
		switch col.Kind {
		case ColumnCategorical:
			if row[j] == nil {
				continue
			}
			if k, ok := p.catIndex[j][categoryKey(row[j])]; ok {
				out[p.offsets[j]+k] = 1
			}
		case ColumnNumeric:
			v, err := toFloat(row[j])
			if err != nil {
				return nil, predictionError("column %s: %v", col.Name, err)
			}
			out[p.offsets[j]] = v
		}
	}
	return out, nil
}

func categoryKey(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v interface{}) (float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, errors.New("missing value")
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("value is not finite")
	}
	return f, nil
}
