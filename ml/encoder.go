package ml

import (
	"errors"
	"fmt"
	"sort"
)

// LabelEncoder maps raw identifiers to dense zero-based indices and back.
// Classes are kept sorted, so index order is stable across refits of the same data.
type LabelEncoder struct {
	Classes []string `json:"classes"`
	index   map[string]int
}

// FitLabelEncoder builds an encoder over the distinct values.
func FitLabelEncoder(values []string) *LabelEncoder {
	seen := make(map[string]struct{}, len(values))
	classes := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		classes = append(classes, v)
	}
	sort.Strings(classes)
	enc := &LabelEncoder{Classes: classes}
	enc.buildIndex()
	return enc
}

// NewLabelEncoder wraps already-ordered classes, as read from an artifact.
func NewLabelEncoder(classes []string) (*LabelEncoder, error) {
	enc := &LabelEncoder{Classes: append([]string(nil), classes...)}
	enc.buildIndex()
	if len(enc.index) != len(enc.Classes) {
		return nil, errors.New("encoder classes contain duplicates")
	}
	return enc, nil
}

func (e *LabelEncoder) buildIndex() {
	e.index = make(map[string]int, len(e.Classes))
	for i, c := range e.Classes {
		e.index[c] = i
	}
}

// Transform returns the index for raw, or false if raw was never seen at fit time.
func (e *LabelEncoder) Transform(raw string) (int, bool) {
	idx, ok := e.index[raw]
	return idx, ok
}

func (e *LabelEncoder) Inverse(idx int) (string, error) {
	if idx < 0 || idx >= len(e.Classes) {
		return "", fmt.Errorf("index %d out of range [0,%d)", idx, len(e.Classes))
	}
	return e.Classes[idx], nil
}

func (e *LabelEncoder) Len() int {
	return len(e.Classes)
}
