package ml

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestColumnPreprocessorTransform(t *testing.T) {
	rows := [][]interface{}{
		{"Recife (PE)", "economic", 1.2},
		{"Natal (RN)", "premium", 2.0},
		{"Recife (PE)", "firstClass", 0.5},
	}
	p, err := FitColumnPreprocessor(
		[]string{"from", "flightType", "time"},
		[]string{ColumnCategorical, ColumnCategorical, ColumnNumeric},
		rows,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.width != 2+3+1 {
		t.Fatalf("unexpected width %d", p.width)
	}

	got, err := p.Transform([]interface{}{"Recife (PE)", "premium", json.Number("1.5")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// categories are sorted: Natal, Recife | economic, firstClass, premium | time
	want := []float64{0, 1, 0, 0, 1, 1.5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestColumnPreprocessorUnknownAndMissing(t *testing.T) {
	p, err := FitColumnPreprocessor([]string{"agency", "distance"}, []string{ColumnCategorical, ColumnNumeric},
		[][]interface{}{{"Rainbow", 500.0}, {"CloudFy", 700.0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := p.Transform([]interface{}{"Nonexistent Air", "650"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != 0 || got[1] != 0 || got[2] != 650 {
		t.Fatalf("unknown category should be all zeros: %v", got)
	}

	if _, err := p.Transform([]interface{}{nil, 650.0}); err != nil {
		t.Fatalf("missing category should encode, got %v", err)
	}

	_, err = p.Transform([]interface{}{"Rainbow", nil})
	if !errors.Is(err, ErrPrediction) {
		t.Fatalf("missing numeric should be a prediction error, got %v", err)
	}
	_, err = p.Transform([]interface{}{"Rainbow", "far"})
	if !errors.Is(err, ErrPrediction) {
		t.Fatalf("non-numeric value should be a prediction error, got %v", err)
	}
}

func TestColumnPreprocessorJSON(t *testing.T) {
	payload := []byte(`{"columns":[{"name":"to","kind":"categorical","categories":["A","B"]},{"name":"day","kind":"numeric"}]}`)
	var p ColumnPreprocessor
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := p.Transform([]interface{}{"B", 3.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[1] != 1 || got[2] != 3 {
		t.Fatalf("unexpected encoding %v", got)
	}

	bad := []byte(`{"columns":[{"name":"x","kind":"ordinal"}]}`)
	if err := json.Unmarshal(bad, &p); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
