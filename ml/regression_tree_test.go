package ml

import (
	"math"
	"math/rand"
	"testing"
)

func TestRegressionTreeFitsStepFunction(t *testing.T) {
	features := [][]float64{
		{0.1, 5}, {0.2, 3}, {0.3, 9}, {0.4, 1},
		{0.6, 4}, {0.7, 8}, {0.8, 2}, {0.9, 7},
	}
	targets := []float64{100, 100, 100, 100, 300, 300, 300, 300}

	tree := &RegressionTree{}
	if err := tree.Train(features, targets, TreeParams{MaxDepth: 3}, rand.New(rand.NewSource(7))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	low, err := tree.Predict([]float64{0.15, 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	high, err := tree.Predict([]float64{0.85, 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if low != 100 || high != 300 {
		t.Fatalf("expected 100/300, got %v/%v", low, high)
	}
}

func TestRegressionTreeDeepChildOffsets(t *testing.T) {
	features := make([][]float64, 0, 16)
	targets := make([]float64, 0, 16)
	for i := 0; i < 16; i++ {
		features = append(features, []float64{float64(i)})
		targets = append(targets, float64(i/4)*10)
	}
	tree := &RegressionTree{}
	if err := tree.Train(features, targets, TreeParams{MaxDepth: 4}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, f := range features {
		got, err := tree.Predict(f)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != targets[i] {
			t.Fatalf("row %d: expected %v, got %v", i, targets[i], got)
		}
	}
}

func TestRegressionTreeUntrained(t *testing.T) {
	if _, err := (&RegressionTree{}).Predict([]float64{1}); err == nil {
		t.Fatal("expected error for untrained tree")
	}
}

func TestRandomForestIsDeterministic(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	features := make([][]float64, 200)
	targets := make([]float64, 200)
	for i := range features {
		a, b := rnd.Float64(), rnd.Float64()
		features[i] = []float64{a, b, rnd.Float64()}
		targets[i] = 500*a + 50*b
	}

	params := ForestParams{NEstimators: 10, Tree: TreeParams{MaxDepth: 6, MinLeafSize: 2}, Seed: 42, Workers: 4}
	first := &RandomForest{}
	if err := first.Train(features, targets, params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := &RandomForest{}
	if err := second.Train(features, targets, params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	probe := []float64{0.5, 0.5, 0.5}
	p1, err := first.Predict(probe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, _ := second.Predict(probe)
	if p1 != p2 {
		t.Fatalf("same seed produced different predictions: %v vs %v", p1, p2)
	}
	if math.IsNaN(p1) || math.IsInf(p1, 0) {
		t.Fatalf("prediction not finite: %v", p1)
	}
	if p1 < 100 || p1 > 450 {
		t.Fatalf("prediction %v far from expected ~275", p1)
	}
}
