package ml

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const (
	MetricCosine    = "cosine"
	MetricEuclidean = "euclidean"
)

// Neighbor is one row returned by a k-NN query.
type Neighbor struct {
	Index    int
	Distance float64
}

// NearestNeighbors answers brute-force k-NN queries over a fixed set of rows.
type NearestNeighbors struct {
	metric string
	rows   [][]float64
	norms  []float64
}

func NewNearestNeighbors(metric string, rows [][]float64) (*NearestNeighbors, error) {
	if metric == "" {
		metric = MetricCosine
	}
	if metric != MetricCosine && metric != MetricEuclidean {
		return nil, fmt.Errorf("unsupported metric %q", metric)
	}
	if len(rows) == 0 {
		return nil, errors.New("no rows to fit")
	}
	width := len(rows[0])
	norms := make([]float64, len(rows))
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), width)
		}
		norms[i] = l2Norm(row)
	}
	return &NearestNeighbors{metric: metric, rows: rows, norms: norms}, nil
}

func (nn *NearestNeighbors) Len() int {
	return len(nn.rows)
}

// Kneighbors returns the k closest rows to query, nearest first. Equal distances
// are ordered by row index.
func (nn *NearestNeighbors) Kneighbors(query []float64, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, errors.New("k must be positive")
	}
	if len(query) != len(nn.rows[0]) {
		return nil, fmt.Errorf("query has %d columns, expected %d", len(query), len(nn.rows[0]))
	}

	queryNorm := l2Norm(query)
	all := make([]Neighbor, len(nn.rows))
	for i, row := range nn.rows {
		all[i] = Neighbor{Index: i, Distance: nn.distance(query, queryNorm, row, nn.norms[i])}
	}
	sort.SliceStable(all, func(a, b int) bool {
		if all[a].Distance == all[b].Distance {
			return all[a].Index < all[b].Index
		}
		return all[a].Distance < all[b].Distance
	})
	if k > len(all) {
		k = len(all)
	}
	return all[:k], nil
}

func (nn *NearestNeighbors) distance(a []float64, normA float64, b []float64, normB float64) float64 {
	switch nn.metric {
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return math.Sqrt(sum)
	default:
		// zero vectors have no direction; treat them as orthogonal to everything
		if normA == 0 || normB == 0 {
			return 1
		}
		var dot float64
		for i := range a {
			dot += a[i] * b[i]
		}
		d := 1 - dot/(normA*normB)
		if d < 0 {
			d = 0
		}
		return d
	}
}

func l2Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
