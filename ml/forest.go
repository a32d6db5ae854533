package ml

import (
	"errors"
	"math"
	"math/rand"
	"sync"
)

type ForestParams struct {
	NEstimators int
	Tree        TreeParams
	Seed        int64
	// Workers bounds concurrent tree fitting; 0 means one tree at a time.
	Workers int
}

// RandomForest averages bagged regression trees.
type RandomForest struct {
	Trees []RegressionTree `json:"trees"`
}

func (rf *RandomForest) Train(features [][]float64, targets []float64, params ForestParams) error {
	if len(features) == 0 {
		return errors.New("features empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	if params.NEstimators <= 0 {
		params.NEstimators = 100
	}
	if params.Tree.MaxFeatures == 0 {
		// one third of the columns, the usual choice for regression forests
		params.Tree.MaxFeatures = int(math.Max(1, float64(len(features[0]))/3))
	}
	workers := params.Workers
	if workers <= 0 {
		workers = 1
	}

	// draw every tree's seed up front so results do not depend on scheduling
	master := rand.New(rand.NewSource(params.Seed))
	seeds := make([]int64, params.NEstimators)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	trees := make([]RegressionTree, params.NEstimators)
	errs := make([]error, params.NEstimators)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range trees {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			rnd := rand.New(rand.NewSource(seeds[i]))
			sampleX, sampleY := bootstrap(features, targets, rnd)
			errs[i] = trees[i].Train(sampleX, sampleY, params.Tree, rnd)
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	rf.Trees = trees
	return nil
}

func (rf *RandomForest) Predict(features []float64) (float64, error) {
	if len(rf.Trees) == 0 {
		return 0, errors.New("model not trained")
	}
	var sum float64
	for i := range rf.Trees {
		v, err := rf.Trees[i].Predict(features)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(len(rf.Trees)), nil
}

func bootstrap(features [][]float64, targets []float64, rnd *rand.Rand) ([][]float64, []float64) {
	n := len(features)
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		j := rnd.Intn(n)
		x[i] = features[j]
		y[i] = targets[j]
	}
	return x, y
}
