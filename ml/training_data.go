package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// PriceTrainingSet is a raw tabular dataset: Rows[i][j] is the value of Names[j].
type PriceTrainingSet struct {
	Names   []string
	Kinds   []string
	Rows    [][]interface{}
	Targets []float64
	Target  string
}

type PriceTrainingParams struct {
	Forest    ForestParams
	TestRatio float64
}

// RegressionMetrics are hold-out scores of a fitted price model.
type RegressionMetrics struct {
	MAE       float64 `json:"mae"`
	RMSE      float64 `json:"rmse"`
	R2        float64 `json:"r2"`
	TrainRows int     `json:"train_rows"`
	TestRows  int     `json:"test_rows"`
}

// TrainPriceModel fits the preprocessor on the training split only, trains the
// forest, scores it on the test split, and returns artifacts ready to persist.
func TrainPriceModel(set *PriceTrainingSet, params PriceTrainingParams) (*ModelMetadata, *PriceModelArtifact, RegressionMetrics, error) {
	var metrics RegressionMetrics
	if set == nil || len(set.Rows) == 0 {
		return nil, nil, metrics, errors.New("training set is empty")
	}
	if len(set.Rows) != len(set.Targets) {
		return nil, nil, metrics, errors.New("rows and targets size mismatch")
	}

	trainIdx, testIdx := SplitIndices(len(set.Rows), params.TestRatio, params.Forest.Seed)
	trainRows := pick(set.Rows, trainIdx)
	trainY := pickFloats(set.Targets, trainIdx)

	preprocessor, err := FitColumnPreprocessor(set.Names, set.Kinds, trainRows)
	if err != nil {
		return nil, nil, metrics, err
	}
	trainX, err := encodeRows(preprocessor, trainRows)
	if err != nil {
		return nil, nil, metrics, err
	}

	forest := &RandomForest{}
	if err := forest.Train(trainX, trainY, params.Forest); err != nil {
		return nil, nil, metrics, err
	}

	metrics.TrainRows = len(trainIdx)
	metrics.TestRows = len(testIdx)
	if len(testIdx) > 0 {
		testX, err := encodeRows(preprocessor, pick(set.Rows, testIdx))
		if err != nil {
			return nil, nil, metrics, err
		}
		predicted := make([]float64, len(testX))
		for i, x := range testX {
			if predicted[i], err = forest.Predict(x); err != nil {
				return nil, nil, metrics, err
			}
		}
		scored := EvaluateRegression(pickFloats(set.Targets, testIdx), predicted)
		metrics.MAE, metrics.RMSE, metrics.R2 = scored.MAE, scored.RMSE, scored.R2
	}

	meta := &ModelMetadata{
		Columns:   append([]string(nil), set.Names...),
		Target:    set.Target,
		TrainedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return meta, &PriceModelArtifact{Preprocessor: preprocessor, Forest: forest}, metrics, nil
}

// SplitIndices shuffles 0..n-1 with seed and cuts off a test share.
func SplitIndices(n int, testRatio float64, seed int64) (train, test []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(n)

	split := int(math.Round(float64(n) * (1 - testRatio)))
	if split < 1 {
		split = n
	}
	return indices[:split], indices[split:]
}

func EvaluateRegression(actual, predicted []float64) RegressionMetrics {
	var m RegressionMetrics
	if len(actual) == 0 || len(actual) != len(predicted) {
		return m
	}
	meanActual := mean(actual)
	var absSum, sqSum, totSum float64
	for i := range actual {
		d := predicted[i] - actual[i]
		absSum += math.Abs(d)
		sqSum += d * d
		t := actual[i] - meanActual
		totSum += t * t
	}
	n := float64(len(actual))
	m.MAE = absSum / n
	m.RMSE = math.Sqrt(sqSum / n)
	if totSum > 0 {
		m.R2 = 1 - sqSum/totSum
	}
	return m
}

// BuildRecommenderBundle turns (user, hotel) booking pairs into an interaction matrix
// with matching encoders.
func BuildRecommenderBundle(userCodes, hotelNames []string, metric string) (*RecommenderBundle, error) {
	if len(userCodes) != len(hotelNames) {
		return nil, errors.New("users and hotels size mismatch")
	}
	users := FitLabelEncoder(userCodes)
	hotels := FitLabelEncoder(hotelNames)
	if users.Len() < 2 {
		return nil, fmt.Errorf("need at least 2 users, got %d: %w", users.Len(), ErrInsufficientNeighbors)
	}

	matrix := make([][]float64, users.Len())
	for i := range matrix {
		matrix[i] = make([]float64, hotels.Len())
	}
	for i := range userCodes {
		u, _ := users.Transform(userCodes[i])
		h, _ := hotels.Transform(hotelNames[i])
		matrix[u][h]++
	}
	if metric == "" {
		metric = MetricCosine
	}
	return &RecommenderBundle{
		Metric:            metric,
		NNeighbors:        RecommendNeighbors,
		UserEncoder:       users.Classes,
		HotelEncoder:      hotels.Classes,
		InteractionMatrix: matrix,
	}, nil
}

func encodeRows(p *ColumnPreprocessor, rows [][]interface{}) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		v, err := p.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func pick(rows [][]interface{}, idx []int) [][]interface{} {
	out := make([][]interface{}, len(idx))
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

func pickFloats(values []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}
