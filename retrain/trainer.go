// Package retrain rebuilds the model artifacts from the CSV datasets and deploys them.
package retrain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"voyage/config"
	"voyage/ml"
	"voyage/pipeline"
)

const (
	genderNGram = 3
	genderAlpha = 1.0
)

// ErrNoTrainingData means a dataset was empty after cleaning.
var ErrNoTrainingData = errors.New("no training data")

// Params 训练参数
type Params struct {
	Forest    ml.ForestParams
	TestRatio float64
	Metric    string
}

// ParamsFromConfig maps the retrain section of the config file.
func ParamsFromConfig(c config.RetrainConfig) Params {
	return Params{
		Forest: ml.ForestParams{
			NEstimators: c.NEstimators,
			Tree:        ml.TreeParams{MaxDepth: c.MaxDepth, MinLeafSize: c.MinLeafSize},
			Seed:        c.Seed,
			Workers:     4,
		},
		TestRatio: c.TestRatio,
		Metric:    ml.MetricCosine,
	}
}

// Result holds every rebuilt artifact. Gender is nil when no users dataset exists.
type Result struct {
	PriceMetadata *ml.ModelMetadata
	PriceModel    *ml.PriceModelArtifact
	Metrics       ml.RegressionMetrics
	Gender        *ml.GenderClassifier
	Recommender   *ml.RecommenderBundle
	Ingestion     pipeline.IngestionStats
}

// Trainer 模型训练器
type Trainer struct {
	ingester *pipeline.DataIngester
	store    pipeline.DatasetStore
	params   Params
	logger   *zap.Logger
}

// NewTrainer creates a trainer over the dataset files. When store is not nil the
// cleaned dataset is also written there so the dashboard sees the same data.
func NewTrainer(paths config.DatasetConfig, store pipeline.DatasetStore, params Params, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		ingester: pipeline.NewDataIngester(paths, nil, logger),
		store:    store,
		params:   params,
		logger:   logger,
	}
}

// Train loads and cleans the datasets and fits all three models.
func (t *Trainer) Train(ctx context.Context) (*Result, error) {
	ds, stats, err := t.ingester.Load()
	if err != nil {
		return nil, err
	}
	if t.store != nil {
		if err := t.store.ReplaceDataset(ctx, ds); err != nil {
			return nil, fmt.Errorf("store dataset: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Ingestion: stats}

	start := time.Now()
	res.PriceMetadata, res.PriceModel, res.Metrics, err = t.TrainPriceModel(ds.Flights)
	if err != nil {
		return nil, fmt.Errorf("train price model: %w", err)
	}
	t.logger.Info("flight price model trained",
		zap.Int("train_rows", res.Metrics.TrainRows),
		zap.Int("test_rows", res.Metrics.TestRows),
		zap.Float64("mae", res.Metrics.MAE),
		zap.Float64("rmse", res.Metrics.RMSE),
		zap.Float64("r2", res.Metrics.R2),
		zap.Duration("elapsed", time.Since(start)))
	if err := verifyPriceModel(ctx, res.PriceMetadata, res.PriceModel, ds.Flights[0]); err != nil {
		return nil, err
	}

	if len(ds.Users) > 0 {
		res.Gender, err = t.TrainGender(ds.Users)
		if err != nil {
			return nil, fmt.Errorf("train gender model: %w", err)
		}
	} else {
		t.logger.Warn("no users dataset, keeping the deployed gender model")
	}

	res.Recommender, err = t.BuildRecommender(ds.Hotels)
	if err != nil {
		return nil, fmt.Errorf("build recommender: %w", err)
	}
	return res, nil
}

// verifyPriceModel scores a known flight through the same field map a /predict
// request carries, so an artifact the server cannot use is never published.
func verifyPriceModel(ctx context.Context, meta *ml.ModelMetadata, artifact *ml.PriceModelArtifact, sample pipeline.FlightRecord) error {
	model, err := ml.NewFlightPriceModel(meta, artifact)
	if err != nil {
		return fmt.Errorf("price model unusable: %w", err)
	}
	if _, err := model.PredictPrice(ctx, sample.FeatureMap()); err != nil {
		return fmt.Errorf("price model rejected a training row: %w", err)
	}
	return nil
}

// PriceTrainingSet turns cleaned flights into the model's tabular input.
func PriceTrainingSet(flights []pipeline.FlightRecord) *ml.PriceTrainingSet {
	set := &ml.PriceTrainingSet{
		Names:   pipeline.PriceFeatureNames,
		Kinds:   pipeline.PriceFeatureKinds,
		Rows:    make([][]interface{}, 0, len(flights)),
		Targets: make([]float64, 0, len(flights)),
		Target:  "price",
	}
	for _, f := range flights {
		set.Rows = append(set.Rows, f.Features())
		set.Targets = append(set.Targets, f.Price)
	}
	return set
}

// TrainPriceModel fits the price regression with a hold-out evaluation.
func (t *Trainer) TrainPriceModel(flights []pipeline.FlightRecord) (*ml.ModelMetadata, *ml.PriceModelArtifact, ml.RegressionMetrics, error) {
	if len(flights) == 0 {
		return nil, nil, ml.RegressionMetrics{}, fmt.Errorf("flights: %w", ErrNoTrainingData)
	}
	return ml.TrainPriceModel(PriceTrainingSet(flights), ml.PriceTrainingParams{
		Forest:    t.params.Forest,
		TestRatio: t.params.TestRatio,
	})
}

// TrainGender fits the name classifier on the users dataset.
func (t *Trainer) TrainGender(users []pipeline.UserRecord) (*ml.GenderClassifier, error) {
	names := make([]string, 0, len(users))
	labels := make([]string, 0, len(users))
	for _, u := range users {
		if u.Name == "" || u.Gender == "" {
			continue
		}
		names = append(names, u.Name)
		labels = append(labels, u.Gender)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("users: %w", ErrNoTrainingData)
	}
	return ml.TrainGenderClassifier(names, labels, genderNGram, genderAlpha)
}

// BuildRecommender builds the interaction matrix from hotel bookings. Bookings
// without a user code cannot be attributed and are skipped.
func (t *Trainer) BuildRecommender(hotels []pipeline.HotelRecord) (*ml.RecommenderBundle, error) {
	users := make([]string, 0, len(hotels))
	names := make([]string, 0, len(hotels))
	for _, h := range hotels {
		if h.UserCode == "" || h.Name == "" {
			continue
		}
		users = append(users, h.UserCode)
		names = append(names, h.Name)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("hotel bookings: %w", ErrNoTrainingData)
	}
	return ml.BuildRecommenderBundle(users, names, t.params.Metric)
}
