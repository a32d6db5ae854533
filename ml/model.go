package ml

import "context"

// PricePredictor scores a loosely-typed flight field map.
type PricePredictor interface {
	PredictPrice(ctx context.Context, fields map[string]interface{}) (float64, error)
}

// GenderPredictor labels a single name.
type GenderPredictor interface {
	PredictGender(ctx context.Context, name string) (string, error)
}

// HotelRecommender resolves a raw user code into hotel recommendations.
type HotelRecommender interface {
	Recommend(ctx context.Context, userCode string) (*Recommendation, error)
}

// Regressor is a fitted model over dense numeric rows.
type Regressor interface {
	Predict(row []float64) (float64, error)
}
