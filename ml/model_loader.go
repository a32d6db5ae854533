package ml

import (
	"context"

	"go.uber.org/zap"
)

// ArtifactPaths lists the files read at startup.
type ArtifactPaths struct {
	PriceModel    string
	PriceMetadata string
	GenderModel   string
	Recommender   string
}

// Artifacts is the read-only model context shared by every request. A nil field
// means that feature failed to load and is unavailable for the process lifetime.
type Artifacts struct {
	price       PricePredictor
	gender      GenderPredictor
	recommender HotelRecommender
}

// LoadArtifacts loads every artifact independently. A missing or broken file only
// disables its own feature; LoadArtifacts itself never fails.
func LoadArtifacts(paths ArtifactPaths, recommenderCacheSize int, log *zap.Logger) *Artifacts {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Artifacts{}

	if price, err := LoadFlightPriceModel(paths.PriceModel, paths.PriceMetadata); err != nil {
		log.Warn("flight price model unavailable", zap.String("path", paths.PriceModel), zap.Error(err))
	} else {
		a.price = price
		log.Info("flight price model loaded", zap.Strings("columns", price.Columns()))
	}

	if gender, err := LoadGenderClassifier(paths.GenderModel); err != nil {
		log.Warn("gender model unavailable", zap.String("path", paths.GenderModel), zap.Error(err))
	} else {
		a.gender = gender
		log.Info("gender model loaded", zap.Strings("labels", gender.Labels))
	}

	if rec, err := LoadRecommender(paths.Recommender, recommenderCacheSize); err != nil {
		log.Warn("recommender unavailable", zap.String("path", paths.Recommender), zap.Error(err))
	} else {
		a.recommender = rec
		log.Info("recommender loaded", zap.Int("users", rec.Users()), zap.Int("hotels", rec.Hotels()))
	}

	return a
}

// Status reports which features loaded.
func (a *Artifacts) Status() map[string]bool {
	return map[string]bool{
		"flight_price": a.price != nil,
		"gender":       a.gender != nil,
		"recommender":  a.recommender != nil,
	}
}

func (a *Artifacts) PredictPrice(ctx context.Context, fields map[string]interface{}) (float64, error) {
	if a.price == nil {
		return 0, ErrModelUnavailable
	}
	return a.price.PredictPrice(ctx, fields)
}

func (a *Artifacts) PredictGender(ctx context.Context, name string) (string, error) {
	if a.gender == nil {
		return "", ErrModelUnavailable
	}
	return a.gender.PredictGender(ctx, name)
}

func (a *Artifacts) Recommend(ctx context.Context, userCode string) (*Recommendation, error) {
	if a.recommender == nil {
		return nil, ErrModelUnavailable
	}
	return a.recommender.Recommend(ctx, userCode)
}
