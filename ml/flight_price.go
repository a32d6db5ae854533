package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ModelMetadata is persisted next to the price model. Columns is the exact field
// order the model was trained on.
type ModelMetadata struct {
	Columns   []string `json:"columns"`
	Target    string   `json:"target,omitempty"`
	TrainedAt string   `json:"trained_at,omitempty"`
}

// PriceModelArtifact is the serialized regression pipeline.
type PriceModelArtifact struct {
	Preprocessor *ColumnPreprocessor `json:"preprocessor"`
	Forest       *RandomForest       `json:"forest"`
}

// FlightPriceModel rebuilds the training-time row from an arbitrary field map and
// scores it.
type FlightPriceModel struct {
	columns      []string
	preprocessor *ColumnPreprocessor
	specIndex    []int
	model        Regressor
}

func NewFlightPriceModel(meta *ModelMetadata, artifact *PriceModelArtifact) (*FlightPriceModel, error) {
	if meta == nil || len(meta.Columns) == 0 {
		return nil, errors.New("metadata has no columns")
	}
	if artifact == nil || artifact.Preprocessor == nil || artifact.Forest == nil {
		return nil, errors.New("incomplete price model artifact")
	}
	if len(artifact.Forest.Trees) == 0 {
		return nil, errors.New("price model has no trees")
	}

	byName := make(map[string]int, len(artifact.Preprocessor.Columns))
	for i, c := range artifact.Preprocessor.Columns {
		byName[c.Name] = i
	}
	specIndex := make([]int, len(artifact.Preprocessor.Columns))
	seen := make(map[string]bool, len(meta.Columns))
	for i, name := range meta.Columns {
		if seen[name] {
			return nil, fmt.Errorf("duplicate metadata column %q", name)
		}
		seen[name] = true
		j, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("metadata column %q unknown to the preprocessor", name)
		}
		specIndex[j] = i
	}
	if len(meta.Columns) != len(artifact.Preprocessor.Columns) {
		return nil, fmt.Errorf("metadata lists %d columns, preprocessor expects %d", len(meta.Columns), len(artifact.Preprocessor.Columns))
	}

	return &FlightPriceModel{
		columns:      append([]string(nil), meta.Columns...),
		preprocessor: artifact.Preprocessor,
		specIndex:    specIndex,
		model:        artifact.Forest,
	}, nil
}

// LoadFlightPriceModel reads the model and metadata files written by the trainer.
func LoadFlightPriceModel(modelPath, metadataPath string) (*FlightPriceModel, error) {
	var meta ModelMetadata
	if err := readJSON(metadataPath, &meta); err != nil {
		return nil, err
	}
	var artifact PriceModelArtifact
	if err := readJSON(modelPath, &artifact); err != nil {
		return nil, err
	}
	return NewFlightPriceModel(&meta, &artifact)
}

// Columns returns the expected field order.
func (m *FlightPriceModel) Columns() []string {
	return append([]string(nil), m.columns...)
}

// PredictPrice never rejects missing or extra fields: extra keys are dropped and
// absent keys are forwarded as nil, leaving the model to accept or fail on them.
// The result is passed through unclamped.
func (m *FlightPriceModel) PredictPrice(ctx context.Context, fields map[string]interface{}) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	row := make([]interface{}, len(m.columns))
	for i, name := range m.columns {
		row[i] = fields[name]
	}

	// the preprocessor may list its columns in a different order than the metadata
	ordered := make([]interface{}, len(row))
	for j := range ordered {
		ordered[j] = row[m.specIndex[j]]
	}

	vector, err := m.preprocessor.Transform(ordered)
	if err != nil {
		return 0, err
	}
	price, err := m.model.Predict(vector)
	if err != nil {
		return 0, predictionError("%v", err)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, predictionError("model produced a non-finite value")
	}
	return price, nil
}

func readJSON(path string, v interface{}) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
