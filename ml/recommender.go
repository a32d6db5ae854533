package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// RecommendNeighbors is the k passed to the neighbor model; rank 0 is the user itself.
	RecommendNeighbors = 3
	// MaxRecommendations caps the returned hotel list.
	MaxRecommendations = 5
)

// RecommenderBundle is the on-disk form of the recommendation artifacts. The encoders
// and the matrix are index-aligned and only ever versioned together.
type RecommenderBundle struct {
	Metric            string      `json:"metric"`
	NNeighbors        int         `json:"n_neighbors"`
	UserEncoder       []string    `json:"user_encoder"`
	HotelEncoder      []string    `json:"hotel_encoder"`
	InteractionMatrix [][]float64 `json:"interaction_matrix"`
}

type Recommendation struct {
	UserCode         string   `json:"user_code"`
	SimilarToUserIdx int      `json:"similar_to_user_idx"`
	Recommendations  []string `json:"recommendations"`
}

// Recommender is user-based collaborative filtering over the interaction matrix.
type Recommender struct {
	users     *LabelEncoder
	hotels    *LabelEncoder
	matrix    [][]float64
	neighbors *NearestNeighbors
	cache     *lru.Cache[int, *Recommendation]
}

func NewRecommender(bundle *RecommenderBundle, cacheSize int) (*Recommender, error) {
	if bundle == nil {
		return nil, errors.New("nil bundle")
	}
	users, err := NewLabelEncoder(bundle.UserEncoder)
	if err != nil {
		return nil, fmt.Errorf("user encoder: %w", err)
	}
	hotels, err := NewLabelEncoder(bundle.HotelEncoder)
	if err != nil {
		return nil, fmt.Errorf("hotel encoder: %w", err)
	}
	if len(bundle.InteractionMatrix) != users.Len() {
		return nil, fmt.Errorf("matrix has %d rows but user encoder has %d classes", len(bundle.InteractionMatrix), users.Len())
	}
	if len(bundle.InteractionMatrix) < 2 {
		return nil, ErrInsufficientNeighbors
	}
	for i, row := range bundle.InteractionMatrix {
		if len(row) != hotels.Len() {
			return nil, fmt.Errorf("matrix row %d has %d columns but hotel encoder has %d classes", i, len(row), hotels.Len())
		}
		for j, v := range row {
			if v < 0 {
				return nil, fmt.Errorf("negative interaction count at (%d,%d)", i, j)
			}
		}
	}
	neighbors, err := NewNearestNeighbors(bundle.Metric, bundle.InteractionMatrix)
	if err != nil {
		return nil, err
	}

	r := &Recommender{
		users:     users,
		hotels:    hotels,
		matrix:    bundle.InteractionMatrix,
		neighbors: neighbors,
	}
	if cacheSize > 0 {
		r.cache, err = lru.New[int, *Recommendation](cacheSize)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadRecommender reads a bundle file and builds the recommender from it.
func LoadRecommender(path string, cacheSize int) (*Recommender, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bundle RecommenderBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return NewRecommender(&bundle, cacheSize)
}

// Recommend returns up to MaxRecommendations hotels booked by the user most similar
// to userCode. An unknown user yields ErrUnknownUser.
func (r *Recommender) Recommend(ctx context.Context, userCode string) (*Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx, ok := r.users.Transform(userCode)
	if !ok {
		return nil, ErrUnknownUser
	}
	if r.cache != nil {
		if cached, ok := r.cache.Get(idx); ok {
			return cached, nil
		}
	}

	similar, err := r.similarUser(idx)
	if err != nil {
		return nil, err
	}

	hotels := make([]string, 0, MaxRecommendations)
	for col, count := range r.matrix[similar] {
		if count <= 0 {
			continue
		}
		name, err := r.hotels.Inverse(col)
		if err != nil {
			return nil, err
		}
		hotels = append(hotels, name)
		if len(hotels) == MaxRecommendations {
			break
		}
	}

	rec := &Recommendation{
		UserCode:         userCode,
		SimilarToUserIdx: similar,
		Recommendations:  hotels,
	}
	if r.cache != nil {
		r.cache.Add(idx, rec)
	}
	return rec, nil
}

// similarUser picks the nearest row that is not the query row itself. With distinct
// vectors this is rank 1; with a duplicate vector ranked ahead of self it is still
// never self.
func (r *Recommender) similarUser(idx int) (int, error) {
	if r.neighbors.Len() < 2 {
		return 0, ErrInsufficientNeighbors
	}
	found, err := r.neighbors.Kneighbors(r.matrix[idx], RecommendNeighbors)
	if err != nil {
		return 0, err
	}
	for _, n := range found {
		if n.Index != idx {
			return n.Index, nil
		}
	}
	return 0, ErrInsufficientNeighbors
}

// Users exposes the user encoder size for status reporting.
func (r *Recommender) Users() int {
	return r.users.Len()
}

func (r *Recommender) Hotels() int {
	return r.hotels.Len()
}
