package http

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"voyage/db"
	"voyage/ml"
	"voyage/monitoring"
	"voyage/planner"
)

const (
	hotelFinderLimit = 5
	topAgencies      = 10
	histogramBins    = 20
	serviceName      = "Voyage Analytics API"
)

// ModelService is the loaded model context.
type ModelService interface {
	Status() map[string]bool
	PredictPrice(ctx context.Context, fields map[string]interface{}) (float64, error)
	PredictGender(ctx context.Context, name string) (string, error)
	Recommend(ctx context.Context, userCode string) (*ml.Recommendation, error)
}

// TripPlanner runs budget-constrained destination searches.
type TripPlanner interface {
	PlanTrips(ctx context.Context, origin string, budget float64, days int, progress planner.ProgressFunc) ([]planner.TripOption, error)
}

// DataService answers the dashboard queries over the dataset store.
type DataService interface {
	FindHotels(ctx context.Context, city string, maxPrice float64, limit int) ([]db.HotelOffer, int, error)
	Insights(ctx context.Context, topAgencies, bins int) (*db.Insights, error)
	Origins(ctx context.Context) ([]string, error)
	Destinations(ctx context.Context, exclude string) ([]string, error)
	HotelPlaces(ctx context.Context) ([]string, error)
	ListTrainingRuns(ctx context.Context, limit int) ([]db.TrainingRun, error)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	s.handle(mux, "GET /{$}", s.handleRoot)
	s.handle(mux, "POST /predict", s.handlePredict)
	s.handle(mux, "POST /predict_gender", s.handlePredictGender)
	s.handle(mux, "POST /recommend_hotels", s.handleRecommend)
	s.handle(mux, "POST /plan_trips", s.handlePlanTrips)
	s.handle(mux, "GET /hotels", s.handleHotels)
	s.handle(mux, "GET /insights", s.handleInsights)
	s.handle(mux, "GET /locations", s.handleLocations)
	s.handle(mux, "GET /training_runs", s.handleTrainingRuns)
	mux.Handle("GET /ws/plan_trips", s.ws)
	mux.Handle("GET /metrics", monitoring.Handler())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "running",
		"service": serviceName,
		"models":  s.models.Status(),
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := decodeJSON(r.Body, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	if fields == nil {
		s.writeError(w, r, ml.NewValidationError("", "request body must be a JSON object"))
		return
	}

	price, err := s.models.PredictPrice(r.Context(), fields)
	monitoring.RecordPrediction("flight_price", predictionOutcome(err))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"predicted_price": price,
	})
}

func (s *Server) handlePredictGender(w http.ResponseWriter, r *http.Request) {
	var req GenderRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		monitoring.RecordPrediction("gender", monitoring.OutcomeInvalid)
		s.writeError(w, r, err)
		return
	}

	gender, err := s.models.PredictGender(r.Context(), req.Name)
	monitoring.RecordPrediction("gender", predictionOutcome(err))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"input_name":       req.Name,
		"predicted_gender": gender,
	})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req RecommendRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	echo, code, err := userCodeString(req.UserCode)
	if err != nil {
		monitoring.RecordPrediction("recommender", monitoring.OutcomeInvalid)
		s.writeError(w, r, err)
		return
	}

	rec, err := s.models.Recommend(r.Context(), code)
	monitoring.RecordPrediction("recommender", predictionOutcome(err))
	if errors.Is(err, ml.ErrUnknownUser) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "error",
			"message": coldStartMessage,
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "success",
		"user_code":           echo,
		"similar_to_user_idx": rec.SimilarToUserIdx,
		"recommendations":     rec.Recommendations,
	})
}

func (s *Server) handlePlanTrips(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	trips, err := s.planner.PlanTrips(r.Context(), req.Origin, *req.Budget, req.DurationDays, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trips == nil {
		trips = []planner.TripOption{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"trips":  trips,
	})
}

func (s *Server) handleHotels(w http.ResponseWriter, r *http.Request) {
	q, err := parseHotelsQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	hotels, found, err := s.data.FindHotels(r.Context(), q.City, q.MaxPrice, hotelFinderLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"city":      q.City,
		"max_price": q.MaxPrice,
		"found":     found,
		"hotels":    hotels,
	})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.data.Insights(r.Context(), topAgencies, histogramBins)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"statistics": insights,
	})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	origins, err := s.data.Origins(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	destinations, err := s.data.Destinations(ctx, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cities, err := s.data.HotelPlaces(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "success",
		"origins":      nonNil(origins),
		"destinations": nonNil(destinations),
		"hotel_cities": nonNil(cities),
	})
}

func (s *Server) handleTrainingRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.data.ListTrainingRuns(r.Context(), 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []db.TrainingRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"runs":   runs,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// planStream serves one plan request received over a WebSocket session, streaming
// a progress message per priced destination and then the result.
func (s *Server) planStream(ctx context.Context, session *monitoring.Session, payload []byte) {
	var req PlanRequest
	send := func(t monitoring.MessageType, v interface{}) {
		if err := session.Send(t, req.RequestID, v); err != nil && !errors.Is(err, monitoring.ErrSessionClosed) {
			s.logger.Sugar().Warnw("websocket send failed", "session", session.ID, "error", err)
		}
	}
	sendErr := func(err error) {
		apiErr := mapError(err)
		if apiErr.HTTPStatus >= http.StatusInternalServerError {
			s.logger.Sugar().Errorw("websocket plan failed", "session", session.ID, "error", err)
		}
		send(monitoring.MessageError, ErrorResponse{Status: "error", Code: apiErr.Code, Message: apiErr.Message})
	}

	if err := decodeJSON(bytes.NewReader(payload), &req); err != nil {
		sendErr(err)
		return
	}
	if err := validateRequest(req); err != nil {
		sendErr(err)
		return
	}

	trips, err := s.planner.PlanTrips(ctx, req.Origin, *req.Budget, req.DurationDays, func(p planner.Progress) {
		send(monitoring.MessageProgress, p)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		sendErr(err)
		return
	}
	if trips == nil {
		trips = []planner.TripOption{}
	}
	send(monitoring.MessageResult, map[string]interface{}{
		"status": "success",
		"trips":  trips,
	})
}
