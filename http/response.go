package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"voyage/ml"
	"voyage/monitoring"
)

// 错误码
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodePredictionFailed = "PREDICTION_FAILED"
	CodeModelUnavailable = "MODEL_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
	CodeTimeout          = "REQUEST_TIMEOUT"
)

const coldStartMessage = "User unknown (Cold Start)"

// ErrorResponse 错误响应
type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the client-facing form of an error.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

// mapError translates a domain error into what the client is allowed to see.
// Only validation messages are passed through verbatim.
func mapError(err error) APIError {
	var verr *ml.ValidationError
	switch {
	case errors.As(err, &verr):
		return APIError{http.StatusBadRequest, CodeValidation, verr.Error()}
	case errors.Is(err, ml.ErrModelUnavailable):
		return APIError{http.StatusInternalServerError, CodeModelUnavailable, "model not loaded"}
	case errors.Is(err, ml.ErrPrediction):
		return APIError{http.StatusBadRequest, CodePredictionFailed, "the model could not score this input"}
	case errors.Is(err, context.DeadlineExceeded):
		return APIError{http.StatusGatewayTimeout, CodeTimeout, "request timeout"}
	default:
		return APIError{http.StatusInternalServerError, CodeInternal, "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Code: code, Message: message})
}

// writeError logs the raw error and answers with its mapped form.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := mapError(err)
	fields := []zap.Field{
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.String("code", apiErr.Code),
		zap.Error(err),
	}
	if start := GetStartTime(r.Context()); !start.IsZero() {
		fields = append(fields, zap.Duration("elapsed", time.Since(start)))
	}
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}
	writeJSONError(w, apiErr.HTTPStatus, apiErr.Code, apiErr.Message)
}

// predictionOutcome labels a model call for the predictions counter.
func predictionOutcome(err error) string {
	switch {
	case err == nil:
		return monitoring.OutcomeSuccess
	case errors.Is(err, ml.ErrUnknownUser):
		return monitoring.OutcomeColdStart
	case ml.IsValidation(err):
		return monitoring.OutcomeInvalid
	case errors.Is(err, ml.ErrModelUnavailable):
		return monitoring.OutcomeUnavailable
	default:
		return monitoring.OutcomeFailed
	}
}
