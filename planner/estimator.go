package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"voyage/ml"
	"voyage/monitoring"
)

// PriceEstimator prices one flight described by model input fields.
type PriceEstimator interface {
	EstimatePrice(ctx context.Context, fields map[string]interface{}) (float64, error)
}

var (
	// ErrMissingPrice means the price service answered 200 without a usable price.
	ErrMissingPrice = errors.New("price missing from response")
)

// StatusError is a non-200 answer from the price service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("price service returned %d: %s", e.Code, e.Body)
}

// LocalPriceEstimator calls an in-process model.
type LocalPriceEstimator struct {
	Model ml.PricePredictor
}

func (l LocalPriceEstimator) EstimatePrice(ctx context.Context, fields map[string]interface{}) (float64, error) {
	if l.Model == nil {
		return 0, ml.ErrModelUnavailable
	}
	return l.Model.PredictPrice(ctx, fields)
}

// HTTPPriceClient posts to the /predict endpoint of a running API server behind a
// circuit breaker.
type HTTPPriceClient struct {
	endpoint string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker[float64]
	logger   *zap.Logger
}

// NewHTTPPriceClient creates a client for baseURL. The breaker opens after five
// consecutive failures and probes again after 30 seconds.
func NewHTTPPriceClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPPriceClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	const name = "price-api"
	monitoring.CircuitBreakerState.WithLabelValues(name).Set(0)

	c := &HTTPPriceClient{
		endpoint: strings.TrimRight(baseURL, "/") + "/predict",
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
	c.cb = gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// caller cancellations say nothing about the service's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			monitoring.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return c
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// State exposes the breaker state for health reporting.
func (c *HTTPPriceClient) State() gobreaker.State {
	return c.cb.State()
}

func (c *HTTPPriceClient) EstimatePrice(ctx context.Context, fields map[string]interface{}) (float64, error) {
	return c.cb.Execute(func() (float64, error) {
		return c.post(ctx, fields)
	})
}

func (c *HTTPPriceClient) post(ctx context.Context, fields map[string]interface{}) (float64, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out struct {
		Status         string   `json:"status"`
		PredictedPrice *float64 `json:"predicted_price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}
	if out.PredictedPrice == nil {
		return 0, ErrMissingPrice
	}
	return *out.PredictedPrice, nil
}
