package planner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voyage/config"
	"voyage/ml"
	"voyage/monitoring"
)

// HotelSource provides the candidate destinations and the static nightly price table.
type HotelSource interface {
	Destinations(ctx context.Context, exclude string) ([]string, error)
	HotelNightlyAverages(ctx context.Context) (map[string]float64, error)
}

type TripOption struct {
	Destination string  `json:"destination"`
	FlightCost  float64 `json:"flight_cost"`
	HotelCost   float64 `json:"hotel_cost"`
	TotalCost   float64 `json:"total_cost"`
}

// Progress reports how many destinations of a search have been priced.
type Progress struct {
	Evaluated   int    `json:"evaluated"`
	Total       int    `json:"total"`
	Destination string `json:"destination"`
}

// ProgressFunc is called once per priced destination. Calls are serialized.
type ProgressFunc func(Progress)

type Options struct {
	Workers      int
	CallTimeout  time.Duration
	SentinelCost float64
	MaxDays      int
	CacheSize    int
	CacheTTL     time.Duration
	Profile      FlightProfile
}

func OptionsFromConfig(c config.PlannerConfig) Options {
	return Options{
		Workers:      c.Workers,
		CallTimeout:  c.CallTimeout,
		SentinelCost: c.SentinelCost,
		MaxDays:      c.MaxDays,
		CacheSize:    c.CacheSize,
		CacheTTL:     c.CacheTTL,
		Profile:      ProfileFromConfig(c.FlightProfile),
	}
}

type planKey struct {
	origin string
	budget float64
	days   int
}

// Planner finds destinations whose estimated flight plus hotel cost fits a budget.
type Planner struct {
	opts      Options
	estimator PriceEstimator
	hotels    HotelSource
	cache     *expirable.LRU[planKey, []TripOption]
	logger    *zap.Logger
}

func New(estimator PriceEstimator, hotels HotelSource, opts Options, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.SentinelCost == 0 {
		opts.SentinelCost = 9999
	}
	if opts.MaxDays < 1 {
		opts.MaxDays = 30
	}
	if opts.Profile == (FlightProfile{}) {
		opts.Profile = DefaultFlightProfile
	}
	p := &Planner{
		opts:      opts,
		estimator: estimator,
		hotels:    hotels,
		logger:    logger,
	}
	if opts.CacheSize > 0 {
		p.cache = expirable.NewLRU[planKey, []TripOption](opts.CacheSize, nil, opts.CacheTTL)
	}
	return p
}

// SentinelCost is the cost assigned to anything that could not be priced.
func (p *Planner) SentinelCost() float64 { return p.opts.SentinelCost }

// PlanTrips prices every destination reachable from origin and returns those whose
// total cost is within budget, cheapest first. A destination whose flight or hotel
// cannot be priced gets the sentinel cost instead of failing the search.
func (p *Planner) PlanTrips(ctx context.Context, origin string, budget float64, days int, progress ProgressFunc) ([]TripOption, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return nil, ml.NewValidationError("origin", "is required")
	}
	if math.IsNaN(budget) || math.IsInf(budget, 0) {
		return nil, ml.NewValidationError("budget", "must be a finite number")
	}
	if days < 1 || days > p.opts.MaxDays {
		return nil, ml.NewValidationError("duration_days", fmt.Sprintf("must be between 1 and %d", p.opts.MaxDays))
	}

	key := planKey{origin: origin, budget: budget, days: days}
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			monitoring.RecordPlanCache(true)
			return append([]TripOption(nil), cached...), nil
		}
		monitoring.RecordPlanCache(false)
	}

	start := time.Now()
	destinations, err := p.hotels.Destinations(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	nightly, err := p.hotels.HotelNightlyAverages(ctx)
	if err != nil {
		return nil, fmt.Errorf("load hotel prices: %w", err)
	}

	options := make([]TripOption, len(destinations))
	var (
		mu        sync.Mutex
		evaluated int
		failures  int
	)

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)
	for i, dest := range destinations {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			flight, ok := p.flightCost(ctx, origin, dest)
			hotel := p.opts.SentinelCost
			if avg, found := nightly[dest]; found {
				hotel = avg * float64(days)
			}
			options[i] = TripOption{
				Destination: dest,
				FlightCost:  flight,
				HotelCost:   hotel,
				TotalCost:   flight + hotel,
			}

			mu.Lock()
			evaluated++
			if !ok {
				failures++
			}
			if progress != nil {
				progress(Progress{Evaluated: evaluated, Total: len(destinations), Destination: dest})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trips := FilterAndSort(options, budget)
	monitoring.PlannerSearchDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("trip search finished",
		zap.String("origin", origin),
		zap.Float64("budget", budget),
		zap.Int("days", days),
		zap.Int("destinations", len(destinations)),
		zap.Int("within_budget", len(trips)),
		zap.Int("price_failures", failures),
		zap.Duration("elapsed", time.Since(start)))

	// searches degraded by pricing failures are not cached
	if p.cache != nil && failures == 0 {
		p.cache.Add(key, append([]TripOption(nil), trips...))
	}
	return trips, nil
}

// flightCost returns the estimated fare, or the sentinel and false on any failure.
func (p *Planner) flightCost(ctx context.Context, origin, dest string) (float64, bool) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()

	price, err := p.estimator.EstimatePrice(callCtx, p.opts.Profile.Fields(origin, dest))
	if err == nil && (math.IsNaN(price) || math.IsInf(price, 0)) {
		err = ErrMissingPrice
	}
	if err != nil {
		reason := failureReason(err)
		monitoring.RecordPriceFailure(reason)
		p.logger.Debug("flight price unavailable, using sentinel",
			zap.String("origin", origin),
			zap.String("destination", dest),
			zap.String("reason", reason),
			zap.Error(err))
		return p.opts.SentinelCost, false
	}
	return price, true
}

func failureReason(err error) string {
	var statusErr *StatusError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, ErrMissingPrice):
		return "missing_price"
	case errors.Is(err, ml.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ml.ErrPrediction):
		return "prediction"
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return "timeout"
		}
		return "transport"
	default:
		return "other"
	}
}

// FilterAndSort keeps options within budget, ordered by total cost then destination.
func FilterAndSort(options []TripOption, budget float64) []TripOption {
	out := make([]TripOption, 0, len(options))
	for _, o := range options {
		if o.Destination == "" {
			continue
		}
		if o.TotalCost <= budget {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost < out[j].TotalCost
		}
		return out[i].Destination < out[j].Destination
	})
	return out
}
