package planner

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voyage/config"
	"voyage/ml"
)

type fakeHotels struct {
	destinations []string
	nightly      map[string]float64
}

func (f fakeHotels) Destinations(_ context.Context, exclude string) ([]string, error) {
	var out []string
	for _, d := range f.destinations {
		if d != exclude {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f fakeHotels) HotelNightlyAverages(context.Context) (map[string]float64, error) {
	return f.nightly, nil
}

type fakeEstimator struct {
	prices map[string]float64
	fail   map[string]error
	delay  time.Duration
	calls  atomic.Int64
}

func (f *fakeEstimator) EstimatePrice(ctx context.Context, fields map[string]interface{}) (float64, error) {
	f.calls.Add(1)
	dest := fields["to"].(string)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err := f.fail[dest]; err != nil {
		return 0, err
	}
	return f.prices[dest], nil
}

func testHotels() fakeHotels {
	return fakeHotels{
		destinations: []string{"Aracaju (SE)", "Brasilia (DF)", "Campo Grande (MS)", "Natal (RN)", "Recife (PE)"},
		nightly: map[string]float64{
			"Aracaju (SE)":      100,
			"Brasilia (DF)":     200,
			"Campo Grande (MS)": 50,
			"Natal (RN)":        150,
			"Recife (PE)":       80,
		},
	}
}

func testEstimator() *fakeEstimator {
	return &fakeEstimator{prices: map[string]float64{
		"Aracaju (SE)":      900,
		"Brasilia (DF)":     500,
		"Campo Grande (MS)": 1000,
		"Natal (RN)":        300,
		"Recife (PE)":       400,
	}}
}

func TestPlanTripsSortedAndWithinBudget(t *testing.T) {
	p := New(testEstimator(), testHotels(), Options{Workers: 3}, nil)

	trips, err := p.PlanTrips(context.Background(), "Recife (PE)", 1200, 3, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Natal 750, Brasilia 1100, Campo Grande 1150, Aracaju 1200
	want := []string{"Natal (RN)", "Brasilia (DF)", "Campo Grande (MS)", "Aracaju (SE)"}
	if len(trips) != len(want) {
		t.Fatalf("expected %d trips, got %+v", len(want), trips)
	}
	for i, trip := range trips {
		if trip.Destination != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], trip.Destination)
		}
		if trip.TotalCost > 1200 {
			t.Errorf("%s exceeds budget: %v", trip.Destination, trip.TotalCost)
		}
		if i > 0 && trips[i-1].TotalCost > trip.TotalCost {
			t.Errorf("results not ascending at %d", i)
		}
		if trip.Destination == "Recife (PE)" {
			t.Error("origin returned as a destination")
		}
	}
	if trips[0].HotelCost != 450 || trips[0].FlightCost != 300 || trips[0].TotalCost != 750 {
		t.Errorf("unexpected cost breakdown %+v", trips[0])
	}
}

func TestPlanTripsSingleFailureOnlyRemovesThatDestination(t *testing.T) {
	est := testEstimator()
	est.fail = map[string]error{"Natal (RN)": errors.New("connection refused")}
	p := New(est, testHotels(), Options{}, nil)

	trips, err := p.PlanTrips(context.Background(), "Recife (PE)", 1200, 3, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trips) != 3 {
		t.Fatalf("expected 3 trips, got %+v", trips)
	}
	for _, trip := range trips {
		if trip.Destination == "Natal (RN)" {
			t.Error("failed destination should be priced out of budget")
		}
	}

	// with a budget above the sentinel the failed destination is kept at sentinel cost
	trips, err = p.PlanTrips(context.Background(), "Recife (PE)", 20000, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	last := trips[len(trips)-1]
	if last.Destination != "Natal (RN)" || last.FlightCost != 9999 {
		t.Errorf("expected Natal at sentinel cost last, got %+v", last)
	}
}

func TestPlanTripsMissingHotelsUseSentinel(t *testing.T) {
	hotels := testHotels()
	delete(hotels.nightly, "Natal (RN)")
	p := New(testEstimator(), hotels, Options{}, nil)

	trips, err := p.PlanTrips(context.Background(), "Recife (PE)", 100000, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, trip := range trips {
		if trip.Destination == "Natal (RN)" && trip.HotelCost != 9999 {
			t.Errorf("expected sentinel hotel cost, got %v", trip.HotelCost)
		}
	}
}

func TestPlanTripsTimeoutUsesSentinel(t *testing.T) {
	est := testEstimator()
	est.delay = 200 * time.Millisecond
	p := New(est, testHotels(), Options{Workers: 8, CallTimeout: 10 * time.Millisecond}, nil)

	start := time.Now()
	trips, err := p.PlanTrips(context.Background(), "Recife (PE)", 100000, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Errorf("search was not bounded by the call timeout")
	}
	for _, trip := range trips {
		if trip.FlightCost != 9999 {
			t.Errorf("expected sentinel flight cost for %s, got %v", trip.Destination, trip.FlightCost)
		}
	}
}

func TestPlanTripsValidation(t *testing.T) {
	p := New(testEstimator(), testHotels(), Options{MaxDays: 10}, nil)
	tests := []struct {
		name   string
		origin string
		budget float64
		days   int
	}{
		{"empty origin", " ", 1000, 3},
		{"infinite budget", "Recife (PE)", math.Inf(1), 3},
		{"zero days", "Recife (PE)", 1000, 0},
		{"too many days", "Recife (PE)", 1000, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.PlanTrips(context.Background(), tt.origin, tt.budget, tt.days, nil)
			if !ml.IsValidation(err) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestPlanTripsNonPositiveBudget(t *testing.T) {
	p := New(testEstimator(), testHotels(), Options{}, nil)
	for _, budget := range []float64{0, -5} {
		trips, err := p.PlanTrips(context.Background(), "Recife (PE)", budget, 3, nil)
		if err != nil {
			t.Fatalf("budget %v: unexpected error %v", budget, err)
		}
		if len(trips) != 0 {
			t.Errorf("budget %v: expected no trips, got %v", budget, trips)
		}
	}
}

func TestPlanTripsProgressAndCache(t *testing.T) {
	est := testEstimator()
	p := New(est, testHotels(), Options{Workers: 2, CacheSize: 8, CacheTTL: time.Minute}, nil)

	var mu sync.Mutex
	var seen []Progress
	progress := func(pr Progress) {
		mu.Lock()
		seen = append(seen, pr)
		mu.Unlock()
	}

	first, err := p.PlanTrips(context.Background(), "Recife (PE)", 1200, 3, progress)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 progress events, got %d", len(seen))
	}
	for i, pr := range seen {
		if pr.Evaluated != i+1 || pr.Total != 4 {
			t.Errorf("unexpected progress %+v at %d", pr, i)
		}
	}

	calls := est.calls.Load()
	second, err := p.PlanTrips(context.Background(), "Recife (PE)", 1200, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if est.calls.Load() != calls {
		t.Error("cached search called the estimator again")
	}
	if len(second) != len(first) {
		t.Errorf("cached result differs: %v vs %v", second, first)
	}
	second[0].TotalCost = -1
	third, _ := p.PlanTrips(context.Background(), "Recife (PE)", 1200, 3, nil)
	if third[0].TotalCost == -1 {
		t.Error("cache returned a shared slice")
	}
}

func TestPlanTripsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(testEstimator(), testHotels(), Options{}, nil)
	if _, err := p.PlanTrips(ctx, "Recife (PE)", 1000, 2, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProfileFromConfig(t *testing.T) {
	p := ProfileFromConfig(config.FlightProfileConfig{Agency: "Rainbow", Year: 2020})
	if p.Agency != "Rainbow" || p.Year != 2020 {
		t.Errorf("overrides not applied: %+v", p)
	}
	if p.FlightType != "firstClass" || p.Distance != 600 || p.Day != 10 {
		t.Errorf("defaults not kept: %+v", p)
	}

	fields := DefaultFlightProfile.Fields("Recife (PE)", "Natal (RN)")
	if fields["from"] != "Recife (PE)" || fields["to"] != "Natal (RN)" || fields["time"] != 1.5 {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestFilterAndSortTies(t *testing.T) {
	out := FilterAndSort([]TripOption{
		{Destination: "B", TotalCost: 10},
		{Destination: "A", TotalCost: 10},
		{Destination: "C", TotalCost: 5},
		{Destination: "D", TotalCost: 11},
	}, 10)
	if len(out) != 3 || out[0].Destination != "C" || out[1].Destination != "A" || out[2].Destination != "B" {
		t.Errorf("unexpected order %+v", out)
	}
}
