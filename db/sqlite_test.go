package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"voyage/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "voyage.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDataset() *pipeline.Dataset {
	day := time.Date(2019, 9, 26, 0, 0, 0, 0, time.UTC)
	flight := func(from, to, agency string, price float64) pipeline.FlightRecord {
		return pipeline.FlightRecord{From: from, To: to, FlightType: "economic", Price: price, Time: 1.2, Distance: 500, Agency: agency, Date: day}
	}
	return &pipeline.Dataset{
		Flights: []pipeline.FlightRecord{
			flight("Recife (PE)", "Natal (RN)", "FlyingDrops", 400),
			flight("Recife (PE)", "Salvador (BH)", "CloudFy", 600),
			flight("Natal (RN)", "Recife (PE)", "CloudFy", 800),
			flight("Natal (RN)", "Salvador (BH)", "Rainbow", 1000),
		},
		Hotels: []pipeline.HotelRecord{
			{Name: "Hotel A", Place: "Natal (RN)", Price: 100, Days: 2},
			{Name: "Hotel B", Place: "Natal (RN)", Price: 300, Days: 3},
			{Name: "Hotel C", Place: "Natal (RN)", Price: 200, Days: 1},
			{Name: "Hotel D", Place: "Salvador (BH)", Price: 500, Days: 4},
		},
		Users: []pipeline.UserRecord{{Code: "0", Name: "Roy Braun", Gender: "male", Age: 21}},
		Issues: []pipeline.QualityIssue{
			{Type: "price_validation", Severity: "high", Message: "price -1.00 is negative", Dataset: "flights", Row: 7},
		},
	}
}

func TestReplaceDatasetAndQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ReplaceDataset(ctx, testDataset()); err != nil {
		t.Fatalf("replace dataset: %v", err)
	}

	dests, err := s.Destinations(ctx, "Recife (PE)")
	if err != nil {
		t.Fatal(err)
	}
	if len(dests) != 2 || dests[0] != "Natal (RN)" || dests[1] != "Salvador (BH)" {
		t.Errorf("unexpected destinations %v", dests)
	}

	origins, err := s.Origins(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(origins) != 2 {
		t.Errorf("unexpected origins %v", origins)
	}

	avgs, err := s.HotelNightlyAverages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if avgs["Natal (RN)"] != 200 || avgs["Salvador (BH)"] != 500 {
		t.Errorf("unexpected averages %v", avgs)
	}
	if _, ok := avgs["Recife (PE)"]; ok {
		t.Error("city without hotels should have no average")
	}

	// Replacing again must not accumulate rows.
	if err := s.ReplaceDataset(ctx, testDataset()); err != nil {
		t.Fatal(err)
	}
	in, err := s.Insights(ctx, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if in.Flights != 4 || in.Hotels != 4 || in.Users != 1 {
		t.Errorf("unexpected counts %+v", in)
	}
	if len(in.TopAgencies) != 2 || in.TopAgencies[0].Agency != "CloudFy" || in.TopAgencies[0].Count != 2 {
		t.Errorf("unexpected top agencies %+v", in.TopAgencies)
	}
	total := 0
	for _, b := range in.PriceHistogram {
		total += b.Count
	}
	if len(in.PriceHistogram) != 4 || total != 4 {
		t.Errorf("unexpected histogram %+v", in.PriceHistogram)
	}
}

func TestFindHotels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ReplaceDataset(ctx, testDataset()); err != nil {
		t.Fatal(err)
	}

	offers, found, err := s.FindHotels(ctx, "Natal (RN)", 250, 5)
	if err != nil {
		t.Fatal(err)
	}
	if found != 2 || len(offers) != 2 {
		t.Fatalf("expected 2 hotels, got %d (%d)", len(offers), found)
	}
	if offers[0].Name != "Hotel A" || offers[1].Name != "Hotel C" {
		t.Errorf("hotels not sorted by price: %+v", offers)
	}

	offers, found, err = s.FindHotels(ctx, "Natal (RN)", 1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if found != 3 || len(offers) != 1 {
		t.Errorf("expected limit 1 of 3 matches, got %d of %d", len(offers), found)
	}

	offers, _, err = s.FindHotels(ctx, "Nowhere", 1000, 5)
	if err != nil || len(offers) != 0 {
		t.Errorf("expected no hotels, got %v, %v", offers, err)
	}
}

func TestHistogram(t *testing.T) {
	bins := Histogram([]float64{0, 5, 10}, 2)
	if bins[0].Count != 1 || bins[1].Count != 2 {
		t.Errorf("unexpected bins %+v", bins)
	}
	if bins[1].High != 10 {
		t.Errorf("last bin should end at the max, got %v", bins[1].High)
	}

	flat := Histogram([]float64{3, 3, 3}, 5)
	if flat[4].Count != 3 {
		t.Errorf("identical values should land in one bin: %+v", flat)
	}
	if len(Histogram(nil, 20)) != 0 {
		t.Error("expected empty histogram for no values")
	}
}

func TestTrainingRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []string{"success", "failed"} {
		run := TrainingRun{
			RunID:      status + "-run",
			Status:     status,
			MAE:        12.5,
			TrainRows:  80,
			TestRows:   20,
			StartedAt:  start.Add(time.Duration(i) * time.Hour),
			FinishedAt: start.Add(time.Duration(i)*time.Hour + time.Minute),
		}
		if status == "failed" {
			run.FailedStep = "retrain_model"
			run.Error = "boom"
		}
		if _, err := s.SaveTrainingRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListTrainingRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].Status != "failed" || runs[0].FailedStep != "retrain_model" {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if runs[1].Error != "" || runs[1].MAE != 12.5 {
		t.Errorf("unexpected success run %+v", runs[1])
	}
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t)
	s.Close()
	if _, err := s.Origins(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
