package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"voyage/config"
)

type memoryStore struct {
	ds  *Dataset
	err error
}

func (m *memoryStore) ReplaceDataset(_ context.Context, ds *Dataset) error {
	if m.err != nil {
		return m.err
	}
	m.ds = ds
	return nil
}

func writeDatasets(t *testing.T, withUsers bool) config.DatasetConfig {
	t.Helper()
	dir := t.TempDir()
	paths := config.DatasetConfig{
		Flights: filepath.Join(dir, "flights.csv"),
		Hotels:  filepath.Join(dir, "hotels.csv"),
		Users:   filepath.Join(dir, "users.csv"),
	}
	files := map[string]string{
		paths.Flights: flightsCSV,
		paths.Hotels: "name,place,days,price\n" +
			"Hotel A,Florianopolis (SC),4,313.02\n" +
			"Hotel K,Salvador (BH),2,-1\n",
	}
	if withUsers {
		files[paths.Users] = "code,company,name,gender,age\n0,4You,Roy Braun,male,21\n"
	}
	for path, body := range files {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func TestIngest(t *testing.T) {
	store := &memoryStore{}
	ingester := NewDataIngester(writeDatasets(t, true), store, nil)

	stats, err := ingester.Ingest(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.ds == nil {
		t.Fatal("dataset was not stored")
	}
	if len(store.ds.Flights) != 2 || len(store.ds.Hotels) != 1 || len(store.ds.Users) != 1 {
		t.Errorf("unexpected dataset sizes %d/%d/%d", len(store.ds.Flights), len(store.ds.Hotels), len(store.ds.Users))
	}
	if stats.ParseErrors != 1 {
		t.Errorf("expected 1 parse error, got %d", stats.ParseErrors)
	}
	if stats.Hotels.Rejected != 1 {
		t.Errorf("expected 1 rejected hotel, got %d", stats.Hotels.Rejected)
	}
}

func TestIngestWithoutUsersFile(t *testing.T) {
	store := &memoryStore{}
	if _, err := NewDataIngester(writeDatasets(t, false), store, nil).Ingest(context.Background()); err != nil {
		t.Fatalf("missing users file should be tolerated: %v", err)
	}
	if len(store.ds.Users) != 0 {
		t.Errorf("expected no users, got %d", len(store.ds.Users))
	}
}

func TestIngestErrors(t *testing.T) {
	paths := writeDatasets(t, true)
	paths.Flights = filepath.Join(t.TempDir(), "missing.csv")
	if _, err := NewDataIngester(paths, &memoryStore{}, nil).Ingest(context.Background()); err == nil {
		t.Fatal("expected an error for a missing flights file")
	}

	boom := errors.New("disk full")
	_, err := NewDataIngester(writeDatasets(t, true), &memoryStore{err: boom}, nil).Ingest(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error to be wrapped, got %v", err)
	}
}
