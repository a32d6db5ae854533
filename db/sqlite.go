package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"voyage/pipeline"
)

// ErrClosed is returned by every method once Close has been called.
var ErrClosed = errors.New("database not initialized")

// Store holds the cleaned datasets and the retraining history.
type Store struct {
	db *sql.DB
}

// HotelOffer is one hotel finder result.
type HotelOffer struct {
	Name  string  `json:"name"`
	Place string  `json:"place"`
	Price float64 `json:"price"`
	Days  int     `json:"days"`
}

type AgencyCount struct {
	Agency string `json:"agency"`
	Count  int    `json:"count"`
}

// HistogramBin covers [Low, High); the last bin also includes High.
type HistogramBin struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int     `json:"count"`
}

type Insights struct {
	Flights        int            `json:"flights"`
	Hotels         int            `json:"hotels"`
	Users          int            `json:"users"`
	TopAgencies    []AgencyCount  `json:"top_agencies"`
	PriceHistogram []HistogramBin `json:"price_histogram"`
}

// TrainingRun is one execution of the retraining pipeline.
type TrainingRun struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	FailedStep string    `json:"failed_step,omitempty"`
	Error      string    `json:"error,omitempty"`
	MAE        float64   `json:"mae"`
	RMSE       float64   `json:"rmse"`
	R2         float64   `json:"r2"`
	TrainRows  int       `json:"train_rows"`
	TestRows   int       `json:"test_rows"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Open creates or opens the SQLite file at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(5)
	database.SetConnMaxLifetime(time.Hour)

	s := &Store{db: database}
	if err := s.createTables(); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS flights (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            travel_code TEXT,
            user_code TEXT,
            origin TEXT NOT NULL,
            destination TEXT NOT NULL,
            flight_type TEXT NOT NULL,
            price REAL NOT NULL,
            time REAL NOT NULL,
            distance REAL NOT NULL,
            agency TEXT NOT NULL,
            date DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS hotels (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            travel_code TEXT,
            user_code TEXT,
            name TEXT NOT NULL,
            place TEXT NOT NULL,
            days INTEGER DEFAULT 0,
            price REAL NOT NULL,
            total REAL DEFAULT 0,
            date DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            code TEXT,
            company TEXT,
            name TEXT NOT NULL,
            gender TEXT NOT NULL,
            age INTEGER DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS data_quality (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            dataset TEXT NOT NULL,
            row_index INTEGER NOT NULL,
            issue_type TEXT NOT NULL,
            severity TEXT NOT NULL,
            message TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS training_runs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL UNIQUE,
            status TEXT NOT NULL,
            failed_step TEXT,
            error TEXT,
            mae REAL DEFAULT 0,
            rmse REAL DEFAULT 0,
            r2 REAL DEFAULT 0,
            train_rows INTEGER DEFAULT 0,
            test_rows INTEGER DEFAULT 0,
            started_at DATETIME NOT NULL,
            finished_at DATETIME NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_flights_destination ON flights(destination)`,
		`CREATE INDEX IF NOT EXISTS idx_hotels_place_price ON hotels(place, price)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("exec query failed: %w", err)
		}
	}
	return nil
}

// ReplaceDataset swaps the stored snapshot for ds in a single transaction.
func (s *Store) ReplaceDataset(ctx context.Context, ds *pipeline.Dataset) error {
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"flights", "hotels", "users", "data_quality"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := insertAll(ctx, tx, `INSERT INTO flights
        (travel_code, user_code, origin, destination, flight_type, price, time, distance, agency, date)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, len(ds.Flights), func(i int) []interface{} {
		f := ds.Flights[i]
		return []interface{}{f.TravelCode, f.UserCode, f.From, f.To, f.FlightType, f.Price, f.Time, f.Distance, f.Agency, f.Date}
	}); err != nil {
		return fmt.Errorf("insert flights: %w", err)
	}

	if err := insertAll(ctx, tx, `INSERT INTO hotels
        (travel_code, user_code, name, place, days, price, total, date)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, len(ds.Hotels), func(i int) []interface{} {
		h := ds.Hotels[i]
		return []interface{}{h.TravelCode, h.UserCode, h.Name, h.Place, h.Days, h.Price, h.Total, h.Date}
	}); err != nil {
		return fmt.Errorf("insert hotels: %w", err)
	}

	if err := insertAll(ctx, tx, `INSERT INTO users (code, company, name, gender, age)
        VALUES (?, ?, ?, ?, ?)`, len(ds.Users), func(i int) []interface{} {
		u := ds.Users[i]
		return []interface{}{u.Code, u.Company, u.Name, u.Gender, u.Age}
	}); err != nil {
		return fmt.Errorf("insert users: %w", err)
	}

	if err := insertAll(ctx, tx, `INSERT INTO data_quality (dataset, row_index, issue_type, severity, message)
        VALUES (?, ?, ?, ?, ?)`, len(ds.Issues), func(i int) []interface{} {
		q := ds.Issues[i]
		return []interface{}{q.Dataset, q.Row, q.Type, q.Severity, q.Message}
	}); err != nil {
		return fmt.Errorf("insert quality issues: %w", err)
	}

	return tx.Commit()
}

func insertAll(ctx context.Context, tx *sql.Tx, query string, n int, args func(int) []interface{}) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

// Destinations lists distinct flight destinations, excluding exclude.
func (s *Store) Destinations(ctx context.Context, exclude string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT destination FROM flights WHERE destination != ? ORDER BY destination`, exclude)
}

func (s *Store) Origins(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT origin FROM flights ORDER BY origin`)
}

// HotelPlaces lists the cities that have at least one hotel.
func (s *Store) HotelPlaces(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT place FROM hotels ORDER BY place`)
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// HotelNightlyAverages returns the mean nightly price per city.
func (s *Store) HotelNightlyAverages(ctx context.Context) (map[string]float64, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT place, AVG(price) FROM hotels GROUP BY place`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var place string
		var avg float64
		if err := rows.Scan(&place, &avg); err != nil {
			return nil, err
		}
		out[place] = avg
	}
	return out, rows.Err()
}

// FindHotels returns the cheapest limit hotels in city with a nightly price at or
// below maxPrice, and the total number that matched.
func (s *Store) FindHotels(ctx context.Context, city string, maxPrice float64, limit int) ([]HotelOffer, int, error) {
	if s.db == nil {
		return nil, 0, ErrClosed
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hotels WHERE place = ? AND price <= ?`, city, maxPrice).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT name, place, price, days FROM hotels
        WHERE place = ? AND price <= ?
        ORDER BY price ASC, name ASC
        LIMIT ?`, city, maxPrice, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	offers := make([]HotelOffer, 0, limit)
	for rows.Next() {
		var h HotelOffer
		if err := rows.Scan(&h.Name, &h.Place, &h.Price, &h.Days); err != nil {
			return nil, 0, err
		}
		offers = append(offers, h)
	}
	return offers, total, rows.Err()
}

// Insights computes dataset counts, the busiest agencies and a flight price
// histogram with the given number of equal-width bins.
func (s *Store) Insights(ctx context.Context, topAgencies, bins int) (*Insights, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	in := &Insights{}
	if err := s.db.QueryRowContext(ctx, `
        SELECT (SELECT COUNT(*) FROM flights), (SELECT COUNT(*) FROM hotels), (SELECT COUNT(*) FROM users)`).
		Scan(&in.Flights, &in.Hotels, &in.Users); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT agency, COUNT(*) AS n FROM flights
        GROUP BY agency ORDER BY n DESC, agency ASC LIMIT ?`, topAgencies)
	if err != nil {
		return nil, err
	}
	in.TopAgencies = make([]AgencyCount, 0, topAgencies)
	for rows.Next() {
		var a AgencyCount
		if err := rows.Scan(&a.Agency, &a.Count); err != nil {
			rows.Close()
			return nil, err
		}
		in.TopAgencies = append(in.TopAgencies, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prices, err := s.flightPrices(ctx)
	if err != nil {
		return nil, err
	}
	in.PriceHistogram = Histogram(prices, bins)
	return in, nil
}

func (s *Store) flightPrices(ctx context.Context) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT price FROM flights`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// Histogram buckets values into n equal-width bins between their min and max.
func Histogram(values []float64, n int) []HistogramBin {
	if len(values) == 0 || n <= 0 {
		return []HistogramBin{}
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	width := (hi - lo) / float64(n)

	bins := make([]HistogramBin, n)
	for i := range bins {
		bins[i].Low = lo + float64(i)*width
		bins[i].High = lo + float64(i+1)*width
	}
	bins[n-1].High = hi

	for _, v := range values {
		i := n - 1
		if width > 0 {
			i = int((v - lo) / width)
			if i >= n {
				i = n - 1
			}
		}
		bins[i].Count++
	}
	return bins
}

// SaveTrainingRun records a finished pipeline run.
func (s *Store) SaveTrainingRun(ctx context.Context, run TrainingRun) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO training_runs (
            run_id, status, failed_step, error, mae, rmse, r2,
            train_rows, test_rows, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Status, run.FailedStep, run.Error, run.MAE, run.RMSE, run.R2,
		run.TrainRows, run.TestRows, run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTrainingRuns returns the most recent runs first.
func (s *Store) ListTrainingRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, run_id, status, failed_step, error, mae, rmse, r2,
               train_rows, test_rows, started_at, finished_at
        FROM training_runs
        ORDER BY started_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var r TrainingRun
		var failedStep, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Status, &failedStep, &errText, &r.MAE, &r.RMSE, &r.R2,
			&r.TrainRows, &r.TestRows, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.FailedStep = failedStep.String
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
