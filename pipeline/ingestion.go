package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"voyage/config"
)

// Dataset is one cleaned snapshot of the three source files.
type Dataset struct {
	Flights []FlightRecord
	Hotels  []HotelRecord
	Users   []UserRecord
	Issues  []QualityIssue
}

// DatasetStore 数据存储接口
type DatasetStore interface {
	ReplaceDataset(ctx context.Context, ds *Dataset) error
}

// IngestionStats 摄取统计
type IngestionStats struct {
	Flights       CleaningStats  `json:"flights"`
	Hotels        CleaningStats  `json:"hotels"`
	Users         CleaningStats  `json:"users"`
	ParseErrors   int            `json:"parse_errors"`
	Issues        []QualityIssue `json:"issues,omitempty"`
	LastIngestion time.Time      `json:"last_ingestion"`
}

// DataIngester 数据摄取器: reads, cleans and stores the CSV datasets.
type DataIngester struct {
	paths   config.DatasetConfig
	storage DatasetStore
	logger  *zap.Logger
}

// NewDataIngester 创建数据摄取器
func NewDataIngester(paths config.DatasetConfig, storage DatasetStore, logger *zap.Logger) *DataIngester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataIngester{paths: paths, storage: storage, logger: logger}
}

// Load reads and cleans all datasets without storing them. The users file is
// optional; flights and hotels are required.
func (di *DataIngester) Load() (*Dataset, IngestionStats, error) {
	var stats IngestionStats
	ds := &Dataset{}

	flights, flightErrs, err := ReadFlightsFile(di.paths.Flights)
	if err != nil {
		return nil, stats, fmt.Errorf("read flights: %w", err)
	}
	hotels, hotelErrs, err := ReadHotelsFile(di.paths.Hotels)
	if err != nil {
		return nil, stats, fmt.Errorf("read hotels: %w", err)
	}
	var users []UserRecord
	var userErrs []RowError
	if di.paths.Users != "" {
		users, userErrs, err = ReadUsersFile(di.paths.Users)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, stats, fmt.Errorf("read users: %w", err)
			}
			di.logger.Warn("users dataset not found, continuing without it", zap.String("path", di.paths.Users))
		}
	}

	stats.ParseErrors = len(flightErrs) + len(hotelErrs) + len(userErrs)
	for _, rowErrs := range [][]RowError{flightErrs, hotelErrs, userErrs} {
		for _, re := range rowErrs {
			di.logger.Debug("unparseable row", zap.Int("line", re.Line), zap.Error(re.Err))
		}
	}

	var issues []QualityIssue
	flightCleaner := NewFlightCleaner(di.logger)
	ds.Flights, issues = flightCleaner.Clean(flights)
	stats.Issues = append(stats.Issues, issues...)
	stats.Flights = flightCleaner.GetStats()

	hotelCleaner := NewHotelCleaner(di.logger)
	ds.Hotels, issues = hotelCleaner.Clean(hotels)
	stats.Issues = append(stats.Issues, issues...)
	stats.Hotels = hotelCleaner.GetStats()

	userCleaner := NewUserCleaner(di.logger)
	ds.Users, issues = userCleaner.Clean(users)
	stats.Issues = append(stats.Issues, issues...)
	stats.Users = userCleaner.GetStats()

	ds.Issues = stats.Issues
	stats.LastIngestion = time.Now()
	return ds, stats, nil
}

// Ingest loads the datasets and replaces the stored snapshot in one transaction.
func (di *DataIngester) Ingest(ctx context.Context) (IngestionStats, error) {
	ds, stats, err := di.Load()
	if err != nil {
		return stats, err
	}
	if err := di.storage.ReplaceDataset(ctx, ds); err != nil {
		return stats, fmt.Errorf("store dataset: %w", err)
	}
	di.logger.Info("dataset ingested",
		zap.Int("flights", len(ds.Flights)),
		zap.Int("hotels", len(ds.Hotels)),
		zap.Int("users", len(ds.Users)),
		zap.Int("parse_errors", stats.ParseErrors),
		zap.Int("quality_issues", len(stats.Issues)))
	return stats, nil
}
