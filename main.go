package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"voyage/config"
	"voyage/db"
	vhttp "voyage/http"
	"voyage/logger"
	"voyage/ml"
	"voyage/monitoring"
	"voyage/pipeline"
	"voyage/planner"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. Load config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logr.Sync()

	// 2. Load model artifacts; a missing file only disables its feature
	artifacts := ml.LoadArtifacts(ml.ArtifactPaths{
		PriceModel:    cfg.Artifacts.PriceModelPath(),
		PriceMetadata: cfg.Artifacts.PriceMetadataPath(),
		GenderModel:   cfg.Artifacts.GenderModelPath(),
		Recommender:   cfg.Artifacts.RecommenderPath(),
	}, cfg.Recommender.CacheSize, logr)
	monitoring.SetModelStatus(artifacts.Status())

	// 3. Initialize database and ingest the datasets
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		logr.Fatal("failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer store.Close()
	logr.Info("database initialized", zap.String("path", cfg.Database.Path))

	ingestCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	stats, err := pipeline.NewDataIngester(cfg.Dataset, store, logr).Ingest(ingestCtx)
	cancel()
	if err != nil {
		// the previous snapshot in the database keeps serving
		logr.Warn("dataset ingestion failed", zap.Error(err))
	} else {
		logr.Info("datasets ingested",
			zap.Int64("flights", stats.Flights.Passed),
			zap.Int64("hotels", stats.Hotels.Passed),
			zap.Int64("users", stats.Users.Passed),
			zap.Int("parse_errors", stats.ParseErrors))
	}

	// 4. Trip planner
	var estimator planner.PriceEstimator = planner.LocalPriceEstimator{Model: artifacts}
	if cfg.Planner.PriceEndpoint != "" {
		estimator = planner.NewHTTPPriceClient(cfg.Planner.PriceEndpoint, cfg.Planner.CallTimeout, logr)
		logr.Info("planner prices flights over HTTP", zap.String("endpoint", cfg.Planner.PriceEndpoint))
	}
	tripPlanner := planner.New(estimator, store, planner.OptionsFromConfig(cfg.Planner), logr)

	// 5. Start HTTP server
	server := vhttp.NewServer(vhttp.ServerConfigFrom(cfg), artifacts, tripPlanner, store, logr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 6. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logr.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logr.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Stop(shutdownCtx); err != nil {
		logr.Warn("server forced to shutdown", zap.Error(err))
	}
	logr.Info("exiting")
}

// loadConfig falls back to defaults when the default config file is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && os.IsNotExist(err) && path == "config.yaml" {
		log.Printf("config.yaml not found, using defaults")
		return config.Default(), nil
	}
	return cfg, err
}
