package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		RateLimit      float64       `yaml:"rate_limit"`
		Burst          int           `yaml:"burst"`
		TrustedProxies []string      `yaml:"trusted_proxies"`
	} `yaml:"http"`
	Log      LogConfig `yaml:"log"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Artifacts   ArtifactsConfig `yaml:"artifacts"`
	Dataset     DatasetConfig   `yaml:"dataset"`
	Planner     PlannerConfig   `yaml:"planner"`
	Recommender struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"recommender"`
	Retrain RetrainConfig `yaml:"retrain"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ArtifactsConfig struct {
	Dir             string `yaml:"dir"`
	PriceModel      string `yaml:"price_model"`
	PriceMetadata   string `yaml:"price_metadata"`
	GenderModel     string `yaml:"gender_model"`
	RecommenderData string `yaml:"recommender_bundle"`
}

// PriceModelPath and friends resolve artifact file names against Dir.
func (a ArtifactsConfig) PriceModelPath() string    { return a.resolve(a.PriceModel) }
func (a ArtifactsConfig) PriceMetadataPath() string { return a.resolve(a.PriceMetadata) }
func (a ArtifactsConfig) GenderModelPath() string   { return a.resolve(a.GenderModel) }
func (a ArtifactsConfig) RecommenderPath() string   { return a.resolve(a.RecommenderData) }

func (a ArtifactsConfig) resolve(name string) string {
	if filepath.IsAbs(name) || a.Dir == "" {
		return name
	}
	return filepath.Join(a.Dir, name)
}

type DatasetConfig struct {
	Flights string `yaml:"flights"`
	Hotels  string `yaml:"hotels"`
	Users   string `yaml:"users"`
}

type PlannerConfig struct {
	PriceEndpoint string        `yaml:"price_endpoint"`
	Workers       int           `yaml:"workers"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	SentinelCost  float64       `yaml:"sentinel_cost"`
	MaxDays       int           `yaml:"max_days"`
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	FlightProfile FlightProfileConfig `yaml:"flight_profile"`
}

// FlightProfileConfig is the synthetic flight the planner prices for every destination.
type FlightProfileConfig struct {
	FlightType string  `yaml:"flight_type"`
	Agency     string  `yaml:"agency"`
	Time       float64 `yaml:"time"`
	Distance   float64 `yaml:"distance"`
	Day        int     `yaml:"day"`
	Month      int     `yaml:"month"`
	Year       int     `yaml:"year"`
}

type RetrainConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Retries       int           `yaml:"retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	DeployCommand string        `yaml:"deploy_command"`
	WatchData     bool          `yaml:"watch_data"`
	NEstimators   int           `yaml:"n_estimators"`
	MaxDepth      int           `yaml:"max_depth"`
	MinLeafSize   int           `yaml:"min_leaf_size"`
	TestRatio     float64       `yaml:"test_ratio"`
	Seed          int64         `yaml:"seed"`

	// NotifyWebhooks receive a JSON alert when a run succeeds or fails.
	NotifyWebhooks []string      `yaml:"notify_webhooks"`
	NotifyMinLevel string        `yaml:"notify_min_level"`
	NotifyCooldown time.Duration `yaml:"notify_cooldown"`
}

// Load reads a YAML config file and fills in defaults for anything left unset.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var config Config
	config.ApplyDefaults()
	return &config
}

func (c *Config) ApplyDefaults() {
	if c.Http.Port == 0 {
		c.Http.Port = 5000
	}
	if c.Http.Timeout == 0 {
		c.Http.Timeout = 30 * time.Second
	}
	if len(c.Http.AllowedOrigins) == 0 {
		c.Http.AllowedOrigins = []string{"*"}
	}
	if c.Http.RateLimit == 0 {
		c.Http.RateLimit = 50
	}
	if c.Http.Burst == 0 {
		c.Http.Burst = 100
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}

	if c.Database.Path == "" {
		c.Database.Path = "data/voyage.db"
	}

	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "models"
	}
	if c.Artifacts.PriceModel == "" {
		c.Artifacts.PriceModel = "flight_price_model.json"
	}
	if c.Artifacts.PriceMetadata == "" {
		c.Artifacts.PriceMetadata = "model_metadata.json"
	}
	if c.Artifacts.GenderModel == "" {
		c.Artifacts.GenderModel = "gender_model.json"
	}
	if c.Artifacts.RecommenderData == "" {
		c.Artifacts.RecommenderData = "recommender_bundle.json"
	}

	if c.Dataset.Flights == "" {
		c.Dataset.Flights = "data/cleaned_flights.csv"
	}
	if c.Dataset.Hotels == "" {
		c.Dataset.Hotels = "data/cleaned_hotels.csv"
	}
	if c.Dataset.Users == "" {
		c.Dataset.Users = "data/cleaned_users.csv"
	}

	if c.Planner.Workers == 0 {
		c.Planner.Workers = 4
	}
	if c.Planner.CallTimeout == 0 {
		c.Planner.CallTimeout = 5 * time.Second
	}
	if c.Planner.SentinelCost == 0 {
		c.Planner.SentinelCost = 9999
	}
	if c.Planner.MaxDays == 0 {
		c.Planner.MaxDays = 30
	}
	if c.Planner.CacheSize == 0 {
		c.Planner.CacheSize = 256
	}
	if c.Planner.CacheTTL == 0 {
		c.Planner.CacheTTL = 10 * time.Minute
	}
	fp := &c.Planner.FlightProfile
	if fp.FlightType == "" {
		fp.FlightType = "firstClass"
	}
	if fp.Agency == "" {
		fp.Agency = "FlyingDrops"
	}
	if fp.Time == 0 {
		fp.Time = 1.5
	}
	if fp.Distance == 0 {
		fp.Distance = 600
	}
	if fp.Day == 0 {
		fp.Day = 10
	}
	if fp.Month == 0 {
		fp.Month = 10
	}
	if fp.Year == 0 {
		fp.Year = 2019
	}

	if c.Recommender.CacheSize == 0 {
		c.Recommender.CacheSize = 1024
	}

	if c.Retrain.Interval == 0 {
		c.Retrain.Interval = 7 * 24 * time.Hour
	}
	if c.Retrain.Retries == 0 {
		c.Retrain.Retries = 1
	}
	if c.Retrain.RetryDelay == 0 {
		c.Retrain.RetryDelay = 5 * time.Minute
	}
	if c.Retrain.NEstimators == 0 {
		c.Retrain.NEstimators = 50
	}
	if c.Retrain.MaxDepth == 0 {
		c.Retrain.MaxDepth = 12
	}
	if c.Retrain.MinLeafSize == 0 {
		c.Retrain.MinLeafSize = 2
	}
	if c.Retrain.TestRatio == 0 {
		c.Retrain.TestRatio = 0.2
	}
	if c.Retrain.Seed == 0 {
		c.Retrain.Seed = 42
	}
	if c.Retrain.NotifyMinLevel == "" {
		c.Retrain.NotifyMinLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.Http.Port)
	}
	if c.Http.RateLimit < 0 || c.Http.Burst < 0 {
		return errors.New("rate limit and burst must not be negative")
	}
	for _, proxy := range c.Http.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(proxy); err != nil {
			return fmt.Errorf("invalid trusted proxy %q", proxy)
		}
	}
	if c.Planner.Workers < 1 {
		return errors.New("planner workers must be positive")
	}
	if c.Planner.CallTimeout < 0 {
		return errors.New("planner call timeout must not be negative")
	}
	if c.Planner.MaxDays < 1 {
		return errors.New("planner max days must be positive")
	}
	if c.Retrain.Retries < 0 {
		return errors.New("retrain retries must not be negative")
	}
	switch c.Retrain.NotifyMinLevel {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("unknown notify level %q", c.Retrain.NotifyMinLevel)
	}
	if c.Retrain.TestRatio <= 0 || c.Retrain.TestRatio >= 1 {
		return fmt.Errorf("retrain test ratio %.2f out of range (0,1)", c.Retrain.TestRatio)
	}
	return nil
}
