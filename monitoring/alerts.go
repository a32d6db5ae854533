package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

func (l AlertLevel) rank() int {
	switch l {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	default:
		return 0
	}
}

// Alert 告警
type Alert struct {
	ID        string                 `json:"id"`
	Level     AlertLevel             `json:"level"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AlertStats counts what the notifier did with the alerts it was given.
type AlertStats struct {
	Sent       int64 `json:"sent"`
	Suppressed int64 `json:"suppressed"`
	Failed     int64 `json:"failed"`
}

// AlertConfig 告警配置
type AlertConfig struct {
	Webhooks []string
	MinLevel AlertLevel
	// Cooldown suppresses repeats of the same title.
	Cooldown time.Duration
	Timeout  time.Duration
}

// AlertSystem posts alerts as JSON to webhooks. Every alert is logged whether
// or not a webhook is configured.
type AlertSystem struct {
	config AlertConfig
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	stats    AlertStats
}

func NewAlertSystem(cfg AlertConfig, logger *zap.Logger) *AlertSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &AlertSystem{
		config:   cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.Named("alerts"),
		lastSent: make(map[string]time.Time),
	}
}

// SendAlert delivers alert to every webhook. It returns the first delivery
// error; the remaining webhooks are still tried.
func (as *AlertSystem) SendAlert(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.Level == "" {
		alert.Level = AlertInfo
	}

	as.logAlert(alert)
	if alert.Level.rank() < as.config.MinLevel.rank() || !as.admit(alert) {
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	var firstErr error
	for _, url := range as.config.Webhooks {
		if err := as.post(ctx, url, body); err != nil {
			as.logger.Warn("alert delivery failed", zap.String("webhook", url), zap.Error(err))
			as.count(func(s *AlertStats) { s.Failed++ })
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		as.count(func(s *AlertStats) { s.Sent++ })
	}
	return firstErr
}

// admit applies the per-title cooldown.
func (as *AlertSystem) admit(alert Alert) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if last, ok := as.lastSent[alert.Title]; ok && as.config.Cooldown > 0 &&
		alert.Timestamp.Sub(last) < as.config.Cooldown {
		as.stats.Suppressed++
		return false
	}
	as.lastSent[alert.Title] = alert.Timestamp
	return true
}

func (as *AlertSystem) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := as.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (as *AlertSystem) logAlert(alert Alert) {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("source", alert.Source),
		zap.String("message", alert.Message),
	}
	switch alert.Level {
	case AlertCritical:
		as.logger.Error("alert", fields...)
	case AlertWarning:
		as.logger.Warn("alert", fields...)
	default:
		as.logger.Info("alert", fields...)
	}
}

func (as *AlertSystem) count(fn func(*AlertStats)) {
	as.mu.Lock()
	fn(&as.stats)
	as.mu.Unlock()
}

// Stats returns a snapshot of the delivery counters.
func (as *AlertSystem) Stats() AlertStats {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.stats
}
