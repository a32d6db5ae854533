package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CleaningRule 清洗规则
type CleaningRule[T any] interface {
	Apply(*T) (*T, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Dataset   string    `json:"dataset"`
	Row       int       `json:"row"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// DataCleaner 数据清洗器
type DataCleaner[T comparable] struct {
	dataset string
	rules   []CleaningRule[T]
	logger  *zap.Logger

	stats     CleaningStats
	statsLock sync.RWMutex
}

// NewDataCleaner 创建数据清洗器
func NewDataCleaner[T comparable](dataset string, logger *zap.Logger, rules ...CleaningRule[T]) *DataCleaner[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	dc := &DataCleaner[T]{
		dataset: dataset,
		logger:  logger,
		stats:   CleaningStats{Issues: make(map[string]int64)},
	}
	for _, r := range rules {
		dc.AddRule(r)
	}
	return dc
}

func NewFlightCleaner(logger *zap.Logger) *DataCleaner[FlightRecord] {
	return NewDataCleaner[FlightRecord]("flights", logger,
		NewWhitespaceRule(func(f *FlightRecord) []*string {
			return []*string{&f.From, &f.To, &f.FlightType, &f.Agency}
		}),
		RuleFunc("required_fields", func(f *FlightRecord) error {
			if f.From == "" || f.To == "" || f.FlightType == "" || f.Agency == "" {
				return fmt.Errorf("from, to, flightType and agency are required")
			}
			return nil
		}),
		RuleFunc("price_validation", func(f *FlightRecord) error {
			if f.Price < 0 {
				return fmt.Errorf("price %.2f is negative", f.Price)
			}
			return nil
		}),
		RuleFunc("distance_validation", func(f *FlightRecord) error {
			if f.Distance <= 0 {
				return fmt.Errorf("distance %.2f must be positive", f.Distance)
			}
			if f.Time < 0 {
				return fmt.Errorf("time %.2f is negative", f.Time)
			}
			return nil
		}),
		RuleFunc("date_validation", func(f *FlightRecord) error {
			if f.Date.IsZero() {
				return fmt.Errorf("travel date is missing")
			}
			return nil
		}),
		NewDuplicateDetectionRule(func(f *FlightRecord) string { return f.TravelCode }),
	)
}

func NewHotelCleaner(logger *zap.Logger) *DataCleaner[HotelRecord] {
	return NewDataCleaner[HotelRecord]("hotels", logger,
		NewWhitespaceRule(func(h *HotelRecord) []*string {
			return []*string{&h.Name, &h.Place}
		}),
		RuleFunc("required_fields", func(h *HotelRecord) error {
			if h.Name == "" || h.Place == "" {
				return fmt.Errorf("name and place are required")
			}
			return nil
		}),
		RuleFunc("price_validation", func(h *HotelRecord) error {
			if h.Price < 0 {
				return fmt.Errorf("nightly price %.2f is negative", h.Price)
			}
			if h.Days < 0 {
				return fmt.Errorf("days %d is negative", h.Days)
			}
			return nil
		}),
	)
}

func NewUserCleaner(logger *zap.Logger) *DataCleaner[UserRecord] {
	return NewDataCleaner[UserRecord]("users", logger,
		NewWhitespaceRule(func(u *UserRecord) []*string {
			return []*string{&u.Code, &u.Name, &u.Gender, &u.Company}
		}),
		RuleFunc("required_fields", func(u *UserRecord) error {
			if u.Name == "" || u.Gender == "" {
				return fmt.Errorf("name and gender are required")
			}
			return nil
		}),
		NewDuplicateDetectionRule(func(u *UserRecord) string { return u.Code }),
	)
}

// AddRule 添加清洗规则
func (dc *DataCleaner[T]) AddRule(rule CleaningRule[T]) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("dataset", dc.dataset), zap.String("rule", rule.Name()))
}

// Clean 清洗数据. Records failing any rule are dropped and reported.
func (dc *DataCleaner[T]) Clean(records []T) ([]T, []QualityIssue) {
	cleaned := make([]T, 0, len(records))
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for i := range records {
		dc.stats.TotalProcessed++
		original := records[i]
		rec := original
		point := &rec

		var rowIssues []QualityIssue
		for _, rule := range dc.rules {
			out, err := rule.Apply(point)
			if err != nil {
				rowIssues = append(rowIssues, QualityIssue{
					Type:      rule.Name(),
					Severity:  "high",
					Message:   err.Error(),
					Timestamp: time.Now(),
					Dataset:   dc.dataset,
					Row:       i,
				})
				dc.stats.Issues[rule.Name()]++
				continue
			}
			if out != nil {
				point = out
			}
		}

		if len(rowIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, rowIssues...)
			continue
		}
		if *point != original {
			dc.stats.Corrected++
		}
		dc.stats.Passed++
		cleaned = append(cleaned, *point)
	}
	dc.stats.LastClean = time.Now()

	if len(issues) > 0 {
		dc.logger.Warn("rows rejected during cleaning",
			zap.String("dataset", dc.dataset),
			zap.Int("rejected", len(records)-len(cleaned)),
			zap.Int("kept", len(cleaned)))
	}
	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner[T]) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	out := dc.stats
	out.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		out.Issues[k] = v
	}
	return out
}

// ============ 清洗规则实现 ============

type funcRule[T any] struct {
	name string
	fn   func(*T) error
}

// RuleFunc adapts a check into a rule that never modifies the record.
func RuleFunc[T any](name string, fn func(*T) error) CleaningRule[T] {
	return funcRule[T]{name: name, fn: fn}
}

func (r funcRule[T]) Name() string { return r.name }

func (r funcRule[T]) Apply(rec *T) (*T, error) {
	if err := r.fn(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// WhitespaceRule 空白规范化: trims and collapses internal whitespace of text fields.
type WhitespaceRule[T any] struct {
	fields func(*T) []*string
}

func NewWhitespaceRule[T any](fields func(*T) []*string) *WhitespaceRule[T] {
	return &WhitespaceRule[T]{fields: fields}
}

func (r *WhitespaceRule[T]) Name() string { return "whitespace_normalization" }

func (r *WhitespaceRule[T]) Apply(rec *T) (*T, error) {
	for _, f := range r.fields(rec) {
		*f = strings.Join(strings.Fields(*f), " ")
	}
	return rec, nil
}

// DuplicateDetectionRule 重复检测规则. Empty keys are never duplicates.
type DuplicateDetectionRule[T any] struct {
	key     func(*T) string
	seenMap map[string]struct{}
	mu      sync.Mutex
}

func NewDuplicateDetectionRule[T any](key func(*T) string) *DuplicateDetectionRule[T] {
	return &DuplicateDetectionRule[T]{
		key:     key,
		seenMap: make(map[string]struct{}),
	}
}

func (r *DuplicateDetectionRule[T]) Name() string {
	return "duplicate_detection"
}

func (r *DuplicateDetectionRule[T]) Apply(rec *T) (*T, error) {
	k := r.key(rec)
	if k == "" {
		return rec, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.seenMap[k]; exists {
		return nil, fmt.Errorf("duplicate record %q", k)
	}
	r.seenMap[k] = struct{}{}
	return rec, nil
}
