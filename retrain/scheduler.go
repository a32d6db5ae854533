package retrain

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"voyage/db"
)

var (
	ErrSchedulerRunning    = errors.New("scheduler is already running")
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
	ErrRunInProgress       = errors.New("a retraining run is already in progress")
)

// Runner executes one retraining run.
type Runner interface {
	Run(ctx context.Context) (*db.TrainingRun, error)
}

// Scheduler 重训练调度器. Runs the pipeline every interval; ticks missed while a
// run is in progress are dropped, never queued.
type Scheduler struct {
	mu             sync.RWMutex
	running        bool
	startedAt      time.Time
	interval       time.Duration
	lastExecution  time.Time
	lastStatus     string
	executionCount int64
	runner         Runner
	logger         *zap.Logger

	busy    sync.Mutex
	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(interval time.Duration, runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	return &Scheduler{
		interval: interval,
		runner:   runner,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start 启动调度器
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(s.ctx)

	s.logger.Info("retrain scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop 停止调度器 and waits for an in-flight run to observe cancellation.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("retrain scheduler stopped")
	return nil
}

// Trigger asks for a run as soon as possible. Requests made while one is already
// pending collapse into it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, "schedule")
		case <-s.trigger:
			s.execute(ctx, "trigger")
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, reason string) {
	if _, err := s.ExecuteNow(ctx); errors.Is(err, ErrRunInProgress) {
		s.logger.Info("skipping retrain, previous run still in progress", zap.String("reason", reason))
	}
}

// ExecuteNow 立即执行一次. Returns ErrRunInProgress instead of waiting.
func (s *Scheduler) ExecuteNow(ctx context.Context) (*db.TrainingRun, error) {
	if !s.busy.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.busy.Unlock()

	start := time.Now()
	s.mu.Lock()
	s.executionCount++
	n := s.executionCount
	s.lastExecution = start
	s.mu.Unlock()

	s.logger.Info("starting retrain cycle", zap.Int64("cycle", n))
	run, err := s.runner.Run(ctx)

	s.mu.Lock()
	if run != nil {
		s.lastStatus = run.Status
	} else if err != nil {
		s.lastStatus = StatusFail
	}
	s.mu.Unlock()

	s.logger.Info("retrain cycle completed",
		zap.Int64("cycle", n),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return run, err
}

// GetNextExecutionTime 获取下次执行时间: the next tick counted from Start.
// Manual triggers do not move the schedule. Zero when stopped.
func (s *Scheduler) GetNextExecutionTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return time.Time{}
	}
	ticks := time.Since(s.startedAt)/s.interval + 1
	return s.startedAt.Add(ticks * s.interval)
}

// GetStats 获取调度器统计信息
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"running":         s.running,
		"interval":        s.interval.String(),
		"last_execution":  s.lastExecution,
		"last_status":     s.lastStatus,
		"execution_count": s.executionCount,
	}
}
