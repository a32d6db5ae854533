package retrain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voyage/config"
	"voyage/db"
	"voyage/monitoring"
)

// 步骤名称
const (
	StepStart   = "start_pipeline"
	StepTrain   = "retrain_model"
	StepDeploy  = "deploy_container"
	StepNotify  = "notify_success"
	StatusOK    = "success"
	StatusFail  = "failed"
	StatusAbort = "cancelled"
)

// Step is one named unit of the retraining pipeline.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// RetryPolicy 重试策略: a failed step is attempted again Retries times.
type RetryPolicy struct {
	Retries    int
	RetryDelay time.Duration
}

// StepError names the step that stopped a run.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RunSteps executes steps in order. A step that still fails after its retries
// stops the run and later steps are never started.
func RunSteps(ctx context.Context, steps []Step, policy RetryPolicy, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, step := range steps {
		var err error
		attempts := 0
		for attempts <= policy.Retries {
			if attempts > 0 {
				logger.Warn("retrying step",
					zap.String("step", step.Name),
					zap.Int("attempt", attempts+1),
					zap.Duration("delay", policy.RetryDelay),
					zap.Error(err))
				if werr := wait(ctx, policy.RetryDelay); werr != nil {
					return &StepError{Step: step.Name, Attempts: attempts, Err: werr}
				}
			}
			attempts++

			start := time.Now()
			err = step.Run(ctx)
			monitoring.RecordRetrainStep(step.Name, time.Since(start))
			if err == nil || ctx.Err() != nil {
				break
			}
		}
		if err != nil {
			return &StepError{Step: step.Name, Attempts: attempts, Err: err}
		}
		logger.Info("step finished", zap.String("step", step.Name), zap.Int("attempts", attempts))
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunRecorder persists pipeline runs.
type RunRecorder interface {
	SaveTrainingRun(ctx context.Context, run db.TrainingRun) (int64, error)
}

// Notifier delivers pipeline alerts.
type Notifier interface {
	SendAlert(ctx context.Context, alert monitoring.Alert) error
}

// Pipeline 重训练流水线: start, train and publish, deploy, notify.
type Pipeline struct {
	trainer  *Trainer
	deployer *Deployer
	runs     RunRecorder
	notifier Notifier
	policy   RetryPolicy
	logger   *zap.Logger
}

// NewPipeline wires the steps together. runs may be nil.
func NewPipeline(trainer *Trainer, deployer *Deployer, runs RunRecorder, policy RetryPolicy, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{trainer: trainer, deployer: deployer, runs: runs, policy: policy, logger: logger}
}

// WithNotifier sends an alert from the notify step and when a run fails.
func (p *Pipeline) WithNotifier(n Notifier) *Pipeline {
	p.notifier = n
	return p
}

// NotifierFromConfig builds the webhook alert system of the retrain section.
func NotifierFromConfig(c config.RetrainConfig, logger *zap.Logger) *monitoring.AlertSystem {
	return monitoring.NewAlertSystem(monitoring.AlertConfig{
		Webhooks: c.NotifyWebhooks,
		MinLevel: monitoring.AlertLevel(c.NotifyMinLevel),
		Cooldown: c.NotifyCooldown,
	}, logger)
}

// PolicyFromConfig maps the retry settings of the retrain section.
func PolicyFromConfig(c config.RetrainConfig) RetryPolicy {
	return RetryPolicy{Retries: c.Retries, RetryDelay: c.RetryDelay}
}

// Run executes the pipeline once and records the outcome.
func (p *Pipeline) Run(ctx context.Context) (*db.TrainingRun, error) {
	run := &db.TrainingRun{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := p.logger.With(zap.String("run_id", run.RunID))

	var result *Result
	steps := []Step{
		{Name: StepStart, Run: func(context.Context) error {
			log.Info("starting retraining pipeline")
			return nil
		}},
		{Name: StepTrain, Run: func(ctx context.Context) error {
			res, err := p.trainer.Train(ctx)
			if err != nil {
				return err
			}
			if _, err := p.deployer.Publish(res); err != nil {
				return err
			}
			result = res
			return nil
		}},
		{Name: StepDeploy, Run: p.deployer.Restart},
		{Name: StepNotify, Run: func(ctx context.Context) error {
			log.Info("pipeline finished, new model is live",
				zap.Float64("mae", result.Metrics.MAE),
				zap.Float64("r2", result.Metrics.R2))
			if p.notifier == nil {
				return nil
			}
			return p.notifier.SendAlert(ctx, monitoring.Alert{
				Level:   monitoring.AlertInfo,
				Title:   "retraining succeeded",
				Message: fmt.Sprintf("new model is live (MAE %.2f, R2 %.3f)", result.Metrics.MAE, result.Metrics.R2),
				Source:  "retrain",
				Metadata: map[string]interface{}{
					"run_id":     run.RunID,
					"train_rows": result.Metrics.TrainRows,
					"test_rows":  result.Metrics.TestRows,
				},
			})
		}},
	}

	err := RunSteps(ctx, steps, p.policy, log)
	run.FinishedAt = time.Now().UTC()
	if result != nil {
		run.MAE, run.RMSE, run.R2 = result.Metrics.MAE, result.Metrics.RMSE, result.Metrics.R2
		run.TrainRows, run.TestRows = result.Metrics.TrainRows, result.Metrics.TestRows
	}

	switch {
	case err == nil:
		run.Status = StatusOK
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		run.Status = StatusAbort
	default:
		run.Status = StatusFail
	}
	if err != nil {
		run.Error = err.Error()
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			run.FailedStep = stepErr.Step
		}
		log.Error("retraining pipeline failed", zap.String("step", run.FailedStep), zap.Error(err))
		if p.notifier != nil && run.Status == StatusFail && run.FailedStep != StepNotify {
			alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			if aerr := p.notifier.SendAlert(alertCtx, monitoring.Alert{
				Level:    monitoring.AlertCritical,
				Title:    "retraining failed",
				Message:  run.Error,
				Source:   "retrain",
				Metadata: map[string]interface{}{"run_id": run.RunID, "step": run.FailedStep},
			}); aerr != nil {
				log.Warn("failed to send failure alert", zap.Error(aerr))
			}
			cancel()
		}
	}
	monitoring.RecordRetrainRun(run.Status)

	if p.runs != nil {
		// record even when ctx was cancelled
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		id, serr := p.runs.SaveTrainingRun(saveCtx, *run)
		cancel()
		if serr != nil {
			log.Warn("failed to record training run", zap.Error(serr))
		} else {
			run.ID = id
		}
	}
	return run, err
}
