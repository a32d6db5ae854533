// Command retrain rebuilds the model artifacts from the CSV datasets.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voyage/config"
	"voyage/db"
	"voyage/logger"
	"voyage/monitoring"
	"voyage/retrain"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Retrain and deploy the Voyage Analytics models",
	Long: `retrain rebuilds the flight price, gender and hotel recommendation artifacts
from the cleaned CSV datasets, publishes them into the artifact directory and runs
the configured deploy command.`,
	SilenceUsage: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train all models once and publish the artifacts, without deploying",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		res, err := env.trainer.Train(cmd.Context())
		if err != nil {
			return err
		}
		files, err := env.deployer.Publish(res)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]interface{}{
			"metrics":   res.Metrics,
			"ingestion": res.Ingestion,
			"files":     files,
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline once: train, publish, deploy, notify",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		run, err := env.pipeline.Run(cmd.Context())
		if run != nil {
			printJSON(cmd, run)
		}
		stats := env.alerts.Stats()
		env.log.Info("notifications",
			zap.Int64("sent", stats.Sent),
			zap.Int64("suppressed", stats.Suppressed),
			zap.Int64("failed", stats.Failed))
		return err
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on the configured interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		sched := retrain.NewScheduler(env.cfg.Retrain.Interval, env.pipeline, env.log)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		if runNow, _ := cmd.Flags().GetBool("now"); runNow {
			sched.Trigger()
		}
		env.log.Info("scheduler started", zap.Time("next_run", sched.GetNextExecutionTime()))

		if env.cfg.Retrain.WatchData {
			watcher, err := retrain.NewDataWatcher(
				[]string{env.cfg.Dataset.Flights, env.cfg.Dataset.Hotels, env.cfg.Dataset.Users},
				0, sched.Trigger, env.log)
			if err != nil {
				return fmt.Errorf("watch datasets: %w", err)
			}
			go watcher.Run(ctx)
			env.log.Info("watching dataset files for changes")
		}

		<-ctx.Done()
		env.log.Info("scheduler interrupted", zap.Any("stats", sched.GetStats()))
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := env.store.ListTrainingRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(cmd, runs)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")
	scheduleCmd.Flags().Bool("now", false, "run once immediately before waiting for the first interval")
	runsCmd.Flags().Int("limit", 20, "number of runs to show")

	rootCmd.AddCommand(trainCmd, runCmd, scheduleCmd, runsCmd)
}

type environment struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *db.Store
	trainer  *retrain.Trainer
	deployer *retrain.Deployer
	pipeline *retrain.Pipeline
	alerts   *monitoring.AlertSystem
}

func setup() (*environment, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if !os.IsNotExist(err) || rootCmd.PersistentFlags().Changed("config") {
			return nil, err
		}
		cfg = config.Default()
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	trainer := retrain.NewTrainer(cfg.Dataset, store, retrain.ParamsFromConfig(cfg.Retrain), log)
	deployer := retrain.NewDeployer(cfg.Artifacts, cfg.Retrain.DeployCommand, log)
	alerts := retrain.NotifierFromConfig(cfg.Retrain, log)
	return &environment{
		cfg:      cfg,
		log:      log,
		store:    store,
		trainer:  trainer,
		deployer: deployer,
		pipeline: retrain.NewPipeline(trainer, deployer, store, retrain.PolicyFromConfig(cfg.Retrain), log).
			WithNotifier(alerts),
		alerts: alerts,
	}, nil
}

func (e *environment) close() {
	e.store.Close()
	e.log.Sync()
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
