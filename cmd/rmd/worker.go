package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
)

var (
	workerMaster string
	workerName   string
	workerRunDir string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Pull evaluations from a master and run the model",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerMaster, "master", "", "Master gRPC address host:port (defaults to master.address)")
	workerCmd.Flags().StringVar(&workerName, "name", "", "Unique worker name (defaults to host:pid)")
	workerCmd.Flags().StringVar(&workerRunDir, "run-dir", "", "Directory for model input/output files (defaults to model.workdir)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	rc, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	target := workerMaster
	if target == "" {
		target = rc.Master.Address
	}
	name := workerName
	if name == "" {
		name = defaultWorkerName()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracingFromEnv("rmd-worker")
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	agent, client, err := newAgent(rc, target, name, workerRunDir)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	defer client.Close()

	logger.Info("worker started", "master", target, "name", name)
	if err := agent.Run(ctx); err != nil {
		return err
	}
	completed, failed := agent.Stats()
	logger.Info("worker stopped", "completed", completed, "failed", failed)
	return nil
}
