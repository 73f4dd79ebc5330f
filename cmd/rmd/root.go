package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/config"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "rmd",
	Short: "Distributed run manager for SQP optimization",
	Long: `rmd runs an SQP optimizer whose finite-difference or ensemble model
evaluations are farmed out to a pool of worker processes over gRPC.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "run.yaml", "Run configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON instead of text")
}

func setupLogger(level string) {
	if logJSON {
		logger.SetDefault(logger.New(level, os.Stderr))
		return
	}
	logger.SetDefault(logger.NewText(level, os.Stderr))
}

// loadConfig loads the run config and resolves model and output paths relative
// to the config file. The config's log_level applies unless --log-level was given.
func loadConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	rc, err := config.LoadRunConfig(configPath)
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	if !cmd.Flags().Changed("log-level") {
		setupLogger(rc.LogLevel)
	}

	base := filepath.Dir(configPath)
	rc.Model.Workdir = resolvePath(base, rc.Model.Workdir)
	rc.Output.Dir = resolvePath(base, rc.Output.Dir)
	return rc, nil
}

func resolvePath(base, path string) string {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
