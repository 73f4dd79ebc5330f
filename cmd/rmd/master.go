package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/output"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runmanager"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/sqp"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/statusd"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/transport"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/worker"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/config"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/utils"
)

var (
	masterAddress string
	httpAddress   string
	outputDir     string
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the optimizer and serve evaluations to remote workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyMasterFlags(cmd, rc)
		return runMaster(rc, 0)
	},
}

func init() {
	addMasterFlags(masterCmd)
	rootCmd.AddCommand(masterCmd)
}

func addMasterFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&masterAddress, "address", "", "gRPC listen address (overrides master.address)")
	cmd.Flags().StringVar(&httpAddress, "http-address", "", "Status HTTP address (overrides master.http_address)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Output directory (overrides output.dir)")
}

func applyMasterFlags(cmd *cobra.Command, rc *config.RunConfig) {
	if cmd.Flags().Changed("address") {
		rc.Master.Address = masterAddress
	}
	if cmd.Flags().Changed("http-address") {
		rc.Master.HTTPAddress = httpAddress
	}
	if cmd.Flags().Changed("output-dir") {
		rc.Output.Dir = outputDir
	}
}

// runMaster serves the protocol, runs the driver to a terminal state and writes the
// summary. localWorkers agents are started in-process against the same listener.
func runMaster(rc *config.RunConfig, localWorkers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracingFromEnv("rmd-master")
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("failed to init tracing: %w", err)}
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	mcfg, err := runmanager.ConfigFromRunConfig(rc)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	manager := runmanager.New(mcfg)

	dcfg, err := sqp.ConfigFromRunConfig(rc)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	sessionID := utils.GenerateSessionID()
	writer, err := output.NewWriter(rc.Output.Dir, rc.Output.Prefix, sessionID, dcfg.Mode)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	dcfg.Sink = writer
	driver, err := sqp.NewDriver(dcfg, manager)
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	hbInterval, err := rc.Timeouts.GetHeartbeatInterval()
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	lis, err := net.Listen("tcp", rc.Master.Address)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("failed to listen on %s: %w", rc.Master.Address, err)}
	}

	// servers outlive the driver so workers can drain until the summary is written
	srvCtx, stopServers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := transport.Serve(srvCtx, lis, transport.NewServer(manager, hbInterval)); err != nil {
			logger.Error("gRPC server error", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		manager.Run(srvCtx)
	}()
	if rc.Master.HTTPAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusd.NewHTTPServer(manager, observability.Default, driver).Serve(srvCtx, rc.Master.HTTPAddress); err != nil {
				logger.Error("status server error", "error", err)
			}
		}()
	}

	agentCtx, stopAgents := context.WithCancel(context.Background())
	var agents sync.WaitGroup
	for i := 0; i < localWorkers; i++ {
		if err := startLocalAgent(agentCtx, &agents, rc, lis.Addr().String(), i); err != nil {
			logger.Error("failed to start local worker", "index", i, "error", err)
		}
	}

	logger.Info("master started", "session_id", sessionID, "mode", dcfg.Mode.String(), "local_workers", localWorkers)
	res := driver.Run(ctx)

	stopAgents()
	agents.Wait()

	path, werr := writer.WriteSummary(res)
	if werr != nil {
		logger.Error("failed to write summary", "error", werr)
	} else {
		logger.Info("summary written", "path", path)
	}

	stopServers()
	wg.Wait()

	if code := res.ExitCode(); code != 0 {
		return &exitError{code: code, err: fmt.Errorf("optimization %s: %s", res.Reason, res.Message)}
	}
	if werr != nil {
		return &exitError{code: 1, err: werr}
	}
	return nil
}

func startLocalAgent(ctx context.Context, wg *sync.WaitGroup, rc *config.RunConfig, target string, index int) error {
	runDir := filepath.Join(rc.Output.Dir, "workers", fmt.Sprintf("w%d", index))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	agent, client, err := newAgent(rc, target, fmt.Sprintf("local-%d", index), runDir)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer client.Close()
		if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("local worker stopped", "index", index, "error", err)
		}
	}()
	return nil
}

// newAgent dials the master and builds an agent running the configured model in runDir
func newAgent(rc *config.RunConfig, target, name, runDir string) (*worker.Agent, *transport.Client, error) {
	runner, err := worker.NewExecRunner(rc, runDir)
	if err != nil {
		return nil, nil, err
	}
	poll, err := rc.Timeouts.GetPollInterval()
	if err != nil {
		return nil, nil, err
	}
	hb, err := rc.Timeouts.GetHeartbeatInterval()
	if err != nil {
		return nil, nil, err
	}
	client, err := transport.Dial(target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial master %s: %w", target, err)
	}
	agent := worker.NewAgent(worker.Config{
		Address:           name,
		HeartbeatInterval: hb,
		PollInterval:      poll,
		MaxPollInterval:   8 * poll,
		Logger:            logger.Component("worker").With("worker", name),
	}, client, runner)
	return agent, client, nil
}
