package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/config"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// ModelRunner evaluates the model for one parameter vector
type ModelRunner interface {
	Run(ctx context.Context, params models.ParameterVector) (models.ObservationVector, error)
}

// ModelRunnerFunc adapts a function to ModelRunner
type ModelRunnerFunc func(ctx context.Context, params models.ParameterVector) (models.ObservationVector, error)

// Run calls f
func (f ModelRunnerFunc) Run(ctx context.Context, params models.ParameterVector) (models.ObservationVector, error) {
	return f(ctx, params)
}

// EnvModelDir points model commands at the directory holding the model files
const EnvModelDir = "RMD_MODEL_DIR"

const outputTailBytes = 2048

// ExecRunner runs the external model as a sequence of shell commands
type ExecRunner struct {
	Commands []string
	// ModelDir holds the model itself and is exported to commands as RMD_MODEL_DIR
	ModelDir string
	// RunDir is where parameter and observation files live and commands run; defaults to ModelDir
	RunDir           string
	ParameterFile    string
	ObservationFile  string
	ObservationNames []string
	Timeout          time.Duration
	Shell            string
}

// NewExecRunner builds a runner from the model section of the run config
func NewExecRunner(cfg *config.RunConfig, runDir string) (*ExecRunner, error) {
	timeout, err := cfg.Timeouts.GetEvaluation()
	if err != nil {
		return nil, fmt.Errorf("invalid evaluation timeout: %w", err)
	}
	modelDir, err := filepath.Abs(cfg.Model.Workdir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model workdir: %w", err)
	}
	return &ExecRunner{
		Commands:         append([]string(nil), cfg.Model.Commands...),
		ModelDir:         modelDir,
		RunDir:           runDir,
		ParameterFile:    cfg.Model.ParameterFile,
		ObservationFile:  cfg.Model.ObservationFile,
		ObservationNames: cfg.ObservationNames(),
		Timeout:          timeout,
	}, nil
}

// Run removes stale files, writes the parameter file, runs every command in
// order and reads the observation file
func (r *ExecRunner) Run(ctx context.Context, params models.ParameterVector) (models.ObservationVector, error) {
	dir := r.runDir()
	parPath := filepath.Join(dir, r.ParameterFile)
	obsPath := filepath.Join(dir, r.ObservationFile)

	for _, p := range []string{parPath, obsPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return models.ObservationVector{}, evalError(models.FailureModelCrashed, err, "failed to remove stale file %s", p)
		}
	}
	if err := WriteParameterFile(parPath, params); err != nil {
		return models.ObservationVector{}, evalError(models.FailureModelCrashed, err, "failed to write parameter file")
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	for i, command := range r.Commands {
		if err := r.runCommand(runCtx, dir, command); err != nil {
			if ctx.Err() != nil {
				return models.ObservationVector{}, ctx.Err()
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return models.ObservationVector{}, evalError(models.FailureTimedOut, nil, "command %d exceeded %s", i, r.Timeout)
			}
			return models.ObservationVector{}, evalError(models.FailureModelCrashed, err, "command %d (%s)", i, command)
		}
	}

	obs, err := ReadObservationFile(obsPath, r.ObservationNames)
	if err != nil {
		return models.ObservationVector{}, evalError(models.FailureMalformedOutput, err, "failed to read observations")
	}
	return obs, nil
}

func (r *ExecRunner) runDir() string {
	if r.RunDir != "" {
		return r.RunDir
	}
	if r.ModelDir != "" {
		return r.ModelDir
	}
	return "."
}

func (r *ExecRunner) runCommand(ctx context.Context, dir, command string) error {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), EnvModelDir+"="+r.ModelDir)
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if tail := tailString(out.Bytes(), outputTailBytes); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}

func tailString(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
