// Package sqp drives the outer optimization loop: it turns the current point into a
// batch of model evaluations, waits for the run manager to resolve it, builds a
// gradient and takes a projected quasi-Newton step.
package sqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/gradient"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runmanager"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/config"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/utils"
)

// Evaluator is the part of the run manager the driver depends on
type Evaluator interface {
	SubmitBatch(iteration int, vectors []models.ParameterVector) (runmanager.BatchHandle, error)
	PollBatch(h runmanager.BatchHandle) (runmanager.BatchStatus, error)
	Done(h runmanager.BatchHandle) (<-chan struct{}, error)
	CloseBatch(h runmanager.BatchHandle) error
	AbandonBatch(h runmanager.BatchHandle) error
}

// IterationSink receives the per-iteration artifacts
type IterationSink interface {
	WriteJacobian(iteration int, j *gradient.Jacobian) error
	WriteEnsemble(iteration int, members []gradient.Member) error
}

// Config holds the driver settings
type Config struct {
	Mode         gradient.Mode
	Parameters   []config.Parameter
	Observations []string
	Weights      []float64
	Maximize     bool

	MaxIterations      int
	StepScale          float64
	GradientTolerance  float64
	ParameterTolerance float64
	DropFailedColumns  bool
	// Convergence enables the history-based stopping rules when set
	Convergence *ConvergenceConfig

	EnsembleSize int
	MinSurvivors int
	Risk         float64
	Seed         int64

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// BatchTimeout of zero waits forever
	BatchTimeout time.Duration

	Logger   *slog.Logger
	Metrics  *observability.Registry
	Sink     IterationSink
	Progress func(HistoryEntry)
}

// ConfigFromRunConfig derives the driver configuration from a validated run config
func ConfigFromRunConfig(rc *config.RunConfig) (Config, error) {
	mode, err := gradient.ParseMode(rc.Gradient.Mode)
	if err != nil {
		return Config{}, err
	}
	poll, err := rc.Timeouts.GetPollInterval()
	if err != nil {
		return Config{}, fmt.Errorf("invalid poll interval: %w", err)
	}
	batchTimeout, err := rc.Timeouts.GetBatch()
	if err != nil {
		return Config{}, fmt.Errorf("invalid batch timeout: %w", err)
	}

	o := rc.Optimizer
	cfg := Config{
		Mode:               mode,
		Parameters:         append([]config.Parameter(nil), rc.Parameters...),
		Observations:       rc.ObservationNames(),
		Weights:            rc.ObservationWeights(),
		Maximize:           o.Direction == config.DirectionMaximize,
		MaxIterations:      o.MaxIterations,
		StepScale:          o.StepScale,
		GradientTolerance:  o.GradientTolerance,
		ParameterTolerance: o.ParameterTolerance,
		DropFailedColumns:  o.DropFailedColumns,
		EnsembleSize:       rc.Gradient.EnsembleSize,
		MinSurvivors:       rc.Gradient.GetMinEnsembleSurvivors(),
		Risk:               rc.Gradient.GetRisk(),
		Seed:               rc.Gradient.Seed,
		PollInterval:       poll,
		MaxPollInterval:    8 * poll,
		BatchTimeout:       batchTimeout,
	}
	if o.NoImprovementIterations > 0 || o.PlateauIterations > 0 {
		cfg.Convergence = &ConvergenceConfig{
			NoImprovementIterations: o.NoImprovementIterations,
			PlateauIterations:       o.PlateauIterations,
			ScoreTolerance:          o.PlateauTolerance,
			MinIterations:           2,
		}
	}
	return cfg, nil
}

// abortError carries an abort reason out of an iteration
type abortError struct {
	reason AbortReason
	err    error
}

func (e *abortError) Error() string {
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *abortError) Unwrap() error {
	return e.err
}

func abort(reason AbortReason, err error) error {
	return &abortError{reason: reason, err: err}
}

// Driver runs the SQP iteration loop against an Evaluator
type Driver struct {
	cfg         Config
	eval        Evaluator
	log         *slog.Logger
	metrics     *observability.Registry
	backoff     utils.BackoffStrategy
	rng         *utils.RandSource
	convergence ConvergenceStrategy

	mu        sync.RWMutex
	state     State
	iteration int
}

// NewDriver validates cfg and creates a driver
func NewDriver(cfg Config, eval Evaluator) (*Driver, error) {
	if eval == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if len(cfg.Parameters) == 0 {
		return nil, fmt.Errorf("at least one parameter is required")
	}
	if len(cfg.Observations) == 0 || len(cfg.Weights) != len(cfg.Observations) {
		return nil, fmt.Errorf("observation names and weights must be non-empty and aligned")
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", cfg.MaxIterations)
	}
	switch cfg.Mode {
	case gradient.ModeFiniteDifference:
	case gradient.ModeEnsemble:
		if cfg.EnsembleSize < 2 {
			return nil, fmt.Errorf("ensemble size must be at least 2, got %d", cfg.EnsembleSize)
		}
	default:
		return nil, fmt.Errorf("unknown gradient mode: %v", cfg.Mode)
	}

	if cfg.StepScale <= 0 {
		cfg.StepScale = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = 8 * cfg.PollInterval
	}

	d := &Driver{
		cfg:     cfg,
		eval:    eval,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		backoff: utils.NewExponentialBackoff(cfg.PollInterval, cfg.MaxPollInterval, 2.0, false),
		rng:     utils.NewRandSource(cfg.Seed),
		state:   StateBuildingBatch,
	}
	if d.log == nil {
		d.log = logger.Component("driver")
	}
	if d.metrics == nil {
		d.metrics = observability.Default
	}
	if cfg.Convergence != nil {
		d.convergence = NewCombinedStrategy(cfg.Convergence)
	}
	return d, nil
}

// State returns the current phase and iteration
func (d *Driver) State() (State, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state, d.iteration
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run iterates until convergence, the iteration limit or an abort
func (d *Driver) Run(ctx context.Context) *Result {
	n := len(d.cfg.Parameters)
	x := make([]float64, n)
	for i, p := range d.cfg.Parameters {
		x[i] = p.Initial
	}
	project(d.cfg.Parameters, x)

	// internally the objective is always minimized
	sign := 1.0
	if d.cfg.Maximize {
		sign = -1
	}
	weights := make([]float64, len(d.cfg.Weights))
	for i, w := range d.cfg.Weights {
		weights[i] = sign * w
	}

	res := &Result{}
	h := newBFGS(n)
	var prevX, prevG []float64
	var minimized []float64
	bestIdx := -1

	d.log.Info("optimization started",
		"mode", d.cfg.Mode.String(),
		"parameters", n,
		"max_iterations", d.cfg.MaxIterations)

	for iter := 1; iter <= d.cfg.MaxIterations; iter++ {
		d.mu.Lock()
		d.iteration = iter
		d.mu.Unlock()

		iterCtx, span := observability.StartSpan(ctx, "sqp.iteration", attribute.Int("iteration", iter))
		g, entry, err := d.iterate(iterCtx, iter, x, weights)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return d.abort(res, bestIdx, err)
		}

		d.setState(StateComputingStep)
		frozen := make(map[string]bool, len(entry.Frozen))
		for _, name := range entry.Frozen {
			frozen[name] = true
		}
		if prevG != nil {
			s := make([]float64, n)
			y := make([]float64, n)
			for i, p := range d.cfg.Parameters {
				if frozen[p.Name] {
					continue
				}
				s[i] = x[i] - prevX[i]
				y[i] = g.Values[i] - prevG[i]
			}
			if !h.update(s, y) {
				d.log.Debug("skipped BFGS update without positive curvature", "iteration", iter)
			}
		}

		dir := h.direction(g.Values, d.cfg.StepScale)
		next := make([]float64, n)
		for i, p := range d.cfg.Parameters {
			if frozen[p.Name] {
				dir[i] = 0
			}
			next[i] = x[i] + dir[i]
		}
		project(d.cfg.Parameters, next)
		step := make([]float64, n)
		for i := range step {
			step[i] = next[i] - x[i]
		}
		entry.StepNorm = utils.MaxAbs(step)

		res.History = append(res.History, entry)
		res.Iterations = iter
		minimized = append(minimized, g.Objective)
		if bestIdx < 0 || g.Objective < minimized[bestIdx] {
			bestIdx = len(minimized) - 1
		}
		d.metrics.Observe(observability.MetricIterationObjective, entry.Objective)
		if d.cfg.Progress != nil {
			d.cfg.Progress(entry)
		}
		d.log.Info("iteration complete",
			"iteration", iter,
			"objective", entry.Objective,
			"gradient_norm", entry.GradientNorm,
			"step_norm", entry.StepNorm,
			"frozen", len(entry.Frozen))

		span.SetAttributes(
			attribute.Float64("objective", entry.Objective),
			attribute.Float64("gradient_norm", entry.GradientNorm),
			attribute.Float64("step_norm", entry.StepNorm))
		span.End()

		d.setState(StateCheckingConvergence)
		if converged, reason := d.converged(entry, minimized); converged {
			return d.finish(res, bestIdx, StateConverged, reason)
		}

		prevX, prevG = x, g.Values
		x = next
		d.setState(StateBuildingBatch)
	}

	return d.finish(res, bestIdx, StateMaxIterationsReached, fmt.Sprintf("reached %d iterations", d.cfg.MaxIterations))
}

// iterate evaluates one batch around x and returns the gradient of the minimized objective
func (d *Driver) iterate(ctx context.Context, iter int, x, weights []float64) (*gradient.Gradient, HistoryEntry, error) {
	entry := HistoryEntry{
		Iteration:  iter,
		Parameters: vector(parameterNames(d.cfg.Parameters), x),
	}

	d.setState(StateBuildingBatch)
	var vectors []models.ParameterVector
	var steps []float64
	switch d.cfg.Mode {
	case gradient.ModeFiniteDifference:
		vectors, steps = fdBatch(d.cfg.Parameters, x)
	case gradient.ModeEnsemble:
		vectors = ensembleBatch(d.cfg.Parameters, x, d.cfg.EnsembleSize, d.rng)
	}

	st, err := d.evaluate(ctx, iter, vectors)
	if err != nil {
		return nil, entry, err
	}
	entry.Failed = len(st.Failed)

	d.setState(StateBuildingGradient)
	var g *gradient.Gradient
	switch d.cfg.Mode {
	case gradient.ModeFiniteDifference:
		g, entry.Frozen, err = d.fdGradient(iter, st, steps, weights)
	case gradient.ModeEnsemble:
		g, entry.Survivors, err = d.ensembleGradient(iter, st, weights)
	}
	if err != nil {
		return nil, entry, err
	}

	sign := 1.0
	if d.cfg.Maximize {
		sign = -1
	}
	entry.Objective = sign * g.Objective
	entry.Gradient = make([]float64, len(g.Values))
	for i, v := range g.Values {
		entry.Gradient[i] = sign * v
	}
	entry.GradientNorm = g.Norm()
	return g, entry, nil
}

// evaluate submits a batch and waits until every unit is terminal. The batch is
// abandoned when ctx ends or the batch deadline passes.
func (d *Driver) evaluate(ctx context.Context, iter int, vectors []models.ParameterVector) (runmanager.BatchStatus, error) {
	ctx, span := observability.StartSpan(ctx, "sqp.batch",
		attribute.Int("iteration", iter),
		attribute.Int("size", len(vectors)))
	defer span.End()

	h, err := d.eval.SubmitBatch(iter, vectors)
	if err != nil {
		return runmanager.BatchStatus{}, abort(AbortProtocolError, fmt.Errorf("submit batch: %w", err))
	}
	span.SetAttributes(attribute.Int64("batch_id", int64(h.ID)))
	d.setState(StateAwaitingEvaluations)

	done, err := d.eval.Done(h)
	if err != nil {
		return runmanager.BatchStatus{}, abort(AbortProtocolError, err)
	}

	var deadline <-chan time.Time
	if d.cfg.BatchTimeout > 0 {
		t := time.NewTimer(d.cfg.BatchTimeout)
		defer t.Stop()
		deadline = t.C
	}

	for attempt := 0; ; attempt++ {
		st, err := d.eval.PollBatch(h)
		if err != nil {
			return st, abort(AbortProtocolError, fmt.Errorf("poll batch: %w", err))
		}
		if st.Resolved() {
			if err := d.eval.CloseBatch(h); err != nil {
				return st, abort(AbortProtocolError, fmt.Errorf("close batch: %w", err))
			}
			span.SetAttributes(
				attribute.Int("completed", len(st.Completed)),
				attribute.Int("failed", len(st.Failed)))
			return st, nil
		}

		wait := time.NewTimer(d.backoff.NextDelay(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			d.abandon(h)
			return st, abort(AbortCancelled, ctx.Err())
		case <-deadline:
			wait.Stop()
			d.abandon(h)
			return st, abort(AbortBatchTimeout, fmt.Errorf("batch %d still had %d pending after %s", h.ID, st.PendingCount, d.cfg.BatchTimeout))
		case <-done:
		case <-wait.C:
		}
		wait.Stop()
	}
}

func (d *Driver) abandon(h runmanager.BatchHandle) {
	if err := d.eval.AbandonBatch(h); err != nil {
		d.log.Warn("failed to abandon batch", "batch_id", h.ID, "error", err)
	}
}

func (d *Driver) fdGradient(iter int, st runmanager.BatchStatus, steps, weights []float64) (*gradient.Gradient, []string, error) {
	byRun := make(map[int]*models.ObservationVector, len(st.Completed))
	for i := range st.Completed {
		byRun[st.Completed[i].RunID] = st.Completed[i].Result
	}
	base, ok := byRun[0]
	if !ok || base == nil {
		return nil, nil, abort(AbortInsufficientData, errors.New("base run failed"))
	}

	perturbed := make([]gradient.Perturbation, len(d.cfg.Parameters))
	for i, p := range d.cfg.Parameters {
		perturbed[i] = gradient.Perturbation{
			Parameter:    p.Name,
			Step:         steps[i],
			Observations: byRun[i+1],
		}
	}

	var frozen []string
	j, err := gradient.FiniteDifference(*base, perturbed)
	var incomplete *gradient.IncompleteJacobianError
	switch {
	case errors.As(err, &incomplete):
		if !d.cfg.DropFailedColumns || len(incomplete.Missing) == len(d.cfg.Parameters) {
			return nil, nil, abort(AbortInsufficientData, err)
		}
		frozen = incomplete.Missing
		d.log.Warn("dropping failed jacobian columns", "iteration", iter, "parameters", frozen)
	case err != nil:
		return nil, nil, abort(AbortInsufficientData, err)
	}

	if d.cfg.Sink != nil {
		if err := d.cfg.Sink.WriteJacobian(iter, j); err != nil {
			d.log.Warn("failed to write jacobian", "iteration", iter, "error", err)
		}
	}

	g, err := gradient.FromJacobian(j, *base, weights)
	if err != nil {
		return nil, nil, abort(AbortInsufficientData, err)
	}
	return g, frozen, nil
}

func (d *Driver) ensembleGradient(iter int, st runmanager.BatchStatus, weights []float64) (*gradient.Gradient, int, error) {
	members := make([]gradient.Member, 0, len(st.Completed)+len(st.Failed))
	for _, u := range st.Completed {
		members = append(members, gradient.Member{Parameters: u.Parameters, Observations: u.Result})
	}
	for _, u := range st.Failed {
		members = append(members, gradient.Member{Parameters: u.Parameters})
	}

	if d.cfg.Sink != nil {
		if err := d.cfg.Sink.WriteEnsemble(iter, members); err != nil {
			d.log.Warn("failed to write ensemble", "iteration", iter, "error", err)
		}
	}

	stats, err := gradient.Ensemble(members, weights, d.cfg.Risk, d.cfg.MinSurvivors)
	if err != nil {
		return nil, 0, abort(AbortInsufficientData, err)
	}
	if stats.Survivors < stats.Size {
		d.log.Warn("dropped failed realizations", "iteration", iter, "survivors", stats.Survivors, "size", stats.Size)
	}
	return gradient.FromEnsemble(stats), stats.Survivors, nil
}

func (d *Driver) converged(entry HistoryEntry, minimized []float64) (bool, string) {
	if entry.GradientNorm <= d.cfg.GradientTolerance {
		return true, fmt.Sprintf("gradient norm %g within tolerance %g", entry.GradientNorm, d.cfg.GradientTolerance)
	}
	if entry.StepNorm <= d.cfg.ParameterTolerance {
		return true, fmt.Sprintf("step norm %g within tolerance %g", entry.StepNorm, d.cfg.ParameterTolerance)
	}
	if d.convergence != nil {
		return d.convergence.CheckConvergence(minimized)
	}
	return false, ""
}

func (d *Driver) abort(res *Result, bestIdx int, err error) *Result {
	res.Reason = AbortProtocolError
	var ae *abortError
	if errors.As(err, &ae) {
		res.Reason = ae.reason
	}
	d.log.Error("optimization aborted", "reason", res.Reason, "error", err)
	return d.finish(res, bestIdx, StateAborted, err.Error())
}

func (d *Driver) finish(res *Result, bestIdx int, state State, message string) *Result {
	d.setState(state)
	res.State = state
	res.Message = message
	if bestIdx >= 0 && bestIdx < len(res.History) {
		best := res.History[bestIdx]
		best.Parameters = best.Parameters.Clone()
		res.Best = &best
	}
	if state != StateAborted {
		objective := math.NaN()
		if res.Best != nil {
			objective = res.Best.Objective
		}
		d.log.Info("optimization finished", "state", state, "iterations", res.Iterations, "best_objective", objective, "reason", message)
	}
	return res
}
