package config

import "time"

// Gradient modes
const (
	GradientModeFiniteDifference = "finite_difference"
	GradientModeEnsemble         = "ensemble"
)

// Optimization directions
const (
	DirectionMinimize = "minimize"
	DirectionMaximize = "maximize"
)

// RunConfig is the run configuration shared by the master and every worker.
// It is treated as immutable once loaded.
type RunConfig struct {
	LogLevel   string `yaml:"log_level"`
	Master     Master `yaml:"master"`
	RetryLimit *int   `yaml:"retry_limit"`
	// WorkerLossLimit caps how often one unit may be lost with its worker; zero is unlimited
	WorkerLossLimit int           `yaml:"worker_loss_limit,omitempty"`
	Timeouts        Timeouts      `yaml:"timeouts"`
	Gradient        Gradient      `yaml:"gradient"`
	Optimizer       Optimizer     `yaml:"optimizer"`
	Parameters      []Parameter   `yaml:"parameters"`
	Observations    []Observation `yaml:"observations"`
	Model           Model         `yaml:"model"`
	Output          Output        `yaml:"output"`
}

// Master holds network settings of the run manager
type Master struct {
	Address     string `yaml:"address"`
	HTTPAddress string `yaml:"http_address,omitempty"`
	NumWorkers  int    `yaml:"num_workers"`
}

// Timeouts holds every timing knob of the run, as Go duration strings
type Timeouts struct {
	Evaluation        string  `yaml:"evaluation"`
	Heartbeat         string  `yaml:"heartbeat"`
	HeartbeatInterval string  `yaml:"heartbeat_interval"`
	PollInterval      string  `yaml:"poll_interval"`
	Batch             string  `yaml:"batch,omitempty"`
	RegisterGrace     string  `yaml:"register_grace"`
	OverdueFactor     float64 `yaml:"overdue_factor"`
}

// Gradient selects and tunes the gradient strategy
type Gradient struct {
	Mode                 string   `yaml:"mode"`
	EnsembleSize         int      `yaml:"ensemble_size,omitempty"`
	MinEnsembleSurvivors *int     `yaml:"min_ensemble_survivors,omitempty"`
	Risk                 *float64 `yaml:"risk,omitempty"`
	Seed                 int64    `yaml:"seed,omitempty"`
}

// Optimizer holds the outer SQP loop settings
type Optimizer struct {
	Direction          string  `yaml:"direction"`
	MaxIterations      int     `yaml:"max_iterations"`
	StepScale          float64 `yaml:"step_scale"`
	GradientTolerance  float64 `yaml:"gradient_tolerance"`
	ParameterTolerance float64 `yaml:"parameter_tolerance"`
	DropFailedColumns  bool    `yaml:"drop_failed_columns"`
	// History-based stopping rules; zero disables each one
	NoImprovementIterations int     `yaml:"no_improvement_iterations,omitempty"`
	PlateauIterations       int     `yaml:"plateau_iterations,omitempty"`
	PlateauTolerance        float64 `yaml:"plateau_tolerance,omitempty"`
}

// Parameter is one decision variable
type Parameter struct {
	Name        string  `yaml:"name"`
	Initial     float64 `yaml:"initial"`
	Lower       float64 `yaml:"lower"`
	Upper       float64 `yaml:"upper"`
	FDStep      float64 `yaml:"fd_step"`
	EnsembleStd float64 `yaml:"ensemble_std,omitempty"`
}

// Observation is one model output; Weight is its coefficient in the objective.
// An omitted weight counts as 1; an explicit zero keeps the output out of the objective.
type Observation struct {
	Name   string   `yaml:"name"`
	Weight *float64 `yaml:"weight,omitempty"`
}

// GetWeight returns the objective weight, 1 when unset
func (o *Observation) GetWeight() float64 {
	if o.Weight == nil {
		return 1.0
	}
	return *o.Weight
}

// Model describes how a worker invokes the external model
type Model struct {
	Commands        []string `yaml:"commands"`
	Workdir         string   `yaml:"workdir,omitempty"`
	ParameterFile   string   `yaml:"parameter_file"`
	ObservationFile string   `yaml:"observation_file"`
}

// Output controls where the master writes its artifacts
type Output struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

// ParameterNames returns parameter names in configuration order
func (c *RunConfig) ParameterNames() []string {
	out := make([]string, len(c.Parameters))
	for i, p := range c.Parameters {
		out[i] = p.Name
	}
	return out
}

// ObservationNames returns observation names in configuration order
func (c *RunConfig) ObservationNames() []string {
	out := make([]string, len(c.Observations))
	for i, o := range c.Observations {
		out[i] = o.Name
	}
	return out
}

// ObservationWeights returns objective weights aligned with ObservationNames
func (c *RunConfig) ObservationWeights() []float64 {
	out := make([]float64, len(c.Observations))
	for i, o := range c.Observations {
		out[i] = o.GetWeight()
	}
	return out
}

// GetRetryLimit returns the configured retry limit; validation guarantees it is set
func (c *RunConfig) GetRetryLimit() int {
	if c.RetryLimit == nil {
		return 0
	}
	return *c.RetryLimit
}

// GetMinEnsembleSurvivors returns the minimum surviving ensemble size
func (g *Gradient) GetMinEnsembleSurvivors() int {
	if g.MinEnsembleSurvivors == nil {
		return 0
	}
	return *g.MinEnsembleSurvivors
}

// GetRisk returns the risk-shaping coefficient; 0.5 is risk neutral
func (g *Gradient) GetRisk() float64 {
	if g.Risk == nil {
		return 0.5
	}
	return *g.Risk
}

// GetEvaluation parses the per-evaluation timeout
func (t *Timeouts) GetEvaluation() (time.Duration, error) {
	return time.ParseDuration(t.Evaluation)
}

// GetHeartbeat parses the heartbeat timeout after which a worker is declared dead
func (t *Timeouts) GetHeartbeat() (time.Duration, error) {
	return time.ParseDuration(t.Heartbeat)
}

// GetHeartbeatInterval parses how often workers send heartbeats
func (t *Timeouts) GetHeartbeatInterval() (time.Duration, error) {
	return time.ParseDuration(t.HeartbeatInterval)
}

// GetPollInterval parses the base delay of the driver and worker poll loops
func (t *Timeouts) GetPollInterval() (time.Duration, error) {
	return time.ParseDuration(t.PollInterval)
}

// GetRegisterGrace parses the window in which re-registration is idempotent
func (t *Timeouts) GetRegisterGrace() (time.Duration, error) {
	return time.ParseDuration(t.RegisterGrace)
}

// GetBatch parses the batch deadline; zero means no deadline
func (t *Timeouts) GetBatch() (time.Duration, error) {
	if t.Batch == "" {
		return 0, nil
	}
	return time.ParseDuration(t.Batch)
}
