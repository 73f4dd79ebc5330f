// Package output writes the master's per-iteration artifacts and the final summary.
package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/gradient"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/sqp"
)

var _ sqp.IterationSink = (*Writer)(nil)

// Writer writes files named <prefix>.<iteration>.<kind> under Dir
type Writer struct {
	Dir       string
	Prefix    string
	SessionID string
	Mode      gradient.Mode
	now       func() time.Time
}

// NewWriter creates dir if needed
func NewWriter(dir, prefix, sessionID string, mode gradient.Mode) (*Writer, error) {
	if prefix == "" {
		prefix = "sqp"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir %s: %w", dir, err)
	}
	return &Writer{Dir: dir, Prefix: prefix, SessionID: sessionID, Mode: mode, now: time.Now}, nil
}

// JacobianPath returns the path of the finite-difference Jacobian for iteration
func (w *Writer) JacobianPath(iteration int) string {
	return filepath.Join(w.Dir, fmt.Sprintf("%s.%d.jcb.csv", w.Prefix, iteration))
}

// EnsemblePaths returns the parameter and observation ensemble paths for iteration
func (w *Writer) EnsemblePaths(iteration int) (string, string) {
	return filepath.Join(w.Dir, fmt.Sprintf("%s.%d.par.csv", w.Prefix, iteration)),
		filepath.Join(w.Dir, fmt.Sprintf("%s.%d.obs.csv", w.Prefix, iteration))
}

// SummaryPath returns the path of the final summary
func (w *Writer) SummaryPath() string {
	return filepath.Join(w.Dir, w.Prefix+".summary.yaml")
}

// WriteJacobian writes one row per observation and one column per parameter
func (w *Writer) WriteJacobian(iteration int, j *gradient.Jacobian) error {
	rows := make([][]string, 0, len(j.Rows)+1)
	rows = append(rows, append([]string{"observation"}, j.Cols...))
	for r, name := range j.Rows {
		row := make([]string, 0, len(j.Cols)+1)
		row = append(row, name)
		row = append(row, formatFloats(mat.Row(nil, r, j.Matrix))...)
		rows = append(rows, row)
	}
	return writeCSV(w.JacobianPath(iteration), rows)
}

// WriteEnsemble writes every realization's parameters and the surviving observations.
// Realization indices match between both files.
func (w *Writer) WriteEnsemble(iteration int, members []gradient.Member) error {
	parPath, obsPath := w.EnsemblePaths(iteration)

	var parRows, obsRows [][]string
	for k, m := range members {
		if parRows == nil {
			parRows = append(parRows, append([]string{"realization"}, m.Parameters.Names...))
		}
		parRows = append(parRows, append([]string{strconv.Itoa(k)}, formatFloats(m.Parameters.Values)...))

		if m.Observations == nil {
			continue
		}
		if obsRows == nil {
			obsRows = append(obsRows, append([]string{"realization"}, m.Observations.Names...))
		}
		obsRows = append(obsRows, append([]string{strconv.Itoa(k)}, formatFloats(m.Observations.Values)...))
	}

	if err := writeCSV(parPath, parRows); err != nil {
		return err
	}
	return writeCSV(obsPath, obsRows)
}

// Summary is the YAML document written at the end of a run
type Summary struct {
	SessionID      string             `yaml:"session_id"`
	Mode           string             `yaml:"mode"`
	State          sqp.State          `yaml:"state"`
	Reason         sqp.AbortReason    `yaml:"reason,omitempty"`
	Message        string             `yaml:"message,omitempty"`
	Iterations     int                `yaml:"iterations"`
	BestIteration  int                `yaml:"best_iteration,omitempty"`
	BestObjective  *float64           `yaml:"best_objective,omitempty"`
	BestParameters map[string]float64 `yaml:"best_parameters,omitempty"`
	History        []IterationSummary `yaml:"history"`
	WrittenAt      string             `yaml:"written_at"`
}

// IterationSummary is one history row of the summary
type IterationSummary struct {
	Iteration    int                `yaml:"iteration"`
	Objective    float64            `yaml:"objective"`
	GradientNorm float64            `yaml:"gradient_norm"`
	StepNorm     float64            `yaml:"step_norm"`
	Parameters   map[string]float64 `yaml:"parameters"`
	Frozen       []string           `yaml:"frozen,omitempty"`
	Failed       int                `yaml:"failed"`
}

// WriteSummary writes the final state, the best point and the iteration history
func (w *Writer) WriteSummary(res *sqp.Result) (string, error) {
	if res == nil {
		return "", fmt.Errorf("result is nil")
	}
	s := Summary{
		SessionID:  w.SessionID,
		Mode:       w.Mode.String(),
		State:      res.State,
		Reason:     res.Reason,
		Message:    res.Message,
		Iterations: res.Iterations,
		History:    make([]IterationSummary, 0, len(res.History)),
		WrittenAt:  w.now().UTC().Format(time.RFC3339),
	}
	if res.Best != nil {
		f := res.Best.Objective
		s.BestIteration = res.Best.Iteration
		s.BestObjective = &f
		s.BestParameters = res.Best.Parameters.Map()
	}
	for _, e := range res.History {
		s.History = append(s.History, IterationSummary{
			Iteration:    e.Iteration,
			Objective:    e.Objective,
			GradientNorm: e.GradientNorm,
			StepNorm:     e.StepNorm,
			Parameters:   e.Parameters.Map(),
			Frozen:       e.Frozen,
			Failed:       e.Failed,
		})
	}

	data, err := yaml.Marshal(&s)
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}
	path := w.SummaryPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write summary %s: %w", path, err)
	}
	return path, nil
}

// ReadSummary loads a summary written by WriteSummary
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read summary %s: %w", path, err)
	}
	var s Summary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary %s: %w", path, err)
	}
	return &s, nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func formatFloats(values []float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return out
}
