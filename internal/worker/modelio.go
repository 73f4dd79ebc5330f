package worker

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// WriteParameterFile writes params as a YAML mapping in vector order
func WriteParameterFile(path string, params models.ParameterVector) error {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for i, name := range params.Names {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: strconv.FormatFloat(params.Values[i], 'g', -1, 64)},
		)
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadObservationFile reads a YAML mapping and returns the named values in order.
// Missing names and non-finite values are errors.
func ReadObservationFile(path string, names []string) (models.ObservationVector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ObservationVector{}, err
	}
	var raw map[string]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return models.ObservationVector{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	values := make([]float64, len(names))
	for i, name := range names {
		v, ok := raw[name]
		if !ok {
			return models.ObservationVector{}, fmt.Errorf("observation %s missing from %s", name, path)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.ObservationVector{}, fmt.Errorf("observation %s is not finite", name)
		}
		values[i] = v
	}
	return models.NewNamedVector(names, values)
}
