package pipeline

import (
	"fmt"

	"github.com/dukex/microapps/pkg/models"
)

const (
	unvisited = iota
	visiting
	visited
)

// ResolveOrder returns the step configs in an order where every step comes
// after all of its dependencies. Steps are visited depth-first in declaration
// order, so independent steps keep their declared relative order.
//
// Empty or duplicate names, unknown step types, unknown dependencies and
// cycles are reported as *ConfigurationError.
func ResolveOrder(configs []models.StepConfig) ([]models.StepConfig, error) {
	if len(configs) == 0 {
		return nil, &ConfigurationError{Reason: "pipeline has no steps"}
	}

	byName := make(map[string]int, len(configs))

	for i, cfg := range configs {
		if cfg.Name == "" {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("step %d has no name", i)}
		}

		if _, exists := byName[cfg.Name]; exists {
			return nil, &ConfigurationError{Reason: "duplicate step name", Steps: []string{cfg.Name}}
		}

		if !cfg.Type.Valid() {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown step type %q", cfg.Type), Steps: []string{cfg.Name}}
		}

		byName[cfg.Name] = i
	}

	for _, cfg := range configs {
		for _, dep := range cfg.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown dependency %q", dep), Steps: []string{cfg.Name}}
			}
		}
	}

	state := make([]int, len(configs))
	path := make([]string, 0, len(configs))
	order := make([]models.StepConfig, 0, len(configs))

	var visit func(i int) error

	visit = func(i int) error {
		switch state[i] {
		case visited:
			return nil
		case visiting:
			return &ConfigurationError{Reason: "circular dependency", Steps: cycleFrom(path, configs[i].Name)}
		}

		state[i] = visiting
		path = append(path, configs[i].Name)

		for _, dep := range configs[i].DependsOn {
			if err := visit(byName[dep]); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		state[i] = visited
		order = append(order, configs[i])

		return nil
	}

	for i := range configs {
		if err := visit(i); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// cycleFrom extracts the cycle witness "a -> b -> a" from the active DFS path.
func cycleFrom(path []string, name string) []string {
	for i, n := range path {
		if n == name {
			cycle := append([]string{}, path[i:]...)

			return append(cycle, name)
		}
	}

	return []string{name, name}
}
