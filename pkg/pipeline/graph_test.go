package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/microapps/pkg/models"
)

func names(configs []models.StepConfig) []string {
	out := make([]string, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, cfg.Name)
	}

	return out
}

func TestResolveOrder(t *testing.T) {
	tests := []struct {
		name     string
		configs  []models.StepConfig
		expected []string
	}{
		{
			name: "declaration order without dependencies",
			configs: []models.StepConfig{
				{Name: "clone", Type: models.StepTypeClone},
				{Name: "install", Type: models.StepTypeInstall},
				{Name: "test", Type: models.StepTypeTest},
			},
			expected: []string{"clone", "install", "test"},
		},
		{
			name: "dependencies come first",
			configs: []models.StepConfig{
				{Name: "build", Type: models.StepTypeBuild, DependsOn: []string{"install"}},
				{Name: "install", Type: models.StepTypeInstall, DependsOn: []string{"clone"}},
				{Name: "clone", Type: models.StepTypeClone},
			},
			expected: []string{"clone", "install", "build"},
		},
		{
			name: "diamond",
			configs: []models.StepConfig{
				{Name: "clone", Type: models.StepTypeClone},
				{Name: "test", Type: models.StepTypeTest, DependsOn: []string{"clone"}},
				{Name: "scan", Type: models.StepTypeSecurityScan, DependsOn: []string{"clone"}},
				{Name: "gate", Type: models.StepTypeQualityCheck, DependsOn: []string{"scan", "test"}},
			},
			expected: []string{"clone", "test", "scan", "gate"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ordered, err := ResolveOrder(tt.configs)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, names(ordered))
		})
	}
}

func TestResolveOrder_Cycle(t *testing.T) {
	_, err := ResolveOrder([]models.StepConfig{
		{Name: "a", Type: models.StepTypeBuild, DependsOn: []string{"b"}},
		{Name: "b", Type: models.StepTypeTest, DependsOn: []string{"a"}},
	})
	require.Error(t, err)

	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "circular dependency", configErr.Reason)
	assert.Equal(t, []string{"a", "b", "a"}, configErr.Steps)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestResolveOrder_SelfDependency(t *testing.T) {
	_, err := ResolveOrder([]models.StepConfig{
		{Name: "a", Type: models.StepTypeBuild, DependsOn: []string{"a"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> a")
}

func TestResolveOrder_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		configs []models.StepConfig
		message string
	}{
		{
			name:    "empty",
			configs: nil,
			message: "no steps",
		},
		{
			name:    "missing name",
			configs: []models.StepConfig{{Type: models.StepTypeClone}},
			message: "has no name",
		},
		{
			name: "duplicate",
			configs: []models.StepConfig{
				{Name: "a", Type: models.StepTypeClone},
				{Name: "a", Type: models.StepTypeBuild},
			},
			message: "duplicate step name",
		},
		{
			name:    "unknown type",
			configs: []models.StepConfig{{Name: "a", Type: "compile"}},
			message: "unknown step type",
		},
		{
			name:    "unknown dependency",
			configs: []models.StepConfig{{Name: "a", Type: models.StepTypeBuild, DependsOn: []string{"ghost"}}},
			message: `unknown dependency "ghost"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveOrder(tt.configs)
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}
