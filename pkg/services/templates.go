package services

import (
	"embed"
	"fmt"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/pipeline"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// DefaultTemplate runs when a submission names no template.
const DefaultTemplate = models.PipelineTemplateComprehensive

// PipelineTemplate is a named, reusable pipeline definition.
type PipelineTemplate struct {
	Name        models.PipelineTemplate `yaml:"name"`
	Description string                  `yaml:"description"`
	RetryPolicy models.RetryPolicy      `yaml:"retry_policy"`
	Timeout     time.Duration           `yaml:"timeout"`
	Steps       []models.StepConfig     `yaml:"steps"`
}

// LoadTemplate parses an embedded template and checks its step graph.
func LoadTemplate(name models.PipelineTemplate) (*PipelineTemplate, error) {
	if name == "" {
		name = DefaultTemplate
	}

	data, err := templateFS.ReadFile("templates/" + string(name) + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	var tmpl PipelineTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	if _, err := pipeline.ResolveOrder(tmpl.Steps); err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}

	return &tmpl, nil
}

// Templates lists the names of the embedded templates.
func Templates() []models.PipelineTemplate {
	return []models.PipelineTemplate{models.PipelineTemplateBasic, models.PipelineTemplateComprehensive}
}
