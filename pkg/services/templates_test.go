package services

import (
	"testing"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepTypes(configs []models.StepConfig) []models.StepType {
	out := make([]models.StepType, 0, len(configs))
	for _, c := range configs {
		out = append(out, c.Type)
	}

	return out
}

func TestLoadTemplate(t *testing.T) {
	basic, err := LoadTemplate(models.PipelineTemplateBasic)
	require.NoError(t, err)
	assert.Equal(t, []models.StepType{
		models.StepTypeClone, models.StepTypeInstall, models.StepTypeTest,
		models.StepTypeBuild, models.StepTypePackage, models.StepTypeDeploy,
	}, stepTypes(basic.Steps))
	assert.Equal(t, 30*time.Minute, basic.Timeout)
	assert.Equal(t, 2*time.Second, basic.RetryPolicy.Backoff)
	assert.Equal(t, 10*time.Minute, basic.Steps[1].Timeout)

	comprehensive, err := LoadTemplate(models.PipelineTemplateComprehensive)
	require.NoError(t, err)

	ordered, err := pipeline.ResolveOrder(comprehensive.Steps)
	require.NoError(t, err)
	assert.Equal(t, []models.StepType{
		models.StepTypeClone, models.StepTypeInstall, models.StepTypeTest,
		models.StepTypeSecurityScan, models.StepTypeQualityCheck,
		models.StepTypeBuild, models.StepTypePackage, models.StepTypeDeploy,
	}, stepTypes(ordered))

	gate := comprehensive.Steps[4]
	require.NotNil(t, gate.Retries)
	assert.Equal(t, 0, *gate.Retries)
	assert.EqualValues(t, 70, gate.Config["threshold"])
}

func TestLoadTemplate_DefaultAndUnknown(t *testing.T) {
	tmpl, err := LoadTemplate("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplate, tmpl.Name)

	_, err = LoadTemplate("../templates/basic")
	require.ErrorIs(t, err, ErrUnknownTemplate)

	for _, name := range Templates() {
		_, err := LoadTemplate(name)
		assert.NoError(t, err, name)
	}
}
