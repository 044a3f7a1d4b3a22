package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/pipeline"
	"github.com/dukex/microapps/pkg/protocol"
)

const (
	DefaultQualityThreshold = 70.0

	failedTestPenalty = 5.0
	coverageTarget    = 80.0
	coveragePenalty   = 2.0
)

var severityPenalty = map[models.Severity]float64{
	models.SeverityCritical: 25,
	models.SeverityHigh:     15,
	models.SeverityMedium:   10,
	models.SeverityLow:      5,
}

// QualityScore scores a submission from its test and scan results.
//
//	100 - 5*failed - 2*max(0, 80-coverage) - sum(severity penalties), clamped to [0, 100]
func QualityScore(tests *models.TestResults, scan *models.SecurityScanResults) (float64, map[string]float64) {
	testPenalty := failedTestPenalty * float64(tests.Failed)
	covPenalty := coveragePenalty * max(0, coverageTarget-tests.Coverage)

	var vulnPenalty float64
	for _, v := range scan.Vulnerabilities {
		vulnPenalty += severityPenalty[models.NormalizeSeverity(string(v.Severity))]
	}

	score := min(max(100-testPenalty-covPenalty-vulnPenalty, 0), 100)

	return score, map[string]float64{
		"failedTests":     testPenalty,
		"coverage":        covPenalty,
		"vulnerabilities": vulnPenalty,
	}
}

type QualityCheckConfig struct {
	Threshold *float64 `json:"threshold,omitempty"`
}

// QualityCheckStep gates the pipeline on the quality score.
type QualityCheckStep struct {
	threshold float64
	logger    *slog.Logger
}

func NewQualityCheckStep(config QualityCheckConfig, logger *slog.Logger) *QualityCheckStep {
	threshold := DefaultQualityThreshold
	if config.Threshold != nil {
		threshold = *config.Threshold
	}

	return &QualityCheckStep{threshold: threshold, logger: logger}
}

func (s *QualityCheckStep) Type() models.StepType {
	return models.StepTypeQualityCheck
}

func (s *QualityCheckStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	tests, err := requireArtifact[*models.TestResults](pctx, models.ArtifactTestResults)
	if err != nil {
		return nil, err
	}

	scan, err := requireArtifact[*models.SecurityScanResults](pctx, models.ArtifactSecurityScanResults)
	if err != nil {
		return nil, err
	}

	score, breakdown := QualityScore(tests, scan)

	s.logger.InfoContext(ctx, "Quality score computed", "score", score, "threshold", s.threshold)

	if score < s.threshold {
		return &protocol.StepResult{
			Logs: []string{fmt.Sprintf("quality score %.1f below threshold %.1f", score, s.threshold)},
		}, &pipeline.QualityGateError{Score: score, Threshold: s.threshold, Breakdown: breakdown}
	}

	return &protocol.StepResult{
		Logs:   []string{fmt.Sprintf("quality score %.1f (threshold %.1f)", score, s.threshold)},
		Output: map[string]any{"score": score, "threshold": s.threshold, "breakdown": breakdown},
		Artifacts: map[string]any{
			models.ArtifactQualityScore: score,
		},
	}, nil
}
