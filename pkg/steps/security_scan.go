package steps

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/microapps/pkg/builder"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

var defaultAllowedLicenses = []string{"MIT", "Apache-2.0", "BSD-2-Clause", "BSD-3-Clause", "ISC", "0BSD", "MPL-2.0"}

type SecurityScanConfig struct {
	AllowedLicenses []string `json:"allowedLicenses,omitempty"`
}

// SecurityScanStep audits dependencies and checks license compliance.
type SecurityScanStep struct {
	runner builder.CommandRunner
	config SecurityScanConfig
	logger *slog.Logger
}

func NewSecurityScanStep(runner builder.CommandRunner, config SecurityScanConfig, logger *slog.Logger) *SecurityScanStep {
	if len(config.AllowedLicenses) == 0 {
		config.AllowedLicenses = defaultAllowedLicenses
	}

	return &SecurityScanStep{runner: runner, config: config, logger: logger}
}

func (s *SecurityScanStep) Type() models.StepType {
	return models.StepTypeSecurityScan
}

func (s *SecurityScanStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	sourceDir, err := requireArtifact[string](pctx, models.ArtifactSourceDir)
	if err != nil {
		return nil, err
	}

	pkg, _, err := builder.ReadPackageJSON(sourceDir)
	if err != nil {
		return nil, err
	}

	// npm audit exits non-zero whenever it finds something.
	result, runErr := s.runner.Run(ctx, sourceDir, "npm", "audit", "--json")

	var report string
	if result != nil {
		report = strings.TrimSpace(result.Stdout)
	}

	if runErr != nil && (builder.ExitCode(runErr) < 0 || report == "") {
		return &protocol.StepResult{Logs: result.Lines()}, fmt.Errorf("dependency audit failed: %w", runErr)
	}

	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	vulns := []models.Vulnerability{}
	if report != "" {
		vulns, err = builder.ParseAudit([]byte(report))
		if err != nil {
			return nil, err
		}
	}

	dependencies := builder.ListDependencies(pkg)
	compliance := s.compliance(pkg, pctx.Submission)

	scan := &models.SecurityScanResults{
		Vulnerabilities: vulns,
		Dependencies:    dependencies,
		CodeQuality:     codeQuality(pkg, dependencies),
		Compliance:      compliance,
		Recommendations: recommendations(vulns, compliance),
	}

	counts := severityCounts(vulns)
	s.logger.InfoContext(ctx, "Security scan finished", "vulnerabilities", len(vulns), "critical", counts[models.SeverityCritical])

	return &protocol.StepResult{
		Logs: []string{fmt.Sprintf("found %d vulnerabilities across %d dependencies", len(vulns), len(dependencies))},
		Output: map[string]any{
			"vulnerabilities": len(vulns),
			"critical":        counts[models.SeverityCritical],
			"high":            counts[models.SeverityHigh],
			"medium":          counts[models.SeverityMedium],
			"low":             counts[models.SeverityLow],
		},
		Artifacts: map[string]any{
			models.ArtifactSecurityScanResults: scan,
		},
	}, nil
}

func (s *SecurityScanStep) compliance(pkg *builder.PackageJSON, form models.DeveloperSubmissionForm) []models.ComplianceCheck {
	license := pkg.License
	if license == "" {
		license = form.Legal.License
	}

	checks := []models.ComplianceCheck{
		{
			Rule:    "license-allowed",
			Passed:  slices.Contains(s.config.AllowedLicenses, license),
			Details: license,
		},
		{
			Rule:    "license-matches-submission",
			Passed:  pkg.License == "" || strings.EqualFold(pkg.License, form.Legal.License),
			Details: fmt.Sprintf("package.json=%q submission=%q", pkg.License, form.Legal.License),
		},
		{
			Rule:   "terms-accepted",
			Passed: form.Legal.TermsAccepted,
		},
	}

	return checks
}

func codeQuality(pkg *builder.PackageJSON, deps []models.DependencyInfo) map[string]any {
	_, hasTests := pkg.Scripts["test"]
	_, hasBuild := pkg.Scripts["build"]
	_, hasLint := pkg.Scripts["lint"]

	return map[string]any{
		"hasTestScript":   hasTests,
		"hasBuildScript":  hasBuild,
		"hasLintScript":   hasLint,
		"dependencyCount": len(deps),
	}
}

func recommendations(vulns []models.Vulnerability, compliance []models.ComplianceCheck) []string {
	recs := []string{}

	for _, v := range vulns {
		if v.FixAvailable {
			recs = append(recs, fmt.Sprintf("Upgrade %s to resolve a %s severity vulnerability", v.Package, v.Severity))
		} else {
			recs = append(recs, fmt.Sprintf("Replace or remove %s: %s severity vulnerability has no fix", v.Package, v.Severity))
		}
	}

	for _, check := range compliance {
		if !check.Passed {
			recs = append(recs, fmt.Sprintf("Resolve compliance check %s (%s)", check.Rule, check.Details))
		}
	}

	return recs
}

func severityCounts(vulns []models.Vulnerability) map[models.Severity]int {
	counts := make(map[models.Severity]int, 4)
	for _, v := range vulns {
		counts[v.Severity]++
	}

	return counts
}
