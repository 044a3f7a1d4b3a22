package models

import "time"

// Severity of a reported vulnerability.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NormalizeSeverity maps audit tool severities onto the four known levels.
func NormalizeSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type TestResults struct {
	TotalTests int           `json:"totalTests"`
	Passed     int           `json:"passed"`
	Failed     int           `json:"failed"`
	Coverage   float64       `json:"coverage"`
	Duration   time.Duration `json:"duration"`
}

type Vulnerability struct {
	ID           string   `json:"id,omitempty"`
	Package      string   `json:"package"`
	Severity     Severity `json:"severity"`
	Title        string   `json:"title,omitempty"`
	Range        string   `json:"range,omitempty"`
	FixAvailable bool     `json:"fixAvailable"`
}

type DependencyInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Dev     bool   `json:"dev"`
}

type ComplianceCheck struct {
	Rule    string `json:"rule"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

type SecurityScanResults struct {
	Vulnerabilities []Vulnerability   `json:"vulnerabilities"`
	Dependencies    []DependencyInfo  `json:"dependencies"`
	CodeQuality     map[string]any    `json:"codeQuality"`
	Compliance      []ComplianceCheck `json:"compliance"`
	Recommendations []string          `json:"recommendations"`
}
