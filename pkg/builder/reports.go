package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dukex/microapps/pkg/models"
)

var ErrEmptyReport = errors.New("empty report")

// PackageJSON is the subset of package.json the pipeline reads.
type PackageJSON struct {
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	Main             string            `json:"main,omitempty"`
	License          string            `json:"license,omitempty"`
	Author           any               `json:"author,omitempty"`
	Scripts          map[string]string `json:"scripts,omitempty"`
	Dependencies     map[string]string `json:"dependencies,omitempty"`
	DevDependencies  map[string]string `json:"devDependencies,omitempty"`
	PeerDependencies map[string]string `json:"peerDependencies,omitempty"`
	Files            []string          `json:"files,omitempty"`
}

func ReadPackageJSON(dir string) (*PackageJSON, map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read package.json: %w", err)
	}

	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse package.json: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse package.json: %w", err)
	}

	return &pkg, raw, nil
}

// ListDependencies returns the direct dependencies declared in pkg, sorted by name.
func ListDependencies(pkg *PackageJSON) []models.DependencyInfo {
	deps := make([]models.DependencyInfo, 0, len(pkg.Dependencies)+len(pkg.DevDependencies))

	for name, version := range pkg.Dependencies {
		deps = append(deps, models.DependencyInfo{Name: name, Version: version})
	}

	for name, version := range pkg.DevDependencies {
		deps = append(deps, models.DependencyInfo{Name: name, Version: version, Dev: true})
	}

	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Name == deps[j].Name {
			return !deps[i].Dev
		}

		return deps[i].Name < deps[j].Name
	})

	return deps
}

type jestReport struct {
	NumTotalTests  int   `json:"numTotalTests"`
	NumPassedTests int   `json:"numPassedTests"`
	NumFailedTests int   `json:"numFailedTests"`
	StartTime      int64 `json:"startTime"`
	TestResults    []struct {
		EndTime int64 `json:"endTime"`
	} `json:"testResults"`
}

// ParseTestReport reads a Jest --json report. Coverage is left at zero.
func ParseTestReport(data []byte) (*models.TestResults, error) {
	if len(data) == 0 {
		return nil, ErrEmptyReport
	}

	var report jestReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse test report: %w", err)
	}

	results := &models.TestResults{
		TotalTests: report.NumTotalTests,
		Passed:     report.NumPassedTests,
		Failed:     report.NumFailedTests,
	}

	var end int64
	for _, suite := range report.TestResults {
		end = max(end, suite.EndTime)
	}

	if report.StartTime > 0 && end > report.StartTime {
		results.Duration = time.Duration(end-report.StartTime) * time.Millisecond
	}

	return results, nil
}

type coverageMetric struct {
	Pct any `json:"pct"`
}

// ParseCoverageSummary reads an istanbul json-summary and returns the total line coverage percentage.
func ParseCoverageSummary(data []byte) (float64, error) {
	if len(data) == 0 {
		return 0, ErrEmptyReport
	}

	var summary struct {
		Total map[string]coverageMetric `json:"total"`
	}

	if err := json.Unmarshal(data, &summary); err != nil {
		return 0, fmt.Errorf("failed to parse coverage summary: %w", err)
	}

	for _, key := range []string{"lines", "statements"} {
		if metric, ok := summary.Total[key]; ok {
			// istanbul writes "Unknown" when nothing was instrumented.
			if pct, ok := metric.Pct.(float64); ok {
				return pct, nil
			}

			return 0, nil
		}
	}

	return 0, errors.New("coverage summary has no total")
}

type auditV2 struct {
	Vulnerabilities map[string]struct {
		Name         string          `json:"name"`
		Severity     string          `json:"severity"`
		Range        string          `json:"range"`
		Via          json.RawMessage `json:"via"`
		FixAvailable any             `json:"fixAvailable"`
	} `json:"vulnerabilities"`
	Advisories map[string]struct {
		ID                 int    `json:"id"`
		ModuleName         string `json:"module_name"`
		Severity           string `json:"severity"`
		Title              string `json:"title"`
		VulnerableVersions string `json:"vulnerable_versions"`
		PatchedVersions    string `json:"patched_versions"`
	} `json:"advisories"`
}

type auditVia struct {
	Source any    `json:"source"`
	Title  string `json:"title"`
}

// ParseAudit reads `npm audit --json` output in either the v1 (advisories)
// or v2+ (vulnerabilities) format. Results are sorted by package name.
func ParseAudit(data []byte) ([]models.Vulnerability, error) {
	if len(data) == 0 {
		return nil, ErrEmptyReport
	}

	var report auditV2
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse audit report: %w", err)
	}

	vulns := make([]models.Vulnerability, 0, len(report.Vulnerabilities)+len(report.Advisories))

	for key, v := range report.Vulnerabilities {
		name := v.Name
		if name == "" {
			name = key
		}

		vuln := models.Vulnerability{
			Package:      name,
			Severity:     models.NormalizeSeverity(v.Severity),
			Range:        v.Range,
			FixAvailable: fixAvailable(v.FixAvailable),
		}

		var via []json.RawMessage
		if err := json.Unmarshal(v.Via, &via); err == nil {
			for _, raw := range via {
				var advisory auditVia
				if err := json.Unmarshal(raw, &advisory); err == nil && advisory.Title != "" {
					vuln.Title = advisory.Title
					vuln.ID = fmt.Sprint(advisory.Source)

					break
				}
			}
		}

		vulns = append(vulns, vuln)
	}

	for key, a := range report.Advisories {
		id := key
		if a.ID != 0 {
			id = fmt.Sprint(a.ID)
		}

		vulns = append(vulns, models.Vulnerability{
			ID:           id,
			Package:      a.ModuleName,
			Severity:     models.NormalizeSeverity(a.Severity),
			Title:        a.Title,
			Range:        a.VulnerableVersions,
			FixAvailable: a.PatchedVersions != "" && a.PatchedVersions != "<0.0.0",
		})
	}

	sort.Slice(vulns, func(i, j int) bool {
		if vulns[i].Package == vulns[j].Package {
			return vulns[i].ID < vulns[j].ID
		}

		return vulns[i].Package < vulns[j].Package
	})

	return vulns, nil
}

// fixAvailable is either a bool or an object describing the fix.
func fixAvailable(v any) bool {
	switch fix := v.(type) {
	case bool:
		return fix
	case map[string]any:
		return true
	default:
		return false
	}
}
