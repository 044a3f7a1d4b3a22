package models

import "fmt"

// StepType is the closed set of step kinds a pipeline can run.
type StepType string

const (
	StepTypeClone        StepType = "clone"
	StepTypeInstall      StepType = "install"
	StepTypeTest         StepType = "test"
	StepTypeSecurityScan StepType = "security-scan"
	StepTypeQualityCheck StepType = "quality-check"
	StepTypeBuild        StepType = "build"
	StepTypePackage      StepType = "package"
	StepTypeDeploy       StepType = "deploy"
)

// StepTypes lists every step kind in canonical pipeline order.
var StepTypes = []StepType{
	StepTypeClone,
	StepTypeInstall,
	StepTypeTest,
	StepTypeSecurityScan,
	StepTypeQualityCheck,
	StepTypeBuild,
	StepTypePackage,
	StepTypeDeploy,
}

// Valid reports whether t is one of the known step kinds.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}

	return false
}

// ParseStepType converts a string into a StepType.
func ParseStepType(s string) (StepType, error) {
	t := StepType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown step type %q", s)
	}

	return t, nil
}
