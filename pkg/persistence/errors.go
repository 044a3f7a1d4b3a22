// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRepositoryNotFound indicates a submission record was not found.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrPipelineNotFound indicates a pipeline record was not found.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrPackageNotFound indicates a package was not found by name or id.
	ErrPackageNotFound = errors.New("package not found")

	// ErrPackageAlreadyExists indicates the package name is already taken.
	ErrPackageAlreadyExists = errors.New("package already exists")

	// ErrVersionNotFound indicates the package has no such version.
	ErrVersionNotFound = errors.New("version not found")

	// ErrVersionAlreadyExists indicates the version was already published.
	ErrVersionAlreadyExists = errors.New("version already exists")
)

// PackageError wraps package-related errors with additional context.
type PackageError struct {
	Op      string // Operation being performed (e.g., "GetByName", "PublishVersion")
	Package string // Package name or id
	Version string // Version if applicable
	Err     error
}

func (e *PackageError) Error() string {
	target := e.Package
	if e.Version != "" {
		target = fmt.Sprintf("%s@%s", e.Package, e.Version)
	}

	return fmt.Sprintf("%s operation failed for package %s: %v", e.Op, target, e.Err)
}

func (e *PackageError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for package errors.
func (e *PackageError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewPackageError creates a new package error with context.
func NewPackageError(op, pkg string, err error) *PackageError {
	return &PackageError{Op: op, Package: pkg, Err: err}
}

// NewVersionError creates a new package error for a specific version.
func NewVersionError(op, pkg, version string, err error) *PackageError {
	return &PackageError{Op: op, Package: pkg, Version: version, Err: err}
}

// RecordError wraps errors of submission and pipeline records.
type RecordError struct {
	Op   string
	Kind string // "repository" or "pipeline"
	ID   string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsPackageNotFound checks if an error indicates a package was not found.
func IsPackageNotFound(err error) bool {
	return errors.Is(err, ErrPackageNotFound)
}

// IsVersionNotFound checks if an error indicates a version was not found.
func IsVersionNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound)
}

// IsConflict checks if an error indicates a unique name or version was taken.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPackageAlreadyExists) || errors.Is(err, ErrVersionAlreadyExists)
}

// IsNotFound checks if an error indicates any missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRepositoryNotFound) || errors.Is(err, ErrPipelineNotFound) ||
		IsPackageNotFound(err) || IsVersionNotFound(err)
}
