package registry

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the domain outcomes of registry operations.
type ErrorCode string

const (
	CodeConflict        ErrorCode = "conflict"
	CodeVersionNotFound ErrorCode = "version_not_found"
	CodePackageNotFound ErrorCode = "package_not_found"
	CodeInvalidRequest  ErrorCode = "invalid_request"
	CodeIntegrity       ErrorCode = "integrity_mismatch"
)

// RegistryError is a domain outcome returned to callers. It is never retried.
type RegistryError struct {
	Code    ErrorCode
	Package string
	Version string
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	target := e.Package
	if e.Version != "" {
		target += "@" + e.Version
	}

	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}

	if target == "" {
		return msg
	}

	return fmt.Sprintf("%s: %s", target, msg)
}

// Retryable is always false: the same request yields the same outcome.
func (e *RegistryError) Retryable() bool {
	return false
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// Is matches another *RegistryError with the same code, so errors.Is works
// against the sentinels below.
func (e *RegistryError) Is(target error) bool {
	other, ok := target.(*RegistryError)

	return ok && other.Code == e.Code && other.Package == "" && other.Version == ""
}

var (
	ErrConflict        = &RegistryError{Code: CodeConflict}
	ErrVersionNotFound = &RegistryError{Code: CodeVersionNotFound}
	ErrPackageNotFound = &RegistryError{Code: CodePackageNotFound}
	ErrInvalidRequest  = &RegistryError{Code: CodeInvalidRequest}
)

func conflict(pkg, version, message string, err error) *RegistryError {
	return &RegistryError{Code: CodeConflict, Package: pkg, Version: version, Message: message, Err: err}
}

func packageNotFound(pkg string, err error) *RegistryError {
	return &RegistryError{Code: CodePackageNotFound, Package: pkg, Message: "package not found", Err: err}
}

func versionNotFound(pkg, version string, err error) *RegistryError {
	return &RegistryError{Code: CodeVersionNotFound, Package: pkg, Version: version, Message: "version not found", Err: err}
}

func invalidRequest(pkg, message string) *RegistryError {
	return &RegistryError{Code: CodeInvalidRequest, Package: pkg, Message: message}
}

func codeOf(err error) ErrorCode {
	var regErr *RegistryError
	if errors.As(err, &regErr) {
		return regErr.Code
	}

	return ""
}

// IsConflict reports a duplicate first publish, an existing version or a foreign owner.
func IsConflict(err error) bool {
	return codeOf(err) == CodeConflict
}

func IsVersionNotFound(err error) bool {
	return codeOf(err) == CodeVersionNotFound
}

func IsPackageNotFound(err error) bool {
	return codeOf(err) == CodePackageNotFound
}

func IsInvalidRequest(err error) bool {
	return codeOf(err) == CodeInvalidRequest
}

func IsIntegrityMismatch(err error) bool {
	return codeOf(err) == CodeIntegrity
}
