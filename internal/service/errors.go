package service

import (
	"errors"
	"fmt"
)

var (
	ErrLeaseUnavailable         = errors.New("lease unavailable")
	ErrProvisioningFailed       = errors.New("provisioning failed")
	ErrVMManager                = errors.New("vm manager failed")
	ErrExecutionFailed          = errors.New("execution failed")
	ErrNotFound                 = errors.New("not found")
	ErrEmptyWorkspaceNotAllowed = errors.New("empty workspace not allowed")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrDraining                 = errors.New("controller is draining")
)

// ProvisioningError reports the step that failed a provisioning attempt.
type ProvisioningError struct {
	Step     string
	Stderr   string
	ExitCode int
}

func (e *ProvisioningError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("provisioning failed at %s (exit %d): %s", e.Step, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("provisioning failed at %s: %s", e.Step, e.Stderr)
}

func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioningFailed
}

// VMError wraps a failed VM manager call with the operation and box.
type VMError struct {
	Op    string
	BoxID string
	Err   error
}

func (e *VMError) Error() string {
	if e.BoxID == "" {
		return fmt.Sprintf("vm manager %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vm manager %s %s failed: %v", e.Op, e.BoxID, e.Err)
}

func (e *VMError) Is(target error) bool {
	return target == ErrVMManager
}

func (e *VMError) Unwrap() error {
	return e.Err
}

type ExecutionError struct {
	WorkspaceID string
	ExitCode    int
	Stderr      string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command in workspace %s exited with code %d: %s", e.WorkspaceID, e.ExitCode, e.Stderr)
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
