package scans

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("scan session not found")
	ErrSessionExists     = errors.New("scan session already exists")
	ErrSessionCancelled  = errors.New("scan session cancelled")
	ErrReportNotReady    = errors.New("scan report not ready")
	ErrNoBuildableTarget = errors.New("no buildable target in workspace")
)

// IntakeError means the uploaded archive could not be staged or unpacked.
// It is the only failure that aborts a whole session.
type IntakeError struct {
	Err error
}

func (e *IntakeError) Error() string { return "intake: " + e.Err.Error() }
func (e *IntakeError) Unwrap() error { return e.Err }

// StepExecutionError wraps a tool or container invocation failure.
type StepExecutionError struct {
	Step StepName
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// TargetUnreachableError is scoped to one dynamic target.
type TargetUnreachableError struct {
	Target   string
	Attempts int
}

func (e *TargetUnreachableError) Error() string {
	return fmt.Sprintf("target %s unreachable after %d attempts", e.Target, e.Attempts)
}

// TargetCrashedError is scoped to one dynamic target.
type TargetCrashedError struct {
	Target   string
	ExitCode int
}

func (e *TargetCrashedError) Error() string {
	return fmt.Sprintf("target %s exited with code %d", e.Target, e.ExitCode)
}

// ResourceTeardownError is logged and never propagated.
type ResourceTeardownError struct {
	Handle ResourceHandle
	Err    error
}

func (e *ResourceTeardownError) Error() string {
	return fmt.Sprintf("teardown %s (%s): %v", e.Handle.Target, e.Handle.Image, e.Err)
}

func (e *ResourceTeardownError) Unwrap() error { return e.Err }
