package main

import (
	"errors"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// Exit codes. Pipeline errors map onto these so scripts can tell a refused
// request from a failed one.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2 // bad flags, invalid input or configuration
	exitRefused  = 3 // unsafe SQL or a sandbox capability violation
	exitExecFail = 4 // the database or the sandbox failed
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func exitCodeForError(err error) int {
	if err == nil {
		return exitOK
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeConfigLoad, apperrors.ErrCodeConfigParse, apperrors.ErrCodeConfigInvalid:
		return exitUsage
	case apperrors.ErrCodeSQLSafetyViolation, apperrors.ErrCodeSandboxCapabilityViolation:
		return exitRefused
	case apperrors.ErrCodeTransientExecution, apperrors.ErrCodePermanentExecution, apperrors.ErrCodeRetryExhausted,
		apperrors.ErrCodeExecutionTimeout, apperrors.ErrCodeSandboxTimeout, apperrors.ErrCodeSandboxRuntimeFailure:
		return exitExecFail
	default:
		return exitFailure
	}
}
