// Package util provides the error taxonomy and process exit codes shared by
// every layer of credvault.
package util

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes returned by the credvault binary.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitInvalidInput = 2
	ExitVaultBusy    = 3
	ExitIntegrityErr = 4
	ExitAuthFailed   = 5
	ExitNotFound     = 6
)

// Error taxonomy. Components wrap these with context and callers classify
// with errors.Is.
var (
	// ErrValidation is a bad input shape or policy violation; re-prompt.
	ErrValidation = errors.New("validation error")
	// ErrAuthenticationFailed is a wrong master password; re-prompt.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrLockedOut is returned while failed attempts are cooling down.
	ErrLockedOut = errors.New("too many failed attempts, try again later")
	// ErrSessionExpired means the session timed out or was locked.
	ErrSessionExpired = errors.New("session expired")
	// ErrFormat is a malformed or unsupported-version payload.
	ErrFormat = errors.New("format error")
	// ErrIntegrity is a MAC mismatch; the data is untrusted.
	ErrIntegrity = errors.New("integrity error")
	// ErrCrypto is a cipher-level failure.
	ErrCrypto = errors.New("crypto error")
	// ErrStorageUnavailable means a secure storage backend cannot be used.
	ErrStorageUnavailable = errors.New("secure storage unavailable")
	// ErrNotFound is a missing vault, backup, key or recovery file.
	ErrNotFound = errors.New("not found")
	// ErrLockContention means another process holds the vault lock.
	ErrLockContention = errors.New("vault busy")
	// ErrFatalInternal is an unexpected failure; the process exits non-zero.
	ErrFatalInternal = errors.New("internal error")
)

// Errorf wraps kind with a formatted message, keeping kind matchable with errors.Is.
func Errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// ExitCode maps an error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrValidation):
		return ExitInvalidInput
	case errors.Is(err, ErrLockContention):
		return ExitVaultBusy
	case errors.Is(err, ErrIntegrity), errors.Is(err, ErrFormat), errors.Is(err, ErrCrypto):
		return ExitIntegrityErr
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrLockedOut), errors.Is(err, ErrSessionExpired):
		return ExitAuthFailed
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	default:
		return ExitError
	}
}

// Remediation returns a short hint telling the user which recovery path fits err.
func Remediation(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationFailed):
		return "check the master password and try again"
	case errors.Is(err, ErrLockedOut):
		return "wait for the cooldown to pass before retrying"
	case errors.Is(err, ErrIntegrity), errors.Is(err, ErrFormat), errors.Is(err, ErrCrypto):
		return "the file is corrupted or was tampered with; run 'credvault recover vault'"
	case errors.Is(err, ErrLockContention):
		return "another credvault process is using the vault; retry when it finishes"
	case errors.Is(err, ErrNotFound):
		return "run 'credvault doctor' or 'credvault recover' to rebuild missing files"
	default:
		return ""
	}
}

// ExitWithCode exits the program with the specified code and message
func ExitWithCode(code int, format string, args ...interface{}) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
}

// HandleError handles errors and exits with appropriate code
func HandleError(err error, context string) {
	if err == nil {
		return
	}

	msg := err.Error()
	if context != "" {
		msg = context + " - " + msg
	}
	if hint := Remediation(err); hint != "" {
		ExitWithCode(ExitCode(err), "Error: %s\nHint: %s", msg, hint)
	}
	ExitWithCode(ExitCode(err), "Error: %s", msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
