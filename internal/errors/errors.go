package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable means an external backend could not be reached. Retryable.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrConcurrencyLimitExceeded means the owner already has the maximum number of active tasks.
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	// ErrDecryption means a stored credential could not be decrypted.
	ErrDecryption = errors.New("credential unavailable")
	// ErrSubmissionRejected means a backend refused a task payload.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrStaleStatus marks a backend status that is behind the stored one. Never surfaced.
	ErrStaleStatus = errors.New("stale status")

	ErrNotFound       = errors.New("not found")
	ErrTaskTerminal   = errors.New("task already finished")
	ErrLoginPending   = errors.New("a login session is already pending for this identity")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnsupported    = errors.New("unsupported operation")
)

// EngineError wraps a failed call against an external backend
type EngineError struct {
	Engine string
	Op     string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Engine, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrEngineUnavailable) match any EngineError
func (e *EngineError) Is(target error) bool {
	return target == ErrEngineUnavailable
}

// SubmissionRejectedError carries the backend's refusal verbatim
type SubmissionRejectedError struct {
	StatusCode int
	Detail     string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("submission rejected (HTTP %d): %s", e.StatusCode, e.Detail)
}

func (e *SubmissionRejectedError) Is(target error) bool {
	return target == ErrSubmissionRejected
}

// DecryptionError reports a ciphertext that could not be opened. The
// message never includes the ciphertext or any derived material.
type DecryptionError struct {
	KeyID string
	Err   error
}

func (e *DecryptionError) Error() string {
	if e.KeyID == "" {
		return ErrDecryption.Error()
	}
	return fmt.Sprintf("%s (key %s)", ErrDecryption.Error(), e.KeyID)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Retryable reports whether the caller may retry the same operation later
func Retryable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrConcurrencyLimitExceeded)
}
