// Package errs defines the error kinds surfaced by the retrieval and triage pipeline.
// Callers test kinds with errors.Is; wrapped context is preserved.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers index/mapping mismatches and missing credentials. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrParse marks a malformed section or chunk record.
	ErrParse = errors.New("parse error")
	// ErrGeneration marks a structurally invalid model response.
	ErrGeneration = errors.New("generation error")
	// ErrTimeout marks an external call that exceeded its deadline. Retryable by the caller.
	ErrTimeout = errors.New("timeout")
	// ErrGroundingViolation marks a citation absent from the evidence set.
	ErrGroundingViolation = errors.New("grounding violation")
	// ErrBadRequest marks invalid caller input.
	ErrBadRequest = errors.New("bad request")
	// ErrAuthentication marks rejected credentials. Never retried.
	ErrAuthentication = errors.New("authentication error")
)

func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func Parse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

func Generation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGeneration, fmt.Sprintf(format, args...))
}

func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// FromContext maps a context deadline into ErrTimeout, keeping the original error in the chain.
// Other errors are returned with op as prefix.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Retryable reports whether the caller may retry the whole request.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
