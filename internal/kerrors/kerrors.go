// Package kerrors defines the error taxonomy shared by feeds, targets and
// the pull orchestrator. Callers classify failures with errors.Is against
// the sentinel kinds rather than matching error strings.
package kerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every error produced by this program wraps exactly one of
// these so the orchestrator can decide whether a failure is retryable
// (Remote, Delivery), structural (Configuration), or recoverable state
// drift (State).
var (
	// ErrConfiguration marks structural problems: missing credentials
	// file, unknown label or folder, invalid auth type. Aborts the
	// affected delivery without touching state.
	ErrConfiguration = errors.New("configuration error")

	// ErrGit marks local git tooling failures.
	ErrGit = errors.New("git error")

	// ErrPublicInbox marks failures of the lei tool or feed layout.
	ErrPublicInbox = errors.New("public-inbox error")

	// ErrState marks recoverable state drift: a commit with no message
	// file, or a cursor that no longer resolves. Does not count against
	// the retry budget.
	ErrState = errors.New("state error")

	// ErrRemote marks any target-side failure. Counts as a failure and
	// lands in the retry ledger.
	ErrRemote = errors.New("remote error")

	// ErrDelivery marks a pipe-target command exiting non-zero. Same
	// propagation as ErrRemote.
	ErrDelivery = errors.New("delivery error")
)

// Configuration wraps err (or formats a new error) as a configuration error.
func Configuration(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConfiguration)...)
}

// Git wraps a git tooling failure.
func Git(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrGit)...)
}

// PublicInbox wraps a lei or feed-layout failure.
func PublicInbox(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrPublicInbox)...)
}

// State wraps recoverable state drift.
func State(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrState)...)
}

// Remote wraps a target-side failure.
func Remote(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrRemote)...)
}

// Delivery wraps a pipe-command failure.
func Delivery(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrDelivery)...)
}

// AuthError reports that a target's credentials are invalid or expired and
// re-authentication is required. The CLI surfaces the target so the user
// knows which `korgalore auth` invocation fixes it.
type AuthError struct {
	TargetID   string
	TargetType string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication required for %s target %q: %v",
			e.TargetType, e.TargetID, e.Err)
	}
	return fmt.Sprintf("authentication required for %s target %q",
		e.TargetType, e.TargetID)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError builds an AuthError for the given target.
func NewAuthError(targetID, targetType string, err error) *AuthError {
	return &AuthError{TargetID: targetID, TargetType: targetType, Err: err}
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
