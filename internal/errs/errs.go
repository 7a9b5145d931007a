// Package errs defines the failure taxonomy shared by the job handlers, the
// action processor and the state machines.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks a referenced entity that does not exist. Fatal to the enclosing unit of work.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks an illegal transition, bad payload or unauthorized actor. Fatal to one action only.
	ErrValidation = errors.New("validation error")
	// ErrDependency marks a failed side effect (email, broadcast, asset publication). Logged and swallowed.
	ErrDependency = errors.New("dependency failure")
	// ErrUnknownTarget marks an unregistered action kind or an uninstalled/disabled bot or command.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrConflict marks a lost compare-and-swap on manuscript state.
	ErrConflict = errors.New("conflicting update")
)

// Wrap builds an error message carrying component context while tagging it with
// marker for later classification. marker should be one of the sentinels above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrDependency
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// NotFound reports a missing entity of the given kind.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// Validation reports a rejected request.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// UnknownTarget reports a bot, command, event handler or action kind that cannot be resolved.
func UnknownTarget(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnknownTarget, fmt.Sprintf(format, args...))
}

// Conflict reports a lost compare-and-swap. It is also a validation error so the
// action processor treats it as fatal to the single action.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrConflict, ErrValidation, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err carries ErrValidation. Conflicts count too.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflict reports whether err carries ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsUnknownTarget reports whether err carries ErrUnknownTarget.
func IsUnknownTarget(err error) bool { return errors.Is(err, ErrUnknownTarget) }

// Kind returns a short classification label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnknownTarget):
		return "unknown_target"
	case errors.Is(err, ErrDependency):
		return "dependency"
	default:
		return "internal"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
