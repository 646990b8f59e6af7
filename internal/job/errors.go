package job

import (
	"errors"
	"fmt"
)

// ReasonTimeout is the failure reason recorded for a match that hit its
// wall-clock ceiling or start deadline.
const ReasonTimeout = "Timeout"

var (
	// ErrTransientUnavailable marks a backend or RPC that could not be
	// reached.  Orchestrators retry on the next tick until their budget is
	// exhausted.
	ErrTransientUnavailable = errors.New("backend transiently unavailable")

	// ErrTimeout marks a match that exceeded its wall-clock ceiling or its
	// start deadline.
	ErrTimeout = errors.New("timed out")

	// ErrCleanupIncomplete marks resources that survived every destroy
	// attempt.  It is reported, never fatal to the job's terminal state.
	ErrCleanupIncomplete = errors.New("cleanup incomplete")
)

// ValidationError is returned for malformed requests: missing or
// non-identifier names, unreachable or invalid repository URLs, unknown
// agents.
type ValidationError struct {
	Reason  string   `json:"reason"`
	Details []string `json:"details,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Details)
}

// NewValidationError builds a ValidationError from a reason and optional
// per-field details.
func NewValidationError(reason string, details ...string) *ValidationError {
	return &ValidationError{Reason: reason, Details: details}
}

// AlreadyInProgressError is returned when a non-terminal job of the same
// kind and name already exists.  ID names the job that blocks the request.
type AlreadyInProgressError struct {
	Kind Kind
	Name string
	ID   string
}

func (e *AlreadyInProgressError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %q already in progress", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %q already in progress as %s", e.Kind, e.Name, e.ID)
}

// NotFoundError is returned when a job, or a build for a name, does not
// exist.
type NotFoundError struct {
	Type string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Type, e.ID)
}

// NotReadyError is returned by Deploy when builds exist for a name but none
// of them has succeeded.
type NotReadyError struct {
	Name  string
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("no successful build for %q (latest is %s)", e.Name, e.State)
}

// ProvisionError is returned by a provider that refused to create a
// resource.  Nothing is left behind when it is returned.
type ProvisionError struct {
	Reason string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provision failed: %s", e.Reason)
	}
	return fmt.Sprintf("provision failed: %s: %v", e.Reason, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TransitionError is returned by stores when an update would move a job
// along an edge its state machine does not allow.
type TransitionError struct {
	ID   string
	Kind Kind
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal %s transition %s -> %s", e.ID, e.Kind, e.From, e.To)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAlreadyInProgress reports whether err is, or wraps, an
// AlreadyInProgressError.
func IsAlreadyInProgress(err error) bool {
	var ae *AlreadyInProgressError
	return errors.As(err, &ae)
}
