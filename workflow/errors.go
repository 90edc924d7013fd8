package workflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingSecret is wrapped by the ConfigError returned when a referenced
// environment variable is not set.
var ErrMissingSecret = errors.New("missing secret")

// ConfigError reports an invalid document or a secret that cannot be resolved.
// It is fatal to the run and never retried.
type ConfigError struct {
	// Path locates the offending field, e.g. "actions[2].selector".
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// MissingSecret builds the ConfigError for an unset environment variable.
func MissingSecret(ref SecretRef) *ConfigError {
	return &ConfigError{
		Path:   ref.EnvVar,
		Reason: "environment variable is not set",
		Err:    ErrMissingSecret,
	}
}

// DriverError reports that the browser session could not be opened, driven
// or closed.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver error: %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// ElementNotFoundError reports a selector that matched nothing within the
// default location deadline.
type ElementNotFoundError struct {
	Selector Selector
	Waited   time.Duration
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element %s not found after %s", e.Selector, e.Waited)
}

// TimeoutError reports a wait_for_element whose selector never appeared.
type TimeoutError struct {
	Selector Selector
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.Selector)
}

// AuthInputError reports that a credential needed by a login action could not
// be produced. It carries the variable name only, never the value.
type AuthInputError struct {
	Ref SecretRef
	Err error
}

func (e *AuthInputError) Error() string {
	return fmt.Sprintf("auth input %s: %v", e.Ref, e.Err)
}

func (e *AuthInputError) Unwrap() error { return e.Err }

// ActionError attaches the position and identity of the failing action.
type ActionError struct {
	Index    int
	Kind     ActionKind
	Selector Selector
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s %s): %v", e.Index, e.Kind, e.Selector, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// ExtractionError is isolated to one extraction spec.
type ExtractionError struct {
	Target string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extraction %q: %s", e.Target, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// WriteError reports a sink failure for one destination.
type WriteError struct {
	Destination string
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Destination, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
