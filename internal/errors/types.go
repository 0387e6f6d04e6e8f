package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// The engine distinguishes four failure classes: guardrail skips (expected,
// not faults), execution failures, timeouts (accounted as failures), and
// configuration errors (fatal at startup only). Anything else that escapes a
// handler is an internal error and is recovered, logged, and recorded as a
// failure on the offending unit.

// SkipError reports that a unit of work was not attempted because a guardrail
// or policy check refused it. It carries a machine-readable reason code for
// the audit trail and a human-readable reason for operators.
type SkipError struct {
	Code   string
	Reason string
}

func (e *SkipError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("skipped (%s)", e.Code)
	}
	return fmt.Sprintf("skipped (%s): %s", e.Code, e.Reason)
}

// NewSkip builds a SkipError with a formatted reason.
func NewSkip(code string, format string, args ...any) *SkipError {
	return &SkipError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// SkipCode extracts the reason code when err is (or wraps) a SkipError.
func SkipCode(err error) (string, bool) {
	var skip *SkipError
	if stderrors.As(err, &skip) {
		return skip.Code, true
	}
	return "", false
}

// IsSkip reports whether err represents a guardrail skip rather than a fault.
func IsSkip(err error) bool {
	_, ok := SkipCode(err)
	return ok
}

// ConfigError reports malformed configuration discovered at load time. It is
// the only error class allowed to abort the process, and only during startup.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError wraps err with the configuration source that produced it.
func NewConfigError(source string, err error) *ConfigError {
	return &ConfigError{Source: source, Err: err}
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	var cfg *ConfigError
	return stderrors.As(err, &cfg)
}

// IsTimeout reports whether err represents a deadline overrun. Timeouts are
// treated identically to execution failures for retry and breaker accounting;
// this helper only exists so logs and records can name them precisely.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
