package clipper

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the orchestrator.
var (
	ErrExtractionTimeout = errors.New("content extraction timed out")
	ErrSuperseded        = errors.New("extraction superseded by a newer registration")
	ErrTabClosed         = errors.New("tab was closed")
	ErrNotCapturable     = errors.New("url cannot be captured")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrExportedNatively  = errors.New("document exported natively by the platform")
	ErrChainExhausted    = errors.New("all bypass services failed")
	ErrUserActionNeeded  = errors.New("user action required")
	ErrConfiguration     = errors.New("configuration error")
	ErrTransientService  = errors.New("transient service failure")
)

// TransientServiceError reports a failed bypass or archive attempt. It advances
// a fallback chain and is never fatal on its own.
type TransientServiceError struct {
	Service string
	Reason  string
	Err     error
}

func (e *TransientServiceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Service, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause.
func (e *TransientServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransientService}
	}
	return []error{ErrTransientService, e.Err}
}

// ExtractionTimeoutError is returned when no extraction signal arrived in time.
type ExtractionTimeoutError struct {
	Tab     TabHandle
	Timeout time.Duration
}

func (e *ExtractionTimeoutError) Error() string {
	return fmt.Sprintf("tab %s: no extraction result after %s", e.Tab, e.Timeout)
}

// Unwrap allows errors.Is(err, ErrExtractionTimeout).
func (e *ExtractionTimeoutError) Unwrap() error { return ErrExtractionTimeout }

// UserActionRequiredError signals a CAPTCHA that automation could not clear.
type UserActionRequiredError struct {
	Reason string
}

func (e *UserActionRequiredError) Error() string {
	return "user action required: " + e.Reason
}

// Unwrap allows errors.Is(err, ErrUserActionNeeded).
func (e *UserActionRequiredError) Unwrap() error { return ErrUserActionNeeded }

// ConfigurationError is fatal for the request that hit it and is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrConfiguration).
func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// DuplicateNotice is informational; the capture proceeds regardless.
type DuplicateNotice struct {
	URL     string        `json:"url"`
	TimeAgo string        `json:"timeAgo"`
	Prior   *HistoryEntry `json:"previousClip,omitempty"`
}

func (n *DuplicateNotice) Error() string {
	return fmt.Sprintf("%s was already clipped %s", n.URL, n.TimeAgo)
}

// IsRecoverable reports whether a strategy failure may fall back to direct
// extraction of the original page.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrConfiguration)
}
