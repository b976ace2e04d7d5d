package planerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindEndpointNotFound     Kind = "endpoint_not_found"
	KindRemoteError          Kind = "remote_error"
	KindMalformedResponse    Kind = "malformed_response"
	KindInvalidPlanStructure Kind = "invalid_plan_structure"
	KindMaxAttemptsReached   Kind = "max_attempts_reached"
	KindStoreUnavailable     Kind = "store_unavailable"
)

// SnippetLimit bounds the diagnostic dump carried by malformed/invalid errors.
const SnippetLimit = 500

// Error is the single failure type produced at the point a problem is
// detected. Only the fields relevant to Kind are populated.
type Error struct {
	Kind    Kind
	Message string

	// RemoteError; Body is kept whole so callers can decode structured
	// failures, and is truncated only when printed.
	Status int
	Body   string
	URL    string

	// MalformedResponse / InvalidPlanStructure
	Snippet string

	// MaxAttemptsReached
	CurrentAttempt int
	MaxAttempts    int

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRemoteError:
		if e.Status == 0 {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s status=%d body=%s", e.Kind, e.Message, e.Status, Truncate(e.Body))
	case KindMaxAttemptsReached:
		return fmt.Sprintf("%s: attempt %d of %d", e.Kind, e.CurrentAttempt, e.MaxAttempts)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether re-invoking the same action may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindRemoteError:
		return e.Status == 0 || e.Status >= 500 || e.Status == 408 || e.Status == 429
	case KindStoreUnavailable:
		return true
	}
	return false
}

// Network reports a transport failure (no HTTP status was received).
func (e *Error) Network() bool {
	return e.Kind == KindRemoteError && e.Status == 0
}

// UserMessage is the human-readable text shown in notifications.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindEndpointNotFound:
		return "The planning service could not be found. Check the configured service URL."
	case KindRemoteError:
		if e.Network() {
			return "Could not reach the planning service. Check your connection and try again."
		}
		return fmt.Sprintf("The planning service reported an error (HTTP %d).", e.Status)
	case KindMalformedResponse:
		return "The planning service returned a response that could not be read."
	case KindInvalidPlanStructure:
		return "The generated survey had no usable pages or questions."
	case KindMaxAttemptsReached:
		return fmt.Sprintf("This plan has been regenerated %d of %d times. Start a new plan to continue.", e.CurrentAttempt, e.MaxAttempts)
	case KindStoreUnavailable:
		return "Survey storage is unavailable; changes are kept locally."
	}
	return e.Message
}

func EndpointNotFound(tried []string) *Error {
	return &Error{Kind: KindEndpointNotFound, Message: fmt.Sprintf("no endpoint answered among %d candidates %v", len(tried), tried)}
}

func RemoteError(url string, status int, body []byte) *Error {
	return &Error{Kind: KindRemoteError, Message: "request to " + url + " failed", URL: url, Status: status, Body: string(body)}
}

func NetworkError(url string, err error) *Error {
	return &Error{Kind: KindRemoteError, Message: "request to " + url + " failed", URL: url, Err: err}
}

func MalformedResponse(message string, received []byte) *Error {
	return &Error{Kind: KindMalformedResponse, Message: message, Snippet: Truncate(string(received))}
}

func InvalidPlanStructure(received []byte) *Error {
	return &Error{Kind: KindInvalidPlanStructure, Message: "no known survey shape matched", Snippet: Truncate(string(received))}
}

func MaxAttemptsReached(current, maxAttempts int) *Error {
	return &Error{Kind: KindMaxAttemptsReached, Message: "maximum plan attempts reached", CurrentAttempt: current, MaxAttempts: maxAttempts}
}

func StoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Message: op, Err: err}
}

// Truncate keeps the first SnippetLimit runes of s.
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= SnippetLimit {
		return s
	}
	return string(r[:SnippetLimit])
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not a planerr.
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
