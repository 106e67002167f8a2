// Package result defines the single terminal outcome of a dispatched tool
// call and the failure taxonomy shared by every layer of the orchestration
// pipeline. A Result is owned by the call that produced it and is passed by
// value up the chain.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a tool-call failure. The conversation layer maps kinds to
// spoken fallbacks; the tool layer never generates user-facing text itself.
type Kind string

const (
	// Registry failures.
	KindUnknownTool   Kind = "UnknownTool"
	KindDuplicateTool Kind = "DuplicateTool"

	// Validation failures.
	KindInvalidArguments Kind = "InvalidArguments"
	KindSchemaMismatch   Kind = "SchemaMismatch"

	// Credential failures.
	KindAuthRequired Kind = "AuthRequired"
	KindAuthExpired  Kind = "AuthExpired"

	// Transport and provider failures.
	KindTimeout           Kind = "Timeout"
	KindTransportMismatch Kind = "TransportMismatch"
	KindProviderError     Kind = "ProviderError"

	// Session failures.
	KindCancelled      Kind = "Cancelled"
	KindUnknownSession Kind = "UnknownSession"
)

// Failure carries a classified error kind with human-readable detail.
// Retryable is only ever set by the transport adapter, and only for the
// subset of provider errors (and timeouts) the dispatcher may retry once.
type Failure struct {
	Kind      Kind
	Detail    string
	Retryable bool
}

// Error implements the error interface so a Failure can travel through
// error-returning call chains (registry, credential store) unmodified.
func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Result is the normalized outcome of a tool call: either a JSON payload or a
// classified failure, never both.
type Result struct {
	// Payload holds the provider's JSON result (only set on success).
	Payload json.RawMessage
	// Failure holds the classified error (nil on success).
	Failure *Failure
}

// Success creates a successful result with the given JSON payload. A nil
// payload is normalized to an empty JSON object so callers always receive
// valid JSON.
func Success(payload json.RawMessage) Result {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return Result{Payload: payload}
}

// Failed creates a failure result with a formatted detail message.
func Failed(kind Kind, format string, args ...any) Result {
	return Result{Failure: &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}}
}

// Retryable creates a failure result the dispatcher is allowed to retry once.
func Retryable(kind Kind, format string, args ...any) Result {
	r := Failed(kind, format, args...)
	r.Failure.Retryable = true
	return r
}

// FromError converts an error into a failure result, preserving the kind when
// the error is (or wraps) a *Failure and falling back to fallbackKind
// otherwise.
func FromError(err error, fallbackKind Kind) Result {
	var f *Failure
	if errors.As(err, &f) {
		return Result{Failure: f}
	}
	return Failed(fallbackKind, "%v", err)
}

// Succeeded returns true if the result carries a payload rather than a failure.
func (r Result) Succeeded() bool {
	return r.Failure == nil
}

// Kind returns the failure kind, or the empty string for a success.
func (r Result) Kind() Kind {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Kind
}
