// Package dispatch is the orchestration core: it resolves a structured tool
// call against the registry, validates arguments, acquires credentials, and
// invokes the transport adapter with a bounded single-retry policy. Every
// dispatch resolves to exactly one terminal outcome; a call is never silently
// dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/okyeame/toolgate/pkg/metrics"
	"github.com/okyeame/toolgate/pkg/registry"
	"github.com/okyeame/toolgate/pkg/result"
)

// Request is one tool invocation issued by the conversation layer. It is
// ephemeral: created per request and discarded once the result is delivered.
type Request struct {
	// ID is the per-invocation correlation id.
	ID        string
	SessionID string
	ToolName  string
	Arguments json.RawMessage
	IssuedAt  time.Time
}

// CredentialSource mints access tokens for credentialed tools. Implemented
// by the credential store.
type CredentialSource interface {
	Token(ctx context.Context, providerID string) (string, error)
}

// Invoker performs the wire call. Implemented by the transport adapter.
type Invoker interface {
	Invoke(ctx context.Context, desc *registry.ToolDescriptor, args json.RawMessage, bearer string) result.Result
}

// Dispatcher routes tool calls. The registry is immutable and the credential
// source internally synchronized, so the dispatcher itself holds no locks.
type Dispatcher struct {
	registry *registry.Registry
	creds    CredentialSource
	invoker  Invoker
}

// New creates a Dispatcher.
func New(reg *registry.Registry, creds CredentialSource, invoker Invoker) *Dispatcher {
	return &Dispatcher{registry: reg, creds: creds, invoker: invoker}
}

// Dispatch runs one call through the pipeline:
// resolve → validate arguments → resolve credential → invoke (≤1 retry) →
// validate payload. Validation and credential failures short-circuit without
// any network call; only timeouts and the retryable subset of provider errors
// are retried, exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) result.Result {
	start := time.Now()
	res := d.dispatch(ctx, req)
	d.observe(req, res, time.Since(start))
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) result.Result {
	desc, err := d.registry.Resolve(req.ToolName)
	if err != nil {
		return result.FromError(err, result.KindUnknownTool)
	}
	if desc.Unavailable {
		return result.Failed(result.KindProviderError, "tool %s: provider %s failed its startup probe", desc.Name, desc.Provider)
	}

	if failure := validateArguments(desc, req.Arguments); failure != nil {
		return result.Result{Failure: failure}
	}

	var bearer string
	if desc.RequiresCredential {
		token, err := d.creds.Token(ctx, desc.CredentialProviderID)
		if err != nil {
			// AuthRequired and AuthExpired are terminal for this
			// call: a retry cannot fix a missing or revoked
			// authorization.
			return result.FromError(err, result.KindAuthRequired)
		}
		bearer = token
	}

	res := d.invoker.Invoke(ctx, desc, req.Arguments, bearer)
	if !res.Succeeded() && res.Failure.Retryable && ctx.Err() == nil {
		metrics.RetryTotal.WithLabelValues(desc.Name).Inc()
		slog.Warn("Retrying tool call once", "tool", desc.Name, "call", req.ID, "kind", res.Kind(), "detail", res.Failure.Detail)
		res = d.invoker.Invoke(ctx, desc, req.Arguments, bearer)
	}
	if !res.Succeeded() {
		return res
	}

	// A provider that returns syntactically valid but semantically wrong
	// data is caught here, not surfaced to the conversation layer as truth.
	if failure := validatePayload(desc, res.Payload); failure != nil {
		return result.Result{Failure: failure}
	}
	return res
}

func validateArguments(desc *registry.ToolDescriptor, args json.RawMessage) *result.Failure {
	if desc.InputSchema == nil {
		return nil
	}
	var value any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &value); err != nil {
			return &result.Failure{Kind: result.KindInvalidArguments,
				Detail: "tool " + desc.Name + ": arguments are not valid JSON: " + err.Error()}
		}
	} else {
		value = map[string]any{}
	}
	if err := desc.InputSchema.Validate(value); err != nil {
		return &result.Failure{Kind: result.KindInvalidArguments,
			Detail: "tool " + desc.Name + ": " + err.Error()}
	}
	return nil
}

func validatePayload(desc *registry.ToolDescriptor, payload json.RawMessage) *result.Failure {
	if desc.OutputSchema == nil {
		return nil
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return &result.Failure{Kind: result.KindSchemaMismatch,
			Detail: "tool " + desc.Name + ": payload is not valid JSON: " + err.Error()}
	}
	if err := desc.OutputSchema.Validate(value); err != nil {
		return &result.Failure{Kind: result.KindSchemaMismatch,
			Detail: "tool " + desc.Name + ": payload violates output schema: " + err.Error()}
	}
	return nil
}

func (d *Dispatcher) observe(req Request, res result.Result, elapsed time.Duration) {
	kind := "success"
	if !res.Succeeded() {
		kind = string(res.Kind())
		slog.Warn("Tool call failed", "tool", req.ToolName, "session", req.SessionID,
			"call", req.ID, "kind", kind, "detail", res.Failure.Detail)
	} else {
		slog.Debug("Tool call succeeded", "tool", req.ToolName, "session", req.SessionID,
			"call", req.ID, "elapsed", elapsed)
	}
	metrics.DispatchTotal.WithLabelValues(req.ToolName, kind).Inc()
	metrics.DispatchDuration.WithLabelValues(req.ToolName).Observe(elapsed.Seconds())
}
