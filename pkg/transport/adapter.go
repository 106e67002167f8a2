// Package transport normalizes the two provider invocation styles — plain
// JSON REST and JSON-RPC with streamed responses — into one internal call
// shape. The transport kind is fixed on the descriptor at registration time,
// never inferred per call.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	promcfg "github.com/prometheus/common/config"

	"github.com/okyeame/toolgate/pkg/registry"
	"github.com/okyeame/toolgate/pkg/result"
)

// Options configures the adapter.
type Options struct {
	// Base is the underlying round tripper shared by all invocations.
	// Defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// Adapter invokes tool providers over their declared transports. It holds no
// per-call state and is safe for concurrent use.
type Adapter struct {
	base  http.RoundTripper
	rpcID atomic.Int64
}

// New creates an Adapter.
func New(opts Options) *Adapter {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return &Adapter{base: base}
}

// Invoke calls the tool described by desc with the given JSON arguments,
// bounded by the descriptor's timeout. The bearer token is empty for tools
// that require no credential. Every invocation resolves to exactly one
// terminal Result; transient failures are marked retryable for the
// dispatcher's single-retry policy.
func (a *Adapter) Invoke(ctx context.Context, desc *registry.ToolDescriptor, args json.RawMessage, bearer string) result.Result {
	ctx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	switch desc.Transport {
	case registry.RESTJSON:
		return a.invokeREST(ctx, desc, args, bearer)
	case registry.JSONRPCStream:
		return a.invokeStream(ctx, desc, args, bearer)
	default:
		return result.Failed(result.KindProviderError, "tool %s has unsupported transport %q", desc.Name, desc.Transport)
	}
}

// clientFor builds an HTTP client for one invocation, attaching the bearer
// credential through a round tripper when present.
func (a *Adapter) clientFor(bearer string) *http.Client {
	rt := a.base
	if bearer != "" {
		rt = promcfg.NewAuthorizationCredentialsRoundTripper("Bearer", promcfg.NewInlineSecret(bearer), rt)
	}
	return &http.Client{Transport: rt}
}

// classifyTransportErr maps a failed HTTP round trip onto the taxonomy.
// Deadline expiry is a retryable Timeout; the underlying connection is
// abandoned with the request context, a half-completed streaming negotiation
// cannot be safely resumed. Cancellation from session teardown is terminal.
// Network-level failures (connection refused, reset) count as transient
// provider errors.
func classifyTransportErr(ctx context.Context, desc *registry.ToolDescriptor, err error) result.Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return result.Retryable(result.KindTimeout, "tool %s timed out after %s", desc.Name, desc.Timeout)
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return result.Failed(result.KindCancelled, "tool %s call cancelled", desc.Name)
	}
	return result.Retryable(result.KindProviderError, "tool %s: %v", desc.Name, err)
}
