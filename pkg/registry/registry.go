// Package registry holds the process-wide tool lookup table. It is built
// once at startup from declared provider configuration and is immutable while
// serving traffic, so lookups need no locking.
package registry

import (
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/okyeame/toolgate/pkg/result"
)

// TransportKind selects the wire style used to invoke a tool. The set is
// closed and resolved at registration time, never inferred per call.
type TransportKind string

const (
	// JSONRPCStream is a JSON-RPC tools/call request whose response may be
	// transported as a server-sent event stream.
	JSONRPCStream TransportKind = "jsonrpc-stream"
	// RESTJSON is a plain JSON-over-HTTP request/response exchange.
	RESTJSON TransportKind = "rest-json"
)

// ToolDescriptor describes one callable tool: where it lives, how to reach
// it, and what shapes its input and output must satisfy.
type ToolDescriptor struct {
	// Name is unique across the registry.
	Name string
	// Provider is the declaring provider's name, used for health and logs.
	Provider string
	Transport TransportKind
	// Endpoint is the RPC endpoint (jsonrpc-stream) or base URL (rest-json).
	Endpoint string
	// Method and Path apply to rest-json tools. Method defaults to POST.
	Method string
	Path   string
	// InputSchema and OutputSchema are nil when the tool declares none, in
	// which case the corresponding validation step is skipped.
	InputSchema  *jsonschema.Resolved
	OutputSchema *jsonschema.Resolved
	// RequiresCredential tools carry a bearer token minted by the
	// credential store for CredentialProviderID.
	RequiresCredential   bool
	CredentialProviderID string
	// Timeout bounds a single invocation.
	Timeout time.Duration
	// AcceptStream controls the event-stream accept declaration on
	// jsonrpc-stream requests. False reproduces a misconfigured client.
	AcceptStream bool
	// Unavailable marks tools whose provider failed its startup probe.
	// Dispatch fails them with ProviderError instead of invoking.
	Unavailable bool
}

// Registry maps tool names to descriptors. Register is only called during
// startup; once traffic is served the registry is read-only.
type Registry struct {
	tools     map[string]*ToolDescriptor
	providers map[string]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]*ToolDescriptor),
		providers: make(map[string]bool),
	}
}

// Register adds a descriptor. It returns a DuplicateTool failure when the
// name is already present.
func (r *Registry) Register(d *ToolDescriptor) error {
	if _, ok := r.tools[d.Name]; ok {
		return &result.Failure{Kind: result.KindDuplicateTool, Detail: "tool " + d.Name + " already registered"}
	}
	r.tools[d.Name] = d
	r.providers[d.Provider] = true
	return nil
}

// Resolve looks up a tool by name. It returns an UnknownTool failure when
// the name is absent.
func (r *Registry) Resolve(name string) (*ToolDescriptor, error) {
	d, ok := r.tools[name]
	if !ok {
		return nil, &result.Failure{Kind: result.KindUnknownTool, Detail: "tool " + name + " not registered"}
	}
	return d, nil
}

// HasProvider reports whether any tool from the named provider registered.
func (r *Registry) HasProvider(name string) bool {
	return r.providers[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Names returns the registered tool names (unordered).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
