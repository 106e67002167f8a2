package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/okyeame/toolgate/pkg/config"
)

// Prober checks that a jsonrpc-stream provider answers a tools/list call
// within the deadline. Implemented by the transport adapter; injected here so
// the registry stays transport-agnostic.
type Prober func(ctx context.Context, endpoint string) error

// Build constructs the registry from configuration. Each provider entry is
// validated individually: a malformed entry is logged and skipped so a single
// misconfigured provider cannot take down unrelated tools. When probe is
// enabled for a stream provider and the probe fails, its tools register as
// unavailable rather than aborting startup.
func Build(ctx context.Context, cfg *config.Config, probe Prober) (*Registry, error) {
	reg := New()
	credProviders := make(map[string]bool, len(cfg.CredentialProviders))
	for i := range cfg.CredentialProviders {
		if err := cfg.CredentialProviders[i].Validate(); err != nil {
			slog.Warn("Rejecting credential provider entry", "err", err)
			continue
		}
		credProviders[cfg.CredentialProviders[i].ID] = true
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if err := p.Validate(); err != nil {
			slog.Warn("Rejecting provider entry", "err", err)
			continue
		}
		if p.CredentialProvider != "" && !credProviders[p.CredentialProvider] {
			slog.Warn("Rejecting provider entry", "provider", p.Name,
				"err", fmt.Sprintf("credential provider %q not configured", p.CredentialProvider))
			continue
		}

		unavailable := false
		if p.Probe && p.Transport == string(JSONRPCStream) && probe != nil {
			probeCtx, cancel := context.WithTimeout(ctx, config.DefaultProbeTimeout)
			err := probe(probeCtx, p.Endpoint)
			cancel()
			if err != nil {
				slog.Warn("Provider probe failed, registering tools as unavailable",
					"provider", p.Name, "endpoint", p.Endpoint, "err", err)
				unavailable = true
			}
		}

		for j := range p.Tools {
			desc, err := buildDescriptor(p, &p.Tools[j])
			if err != nil {
				slog.Warn("Rejecting tool entry", "provider", p.Name, "tool", p.Tools[j].Name, "err", err)
				continue
			}
			desc.Unavailable = unavailable
			if err := reg.Register(desc); err != nil {
				slog.Warn("Rejecting tool entry", "provider", p.Name, "tool", desc.Name, "err", err)
			}
		}
	}

	slog.Info("Tool registry loaded", "tools", reg.Len())
	return reg, nil
}

func buildDescriptor(p *config.Provider, t *config.Tool) (*ToolDescriptor, error) {
	in, err := compileSchema(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	out, err := compileSchema(t.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}

	method := t.Method
	if method == "" {
		method = "POST"
	}

	return &ToolDescriptor{
		Name:                 t.Name,
		Provider:             p.Name,
		Transport:            TransportKind(p.Transport),
		Endpoint:             p.Endpoint,
		Method:               method,
		Path:                 t.Path,
		InputSchema:          in,
		OutputSchema:         out,
		RequiresCredential:   p.CredentialProvider != "",
		CredentialProviderID: p.CredentialProvider,
		Timeout:              p.Timeout.Std(config.DefaultTimeout),
		AcceptStream:         p.AcceptsStream(),
	}, nil
}

func compileSchema(doc string) (*jsonschema.Resolved, error) {
	if doc == "" {
		return nil, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(doc), &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}
