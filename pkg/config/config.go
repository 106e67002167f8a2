// Package config loads the toolgate configuration file. Providers are
// declared here, not discovered over the network: the registry is built once
// at startup from the entries that validate, and a malformed entry rejects
// individually rather than aborting the whole process.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultSkew is the safety margin subtracted from an access token's
	// expiry before it counts as expiring.
	DefaultSkew = 60 * time.Second
	// DefaultTimeout bounds a single provider invocation when the entry
	// does not set one.
	DefaultTimeout = 30 * time.Second
	// DefaultCloseGrace bounds how long session close waits for
	// outstanding calls under the "drain" policy.
	DefaultCloseGrace = 5 * time.Second
	// DefaultProbeTimeout bounds the optional startup probe of a stream
	// provider so a dead provider cannot stall startup.
	DefaultProbeTimeout = 10 * time.Second
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration, or def when unset.
func (d Duration) Std(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// Config is the root of the toolgate configuration file.
type Config struct {
	// Listen is the HTTP listen address for the gateway, e.g. ":7800".
	// The -listen flag takes precedence when set.
	Listen string `toml:"listen,omitempty"`

	// CredentialFile is the path of the durable credential store.
	CredentialFile string `toml:"credential_file,omitempty"`

	Sessions            SessionConfig        `toml:"sessions,omitempty"`
	Credentials         CredentialConfig     `toml:"credentials,omitempty"`
	CredentialProviders []CredentialProvider `toml:"credential_providers,omitempty"`
	Providers           []Provider           `toml:"providers,omitempty"`
}

// SessionConfig controls session teardown behavior.
type SessionConfig struct {
	// ClosePolicy is "cancel" (default: outstanding calls are cancelled
	// immediately) or "drain" (wait up to CloseGrace, then cancel).
	ClosePolicy string `toml:"close_policy,omitempty"`

	// CloseGrace bounds the drain wait. Ignored under "cancel".
	CloseGrace Duration `toml:"close_grace,omitempty"`
}

// CredentialConfig controls the credential store.
type CredentialConfig struct {
	// Skew is the safety margin before token expiry that triggers a
	// refresh. Default: 60s.
	Skew Duration `toml:"skew,omitempty"`
}

// CredentialProvider describes one OAuth2 identity provider. The refresh
// token itself is never configured here: it is delivered out of band into the
// credential file (or the credential callback endpoint) by an operator who
// completed the interactive authorization flow.
type CredentialProvider struct {
	// ID is the identifier tools reference via credential_provider.
	ID string `toml:"id"`
	// TokenURL is the OAuth2 token endpoint used for the refresh grant.
	TokenURL string `toml:"token_url"`
	// ClientID and ClientSecret identify this deployment to the identity
	// provider.
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes,omitempty"`
}

// Validate checks the credential provider entry.
func (p *CredentialProvider) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("credential provider missing id")
	}
	if p.TokenURL == "" {
		return fmt.Errorf("credential provider %q missing token_url", p.ID)
	}
	if p.ClientID == "" {
		return fmt.Errorf("credential provider %q missing client_id", p.ID)
	}
	return nil
}

// Provider declares one tool provider and the tools it serves.
type Provider struct {
	// Name identifies the provider in logs and health reporting.
	Name string `toml:"name"`

	// Transport selects the wire style: "jsonrpc-stream" or "rest-json".
	Transport string `toml:"transport"`

	// Endpoint is the provider base URL. For jsonrpc-stream it is the RPC
	// endpoint itself; for rest-json tool paths are joined onto it.
	Endpoint string `toml:"endpoint"`

	// CredentialProvider references a credential_providers entry when the
	// provider requires OAuth2 credentials. Empty for public providers.
	CredentialProvider string `toml:"credential_provider,omitempty"`

	// Timeout bounds each invocation against this provider.
	Timeout Duration `toml:"timeout,omitempty"`

	// Required marks the provider as needed for the process to report
	// healthy. A malformed or missing required provider keeps the health
	// probe failing without blocking startup of the remaining tools.
	Required bool `toml:"required,omitempty"`

	// Probe enables a bounded tools/list probe at startup for
	// jsonrpc-stream providers. A failed probe registers the provider's
	// tools as unavailable instead of aborting startup.
	Probe bool `toml:"probe,omitempty"`

	// AcceptStream controls whether jsonrpc-stream requests declare
	// acceptance of the event-stream response format. Leave unset (true):
	// disabling it reproduces the documented transport misconfiguration
	// and every call fails with TransportMismatch.
	AcceptStream *bool `toml:"accept_stream,omitempty"`

	Tools []Tool `toml:"tools,omitempty"`
}

// Tool declares one callable tool served by a provider.
type Tool struct {
	Name        string `toml:"name"`
	Description string `toml:"description,omitempty"`

	// Method and Path apply to rest-json tools only. Method defaults to
	// POST; Path is joined onto the provider endpoint.
	Method string `toml:"method,omitempty"`
	Path   string `toml:"path,omitempty"`

	// InputSchema and OutputSchema are JSON Schema documents (inline JSON
	// strings) used to validate arguments before any network call and
	// payloads before they reach the conversation layer.
	InputSchema  string `toml:"input_schema,omitempty"`
	OutputSchema string `toml:"output_schema,omitempty"`
}

// Validate checks a provider entry, including its tools. Any violation
// rejects the whole entry: partial providers would leave the registry with
// tools that cannot be invoked.
func (p *Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider missing name")
	}
	switch p.Transport {
	case "jsonrpc-stream", "rest-json":
	default:
		return fmt.Errorf("provider %q has invalid transport %q (valid: jsonrpc-stream, rest-json)", p.Name, p.Transport)
	}
	if p.Endpoint == "" {
		return fmt.Errorf("provider %q missing endpoint", p.Name)
	}
	if len(p.Tools) == 0 {
		return fmt.Errorf("provider %q declares no tools", p.Name)
	}
	for i := range p.Tools {
		if err := p.Tools[i].validate(p.Transport); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
	}
	return nil
}

func (t *Tool) validate(transport string) error {
	if t.Name == "" {
		return fmt.Errorf("tool missing name")
	}
	if transport == "rest-json" && t.Path == "" {
		return fmt.Errorf("tool %q missing path", t.Name)
	}
	if t.InputSchema != "" && !json.Valid([]byte(t.InputSchema)) {
		return fmt.Errorf("tool %q has invalid input_schema JSON", t.Name)
	}
	if t.OutputSchema != "" && !json.Valid([]byte(t.OutputSchema)) {
		return fmt.Errorf("tool %q has invalid output_schema JSON", t.Name)
	}
	return nil
}

// AcceptsStream reports the effective accept_stream setting (default true).
func (p *Provider) AcceptsStream() bool {
	return p.AcceptStream == nil || *p.AcceptStream
}

// RequiredProviders lists the names of providers marked required, including
// entries that later fail validation: health must keep failing when a
// required provider is misconfigured.
func (c *Config) RequiredProviders() []string {
	var names []string
	for i := range c.Providers {
		if c.Providers[i].Required && c.Providers[i].Name != "" {
			names = append(names, c.Providers[i].Name)
		}
	}
	return names
}

// Load reads and decodes the configuration file. Provider entries are not
// validated here; the registry builder validates them individually so one bad
// entry cannot take down unrelated tools.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}
