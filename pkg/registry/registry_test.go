package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/okyeame/toolgate/pkg/config"
	"github.com/okyeame/toolgate/pkg/result"
)

func TestRegisterDuplicate(t *testing.T) {
	reg := New()
	if err := reg.Register(&ToolDescriptor{Name: "search-volunteers", Provider: "toolbox"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := reg.Register(&ToolDescriptor{Name: "search-volunteers", Provider: "toolbox"})
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	var f *result.Failure
	if !errors.As(err, &f) || f.Kind != result.KindDuplicateTool {
		t.Fatalf("expected DuplicateTool, got %v", err)
	}
}

func TestResolveUnknown(t *testing.T) {
	reg := New()
	_, err := reg.Resolve("no-such-tool")
	if err == nil {
		t.Fatal("expected resolve of unknown tool to fail")
	}
	var f *result.Failure
	if !errors.As(err, &f) || f.Kind != result.KindUnknownTool {
		t.Fatalf("expected UnknownTool, got %v", err)
	}
}

func validProvider(name, tool string) config.Provider {
	return config.Provider{
		Name:      name,
		Transport: "rest-json",
		Endpoint:  "http://" + name + ":8080",
		Tools: []config.Tool{{
			Name:        tool,
			Path:        "/api/" + tool,
			InputSchema: `{"type":"object"}`,
		}},
	}
}

func TestBuildSkipsMalformedEntries(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.Provider{
			validProvider("toolbox", "search-volunteers"),
			{Name: "broken", Transport: "carrier-pigeon", Endpoint: "http://x"},
			validProvider("datetime", "current-datetime"),
		},
	}

	reg, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 tools registered, got %d (%v)", reg.Len(), reg.Names())
	}
	if _, err := reg.Resolve("search-volunteers"); err != nil {
		t.Fatalf("valid tool missing: %v", err)
	}
	if _, err := reg.Resolve("current-datetime"); err != nil {
		t.Fatalf("valid tool missing: %v", err)
	}
	if reg.HasProvider("broken") {
		t.Fatal("malformed provider must not register")
	}
}

func TestBuildRejectsUnknownCredentialProvider(t *testing.T) {
	p := validProvider("calendar", "create-event")
	p.CredentialProvider = "gcal"
	cfg := &config.Config{Providers: []config.Provider{p}}

	reg, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected provider referencing missing credential provider to be rejected, got %d tools", reg.Len())
	}
}

func TestBuildResolvesCredentialProvider(t *testing.T) {
	p := validProvider("calendar", "create-event")
	p.CredentialProvider = "gcal"
	cfg := &config.Config{
		CredentialProviders: []config.CredentialProvider{{
			ID:       "gcal",
			TokenURL: "https://oauth2.googleapis.com/token",
			ClientID: "client",
		}},
		Providers: []config.Provider{p},
	}

	reg, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	desc, err := reg.Resolve("create-event")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !desc.RequiresCredential || desc.CredentialProviderID != "gcal" {
		t.Fatalf("descriptor missing credential binding: %+v", desc)
	}
}

func TestBuildProbeFailureMarksUnavailable(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.Provider{{
			Name:      "toolbox",
			Transport: "jsonrpc-stream",
			Endpoint:  "http://toolbox:5000/mcp",
			Probe:     true,
			Tools:     []config.Tool{{Name: "search-volunteers"}},
		}},
	}

	probe := func(ctx context.Context, endpoint string) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("probe must run under a bounded deadline")
		}
		return fmt.Errorf("connection refused")
	}

	reg, err := Build(context.Background(), cfg, probe)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	desc, err := reg.Resolve("search-volunteers")
	if err != nil {
		t.Fatalf("probed provider's tools must still register: %v", err)
	}
	if !desc.Unavailable {
		t.Fatal("expected tool to be marked unavailable after failed probe")
	}
}

func TestBuildDescriptorDefaults(t *testing.T) {
	p := validProvider("toolbox", "search-volunteers")
	cfg := &config.Config{Providers: []config.Provider{p}}
	reg, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	desc, err := reg.Resolve("search-volunteers")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if desc.Method != "POST" {
		t.Errorf("expected default method POST, got %q", desc.Method)
	}
	if desc.Timeout != config.DefaultTimeout {
		t.Errorf("expected default timeout %s, got %s", config.DefaultTimeout, desc.Timeout)
	}
	if !desc.AcceptStream {
		t.Error("accept_stream must default to true")
	}
	if desc.InputSchema == nil {
		t.Error("input schema should have compiled")
	}
	if desc.OutputSchema != nil {
		t.Error("output schema should be nil when not declared")
	}
}

func TestBuildRejectsBadSchema(t *testing.T) {
	p := validProvider("toolbox", "search-volunteers")
	p.Tools[0].InputSchema = `{"type": 12}`
	cfg := &config.Config{Providers: []config.Provider{p}}
	reg, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("tool with uncompilable schema must be rejected, got %d tools", reg.Len())
	}
}

func TestProbeTimeoutBound(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.Provider{{
			Name:      "toolbox",
			Transport: "jsonrpc-stream",
			Endpoint:  "http://toolbox:5000/mcp",
			Probe:     true,
			Tools:     []config.Tool{{Name: "search-volunteers"}},
		}},
	}
	var deadline time.Time
	probe := func(ctx context.Context, endpoint string) error {
		deadline, _ = ctx.Deadline()
		return nil
	}
	if _, err := Build(context.Background(), cfg, probe); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if remaining := time.Until(deadline); remaining > config.DefaultProbeTimeout {
		t.Errorf("probe deadline %s exceeds the configured bound", remaining)
	}
}
