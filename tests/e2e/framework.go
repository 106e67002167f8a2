//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/okyeame/toolgate/pkg/config"
	"github.com/okyeame/toolgate/pkg/credential"
	"github.com/okyeame/toolgate/pkg/dispatch"
	"github.com/okyeame/toolgate/pkg/gateway"
	"github.com/okyeame/toolgate/pkg/registry"
	"github.com/okyeame/toolgate/pkg/session"
	"github.com/okyeame/toolgate/pkg/transport"
)

const defaultTimeout = 30 * time.Second

// TestEnv holds the gateway under test plus the fake providers backing it.
// When TOOLGATE_URL is set the suite targets a live deployment and the fake
// providers are not started.
type TestEnv struct {
	GatewayURL string
	Timeout    time.Duration

	// Fake provider runtime state (in-process mode only).
	Toolbox      *httptest.Server
	VolunteerAPI *httptest.Server
}

// NewTestEnv builds the environment. In-process mode stands up the full
// stack: fake providers, credential store, registry (with startup probe),
// dispatcher, session coordinator, and the gateway handler.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	env := &TestEnv{Timeout: defaultTimeout}
	if url := os.Getenv("TOOLGATE_URL"); url != "" {
		env.GatewayURL = url
		return env
	}

	env.Toolbox = newFakeToolbox(t)
	t.Cleanup(env.Toolbox.Close)
	env.VolunteerAPI = newFakeVolunteerAPI(t)
	t.Cleanup(env.VolunteerAPI.Close)

	cfg := &config.Config{
		CredentialFile: filepath.Join(t.TempDir(), "credentials.json"),
		Providers: []config.Provider{
			{
				Name:      "toolbox",
				Transport: "jsonrpc-stream",
				Endpoint:  env.Toolbox.URL,
				Required:  true,
				Probe:     true,
				Timeout:   config.Duration(5 * time.Second),
				Tools: []config.Tool{
					{
						Name:        "get-weather",
						InputSchema: `{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`,
					},
				},
			},
			{
				Name:      "volunteer-api",
				Transport: "rest-json",
				Endpoint:  env.VolunteerAPI.URL,
				Timeout:   config.Duration(5 * time.Second),
				Tools: []config.Tool{
					{
						Name:         "search-volunteers",
						Method:       "GET",
						Path:         "/v1/volunteers",
						InputSchema:  `{"type":"object","properties":{"skill":{"type":"string"}},"required":["skill"]}`,
						OutputSchema: `{"type":"object","properties":{"volunteers":{"type":"array"}},"required":["volunteers"]}`,
					},
				},
			},
		},
	}

	store, err := credential.NewStore(credential.NewFile(cfg.CredentialFile), cfg.CredentialProviders, config.DefaultSkew)
	if err != nil {
		t.Fatalf("credential store: %v", err)
	}
	adapter := transport.New(transport.Options{})
	reg, err := registry.Build(context.Background(), cfg, adapter.Probe)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	dispatcher := dispatch.New(reg, store, adapter)
	coordinator := session.NewCoordinator(dispatcher, session.PolicyCancel, config.DefaultCloseGrace)

	srv := httptest.NewServer(gateway.New(coordinator, store, reg, cfg.RequiredProviders()).Handler())
	t.Cleanup(srv.Close)
	env.GatewayURL = srv.URL
	return env
}

// newFakeToolbox serves a minimal JSON-RPC tool provider: tools/list for the
// startup probe and a get-weather tools/call that answers over SSE.
func newFakeToolbox(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case "tools/list":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"tools":[{"name":"get-weather"}]}}`, req.ID)
		case "tools/call":
			terminal := fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"sunny"}],"structuredContent":{"forecast":"sunny","tempC":31}}}`,
				req.ID)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", terminal)
		default:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
		}
	}))
}

// newFakeVolunteerAPI serves the REST fixture used by search-volunteers.
func newFakeVolunteerAPI(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/volunteers" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("skill") {
		case "first-aid":
			fmt.Fprint(w, `{"volunteers":[{"name":"Ada Mensah","skill":"first-aid"},{"name":"Kofi Owusu","skill":"first-aid"}]}`)
		default:
			fmt.Fprint(w, `{"volunteers":[]}`)
		}
	}))
}
