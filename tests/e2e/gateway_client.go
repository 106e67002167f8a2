//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/okyeame/toolgate/pkg/gateway"
)

// GatewayClient is a thin HTTP client for the gateway API.
type GatewayClient struct {
	baseURL string
	http    *http.Client
}

// NewGatewayClient creates a client for the environment's gateway.
func (e *TestEnv) NewGatewayClient() *GatewayClient {
	return &GatewayClient{baseURL: e.GatewayURL, http: &http.Client{Timeout: e.Timeout}}
}

// OpenSession creates a session and returns its id.
func (c *GatewayClient) OpenSession(ctx context.Context) (string, error) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.post(ctx, "/v1/sessions", nil, http.StatusOK, &body); err != nil {
		return "", err
	}
	return body.SessionID, nil
}

// CloseSession closes a session.
func (c *GatewayClient) CloseSession(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("close session: status %d", resp.StatusCode)
	}
	return nil
}

// Call dispatches one tool call and returns the classified response.
func (c *GatewayClient) Call(ctx context.Context, sessionID, tool string, args any) (*gateway.CallResponse, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	req := gateway.CallRequest{SessionID: sessionID, ToolName: tool, Arguments: rawArgs}
	var resp gateway.CallResponse
	if err := c.post(ctx, "/v1/calls", req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InstallCredential delivers a credential through the callback endpoint.
func (c *GatewayClient) InstallCredential(ctx context.Context, cred gateway.CredentialRequest) error {
	return c.post(ctx, "/v1/credentials", cred, http.StatusNoContent, nil)
}

// Health fetches the liveness probe status code.
func (c *GatewayClient) Health(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *GatewayClient) post(ctx context.Context, path string, payload any, wantStatus int, out any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("POST %s: status %d, want %d", path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
