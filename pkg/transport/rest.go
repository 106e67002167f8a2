package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/okyeame/toolgate/pkg/registry"
	"github.com/okyeame/toolgate/pkg/result"
)

// invokeREST issues a single JSON-over-HTTP request. Arguments travel as the
// request body, except for GET/DELETE where the top-level fields become query
// parameters.
func (a *Adapter) invokeREST(ctx context.Context, desc *registry.ToolDescriptor, args json.RawMessage, bearer string) result.Result {
	reqURL, err := restURL(desc, args)
	if err != nil {
		return result.Failed(result.KindInvalidArguments, "tool %s: %v", desc.Name, err)
	}

	var body io.Reader
	if desc.Method != http.MethodGet && desc.Method != http.MethodDelete && len(args) > 0 {
		body = bytes.NewReader(args)
	}

	req, err := http.NewRequestWithContext(ctx, desc.Method, reqURL, body)
	if err != nil {
		return result.Failed(result.KindProviderError, "tool %s: %v", desc.Name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.clientFor(bearer).Do(req)
	if err != nil {
		return classifyTransportErr(ctx, desc, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportErr(ctx, desc, err)
	}

	if failure := classifyStatus(desc, resp.StatusCode, raw); failure != nil {
		return result.Result{Failure: failure}
	}

	if len(raw) > 0 && !json.Valid(raw) {
		return result.Failed(result.KindSchemaMismatch, "tool %s returned a non-JSON body", desc.Name)
	}
	return result.Success(raw)
}

// classifyStatus maps a non-2xx provider status onto the taxonomy. 429 and
// 5xx are the retryable subset; auth rejections surface as AuthExpired so the
// dispatcher never retries a revoked credential.
func classifyStatus(desc *registry.ToolDescriptor, status int, body []byte) *result.Failure {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := fmt.Sprintf("tool %s: provider returned status %d: %s", desc.Name, status, truncate(body, 256))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &result.Failure{Kind: result.KindAuthExpired, Detail: detail}
	case status == http.StatusTooManyRequests || status >= 500:
		return &result.Failure{Kind: result.KindProviderError, Detail: detail, Retryable: true}
	}
	return &result.Failure{Kind: result.KindProviderError, Detail: detail}
}

// restURL joins the tool path onto the provider endpoint and, for
// body-less methods, lowers top-level argument fields into query parameters.
func restURL(desc *registry.ToolDescriptor, args json.RawMessage) (string, error) {
	u, err := url.Parse(strings.TrimRight(desc.Endpoint, "/") + desc.Path)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if desc.Method != http.MethodGet && desc.Method != http.MethodDelete {
		return u.String(), nil
	}
	if len(args) == 0 {
		return u.String(), nil
	}
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return "", fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	q := u.Query()
	for k, v := range fields {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			q.Set(k, val)
		case bool:
			q.Set(k, fmt.Sprintf("%t", val))
		case float64:
			q.Set(k, trimFloat(val))
		default:
			// Nested objects and arrays have no query representation.
			return "", fmt.Errorf("argument %q is not a scalar", k)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
