package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okyeame/toolgate/pkg/registry"
	"github.com/okyeame/toolgate/pkg/result"
)

func restDescriptor(endpoint, method, path string) *registry.ToolDescriptor {
	return &registry.ToolDescriptor{
		Name:      "search-volunteers",
		Provider:  "volunteer-api",
		Transport: registry.RESTJSON,
		Endpoint:  endpoint,
		Method:    method,
		Path:      path,
		Timeout:   5 * time.Second,
	}
}

func TestInvokeRESTPost(t *testing.T) {
	var gotBody []byte
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"eventId":"evt-17"}`))
	}))
	defer srv.Close()

	adapter := New(Options{})
	desc := restDescriptor(srv.URL, http.MethodPost, "/v1/events")
	res := adapter.Invoke(context.Background(), desc, json.RawMessage(`{"summary":"Beach cleanup"}`), "tok-123")

	if !res.Succeeded() {
		t.Fatalf("invoke failed: %+v", res.Failure)
	}
	if string(res.Payload) != `{"eventId":"evt-17"}` {
		t.Fatalf("payload %s", res.Payload)
	}
	if string(gotBody) != `{"summary":"Beach cleanup"}` {
		t.Fatalf("request body %s", gotBody)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("authorization header %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content-type %q", gotContentType)
	}
}

func TestInvokeRESTGetLowersArgumentsToQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	adapter := New(Options{})
	desc := restDescriptor(srv.URL, http.MethodGet, "/v1/volunteers")
	res := adapter.Invoke(context.Background(), desc,
		json.RawMessage(`{"skill":"first-aid","limit":5,"active":true}`), "")

	if !res.Succeeded() {
		t.Fatalf("invoke failed: %+v", res.Failure)
	}
	if gotQuery != "active=true&limit=5&skill=first-aid" {
		t.Fatalf("query %q", gotQuery)
	}
}

func TestInvokeRESTGetRejectsNestedArguments(t *testing.T) {
	adapter := New(Options{})
	desc := restDescriptor("http://example.invalid", http.MethodGet, "/v1/volunteers")
	res := adapter.Invoke(context.Background(), desc, json.RawMessage(`{"filter":{"skill":"x"}}`), "")

	if res.Kind() != result.KindInvalidArguments {
		t.Fatalf("expected InvalidArguments, got %+v", res.Failure)
	}
}

func TestInvokeRESTAuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token revoked", http.StatusUnauthorized)
	}))
	defer srv.Close()

	adapter := New(Options{})
	res := adapter.Invoke(context.Background(), restDescriptor(srv.URL, http.MethodPost, "/v1/events"), nil, "stale")

	if res.Kind() != result.KindAuthExpired {
		t.Fatalf("expected AuthExpired, got %+v", res.Failure)
	}
	if res.Failure.Retryable {
		t.Fatal("auth rejection must not be retryable")
	}
}

func TestInvokeRESTServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := New(Options{})
	res := adapter.Invoke(context.Background(), restDescriptor(srv.URL, http.MethodPost, "/v1/events"), nil, "")

	if res.Kind() != result.KindProviderError {
		t.Fatalf("expected ProviderError, got %+v", res.Failure)
	}
	if !res.Failure.Retryable {
		t.Fatal("5xx must be retryable")
	}
}

func TestInvokeRESTClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such volunteer", http.StatusNotFound)
	}))
	defer srv.Close()

	adapter := New(Options{})
	res := adapter.Invoke(context.Background(), restDescriptor(srv.URL, http.MethodGet, "/v1/volunteers"), nil, "")

	if res.Kind() != result.KindProviderError || res.Failure.Retryable {
		t.Fatalf("expected terminal ProviderError, got %+v", res.Failure)
	}
}

func TestInvokeRESTTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	adapter := New(Options{})
	desc := restDescriptor(srv.URL, http.MethodPost, "/v1/events")
	desc.Timeout = 50 * time.Millisecond
	res := adapter.Invoke(context.Background(), desc, nil, "")

	if res.Kind() != result.KindTimeout {
		t.Fatalf("expected Timeout, got %+v", res.Failure)
	}
	if !res.Failure.Retryable {
		t.Fatal("timeout must be retryable")
	}
}

func TestInvokeRESTCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	adapter := New(Options{})
	res := adapter.Invoke(ctx, restDescriptor(srv.URL, http.MethodPost, "/v1/events"), nil, "")

	if res.Kind() != result.KindCancelled {
		t.Fatalf("expected Cancelled, got %+v", res.Failure)
	}
	if res.Failure.Retryable {
		t.Fatal("cancellation must not be retryable")
	}
}

func TestInvokeRESTNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	adapter := New(Options{})
	res := adapter.Invoke(context.Background(), restDescriptor(srv.URL, http.MethodGet, "/v1/volunteers"), nil, "")

	if res.Kind() != result.KindSchemaMismatch {
		t.Fatalf("expected SchemaMismatch, got %+v", res.Failure)
	}
}
