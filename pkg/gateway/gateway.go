// Package gateway is the HTTP surface consumed by the conversation layer:
// session lifecycle, tool calls, the operator's credential callback, a
// liveness probe, and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/ptr"

	"github.com/okyeame/toolgate/pkg/credential"
	"github.com/okyeame/toolgate/pkg/registry"
	"github.com/okyeame/toolgate/pkg/result"
	"github.com/okyeame/toolgate/pkg/session"
)

const defaultShutdownTimeout = 10 * time.Second

// CallRequest is the tool-call request shape from the conversation layer.
type CallRequest struct {
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallResponse is the tool-call response delivered back. Dispatch failures
// are part of the contract, not HTTP errors: the response always carries a
// classified outcome.
type CallResponse struct {
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorKind *string         `json:"errorKind,omitempty"`
	Detail    *string         `json:"detail,omitempty"`
}

// CredentialRequest is the authorization-completion callback payload
// delivered by the operator's out-of-band OAuth flow.
type CredentialRequest struct {
	ProviderID   string    `json:"providerId"`
	RefreshToken string    `json:"refreshToken"`
	AccessToken  string    `json:"accessToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Server wires the coordinator, credential store, and registry behind HTTP
// handlers.
type Server struct {
	coordinator *session.Coordinator
	creds       *credential.Store
	registry    *registry.Registry
	required    []string
}

// New creates a Server. required lists provider names that must have
// registered for the liveness probe to report healthy; a healthy report does
// not, by itself, guarantee any provider is currently reachable.
func New(coordinator *session.Coordinator, creds *credential.Store, reg *registry.Registry, required []string) *Server {
	return &Server{coordinator: coordinator, creds: creds, registry: reg, required: required}
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleOpenSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /v1/calls", s.handleCall)
	mux.HandleFunc("POST /v1/credentials", s.handleCredential)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return loggingMiddleware(mux)
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	id := s.coordinator.Open()
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coordinator.Close(id); err != nil {
		res := result.FromError(err, result.KindUnknownSession)
		writeJSON(w, http.StatusNotFound, failureResponse(res))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	res := s.coordinator.Dispatch(r.Context(), req.SessionID, req.ToolName, req.Arguments)
	if res.Succeeded() {
		writeJSON(w, http.StatusOK, CallResponse{Success: true, Payload: res.Payload})
		return
	}
	writeJSON(w, http.StatusOK, failureResponse(res))
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	err := s.creds.Install(credential.Credential{
		ProviderID:        req.ProviderID,
		RefreshToken:      req.RefreshToken,
		AccessToken:       req.AccessToken,
		AccessTokenExpiry: req.Expiry,
		Scopes:            req.Scopes,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports healthy only once every required provider registered
// at least one tool.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, name := range s.required {
		if !s.registry.HasProvider(name) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "unhealthy",
				"provider": name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func failureResponse(res result.Result) CallResponse {
	return CallResponse{
		Success:   false,
		ErrorKind: ptr.To(string(res.Kind())),
		Detail:    ptr.To(res.Failure.Detail),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Incoming request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Serve runs the gateway until the context is cancelled or a termination
// signal arrives, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listenAddr string) error {
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: s.Handler(),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Gateway starting", "listen_addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		slog.Warn("Received signal, initiating graceful shutdown", "signal", sig)
		cancel()
	case <-ctx.Done():
		slog.Warn("Context cancelled, initiating graceful shutdown")
	case err := <-serverErr:
		slog.Error("Gateway server error", "error", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()

	slog.Info("Shutting down gateway gracefully")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
		return err
	}

	slog.Info("Gateway shutdown complete")
	return nil
}
