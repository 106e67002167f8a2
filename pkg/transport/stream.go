package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/okyeame/toolgate/pkg/registry"
	"github.com/okyeame/toolgate/pkg/result"
)

const acceptStream = "application/json, text/event-stream"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// invokeStream issues a JSON-RPC tools/call and consumes the response —
// direct JSON or a server-sent event stream — until exactly one terminal
// response object is observed. One tool call yields one logical result even
// when transported as a stream.
func (a *Adapter) invokeStream(ctx context.Context, desc *registry.ToolDescriptor, args json.RawMessage, bearer string) result.Result {
	params := map[string]any{"name": desc.Name}
	if len(args) > 0 {
		params["arguments"] = json.RawMessage(args)
	}
	req := rpcRequest{JSONRPC: "2.0", ID: a.rpcID.Add(1), Method: "tools/call", Params: params}

	rpcResp, failure := a.doRPC(ctx, desc, req, bearer)
	if failure != nil {
		return result.Result{Failure: failure}
	}
	if rpcResp.Error != nil {
		return classifyRPCError(desc, rpcResp.Error)
	}
	return decodeCallResult(desc, rpcResp.Result)
}

// Probe checks that a jsonrpc-stream provider responds to tools/list. Used
// by the registry's optional bounded startup probe.
func (a *Adapter) Probe(ctx context.Context, endpoint string) error {
	desc := &registry.ToolDescriptor{Name: "probe", Endpoint: endpoint, AcceptStream: true}
	req := rpcRequest{JSONRPC: "2.0", ID: a.rpcID.Add(1), Method: "tools/list"}
	rpcResp, failure := a.doRPC(ctx, desc, req, "")
	if failure != nil {
		return failure
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("tools/list error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return nil
}

// doRPC posts one JSON-RPC request and reads a single terminal response. A
// provider that rejects the content-type negotiation (the request did not
// declare acceptance of the event-stream format) yields TransportMismatch:
// retrying without correcting the header would repeat the same failure, so it
// is never retried.
func (a *Adapter) doRPC(ctx context.Context, desc *registry.ToolDescriptor, rpcReq rpcRequest, bearer string) (*rpcResponse, *result.Failure) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, &result.Failure{Kind: result.KindProviderError, Detail: fmt.Sprintf("tool %s: %v", desc.Name, err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &result.Failure{Kind: result.KindProviderError, Detail: fmt.Sprintf("tool %s: %v", desc.Name, err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if desc.AcceptStream {
		httpReq.Header.Set("Accept", acceptStream)
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := a.clientFor(bearer).Do(httpReq)
	if err != nil {
		res := classifyTransportErr(ctx, desc, err)
		return nil, res.Failure
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotAcceptable {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &result.Failure{Kind: result.KindTransportMismatch,
			Detail: fmt.Sprintf("tool %s: provider rejected content-type negotiation (did the request declare text/event-stream?): %s",
				desc.Name, truncate(raw, 256))}
	}
	if failure := classifyStatus(desc, resp.StatusCode, nil); failure != nil {
		raw, _ := io.ReadAll(resp.Body)
		failure.Detail = fmt.Sprintf("tool %s: provider returned status %d: %s", desc.Name, resp.StatusCode, truncate(raw, 256))
		return nil, failure
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(ct, "text/event-stream") {
		return readStreamResponse(ctx, desc, resp.Body)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		res := classifyTransportErr(ctx, desc, err)
		return nil, res.Failure
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, &result.Failure{Kind: result.KindSchemaMismatch,
			Detail: fmt.Sprintf("tool %s: provider returned malformed JSON-RPC response: %v", desc.Name, err)}
	}
	return &rpcResp, nil
}

// readStreamResponse consumes SSE events until one carries a JSON-RPC
// response (a result or error), skipping notifications. A stream that closes
// first is a provider error.
func readStreamResponse(ctx context.Context, desc *registry.ToolDescriptor, body io.Reader) (*rpcResponse, *result.Failure) {
	reader := bufio.NewReader(body)
	for {
		_, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &result.Failure{Kind: result.KindProviderError,
					Detail: fmt.Sprintf("tool %s: event stream closed before a response", desc.Name)}
			}
			res := classifyTransportErr(ctx, desc, err)
			return nil, res.Failure
		}
		if len(data) == 0 {
			continue
		}
		var rpcResp rpcResponse
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			continue // not a JSON-RPC object, e.g. a keep-alive comment
		}
		if rpcResp.Result != nil || rpcResp.Error != nil {
			return &rpcResp, nil
		}
		// Anything else is a notification; keep reading for the terminal
		// response.
	}
}

// readSSEEvent reads one server-sent event (event name and concatenated data
// lines) from the stream.
func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
			continue
		}
	}
}

func classifyRPCError(desc *registry.ToolDescriptor, rpcErr *rpcError) result.Result {
	// JSON-RPC canonical invalid-params means the provider disagrees with
	// our argument validation; surface it as the same terminal kind.
	if rpcErr.Code == -32602 {
		return result.Failed(result.KindInvalidArguments, "tool %s: provider rejected arguments: %s", desc.Name, rpcErr.Message)
	}
	return result.Failed(result.KindProviderError, "tool %s: rpc error %d: %s", desc.Name, rpcErr.Code, rpcErr.Message)
}

// decodeCallResult normalizes the JSON-RPC result into a single JSON payload.
// Structured content wins when the provider emits it; otherwise the
// concatenated text content is used (as raw JSON when it parses, quoted
// otherwise, letting output-schema validation catch the mismatch).
func decodeCallResult(desc *registry.ToolDescriptor, raw json.RawMessage) result.Result {
	var envelope struct {
		StructuredContent json.RawMessage `json:"structuredContent"`
	}
	_ = json.Unmarshal(raw, &envelope)

	callResult, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return result.Failed(result.KindSchemaMismatch, "tool %s: malformed tool result: %v", desc.Name, err)
	}
	if callResult.IsError {
		return result.Failed(result.KindProviderError, "tool %s: provider reported error: %s", desc.Name, textContent(callResult))
	}
	if len(envelope.StructuredContent) > 0 {
		return result.Success(envelope.StructuredContent)
	}

	text := textContent(callResult)
	if json.Valid([]byte(text)) {
		return result.Success(json.RawMessage(text))
	}
	quoted, _ := json.Marshal(text)
	return result.Success(quoted)
}

func textContent(callResult *mcp.CallToolResult) string {
	var parts []string
	for _, content := range callResult.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
