// Package jsonrpcserver exposes plain Go functions of the form
//
//	func Method(ctx context.Context, args...) (Result, error)
//
// as JSON-RPC 2.0 methods over HTTP. Single requests and batches are supported.
//
// Errors returned by a method are reported with CodeCustomError unless they implement
// ErrorCode() int. Errors implementing ErrorData() interface{} carry that value in the
// "data" member of the error object.
package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultMaxBatch     = 100

	maxOriginLength = 255
	originHeader    = "X-Boop-Origin"
)

type (
	clientIPKey struct{}
	originKey   struct{}
)

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

type Handler struct {
	methods map[string]methodHandler

	// MaxBodyBytes limits the size of a request body.
	MaxBodyBytes int64
	// MaxBatch limits the number of calls in one batch.
	MaxBatch int
}

type Methods map[string]interface{}

// NewHandler builds an http.Handler from a map of method names to functions. Every function must
// take a context.Context first, return an error last and at most one other value, and use argument
// and result types that round-trip through encoding/json.
func NewHandler(methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler, len(methods))
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, errors.Join(errors.New(name), err)
		}
		m[name] = method
	}
	return &Handler{
		methods:      m,
		MaxBodyBytes: defaultMaxBodyBytes,
		MaxBatch:     defaultMaxBatch,
	}, nil
}

func errorResponse(id any, code int, msg string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: msg},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxBodyBytes))
	if err != nil {
		writeJSON(w, errorResponse(nil, CodeInvalidRequest, err.Error()))
		return
	}
	body = bytes.TrimSpace(body)

	ctx := context.WithValue(r.Context(), clientIPKey{}, clientIP(r))
	if origin := r.Header.Get(originHeader); origin != "" {
		if len(origin) > maxOriginLength {
			writeJSON(w, errorResponse(nil, CodeInvalidRequest, "origin header is too long"))
			return
		}
		ctx = context.WithValue(ctx, originKey{}, origin)
	}

	if len(body) > 0 && body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, errorResponse(nil, CodeParseError, err.Error()))
			return
		}
		if len(batch) == 0 {
			writeJSON(w, errorResponse(nil, CodeInvalidRequest, "empty batch"))
			return
		}
		if h.MaxBatch > 0 && len(batch) > h.MaxBatch {
			writeJSON(w, errorResponse(nil, CodeInvalidRequest, "batch is too large"))
			return
		}
		out := make([]JSONRPCResponse, len(batch))
		for i, raw := range batch {
			out[i] = h.handle(ctx, raw)
		}
		writeJSON(w, out)
		return
	}
	writeJSON(w, h.handle(ctx, body))
}

// handle serves one call. Calls in a batch run one after another.
func (h *Handler) handle(ctx context.Context, raw json.RawMessage) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || len(raw) == 0 {
			return errorResponse(nil, CodeParseError, err.Error())
		}
		return errorResponse(nil, CodeInvalidRequest, err.Error())
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version")
	}
	switch req.ID.(type) {
	case nil, string, float64:
	default:
		return errorResponse(nil, CodeInvalidRequest, "invalid id type")
	}

	method, ok := h.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "method not found")
	}

	result, err := method.call(ctx, req.Params)
	if err != nil {
		return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: toJSONRPCError(err)}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	msg := json.RawMessage(data)
	return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: &msg}
}

func toJSONRPCError(err error) *JSONRPCError {
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	out := &JSONRPCError{Code: CodeCustomError, Message: err.Error()}
	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) {
		out.Code = coded.ErrorCode()
	}
	var withData interface{ ErrorData() interface{} }
	if errors.As(err, &withData) {
		out.Data = withData.ErrorData()
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetClientIP returns the address the request came from, preferring X-Forwarded-For.
func GetClientIP(ctx context.Context) string {
	value, _ := ctx.Value(clientIPKey{}).(string)
	return value
}

// GetOrigin returns the X-Boop-Origin header of the request, if any.
func GetOrigin(ctx context.Context) string {
	value, _ := ctx.Value(originKey{}).(string)
	return value
}
