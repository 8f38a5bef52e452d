// Package proxy serves an IProvider as a JSON-RPC 2.0 endpoint over HTTP.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Layr-Labs/kms-signer-go/pkg/interceptor"
	"github.com/Layr-Labs/kms-signer-go/pkg/transport"
	"github.com/Layr-Labs/kms-signer-go/pkg/typedData"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	maxBodyBytes    = 5 * 1024 * 1024
	shutdownTimeout = 10 * time.Second
)

// IHealthChecker reports whether a dependency of the proxy is usable.
type IHealthChecker interface {
	HealthCheck() error
}

type ProxyConfig struct {
	Port int
}

type Proxy struct {
	provider   transport.IProvider
	health     IHealthChecker
	httpServer *http.Server
	logger     *zap.Logger
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      json.RawMessage     `json:"id"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *transport.RPCError `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

// NewProxy builds the HTTP server. health may be nil.
func NewProxy(cfg *ProxyConfig, provider transport.IProvider, health IHealthChecker, logger *zap.Logger) *Proxy {
	p := &Proxy{
		provider: provider,
		health:   health,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/", p.handleRPC)

	p.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

// GetHandler returns the HTTP handler (for testing)
func (p *Proxy) GetHandler() http.Handler {
	return p.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (p *Proxy) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", p.httpServer.Addr)
	}
	return p.Serve(ctx, listener)
}

func (p *Proxy) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		p.logger.Sugar().Infow("Starting JSON-RPC proxy", "address", listener.Addr().String())
		if err := p.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, "proxy server failed")
		}
		return nil
	case <-ctx.Done():
	}

	p.logger.Sugar().Infow("Shutting down JSON-RPC proxy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down proxy")
	}
	return nil
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p.health != nil {
		if err := p.health.HealthCheck(); err != nil {
			p.logger.Sugar().Warnw("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (p *Proxy) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(nullID, CodeParseError, "failed to read request body"))
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			writeJSON(w, http.StatusOK, errorResponse(nullID, CodeParseError, "parse error"))
			return
		}
		if len(batch) == 0 {
			writeJSON(w, http.StatusOK, errorResponse(nullID, CodeInvalidRequest, "empty batch"))
			return
		}
		responses := make([]*rpcResponse, 0, len(batch))
		for _, raw := range batch {
			if resp := p.handleMessage(r.Context(), raw); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, responses)
		return
	}

	resp := p.handleMessage(r.Context(), trimmed)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMessage returns nil for notifications.
func (p *Proxy) handleMessage(ctx context.Context, raw json.RawMessage) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return errorResponse(nullID, CodeParseError, "parse error")
		}
		return errorResponse(nullID, CodeInvalidRequest, "invalid request")
	}
	id := req.ID
	if req.JSONRPC != "2.0" || req.Method == "" {
		if len(id) == 0 {
			id = nullID
		}
		return errorResponse(id, CodeInvalidRequest, "invalid request")
	}

	requestId := uuid.New().String()
	start := time.Now()
	result, err := p.provider.Request(ctx, req.Method, req.Params)

	fields := []zap.Field{
		zap.String("requestId", requestId),
		zap.String("method", req.Method),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		p.logger.Warn("JSON-RPC request failed", append(fields, zap.Error(err))...)
	} else {
		p.logger.Debug("JSON-RPC request", fields...)
	}

	if len(id) == 0 {
		return nil
	}
	if err != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: ToRPCError(err)}
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

var invalidParamsErrors = []error{
	interceptor.ErrMissingFeeFields,
	interceptor.ErrIncompatibleFeeFields,
	interceptor.ErrSenderMismatch,
	interceptor.ErrInvalidParams,
	typedData.ErrCyclicTypeDefinition,
	typedData.ErrAmbiguousPrimaryType,
	typedData.ErrInvalidTypedData,
}

// ToRPCError maps a provider error onto a JSON-RPC error object. Errors
// relayed from the node keep their code and data.
func ToRPCError(err error) *transport.RPCError {
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		return &transport.RPCError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
	}
	for _, target := range invalidParamsErrors {
		if errors.Is(err, target) {
			return &transport.RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	return &transport.RPCError{Code: CodeInternalError, Message: err.Error()}
}

func errorResponse(id json.RawMessage, code int, message string) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &transport.RPCError{Code: code, Message: message},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
