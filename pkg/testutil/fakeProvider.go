package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Layr-Labs/kms-signer-go/pkg/transport"
)

// HandlerFunc answers a single JSON-RPC method for a FakeProvider.
type HandlerFunc func(params []json.RawMessage) (interface{}, error)

// RecordedCall is one request observed by a FakeProvider.
type RecordedCall struct {
	Method string
	Params []json.RawMessage
}

// FakeProvider is an in-memory transport.IProvider that records every call.
// Methods without a handler fail with a -32601 RPCError.
type FakeProvider struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []RecordedCall
}

var _ transport.IProvider = (*FakeProvider)(nil)

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a handler. The returned value is JSON-encoded as the result.
func (f *FakeProvider) Handle(method string, h HandlerFunc) *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
	return f
}

// HandleResult registers a handler returning a fixed result.
func (f *FakeProvider) HandleResult(method string, result interface{}) *FakeProvider {
	return f.Handle(method, func([]json.RawMessage) (interface{}, error) {
		return result, nil
	})
}

func (f *FakeProvider) Request(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	copied := make([]json.RawMessage, len(params))
	for i, p := range params {
		copied[i] = append(json.RawMessage(nil), p...)
	}
	f.calls = append(f.calls, RecordedCall{Method: method, Params: copied})
	h, ok := f.handlers[method]
	f.mu.Unlock()

	if !ok {
		return nil, &transport.RPCError{Code: -32601, Message: fmt.Sprintf("the method %s does not exist/is not available", method)}
	}

	result, err := h(params)
	if err != nil {
		return nil, err
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(result)
}

// Calls returns a copy of every recorded call.
func (f *FakeProvider) Calls() []RecordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedCall(nil), f.calls...)
}

// CallsTo returns the recorded calls for one method.
func (f *FakeProvider) CallsTo(method string) []RecordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []RecordedCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeProvider) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
