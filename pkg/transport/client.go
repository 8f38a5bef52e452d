package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// IProvider is an EIP-1193 style request function over JSON-RPC. Params are
// forwarded verbatim and the raw result is returned verbatim.
type IProvider interface {
	Request(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error)
}

// RPCError is an error object returned by the node. Its code and data are
// kept so they can be relayed to an upstream caller unchanged.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) ErrorCode() int { return e.Code }

func (e *RPCError) ErrorData() interface{} { return e.Data }

type ClientConfig struct {
	RPCUrl string
	// RequestsPerSecond limits outgoing calls. Zero disables the limiter.
	RequestsPerSecond float64
	Timeout           time.Duration
	Headers           map[string]string
}

// Client is the JSON-RPC transport towards the node.
type Client struct {
	rpcClient *rpc.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *zap.Logger
}

var _ IProvider = (*Client)(nil)

const defaultTimeout = 30 * time.Second

func NewClient(ctx context.Context, cfg *ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil || cfg.RPCUrl == "" {
		return nil, errors.New("rpc url is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	opts := []rpc.ClientOption{
		rpc.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	for k, v := range cfg.Headers {
		opts = append(opts, rpc.WithHeader(k, v))
	}

	rpcClient, err := rpc.DialOptions(ctx, cfg.RPCUrl, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial rpc endpoint %s", cfg.RPCUrl)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger.Sugar().Infow("Created JSON-RPC transport",
		"rpcUrl", cfg.RPCUrl,
		"requestsPerSecond", cfg.RequestsPerSecond,
	)

	return &Client{
		rpcClient: rpcClient,
		limiter:   limiter,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// NewClientFromRPC wraps an existing rpc.Client, e.g. one attached to an
// in-process server.
func NewClientFromRPC(rpcClient *rpc.Client, logger *zap.Logger) *Client {
	return &Client{
		rpcClient: rpcClient,
		timeout:   defaultTimeout,
		logger:    logger,
	}
}

func (c *Client) Request(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter wait")
		}
	}

	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p
	}

	start := time.Now()
	var result json.RawMessage
	err := c.rpcClient.CallContext(ctx, &result, method, args...)
	c.logger.Debug("JSON-RPC call",
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	if err != nil {
		return nil, convertError(err)
	}
	return result, nil
}

func (c *Client) Close() {
	c.rpcClient.Close()
}

func convertError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		out := &RPCError{
			Code:    rpcErr.ErrorCode(),
			Message: rpcErr.Error(),
		}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			out.Data = dataErr.ErrorData()
		}
		return out
	}
	return errors.Wrap(err, "rpc transport failure")
}
