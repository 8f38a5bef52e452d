package transport

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// MarshalParams encodes positional JSON-RPC params.
func MarshalParams(args ...interface{}) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal param %d", i)
		}
		out[i] = b
	}
	return out, nil
}

// Call issues a request through any provider and decodes the result.
func Call(ctx context.Context, p IProvider, result interface{}, method string, args ...interface{}) error {
	params, err := MarshalParams(args...)
	if err != nil {
		return err
	}
	raw, err := p.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errors.Wrapf(err, "failed to decode %s result", method)
	}
	return nil
}
