// Package gasProvider fills in the gas limit and fee fields of
// eth_sendTransaction requests before they reach the signer.
package gasProvider

import (
	"context"
	"encoding/json"
	"math"
	"math/big"

	"github.com/Layr-Labs/kms-signer-go/pkg/transport"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	methodSendTransaction = "eth_sendTransaction"

	DefaultGasMultiplier = 1.0
)

// DefaultPriorityFee is used when the node does not implement
// eth_maxPriorityFeePerGas.
var DefaultPriorityFee = big.NewInt(1_000_000_000)

type GasProviderConfig struct {
	// GasMultiplier scales eth_estimateGas results. Values <= 0 mean 1.0.
	GasMultiplier float64
}

// GasProvider wraps an IProvider and only touches eth_sendTransaction.
type GasProvider struct {
	next          transport.IProvider
	gasMultiplier float64
	logger        *zap.Logger
}

var _ transport.IProvider = (*GasProvider)(nil)

func NewGasProvider(cfg *GasProviderConfig, next transport.IProvider, logger *zap.Logger) *GasProvider {
	multiplier := DefaultGasMultiplier
	if cfg != nil && cfg.GasMultiplier > 0 {
		multiplier = cfg.GasMultiplier
	}
	return &GasProvider{
		next:          next,
		gasMultiplier: multiplier,
		logger:        logger,
	}
}

type latestBlock struct {
	GasLimit      hexutil.Uint64 `json:"gasLimit"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
}

func (g *GasProvider) Request(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	if method != methodSendTransaction || len(params) == 0 {
		return g.next.Request(ctx, method, params)
	}

	var tx map[string]json.RawMessage
	if err := json.Unmarshal(params[0], &tx); err != nil || tx == nil {
		// Leave malformed input for the signer to reject
		return g.next.Request(ctx, method, params)
	}

	var block *latestBlock
	getBlock := func() (*latestBlock, error) {
		if block != nil {
			return block, nil
		}
		var b latestBlock
		if err := transport.Call(ctx, g.next, &b, "eth_getBlockByNumber", "latest", false); err != nil {
			return nil, errors.Wrap(err, "failed to fetch latest block")
		}
		block = &b
		return block, nil
	}

	if !present(tx, "gas") {
		gas, err := g.estimateGas(ctx, tx, getBlock)
		if err != nil {
			return nil, err
		}
		if err := set(tx, "gas", hexutil.Uint64(gas)); err != nil {
			return nil, err
		}
	}

	hasMaxFee, hasTip := present(tx, "maxFeePerGas"), present(tx, "maxPriorityFeePerGas")
	switch {
	case present(tx, "gasPrice"):
	case !hasMaxFee && !hasTip:
		if err := g.fillFees(ctx, tx, getBlock); err != nil {
			return nil, err
		}
	case hasMaxFee != hasTip:
		if err := g.completeFees(ctx, tx, getBlock); err != nil {
			return nil, err
		}
	}

	filled, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	out := append([]json.RawMessage{filled}, params[1:]...)
	return g.next.Request(ctx, method, out)
}

func (g *GasProvider) estimateGas(ctx context.Context, tx map[string]json.RawMessage, getBlock func() (*latestBlock, error)) (uint64, error) {
	call := make(map[string]json.RawMessage, len(tx)+1)
	for k, v := range tx {
		call[k] = v
	}
	if !present(call, "from") {
		var accounts []string
		if err := transport.Call(ctx, g.next, &accounts, "eth_accounts"); err != nil {
			return 0, errors.Wrap(err, "failed to resolve sender for gas estimation")
		}
		if len(accounts) > 0 {
			if err := set(call, "from", accounts[0]); err != nil {
				return 0, err
			}
		}
	}

	var estimate hexutil.Uint64
	if err := transport.Call(ctx, g.next, &estimate, "eth_estimateGas", call); err != nil {
		return 0, err
	}

	gas := uint64(estimate)
	if g.gasMultiplier != 1 {
		gas = uint64(math.Floor(float64(estimate) * g.gasMultiplier))
		// Never ask for more than a block can hold
		block, err := getBlock()
		if err != nil {
			return 0, err
		}
		if block.GasLimit > 0 && gas > uint64(block.GasLimit) {
			gas = uint64(block.GasLimit)
		}
	}

	g.logger.Debug("Estimated gas",
		zap.Uint64("estimate", uint64(estimate)),
		zap.Uint64("gas", gas),
		zap.Float64("multiplier", g.gasMultiplier),
	)
	return gas, nil
}

func (g *GasProvider) fillFees(ctx context.Context, tx map[string]json.RawMessage, getBlock func() (*latestBlock, error)) error {
	block, err := getBlock()
	if err != nil {
		return err
	}

	if block.BaseFeePerGas == nil {
		var gasPrice hexutil.Big
		if err := transport.Call(ctx, g.next, &gasPrice, "eth_gasPrice"); err != nil {
			return errors.Wrap(err, "failed to fetch gas price")
		}
		return set(tx, "gasPrice", &gasPrice)
	}

	tip := g.suggestTip(ctx)
	if err := set(tx, "maxPriorityFeePerGas", (*hexutil.Big)(tip)); err != nil {
		return err
	}
	return set(tx, "maxFeePerGas", (*hexutil.Big)(maxFeeFor(block.BaseFeePerGas.ToInt(), tip)))
}

// completeFees fills the missing half of a partial EIP-1559 fee pair. A tip
// is capped at the given maxFeePerGas. Pre-London chains and malformed values
// are left for the signer to reject.
func (g *GasProvider) completeFees(ctx context.Context, tx map[string]json.RawMessage, getBlock func() (*latestBlock, error)) error {
	if present(tx, "maxFeePerGas") {
		var maxFee hexutil.Big
		if err := json.Unmarshal(tx["maxFeePerGas"], &maxFee); err != nil {
			return nil
		}
		tip := g.suggestTip(ctx)
		if tip.Cmp(maxFee.ToInt()) > 0 {
			tip = new(big.Int).Set(maxFee.ToInt())
		}
		return set(tx, "maxPriorityFeePerGas", (*hexutil.Big)(tip))
	}

	var tip hexutil.Big
	if err := json.Unmarshal(tx["maxPriorityFeePerGas"], &tip); err != nil {
		return nil
	}
	block, err := getBlock()
	if err != nil {
		return err
	}
	if block.BaseFeePerGas == nil {
		return nil
	}
	return set(tx, "maxFeePerGas", (*hexutil.Big)(maxFeeFor(block.BaseFeePerGas.ToInt(), tip.ToInt())))
}

func (g *GasProvider) suggestTip(ctx context.Context) *big.Int {
	var suggested hexutil.Big
	if err := transport.Call(ctx, g.next, &suggested, "eth_maxPriorityFeePerGas"); err != nil {
		g.logger.Sugar().Debugw("eth_maxPriorityFeePerGas unavailable, using default tip", "error", err)
		return new(big.Int).Set(DefaultPriorityFee)
	}
	return suggested.ToInt()
}

func maxFeeFor(baseFee, tip *big.Int) *big.Int {
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	return maxFee.Add(maxFee, tip)
}

// present treats explicit JSON null the same as an absent field.
func present(tx map[string]json.RawMessage, key string) bool {
	v, ok := tx[key]
	return ok && string(v) != "null"
}

func set(tx map[string]json.RawMessage, key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", key)
	}
	tx[key] = b
	return nil
}
