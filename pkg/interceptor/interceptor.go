// Package interceptor wraps a JSON-RPC provider and answers the signing
// related methods with a remote signer: transactions are signed and submitted
// as raw transactions, typed data digests are signed locally, and account
// queries return the signer address. Everything else is passed through.
package interceptor

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/Layr-Labs/kms-signer-go/pkg/address"
	"github.com/Layr-Labs/kms-signer-go/pkg/signature"
	"github.com/Layr-Labs/kms-signer-go/pkg/transport"
	"github.com/Layr-Labs/kms-signer-go/pkg/typedData"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrMissingFeeFields      = errors.New("transaction must set gasPrice or both maxFeePerGas and maxPriorityFeePerGas")
	ErrIncompatibleFeeFields = errors.New("transaction cannot set gasPrice together with EIP-1559 fee fields")
	ErrSenderMismatch        = errors.New("requested sender is not the signer account")
	ErrInvalidParams         = errors.New("invalid params")
)

// ISigner is the account view of a custody key.
type ISigner interface {
	GetAddress(ctx context.Context) (common.Address, error)
	GetNonce(ctx context.Context, addr common.Address) (uint64, error)
	SignDigest(ctx context.Context, digest [32]byte) (*signature.CanonicalSignature, error)
}

type InterceptorConfig struct {
	// ChainId of the target chain. Zero means ask the node once via eth_chainId.
	ChainId uint64
}

type Interceptor struct {
	signer   ISigner
	provider transport.IProvider
	logger   *zap.Logger

	chainMu sync.Mutex
	chainId *big.Int
}

var _ transport.IProvider = (*Interceptor)(nil)

func NewInterceptor(cfg *InterceptorConfig, signer ISigner, provider transport.IProvider, logger *zap.Logger) *Interceptor {
	i := &Interceptor{
		signer:   signer,
		provider: provider,
		logger:   logger,
	}
	if cfg != nil && cfg.ChainId != 0 {
		i.chainId = new(big.Int).SetUint64(cfg.ChainId)
	}
	return i
}

func (i *Interceptor) Request(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	switch ClassifyMethod(method) {
	case MethodKind_SendTransaction:
		return i.sendTransaction(ctx, params)
	case MethodKind_SignTypedData:
		return i.signTypedData(ctx, params)
	case MethodKind_Accounts:
		return i.accounts(ctx)
	default:
		return i.provider.Request(ctx, method, params)
	}
}

// ChainId returns the configured chain id, or asks the node on first use.
func (i *Interceptor) ChainId(ctx context.Context) (*big.Int, error) {
	i.chainMu.Lock()
	defer i.chainMu.Unlock()

	if i.chainId != nil {
		return new(big.Int).Set(i.chainId), nil
	}

	var id hexutil.Big
	if err := transport.Call(ctx, i.provider, &id, MethodChainId); err != nil {
		return nil, errors.Wrap(err, "failed to query chain id")
	}
	i.chainId = id.ToInt()
	i.logger.Sugar().Infow("Resolved chain id from node", "chainId", i.chainId.String())
	return new(big.Int).Set(i.chainId), nil
}

func (i *Interceptor) accounts(ctx context.Context) (json.RawMessage, error) {
	addr, err := i.signer.GetAddress(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]string{address.Checksum(addr)})
}

func (i *Interceptor) sendTransaction(ctx context.Context, params []json.RawMessage) (json.RawMessage, error) {
	if len(params) < 1 {
		return nil, errors.Wrap(ErrInvalidParams, "eth_sendTransaction expects a transaction object")
	}
	var args TransactionArgs
	if err := json.Unmarshal(params[0], &args); err != nil {
		return nil, errors.Wrapf(ErrInvalidParams, "bad transaction object: %v", err)
	}

	// Local validation happens before any remote call
	if err := args.ValidateFees(); err != nil {
		return nil, err
	}
	if args.Gas == nil {
		return nil, errors.Wrap(ErrInvalidParams, "gas is required")
	}
	if _, err := args.CallData(); err != nil {
		return nil, err
	}

	sender, err := i.signer.GetAddress(ctx)
	if err != nil {
		return nil, err
	}
	if args.From != nil && *args.From != sender {
		return nil, errors.Wrapf(ErrSenderMismatch, "from %s, signer %s", args.From.Hex(), sender.Hex())
	}

	chainId, err := i.ChainId(ctx)
	if err != nil {
		return nil, err
	}
	if args.ChainID != nil && args.ChainID.ToInt().Cmp(chainId) != 0 {
		return nil, errors.Wrapf(ErrInvalidParams, "chainId %s does not match %s", args.ChainID.ToInt(), chainId)
	}

	var nonce uint64
	if args.Nonce != nil {
		nonce = uint64(*args.Nonce)
	} else {
		nonce, err = i.signer.GetNonce(ctx, sender)
		if err != nil {
			return nil, err
		}
	}

	tx, err := args.ToTransaction(chainId, nonce)
	if err != nil {
		return nil, err
	}

	txSigner := ethTypes.LatestSignerForChainID(chainId)
	sig, err := i.signer.SignDigest(ctx, txSigner.Hash(tx))
	if err != nil {
		return nil, err
	}

	signed, err := tx.WithSignature(txSigner, sig.RecoveryBytes())
	if err != nil {
		return nil, errors.Wrap(err, "failed to attach signature")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode signed transaction")
	}

	i.logger.Sugar().Infow("Submitting signed transaction",
		"hash", signed.Hash().Hex(),
		"type", signed.Type(),
		"nonce", nonce,
		"chainId", chainId.String(),
	)

	rawParam, err := json.Marshal(hexutil.Encode(raw))
	if err != nil {
		return nil, err
	}
	return i.provider.Request(ctx, MethodSendRawTransaction, []json.RawMessage{rawParam})
}

func (i *Interceptor) signTypedData(ctx context.Context, params []json.RawMessage) (json.RawMessage, error) {
	if len(params) < 2 {
		return nil, errors.Wrap(ErrInvalidParams, "eth_signTypedData_v4 expects [address, typedData]")
	}

	var requested string
	if err := json.Unmarshal(params[0], &requested); err != nil || !common.IsHexAddress(requested) {
		return nil, errors.Wrap(ErrInvalidParams, "first param must be an address")
	}

	req, err := typedData.Parse(params[1])
	if err != nil {
		return nil, err
	}
	digest, err := typedData.Hash(req)
	if err != nil {
		return nil, err
	}

	sender, err := i.signer.GetAddress(ctx)
	if err != nil {
		return nil, err
	}
	if !address.Equal(requested, sender) {
		return nil, errors.Wrapf(ErrSenderMismatch, "requested %s, signer %s", requested, sender.Hex())
	}

	sig, err := i.signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, err
	}

	i.logger.Sugar().Infow("Signed typed data",
		"primaryType", req.PrimaryType,
		"digest", hexutil.Encode(digest[:]),
	)
	return json.Marshal(sig.Hex())
}
