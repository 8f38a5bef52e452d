package interceptor

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// TransactionArgs is the transaction object of eth_sendTransaction.
type TransactionArgs struct {
	From                 *common.Address      `json:"from,omitempty"`
	To                   *common.Address      `json:"to,omitempty"`
	Gas                  *hexutil.Uint64      `json:"gas,omitempty"`
	GasPrice             *hexutil.Big         `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big         `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big         `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big         `json:"value,omitempty"`
	Nonce                *hexutil.Uint64      `json:"nonce,omitempty"`
	Data                 *hexutil.Bytes       `json:"data,omitempty"`
	Input                *hexutil.Bytes       `json:"input,omitempty"`
	AccessList           *ethTypes.AccessList `json:"accessList,omitempty"`
	ChainID              *hexutil.Big         `json:"chainId,omitempty"`
}

func (args *TransactionArgs) HasLegacyFee() bool {
	return args.GasPrice != nil
}

func (args *TransactionArgs) HasAnyDynamicFee() bool {
	return args.MaxFeePerGas != nil || args.MaxPriorityFeePerGas != nil
}

// ValidateFees enforces exactly one pricing scheme: gasPrice alone, or both
// EIP-1559 fee fields.
func (args *TransactionArgs) ValidateFees() error {
	if args.HasLegacyFee() && args.HasAnyDynamicFee() {
		return ErrIncompatibleFeeFields
	}
	if args.HasLegacyFee() {
		return nil
	}
	if args.MaxFeePerGas == nil || args.MaxPriorityFeePerGas == nil {
		return ErrMissingFeeFields
	}
	return nil
}

// CallData returns input, falling back to data. Both set and different is an error.
func (args *TransactionArgs) CallData() ([]byte, error) {
	switch {
	case args.Input != nil && args.Data != nil && !bytes.Equal(*args.Input, *args.Data):
		return nil, errors.Wrap(ErrInvalidParams, "both data and input are set and differ")
	case args.Input != nil:
		return *args.Input, nil
	case args.Data != nil:
		return *args.Data, nil
	}
	return nil, nil
}

// ToTransaction builds the unsigned envelope. Fees must already be validated.
func (args *TransactionArgs) ToTransaction(chainId *big.Int, nonce uint64) (*ethTypes.Transaction, error) {
	if args.Gas == nil {
		return nil, errors.Wrap(ErrInvalidParams, "gas is required")
	}
	data, err := args.CallData()
	if err != nil {
		return nil, err
	}

	value := new(big.Int)
	if args.Value != nil {
		value = args.Value.ToInt()
	}

	var accessList ethTypes.AccessList
	if args.AccessList != nil {
		accessList = *args.AccessList
	}

	var inner ethTypes.TxData
	switch {
	case args.HasLegacyFee() && args.AccessList != nil:
		inner = &ethTypes.AccessListTx{
			ChainID:    chainId,
			Nonce:      nonce,
			GasPrice:   args.GasPrice.ToInt(),
			Gas:        uint64(*args.Gas),
			To:         args.To,
			Value:      value,
			Data:       data,
			AccessList: accessList,
		}
	case args.HasLegacyFee():
		inner = &ethTypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: args.GasPrice.ToInt(),
			Gas:      uint64(*args.Gas),
			To:       args.To,
			Value:    value,
			Data:     data,
		}
	default:
		inner = &ethTypes.DynamicFeeTx{
			ChainID:    chainId,
			Nonce:      nonce,
			GasTipCap:  args.MaxPriorityFeePerGas.ToInt(),
			GasFeeCap:  args.MaxFeePerGas.ToInt(),
			Gas:        uint64(*args.Gas),
			To:         args.To,
			Value:      value,
			Data:       data,
			AccessList: accessList,
		}
	}
	return ethTypes.NewTx(inner), nil
}
