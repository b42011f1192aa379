package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCProvider talks to an external wallet through its JSON-RPC interface.
type RPCProvider struct {
	client *rpc.Client
}

// DialRPC connects to a wallet endpoint.
func DialRPC(ctx context.Context, url string) (*RPCProvider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial %s: %w", url, err)
	}
	return NewRPCProvider(client), nil
}

// NewRPCProvider wraps an existing RPC client.
func NewRPCProvider(client *rpc.Client) *RPCProvider {
	return &RPCProvider{client: client}
}

// Close releases the underlying client.
func (p *RPCProvider) Close() { p.client.Close() }

// ChainID implements Provider.
func (p *RPCProvider) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := p.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, mapRPCError(err)
	}
	return uint64(id), nil
}

// SwitchChain implements Provider.
func (p *RPCProvider) SwitchChain(ctx context.Context, chainID uint64) error {
	param := map[string]hexutil.Uint64{"chainId": hexutil.Uint64(chainID)}
	return mapRPCError(p.client.CallContext(ctx, nil, "wallet_switchEthereumChain", param))
}

// AddChain implements Provider.
func (p *RPCProvider) AddChain(ctx context.Context, params ChainParams) error {
	return mapRPCError(p.client.CallContext(ctx, nil, "wallet_addEthereumChain", params))
}

// RequestAccounts implements Provider.
func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, mapRPCError(err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

// TxArgs is the eth_signTransaction request object.
type TxArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Input                hexutil.Bytes   `json:"input"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

type signResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

// SignTx implements Provider by delegating to eth_signTransaction.
func (p *RPCProvider) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	args := TxArgs{
		From:    from,
		To:      tx.To(),
		Gas:     hexutil.Uint64(tx.Gas()),
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   hexutil.Uint64(tx.Nonce()),
		Input:   tx.Data(),
		ChainID: (*hexutil.Big)(chainID),
	}
	if tx.Type() == types.DynamicFeeTxType {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	}
	var res signResult
	if err := p.client.CallContext(ctx, &res, "eth_signTransaction", args); err != nil {
		return nil, mapRPCError(err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(res.Raw); err != nil {
		return nil, fmt.Errorf("wallet: decode signed transaction: %w", err)
	}
	if signed.Nonce() != tx.Nonce() || signed.Gas() != tx.Gas() {
		return nil, fmt.Errorf("wallet: signed transaction does not match request")
	}
	return signed, nil
}

func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	var coded rpc.Error
	if errors.As(err, &coded) {
		switch coded.ErrorCode() {
		case CodeUnrecognizedChain:
			return fmt.Errorf("%w: %v", ErrUnrecognizedChain, err)
		case CodeUserRejected:
			return fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
	}
	return err
}

var _ Provider = (*RPCProvider)(nil)
