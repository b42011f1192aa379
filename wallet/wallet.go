// Package wallet adapts signing wallets to the operations ballotsync needs:
// chain inspection and switching, account discovery and transaction signing.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// EIP-1193 / EIP-3085 error codes.
const (
	CodeUserRejected       = 4001
	CodeUnrecognizedChain  = 4902
	CodeUnsupportedMethod  = 4200
	CodeDisconnectedChains = 4901
)

var (
	// ErrUnrecognizedChain is returned when the wallet does not know a chain
	// it was asked to switch to.
	ErrUnrecognizedChain = errors.New("wallet: unrecognized chain")
	// ErrUserRejected is returned when the wallet holder declines a request.
	ErrUserRejected = errors.New("wallet: user rejected request")
	// ErrChainMismatch is returned when asked to sign for an inactive chain.
	ErrChainMismatch = errors.New("wallet: transaction chain does not match active chain")
	// ErrNoAccounts is returned when the wallet exposes no account.
	ErrNoAccounts = errors.New("wallet: no accounts available")
)

// Currency describes a chain's native currency.
type Currency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// ChainParams is the wallet_addEthereumChain parameter object.
type ChainParams struct {
	ChainID           hexutil.Uint64 `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    Currency       `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

// Provider is the wallet surface used by the endpoint resolver and the
// transaction orchestrator.
type Provider interface {
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	AddChain(ctx context.Context, params ChainParams) error
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}
