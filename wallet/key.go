package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Approver decides whether a signing request is accepted.
type Approver func(tx *types.Transaction) bool

// KeyProvider is a wallet backed by a local private key. It keeps a table of
// known chains the way a browser wallet does: switching to a chain that was
// never added fails with ErrUnrecognizedChain.
type KeyProvider struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	address  common.Address
	active   uint64
	known    map[uint64]ChainParams
	approver Approver
}

// NewKeyProvider returns a wallet for key whose active chain is chainID.
func NewKeyProvider(key *ecdsa.PrivateKey, chainID uint64) *KeyProvider {
	return &KeyProvider{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		active:  chainID,
		known:   map[uint64]ChainParams{chainID: {ChainID: hexutil.Uint64(chainID)}},
	}
}

// SetApprover installs a callback consulted before every signature. A nil
// approver accepts everything.
func (p *KeyProvider) SetApprover(fn Approver) {
	p.mu.Lock()
	p.approver = fn
	p.mu.Unlock()
}

// Address returns the account controlled by the wallet.
func (p *KeyProvider) Address() common.Address { return p.address }

// ChainID returns the active chain.
func (p *KeyProvider) ChainID(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, nil
}

// SwitchChain activates a known chain.
func (p *KeyProvider) SwitchChain(_ context.Context, chainID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.known[chainID]; !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnrecognizedChain, chainID)
	}
	p.active = chainID
	return nil
}

// AddChain records params as a known chain without activating it.
func (p *KeyProvider) AddChain(_ context.Context, params ChainParams) error {
	if params.ChainID == 0 {
		return fmt.Errorf("wallet: chain id required")
	}
	p.mu.Lock()
	p.known[uint64(params.ChainID)] = params
	p.mu.Unlock()
	return nil
}

// Known reports whether chainID has been added.
func (p *KeyProvider) Known(chainID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.known[chainID]
	return ok
}

// RequestAccounts returns the single account of the key.
func (p *KeyProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{p.address}, nil
}

// SignTx signs tx for the active chain.
func (p *KeyProvider) SignTx(_ context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	p.mu.Lock()
	active := p.active
	approver := p.approver
	p.mu.Unlock()
	if from != p.address {
		return nil, fmt.Errorf("wallet: unknown account %s", from.Hex())
	}
	if chainID == nil || !chainID.IsUint64() || chainID.Uint64() != active {
		return nil, ErrChainMismatch
	}
	if approver != nil && !approver(tx) {
		return nil, ErrUserRejected
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), p.key)
}

var _ Provider = (*KeyProvider)(nil)
