package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

func newTx(chainID uint64, nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(chainID),
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       100_000,
		To:        &to,
		Data:      []byte{0x01},
	})
}

func TestKeyProviderChains(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p := NewKeyProvider(key, 31337)

	id, err := p.ChainID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 31337, id)

	err = p.SwitchChain(ctx, 80002)
	require.ErrorIs(t, err, ErrUnrecognizedChain)
	require.False(t, p.Known(80002))

	require.Error(t, p.AddChain(ctx, ChainParams{}))
	require.NoError(t, p.AddChain(ctx, ChainParams{ChainID: 80002, ChainName: "Amoy"}))
	require.True(t, p.Known(80002))

	id, err = p.ChainID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 31337, id, "adding a chain must not activate it")

	require.NoError(t, p.SwitchChain(ctx, 80002))
	id, err = p.ChainID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 80002, id)
}

func TestKeyProviderSignTx(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p := NewKeyProvider(key, 31337)

	accounts, err := p.RequestAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Address{p.Address()}, accounts)

	signed, err := p.SignTx(ctx, p.Address(), newTx(31337, 0), big.NewInt(31337))
	require.NoError(t, err)
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), signed)
	require.NoError(t, err)
	require.Equal(t, p.Address(), sender)

	_, err = p.SignTx(ctx, p.Address(), newTx(1, 0), big.NewInt(1))
	require.ErrorIs(t, err, ErrChainMismatch)

	_, err = p.SignTx(ctx, common.HexToAddress("0x01"), newTx(31337, 0), big.NewInt(31337))
	require.Error(t, err)

	p.SetApprover(func(*types.Transaction) bool { return false })
	_, err = p.SignTx(ctx, p.Address(), newTx(31337, 1), big.NewInt(31337))
	require.ErrorIs(t, err, ErrUserRejected)
}

type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string  { return e.msg }
func (e *codedError) ErrorCode() int { return e.code }

// walletService is an in-process stand-in for a browser wallet.
type walletService struct {
	mu     sync.Mutex
	key    *ecdsa.PrivateKey
	active uint64
	known  map[uint64]bool
	reject atomic.Bool
}

type ethAPI struct{ w *walletService }

func (api *ethAPI) ChainId() hexutil.Uint64 {
	api.w.mu.Lock()
	defer api.w.mu.Unlock()
	return hexutil.Uint64(api.w.active)
}

func (api *ethAPI) RequestAccounts() ([]common.Address, error) {
	if api.w.reject.Load() {
		return nil, &codedError{code: CodeUserRejected, msg: "User rejected the request."}
	}
	return []common.Address{crypto.PubkeyToAddress(api.w.key.PublicKey)}, nil
}

func (api *ethAPI) SignTransaction(args TxArgs) (*signResult, error) {
	if api.w.reject.Load() {
		return nil, &codedError{code: CodeUserRejected, msg: "User rejected the request."}
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   args.ChainID.ToInt(),
		Nonce:     uint64(args.Nonce),
		GasTipCap: args.MaxPriorityFeePerGas.ToInt(),
		GasFeeCap: args.MaxFeePerGas.ToInt(),
		Gas:       uint64(args.Gas),
		To:        args.To,
		Value:     args.Value.ToInt(),
		Data:      args.Input,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(args.ChainID.ToInt()), api.w.key)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &signResult{Raw: raw}, nil
}

type walletAPI struct{ w *walletService }

func (api *walletAPI) SwitchEthereumChain(param map[string]hexutil.Uint64) error {
	api.w.mu.Lock()
	defer api.w.mu.Unlock()
	id := uint64(param["chainId"])
	if !api.w.known[id] {
		return &codedError{code: CodeUnrecognizedChain, msg: "Unrecognized chain ID"}
	}
	api.w.active = id
	return nil
}

func (api *walletAPI) AddEthereumChain(params ChainParams) error {
	api.w.mu.Lock()
	defer api.w.mu.Unlock()
	api.w.known[uint64(params.ChainID)] = true
	return nil
}

func startWallet(t *testing.T) (*walletService, *RPCProvider) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	svc := &walletService{key: key, active: 1, known: map[uint64]bool{1: true}}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &ethAPI{w: svc}))
	require.NoError(t, server.RegisterName("wallet", &walletAPI{w: svc}))
	client := rpc.DialInProc(server)
	provider := NewRPCProvider(client)
	t.Cleanup(func() {
		provider.Close()
		server.Stop()
	})
	return svc, provider
}

func TestRPCProviderSwitchAndAdd(t *testing.T) {
	ctx := context.Background()
	_, p := startWallet(t)

	id, err := p.ChainID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	err = p.SwitchChain(ctx, 80002)
	require.ErrorIs(t, err, ErrUnrecognizedChain)

	require.NoError(t, p.AddChain(ctx, ChainParams{ChainID: 80002, ChainName: "Amoy", RPCURLs: []string{"https://rpc-amoy.polygon.technology"}}))
	require.NoError(t, p.SwitchChain(ctx, 80002))
	id, err = p.ChainID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 80002, id)
}

func TestRPCProviderSignTx(t *testing.T) {
	ctx := context.Background()
	svc, p := startWallet(t)

	accounts, err := p.RequestAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	tx := newTx(1, 7)
	signed, err := p.SignTx(ctx, accounts[0], tx, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, tx.Nonce(), signed.Nonce())
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), signed)
	require.NoError(t, err)
	require.Equal(t, accounts[0], sender)

	svc.reject.Store(true)
	_, err = p.SignTx(ctx, accounts[0], tx, big.NewInt(1))
	require.ErrorIs(t, err, ErrUserRejected)
	_, err = p.RequestAccounts(ctx)
	require.ErrorIs(t, err, ErrUserRejected)
}
