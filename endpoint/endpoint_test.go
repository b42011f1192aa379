package endpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"ballotsync/election"
	"ballotsync/wallet"
)

func TestBuiltinCatalog(t *testing.T) {
	catalog := Builtin()
	amoy, err := catalog.Lookup("Amoy")
	require.NoError(t, err)
	require.EqualValues(t, 80002, amoy.ChainID)
	require.Equal(t, "0x13882", amoy.HexChainID())

	params := amoy.ChainParams()
	require.EqualValues(t, 80002, params.ChainID)
	require.Equal(t, amoy.RPCURLs, params.RPCURLs)
	require.Equal(t, []string{amoy.ExplorerURL}, params.BlockExplorerURLs)

	_, err = catalog.Lookup("mainnet")
	require.ErrorContains(t, err, "unknown network")
}

func TestLoadCatalogOverlaysBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`networks:
  devnet:
    chainId: 1337
    displayName: Devnet
    rpcUrls: ["http://10.0.0.5:8545"]
  localhost:
    chainId: 31337
    displayName: Local Override
    rpcUrls: ["http://127.0.0.1:9545"]
`), 0o600))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Contains(t, catalog.Names(), "amoy")
	devnet, err := catalog.Lookup("devnet")
	require.NoError(t, err)
	require.EqualValues(t, 1337, devnet.ChainID)
	local, err := catalog.Lookup("localhost")
	require.NoError(t, err)
	require.Equal(t, "Local Override", local.DisplayName)
}

func TestParseCatalogRejectsIncompleteEntries(t *testing.T) {
	_, err := ParseCatalog([]byte("networks:\n  broken:\n    chainId: 5\n    displayName: Broken\n"))
	require.ErrorContains(t, err, "rpc url")
	_, err = ParseCatalog([]byte("networks:\n  broken:\n    displayName: Broken\n"))
	require.ErrorContains(t, err, "chain id")
}

type scriptedWallet struct {
	*wallet.KeyProvider
	switchErr error
	addErr    error
	switches  int
	adds      int
}

func (w *scriptedWallet) SwitchChain(ctx context.Context, id uint64) error {
	w.switches++
	if w.switchErr != nil {
		return w.switchErr
	}
	return w.KeyProvider.SwitchChain(ctx, id)
}

func (w *scriptedWallet) AddChain(ctx context.Context, params wallet.ChainParams) error {
	w.adds++
	if w.addErr != nil {
		return w.addErr
	}
	return w.KeyProvider.AddChain(ctx, params)
}

func newScripted(t *testing.T, chainID uint64) *scriptedWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &scriptedWallet{KeyProvider: wallet.NewKeyProvider(key, chainID)}
}

func TestEnsureNoopOnMatchingChain(t *testing.T) {
	w := newScripted(t, 80002)
	amoy, err := Builtin().Lookup("amoy")
	require.NoError(t, err)
	require.NoError(t, NewResolver(w, nil).Ensure(context.Background(), amoy))
	require.Zero(t, w.switches)
	require.Zero(t, w.adds)
}

func TestEnsureAddsUnknownChainThenSwitches(t *testing.T) {
	ctx := context.Background()
	w := newScripted(t, 31337)
	amoy, err := Builtin().Lookup("amoy")
	require.NoError(t, err)

	require.NoError(t, NewResolver(w, nil).Ensure(ctx, amoy))
	require.Equal(t, 2, w.switches)
	require.Equal(t, 1, w.adds)
	id, err := w.ChainID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 80002, id)

	require.NoError(t, NewResolver(w, nil).Ensure(ctx, amoy))
	require.Equal(t, 1, w.adds)
}

func TestEnsureSwitchesKnownChainWithoutAdding(t *testing.T) {
	ctx := context.Background()
	w := newScripted(t, 31337)
	amoy, err := Builtin().Lookup("amoy")
	require.NoError(t, err)
	require.NoError(t, w.KeyProvider.AddChain(ctx, amoy.ChainParams()))

	require.NoError(t, NewResolver(w, nil).Ensure(ctx, amoy))
	require.Equal(t, 1, w.switches)
	require.Zero(t, w.adds)
}

func TestEnsureRejectedSwitch(t *testing.T) {
	w := newScripted(t, 31337)
	w.switchErr = wallet.ErrUserRejected
	amoy, err := Builtin().Lookup("amoy")
	require.NoError(t, err)

	err = NewResolver(w, nil).Ensure(context.Background(), amoy)
	require.ErrorIs(t, err, ErrRejected)
	require.ErrorIs(t, err, election.ErrConnectivity)
	require.ErrorIs(t, err, wallet.ErrUserRejected)
	require.Zero(t, w.adds)
}

func TestEnsureFailedAddSurfacesCause(t *testing.T) {
	w := newScripted(t, 31337)
	cause := errors.New("wallet locked")
	w.addErr = cause
	amoy, err := Builtin().Lookup("amoy")
	require.NoError(t, err)

	err = NewResolver(w, nil).Ensure(context.Background(), amoy)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, election.ErrConnectivity)
	require.Equal(t, 1, w.switches)
}
