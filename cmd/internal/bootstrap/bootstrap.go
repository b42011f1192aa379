// Package bootstrap assembles the ledger client, wallet and local stores
// shared by ballotd and ballot-cli.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ballotsync/cmd/internal/passphrase"
	"ballotsync/config"
	"ballotsync/crypto"
	"ballotsync/endpoint"
	"ballotsync/gate"
	"ballotsync/ledger"
	"ballotsync/registry"
	"ballotsync/session"
	"ballotsync/storage"
	"ballotsync/txn"
	"ballotsync/wallet"
)

// Runtime owns the long-lived resources behind a session.
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	Endpoint   endpoint.Endpoint
	Backend    ledger.Backend
	Wallet     wallet.Provider
	Cache      storage.Database
	Candidates *storage.CandidateStore
	Journal    *storage.Journal
	Device     gate.Device

	closers []func() error
}

// Prepare dials the ledger and the wallet and opens the local stores.
func Prepare(ctx context.Context, cfg *config.Config, logger *slog.Logger, pass *passphrase.Source) (rt *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt = &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if rt.Endpoint, err = cfg.Endpoint(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	client, err := ledger.Dial(ctx, rt.Endpoint.RPCURLs[0])
	if err != nil {
		return nil, err
	}
	rt.Backend = client
	rt.closers = append(rt.closers, func() error { client.Close(); return nil })

	if rt.Wallet, err = rt.openWallet(ctx, pass); err != nil {
		return nil, err
	}
	if rt.Cache, err = storage.Open(cfg.CachePath()); err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	cache := rt.Cache
	rt.closers = append(rt.closers, func() error { cache.Close(); return nil })
	if rt.Candidates, err = storage.OpenCandidateStore(cfg.CandidatesPath(), nil); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.Candidates.Close)
	if rt.Journal, err = storage.OpenJournal(cfg.JournalDSN); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.Journal.Close)

	if strings.TrimSpace(cfg.Device.Endpoint) != "" {
		apiKey := ""
		if cfg.Device.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.Device.APIKeyEnv)
		}
		rt.Device, err = gate.NewRemoteDevice(gate.RemoteDeviceOptions{
			Endpoint: cfg.Device.Endpoint,
			APIKey:   apiKey,
			RPID:     cfg.Device.RPID,
			Timeout:  cfg.Device.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
	} else {
		rt.Device = gate.NewLocalDevice(rt.Cache)
	}
	return rt, nil
}

func (rt *Runtime) openWallet(ctx context.Context, pass *passphrase.Source) (wallet.Provider, error) {
	if url := strings.TrimSpace(rt.Config.WalletRPC); url != "" {
		provider, err := wallet.DialRPC(ctx, url)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { provider.Close(); return nil })
		return provider, nil
	}
	if pass == nil {
		return nil, errors.New("keystore passphrase source required")
	}
	secret, err := pass.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(rt.Config.KeystorePath, secret)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", rt.Config.KeystorePath, err)
	}
	return wallet.NewKeyProvider(key.PrivateKey, rt.Endpoint.ChainID), nil
}

func (rt *Runtime) options() session.Options {
	cfg := rt.Config
	return session.Options{
		GasLimit:       cfg.Transactions.GasLimit,
		ConfirmTimeout: cfg.Transactions.ConfirmTimeout.Duration,
		ReceiptPoll:    cfg.Transactions.ReceiptPoll.Duration,
		SkipPreflight:  cfg.Transactions.SkipPreflight,
		PollInterval:   cfg.Sync.PollInterval.Duration,
		CoalesceWindow: cfg.Sync.CoalesceWindow.Duration,
		AuditWindow:    cfg.Sync.AuditWindow,
		AuditLimit:     cfg.Sync.AuditLimit,
	}
}

// Open starts a session on the configured registry.
func (rt *Runtime) Open(ctx context.Context) (*session.Session, error) {
	registryAddr, err := rt.Config.Registry()
	if err != nil {
		return nil, err
	}
	return session.Open(ctx, session.Deps{
		Backend:    rt.Backend,
		Wallet:     rt.Wallet,
		Endpoint:   rt.Endpoint,
		Registry:   registryAddr,
		Device:     rt.Device,
		Cache:      rt.Cache,
		Candidates: rt.Candidates,
		Journal:    rt.Journal,
		Logger:     rt.Logger,
	}, rt.options())
}

// CreateElection asks the registry for a new election without a session,
// which also covers a registry that has none yet. It returns the new
// election and its administrator.
func (rt *Runtime) CreateElection(ctx context.Context) (common.Address, common.Address, error) {
	registryAddr, err := rt.Config.Registry()
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	if err := endpoint.NewResolver(rt.Wallet, rt.Logger).Ensure(ctx, rt.Endpoint); err != nil {
		return common.Address{}, common.Address{}, err
	}
	accounts, err := rt.Wallet.RequestAccounts(ctx)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, common.Address{}, wallet.ErrNoAccounts
	}
	admin := accounts[0]
	opts := rt.options()
	orch := txn.New(rt.Backend, rt.Wallet, admin,
		txn.WithGasLimit(opts.GasLimit),
		txn.WithConfirmTimeout(opts.ConfirmTimeout),
		txn.WithPollInterval(opts.ReceiptPoll),
		txn.WithLogger(rt.Logger))
	defer orch.Close()
	created, err := registry.New(rt.Backend, registryAddr, orch, rt.Logger).CreateNewElection(ctx)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return created, admin, nil
}

// Close releases every resource in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
