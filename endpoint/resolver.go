package endpoint

import (
	"context"
	"errors"
	"log/slog"

	"ballotsync/election"
	"ballotsync/wallet"
)

// Resolver makes the wallet's active chain match an expected endpoint.
type Resolver struct {
	wallet wallet.Provider
	logger *slog.Logger
}

// NewResolver returns a resolver for w.
func NewResolver(w wallet.Provider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{wallet: w, logger: logger.With("component", "endpoint")}
}

// Ensure switches the wallet to expected, adding the network first when the
// wallet does not know it. The switch is retried at most once after an add.
// Errors other than an unknown chain are returned with the wallet's cause
// intact.
func (r *Resolver) Ensure(ctx context.Context, expected Endpoint) error {
	current, err := r.wallet.ChainID(ctx)
	if err != nil {
		return r.fail("chain id", err)
	}
	if current == expected.ChainID {
		return nil
	}
	r.logger.Info("switching network", "from", current, "to", expected.ChainID, "network", expected.DisplayName)
	err = r.wallet.SwitchChain(ctx, expected.ChainID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, wallet.ErrUnrecognizedChain) {
		return r.fail("switch", err)
	}
	r.logger.Info("adding network to wallet", "chainId", expected.HexChainID(), "network", expected.DisplayName)
	if err := r.wallet.AddChain(ctx, expected.ChainParams()); err != nil {
		return r.fail("add", err)
	}
	if err := r.wallet.SwitchChain(ctx, expected.ChainID); err != nil {
		return r.fail("switch", err)
	}
	return nil
}

func (r *Resolver) fail(op string, err error) error {
	if errors.Is(err, wallet.ErrUserRejected) {
		return election.NewError(election.ErrConnectivity, "endpoint "+op, "", errors.Join(ErrRejected, err))
	}
	return election.NewError(election.ErrConnectivity, "endpoint "+op, "", err)
}
