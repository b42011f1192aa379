// Package registry resolves the active election through the factory contract
// and owns the only cached copy of that address.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"ballotsync/election"
	"ballotsync/ledger"
	"ballotsync/observability"
	"ballotsync/txn"
)

// ErrNoElection is returned when the factory has not created an election yet.
var ErrNoElection = errors.New("registry: no election created")

// Submitter sends contract writes. *txn.Orchestrator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, call txn.Call) (*txn.Receipt, error)
}

// Ref is a snapshot of the resolver's pointer.
type Ref struct {
	Registry common.Address
	Active   common.Address
	Epoch    uint64
}

// Resolver caches the factory's latestElection pointer. It is the single
// writer of that value; readers go through Active.
type Resolver struct {
	registry *ledger.Registry
	submit   Submitter
	logger   *slog.Logger
	metrics  *observability.BallotMetrics

	group singleflight.Group

	mu        sync.RWMutex
	active    common.Address
	cached    bool
	epoch     uint64
	listeners []func(Ref)
}

// New returns a resolver for the factory at address.
func New(backend ledger.Caller, address common.Address, submit Submitter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry: ledger.NewRegistry(backend, address),
		submit:   submit,
		logger:   logger.With("component", "registry", "registry", address.Hex()),
		metrics:  observability.Ballot(),
	}
}

// Address returns the factory address.
func (r *Resolver) Address() common.Address { return r.registry.Address() }

// Ref returns the current pointer without touching the ledger.
func (r *Resolver) Ref() Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Ref{Registry: r.registry.Address(), Active: r.active, Epoch: r.epoch}
}

// Epoch returns how many times the pointer changed.
func (r *Resolver) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// OnChange registers fn to run after the pointer changes.
func (r *Resolver) OnChange(fn func(Ref)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Active returns the cached election address, reading the factory on a miss.
// Concurrent misses share one ledger read.
func (r *Resolver) Active(ctx context.Context) (common.Address, error) {
	r.mu.RLock()
	if r.cached {
		addr := r.active
		r.mu.RUnlock()
		return addr, nil
	}
	r.mu.RUnlock()
	return r.load(ctx)
}

// Invalidate drops the cached pointer; the next Active re-reads it.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = false
	r.mu.Unlock()
	r.group.Forget("latest")
	r.logger.Debug("active election pointer invalidated")
}

// Refresh re-reads the factory unconditionally.
func (r *Resolver) Refresh(ctx context.Context) (common.Address, error) {
	r.Invalidate()
	return r.load(ctx)
}

func (r *Resolver) load(ctx context.Context) (common.Address, error) {
	v, err, _ := r.group.Do("latest", func() (interface{}, error) {
		addr, err := r.registry.LatestElection(ctx)
		if err != nil {
			return common.Address{}, err
		}
		if addr == (common.Address{}) {
			return common.Address{}, election.NewError(election.ErrNotAvailable, "latestElection", "", ErrNoElection)
		}
		r.store(addr)
		return addr, nil
	})
	if err != nil {
		return common.Address{}, err
	}
	return v.(common.Address), nil
}

func (r *Resolver) store(addr common.Address) {
	r.mu.Lock()
	changed := r.active != addr
	previous := r.active
	r.active = addr
	r.cached = true
	if changed {
		r.epoch++
	}
	ref := Ref{Registry: r.registry.Address(), Active: addr, Epoch: r.epoch}
	listeners := append([]func(Ref){}, r.listeners...)
	r.mu.Unlock()

	if !changed {
		return
	}
	r.metrics.SetEpoch(ref.Epoch)
	r.logger.Info("active election changed", "previous", previous.Hex(), "active", addr.Hex(), "epoch", ref.Epoch)
	for _, fn := range listeners {
		fn(ref)
	}
}

// CreateNewElection asks the factory for a new election and returns its
// address. The cached pointer is invalidated as soon as the transaction is
// mined so the orchestrator's forced refresh already sees the new election.
func (r *Resolver) CreateNewElection(ctx context.Context) (common.Address, error) {
	if r.submit == nil {
		return common.Address{}, errors.New("registry: no submitter configured")
	}
	_, err := r.submit.Submit(ctx, txn.Call{
		To:     r.registry.Address(),
		ABI:    ledger.RegistryABI,
		Method: "createElection",
		OnConfirmed: func(context.Context, *txn.Receipt) {
			r.Invalidate()
		},
	})
	if err != nil {
		return common.Address{}, err
	}
	return r.Active(ctx)
}
