package reconcile

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ballotsync/election"
	"ballotsync/explorer"
	"ballotsync/ledger"
	"ballotsync/ledger/ledgertest"
	"ballotsync/registry"
	"ballotsync/storage"
)

// listenersPerSubscription is one listener per election event plus the
// registry's ElectionCreated listener.
var listenersPerSubscription = len(election.ElectionEvents) + 1

type harness struct {
	chain     *ledgertest.Chain
	registry  common.Address
	adminKey  *ecdsa.PrivateKey
	resolver  *registry.Resolver
	refreshes atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{chain: ledgertest.NewChain()}
	h.registry = h.chain.DeployRegistry()
	h.adminKey, _ = ledgertest.NewKey()
	h.createElection(t)
	h.resolver = registry.New(h.chain, h.registry, nil, nil)
	_, err := h.resolver.Active(context.Background())
	require.NoError(t, err)
	return h
}

func (h *harness) createElection(t *testing.T) {
	t.Helper()
	data, err := ledger.RegistryABI.Pack("createElection")
	require.NoError(t, err)
	_, err = h.chain.Transact(context.Background(), h.adminKey, h.registry, data)
	require.NoError(t, err)
}

func (h *harness) transact(t *testing.T, key *ecdsa.PrivateKey, method string, args ...interface{}) {
	t.Helper()
	ctx := context.Background()
	active, err := h.resolver.Active(ctx)
	require.NoError(t, err)
	data, err := ledger.VotingABI.Pack(method, args...)
	require.NoError(t, err)
	receipt, err := h.chain.Transact(ctx, key, active, data)
	require.NoError(t, err)
	require.EqualValues(t, 1, receipt.Status)
}

// refresh mirrors a client refresh: it re-resolves the active election.
func (h *harness) refresh(ctx context.Context) error {
	h.refreshes.Add(1)
	_, err := h.resolver.Active(ctx)
	return err
}

func (h *harness) engine(opts ...Option) *Engine {
	return New(h.chain, h.resolver, h.refresh, opts...)
}

func run(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestSubscribeDoesNotAccumulateListeners(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine()

	first, err := e.Subscribe(ctx, Handlers{})
	require.NoError(t, err)
	require.Equal(t, listenersPerSubscription, h.chain.Subscriptions())
	require.Equal(t, listenersPerSubscription, e.Listeners())

	for i := 0; i < 3; i++ {
		_, err = e.Subscribe(ctx, Handlers{})
		require.NoError(t, err)
	}
	require.Equal(t, listenersPerSubscription, h.chain.Subscriptions())

	e.Unsubscribe(first)
	require.Equal(t, listenersPerSubscription, h.chain.Subscriptions(), "a replaced handle is a no-op")

	e.Unsubscribe(e.Current())
	require.Zero(t, h.chain.Subscriptions())
	require.Zero(t, e.Listeners())
	require.Nil(t, e.Current())
}

func TestSubscribeFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	e := h.engine()

	_, err := e.Resubscribe(context.Background())
	require.ErrorIs(t, err, ErrNoSubscription)

	h.chain.FailSubscriptions(errors.New("websocket closed"))
	_, err = e.Subscribe(context.Background(), Handlers{})
	require.ErrorIs(t, err, election.ErrConnectivity)
	require.Zero(t, h.chain.Subscriptions())
	require.Nil(t, e.Current())

	_, err = e.Resubscribe(context.Background())
	require.ErrorIs(t, err, election.ErrConnectivity)
	require.Zero(t, h.chain.Subscriptions())

	h.chain.FailSubscriptions(nil)
	_, err = e.Resubscribe(context.Background())
	require.NoError(t, err)
	require.Equal(t, listenersPerSubscription, e.Listeners())

	e.Stop()
	require.Zero(t, h.chain.Subscriptions())
	_, err = e.Resubscribe(context.Background())
	require.ErrorIs(t, err, ErrNoSubscription)
}

func TestPollRetriesFailedSubscribe(t *testing.T) {
	h := newHarness(t)
	h.chain.FailSubscriptions(errors.New("websocket closed"))
	e := h.engine(WithPollInterval(20 * time.Millisecond))
	_, err := e.Subscribe(context.Background(), Handlers{})
	require.Error(t, err)
	run(t, e)

	time.Sleep(60 * time.Millisecond)
	require.Zero(t, e.Listeners())

	h.chain.FailSubscriptions(nil)
	require.Eventually(t, func() bool {
		return e.Listeners() == listenersPerSubscription && h.chain.Subscriptions() == listenersPerSubscription
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListenersRecoverAfterFailedResubscribe(t *testing.T) {
	h := newHarness(t)
	e := h.engine(WithPollInterval(20 * time.Millisecond))
	sub, err := e.Subscribe(context.Background(), Handlers{})
	require.NoError(t, err)
	run(t, e)

	h.chain.FailSubscriptions(errors.New("dial tcp: connection refused"))
	h.chain.DropSubscriptions(errors.New("websocket: close 1006"))
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, e.Listeners())

	h.chain.FailSubscriptions(nil)
	require.Eventually(t, func() bool {
		return e.Listeners() == listenersPerSubscription && h.chain.Subscriptions() == listenersPerSubscription
	}, 2*time.Second, 5*time.Millisecond)

	// The original handle still controls the restored subscription.
	e.Unsubscribe(sub)
	require.Zero(t, h.chain.Subscriptions())
	require.Nil(t, e.Current())
	time.Sleep(60 * time.Millisecond)
	require.Zero(t, h.chain.Subscriptions(), "unsubscribed engines stay quiet")
}

func TestHandlersDispatchByKind(t *testing.T) {
	h := newHarness(t)
	e := h.engine(WithCoalesceWindow(0), WithPollInterval(time.Hour))

	var mu sync.Mutex
	var candidates, registrations, created, all int
	count := func(n *int) func(election.AuditEvent) {
		return func(election.AuditEvent) {
			mu.Lock()
			*n++
			mu.Unlock()
		}
	}
	_, err := e.Subscribe(context.Background(), Handlers{
		OnCandidateAdded:  count(&candidates),
		OnVoterRegistered: count(&registrations),
		OnElectionCreated: count(&created),
		OnEvent:           count(&all),
	})
	require.NoError(t, err)
	run(t, e)

	voter, _ := ledgertest.NewKey()
	h.transact(t, h.adminKey, "addCandidate", "Alice")
	h.transact(t, voter, "registerVoter", [32]byte{7})
	h.createElection(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return all == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, candidates)
	require.Equal(t, 1, registrations)
	require.Equal(t, 1, created)
}

func TestRequestsCoalesceIntoOneRefresh(t *testing.T) {
	h := newHarness(t)
	e := h.engine(WithCoalesceWindow(100*time.Millisecond), WithPollInterval(time.Hour))
	run(t, e)

	for i := 0; i < 20; i++ {
		e.RequestRefresh()
	}
	require.Eventually(t, func() bool { return e.Refreshes() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.EqualValues(t, 1, e.Refreshes())
}

func TestEventsTriggerRefresh(t *testing.T) {
	h := newHarness(t)
	e := h.engine(WithCoalesceWindow(0), WithPollInterval(time.Hour))

	var mu sync.Mutex
	var seen []election.EventKind
	_, err := e.Subscribe(context.Background(), Handlers{OnEvent: func(ev election.AuditEvent) {
		mu.Lock()
		seen = append(seen, ev.Kind)
		mu.Unlock()
	}})
	require.NoError(t, err)
	run(t, e)

	h.transact(t, h.adminKey, "addCandidate", "Alice")
	require.Eventually(t, func() bool { return e.Refreshes() >= 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []election.EventKind{election.EventCandidateAdded}, seen)
	mu.Unlock()
}

func TestPollRefreshesWithoutEvents(t *testing.T) {
	h := newHarness(t)
	e := h.engine(WithPollInterval(10 * time.Millisecond))
	run(t, e)
	require.Eventually(t, func() bool { return e.Refreshes() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestFollowsNewElection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine(WithCoalesceWindow(0), WithPollInterval(time.Hour))
	sub, err := e.Subscribe(ctx, Handlers{})
	require.NoError(t, err)
	first := sub.Election()
	run(t, e)

	h.createElection(t)
	require.Eventually(t, func() bool {
		current := e.Current()
		return current != nil && current.Election() != first
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, h.resolver.Epoch())
	require.Eventually(t, func() bool { return h.chain.Subscriptions() == listenersPerSubscription }, time.Second, 5*time.Millisecond)
}

func TestDroppedListenersAreRestored(t *testing.T) {
	h := newHarness(t)
	e := h.engine(WithPollInterval(20 * time.Millisecond))
	_, err := e.Subscribe(context.Background(), Handlers{})
	require.NoError(t, err)
	run(t, e)

	h.chain.DropSubscriptions(errors.New("websocket: close 1006"))
	require.Eventually(t, func() bool {
		return e.Listeners() == listenersPerSubscription && h.chain.Subscriptions() == listenersPerSubscription
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunRemovesListenersOnExit(t *testing.T) {
	h := newHarness(t)
	e := h.engine(WithPollInterval(time.Hour))
	_, err := e.Subscribe(context.Background(), Handlers{})
	require.NoError(t, err)

	cancel := run(t, e)
	cancel()
	require.Eventually(t, func() bool { return h.chain.Subscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestForceRefreshIsSerialized(t *testing.T) {
	h := newHarness(t)
	var inside, overlap atomic.Int32
	e := New(h.chain, h.resolver, func(context.Context) error {
		if inside.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		inside.Add(-1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.ForceRefresh(context.Background())
		}()
	}
	wg.Wait()
	require.Zero(t, overlap.Load())
	require.EqualValues(t, 8, e.Refreshes())
}

func TestAuditRecentOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, name := range []string{"Alice", "Bob"} {
		h.transact(t, h.adminKey, "addCandidate", name)
	}
	voters := make([]*ecdsa.PrivateKey, 3)
	for i := range voters {
		voters[i], _ = ledgertest.NewKey()
		h.transact(t, voters[i], "registerVoter", [32]byte{byte(i + 1)})
	}
	h.transact(t, h.adminKey, "startVoting", big.NewInt(h.chain.Now().Add(time.Hour).Unix()))
	for i, key := range voters {
		h.transact(t, key, "vote", big.NewInt(int64(i%2+1)), [32]byte{byte(i + 1)})
	}

	audit := NewAuditLog(h.chain, h.resolver, nil, WithExplorer(explorer.Links{Base: "https://www.oklink.com/amoy"}))
	events, err := audit.Recent(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		require.True(t, events[i].Before(events[i-1]))
	}
	for _, ev := range events {
		require.Equal(t, election.EventVoteCast, ev.Kind)
		require.Contains(t, ev.ExplorerURL, "/tx/0x")
	}

	limited, err := audit.Recent(ctx, []election.EventKind{election.EventVoteCast, election.EventVoterRegistered}, 4)
	require.NoError(t, err)
	require.Len(t, limited, 4)
	require.Equal(t, election.EventVoteCast, limited[0].Kind)
	require.Equal(t, election.EventVoterRegistered, limited[3].Kind)
}

func TestAuditScansOnlyNewBlocks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.transact(t, h.adminKey, "addCandidate", "Alice")

	audit := NewAuditLog(h.chain, h.resolver, nil)
	kinds := []election.EventKind{election.EventCandidateAdded}
	events, err := audit.Recent(ctx, kinds, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 1, h.chain.FilterCount())

	_, err = audit.Recent(ctx, kinds, 10)
	require.NoError(t, err)
	require.Equal(t, 1, h.chain.FilterCount(), "no new blocks, no new query")

	h.transact(t, h.adminKey, "addCandidate", "Bob")
	events, err = audit.Recent(ctx, kinds, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "Bob", events[0].Name)
	require.Equal(t, 2, h.chain.FilterCount())
}

func TestAuditWindowBoundsHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.transact(t, h.adminKey, "addCandidate", "Alice")
	h.transact(t, h.adminKey, "addCandidate", "Bob")

	audit := NewAuditLog(h.chain, h.resolver, nil, WithWindow(1))
	events, err := audit.Recent(ctx, []election.EventKind{election.EventCandidateAdded}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Bob", events[0].Name)
}

func TestAuditFilterFailureIsConnectivity(t *testing.T) {
	h := newHarness(t)
	h.chain.FailFilters(errors.New("query timeout"))
	_, err := NewAuditLog(h.chain, h.resolver, nil).Recent(context.Background(), nil, 0)
	require.ErrorIs(t, err, election.ErrConnectivity)
}

func TestAuditDropsCacheFromResetChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.transact(t, h.adminKey, "addCandidate", "Alice")
	contract, err := h.resolver.Active(ctx)
	require.NoError(t, err)

	// Leftovers of an earlier chain run with the same id and contract
	// address: a cursor far past the head and an event that never happened.
	cache := storage.NewMemDB()
	defer cache.Close()
	scope := auditScope{chainID: new(big.Int).SetUint64(h.chain.ChainIDValue()), contract: contract}
	ghost, err := json.Marshal(election.AuditEvent{Kind: election.EventCandidateAdded, Contract: contract, BlockHeight: 900, Name: "Ghost"})
	require.NoError(t, err)
	require.NoError(t, cache.Put(scope.eventKey(900, 0), ghost))
	require.NoError(t, cache.Put(scope.cursorKey(), binary.BigEndian.AppendUint64(nil, 1000)))

	// Same contract on another network is a separate cache entry.
	other := auditScope{chainID: big.NewInt(1), contract: contract}
	require.NoError(t, cache.Put(other.eventKey(1, 0), ghost))

	audit := NewAuditLog(h.chain, h.resolver, cache)
	events, err := audit.Recent(ctx, []election.EventKind{election.EventCandidateAdded}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Alice", events[0].Name)

	_, err = cache.Get(scope.eventKey(900, 0))
	require.ErrorIs(t, err, storage.ErrNotFound)
	head, err := h.chain.BlockNumber(ctx)
	require.NoError(t, err)
	cursor, err := audit.cursor(scope)
	require.NoError(t, err)
	require.Equal(t, head+1, cursor)

	_, err = cache.Get(other.eventKey(1, 0))
	require.NoError(t, err, "other networks are left alone")
}
