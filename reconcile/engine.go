// Package reconcile keeps the client's view in step with the ledger. Event
// listeners, a fallback poll and explicit requests all funnel into a single
// refresh path that re-reads the ledger; event payloads never update state.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ballotsync/election"
	"ballotsync/ledger"
	"ballotsync/observability"
	"ballotsync/registry"
)

const (
	// DefaultPollInterval is the fallback poll cadence.
	DefaultPollInterval = 15 * time.Second
	// DefaultCoalesceWindow is how long a burst of requests is collected
	// before the single refresh runs.
	DefaultCoalesceWindow = 250 * time.Millisecond
)

// RefreshFunc re-reads ledger state.
type RefreshFunc func(ctx context.Context) error

// Handlers receive decoded events for notification only. The per-kind
// callback runs first, then OnEvent; either may be nil.
type Handlers struct {
	OnElectionCreated func(election.AuditEvent)
	OnCandidateAdded  func(election.AuditEvent)
	OnVoterRegistered func(election.AuditEvent)
	OnVotingStarted   func(election.AuditEvent)
	OnVotingEnded     func(election.AuditEvent)
	OnVoteCast        func(election.AuditEvent)
	OnEvent           func(election.AuditEvent)
}

func (h Handlers) dispatch(event election.AuditEvent) {
	var fn func(election.AuditEvent)
	switch event.Kind {
	case election.EventElectionCreated:
		fn = h.OnElectionCreated
	case election.EventCandidateAdded:
		fn = h.OnCandidateAdded
	case election.EventVoterRegistered:
		fn = h.OnVoterRegistered
	case election.EventVotingStarted:
		fn = h.OnVotingStarted
	case election.EventVotingEnded:
		fn = h.OnVotingEnded
	case election.EventVoteCast:
		fn = h.OnVoteCast
	}
	if fn != nil {
		fn(event)
	}
	if h.OnEvent != nil {
		h.OnEvent(event)
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval overrides the fallback poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithCoalesceWindow overrides the request coalescing window.
func WithCoalesceWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.coalesce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine owns the ledger listeners and the refresh loop.
type Engine struct {
	backend  ledger.Backend
	resolver *registry.Resolver
	refresh  RefreshFunc

	pollInterval time.Duration
	coalesce     time.Duration
	logger       *slog.Logger
	metrics      *observability.BallotMetrics

	// wanted holds the handlers of the last Subscribe until Unsubscribe;
	// while set, the poll keeps trying to have a live subscription.
	subMu      sync.Mutex
	wanted     *Handlers
	generation uint64
	current    *Subscription
	nextID     atomic.Uint64

	pending atomic.Bool
	wake    chan struct{}
	resub   chan struct{}

	refreshMu sync.Mutex
	refreshes atomic.Uint64
}

// New returns an engine that calls refresh for every reconciliation.
func New(backend ledger.Backend, resolver *registry.Resolver, refresh RefreshFunc, opts ...Option) *Engine {
	e := &Engine{
		backend:      backend,
		resolver:     resolver,
		refresh:      refresh,
		pollInterval: DefaultPollInterval,
		coalesce:     DefaultCoalesceWindow,
		logger:       slog.Default(),
		metrics:      observability.Ballot(),
		wake:         make(chan struct{}, 1),
		resub:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "reconcile")
	resolver.OnChange(func(registry.Ref) {
		select {
		case e.resub <- struct{}{}:
		default:
		}
	})
	return e
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id         uint64
	generation uint64
	election  common.Address
	epoch     uint64
	handlers  Handlers
	listeners []*listener
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Election returns the contract the subscription listens to.
func (s *Subscription) Election() common.Address { return s.election }

type listener struct {
	kind election.EventKind
	sub  ethereum.Subscription
	dead atomic.Bool
}

// Subscribe installs one listener per election event kind plus one on the
// registry's ElectionCreated event. Any previous subscription is torn down
// first, so repeated calls never accumulate listeners. If installing fails
// the handlers are still kept and Run's poll retries until Unsubscribe.
func (e *Engine) Subscribe(ctx context.Context, handlers Handlers) (*Subscription, error) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.current != nil {
		e.teardown(e.current)
		e.current = nil
	}
	e.generation++
	e.wanted = &handlers
	return e.install(ctx)
}

// install subscribes with the wanted handlers. Callers hold subMu.
func (e *Engine) install(ctx context.Context) (*Subscription, error) {
	sub, err := e.subscribe(ctx, *e.wanted)
	if err != nil {
		e.metrics.SetListeners(0)
		return nil, err
	}
	sub.generation = e.generation
	e.current = sub
	e.metrics.SetListeners(len(sub.listeners))
	return sub, nil
}

func (e *Engine) subscribe(ctx context.Context, handlers Handlers) (*Subscription, error) {
	active, err := e.resolver.Active(ctx)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		id:       e.nextID.Add(1),
		election: active,
		epoch:    e.resolver.Epoch(),
		handlers: handlers,
		cancel:   cancel,
	}
	for _, kind := range election.ElectionEvents {
		if err := e.listen(ctx, subCtx, sub, active, kind); err != nil {
			e.teardown(sub)
			return nil, err
		}
	}
	if err := e.listen(ctx, subCtx, sub, e.resolver.Address(), election.EventElectionCreated); err != nil {
		e.teardown(sub)
		return nil, err
	}
	e.logger.Info("subscribed to election events", "election", active.Hex(), "listeners", len(sub.listeners), "epoch", sub.epoch)
	return sub, nil
}

func (e *Engine) listen(ctx, subCtx context.Context, sub *Subscription, address common.Address, kind election.EventKind) error {
	q, err := ledger.FilterQuery(address, []election.EventKind{kind}, nil, nil)
	if err != nil {
		return err
	}
	ch := make(chan types.Log, 16)
	s, err := e.backend.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return election.NewError(election.ErrConnectivity, "subscribe "+string(kind), "", err)
	}
	l := &listener{kind: kind, sub: s}
	sub.listeners = append(sub.listeners, l)
	sub.wg.Add(1)
	go e.pump(subCtx, sub, l, ch)
	return nil
}

func (e *Engine) pump(ctx context.Context, sub *Subscription, l *listener, ch <-chan types.Log) {
	defer sub.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-l.sub.Err():
			if ok && err != nil {
				l.dead.Store(true)
				observability.Events().RecordDrop(l.kind)
				e.logger.Warn("event listener dropped", "event", string(l.kind), "error", err)
			}
			return
		case raw := <-ch:
			event, err := ledger.ParseEvent(raw)
			if err != nil {
				e.logger.Debug("ignoring undecodable log", "error", err)
				continue
			}
			observability.Events().RecordEvent(event.Kind)
			if event.Kind == election.EventElectionCreated {
				e.resolver.Invalidate()
			}
			sub.handlers.dispatch(event)
			e.RequestRefresh()
		}
	}
}

// Unsubscribe removes every listener of sub and stops the poll from
// re-establishing them. Handles survive the engine's own resubscriptions;
// a handle replaced by a later Subscribe is a no-op.
func (e *Engine) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.wanted == nil || sub.generation != e.generation {
		return
	}
	e.stop()
}

// Stop removes whatever subscription is live or wanted.
func (e *Engine) Stop() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.stop()
}

func (e *Engine) stop() {
	if e.current != nil {
		e.teardown(e.current)
		e.current = nil
	}
	e.wanted = nil
	e.metrics.SetListeners(0)
}

func (e *Engine) teardown(sub *Subscription) {
	for _, l := range sub.listeners {
		l.sub.Unsubscribe()
	}
	sub.cancel()
	sub.wg.Wait()
}

// Listeners returns the number of live listeners.
func (e *Engine) Listeners() int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.current == nil {
		return 0
	}
	n := 0
	for _, l := range e.current.listeners {
		if !l.dead.Load() {
			n++
		}
	}
	return n
}

// Current returns the live subscription, if any.
func (e *Engine) Current() *Subscription {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.current
}

// RequestRefresh schedules a refresh. Requests made while one is already
// pending are absorbed into it.
func (e *Engine) RequestRefresh() {
	if !e.pending.CompareAndSwap(false, true) {
		e.metrics.RecordCoalesced()
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// ForceRefresh runs a refresh now, serialized with every other refresh.
func (e *Engine) ForceRefresh(ctx context.Context) error {
	return e.runRefresh(ctx, "forced")
}

// Refreshes returns the number of refreshes run so far.
func (e *Engine) Refreshes() uint64 { return e.refreshes.Load() }

func (e *Engine) runRefresh(ctx context.Context, trigger string) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	e.refreshes.Add(1)
	err := e.refresh(ctx)
	e.metrics.RecordRefresh(trigger, err)
	if err != nil {
		e.logger.Warn("refresh failed", "trigger", trigger, "error", err)
	}
	return err
}

// Run drives coalesced refreshes, the fallback poll and listener upkeep until
// ctx ends, then removes every listener before returning.
func (e *Engine) Run(ctx context.Context) error {
	poll := time.NewTicker(e.pollInterval)
	defer poll.Stop()
	defer e.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
			if e.coalesce > 0 {
				timer := time.NewTimer(e.coalesce)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
			e.pending.Store(false)
			_ = e.runRefresh(ctx, "event")
		case <-e.resub:
			e.maintain(ctx)
			_ = e.runRefresh(ctx, "epoch")
		case <-poll.C:
			e.maintain(ctx)
			_ = e.runRefresh(ctx, "poll")
		}
	}
}

// maintain re-establishes dropped or failed listeners and follows the
// registry to a new election.
func (e *Engine) maintain(ctx context.Context) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.wanted == nil {
		return
	}
	if e.current == nil {
		if _, err := e.install(ctx); err != nil {
			e.logger.Warn("subscribe retry failed", "error", err)
			return
		}
		e.logger.Info("event listeners restored", "listeners", len(e.current.listeners))
		return
	}
	active, err := e.resolver.Active(ctx)
	if err != nil {
		e.logger.Warn("cannot resolve active election", "error", err)
		return
	}
	stale := active != e.current.election
	dead := false
	for _, l := range e.current.listeners {
		if l.dead.Load() {
			dead = true
			break
		}
	}
	if !stale && !dead {
		return
	}
	e.teardown(e.current)
	e.current = nil
	if _, err := e.install(ctx); err != nil {
		e.logger.Warn("resubscribe failed", "stale", stale, "dead", dead, "error", err)
		return
	}
	if stale {
		e.logger.Info("followed registry to new election", "election", active.Hex())
	}
}

// ErrNoSubscription is returned by Resubscribe when nothing is subscribed.
var ErrNoSubscription = errors.New("reconcile: no active subscription")

// Resubscribe tears down and re-creates the subscription with the handlers
// of the last Subscribe, keeping existing handles valid.
func (e *Engine) Resubscribe(ctx context.Context) (*Subscription, error) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.wanted == nil {
		return nil, ErrNoSubscription
	}
	if e.current != nil {
		e.teardown(e.current)
		e.current = nil
	}
	return e.install(ctx)
}
