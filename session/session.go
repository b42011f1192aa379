// Package session wires the endpoint resolver, registry resolver, transaction
// orchestrator, reconciliation engine and action gate into a single client
// for one identity on one election registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"ballotsync/crypto"
	"ballotsync/election"
	"ballotsync/endpoint"
	"ballotsync/explorer"
	"ballotsync/gate"
	"ballotsync/ledger"
	"ballotsync/phase"
	"ballotsync/reconcile"
	"ballotsync/registry"
	"ballotsync/report"
	"ballotsync/storage"
	"ballotsync/txn"
	"ballotsync/wallet"
)

// ErrInvalidInput is returned for malformed admin input.
var ErrInvalidInput = errors.New("session: invalid input")

// Deps are the external collaborators of a session.
type Deps struct {
	Backend  ledger.Backend
	Wallet   wallet.Provider
	Endpoint endpoint.Endpoint
	Registry common.Address
	// Identity selects the wallet account; zero picks the first one.
	Identity   common.Address
	Device     gate.Device
	Cache      storage.Database
	Candidates *storage.CandidateStore
	Journal    *storage.Journal
	Logger     *slog.Logger
}

// Options tune timing and limits. Zero values select defaults.
type Options struct {
	GasLimit       uint64
	ConfirmTimeout time.Duration
	ReceiptPoll    time.Duration
	PollInterval   time.Duration
	CoalesceWindow time.Duration
	AuditWindow    uint64
	AuditLimit     int
	SkipPreflight  bool
	Clock          func() time.Time
}

// Session is a synchronized client for one identity.
type Session struct {
	deps     Deps
	identity common.Address
	clock    func() time.Time
	logger   *slog.Logger
	links    explorer.Links

	orch      *txn.Orchestrator
	resolver  *registry.Resolver
	engine    *reconcile.Engine
	audit     *reconcile.AuditLog
	gate      *gate.Gate
	countdown *phase.Countdown

	mu   sync.RWMutex
	snap Snapshot
	have bool

	watchMu  sync.Mutex
	watchers map[int]chan Snapshot
	nextID   int
}

// Open makes the wallet point at the expected network, resolves the active
// election, subscribes to its events and performs the first read.
func Open(ctx context.Context, deps Deps, opts Options) (*Session, error) {
	if deps.Backend == nil || deps.Wallet == nil {
		return nil, errors.New("session: backend and wallet required")
	}
	if deps.Registry == (common.Address{}) {
		return nil, errors.New("session: registry address required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	if err := endpoint.NewResolver(deps.Wallet, logger).Ensure(ctx, deps.Endpoint); err != nil {
		return nil, err
	}
	chainID, err := deps.Backend.ChainID(ctx)
	if err != nil {
		return nil, election.NewError(election.ErrConnectivity, "chain id", "", err)
	}
	if chainID.Uint64() != deps.Endpoint.ChainID {
		return nil, election.NewError(election.ErrConnectivity, "chain id",
			fmt.Sprintf("ledger serves chain %d, expected %d", chainID.Uint64(), deps.Endpoint.ChainID), nil)
	}
	identity, err := pickIdentity(ctx, deps.Wallet, deps.Identity)
	if err != nil {
		return nil, err
	}

	s := &Session{
		deps:     deps,
		identity: identity,
		clock:    clock,
		logger:   logger.With("component", "session", "identity", identity.Hex()),
		links:    explorer.Links{Base: deps.Endpoint.ExplorerURL},
		watchers: make(map[int]chan Snapshot),
	}
	txOpts := []txn.Option{
		txn.WithGasLimit(opts.GasLimit),
		txn.WithConfirmTimeout(opts.ConfirmTimeout),
		txn.WithPollInterval(opts.ReceiptPoll),
		txn.WithLogger(logger),
		txn.WithClock(clock),
	}
	if opts.SkipPreflight {
		txOpts = append(txOpts, txn.WithoutPreflight())
	}
	s.orch = txn.New(deps.Backend, deps.Wallet, identity, txOpts...)
	s.resolver = registry.New(deps.Backend, deps.Registry, s.orch, logger)
	engineOpts := []reconcile.Option{reconcile.WithLogger(logger), reconcile.WithPollInterval(opts.PollInterval)}
	if opts.CoalesceWindow > 0 {
		engineOpts = append(engineOpts, reconcile.WithCoalesceWindow(opts.CoalesceWindow))
	}
	s.engine = reconcile.New(deps.Backend, s.resolver, s.Refresh, engineOpts...)
	s.orch.SetRefresher(s.engine)
	s.audit = reconcile.NewAuditLog(deps.Backend, s.resolver, deps.Cache,
		reconcile.WithWindow(opts.AuditWindow),
		reconcile.WithLimit(opts.AuditLimit),
		reconcile.WithExplorer(s.links),
		reconcile.WithAuditLogger(logger))
	device := deps.Device
	if device == nil {
		device = gate.NewLocalDevice(deps.Cache)
	}
	s.gate = gate.New(deps.Backend, s.resolver, s.orch, device, gate.WithClock(clock), gate.WithLogger(logger))
	s.countdown = phase.NewCountdown(s.engine.RequestRefresh, phase.WithClock(clock))

	if _, err := s.resolver.Active(ctx); err != nil {
		s.orch.Close()
		return nil, err
	}
	handlers := reconcile.Handlers{OnElectionCreated: s.onElectionCreated, OnEvent: s.onEvent}
	if _, err := s.engine.Subscribe(ctx, handlers); err != nil {
		s.logger.Warn("event subscription unavailable, relying on polling", "error", err)
	}
	if err := s.engine.ForceRefresh(ctx); err != nil {
		s.engine.Stop()
		s.orch.Close()
		return nil, err
	}
	return s, nil
}

func pickIdentity(ctx context.Context, w wallet.Provider, want common.Address) (common.Address, error) {
	accounts, err := w.RequestAccounts(ctx)
	if err != nil {
		if errors.Is(err, wallet.ErrUserRejected) {
			return common.Address{}, election.NewError(election.ErrSignerRejected, "request accounts", "", err)
		}
		return common.Address{}, election.NewError(election.ErrConnectivity, "request accounts", "", err)
	}
	if len(accounts) == 0 {
		return common.Address{}, election.NewError(election.ErrConnectivity, "request accounts", "", wallet.ErrNoAccounts)
	}
	if want == (common.Address{}) {
		return accounts[0], nil
	}
	for _, acct := range accounts {
		if acct == want {
			return acct, nil
		}
	}
	return common.Address{}, election.NewError(election.ErrUnauthorized, "request accounts", "wallet does not control "+want.Hex(), nil)
}

// Identity returns the acting account.
func (s *Session) Identity() common.Address { return s.identity }

// Resolver exposes the registry resolver.
func (s *Session) Resolver() *registry.Resolver { return s.resolver }

// Engine exposes the reconciliation engine.
func (s *Session) Engine() *reconcile.Engine { return s.engine }

// Orchestrator exposes the transaction orchestrator.
func (s *Session) Orchestrator() *txn.Orchestrator { return s.orch }

// Links returns the explorer link builder for the session's network.
func (s *Session) Links() explorer.Links { return s.links }

// Run drives reconciliation and the countdown until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	go s.countdown.Run(ctx)
	return s.engine.Run(ctx)
}

// Close removes listeners and stops following detached transactions.
func (s *Session) Close() {
	s.engine.Stop()
	s.orch.Close()
	s.watchMu.Lock()
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.watchMu.Unlock()
}

func (s *Session) onElectionCreated(ev election.AuditEvent) {
	s.logger.Info("new election announced", "block", ev.BlockHeight, "tx", ev.TxHash.Hex())
}

func (s *Session) onEvent(ev election.AuditEvent) {
	s.logger.Debug("ledger event", "event", string(ev.Kind), "block", ev.BlockHeight, "tx", ev.TxHash.Hex())
}

// Snapshot returns the last complete read.
func (s *Session) Snapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.have
}

// View returns the phase view of the last snapshot at the session clock.
func (s *Session) View() phase.View {
	snap, _ := s.Snapshot()
	return snap.View(s.clock())
}

// Watch returns a channel receiving every changed snapshot. Slow readers
// only see the newest one. The returned func stops the watch.
func (s *Session) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()
	if snap, ok := s.Snapshot(); ok {
		ch <- snap
	}
	return ch, func() {
		s.watchMu.Lock()
		if existing, ok := s.watchers[id]; ok {
			close(existing)
			delete(s.watchers, id)
		}
		s.watchMu.Unlock()
	}
}

func (s *Session) publish(snap Snapshot) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Refresh re-reads the ledger. All reads succeed or the previous snapshot is
// kept.
func (s *Session) Refresh(ctx context.Context) error {
	active, err := s.resolver.Active(ctx)
	if err != nil {
		return err
	}
	el := ledger.NewElection(s.deps.Backend, active).From(s.identity)

	var (
		next   Snapshot
		count  uint64
		voters []common.Address
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { next.Flags.Started, err = el.Started(gctx); return })
	g.Go(func() (err error) { next.Flags.Ended, err = el.Ended(gctx); return })
	g.Go(func() (err error) { next.Flags.Deadline, err = el.Deadline(gctx); return })
	g.Go(func() (err error) { next.Admin, err = el.Admin(gctx); return })
	g.Go(func() (err error) { voters, err = el.VoterAddresses(gctx); return })
	g.Go(func() (err error) { count, err = el.CandidatesCount(gctx); return })
	g.Go(func() (err error) { next.Record, err = el.Voter(gctx, s.identity); return })
	g.Go(func() error {
		head, err := s.deps.Backend.BlockNumber(gctx)
		if err != nil {
			return election.NewError(election.ErrConnectivity, "block number", "", err)
		}
		next.Block = head
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	candidates := make([]election.Candidate, count)
	cg, cctx := errgroup.WithContext(ctx)
	cg.SetLimit(8)
	for i := uint64(0); i < count; i++ {
		cg.Go(func() (err error) {
			candidates[i], err = el.Candidate(cctx, i+1)
			return
		})
	}
	if err := cg.Wait(); err != nil {
		return err
	}

	var meta map[uint64]storage.CandidateMeta
	if s.deps.Candidates != nil {
		if meta, err = s.deps.Candidates.All(active); err != nil {
			s.logger.Warn("candidate metadata unavailable", "error", err)
		}
	}
	ref := s.resolver.Ref()
	next.Registry = ref.Registry
	next.Election = active
	next.Epoch = ref.Epoch
	next.Identity = s.identity
	next.IsAdmin = next.Admin == s.identity
	next.VoterCount = len(voters)
	next.ReadAt = s.clock()
	next.Candidates = make([]CandidateView, 0, len(candidates))
	for _, c := range candidates {
		view := CandidateView{Candidate: c, ImageURL: meta[c.ID].ImageURL}
		next.Candidates = append(next.Candidates, view)
		if next.Record.HasVoted && c.ID == next.Record.VotedCandidateID {
			next.VotedCandidateName = c.Name
		}
	}
	next.Fingerprint = next.fingerprint()

	s.mu.Lock()
	changed := !s.have || s.snap.Fingerprint != next.Fingerprint
	if changed {
		next.Version = s.snap.Version + 1
	} else {
		next.Version = s.snap.Version
	}
	s.snap = next
	s.have = true
	s.mu.Unlock()

	if next.Flags.Started && !next.Flags.Ended {
		s.countdown.Reset(next.Flags.Deadline)
	} else {
		s.countdown.Reset(time.Time{})
	}
	if changed {
		s.logger.Debug("snapshot updated", "version", next.Version, "election", active.Hex(), "block", next.Block)
		s.publish(next)
	}
	return nil
}

// --- admin actions ---

func (s *Session) requireAdmin(ctx context.Context, op string) (*ledger.Election, error) {
	active, err := s.resolver.Active(ctx)
	if err != nil {
		return nil, err
	}
	el := ledger.NewElection(s.deps.Backend, active).From(s.identity)
	admin, err := el.Admin(ctx)
	if err != nil {
		return nil, err
	}
	if admin != s.identity {
		return nil, election.NewError(election.ErrUnauthorized, op, "only the election admin may do this", nil)
	}
	return el, nil
}

func (s *Session) journal(ctx context.Context, kind, detail string, fn func() (common.Hash, error)) error {
	var id uuid.UUID
	if s.deps.Journal != nil {
		active := s.resolver.Ref().Active
		var err error
		if id, err = s.deps.Journal.Begin(ctx, kind, s.identity.Hex(), active.Hex(), detail); err != nil {
			s.logger.Warn("journal begin failed", "action", kind, "error", err)
		}
	}
	hash, err := fn()
	if s.deps.Journal != nil && id != uuid.Nil {
		var jerr error
		if err != nil {
			reason := err.Error()
			var typed *election.Error
			if errors.As(err, &typed) {
				hash = typed.TxHash
				if typed.Reason != "" {
					reason = typed.Reason
				}
			}
			jerr = s.deps.Journal.Fail(context.WithoutCancel(ctx), id, election.KindName(err), reason, hexOrEmpty(hash))
		} else {
			jerr = s.deps.Journal.Succeed(context.WithoutCancel(ctx), id, hexOrEmpty(hash))
		}
		if jerr != nil {
			s.logger.Warn("journal update failed", "action", kind, "error", jerr)
		}
	}
	return err
}

func hexOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

// AddCandidate adds a candidate and stores its image URL locally. It returns
// the new candidate id.
func (s *Session) AddCandidate(ctx context.Context, name, imageURL string) (uint64, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return 0, fmt.Errorf("%w: candidate name required", ErrInvalidInput)
	}
	var id uint64
	err := s.journal(ctx, "add_candidate", name, func() (common.Hash, error) {
		el, err := s.requireAdmin(ctx, "addCandidate")
		if err != nil {
			return common.Hash{}, err
		}
		receipt, err := s.orch.Submit(ctx, txn.Call{To: el.Address(), ABI: ledger.VotingABI, Method: "addCandidate", Args: []interface{}{name}})
		if err != nil {
			return common.Hash{}, err
		}
		for _, l := range receipt.Logs {
			if ev, perr := ledger.ParseEvent(*l); perr == nil && ev.Kind == election.EventCandidateAdded {
				id = ev.CandidateID
			}
		}
		if id == 0 {
			if id, err = el.CandidatesCount(ctx); err != nil {
				return receipt.Hash, err
			}
		}
		if imageURL = strings.TrimSpace(imageURL); imageURL != "" && s.deps.Candidates != nil {
			meta := storage.CandidateMeta{ImageURL: imageURL, UpdatedAt: s.clock().UTC()}
			if err := s.deps.Candidates.Put(el.Address(), id, meta); err != nil {
				s.logger.Warn("candidate image not stored", "candidate", id, "error", err)
			} else {
				s.engine.RequestRefresh()
			}
		}
		return receipt.Hash, nil
	})
	return id, err
}

// StartVoting opens voting until deadline.
func (s *Session) StartVoting(ctx context.Context, deadline time.Time) error {
	if !deadline.After(s.clock()) {
		return fmt.Errorf("%w: deadline must be in the future", ErrInvalidInput)
	}
	return s.journal(ctx, "start_voting", deadline.UTC().Format(time.RFC3339), func() (common.Hash, error) {
		el, err := s.requireAdmin(ctx, "startVoting")
		if err != nil {
			return common.Hash{}, err
		}
		receipt, err := s.orch.Submit(ctx, txn.Call{To: el.Address(), ABI: ledger.VotingABI, Method: "startVoting", Args: []interface{}{big.NewInt(deadline.Unix())}})
		if err != nil {
			return common.Hash{}, err
		}
		return receipt.Hash, nil
	})
}

// EndVoting closes voting on the ledger.
func (s *Session) EndVoting(ctx context.Context) error {
	return s.journal(ctx, "end_voting", "", func() (common.Hash, error) {
		el, err := s.requireAdmin(ctx, "endVoting")
		if err != nil {
			return common.Hash{}, err
		}
		receipt, err := s.orch.Submit(ctx, txn.Call{To: el.Address(), ABI: ledger.VotingABI, Method: "endVoting"})
		if err != nil {
			return common.Hash{}, err
		}
		return receipt.Hash, nil
	})
}

// CreateNewElection asks the registry for a fresh election and moves the
// session onto it.
func (s *Session) CreateNewElection(ctx context.Context) (common.Address, error) {
	var addr common.Address
	err := s.journal(ctx, "create_election", "", func() (common.Hash, error) {
		if _, err := s.requireAdmin(ctx, "createElection"); err != nil {
			return common.Hash{}, err
		}
		var err error
		if addr, err = s.resolver.CreateNewElection(ctx); err != nil {
			return common.Hash{}, err
		}
		return common.Hash{}, nil
	})
	if err != nil {
		return common.Address{}, err
	}
	if _, err := s.engine.Resubscribe(ctx); err != nil && !errors.Is(err, reconcile.ErrNoSubscription) {
		s.logger.Warn("resubscribe after new election failed", "error", err)
	}
	return addr, nil
}

// --- voter actions ---

// Register registers the session identity.
func (s *Session) Register(ctx context.Context) (*gate.Result, error) {
	var res *gate.Result
	err := s.journal(ctx, "register", "", func() (common.Hash, error) {
		var err error
		if res, err = s.gate.Register(ctx, s.identity); err != nil {
			return common.Hash{}, err
		}
		return res.Receipt.Hash, nil
	})
	return res, err
}

// Authenticate returns a commitment for one vote attempt.
func (s *Session) Authenticate(ctx context.Context) (crypto.Commitment, error) {
	return s.gate.Authenticate(ctx, s.identity)
}

// Vote authenticates and votes for candidateID.
func (s *Session) Vote(ctx context.Context, candidateID uint64) (*gate.Result, error) {
	return s.vote(ctx, candidateID, func() (*gate.Result, error) {
		return s.gate.Vote(ctx, s.identity, candidateID)
	})
}

// CastVote votes with a commitment from Authenticate.
func (s *Session) CastVote(ctx context.Context, candidateID uint64, commitment crypto.Commitment) (*gate.Result, error) {
	return s.vote(ctx, candidateID, func() (*gate.Result, error) {
		return s.gate.CastVote(ctx, s.identity, candidateID, commitment)
	})
}

func (s *Session) vote(ctx context.Context, candidateID uint64, fn func() (*gate.Result, error)) (*gate.Result, error) {
	var res *gate.Result
	err := s.journal(ctx, "vote", fmt.Sprintf("candidate=%d", candidateID), func() (common.Hash, error) {
		var err error
		if res, err = fn(); err != nil {
			return common.Hash{}, err
		}
		return res.Receipt.Hash, nil
	})
	return res, err
}

// --- queries ---

// Winner returns the winner once the ledger has ended voting. Before that,
// or when the ledger refuses, it fails with ErrNotAvailable.
func (s *Session) Winner(ctx context.Context) (string, error) {
	active, err := s.resolver.Active(ctx)
	if err != nil {
		return "", err
	}
	el := ledger.NewElection(s.deps.Backend, active)
	ended, err := el.Ended(ctx)
	if err != nil {
		return "", err
	}
	if !ended {
		return "", election.NewError(election.ErrNotAvailable, "getWinner", "voting has not ended on the ledger", nil)
	}
	name, err := el.Winner(ctx)
	if err != nil {
		if errors.Is(err, election.ErrReverted) {
			return "", election.NewError(election.ErrNotAvailable, "getWinner", "", err)
		}
		return "", err
	}
	return name, nil
}

// Voter reads the record of addr on the active election.
func (s *Session) Voter(ctx context.Context, addr common.Address) (election.VoterRecord, error) {
	active, err := s.resolver.Active(ctx)
	if err != nil {
		return election.VoterRecord{}, err
	}
	return ledger.NewElection(s.deps.Backend, active).Voter(ctx, addr)
}

// Audit returns the newest VoteCast events.
func (s *Session) Audit(ctx context.Context, limit int) ([]election.AuditEvent, error) {
	return s.audit.Recent(ctx, []election.EventKind{election.EventVoteCast}, limit)
}

// AuditKinds returns the newest events of the given kinds.
func (s *Session) AuditKinds(ctx context.Context, kinds []election.EventKind, limit int) ([]election.AuditEvent, error) {
	return s.audit.Recent(ctx, kinds, limit)
}

// Report renders the current snapshot with the winner when available.
func (s *Session) Report(ctx context.Context) (report.Report, error) {
	if err := s.engine.ForceRefresh(ctx); err != nil {
		return report.Report{}, err
	}
	snap, _ := s.Snapshot()
	winner, err := s.Winner(ctx)
	available := err == nil
	if err != nil && !errors.Is(err, election.ErrNotAvailable) {
		return report.Report{}, err
	}
	candidates := make([]election.Candidate, 0, len(snap.Candidates))
	for _, c := range snap.Candidates {
		candidates = append(candidates, c.Candidate)
	}
	return report.Build(snap.Election, candidates, snap.VoterCount, winner, available, s.clock()), nil
}

// Actions lists recent journaled actions.
func (s *Session) Actions(ctx context.Context, limit int) ([]storage.Action, error) {
	if s.deps.Journal == nil {
		return nil, nil
	}
	return s.deps.Journal.Recent(ctx, limit)
}
