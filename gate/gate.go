// Package gate guards the two once-per-identity actions, registering and
// voting. Every attempt is checked against a fresh ledger read before a
// transaction is built, attempts for one identity are serialized, and success
// is only reported once the ledger reflects it.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ballotsync/crypto"
	"ballotsync/election"
	"ballotsync/ledger"
	"ballotsync/observability"
	"ballotsync/observability/logging"
	"ballotsync/phase"
	"ballotsync/txn"
)

// Submitter sends contract writes as one identity.
type Submitter interface {
	Submit(ctx context.Context, call txn.Call) (*txn.Receipt, error)
	From() common.Address
}

// Resolver yields the active election address.
type Resolver interface {
	Active(ctx context.Context) (common.Address, error)
}

// Result describes an accepted action.
type Result struct {
	Receipt *txn.Receipt
	Record  election.VoterRecord
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides time.Now for the deadline fast path.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gate enforces at-most-once registration and voting.
type Gate struct {
	caller   ledger.Caller
	resolver Resolver
	submit   Submitter
	device   Device
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *observability.BallotMetrics

	mu      sync.Mutex
	locks   map[common.Address]*sync.Mutex
	pending map[common.Address]crypto.Commitment
}

// New returns a gate.
func New(caller ledger.Caller, resolver Resolver, submit Submitter, device Device, opts ...Option) *Gate {
	g := &Gate{
		caller:   caller,
		resolver: resolver,
		submit:   submit,
		device:   device,
		clock:    time.Now,
		logger:   slog.Default(),
		metrics:  observability.Ballot(),
		locks:    make(map[common.Address]*sync.Mutex),
		pending:  make(map[common.Address]crypto.Commitment),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")
	return g
}

func (g *Gate) lock(identity common.Address) func() {
	g.mu.Lock()
	l, ok := g.locks[identity]
	if !ok {
		l = new(sync.Mutex)
		g.locks[identity] = l
	}
	g.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (g *Gate) election(ctx context.Context, identity common.Address) (*ledger.Election, error) {
	if identity != g.submit.From() {
		return nil, election.NewError(election.ErrUnauthorized, "gate", "identity does not match signer", nil)
	}
	addr, err := g.resolver.Active(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.NewElection(g.caller, addr).From(identity), nil
}

func (g *Gate) decide(action string, err error) error {
	if err == nil {
		g.metrics.RecordGate(action, "accepted")
	} else {
		g.metrics.RecordGate(action, election.KindName(err))
	}
	return err
}

// Register provisions a credential and records its commitment on the ledger.
func (g *Gate) Register(ctx context.Context, identity common.Address) (*Result, error) {
	defer g.lock(identity)()
	res, err := g.register(ctx, identity)
	return res, g.decide("register", err)
}

func (g *Gate) register(ctx context.Context, identity common.Address) (*Result, error) {
	el, err := g.election(ctx, identity)
	if err != nil {
		return nil, err
	}
	record, err := el.Voter(ctx, identity)
	if err != nil {
		return nil, err
	}
	if record.IsRegistered {
		return nil, election.NewError(election.ErrAlreadyDone, "register", "already registered", nil)
	}
	started, err := el.Started(ctx)
	if err != nil {
		return nil, err
	}
	if started {
		return nil, election.NewError(election.ErrWrongPhase, "register", "registration closed", nil)
	}

	rawID, err := g.device.Create(ctx, identity)
	if err != nil {
		return nil, election.NewError(election.ErrSignerRejected, "register", "credential creation failed", err)
	}
	commitment, err := crypto.Commit(rawID)
	if err != nil {
		return nil, election.NewError(election.ErrSignerRejected, "register", "credential creation failed", err)
	}
	g.logger.Info("registering voter", "identity", identity.Hex(), logging.MaskField("commitment", commitment.Hex()))

	receipt, err := g.submit.Submit(ctx, txn.Call{
		To:     el.Address(),
		ABI:    ledger.VotingABI,
		Method: "registerVoter",
		Args:   []interface{}{[32]byte(commitment)},
	})
	if err != nil {
		return nil, err
	}
	after, err := el.Voter(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !after.IsRegistered {
		return nil, &election.Error{Kind: election.ErrReverted, Op: "register", Reason: "ledger does not show registration", TxHash: receipt.Hash}
	}
	if after.CredentialHash != commitment {
		return nil, &election.Error{Kind: election.ErrAlreadyDone, Op: "register", Reason: "registered with a different credential", TxHash: receipt.Hash}
	}
	return &Result{Receipt: receipt, Record: after}, nil
}

// Authenticate asserts the identity's credential against a fresh challenge
// and returns the commitment for a single CastVote attempt. A later
// Authenticate replaces any token not yet used.
func (g *Gate) Authenticate(ctx context.Context, identity common.Address) (crypto.Commitment, error) {
	commitment, err := g.authenticate(ctx, identity)
	if err != nil {
		return crypto.Commitment{}, err
	}
	g.mu.Lock()
	g.pending[identity] = commitment
	g.mu.Unlock()
	return commitment, nil
}

func (g *Gate) authenticate(ctx context.Context, identity common.Address) (crypto.Commitment, error) {
	challenge, err := crypto.Challenge()
	if err != nil {
		return crypto.Commitment{}, err
	}
	rawID, err := g.device.Get(ctx, identity, challenge)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return crypto.Commitment{}, election.NewError(election.ErrWrongPhase, "authenticate", "no credential registered", err)
		}
		return crypto.Commitment{}, election.NewError(election.ErrSignerRejected, "authenticate", "credential assertion failed", err)
	}
	return crypto.Commit(rawID)
}

// takePending removes and returns the identity's unused Authenticate token.
func (g *Gate) takePending(identity common.Address) (crypto.Commitment, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	token, ok := g.pending[identity]
	delete(g.pending, identity)
	return token, ok
}

// Vote authenticates and casts a vote in one step. The credential prompt is
// only shown after the fast-path checks pass.
func (g *Gate) Vote(ctx context.Context, identity common.Address, candidateID uint64) (*Result, error) {
	defer g.lock(identity)()
	g.takePending(identity)
	res, err := g.castVote(ctx, identity, candidateID, func() (crypto.Commitment, error) {
		return g.authenticate(ctx, identity)
	})
	return res, g.decide("vote", err)
}

// CastVote submits a vote with the commitment returned by the identity's
// latest Authenticate. The token is spent by the attempt whatever its
// outcome; any other commitment is refused.
func (g *Gate) CastVote(ctx context.Context, identity common.Address, candidateID uint64, commitment crypto.Commitment) (*Result, error) {
	defer g.lock(identity)()
	token, ok := g.takePending(identity)
	res, err := g.castVote(ctx, identity, candidateID, func() (crypto.Commitment, error) {
		switch {
		case commitment == (crypto.Commitment{}):
			return crypto.Commitment{}, election.NewError(election.ErrUnauthorized, "vote", "missing credential commitment", nil)
		case !ok:
			return crypto.Commitment{}, election.NewError(election.ErrUnauthorized, "vote", "no pending authentication", nil)
		case token != commitment:
			return crypto.Commitment{}, election.NewError(election.ErrUnauthorized, "vote", "commitment was not issued by authenticate", nil)
		}
		return commitment, nil
	})
	return res, g.decide("vote", err)
}

func (g *Gate) castVote(ctx context.Context, identity common.Address, candidateID uint64, commit func() (crypto.Commitment, error)) (*Result, error) {
	el, err := g.election(ctx, identity)
	if err != nil {
		return nil, err
	}
	record, err := el.Voter(ctx, identity)
	if err != nil {
		return nil, err
	}
	if record.HasVoted {
		return nil, election.NewError(election.ErrAlreadyDone, "vote", "already voted", nil)
	}
	if !record.IsRegistered {
		return nil, election.NewError(election.ErrWrongPhase, "vote", "not registered", nil)
	}
	flags, err := readFlags(ctx, el)
	if err != nil {
		return nil, err
	}
	if view := phase.Evaluate(flags, g.clock()); !view.VotingAllowed() {
		return nil, election.NewError(election.ErrWrongPhase, "vote", "voting is "+view.Displayed.String(), nil)
	}
	count, err := el.CandidatesCount(ctx)
	if err != nil {
		return nil, err
	}
	if candidateID == 0 || candidateID > count {
		return nil, election.NewError(election.ErrWrongPhase, "vote", "invalid candidate", nil)
	}

	commitment, err := commit()
	if err != nil {
		return nil, err
	}
	if commitment != record.CredentialHash {
		return nil, election.NewError(election.ErrUnauthorized, "vote", "credential mismatch", nil)
	}

	receipt, err := g.submit.Submit(ctx, txn.Call{
		To:     el.Address(),
		ABI:    ledger.VotingABI,
		Method: "vote",
		Args:   []interface{}{new(big.Int).SetUint64(candidateID), [32]byte(commitment)},
	})
	if err != nil {
		return nil, err
	}
	after, err := el.Voter(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !after.HasVoted {
		return nil, &election.Error{Kind: election.ErrReverted, Op: "vote", Reason: "ledger does not show vote", TxHash: receipt.Hash}
	}
	if after.VotedCandidateID != candidateID {
		return nil, &election.Error{Kind: election.ErrAlreadyDone, Op: "vote", Reason: "ledger recorded a different candidate", TxHash: receipt.Hash}
	}
	g.logger.Info("vote recorded", "identity", identity.Hex(), "candidate", candidateID, "tx", receipt.Hash.Hex())
	return &Result{Receipt: receipt, Record: after}, nil
}

func readFlags(ctx context.Context, el *ledger.Election) (election.Flags, error) {
	var (
		flags election.Flags
		err   error
	)
	if flags.Started, err = el.Started(ctx); err != nil {
		return flags, err
	}
	if flags.Ended, err = el.Ended(ctx); err != nil {
		return flags, err
	}
	if flags.Deadline, err = el.Deadline(ctx); err != nil {
		return flags, err
	}
	return flags, nil
}
