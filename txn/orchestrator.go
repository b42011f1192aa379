// Package txn submits contract writes and follows them to a definite outcome.
// Submissions bind a fixed gas ceiling, survive fee replacement by the wallet
// and force a state refresh before reporting success.
package txn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ballotsync/election"
	"ballotsync/ledger"
	"ballotsync/observability"
	"ballotsync/wallet"
)

const (
	// DefaultGasLimit is the fixed gas ceiling bound to every write.
	DefaultGasLimit uint64 = 200_000
	// DefaultConfirmTimeout bounds how long a submission is followed.
	DefaultConfirmTimeout = 3 * time.Minute
	// DefaultPollInterval is the receipt polling cadence.
	DefaultPollInterval = time.Second
)

// Signer signs transactions on behalf of from.
type Signer interface {
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Refresher re-reads ledger state after a confirmed write.
type Refresher interface {
	ForceRefresh(ctx context.Context) error
}

// Call describes one contract write.
type Call struct {
	To     common.Address
	ABI    *abi.ABI
	Method string
	Args   []interface{}
	// OnConfirmed runs after the transaction is mined successfully and before
	// the forced refresh, including for detached submissions.
	OnConfirmed func(ctx context.Context, receipt *Receipt)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGasLimit overrides the gas ceiling.
func WithGasLimit(limit uint64) Option {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.gasLimit = limit
		}
	}
}

// WithConfirmTimeout overrides how long submissions are followed.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.confirmTimeout = d
		}
	}
}

// WithPollInterval overrides the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers an observer for state changes.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

// WithRefresher sets the component refreshed after confirmed writes.
func WithRefresher(r Refresher) Option {
	return func(o *Orchestrator) { o.refresher = r }
}

// WithoutPreflight skips the eth_call simulation before signing.
func WithoutPreflight() Option {
	return func(o *Orchestrator) { o.preflight = false }
}

// WithClock overrides the clock used for latency metrics.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Orchestrator submits transactions for a single identity.
type Orchestrator struct {
	backend ledger.Backend
	signer  Signer
	from    common.Address

	gasLimit       uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration
	preflight      bool
	clock          func() time.Time
	logger         *slog.Logger
	metrics        *observability.BallotMetrics
	tracer         trace.Tracer

	mu        sync.RWMutex
	refresher Refresher
	observers []Observer

	sendMu  sync.Mutex
	chainID *big.Int

	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.Map
}

// New returns an orchestrator that signs as from.
func New(backend ledger.Backend, signer Signer, from common.Address, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		backend:        backend,
		signer:         signer,
		from:           from,
		gasLimit:       DefaultGasLimit,
		confirmTimeout: DefaultConfirmTimeout,
		pollInterval:   DefaultPollInterval,
		preflight:      true,
		clock:          time.Now,
		logger:         slog.Default(),
		metrics:        observability.Ballot(),
		tracer:         otel.Tracer("ballotsync/txn"),
		baseCtx:        ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "txn", "from", from.Hex())
	return o
}

// From returns the submitting identity.
func (o *Orchestrator) From() common.Address { return o.from }

// GasLimit returns the bound gas ceiling.
func (o *Orchestrator) GasLimit() uint64 { return o.gasLimit }

// SetRefresher installs the refresher after construction.
func (o *Orchestrator) SetRefresher(r Refresher) {
	o.mu.Lock()
	o.refresher = r
	o.mu.Unlock()
}

// Observe registers an additional observer.
func (o *Orchestrator) Observe(fn Observer) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// InFlight returns the number of submissions still being followed.
func (o *Orchestrator) InFlight() int {
	n := 0
	o.inflight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops following detached submissions and waits for their watchers.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

type outcome struct {
	receipt *Receipt
	err     error
}

type watch struct {
	call      Call
	data      []byte
	tx        *types.Transaction
	hash      common.Hash
	original  common.Hash
	replaced  bool
	scanFrom  uint64
	submitted time.Time
}

// Submit signs, sends and follows call. A nil error means the transaction was
// mined successfully and the refresher ran. When ctx ends first the
// submission is detached: Submit returns ErrTimeout and the transaction is
// still followed in the background.
func (o *Orchestrator) Submit(ctx context.Context, call Call) (*Receipt, error) {
	ctx, span := o.tracer.Start(ctx, "txn.submit",
		trace.WithAttributes(attribute.String("method", call.Method), attribute.String("to", call.To.Hex())))
	defer span.End()

	receipt, err := o.submit(ctx, call, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "confirmed")
	return receipt, nil
}

func (o *Orchestrator) submit(ctx context.Context, call Call, span trace.Span) (*Receipt, error) {
	if call.ABI == nil {
		return nil, fmt.Errorf("txn: abi required for %s", call.Method)
	}
	data, err := call.ABI.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("txn: pack %s: %w", call.Method, err)
	}
	if o.preflight {
		msg := ethereum.CallMsg{From: o.from, To: &call.To, Gas: o.gasLimit, Data: data}
		if _, err := o.backend.CallContract(ctx, msg, nil); err != nil {
			err = ledger.ClassifyCallError(call.Method, err)
			o.metrics.RecordTransaction(call.Method, "preflight_"+election.KindName(err), 0)
			return nil, err
		}
	}

	w, err := o.send(ctx, call, data)
	if err != nil {
		o.metrics.RecordTransaction(call.Method, election.KindName(err), 0)
		return nil, err
	}
	span.SetAttributes(attribute.String("tx.hash", w.hash.Hex()))
	o.emit(Update{Method: call.Method, Hash: w.hash, State: StateSubmitted})

	done := make(chan outcome, 1)
	o.wg.Add(1)
	o.inflight.Store(w.hash, struct{}{})
	go o.follow(w, done)

	select {
	case res := <-done:
		return res.receipt, res.err
	case <-ctx.Done():
		o.logger.Warn("detached from pending transaction", "method", call.Method, "tx", w.hash.Hex())
		return nil, &election.Error{
			Kind:   election.ErrTimeout,
			Op:     call.Method,
			Reason: "detached while pending",
			TxHash: w.hash,
			Err:    ctx.Err(),
		}
	}
}

func (o *Orchestrator) send(ctx context.Context, call Call, data []byte) (*watch, error) {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	chainID, err := o.chain(ctx)
	if err != nil {
		return nil, err
	}
	head, err := o.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, election.NewError(election.ErrConnectivity, call.Method, "", err)
	}
	nonce, err := o.backend.PendingNonceAt(ctx, o.from)
	if err != nil {
		return nil, election.NewError(election.ErrConnectivity, call.Method, "", err)
	}
	unsigned, err := o.buildTx(ctx, head, chainID, nonce, call.To, data)
	if err != nil {
		return nil, election.NewError(election.ErrConnectivity, call.Method, "", err)
	}
	signed, err := o.signer.SignTx(ctx, o.from, unsigned, chainID)
	if err != nil {
		reason := ""
		if errors.Is(err, wallet.ErrUserRejected) {
			reason = "declined by wallet"
		}
		return nil, election.NewError(election.ErrSignerRejected, call.Method, reason, err)
	}
	if err := o.backend.SendTransaction(ctx, signed); err != nil {
		return nil, election.NewError(election.ErrConnectivity, call.Method, "", err)
	}
	o.logger.Info("transaction submitted", "method", call.Method, "tx", signed.Hash().Hex(), "nonce", nonce)
	return &watch{
		call:      call,
		data:      data,
		tx:        signed,
		hash:      signed.Hash(),
		scanFrom:  head.Number.Uint64() + 1,
		submitted: o.clock(),
	}, nil
}

func (o *Orchestrator) chain(ctx context.Context) (*big.Int, error) {
	if o.chainID != nil {
		return o.chainID, nil
	}
	id, err := o.backend.ChainID(ctx)
	if err != nil {
		return nil, election.NewError(election.ErrConnectivity, "chain id", "", err)
	}
	o.chainID = id
	return id, nil
}

func (o *Orchestrator) buildTx(ctx context.Context, head *types.Header, chainID *big.Int, nonce uint64, to common.Address, data []byte) (*types.Transaction, error) {
	if head.BaseFee != nil {
		tip, err := o.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, err
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       o.gasLimit,
			To:        &to,
			Data:      data,
		}), nil
	}
	price, err := o.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      o.gasLimit,
		To:       &to,
		Data:     data,
	}), nil
}

func (o *Orchestrator) follow(w *watch, done chan<- outcome) {
	defer o.wg.Done()
	defer o.inflight.Delete(w.hash)

	ctx, cancel := context.WithTimeout(o.baseCtx, o.confirmTimeout)
	defer cancel()

	receipt, err := o.await(ctx, w)
	if err == nil {
		if w.call.OnConfirmed != nil {
			w.call.OnConfirmed(ctx, receipt)
		}
		o.refresh(ctx, w.call.Method)
	}
	elapsed := o.clock().Sub(w.submitted)
	if err != nil {
		o.emit(Update{Method: w.call.Method, Hash: w.hash, State: StateRejected, Err: err})
		o.metrics.RecordTransaction(w.call.Method, election.KindName(err), elapsed)
		o.logger.Warn("transaction rejected", "method", w.call.Method, "tx", w.hash.Hex(), "error", err)
	} else {
		o.emit(Update{Method: w.call.Method, Hash: receipt.Hash, State: StateConfirmed})
		o.metrics.RecordTransaction(w.call.Method, "confirmed", elapsed)
		o.logger.Info("transaction confirmed", "method", w.call.Method, "tx", receipt.Hash.Hex(), "block", receipt.Block)
	}
	done <- outcome{receipt: receipt, err: err}
}

func (o *Orchestrator) refresh(ctx context.Context, method string) {
	o.mu.RLock()
	r := o.refresher
	o.mu.RUnlock()
	if r == nil {
		return
	}
	if err := r.ForceRefresh(ctx); err != nil {
		o.logger.Warn("forced refresh after confirmation failed", "method", method, "error", err)
	}
}

func (o *Orchestrator) await(ctx context.Context, w *watch) (*Receipt, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := o.backend.TransactionReceipt(ctx, w.hash)
		switch {
		case err == nil && receipt != nil:
			return o.settle(ctx, w, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound):
			o.logger.Debug("receipt lookup failed", "tx", w.hash.Hex(), "error", err)
		default:
			replacement, err := o.checkReplaced(ctx, w)
			if err != nil {
				return nil, err
			}
			if replacement {
				continue
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &election.Error{Kind: election.ErrTimeout, Op: w.call.Method, Reason: "no receipt before deadline", TxHash: w.hash, Err: ctx.Err()}
			}
			return nil, &election.Error{Kind: election.ErrTimeout, Op: w.call.Method, Reason: "follow cancelled", TxHash: w.hash, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// checkReplaced detects a different transaction mined with our nonce. It
// returns true when the followed hash moved to a replacement.
func (o *Orchestrator) checkReplaced(ctx context.Context, w *watch) (bool, error) {
	mined, err := o.backend.NonceAt(ctx, o.from, nil)
	if err != nil || mined <= w.tx.Nonce() {
		return false, nil
	}
	head, err := o.backend.BlockNumber(ctx)
	if err != nil {
		return false, nil
	}
	signer := types.LatestSignerForChainID(o.chainID)
	for n := w.scanFrom; n <= head; n++ {
		block, err := o.backend.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return false, nil
		}
		for _, tx := range block.Transactions() {
			if tx.Nonce() != w.tx.Nonce() {
				continue
			}
			sender, err := types.Sender(signer, tx)
			if err != nil || sender != o.from {
				continue
			}
			if tx.Hash() == w.hash {
				return false, nil
			}
			if !sameIntent(w.tx, tx) {
				return false, &election.Error{
					Kind:   election.ErrReplaced,
					Op:     w.call.Method,
					Reason: "nonce consumed by a different transaction",
					TxHash: tx.Hash(),
				}
			}
			o.logger.Info("transaction replaced", "method", w.call.Method, "old", w.hash.Hex(), "new", tx.Hash().Hex())
			if !w.replaced {
				w.original = w.hash
			}
			w.replaced = true
			w.hash = tx.Hash()
			o.emit(Update{Method: w.call.Method, Hash: w.hash, State: StateReplaced})
			o.emit(Update{Method: w.call.Method, Hash: w.hash, State: StateSubmitted})
			return true, nil
		}
		w.scanFrom = n + 1
	}
	return false, nil
}

func sameIntent(a, b *types.Transaction) bool {
	if (a.To() == nil) != (b.To() == nil) {
		return false
	}
	if a.To() != nil && *a.To() != *b.To() {
		return false
	}
	return a.Value().Cmp(b.Value()) == 0 && bytes.Equal(a.Data(), b.Data())
}

func (o *Orchestrator) settle(ctx context.Context, w *watch, receipt *types.Receipt) (*Receipt, error) {
	out := &Receipt{
		Method:   w.call.Method,
		Hash:     w.hash,
		Original: w.original,
		Replaced: w.replaced,
		GasUsed:  receipt.GasUsed,
		Logs:     receipt.Logs,
	}
	if receipt.BlockNumber != nil {
		out.Block = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return out, nil
	}
	reason := o.replayReason(ctx, w, receipt.BlockNumber)
	if reason == "" && receipt.GasUsed >= o.gasLimit {
		reason = "out of gas"
	}
	reverted := ledger.RevertError(w.call.Method, reason, nil)
	reverted.TxHash = w.hash
	if w.replaced {
		return nil, &election.Error{
			Kind:   election.ErrReplaced,
			Op:     w.call.Method,
			Reason: "replacement reverted",
			TxHash: w.hash,
			Err:    reverted,
		}
	}
	return nil, reverted
}

func (o *Orchestrator) replayReason(ctx context.Context, w *watch, block *big.Int) string {
	msg := ethereum.CallMsg{From: o.from, To: &w.call.To, Gas: o.gasLimit, Data: w.data}
	_, err := o.backend.CallContract(ctx, msg, block)
	reason, _ := ledger.RevertReason(err)
	return reason
}

func (o *Orchestrator) emit(u Update) {
	o.metrics.RecordTransition(u.State.String())
	o.mu.RLock()
	observers := append([]Observer(nil), o.observers...)
	o.mu.RUnlock()
	for _, fn := range observers {
		fn(u)
	}
}
