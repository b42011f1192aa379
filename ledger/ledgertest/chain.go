// Package ledgertest provides an in-memory EVM ledger that runs the election
// and registry contracts, for tests that need a ledger.Backend.
package ledgertest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"ballotsync/ledger"
)

const (
	// DefaultChainID matches a local development node.
	DefaultChainID = 31337
	// ExecutionGas is charged for every contract call; lower gas limits fail.
	ExecutionGas = 90_000
	transferGas  = 21_000
)

var (
	// ErrNonceTooLow is returned when a transaction reuses a mined nonce.
	ErrNonceTooLow = errors.New("nonce too low")
	// ErrUnderpriced is returned when a replacement does not raise fees.
	ErrUnderpriced = errors.New("replacement transaction underpriced")
	// ErrWrongChain is returned for transactions signed for another chain.
	ErrWrongChain = errors.New("invalid chain id for signer")
)

type pendingKey struct {
	sender common.Address
	nonce  uint64
}

// Chain is a simulated single-node ledger. The zero value is not usable; use
// NewChain.
type Chain struct {
	mu sync.Mutex

	chainID  *big.Int
	signer   types.Signer
	baseFee  *big.Int
	clock    time.Time
	autoMine bool

	blocks    []*types.Block
	receipts  map[common.Hash]*types.Receipt
	txBlocks  map[common.Hash]uint64
	logs      [][]types.Log
	pending   map[pendingKey]*types.Transaction
	nonces    map[common.Address]uint64
	contracts map[common.Address]contract
	deploys   uint64

	subs map[*subscription]struct{}

	callErr   error
	sendErr   error
	filterErr error
	subErr    error
	calls     map[string]int
	sends     int
	filters   int
}

// Option configures a Chain.
type Option func(*Chain)

// WithChainID overrides the chain id.
func WithChainID(id uint64) Option {
	return func(c *Chain) { c.chainID = new(big.Int).SetUint64(id) }
}

// WithManualMining disables automatic mining; call Mine to produce blocks.
func WithManualMining() Option {
	return func(c *Chain) { c.autoMine = false }
}

// WithStartTime sets the timestamp of the genesis block.
func WithStartTime(t time.Time) Option {
	return func(c *Chain) { c.clock = t }
}

// NewChain creates a ledger with a genesis block.
func NewChain(opts ...Option) *Chain {
	c := &Chain{
		chainID:   big.NewInt(DefaultChainID),
		baseFee:   big.NewInt(1_000_000_000),
		clock:     time.Unix(1_700_000_000, 0).UTC(),
		autoMine:  true,
		receipts:  make(map[common.Hash]*types.Receipt),
		txBlocks:  make(map[common.Hash]uint64),
		pending:   make(map[pendingKey]*types.Transaction),
		nonces:    make(map[common.Address]uint64),
		contracts: make(map[common.Address]contract),
		subs:      make(map[*subscription]struct{}),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.signer = types.LatestSignerForChainID(c.chainID)
	genesis := &types.Header{
		Number:   new(big.Int),
		Time:     uint64(c.clock.Unix()),
		GasLimit: 30_000_000,
		BaseFee:  new(big.Int).Set(c.baseFee),
	}
	c.blocks = append(c.blocks, types.NewBlockWithHeader(genesis))
	c.logs = append(c.logs, nil)
	return c
}

// Signer returns the transaction signer for the chain.
func (c *Chain) Signer() types.Signer { return c.signer }

// ChainIDValue returns the chain id as a plain integer.
func (c *Chain) ChainIDValue() uint64 { return c.chainID.Uint64() }

// DeployRegistry installs an election factory and returns its address.
func (c *Chain) DeployRegistry() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := crypto.CreateAddress(common.HexToAddress("0xfac7"), c.deploys)
	c.deploys++
	c.contracts[addr] = &registryContract{}
	return addr
}

// DeployElection installs a standalone election administered by admin.
func (c *Chain) DeployElection(admin common.Address) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := crypto.CreateAddress(common.HexToAddress("0xe1ec"), c.deploys)
	c.deploys++
	c.contracts[addr] = newVotingContract(admin)
	return addr
}

// Now returns the chain clock.
func (c *Chain) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// Advance moves the chain clock forward. The next block carries the new time.
func (c *Chain) Advance(d time.Duration) {
	c.mu.Lock()
	c.clock = c.clock.Add(d)
	c.mu.Unlock()
}

// FailCalls makes every eth_call fail with err until cleared with nil.
func (c *Chain) FailCalls(err error) {
	c.mu.Lock()
	c.callErr = err
	c.mu.Unlock()
}

// FailSends makes every transaction submission fail with err.
func (c *Chain) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// FailFilters makes log queries fail with err.
func (c *Chain) FailFilters(err error) {
	c.mu.Lock()
	c.filterErr = err
	c.mu.Unlock()
}

// FailSubscriptions makes new log subscriptions fail with err.
func (c *Chain) FailSubscriptions(err error) {
	c.mu.Lock()
	c.subErr = err
	c.mu.Unlock()
}

// Calls reports how many eth_call requests hit method.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Sends reports how many transactions were accepted.
func (c *Chain) Sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

// FilterCount reports how many log queries were served.
func (c *Chain) FilterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

// PendingTransaction returns the queued transaction for sender and nonce.
func (c *Chain) PendingTransaction(sender common.Address, nonce uint64) *types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[pendingKey{sender: sender, nonce: nonce}]
}

// PendingCount returns the number of queued transactions.
func (c *Chain) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ChainID implements ledger.Backend.
func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// CallContract executes msg against current state without committing it.
func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}
	if msg.To == nil {
		return nil, fmt.Errorf("ledgertest: contract creation not supported")
	}
	target, ok := c.contracts[*msg.To]
	if !ok {
		return nil, nil
	}
	method, args, err := decodeCall(target, msg.Data)
	if err != nil {
		return nil, err
	}
	c.calls[method]++
	env := &execEnv{chain: c, sender: msg.From, time: c.pendingTime(), dryRun: true}
	out, err := target.clone().invoke(env, *msg.To, method, args)
	if err != nil {
		return nil, err
	}
	return encodeResult(target, method, out)
}

// PendingNonceAt implements ledger.Backend.
func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.nonces[account]
	for key := range c.pending {
		if key.sender == account && key.nonce >= next {
			next = key.nonce + 1
		}
	}
	return next, nil
}

// NonceAt returns the mined nonce; historic block numbers are not tracked.
func (c *Chain) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

// SuggestGasTipCap implements ledger.Backend.
func (c *Chain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

// SuggestGasPrice implements ledger.Backend.
func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

// HeaderByNumber implements ledger.Backend. A nil number selects the head.
func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	block, err := c.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return block.Header(), nil
}

// BlockByNumber implements ledger.Backend.
func (c *Chain) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}
	if number == nil {
		return c.blocks[len(c.blocks)-1], nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(c.blocks)) {
		return nil, ethereum.NotFound
	}
	return c.blocks[number.Uint64()], nil
}

// BlockNumber implements ledger.Backend.
func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callErr != nil {
		return 0, c.callErr
	}
	return uint64(len(c.blocks) - 1), nil
}

// SendTransaction queues tx, replacing a queued transaction with the same
// sender and nonce when the new one pays a higher tip.
func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	if tx.ChainId().Cmp(c.chainID) != 0 {
		c.mu.Unlock()
		return ErrWrongChain
	}
	sender, err := types.Sender(c.signer, tx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if tx.Nonce() < c.nonces[sender] {
		c.mu.Unlock()
		return ErrNonceTooLow
	}
	key := pendingKey{sender: sender, nonce: tx.Nonce()}
	if prev, ok := c.pending[key]; ok && tx.GasTipCap().Cmp(prev.GasTipCap()) <= 0 {
		c.mu.Unlock()
		return ErrUnderpriced
	}
	c.pending[key] = tx
	c.sends++
	auto := c.autoMine
	c.mu.Unlock()
	if auto {
		c.Mine()
	}
	return nil
}

// TransactionReceipt implements ledger.Backend.
func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// Mine includes every executable queued transaction in a new block and
// returns the block number.
func (c *Chain) Mine() uint64 {
	c.mu.Lock()
	parent := c.blocks[len(c.blocks)-1]
	number := parent.NumberU64() + 1
	blockTime := c.pendingTime()

	var (
		txs      types.Transactions
		receipts []*types.Receipt
		blockLog []*types.Log
		gasUsed  uint64
	)
	for _, tx := range c.executable() {
		sender, _ := types.Sender(c.signer, tx)
		delete(c.pending, pendingKey{sender: sender, nonce: tx.Nonce()})
		c.nonces[sender] = tx.Nonce() + 1

		status, used, logs := c.execute(sender, tx, blockTime)
		gasUsed += used
		for _, l := range logs {
			l.BlockNumber = number
			l.TxHash = tx.Hash()
			l.TxIndex = uint(len(txs))
			l.Index = uint(len(blockLog))
			blockLog = append(blockLog, l)
		}
		receipts = append(receipts, &types.Receipt{
			Type:              tx.Type(),
			Status:            status,
			CumulativeGasUsed: gasUsed,
			GasUsed:           used,
			Logs:              logs,
			TxHash:            tx.Hash(),
			BlockNumber:       new(big.Int).SetUint64(number),
			TransactionIndex:  uint(len(txs)),
		})
		txs = append(txs, tx)
	}

	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).SetUint64(number),
		Time:       blockTime,
		GasLimit:   parent.GasLimit(),
		GasUsed:    gasUsed,
		BaseFee:    new(big.Int).Set(c.baseFee),
	}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
	hash := block.Hash()
	flat := make([]types.Log, 0, len(blockLog))
	for _, l := range blockLog {
		l.BlockHash = hash
		flat = append(flat, *l)
	}
	for _, r := range receipts {
		r.BlockHash = hash
		c.receipts[r.TxHash] = r
		c.txBlocks[r.TxHash] = number
	}
	c.blocks = append(c.blocks, block)
	c.logs = append(c.logs, flat)
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(flat)
	}
	return number
}

func (c *Chain) pendingTime() uint64 {
	parent := c.blocks[len(c.blocks)-1].Time()
	now := uint64(c.clock.Unix())
	if now <= parent {
		return parent + 1
	}
	return now
}

// executable returns queued transactions whose nonce is next for their
// sender, ordered by sender then nonce.
func (c *Chain) executable() []*types.Transaction {
	keys := make([]pendingKey, 0, len(c.pending))
	for key := range c.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sender != keys[j].sender {
			return keys[i].sender.Cmp(keys[j].sender) < 0
		}
		return keys[i].nonce < keys[j].nonce
	})
	next := make(map[common.Address]uint64)
	var out []*types.Transaction
	for _, key := range keys {
		expected, ok := next[key.sender]
		if !ok {
			expected = c.nonces[key.sender]
		}
		if key.nonce != expected {
			continue
		}
		next[key.sender] = expected + 1
		out = append(out, c.pending[key])
	}
	return out
}

func (c *Chain) execute(sender common.Address, tx *types.Transaction, blockTime uint64) (uint64, uint64, []*types.Log) {
	if tx.To() == nil {
		return types.ReceiptStatusFailed, tx.Gas(), nil
	}
	target, ok := c.contracts[*tx.To()]
	if !ok {
		return types.ReceiptStatusSuccessful, transferGas, nil
	}
	if tx.Gas() < ExecutionGas {
		return types.ReceiptStatusFailed, tx.Gas(), nil
	}
	method, args, err := decodeCall(target, tx.Data())
	if err != nil {
		return types.ReceiptStatusFailed, ExecutionGas, nil
	}
	env := &execEnv{chain: c, sender: sender, time: blockTime}
	work := target.clone()
	if _, err := work.invoke(env, *tx.To(), method, args); err != nil {
		return types.ReceiptStatusFailed, ExecutionGas, nil
	}
	c.contracts[*tx.To()] = work
	return types.ReceiptStatusSuccessful, ExecutionGas, toLogs(env.logs)
}

// FilterLogs implements ledger.Backend.
func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filterErr != nil {
		return nil, c.filterErr
	}
	c.filters++
	head := uint64(len(c.blocks) - 1)
	from, to := uint64(0), head
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	if q.ToBlock != nil && q.ToBlock.Uint64() < head {
		to = q.ToBlock.Uint64()
	}
	var out []types.Log
	for n := from; n <= to && n <= head; n++ {
		for _, l := range c.logs[n] {
			if matches(q, l) {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

// SubscribeFilterLogs implements ledger.Backend.
func (c *Chain) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	sub := newSubscription(c, q, ch)
	c.subs[sub] = struct{}{}
	return sub, nil
}

// Subscriptions reports the number of live log subscriptions.
func (c *Chain) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// DropSubscriptions terminates every live subscription with err, the way a
// provider reports a lost websocket.
func (c *Chain) DropSubscriptions(err error) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.fail(err)
	}
}

func (c *Chain) removeSub(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

func matches(q ethereum.FilterQuery, l types.Log) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, addr := range q.Addresses {
			if addr == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, alternatives := range q.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, topic := range alternatives {
			if topic == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// NewKey returns a fresh secp256k1 key and its address.
func NewKey() (*ecdsa.PrivateKey, common.Address) {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// Transact signs and sends a contract call from key, returning the receipt.
// Tests use it to drive the ledger directly, outside the orchestrator.
func (c *Chain) Transact(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (*types.Receipt, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	tx, err := types.SignNewTx(key, c.signer, &types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(3_000_000_000),
		Gas:       200_000,
		To:        &to,
		Data:      data,
	})
	if err != nil {
		return nil, err
	}
	if err := c.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	auto := c.autoMine
	c.mu.Unlock()
	if !auto {
		c.Mine()
	}
	return c.TransactionReceipt(ctx, tx.Hash())
}

var _ ledger.Backend = (*Chain)(nil)
