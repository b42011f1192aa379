package reconcile

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"ballotsync/election"
	"ballotsync/explorer"
	"ballotsync/ledger"
	"ballotsync/storage"
)

const (
	// DefaultAuditWindow is how many recent blocks an audit scan covers.
	DefaultAuditWindow uint64 = 5000
	// DefaultAuditLimit is how many events an audit returns.
	DefaultAuditLimit = 10
)

// ActiveResolver yields the election currently in scope.
type ActiveResolver interface {
	Active(ctx context.Context) (common.Address, error)
}

// AuditLog serves recent ledger events. Decoded events are cached per chain
// and contract so repeat scans only query blocks past the last scanned
// height. A cursor ahead of the chain head means the chain was reset, and the
// contract's cached events are dropped.
type AuditLog struct {
	backend  ledger.Backend
	resolver ActiveResolver
	cache    storage.Database
	links    explorer.Links
	window   uint64
	limit    int
	logger   *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

// AuditOption configures an AuditLog.
type AuditOption func(*AuditLog)

// WithWindow overrides the scanned block window.
func WithWindow(blocks uint64) AuditOption {
	return func(a *AuditLog) {
		if blocks > 0 {
			a.window = blocks
		}
	}
}

// WithLimit overrides the default result size.
func WithLimit(n int) AuditOption {
	return func(a *AuditLog) {
		if n > 0 {
			a.limit = n
		}
	}
}

// WithExplorer sets the explorer used for event links.
func WithExplorer(links explorer.Links) AuditOption {
	return func(a *AuditLog) { a.links = links }
}

// WithAuditLogger sets the logger.
func WithAuditLogger(logger *slog.Logger) AuditOption {
	return func(a *AuditLog) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAuditLog returns an audit log backed by cache. A nil cache uses memory.
func NewAuditLog(backend ledger.Backend, resolver ActiveResolver, cache storage.Database, opts ...AuditOption) *AuditLog {
	if cache == nil {
		cache = storage.NewMemDB()
	}
	a := &AuditLog{
		backend:  backend,
		resolver: resolver,
		cache:    cache,
		window:   DefaultAuditWindow,
		limit:    DefaultAuditLimit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "audit")
	return a
}

// Recent returns the newest events of the given kinds within the window,
// ordered by descending block height and log index. limit <= 0 selects the
// configured default.
func (a *AuditLog) Recent(ctx context.Context, kinds []election.EventKind, limit int) ([]election.AuditEvent, error) {
	if limit <= 0 {
		limit = a.limit
	}
	if len(kinds) == 0 {
		kinds = []election.EventKind{election.EventVoteCast}
	}
	contract, err := a.resolver.Active(ctx)
	if err != nil {
		return nil, err
	}
	chainID, err := a.network(ctx)
	if err != nil {
		return nil, err
	}
	scope := auditScope{chainID: chainID, contract: contract}
	head, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return nil, election.NewError(election.ErrConnectivity, "block number", "", err)
	}
	from := uint64(0)
	if head+1 > a.window {
		from = head + 1 - a.window
	}
	if err := a.sync(ctx, scope, from, head); err != nil {
		return nil, err
	}

	wanted := make(map[election.EventKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	var events []election.AuditEvent
	var decodeErr error
	err = a.cache.Iterate(scope.eventPrefix(), func(_, value []byte) bool {
		var ev election.AuditEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			decodeErr = err
			return false
		}
		if ev.BlockHeight >= from && wanted[ev.Kind] {
			events = append(events, ev)
		}
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: read audit cache: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[j].Before(events[i]) })
	if len(events) > limit {
		events = events[:limit]
	}
	for i := range events {
		events[i].ExplorerURL = a.links.Tx(events[i].TxHash)
	}
	return events, nil
}

func (a *AuditLog) network(ctx context.Context) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chainID == nil {
		id, err := a.backend.ChainID(ctx)
		if err != nil {
			return nil, election.NewError(election.ErrConnectivity, "chain id", "", err)
		}
		a.chainID = id
	}
	return a.chainID, nil
}

// sync fetches logs for blocks not yet cached and stores them.
func (a *AuditLog) sync(ctx context.Context, scope auditScope, from, head uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	contract := scope.contract
	start := from
	cursor, err := a.cursor(scope)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("reconcile: read audit cursor: %w", err)
	case cursor > head+1:
		a.logger.Warn("audit cursor ahead of chain head, dropping cached events",
			"election", contract.Hex(), "cursor", cursor, "head", head)
		if err := a.reset(scope); err != nil {
			return fmt.Errorf("reconcile: reset audit cache: %w", err)
		}
	case cursor > start:
		start = cursor
	}
	if start > head {
		return nil
	}
	q, err := ledger.FilterQuery(contract, election.ElectionEvents,
		new(big.Int).SetUint64(start), new(big.Int).SetUint64(head))
	if err != nil {
		return err
	}
	logs, err := a.backend.FilterLogs(ctx, q)
	if err != nil {
		return election.NewError(election.ErrConnectivity, "filter logs", "", err)
	}
	batch := a.cache.NewBatch()
	for _, raw := range logs {
		if raw.Removed {
			continue
		}
		ev, err := ledger.ParseEvent(raw)
		if err != nil {
			a.logger.Debug("skipping undecodable log", "tx", raw.TxHash.Hex(), "error", err)
			continue
		}
		value, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		batch.Put(scope.eventKey(ev.BlockHeight, ev.LogIndex), value)
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, head+1)
	batch.Put(scope.cursorKey(), next)
	if err := batch.Write(); err != nil {
		return fmt.Errorf("reconcile: write audit cache: %w", err)
	}
	a.logger.Debug("audit scan", "election", contract.Hex(), "from", start, "to", head, "logs", len(logs))
	return nil
}

func (a *AuditLog) cursor(scope auditScope) (uint64, error) {
	raw, err := a.cache.Get(scope.cursorKey())
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("malformed cursor")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// reset drops every cached event and the cursor of scope in one write.
func (a *AuditLog) reset(scope auditScope) error {
	batch := a.cache.NewBatch()
	if err := a.cache.Iterate(scope.eventPrefix(), func(key, _ []byte) bool {
		batch.Delete(key)
		return true
	}); err != nil {
		return err
	}
	batch.Delete(scope.cursorKey())
	return batch.Write()
}

// auditScope keys the cache by chain and contract.
type auditScope struct {
	chainID  *big.Int
	contract common.Address
}

func (s auditScope) suffix() []byte {
	key := binary.BigEndian.AppendUint64(nil, s.chainID.Uint64())
	return append(key, s.contract.Bytes()...)
}

func (s auditScope) eventPrefix() []byte {
	return append([]byte("audit/event/"), s.suffix()...)
}

func (s auditScope) eventKey(block uint64, index uint) []byte {
	key := s.eventPrefix()
	key = binary.BigEndian.AppendUint64(key, block)
	return binary.BigEndian.AppendUint32(key, uint32(index))
}

func (s auditScope) cursorKey() []byte {
	return append([]byte("audit/cursor/"), s.suffix()...)
}
