package txn

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// State is the position of a submission in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateSubmitted
	StateReplaced
	StateConfirmed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitted:
		return "submitted"
	case StateReplaced:
		return "replaced"
	case StateConfirmed:
		return "confirmed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool { return s == StateConfirmed || s == StateRejected }

// Update is delivered to observers on every state change.
type Update struct {
	Method string
	Hash   common.Hash
	State  State
	Err    error
}

// Observer receives state changes. It must not block.
type Observer func(Update)

// Receipt describes a confirmed submission.
type Receipt struct {
	Method   string
	Hash     common.Hash
	Original common.Hash
	Replaced bool
	Block    uint64
	GasUsed  uint64
	Logs     []*types.Log
}
