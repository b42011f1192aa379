package election

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Error kinds. Every failure surfaced by the orchestrator, the gate or the
// session wraps exactly one of these.
var (
	ErrConnectivity   = errors.New("election: ledger or wallet unreachable")
	ErrUnauthorized   = errors.New("election: caller not authorized")
	ErrWrongPhase     = errors.New("election: action not allowed in current phase")
	ErrAlreadyDone    = errors.New("election: action already performed")
	ErrSignerRejected = errors.New("election: signer rejected request")
	ErrReverted       = errors.New("election: transaction reverted")
	ErrReplaced       = errors.New("election: transaction replaced")
	ErrTimeout        = errors.New("election: confirmation timed out")
	ErrNotAvailable   = errors.New("election: result not available")
)

// Error carries the kind of a failure plus the ledger context it happened in.
type Error struct {
	Kind   error
	Op     string
	Reason string
	TxHash common.Hash
	Err    error
}

// NewError builds an Error of the given kind.
func NewError(kind error, op, reason string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(strings.TrimPrefix(e.Kind.Error(), "election: "))
	} else {
		b.WriteString("failed")
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " tx=%s", e.TxHash.Hex())
	}
	if e.Err != nil && e.Reason == "" {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the taxonomy kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrAlreadyDone, ErrUnauthorized, ErrWrongPhase, ErrReplaced,
		ErrSignerRejected, ErrTimeout, ErrNotAvailable, ErrReverted, ErrConnectivity,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName renders a short label for err, used by metrics and the journal.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrConnectivity:
		return "connectivity"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrWrongPhase:
		return "wrong_phase"
	case ErrAlreadyDone:
		return "already_done"
	case ErrSignerRejected:
		return "signer_rejected"
	case ErrReverted:
		return "reverted"
	case ErrReplaced:
		return "replaced"
	case ErrTimeout:
		return "timeout"
	case ErrNotAvailable:
		return "not_available"
	case nil:
		if err == nil {
			return "ok"
		}
	}
	return "unknown"
}

// ClassifyReason maps a revert reason to a taxonomy kind. Reasons it does not
// recognise stay ErrReverted.
func ClassifyReason(reason string) error {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "only admin"), strings.Contains(r, "not admin"), strings.Contains(r, "unauthorized"),
		strings.Contains(r, "credential mismatch"):
		return ErrUnauthorized
	case strings.Contains(r, "already voted"), strings.Contains(r, "already registered"):
		return ErrAlreadyDone
	case strings.Contains(r, "not registered"),
		strings.Contains(r, "already started"),
		strings.Contains(r, "registration closed"),
		strings.Contains(r, "not active"),
		strings.Contains(r, "not started"),
		strings.Contains(r, "not ended"),
		strings.Contains(r, "already ended"),
		strings.Contains(r, "deadline"),
		strings.Contains(r, "invalid candidate"),
		strings.Contains(r, "no candidates"):
		return ErrWrongPhase
	}
	return ErrReverted
}
