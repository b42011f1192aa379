package ledger

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"ballotsync/election"
)

const revertedPrefix = "execution reverted"

// RevertReason extracts the Error(string) reason carried by a failed call.
// The second result reports whether err describes a revert at all.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(raw); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
				return "", true
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(msg, revertedPrefix)
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len(revertedPrefix):], ":"))
	return reason, true
}

// ClassifyCallError converts a read or pre-flight failure into the error
// taxonomy. Reverts keep their reason; everything else is connectivity.
func ClassifyCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *election.Error
	if errors.As(err, &typed) {
		return err
	}
	if reason, ok := RevertReason(err); ok {
		return RevertError(op, reason, err)
	}
	return election.NewError(election.ErrConnectivity, op, "", err)
}

// RevertError builds a reverted-call error whose kind is derived from the
// reason. errors.Is(err, election.ErrReverted) always holds.
func RevertError(op, reason string, cause error) *election.Error {
	kind := election.ClassifyReason(reason)
	inner := election.ErrReverted
	if cause != nil {
		inner = errors.Join(election.ErrReverted, cause)
	}
	return &election.Error{Kind: kind, Op: op, Reason: reason, Err: inner}
}
