// Package explorer builds block explorer links for ledger artifacts.
package explorer

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Links formats URLs against an explorer base such as
// https://www.oklink.com/amoy. An empty base yields empty links.
type Links struct {
	Base string
}

func (l Links) base() string {
	return strings.TrimRight(strings.TrimSpace(l.Base), "/")
}

// Tx returns the explorer page of a transaction.
func (l Links) Tx(hash common.Hash) string {
	if l.base() == "" {
		return ""
	}
	return l.base() + "/tx/" + hash.Hex()
}

// Address returns the explorer page of an account or contract.
func (l Links) Address(addr common.Address) string {
	if l.base() == "" {
		return ""
	}
	return l.base() + "/address/" + addr.Hex()
}

// ShortAddress abbreviates addr as 0x1234...abcd for display.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}

// ActionLabel returns the display label for a ledger event kind.
func ActionLabel(kind string) string {
	normalized := strings.TrimSpace(kind)
	switch normalized {
	case "VoteCast":
		return "Vote cast"
	case "VoterRegistered":
		return "Voter registered"
	case "CandidateAdded":
		return "Candidate added"
	case "VotingStarted":
		return "Voting started"
	case "VotingEnded":
		return "Voting ended"
	case "ElectionCreated":
		return "Election created"
	case "":
		return "Unknown"
	}
	return normalized
}
