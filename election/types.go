// Package election holds the data model shared by every ballotsync component:
// candidates, voter records, the ledger phase flags and audit events.
package election

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Candidate mirrors a candidate row on the ledger. IDs start at 1.
type Candidate struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	VoteCount uint64 `json:"voteCount"`
}

// VoterRecord is the per-identity registration and participation state.
type VoterRecord struct {
	Address          common.Address `json:"address"`
	IsRegistered     bool           `json:"isRegistered"`
	HasVoted         bool           `json:"hasVoted"`
	VotedCandidateID uint64         `json:"votedCandidateId"`
	CredentialHash   common.Hash    `json:"-"`
}

// Valid reports whether the record respects hasVoted => registered and a
// non-zero candidate.
func (r VoterRecord) Valid() bool {
	if !r.HasVoted {
		return r.VotedCandidateID == 0
	}
	return r.IsRegistered && r.VotedCandidateID > 0
}

// Flags are the authoritative lifecycle values read from the ledger.
type Flags struct {
	Started  bool      `json:"started"`
	Ended    bool      `json:"ended"`
	Deadline time.Time `json:"deadline"`
}

// EventKind names a ledger event the client listens to.
type EventKind string

const (
	EventCandidateAdded  EventKind = "CandidateAdded"
	EventVoterRegistered EventKind = "VoterRegistered"
	EventVotingStarted   EventKind = "VotingStarted"
	EventVotingEnded     EventKind = "VotingEnded"
	EventVoteCast        EventKind = "VoteCast"
	EventElectionCreated EventKind = "ElectionCreated"
)

// ElectionEvents lists the kinds emitted by an election contract.
var ElectionEvents = []EventKind{
	EventCandidateAdded,
	EventVoterRegistered,
	EventVotingStarted,
	EventVotingEnded,
	EventVoteCast,
}

// AuditEvent is one historical ledger event. Ordering is by block height and
// log index, never by the time the client observed it.
type AuditEvent struct {
	Kind        EventKind      `json:"kind"`
	Contract    common.Address `json:"contract"`
	BlockHeight uint64         `json:"blockHeight"`
	LogIndex    uint           `json:"logIndex"`
	TxHash      common.Hash    `json:"txHash"`
	Participant common.Address `json:"participant,omitempty"`
	CandidateID uint64         `json:"candidateId,omitempty"`
	Name        string         `json:"name,omitempty"`
	ExplorerURL string         `json:"explorerUrl,omitempty"`
}

// Before reports whether e precedes other in ledger order.
func (e AuditEvent) Before(other AuditEvent) bool {
	if e.BlockHeight != other.BlockHeight {
		return e.BlockHeight < other.BlockHeight
	}
	return e.LogIndex < other.LogIndex
}
