package session

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"

	"ballotsync/election"
	"ballotsync/phase"
)

// CandidateView is a candidate with its local display metadata.
type CandidateView struct {
	election.Candidate
	ImageURL string `json:"imageUrl,omitempty"`
}

// Snapshot is the last complete read of the ledger. It is replaced as a
// whole; partial reads never reach it.
type Snapshot struct {
	Registry           common.Address       `json:"registry"`
	Election           common.Address       `json:"election"`
	Epoch              uint64               `json:"epoch"`
	Admin              common.Address       `json:"admin"`
	Identity           common.Address       `json:"identity"`
	IsAdmin            bool                 `json:"isAdmin"`
	Flags              election.Flags       `json:"flags"`
	Candidates         []CandidateView      `json:"candidates"`
	VoterCount         int                  `json:"voterCount"`
	Record             election.VoterRecord `json:"record"`
	VotedCandidateName string               `json:"votedCandidateName,omitempty"`
	Block              uint64               `json:"block"`
	ReadAt             time.Time            `json:"readAt"`
	Version            uint64               `json:"version"`
	Fingerprint        string               `json:"fingerprint"`
}

// View derives the phase view at now.
func (s Snapshot) View(now time.Time) phase.View {
	return phase.Evaluate(s.Flags, now)
}

// Candidate returns candidate id from the snapshot.
func (s Snapshot) Candidate(id uint64) (CandidateView, bool) {
	for _, c := range s.Candidates {
		if c.ID == id {
			return c, true
		}
	}
	return CandidateView{}, false
}

// TotalVotes sums the vote counts.
func (s Snapshot) TotalVotes() uint64 {
	var total uint64
	for _, c := range s.Candidates {
		total += c.VoteCount
	}
	return total
}

// fingerprint hashes the ledger-derived content, ignoring read metadata.
func (s Snapshot) fingerprint() string {
	content := s
	content.Block = 0
	content.ReadAt = time.Time{}
	content.Version = 0
	content.Fingerprint = ""
	raw, err := json.Marshal(struct {
		Snapshot
		Credential common.Hash
	}{content, s.Record.CredentialHash})
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
