package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const votingABIJSON = `[
  {"type":"function","name":"admin","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"votingStarted","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"votingEnded","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"votingDeadline","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"candidatesCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"candidates","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"name","type":"string"},{"name":"voteCount","type":"uint256"}]},
  {"type":"function","name":"voters","stateMutability":"view","inputs":[{"name":"","type":"address"}],
   "outputs":[{"name":"isRegistered","type":"bool"},{"name":"hasVoted","type":"bool"},{"name":"votedCandidateId","type":"uint256"},{"name":"credentialIdHash","type":"bytes32"}]},
  {"type":"function","name":"getVoterAddresses","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"getWinner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"addCandidate","stateMutability":"nonpayable","inputs":[{"name":"name","type":"string"}],"outputs":[]},
  {"type":"function","name":"startVoting","stateMutability":"nonpayable","inputs":[{"name":"deadline","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"endVoting","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"registerVoter","stateMutability":"nonpayable","inputs":[{"name":"credentialIdHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"vote","stateMutability":"nonpayable","inputs":[{"name":"candidateId","type":"uint256"},{"name":"credentialIdHash","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"CandidateAdded","anonymous":false,"inputs":[{"name":"candidateId","type":"uint256","indexed":false},{"name":"name","type":"string","indexed":false}]},
  {"type":"event","name":"VoterRegistered","anonymous":false,"inputs":[{"name":"voter","type":"address","indexed":true},{"name":"credentialIdHash","type":"bytes32","indexed":false}]},
  {"type":"event","name":"VotingStarted","anonymous":false,"inputs":[{"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"VotingEnded","anonymous":false,"inputs":[]},
  {"type":"event","name":"VoteCast","anonymous":false,"inputs":[{"name":"voter","type":"address","indexed":true},{"name":"candidateId","type":"uint256","indexed":false}]}
]`

const registryABIJSON = `[
  {"type":"function","name":"latestElection","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"createElection","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"ElectionCreated","anonymous":false,"inputs":[{"name":"election","type":"address","indexed":true},{"name":"admin","type":"address","indexed":true}]}
]`

var (
	// VotingABI describes the election contract.
	VotingABI = mustParseABI("voting", votingABIJSON)
	// RegistryABI describes the factory that tracks the latest election.
	RegistryABI = mustParseABI("registry", registryABIJSON)
)

func mustParseABI(name, raw string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse %s abi: %v", name, err))
	}
	return &parsed
}
