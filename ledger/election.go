package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"ballotsync/election"
)

// Election is a read binding for one election contract.
type Election struct {
	caller  Caller
	address common.Address
	from    common.Address
}

// NewElection binds the election contract at address.
func NewElection(caller Caller, address common.Address) *Election {
	return &Election{caller: caller, address: address}
}

// From returns a copy of the binding that issues calls from the given
// account. Contracts that read msg.sender see that account.
func (e *Election) From(account common.Address) *Election {
	clone := *e
	clone.from = account
	return &clone
}

// Address returns the bound contract address.
func (e *Election) Address() common.Address { return e.address }

func (e *Election) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	return callContract(ctx, e.caller, VotingABI, e.from, e.address, method, args...)
}

// Admin returns the administrator of the election.
func (e *Election) Admin(ctx context.Context) (common.Address, error) {
	out, err := e.call(ctx, "admin")
	if err != nil {
		return common.Address{}, err
	}
	return asAddress("admin", out, 0)
}

// Started reports whether voting has been started.
func (e *Election) Started(ctx context.Context) (bool, error) {
	out, err := e.call(ctx, "votingStarted")
	if err != nil {
		return false, err
	}
	return asBool("votingStarted", out, 0)
}

// Ended reports whether voting has been ended on the ledger.
func (e *Election) Ended(ctx context.Context) (bool, error) {
	out, err := e.call(ctx, "votingEnded")
	if err != nil {
		return false, err
	}
	return asBool("votingEnded", out, 0)
}

// Deadline returns the voting deadline. A zero deadline maps to the zero time.
func (e *Election) Deadline(ctx context.Context) (time.Time, error) {
	out, err := e.call(ctx, "votingDeadline")
	if err != nil {
		return time.Time{}, err
	}
	secs, err := asUint64("votingDeadline", out, 0)
	if err != nil || secs == 0 {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

// CandidatesCount returns the number of candidates.
func (e *Election) CandidatesCount(ctx context.Context) (uint64, error) {
	out, err := e.call(ctx, "candidatesCount")
	if err != nil {
		return 0, err
	}
	return asUint64("candidatesCount", out, 0)
}

// Candidate reads candidate id.
func (e *Election) Candidate(ctx context.Context, id uint64) (election.Candidate, error) {
	out, err := e.call(ctx, "candidates", new(big.Int).SetUint64(id))
	if err != nil {
		return election.Candidate{}, err
	}
	cid, err := asUint64("candidates.id", out, 0)
	if err != nil {
		return election.Candidate{}, err
	}
	name, ok := out[1].(string)
	if !ok {
		return election.Candidate{}, decodeError("candidates.name", out[1])
	}
	votes, err := asUint64("candidates.voteCount", out, 2)
	if err != nil {
		return election.Candidate{}, err
	}
	return election.Candidate{ID: cid, Name: name, VoteCount: votes}, nil
}

// Voter reads the voter record for account.
func (e *Election) Voter(ctx context.Context, account common.Address) (election.VoterRecord, error) {
	out, err := e.call(ctx, "voters", account)
	if err != nil {
		return election.VoterRecord{}, err
	}
	record := election.VoterRecord{Address: account}
	if record.IsRegistered, err = asBool("voters.isRegistered", out, 0); err != nil {
		return election.VoterRecord{}, err
	}
	if record.HasVoted, err = asBool("voters.hasVoted", out, 1); err != nil {
		return election.VoterRecord{}, err
	}
	if record.VotedCandidateID, err = asUint64("voters.votedCandidateId", out, 2); err != nil {
		return election.VoterRecord{}, err
	}
	hash, ok := out[3].([32]byte)
	if !ok {
		return election.VoterRecord{}, decodeError("voters.credentialIdHash", out[3])
	}
	record.CredentialHash = common.Hash(hash)
	return record, nil
}

// VoterAddresses lists every registered voter.
func (e *Election) VoterAddresses(ctx context.Context) ([]common.Address, error) {
	out, err := e.call(ctx, "getVoterAddresses")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, decodeError("getVoterAddresses", nil)
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, decodeError("getVoterAddresses", out[0])
	}
	return addrs, nil
}

// Winner returns the winner name. The contract reverts until voting ended.
func (e *Election) Winner(ctx context.Context) (string, error) {
	out, err := e.call(ctx, "getWinner")
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", decodeError("getWinner", nil)
	}
	name, ok := out[0].(string)
	if !ok {
		return "", decodeError("getWinner", out[0])
	}
	return name, nil
}

// Registry is a read binding for the election factory.
type Registry struct {
	caller  Caller
	address common.Address
}

// NewRegistry binds the factory at address.
func NewRegistry(caller Caller, address common.Address) *Registry {
	return &Registry{caller: caller, address: address}
}

// Address returns the factory address.
func (r *Registry) Address() common.Address { return r.address }

// LatestElection returns the address of the most recently created election.
func (r *Registry) LatestElection(ctx context.Context) (common.Address, error) {
	out, err := callContract(ctx, r.caller, RegistryABI, common.Address{}, r.address, "latestElection")
	if err != nil {
		return common.Address{}, err
	}
	return asAddress("latestElection", out, 0)
}

func callContract(ctx context.Context, caller Caller, contract *abi.ABI, from, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	raw, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, ClassifyCallError(method, err)
	}
	if len(raw) == 0 {
		return nil, election.NewError(election.ErrConnectivity, method, "empty response", nil)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return out, nil
}

func decodeError(field string, v interface{}) error {
	return fmt.Errorf("ledger: unexpected %s value %T", field, v)
}

func asBool(field string, out []interface{}, i int) (bool, error) {
	if len(out) <= i {
		return false, decodeError(field, nil)
	}
	v, ok := out[i].(bool)
	if !ok {
		return false, decodeError(field, out[i])
	}
	return v, nil
}

func asAddress(field string, out []interface{}, i int) (common.Address, error) {
	if len(out) <= i {
		return common.Address{}, decodeError(field, nil)
	}
	v, ok := out[i].(common.Address)
	if !ok {
		return common.Address{}, decodeError(field, out[i])
	}
	return v, nil
}

func asUint64(field string, out []interface{}, i int) (uint64, error) {
	if len(out) <= i {
		return 0, decodeError(field, nil)
	}
	v, ok := out[i].(*big.Int)
	if !ok || v == nil {
		return 0, decodeError(field, out[i])
	}
	return ToUint64(field, v)
}

// ToUint64 narrows a uint256 ledger value, rejecting negative and overflowing
// values.
func ToUint64(field string, v *big.Int) (uint64, error) {
	if v.Sign() < 0 {
		return 0, fmt.Errorf("ledger: %s is negative", field)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return 0, fmt.Errorf("ledger: %s out of uint256 range", field)
	}
	if !u.IsUint64() {
		return 0, fmt.Errorf("ledger: %s exceeds uint64", field)
	}
	return u.Uint64(), nil
}
