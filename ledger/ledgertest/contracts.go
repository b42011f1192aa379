package ledgertest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"ballotsync/election"
	"ballotsync/ledger"
)

// Revert reasons emitted by the simulated contracts.
const (
	ReasonOnlyAdmin          = "Only admin"
	ReasonAlreadyStarted     = "Voting already started"
	ReasonRegistrationClosed = "Registration closed"
	ReasonAlreadyRegistered  = "Already registered"
	ReasonNotRegistered      = "Not registered"
	ReasonAlreadyVoted       = "Already voted"
	ReasonNotActive          = "Voting not active"
	ReasonInvalidCandidate   = "Invalid candidate"
	ReasonCredentialMismatch = "Credential mismatch"
	ReasonNotEnded           = "Voting not ended"
	ReasonDeadlinePast       = "Deadline must be in the future"
	ReasonNoCandidates       = "No candidates"
)

var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// RevertError mimics the JSON-RPC error returned for a reverted call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// ErrorCode matches the code geth uses for reverts.
func (e *RevertError) ErrorCode() int { return 3 }

// ErrorData returns the ABI encoded Error(string) payload.
func (e *RevertError) ErrorData() interface{} {
	stringTy, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(e.Reason)
	if err != nil {
		return ""
	}
	return hexutil.Encode(append(append([]byte{}, revertSelector...), packed...))
}

func revert(reason string) error { return &RevertError{Reason: reason} }

type emitted struct {
	address common.Address
	topics  []common.Hash
	data    []byte
}

type execEnv struct {
	chain  *Chain
	sender common.Address
	time   uint64
	dryRun bool
	logs   []emitted
}

func (env *execEnv) emit(address common.Address, kind election.EventKind, indexed []common.Hash, args ...interface{}) error {
	topic, err := ledger.EventTopic(kind)
	if err != nil {
		return err
	}
	data, err := ledger.PackEvent(kind, args...)
	if err != nil {
		return err
	}
	env.logs = append(env.logs, emitted{address: address, topics: append([]common.Hash{topic}, indexed...), data: data})
	return nil
}

type contract interface {
	abi() *abi.ABI
	clone() contract
	invoke(env *execEnv, self common.Address, method string, args []interface{}) ([]interface{}, error)
}

type candidate struct {
	name  string
	votes uint64
}

type voter struct {
	registered bool
	voted      bool
	choice     uint64
	credential [32]byte
}

type votingContract struct {
	admin      common.Address
	started    bool
	ended      bool
	deadline   uint64
	candidates []candidate
	voters     map[common.Address]*voter
	voterList  []common.Address
}

func newVotingContract(admin common.Address) *votingContract {
	return &votingContract{admin: admin, voters: make(map[common.Address]*voter)}
}

func (c *votingContract) abi() *abi.ABI { return ledger.VotingABI }

func (c *votingContract) clone() contract {
	out := *c
	out.candidates = append([]candidate{}, c.candidates...)
	out.voterList = append([]common.Address{}, c.voterList...)
	out.voters = make(map[common.Address]*voter, len(c.voters))
	for addr, v := range c.voters {
		copied := *v
		out.voters[addr] = &copied
	}
	return &out
}

func (c *votingContract) invoke(env *execEnv, self common.Address, method string, args []interface{}) ([]interface{}, error) {
	switch method {
	case "admin":
		return []interface{}{c.admin}, nil
	case "votingStarted":
		return []interface{}{c.started}, nil
	case "votingEnded":
		return []interface{}{c.ended}, nil
	case "votingDeadline":
		return []interface{}{new(big.Int).SetUint64(c.deadline)}, nil
	case "candidatesCount":
		return []interface{}{big.NewInt(int64(len(c.candidates)))}, nil
	case "candidates":
		id := args[0].(*big.Int)
		if !id.IsUint64() || id.Uint64() == 0 || id.Uint64() > uint64(len(c.candidates)) {
			return []interface{}{new(big.Int), "", new(big.Int)}, nil
		}
		cand := c.candidates[id.Uint64()-1]
		return []interface{}{new(big.Int).Set(id), cand.name, new(big.Int).SetUint64(cand.votes)}, nil
	case "voters":
		v := c.voters[args[0].(common.Address)]
		if v == nil {
			return []interface{}{false, false, new(big.Int), [32]byte{}}, nil
		}
		return []interface{}{v.registered, v.voted, new(big.Int).SetUint64(v.choice), v.credential}, nil
	case "getVoterAddresses":
		return []interface{}{append([]common.Address{}, c.voterList...)}, nil
	case "getWinner":
		if !c.ended {
			return nil, revert(ReasonNotEnded)
		}
		if len(c.candidates) == 0 {
			return nil, revert(ReasonNoCandidates)
		}
		best := 0
		for i, cand := range c.candidates {
			if cand.votes > c.candidates[best].votes {
				best = i
			}
		}
		return []interface{}{c.candidates[best].name}, nil
	case "addCandidate":
		if env.sender != c.admin {
			return nil, revert(ReasonOnlyAdmin)
		}
		if c.started {
			return nil, revert(ReasonAlreadyStarted)
		}
		name := args[0].(string)
		c.candidates = append(c.candidates, candidate{name: name})
		id := big.NewInt(int64(len(c.candidates)))
		return nil, env.emit(self, election.EventCandidateAdded, nil, id, name)
	case "startVoting":
		if env.sender != c.admin {
			return nil, revert(ReasonOnlyAdmin)
		}
		if c.started {
			return nil, revert(ReasonAlreadyStarted)
		}
		deadline := args[0].(*big.Int)
		if !deadline.IsUint64() || deadline.Uint64() <= env.time {
			return nil, revert(ReasonDeadlinePast)
		}
		c.started = true
		c.deadline = deadline.Uint64()
		return nil, env.emit(self, election.EventVotingStarted, nil, new(big.Int).Set(deadline))
	case "endVoting":
		if env.sender != c.admin {
			return nil, revert(ReasonOnlyAdmin)
		}
		if !c.started || c.ended {
			return nil, revert(ReasonNotActive)
		}
		c.ended = true
		return nil, env.emit(self, election.EventVotingEnded, nil)
	case "registerVoter":
		if c.started {
			return nil, revert(ReasonRegistrationClosed)
		}
		if v := c.voters[env.sender]; v != nil && v.registered {
			return nil, revert(ReasonAlreadyRegistered)
		}
		hash := args[0].([32]byte)
		c.voters[env.sender] = &voter{registered: true, credential: hash}
		c.voterList = append(c.voterList, env.sender)
		return nil, env.emit(self, election.EventVoterRegistered, []common.Hash{common.BytesToHash(env.sender.Bytes())}, hash)
	case "vote":
		v := c.voters[env.sender]
		if v == nil || !v.registered {
			return nil, revert(ReasonNotRegistered)
		}
		if v.voted {
			return nil, revert(ReasonAlreadyVoted)
		}
		if !c.started || c.ended || env.time >= c.deadline {
			return nil, revert(ReasonNotActive)
		}
		id := args[0].(*big.Int)
		if !id.IsUint64() || id.Uint64() == 0 || id.Uint64() > uint64(len(c.candidates)) {
			return nil, revert(ReasonInvalidCandidate)
		}
		if args[1].([32]byte) != v.credential {
			return nil, revert(ReasonCredentialMismatch)
		}
		v.voted = true
		v.choice = id.Uint64()
		c.candidates[id.Uint64()-1].votes++
		return nil, env.emit(self, election.EventVoteCast, []common.Hash{common.BytesToHash(env.sender.Bytes())}, new(big.Int).Set(id))
	}
	return nil, fmt.Errorf("ledgertest: voting method %s not simulated", method)
}

type registryContract struct {
	latest common.Address
	deploy uint64
}

func (c *registryContract) abi() *abi.ABI { return ledger.RegistryABI }

func (c *registryContract) clone() contract {
	out := *c
	return &out
}

func (c *registryContract) invoke(env *execEnv, self common.Address, method string, _ []interface{}) ([]interface{}, error) {
	switch method {
	case "latestElection":
		return []interface{}{c.latest}, nil
	case "createElection":
		addr := crypto.CreateAddress(self, c.deploy)
		if !env.dryRun {
			env.chain.contracts[addr] = newVotingContract(env.sender)
		}
		c.deploy++
		c.latest = addr
		indexed := []common.Hash{common.BytesToHash(addr.Bytes()), common.BytesToHash(env.sender.Bytes())}
		if err := env.emit(self, election.EventElectionCreated, indexed); err != nil {
			return nil, err
		}
		return []interface{}{addr}, nil
	}
	return nil, fmt.Errorf("ledgertest: registry method %s not simulated", method)
}

// decodeCall resolves calldata against a contract ABI.
func decodeCall(c contract, data []byte) (string, []interface{}, error) {
	if len(data) < 4 {
		return "", nil, revert("")
	}
	method, err := c.abi().MethodById(data[:4])
	if err != nil {
		return "", nil, revert("")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("ledgertest: decode %s: %w", method.Name, err)
	}
	return method.Name, args, nil
}

func encodeResult(c contract, method string, out []interface{}) ([]byte, error) {
	m, ok := c.abi().Methods[method]
	if !ok {
		return nil, fmt.Errorf("ledgertest: unknown method %s", method)
	}
	if len(m.Outputs) == 0 {
		return nil, nil
	}
	return m.Outputs.Pack(out...)
}

func toLogs(items []emitted) []*types.Log {
	logs := make([]*types.Log, 0, len(items))
	for _, item := range items {
		logs = append(logs, &types.Log{Address: item.address, Topics: item.topics, Data: item.data})
	}
	return logs
}
