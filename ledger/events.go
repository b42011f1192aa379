package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ballotsync/election"
)

// EventABI returns the contract ABI that declares kind.
func EventABI(kind election.EventKind) *abi.ABI {
	if kind == election.EventElectionCreated {
		return RegistryABI
	}
	return VotingABI
}

// EventTopic returns topic0 for kind.
func EventTopic(kind election.EventKind) (common.Hash, error) {
	ev, ok := EventABI(kind).Events[string(kind)]
	if !ok {
		return common.Hash{}, fmt.Errorf("ledger: unknown event %q", kind)
	}
	return ev.ID, nil
}

// FilterQuery builds a log filter for the given kinds emitted by address.
// Nil bounds leave the range open.
func FilterQuery(address common.Address, kinds []election.EventKind, from, to *big.Int) (ethereum.FilterQuery, error) {
	topics := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		topic, err := EventTopic(kind)
		if err != nil {
			return ethereum.FilterQuery{}, err
		}
		topics = append(topics, topic)
	}
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{topics},
	}, nil
}

var eventsByTopic = func() map[common.Hash]election.EventKind {
	out := make(map[common.Hash]election.EventKind)
	for _, kind := range append(append([]election.EventKind{}, election.ElectionEvents...), election.EventElectionCreated) {
		topic, err := EventTopic(kind)
		if err != nil {
			panic(err)
		}
		out[topic] = kind
	}
	return out
}()

// ParseEvent decodes a contract log into an audit event.
func ParseEvent(log types.Log) (election.AuditEvent, error) {
	if len(log.Topics) == 0 {
		return election.AuditEvent{}, fmt.Errorf("ledger: log without topics")
	}
	kind, ok := eventsByTopic[log.Topics[0]]
	if !ok {
		return election.AuditEvent{}, fmt.Errorf("ledger: unknown event topic %s", log.Topics[0].Hex())
	}
	event := election.AuditEvent{
		Kind:        kind,
		Contract:    log.Address,
		BlockHeight: log.BlockNumber,
		LogIndex:    log.Index,
		TxHash:      log.TxHash,
	}
	values, err := EventABI(kind).Unpack(string(kind), log.Data)
	if err != nil {
		return election.AuditEvent{}, fmt.Errorf("ledger: decode %s: %w", kind, err)
	}
	switch kind {
	case election.EventCandidateAdded:
		if event.CandidateID, err = asUint64("CandidateAdded.candidateId", values, 0); err != nil {
			return election.AuditEvent{}, err
		}
		if len(values) > 1 {
			event.Name, _ = values[1].(string)
		}
	case election.EventVoterRegistered:
		if event.Participant, err = indexedAddress(log, 1); err != nil {
			return election.AuditEvent{}, err
		}
	case election.EventVoteCast:
		if event.Participant, err = indexedAddress(log, 1); err != nil {
			return election.AuditEvent{}, err
		}
		if event.CandidateID, err = asUint64("VoteCast.candidateId", values, 0); err != nil {
			return election.AuditEvent{}, err
		}
	case election.EventElectionCreated:
		if event.Participant, err = indexedAddress(log, 1); err != nil {
			return election.AuditEvent{}, err
		}
	}
	return event, nil
}

func indexedAddress(log types.Log, i int) (common.Address, error) {
	if len(log.Topics) <= i {
		return common.Address{}, fmt.Errorf("ledger: missing indexed topic %d", i)
	}
	return common.BytesToAddress(log.Topics[i].Bytes()), nil
}

// PackEvent encodes the non-indexed arguments of kind. Simulated ledgers use
// it to emit logs that ParseEvent can read back.
func PackEvent(kind election.EventKind, args ...interface{}) ([]byte, error) {
	ev, ok := EventABI(kind).Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown event %q", kind)
	}
	return ev.Inputs.NonIndexed().Pack(args...)
}
