package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Commitment is keccak256 of a raw credential identifier. It is the only form
// of a credential that leaves the process.
type Commitment = common.Hash

// ErrEmptyCredential is returned when a device yields no identifier.
var ErrEmptyCredential = errors.New("crypto: empty credential identifier")

// Commit hashes a raw credential identifier.
func Commit(rawID []byte) (Commitment, error) {
	if len(rawID) == 0 {
		return Commitment{}, ErrEmptyCredential
	}
	return crypto.Keccak256Hash(rawID), nil
}

// Challenge returns 32 random bytes for a credential assertion.
func Challenge() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
