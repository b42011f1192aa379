// Package crypto manages voter and administrator keys and the credential
// commitments submitted to the election contract.
package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey is a secp256k1 key controlling one ledger account.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Hex returns the scalar 0x-prefixed. Never log it.
func (k *PrivateKey) Hex() string {
	return hexutil.Encode(k.Bytes())
}

// Address returns the ledger account controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex accepts the scalar with or without a 0x prefix.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	raw := strings.TrimSpace(s)
	if !has0xPrefix(raw) {
		raw = "0x" + raw
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return PrivateKeyFromBytes(b)
}

// ParseAddress validates a hex ledger address.
func ParseAddress(s string) (common.Address, error) {
	raw := strings.TrimSpace(s)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("crypto: invalid address %q", s)
	}
	return common.HexToAddress(raw), nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
