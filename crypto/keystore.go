package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

// ErrWrongPassphrase is returned when a keystore cannot be decrypted.
var ErrWrongPassphrase = errors.New("crypto: could not decrypt keystore with given passphrase")

// Scrypt parameters; tests lower them through UseLightScrypt.
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

// UseLightScrypt switches to cheap key derivation for tests and local runs.
func UseLightScrypt() {
	scryptN = keystore.LightScryptN
	scryptP = keystore.LightScryptP
}

// SaveToKeystore encrypts key into a v3 keystore file at path, replacing any
// existing file. Missing parent directories are created owner-only.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: keystore id: %w", err)
	}
	sealed, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}
	return writeFileAtomic(path, sealed)
}

// writeFileAtomic writes data next to path and renames it into place so a
// crash never leaves a truncated keystore behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts the v3 keystore at path.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(sealed, passphrase)
	switch {
	case errors.Is(err, keystore.ErrDecrypt):
		return nil, ErrWrongPassphrase
	case err != nil:
		return nil, fmt.Errorf("crypto: read keystore %s: %w", filepath.Base(path), err)
	}
	return &PrivateKey{PrivateKey: key.PrivateKey}, nil
}
