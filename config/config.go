package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"ballotsync/crypto"
	"ballotsync/endpoint"
	"ballotsync/txn"
)

const (
	// DefaultNetwork is the catalog entry used when none is configured.
	DefaultNetwork = "localhost"
	// DefaultJWTSecretEnv holds the admin token secret for ballotd.
	DefaultJWTSecretEnv = "BALLOT_ADMIN_JWT_SECRET"
)

type Config struct {
	Network         string `toml:"Network"`
	CatalogFile     string `toml:"CatalogFile"`
	RegistryAddress string `toml:"RegistryAddress"`
	// LedgerRPC overrides the catalog's first RPC URL for reads and sends.
	LedgerRPC string `toml:"LedgerRPC"`
	// WalletRPC selects an external wallet; empty signs with the keystore.
	WalletRPC    string `toml:"WalletRPC"`
	KeystorePath string `toml:"KeystorePath"`
	DataDir      string `toml:"DataDir"`
	JournalDSN   string `toml:"JournalDSN"`
	LogFile      string `toml:"LogFile"`
	LogLevel     string `toml:"LogLevel"`

	Transactions Transactions `toml:"transactions"`
	Sync         Sync         `toml:"sync"`
	Server       Server       `toml:"server"`
	Device       Device       `toml:"device"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh install.
func Default(path string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(path)
	return cfg
}

func (c *Config) applyDefaults(path string) {
	dir := filepath.Dir(path)
	if dir == "." {
		dir = ""
	}
	if strings.TrimSpace(c.Network) == "" {
		c.Network = DefaultNetwork
	}
	if c.KeystorePath == "" {
		c.KeystorePath = filepath.Join(dir, "ballot.keystore")
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(dir, "ballot-data")
	}
	if c.JournalDSN == "" {
		c.JournalDSN = filepath.Join(c.DataDir, "journal.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Transactions.GasLimit == 0 {
		c.Transactions.GasLimit = txn.DefaultGasLimit
	}
	if c.Transactions.ConfirmTimeout.Duration == 0 {
		c.Transactions.ConfirmTimeout.Duration = txn.DefaultConfirmTimeout
	}
	if c.Transactions.ReceiptPoll.Duration == 0 {
		c.Transactions.ReceiptPoll.Duration = txn.DefaultPollInterval
	}
	if c.Sync.PollInterval.Duration == 0 {
		c.Sync.PollInterval.Duration = 15 * time.Second
	}
	if c.Sync.CoalesceWindow.Duration == 0 {
		c.Sync.CoalesceWindow.Duration = 250 * time.Millisecond
	}
	if c.Sync.AuditWindow == 0 {
		c.Sync.AuditWindow = 5000
	}
	if c.Sync.AuditLimit == 0 {
		c.Sync.AuditLimit = 10
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8090"
	}
	if c.Server.ReadTimeout.Duration == 0 {
		c.Server.ReadTimeout.Duration = 30 * time.Second
	}
	if c.Server.WriteTimeout.Duration == 0 {
		c.Server.WriteTimeout.Duration = 5 * time.Minute
	}
	if c.Server.IdleTimeout.Duration == 0 {
		c.Server.IdleTimeout.Duration = 2 * time.Minute
	}
	if c.Server.JWTSecretEnv == "" {
		c.Server.JWTSecretEnv = DefaultJWTSecretEnv
	}
	if c.Server.RequestsPerMinute == 0 {
		c.Server.RequestsPerMinute = 30
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 5
	}
	if c.Device.Timeout.Duration == 0 {
		c.Device.Timeout.Duration = 10 * time.Second
	}
}

// Catalog loads the configured network catalog, falling back to the built-in one.
func (c *Config) Catalog() (endpoint.Catalog, error) {
	if strings.TrimSpace(c.CatalogFile) == "" {
		return endpoint.Builtin(), nil
	}
	return endpoint.LoadCatalog(c.CatalogFile)
}

// Endpoint resolves the configured network, applying LedgerRPC.
func (c *Config) Endpoint() (endpoint.Endpoint, error) {
	catalog, err := c.Catalog()
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	ep, err := catalog.Lookup(c.Network)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	if rpc := strings.TrimSpace(c.LedgerRPC); rpc != "" {
		ep.RPCURLs = append([]string{rpc}, ep.RPCURLs...)
	}
	return ep, nil
}

// CachePath is the LevelDB directory for the audit cache and local credentials.
func (c *Config) CachePath() string { return filepath.Join(c.DataDir, "cache") }

// CandidatesPath is the bbolt file holding candidate display metadata.
func (c *Config) CandidatesPath() string { return filepath.Join(c.DataDir, "candidates.db") }

// EnsureKeystore creates the keystore with a fresh key when it is missing.
func (c *Config) EnsureKeystore(passphrase string) (created bool, err error) {
	if _, err := os.Stat(c.KeystorePath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if strings.TrimSpace(passphrase) == "" {
		return false, fmt.Errorf("keystore passphrase required to create %s", c.KeystorePath)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return false, err
	}
	if err := crypto.SaveToKeystore(c.KeystorePath, key, passphrase); err != nil {
		return false, err
	}
	return true, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default(path)
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as TOML.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
