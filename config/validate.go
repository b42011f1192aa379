package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate rejects configurations that cannot drive a session.
func (c *Config) Validate() error {
	if addr := strings.TrimSpace(c.RegistryAddress); addr != "" {
		if !common.IsHexAddress(addr) || common.HexToAddress(addr) == (common.Address{}) {
			return fmt.Errorf("RegistryAddress: invalid address %q", addr)
		}
	}
	if c.Transactions.GasLimit == 0 {
		return fmt.Errorf("transactions: GasLimit must be positive")
	}
	if c.Transactions.ConfirmTimeout.Duration <= 0 || c.Transactions.ReceiptPoll.Duration <= 0 {
		return fmt.Errorf("transactions: ConfirmTimeout and ReceiptPoll must be positive")
	}
	if c.Sync.PollInterval.Duration <= 0 {
		return fmt.Errorf("sync: PollInterval must be positive")
	}
	if c.Sync.CoalesceWindow.Duration < 0 {
		return fmt.Errorf("sync: CoalesceWindow must not be negative")
	}
	if c.Sync.AuditLimit < 0 {
		return fmt.Errorf("sync: AuditLimit must not be negative")
	}
	if c.Server.RequestsPerMinute < 0 || c.Server.Burst < 0 {
		return fmt.Errorf("server: rate limits must not be negative")
	}
	for name, raw := range map[string]string{"LedgerRPC": c.LedgerRPC, "WalletRPC": c.WalletRPC, "device.Endpoint": c.Device.Endpoint} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Registry returns the parsed registry address. It fails when unset.
func (c *Config) Registry() (common.Address, error) {
	addr := strings.TrimSpace(c.RegistryAddress)
	if addr == "" {
		return common.Address{}, fmt.Errorf("RegistryAddress is not configured")
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("RegistryAddress: invalid address %q", addr)
	}
	return common.HexToAddress(addr), nil
}
