package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration that reads and writes human strings such as
// "15s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Transactions controls how writes are sent and followed.
type Transactions struct {
	GasLimit       uint64   `toml:"GasLimit"`
	ConfirmTimeout Duration `toml:"ConfirmTimeout"`
	ReceiptPoll    Duration `toml:"ReceiptPoll"`
	SkipPreflight  bool     `toml:"SkipPreflight"`
}

// Sync controls reconciliation and the audit log.
type Sync struct {
	PollInterval   Duration `toml:"PollInterval"`
	CoalesceWindow Duration `toml:"CoalesceWindow"`
	AuditWindow    uint64   `toml:"AuditWindow"`
	AuditLimit     int      `toml:"AuditLimit"`
}

// Server configures ballotd's HTTP surface.
type Server struct {
	ListenAddress     string   `toml:"ListenAddress"`
	ReadTimeout       Duration `toml:"ReadTimeout"`
	WriteTimeout      Duration `toml:"WriteTimeout"`
	IdleTimeout       Duration `toml:"IdleTimeout"`
	JWTSecretEnv      string   `toml:"JWTSecretEnv"`
	JWTIssuer         string   `toml:"JWTIssuer"`
	JWTAudience       string   `toml:"JWTAudience"`
	RequestsPerMinute float64  `toml:"RequestsPerMinute"`
	Burst             int      `toml:"Burst"`
	AllowedOrigins    []string `toml:"AllowedOrigins"`
}

// Device configures the remote credential device. An empty endpoint keeps
// credentials in the local cache.
type Device struct {
	Endpoint  string   `toml:"Endpoint"`
	APIKeyEnv string   `toml:"APIKeyEnv"`
	RPID      string   `toml:"RPID"`
	Timeout   Duration `toml:"Timeout"`
}
