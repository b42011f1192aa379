package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldRedactsCredentials(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	secret := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	logger.Info("credential stored",
		MaskField("credential", secret),
		MaskField("election", "0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		MaskField("passphrase", ""))

	require.NotContains(t, buf.String(), secret)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, RedactedValue, entry["credential"])
	require.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", entry["election"])
	require.Equal(t, "", entry["passphrase"])

	require.False(t, IsAllowlisted("credential"))
	require.True(t, IsSensitive(" API_KEY"))
	require.False(t, IsSensitive("election"))
	require.True(t, IsAllowlisted(" Election "))
	require.Equal(t, "", MaskValue("  "))
	require.Equal(t, RedactedValue, MaskValue("x"))
	require.IsIncreasing(t, RedactionAllowlist())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel(" error "))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func restoreLoggers(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
	})
}

func TestSetupWithOptionsWritesFile(t *testing.T) {
	restoreLoggers(t)

	path := filepath.Join(t.TempDir(), "ballotd.log")
	out := &bytes.Buffer{}
	logger, closer := SetupWithOptions("ballotd", "test", Options{
		File:   path,
		Level:  slog.LevelWarn,
		Output: out,
	})

	logger.Info("dropped below level")
	logger.Warn("refresh failed", slog.String("trigger", "poll"), slog.String("passphrase", "hunter2"))
	require.NoError(t, closer.Close())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry))
	require.Equal(t, "refresh failed", entry["message"])
	require.Equal(t, "WARN", entry["severity"])
	require.Equal(t, "ballotd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Equal(t, "poll", entry["trigger"])
	require.Contains(t, entry, "timestamp")
	require.Equal(t, RedactedValue, entry["passphrase"])
	require.NotContains(t, out.String(), "hunter2")

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, out.String(), string(written))
}

func TestSetupClosesWithoutFile(t *testing.T) {
	restoreLoggers(t)
	_, closer := SetupWithOptions("ballot-cli", "", Options{Output: &bytes.Buffer{}})
	require.NotNil(t, closer)
	require.NoError(t, closer.Close())
}
