package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/swap"
)

func TestValidateDefaultsToTaproot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")

	version, err := Validate(&cfg)
	require.NoError(t, err)
	require.Equal(t, swap.Taproot, version)
}

func TestValidateLegacyScriptVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.ScriptVersion = "legacy"

	version, err := Validate(&cfg)
	require.NoError(t, err)
	require.Equal(t, swap.Legacy, version)
}

func TestValidateRejectsUnknownScriptVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.ScriptVersion = "bogus"

	_, err := Validate(&cfg)
	require.Error(t, err)
}

func TestValidateNamespacesLogDirByNetwork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Network = "testnet"

	_, err := Validate(&cfg)
	require.NoError(t, err)
	require.Contains(t, cfg.LogDir, "testnet")
}
