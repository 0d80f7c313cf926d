package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/stretchr/testify/require"

	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
)

// TestConfigDefaultsMatchParams tests that the flag defaults equal the kernel defaults.
func TestConfigDefaultsMatchParams(t *testing.T) {
	var cfg config
	require.NoError(t, conf.Parse(nil, envPrefix, &cfg))

	require.Equal(t, params.Defaults(), cfg.values())
	require.NoError(t, cfg.values().Validate())
	require.Equal(t, 5*time.Second, cfg.Watchdog.Interval)
}

// TestConfigRoles tests role address parsing.
func TestConfigRoles(t *testing.T) {
	var cfg config
	cfg.Ledger.Owner = protocol.DeriveAddress("owner").String()
	cfg.Ledger.Treasury = protocol.DeriveAddress("treasury").String()
	cfg.Ledger.Proposers = []string{protocol.DeriveAddress("proposer").String()}

	owner, treasury, proposers, err := cfg.roles()
	require.NoError(t, err)
	require.Equal(t, protocol.DeriveAddress("owner"), owner)
	require.Equal(t, protocol.DeriveAddress("treasury"), treasury)
	require.Equal(t, []protocol.Address{protocol.DeriveAddress("proposer")}, proposers)

	cfg.Ledger.Proposers = []string{"0x12"}
	_, _, _, err = cfg.roles()
	require.Error(t, err)
}

// TestParseBindings tests name=verifier parsing.
func TestParseBindings(t *testing.T) {
	got, err := parseBindings([]string{"sum=sum-verifier", " bfv=bfv-decrypt "})
	require.NoError(t, err)
	require.Equal(t, []binding{
		{Name: "sum", Verifier: "sum-verifier"},
		{Name: "bfv", Verifier: "bfv-decrypt"},
	}, got)

	for _, bad := range []string{"sum", "=v", "sum="} {
		_, err := parseBindings([]string{bad})
		require.Error(t, err, bad)
	}
}

// TestLoadOrGenerateKey tests key generation and reload.
func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "feed.key")

	first, err := loadOrGenerateKey(path)
	require.NoError(t, err)

	second, err := loadOrGenerateKey(path)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
	_, err = loadOrGenerateKey(path)
	require.Error(t, err)
}
