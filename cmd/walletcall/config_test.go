package main

import (
	"os"
	"path/filepath"
	"testing"

	"example.com/libdescwallet/walletrpc"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "wallet.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(
		"name: cli\nnetwork: regtest\npath: "+dir+"\n"+
			"descriptor: wpkh(tpub/0/*)\n"+
			"electrum:\n  url: tcp://127.0.0.1:50001\n  retry: 3\n  validate_domain: false\n"), 0600))

	p, err := loadConfig(cfgFile)
	require.NoError(t, err)
	require.Equal(t, "cli", p.Name)
	require.Equal(t, walletrpc.NetworkRegtest, p.Network)
	require.Equal(t, dir, p.Path)
	require.Equal(t, "tcp://127.0.0.1:50001", p.ElectrumURL)

	retry, ok := p.ElectrumRetry.Get()
	require.True(t, ok)
	require.Equal(t, uint8(3), retry)
	validate, ok := p.ElectrumValidateDomain.Get()
	require.True(t, ok)
	require.False(t, validate)

	require.True(t, p.ChangeDescriptor.IsZero())
	require.True(t, p.ElectrumTimeout.IsZero())
	require.True(t, p.ElectrumStopGap.IsZero())

	_, err = loadConfig("")
	require.Error(t, err)
	_, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestParseAddressee(t *testing.T) {
	a, err := parseAddressee("bcrt1qxyz:15000", false)
	require.NoError(t, err)
	require.Equal(t, walletrpc.Addressee{Address: "bcrt1qxyz", Amount: 15000}, a)

	a, err = parseAddressee("bcrt1qxyz", true)
	require.NoError(t, err)
	require.Equal(t, walletrpc.Addressee{Address: "bcrt1qxyz"}, a)

	_, err = parseAddressee("bcrt1qxyz", false)
	require.Error(t, err)
	_, err = parseAddressee("bcrt1qxyz:-5", false)
	require.Error(t, err)
}
