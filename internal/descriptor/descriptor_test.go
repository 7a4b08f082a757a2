package descriptor

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

const (
	testXprv = "tprv8ZgxMBicQKsPexGYyaFwnAsCXCjmz2FaTm6LtesyyihjbQE3gRMfXqQBXKM43DvC1UgRVv1qom1qFxNMSqVAs88qx9PhgFnfGVUdiiDf6j4"
	testDesc = "wpkh(" + testXprv + "/0/*)"
)

var regtest = &chaincfg.RegressionNetParams

func TestChecksum(t *testing.T) {
	sum, err := Checksum("raw(deadbeef)")
	require.NoError(t, err)
	require.Equal(t, "89f8spxm", sum)

	_, err = Checksum("wpkh(\x01)")
	require.Error(t, err)
}

func TestParseChecksum(t *testing.T) {
	d, err := Parse(testDesc, regtest)
	require.NoError(t, err)

	s := d.String()
	idx := strings.LastIndexByte(s, '#')
	require.Equal(t, testDesc, s[:idx])

	again, err := Parse(s, regtest)
	require.NoError(t, err)
	require.Equal(t, s, again.String())

	// Flip one checksum character.
	bad := []byte(s)
	if bad[len(bad)-1] == 'q' {
		bad[len(bad)-1] = 'p'
	} else {
		bad[len(bad)-1] = 'q'
	}
	_, err = Parse(string(bad), regtest)
	require.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		desc string
	}{
		{"unsupported type", "tr(" + testXprv + "/0/*)"},
		{"garbage key", "wpkh(notakey/0/*)"},
		{"hardened wildcard", "wpkh(" + testXprv + "/0/*')"},
		{"bad step", "wpkh(" + testXprv + "/x/*)"},
		{"bad origin", "wpkh([zz]" + testXprv + "/0/*)"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.desc, regtest)
			require.Error(t, err)
		})
	}

	_, err := Parse(testDesc, &chaincfg.MainNetParams)
	require.Error(t, err)
}

func TestDerive(t *testing.T) {
	tests := []struct {
		desc   string
		typ    ScriptType
		prefix string
	}{
		{testDesc, WPKH, "bcrt1q"},
		{"pkh(" + testXprv + "/0/*)", PKH, ""},
		{"sh(wpkh(" + testXprv + "/0/*))", ShWPKH, "2"},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			d, err := Parse(tt.desc, regtest)
			require.NoError(t, err)
			require.Equal(t, tt.typ, d.Type())
			require.True(t, d.IsRanged())
			require.True(t, d.HasPrivateKey())

			a0, err := d.Derive(0)
			require.NoError(t, err)
			a0again, err := d.Derive(0)
			require.NoError(t, err)
			a1, err := d.Derive(1)
			require.NoError(t, err)

			require.Equal(t, a0.Script, a0again.Script)
			require.NotEqual(t, a0.Script, a1.Script)
			require.Len(t, a0.Script, tt.typ.ScriptSize())
			require.True(t, strings.HasPrefix(a0.Address.EncodeAddress(), tt.prefix))
			require.Equal(t, []uint32{0, 1}, a1.Path)
			require.Equal(t, tt.typ == ShWPKH, a0.RedeemScript != nil)
		})
	}
}

func TestNonRanged(t *testing.T) {
	d, err := Parse("wpkh("+testXprv+"/0/7)", regtest)
	require.NoError(t, err)
	require.False(t, d.IsRanged())
	a, err := d.Derive(0)
	require.NoError(t, err)
	b, err := d.Derive(9)
	require.NoError(t, err)
	require.Equal(t, a.Script, b.Script)
	require.Equal(t, []uint32{0, 7}, b.Path)
}

func TestPublic(t *testing.T) {
	descs := []string{
		testDesc,
		"wpkh(" + testXprv + "/84'/1'/0'/0/*)",
		"sh(wpkh([d34db33f/49']" + testXprv + "/0'/1/*))",
	}
	for _, s := range descs {
		priv, err := Parse(s, regtest)
		require.NoError(t, err)

		pubStr, err := priv.Public()
		require.NoError(t, err)
		require.NotContains(t, pubStr, "tprv")
		require.Contains(t, pubStr, "tpub")

		pub, err := Parse(pubStr, regtest)
		require.NoError(t, err)
		require.False(t, pub.HasPrivateKey())
		// A public descriptor renders to itself.
		again, err := pub.Public()
		require.NoError(t, err)
		require.Equal(t, pubStr, again)

		for _, i := range []uint32{0, 5, 99} {
			want, err := priv.Derive(i)
			require.NoError(t, err)
			got, err := pub.Derive(i)
			require.NoError(t, err)
			require.Equal(t, want.Script, got.Script)
			require.Equal(t, want.Fingerprint, got.Fingerprint)
			require.Equal(t, want.Path, got.Path)
		}
	}
}

func TestHardenedFromPublic(t *testing.T) {
	priv, err := Parse(testDesc, regtest)
	require.NoError(t, err)
	pubStr, err := priv.Public()
	require.NoError(t, err)
	body := pubStr[:strings.LastIndexByte(pubStr, '#')]
	hardened := strings.Replace(body, "/0/*", "/0'/*", 1)
	_, err = Parse(hardened, regtest)
	require.ErrorIs(t, err, ErrHardenedPublic)
}

func TestSigningKey(t *testing.T) {
	d, err := Parse("wpkh([0badf00d/84'/1'/0']"+testXprv+"/0/*)", regtest)
	require.NoError(t, err)
	a, err := d.Derive(3)
	require.NoError(t, err)
	require.Equal(t, [4]byte{0x0b, 0xad, 0xf0, 0x0d}, a.Fingerprint)

	priv, ok := d.SigningKey(a.Fingerprint, a.Path)
	require.True(t, ok)
	require.True(t, priv.PubKey().IsEqual(a.PubKey))

	_, ok = d.SigningKey([4]byte{1, 2, 3, 4}, a.Path)
	require.False(t, ok)
	_, ok = d.SigningKey(a.Fingerprint, []uint32{0, 3})
	require.False(t, ok)

	pubStr, err := d.Public()
	require.NoError(t, err)
	watch, err := Parse(pubStr, regtest)
	require.NoError(t, err)
	_, ok = watch.SigningKey(a.Fingerprint, a.Path)
	require.False(t, ok)
}

func TestPlainPubKey(t *testing.T) {
	d, err := Parse(testDesc, regtest)
	require.NoError(t, err)
	a, err := d.Derive(0)
	require.NoError(t, err)

	single, err := Parse("wpkh("+hex.EncodeToString(a.PubKey.SerializeCompressed())+")", regtest)
	require.NoError(t, err)
	require.False(t, single.IsRanged())
	b, err := single.Derive(0)
	require.NoError(t, err)
	require.Equal(t, a.Script, b.Script)
}
