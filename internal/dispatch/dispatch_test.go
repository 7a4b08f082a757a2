package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"example.com/libdescwallet/internal/chain"
	"example.com/libdescwallet/internal/engine"
	"example.com/libdescwallet/internal/engine/enginetest"
	"example.com/libdescwallet/walletrpc"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var regtest = &chaincfg.RegressionNetParams

func newDispatcher(t *testing.T, c *enginetest.Chain) *Dispatcher {
	t.Helper()
	d := New(&Config{
		NewChain: func(*engine.ChainConfig) (chain.Backend, error) {
			return c, nil
		},
	})
	t.Cleanup(func() { d.Close() })
	return d
}

func fixture(t *testing.T) *enginetest.Fixture {
	t.Helper()
	f, err := enginetest.LoadFixture("../engine/testdata/wallets.json")
	require.NoError(t, err)
	return f
}

func call[T any](t *testing.T, d *Dispatcher, req walletrpc.Request) T {
	t.Helper()
	s, err := walletrpc.EncodeRequest(req)
	require.NoError(t, err)
	var out T
	require.NoError(t, walletrpc.DecodeResponse(req.Method(), d.Call(s), &out))
	return out
}

func callNull(t *testing.T, d *Dispatcher, req walletrpc.Request) {
	t.Helper()
	s, err := walletrpc.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, walletrpc.DecodeResponse(req.Method(), d.Call(s), nil))
}

func callErr(t *testing.T, d *Dispatcher, req walletrpc.Request) string {
	t.Helper()
	s, err := walletrpc.EncodeRequest(req)
	require.NoError(t, err)
	var out any
	err = walletrpc.DecodeResponse(req.Method(), d.Call(s), &out)
	var engErr *walletrpc.EngineError
	require.True(t, errors.As(err, &engErr), "expected an engine error, got %v", err)
	return engErr.Message
}

func constructor(t *testing.T, dir string, kind string) *walletrpc.ConstructorParams {
	f := fixture(t)
	return &walletrpc.ConstructorParams{
		Name:             "test",
		Network:          walletrpc.NetworkRegtest,
		Path:             dir,
		Descriptor:       f.String(kind + ".external"),
		ChangeDescriptor: walletrpc.Some(f.String(kind + ".internal")),
		ElectrumURL:      "tcp://127.0.0.1:50001",
	}
}

func hp(h walletrpc.WalletHandle) walletrpc.HandleParams {
	return walletrpc.HandleParams{Wallet: h}
}

func TestCallProtocolErrors(t *testing.T) {
	d := newDispatcher(t, enginetest.NewChain())

	require.JSONEq(t, `{"error":"no function \"nope\""}`, d.Call(`{"method":"nope","params":{}}`))
	require.Contains(t, d.Call(`{"method":`), "json Unmarshal error")
	require.Contains(t, d.Call(`{"method":"constructor","params":{"name":"x"}}`), "invalid params for constructor")
	require.Contains(t, d.Call(`{"method":"get_balance","params":{}}`), "invalid params for get_balance")
}

func TestLifecycle(t *testing.T) {
	d := newDispatcher(t, enginetest.NewChain())

	h := call[walletrpc.WalletHandle](t, d, constructor(t, t.TempDir(), "wpkh"))
	require.Len(t, h.Raw, 8)
	require.Len(t, h.ID, 16)
	require.Equal(t, 1, d.Len())

	a0 := call[string](t, d, &walletrpc.GetNewAddressParams{HandleParams: hp(h)})
	a1 := call[string](t, d, &walletrpc.GetNewAddressParams{HandleParams: hp(h)})
	require.NotEqual(t, a0, a1)

	callNull(t, d, &walletrpc.DestructorParams{HandleParams: hp(h)})
	require.Zero(t, d.Len())

	msg := callErr(t, d, &walletrpc.DestructorParams{HandleParams: hp(h)})
	require.Equal(t, "destructor error: unknown wallet handle", msg)
	msg = callErr(t, d, &walletrpc.GetBalanceParams{HandleParams: hp(h)})
	require.Equal(t, "get_balance error: unknown wallet handle", msg)
}

func TestDestructorCloseError(t *testing.T) {
	c := enginetest.NewChain()
	c.CloseErr = errors.New("connection reset")
	d := newDispatcher(t, c)
	h := call[walletrpc.WalletHandle](t, d, constructor(t, t.TempDir(), "wpkh"))
	callNull(t, d, &walletrpc.SyncParams{HandleParams: hp(h)})

	// The handle is released even though closing the backend failed.
	callNull(t, d, &walletrpc.DestructorParams{HandleParams: hp(h)})
	require.Zero(t, d.Len())
	require.Equal(t, 1, c.Closes())

	msg := callErr(t, d, &walletrpc.DestructorParams{HandleParams: hp(h)})
	require.Equal(t, "destructor error: unknown wallet handle", msg)
}

func TestForgedHandle(t *testing.T) {
	d := newDispatcher(t, enginetest.NewChain())
	h := call[walletrpc.WalletHandle](t, d, constructor(t, t.TempDir(), "wpkh"))

	forged := walletrpc.WalletHandle{Raw: h.Raw, ID: make([]byte, 16)}
	msg := callErr(t, d, &walletrpc.DestructorParams{HandleParams: hp(forged)})
	require.Contains(t, msg, "unknown wallet handle")

	// The wire form of a never-issued handle.
	resp := d.Call(`{"method":"destructor","params":{"wallet":{"raw":[0,0,0,0,0,0,0,99],"id":[1,2,3]}}}`)
	require.JSONEq(t, `{"error":"destructor error: unknown wallet handle"}`, resp)
	require.Equal(t, 1, d.Len())
}

func TestConstructorErrors(t *testing.T) {
	d := newDispatcher(t, enginetest.NewChain())
	dir := t.TempDir()

	p := constructor(t, dir, "wpkh")
	p.Descriptor = "wpkh(garbage)"
	msg := callErr(t, d, p)
	require.True(t, strings.HasPrefix(msg, "constructor error: invalid descriptor: "), msg)
	require.Zero(t, d.Len())

	p = constructor(t, dir, "wpkh")
	p.ElectrumURL = "http://127.0.0.1:50001"
	resp := d.Call(mustEncode(t, p))
	require.Contains(t, resp, "invalid params for constructor")

	// Reopening a name with other descriptors fails.
	h := call[walletrpc.WalletHandle](t, d, constructor(t, dir, "wpkh"))
	callNull(t, d, &walletrpc.DestructorParams{HandleParams: hp(h)})
	msg = callErr(t, d, constructor(t, dir, "pkh"))
	require.Contains(t, msg, "descriptor does not match")
}

func mustEncode(t *testing.T, req walletrpc.Request) string {
	t.Helper()
	s, err := walletrpc.EncodeRequest(req)
	require.NoError(t, err)
	return s
}

func TestWalletFlow(t *testing.T) {
	c := enginetest.NewChain()
	d := newDispatcher(t, c)
	h := call[walletrpc.WalletHandle](t, d, constructor(t, t.TempDir(), "wpkh"))

	addr := call[string](t, d, &walletrpc.GetNewAddressParams{HandleParams: hp(h)})
	decoded, err := btcutil.DecodeAddress(addr, regtest)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(decoded)
	require.NoError(t, err)

	parent := enginetest.Payment(nil, 0, wire.NewTxOut(200000, enginetest.ForeignScript(1)))
	c.AddTx(parent, 10)
	funding := enginetest.Payment(parent, 0, wire.NewTxOut(150000, script), wire.NewTxOut(49000, enginetest.ForeignScript(2)))
	c.AddTx(funding, 11)

	callNull(t, d, &walletrpc.SyncParams{HandleParams: hp(h)})
	require.Equal(t, walletrpc.Amount(150000), call[walletrpc.Amount](t, d, &walletrpc.GetBalanceParams{HandleParams: hp(h)}))
	// Reading the balance changes nothing.
	require.Equal(t, walletrpc.Amount(150000), call[walletrpc.Amount](t, d, &walletrpc.GetBalanceParams{HandleParams: hp(h)}))

	utxos := call[[]walletrpc.LocalUtxo](t, d, &walletrpc.ListUnspentParams{HandleParams: hp(h)})
	require.Len(t, utxos, 1)
	require.Equal(t, fmt.Sprintf("%s:0", funding.TxHash()), utxos[0].Outpoint)
	require.Equal(t, walletrpc.KeychainExternal, utxos[0].Keychain)
	require.Equal(t, walletrpc.Bytes(script), utxos[0].TxOut.ScriptPubkey)

	txs := call[[]walletrpc.TransactionDetails](t, d, &walletrpc.ListTransactionsParams{HandleParams: hp(h)})
	require.Len(t, txs, 1)
	require.Nil(t, txs[0].Transaction)
	require.Equal(t, walletrpc.Amount(150000), txs[0].Received)
	require.NotNil(t, txs[0].Fee)
	require.Equal(t, walletrpc.Amount(1000), *txs[0].Fee)
	require.Equal(t, walletrpc.Height(11), txs[0].ConfirmationTime.Height)
	require.True(t, txs[0].Verified)

	txs = call[[]walletrpc.TransactionDetails](t, d, &walletrpc.ListTransactionsParams{
		HandleParams: hp(h),
		IncludeRaw:   walletrpc.Some(true),
	})
	require.NotNil(t, txs[0].Transaction)

	created := call[walletrpc.CreateTxResult](t, d, &walletrpc.CreateTxParams{
		HandleParams: hp(h),
		FeeRate:      1.5,
		Addressees: []walletrpc.Addressee{
			{Address: enginetest.ForeignAddress(7, regtest), Amount: 40000},
		},
	})
	require.Equal(t, walletrpc.Amount(150000), created.Details.Sent)
	require.NotEmpty(t, created.Psbt)

	signed := call[walletrpc.SignResult](t, d, &walletrpc.SignParams{HandleParams: hp(h), Psbt: created.Psbt})
	require.True(t, signed.Finalized)

	raw := call[walletrpc.RawTransaction](t, d, &walletrpc.ExtractPsbtParams{HandleParams: hp(h), Psbt: signed.Psbt})
	require.NotEmpty(t, raw.Transaction)

	bcast := call[walletrpc.BroadcastResult](t, d, &walletrpc.BroadcastParams{HandleParams: hp(h), RawTx: raw.Transaction})
	require.Equal(t, created.Details.Txid, bcast.Txid)
	require.Len(t, c.Broadcasts(), 1)

	descs := call[walletrpc.PublicDescriptorsResult](t, d, &walletrpc.PublicDescriptorsParams{HandleParams: hp(h)})
	require.NotContains(t, descs.External, "tprv")
	require.NotNil(t, descs.Internal)
	require.NotContains(t, *descs.Internal, "tprv")
}

func TestCreateTxEngineErrors(t *testing.T) {
	d := newDispatcher(t, enginetest.NewChain())
	h := call[walletrpc.WalletHandle](t, d, constructor(t, t.TempDir(), "wpkh"))
	dest := enginetest.ForeignAddress(7, regtest)

	msg := callErr(t, d, &walletrpc.CreateTxParams{
		HandleParams: hp(h),
		FeeRate:      1,
		Addressees:   []walletrpc.Addressee{{Address: dest, Amount: 40000}},
	})
	require.Contains(t, msg, "insufficient funds")

	msg = callErr(t, d, &walletrpc.CreateTxParams{
		HandleParams: hp(h),
		FeeRate:      1,
		Addressees:   []walletrpc.Addressee{{Address: dest, Amount: 40000}},
		Policy:       walletrpc.Some(map[string][]uint32{"abc": {0}}),
	})
	require.Contains(t, msg, "spending policy")

	// send_all with an allow-list passes the protocol layer.
	msg = callErr(t, d, &walletrpc.CreateTxParams{
		HandleParams: hp(h),
		FeeRate:      1,
		Addressees:   []walletrpc.Addressee{{Address: dest}},
		SendAll:      walletrpc.Some(true),
		Utxos:        walletrpc.Some([]string{strings.Repeat("00", 32) + ":0"}),
	})
	require.Contains(t, msg, "unknown utxo")

	msg = callErr(t, d, &walletrpc.CreateTxParams{
		HandleParams: hp(h),
		FeeRate:      1,
		Addressees:   []walletrpc.Addressee{{Address: dest, Amount: btcutil.MaxSatoshi + 1}},
	})
	require.Equal(t, fmt.Sprintf("create_tx error: amount 2100000000000001 to %s exceeds the maximum of 2100000000000000", dest), msg)

	msg = callErr(t, d, &walletrpc.ExtractPsbtParams{HandleParams: hp(h), Psbt: "cHNidP8="})
	require.True(t, strings.HasPrefix(msg, "extract_psbt error: "), msg)
}

func TestKeys(t *testing.T) {
	d := newDispatcher(t, enginetest.NewChain())

	gen := call[walletrpc.ExtendedKeyInfo](t, d, &walletrpc.GenerateExtendedKeyParams{
		Network:   walletrpc.NetworkRegtest,
		WordCount: 12,
		Password:  walletrpc.Some("secret"),
	})
	require.Len(t, strings.Fields(gen.Mnemonic), 12)
	require.True(t, strings.HasPrefix(gen.Xprv, "tprv"))

	restored := call[walletrpc.ExtendedKeyInfo](t, d, &walletrpc.RestoreExtendedKeyParams{
		Network:  walletrpc.NetworkRegtest,
		Mnemonic: gen.Mnemonic,
		Password: walletrpc.Some("secret"),
	})
	require.Equal(t, gen, restored)

	msg := callErr(t, d, &walletrpc.RestoreExtendedKeyParams{
		Network:  walletrpc.NetworkRegtest,
		Mnemonic: "not a mnemonic",
	})
	require.Equal(t, "restore_extended_key error: invalid mnemonic", msg)

	msg = callErr(t, d, &walletrpc.GenerateExtendedKeyParams{Network: walletrpc.NetworkRegtest, WordCount: 13})
	require.Contains(t, msg, "word count")
}

func TestVersionAndLogLevel(t *testing.T) {
	d := newDispatcher(t, enginetest.NewChain())
	v := call[walletrpc.VersionResult](t, d, &walletrpc.VersionParams{})
	require.Equal(t, walletrpc.Version, v.Version)

	msg := callErr(t, d, &walletrpc.SetLogLevelParams{Level: "debug"})
	require.Contains(t, msg, "set_log_level error")

	var got string
	d = New(&Config{SetLogLevel: func(level string) error {
		if level == "bogus" {
			return fmt.Errorf("unknown log level %q", level)
		}
		got = level
		return nil
	}})
	callNull(t, d, &walletrpc.SetLogLevelParams{Level: "debug"})
	require.Equal(t, "debug", got)
	msg = callErr(t, d, &walletrpc.SetLogLevelParams{Level: "bogus"})
	require.Contains(t, msg, "unknown log level")
}

func TestPanicRecovered(t *testing.T) {
	d := New(&Config{
		NewChain: func(*engine.ChainConfig) (chain.Backend, error) {
			panic("boom")
		},
	})
	defer d.Close()
	h := call[walletrpc.WalletHandle](t, d, constructor(t, t.TempDir(), "wpkh"))

	msg := callErr(t, d, &walletrpc.SyncParams{HandleParams: hp(h)})
	require.Equal(t, "sync error: boom", msg)

	// The instance is still usable.
	call[string](t, d, &walletrpc.GetNewAddressParams{HandleParams: hp(h)})
}

func TestConcurrentCallsOnOneHandle(t *testing.T) {
	d := newDispatcher(t, enginetest.NewChain())
	h := call[walletrpc.WalletHandle](t, d, constructor(t, t.TempDir(), "wpkh"))
	req := mustEncode(t, &walletrpc.GetNewAddressParams{HandleParams: hp(h)})

	const n = 20
	addrs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := d.Call(req)
			var addr string
			if walletrpc.DecodeResponse(walletrpc.MethodGetNewAddress, resp, &addr) == nil {
				addrs[i] = addr
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, a := range addrs {
		require.NotEmpty(t, a)
		seen[a] = struct{}{}
	}
	require.Len(t, seen, n)
}
