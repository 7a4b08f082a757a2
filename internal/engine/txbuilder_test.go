package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"example.com/libdescwallet/internal/engine/enginetest"
	"example.com/libdescwallet/internal/keys"
	"example.com/libdescwallet/internal/store"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// fundedWallet opens a wallet of kind holding one confirmed output of
// amount at external index 0.
func fundedWallet(t *testing.T, kind string, amount int64) (*Wallet, *enginetest.Chain) {
	t.Helper()
	c := enginetest.NewChain()
	w := openWallet(t, kind, c)
	f := loadFixture(t)
	fund(c, derive(t, f.String(kind+".external"), 0).Script, amount, 101)
	require.NoError(t, w.Sync(context.Background(), SyncOptions{}))
	return w, c
}

func encodePacket(t *testing.T, p *psbt.Packet) string {
	t.Helper()
	s, err := p.B64Encode()
	require.NoError(t, err)
	return s
}

// verifyTx runs the script engine over every input of tx.
func verifyTx(t *testing.T, tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) {
	t.Helper()
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		require.NotNil(t, prev)
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, hashes, prev.Value, fetcher)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

func TestCreateSignBroadcast(t *testing.T) {
	for _, kind := range []string{"wpkh", "pkh", "shwpkh"} {
		t.Run(kind, func(t *testing.T) {
			w, c := fundedWallet(t, kind, 100000)
			utxos, err := w.Utxos()
			require.NoError(t, err)
			require.Len(t, utxos, 1)

			dest := enginetest.ForeignAddress(9, regtest)
			details, packet, err := w.CreateTx(&TxRequest{
				Recipients: []Recipient{{Address: dest, Amount: 30000}},
				FeeRate:    2,
			})
			require.NoError(t, err)
			require.Equal(t, uint64(100000), details.Sent)
			fee := details.Fee.UnwrapOr(0)
			require.Greater(t, fee, uint64(0))
			require.Less(t, fee, uint64(2000))
			require.Equal(t, details.Sent-fee-30000, details.Received)
			require.Len(t, packet.UnsignedTx.TxOut, 2)

			// The change went to a revealed change address.
			next, err := w.store.NextIndex(store.Internal)
			require.NoError(t, err)
			require.Equal(t, uint32(1), next)

			unsigned := encodePacket(t, packet)
			_, err = ExtractPsbt(unsigned)
			require.ErrorIs(t, err, ErrNotFinalized)

			signed, finalized, err := w.Sign(unsigned, fn.None[uint32]())
			require.NoError(t, err)
			require.True(t, finalized)

			tx, err := ExtractPsbt(signed)
			require.NoError(t, err)
			require.Equal(t, details.Txid, tx.TxHash())
			verifyTx(t, tx, map[wire.OutPoint]*wire.TxOut{
				utxos[0].OutPoint: wire.NewTxOut(int64(utxos[0].Value), utxos[0].PkScript),
			})

			var raw bytes.Buffer
			require.NoError(t, tx.Serialize(&raw))
			txid, err := w.Broadcast(context.Background(), hex.EncodeToString(raw.Bytes()))
			require.NoError(t, err)
			require.Equal(t, tx.TxHash(), txid)
			require.Len(t, c.Broadcasts(), 1)

			// After a sync the spent output is gone and the change is
			// unconfirmed.
			require.NoError(t, w.Sync(context.Background(), SyncOptions{}))
			bal, err := w.Balance()
			require.NoError(t, err)
			require.Equal(t, details.Received, bal)
		})
	}
}

func TestSignForeignInputs(t *testing.T) {
	w, _ := fundedWallet(t, "wpkh", 100000)
	_, packet, err := w.CreateTx(&TxRequest{
		Recipients: []Recipient{{Address: enginetest.ForeignAddress(9, regtest), Amount: 30000}},
		FeeRate:    1,
	})
	require.NoError(t, err)

	// A wallet on a different seed cannot sign any input.
	other, err := keys.Restore(regtest, strings.Repeat("abandon ", 11)+"about", "")
	require.NoError(t, err)
	stranger, err := Open(testConfig(t.TempDir(), "wpkh("+other.Xprv+"/84h/1h/0h/0/*)", fn.None[string]()), nil)
	require.NoError(t, err)
	defer stranger.Close()

	unsigned := encodePacket(t, packet)
	out, finalized, err := stranger.Sign(unsigned, fn.None[uint32]())
	require.NoError(t, err)
	require.False(t, finalized)

	p, err := psbt.NewFromRawBytes(strings.NewReader(out), true)
	require.NoError(t, err)
	require.Empty(t, p.Inputs[0].PartialSigs)
}

func TestSignAssumeHeight(t *testing.T) {
	w, _ := fundedWallet(t, "wpkh", 100000)
	_, packet, err := w.CreateTx(&TxRequest{
		Recipients: []Recipient{{Address: enginetest.ForeignAddress(9, regtest), Amount: 30000}},
		FeeRate:    1,
	})
	require.NoError(t, err)
	packet.UnsignedTx.LockTime = 1000
	packet.UnsignedTx.TxIn[0].Sequence = wire.MaxTxInSequenceNum - 1
	locked := encodePacket(t, packet)

	_, finalized, err := w.Sign(locked, fn.Some[uint32](500))
	require.NoError(t, err)
	require.False(t, finalized)

	_, finalized, err = w.Sign(locked, fn.Some[uint32](1000))
	require.NoError(t, err)
	require.True(t, finalized)

	// Without an assumption the last synced height applies.
	_, finalized, err = w.Sign(locked, fn.None[uint32]())
	require.NoError(t, err)
	require.False(t, finalized)
}

func TestSignInvalidPsbt(t *testing.T) {
	w, _ := fundedWallet(t, "wpkh", 100000)
	_, _, err := w.Sign("bm90IGEgcHNidA==", fn.None[uint32]())
	require.ErrorContains(t, err, "invalid psbt")
	_, err = ExtractPsbt("")
	require.Error(t, err)
}

func TestCreateTxSendAll(t *testing.T) {
	w, _ := fundedWallet(t, "shwpkh", 100000)
	dest := enginetest.ForeignAddress(9, regtest)

	details, packet, err := w.CreateTx(&TxRequest{
		Recipients: []Recipient{{Address: dest, Amount: 0}},
		FeeRate:    3,
		SendAll:    true,
	})
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxOut, 1)
	fee := details.Fee.UnwrapOr(0)
	require.Greater(t, fee, uint64(0))
	require.Equal(t, int64(100000-fee), packet.UnsignedTx.TxOut[0].Value)
	require.Zero(t, details.Received)

	signed, finalized, err := w.Sign(encodePacket(t, packet), fn.None[uint32]())
	require.NoError(t, err)
	require.True(t, finalized)
	_, err = ExtractPsbt(signed)
	require.NoError(t, err)

	_, _, err = w.CreateTx(&TxRequest{
		Recipients: []Recipient{{Address: dest}, {Address: dest}},
		FeeRate:    1,
		SendAll:    true,
	})
	require.Error(t, err)
}

func TestCreateTxSendAllAllowList(t *testing.T) {
	c := enginetest.NewChain()
	w := openWallet(t, "wpkh", c)
	f := loadFixture(t)
	a := fund(c, derive(t, f.String("wpkh.external"), 0).Script, 40000, 30)
	fund(c, derive(t, f.String("wpkh.external"), 1).Script, 70000, 31)
	require.NoError(t, w.Sync(context.Background(), SyncOptions{}))

	op := wire.OutPoint{Hash: a.TxHash(), Index: 0}
	_, packet, err := w.CreateTx(&TxRequest{
		Recipients: []Recipient{{Address: enginetest.ForeignAddress(9, regtest)}},
		FeeRate:    1,
		SendAll:    true,
		Utxos:      []wire.OutPoint{op},
	})
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxIn, 1)
	require.Equal(t, op, packet.UnsignedTx.TxIn[0].PreviousOutPoint)
}

func TestCreateTxAllowList(t *testing.T) {
	c := enginetest.NewChain()
	w := openWallet(t, "wpkh", c)
	f := loadFixture(t)
	a := fund(c, derive(t, f.String("wpkh.external"), 0).Script, 40000, 30)
	b := fund(c, derive(t, f.String("wpkh.external"), 1).Script, 70000, 31)
	require.NoError(t, w.Sync(context.Background(), SyncOptions{}))
	opA := wire.OutPoint{Hash: a.TxHash(), Index: 0}
	opB := wire.OutPoint{Hash: b.TxHash(), Index: 0}
	dest := enginetest.ForeignAddress(9, regtest)

	// Only the listed output may fund the payment, even though the other
	// one would cover it.
	_, _, err := w.CreateTx(&TxRequest{
		Recipients: []Recipient{{Address: dest, Amount: 60000}},
		FeeRate:    1,
		Utxos:      []wire.OutPoint{opA},
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Every listed output is spent even when one would be enough.
	details, packet, err := w.CreateTx(&TxRequest{
		Recipients: []Recipient{{Address: dest, Amount: 20000}},
		FeeRate:    1,
		Utxos:      []wire.OutPoint{opA, opB},
	})
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxIn, 2)
	require.Equal(t, uint64(110000), details.Sent)

	// A listed output wins over the same output marked unspendable.
	_, packet, err = w.CreateTx(&TxRequest{
		Recipients:  []Recipient{{Address: dest, Amount: 20000}},
		FeeRate:     1,
		Utxos:       []wire.OutPoint{opA},
		Unspendable: []wire.OutPoint{opA},
	})
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxIn, 1)
	require.Equal(t, opA, packet.UnsignedTx.TxIn[0].PreviousOutPoint)
}

func TestCreateTxErrors(t *testing.T) {
	w, _ := fundedWallet(t, "wpkh", 100000)
	utxos, err := w.Utxos()
	require.NoError(t, err)
	dest := enginetest.ForeignAddress(9, regtest)
	pay := []Recipient{{Address: dest, Amount: 30000}}

	_, _, err = w.CreateTx(&TxRequest{Recipients: pay, FeeRate: 1, Policy: map[string][]uint32{"abc": {0}}})
	require.ErrorIs(t, err, ErrPolicyUnsupported)

	_, _, err = w.CreateTx(&TxRequest{Recipients: []Recipient{{Address: dest, Amount: 1e9}}, FeeRate: 1})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, _, err = w.CreateTx(&TxRequest{Recipients: pay, FeeRate: 1, Unspendable: []wire.OutPoint{utxos[0].OutPoint}})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, _, err = w.CreateTx(&TxRequest{Recipients: pay, FeeRate: 0})
	require.Error(t, err)

	_, _, err = w.CreateTx(&TxRequest{Recipients: []Recipient{{Address: dest, Amount: 10}}, FeeRate: 1})
	require.ErrorContains(t, err, "dust")

	_, _, err = w.CreateTx(&TxRequest{Recipients: []Recipient{{Address: dest, Amount: btcutil.MaxSatoshi + 1}}, FeeRate: 1})
	require.ErrorContains(t, err, "exceeds the maximum")
	_, _, err = w.CreateTx(&TxRequest{Recipients: []Recipient{{Address: dest, Amount: 1 << 63}}, FeeRate: 1})
	require.ErrorContains(t, err, "exceeds the maximum")

	_, _, err = w.CreateTx(&TxRequest{Recipients: []Recipient{{Address: "bc1qnotanaddress", Amount: 30000}}, FeeRate: 1})
	require.ErrorContains(t, err, "invalid address")

	_, _, err = w.CreateTx(&TxRequest{Recipients: pay, FeeRate: 1, Utxos: []wire.OutPoint{{Index: 9}}})
	require.ErrorContains(t, err, "unknown utxo")

	// Nothing was revealed by the failed attempts.
	next, err := w.store.NextIndex(store.Internal)
	require.NoError(t, err)
	require.Zero(t, next)
}

func TestParseOutPoint(t *testing.T) {
	txid := strings.Repeat("ab", 32)
	op, err := ParseOutPoint(txid + ":3")
	require.NoError(t, err)
	require.Equal(t, uint32(3), op.Index)
	require.Equal(t, txid, op.Hash.String())

	for _, s := range []string{"", txid, txid + ":x", "zz:1", txid + ":-1"} {
		_, err := ParseOutPoint(s)
		require.Error(t, err, s)
	}
}

func TestBroadcastErrors(t *testing.T) {
	w, c := fundedWallet(t, "wpkh", 100000)
	_, err := w.Broadcast(context.Background(), "zz")
	require.ErrorContains(t, err, "invalid transaction hex")
	_, err = w.Broadcast(context.Background(), "0100")
	require.ErrorContains(t, err, "invalid transaction")
	require.Empty(t, c.Broadcasts())
}
