package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrNotFinalized is returned when extracting a PSBT with unfinalized inputs.
var ErrNotFinalized = errors.New("psbt is not finalized")

// lockTimeThreshold separates block height lock times from timestamps.
const lockTimeThreshold = 500_000_000

func decodePsbt(s string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(strings.TrimSpace(s)), true)
	if err != nil {
		return nil, fmt.Errorf("invalid psbt: %w", err)
	}
	return packet, nil
}

// prevOutFetcher collects the outputs spent by the packet. Inputs with no
// known output get an empty placeholder so sighash midstate calculation can
// proceed; they are never signed.
func prevOutFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut, len(packet.Inputs)))
	for i, in := range packet.UnsignedTx.TxIn {
		out, err := spentOutput(packet, i)
		if err != nil {
			out = &wire.TxOut{}
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, out)
	}
	return fetcher
}

func spentOutput(packet *psbt.Packet, i int) (*wire.TxOut, error) {
	pIn := &packet.Inputs[i]
	if pIn.WitnessUtxo != nil {
		return pIn.WitnessUtxo, nil
	}
	if pIn.NonWitnessUtxo == nil {
		return nil, fmt.Errorf("input %d has no utxo information", i)
	}
	op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
	if pIn.NonWitnessUtxo.TxHash() != op.Hash {
		return nil, fmt.Errorf("input %d: non-witness utxo does not match outpoint", i)
	}
	if int(op.Index) >= len(pIn.NonWitnessUtxo.TxOut) {
		return nil, fmt.Errorf("input %d: outpoint index %d out of range", i, op.Index)
	}
	return pIn.NonWitnessUtxo.TxOut[op.Index], nil
}

// signingKey finds the private key for one of the input's BIP-32
// derivations among the wallet's descriptors.
func (w *Wallet) signingKey(pIn *psbt.PInput) (*btcec.PrivateKey, []byte, bool) {
	for _, deriv := range pIn.Bip32Derivation {
		fp := deriv.MasterKeyFingerprint
		fpBytes := [4]byte{byte(fp), byte(fp >> 8), byte(fp >> 16), byte(fp >> 24)}
		for _, k := range w.keychains() {
			priv, ok := w.keychainDescriptor(k).SigningKey(fpBytes, deriv.Bip32Path)
			if !ok {
				continue
			}
			if !bytes.Equal(priv.PubKey().SerializeCompressed(), deriv.PubKey) {
				continue
			}
			return priv, deriv.PubKey, true
		}
	}
	return nil, nil, false
}

func hasPartialSig(pIn *psbt.PInput, pub []byte) bool {
	for _, ps := range pIn.PartialSigs {
		if bytes.Equal(ps.PubKey, pub) {
			return true
		}
	}
	return false
}

func isFinalized(pIn *psbt.PInput) bool {
	return len(pIn.FinalScriptSig) > 0 || len(pIn.FinalScriptWitness) > 0
}

// Sign adds the wallet's signatures to a PSBT and finalizes the inputs it
// can. Inputs the wallet has no key for are left untouched. Finalization is
// held back while the transaction is height locked above assumeHeight,
// which defaults to the height of the last sync.
func (w *Wallet) Sign(psbtB64 string, assumeHeight fn.Option[uint32]) (string, bool, error) {
	packet, err := decodePsbt(psbtB64)
	if err != nil {
		return "", false, err
	}
	up, err := psbt.NewUpdater(packet)
	if err != nil {
		return "", false, err
	}

	tx := packet.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher(packet))

	var signed int
	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		if isFinalized(pIn) || len(pIn.Bip32Derivation) == 0 {
			continue
		}
		priv, pub, ok := w.signingKey(pIn)
		if !ok {
			log.Debugf("Skipping input %d: no key for its derivation", i)
			continue
		}
		if hasPartialSig(pIn, pub) {
			continue
		}
		prevOut, err := spentOutput(packet, i)
		if err != nil {
			return "", false, err
		}
		if pIn.SighashType != 0 && pIn.SighashType != txscript.SigHashAll {
			return "", false, fmt.Errorf("input %d: unsupported sighash type %v", i, pIn.SighashType)
		}

		var sig, redeem []byte
		switch {
		case txscript.IsPayToWitnessPubKeyHash(prevOut.PkScript):
			sig, err = txscript.RawTxInWitnessSignature(tx, sigHashes, i, prevOut.Value,
				prevOut.PkScript, txscript.SigHashAll, priv)
		case txscript.IsPayToScriptHash(prevOut.PkScript):
			redeem = pIn.RedeemScript
			if !txscript.IsPayToWitnessPubKeyHash(redeem) {
				return "", false, fmt.Errorf("input %d: unsupported redeem script", i)
			}
			sig, err = txscript.RawTxInWitnessSignature(tx, sigHashes, i, prevOut.Value,
				redeem, txscript.SigHashAll, priv)
		case txscript.IsPayToPubKeyHash(prevOut.PkScript):
			if pIn.NonWitnessUtxo == nil {
				return "", false, fmt.Errorf("input %d: legacy input without previous transaction", i)
			}
			sig, err = txscript.RawTxInSignature(tx, i, prevOut.PkScript, txscript.SigHashAll, priv)
		default:
			return "", false, fmt.Errorf("input %d: unsupported output script", i)
		}
		if err != nil {
			return "", false, fmt.Errorf("input %d: error signing: %w", i, err)
		}
		outcome, err := up.Sign(i, sig, pub, redeem, nil)
		if err != nil {
			return "", false, fmt.Errorf("input %d: %w", i, err)
		}
		if outcome == psbt.SignInvalid {
			return "", false, fmt.Errorf("input %d: signature rejected", i)
		}
		signed++
	}

	height := assumeHeight
	if height.IsNone() {
		tip, synced, err := w.store.SyncTip()
		if err != nil {
			return "", false, err
		}
		if synced {
			height = fn.Some(tip)
		}
	}
	if lt := tx.LockTime; lt > 0 && lt < lockTimeThreshold && height.IsSome() &&
		height.UnwrapOr(0) < lt {

		log.Infof("Not finalizing: locked until height %d, assumed height %d", lt, height.UnwrapOr(0))
	} else {
		for i := range packet.Inputs {
			if isFinalized(&packet.Inputs[i]) || len(packet.Inputs[i].PartialSigs) == 0 {
				continue
			}
			if _, err := psbt.MaybeFinalize(packet, i); err != nil {
				log.Debugf("Input %d not finalized: %v", i, err)
			}
		}
	}

	out, err := packet.B64Encode()
	if err != nil {
		return "", false, err
	}
	finalized := packet.IsComplete()
	log.Debugf("Signed %d of %d inputs, finalized %v", signed, len(packet.Inputs), finalized)
	return out, finalized, nil
}

// ExtractPsbt returns the network transaction of a finalized PSBT.
func ExtractPsbt(psbtB64 string) (*wire.MsgTx, error) {
	packet, err := decodePsbt(psbtB64)
	if err != nil {
		return nil, err
	}
	if !packet.IsComplete() {
		return nil, ErrNotFinalized
	}
	return psbt.Extract(packet)
}

// Broadcast submits a raw transaction to the chain backend.
func (w *Wallet) Broadcast(ctx context.Context, rawHex string) (chainhash.Hash, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid transaction hex: %w", err)
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid transaction: %w", err)
	}
	backend, err := w.chainBackend()
	if err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := backend.Broadcast(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("error broadcasting %s: %w", tx.TxHash(), err)
	}
	log.Infof("Broadcast transaction %s", txid)
	return txid, nil
}
