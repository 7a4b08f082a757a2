// Package dispatch decodes boundary requests, runs them against the wallet
// instances it owns and encodes the response.
package dispatch

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"example.com/libdescwallet/internal/engine"
	"example.com/libdescwallet/internal/keys"
	"example.com/libdescwallet/internal/registry"
	"example.com/libdescwallet/internal/store"
	"example.com/libdescwallet/walletrpc"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config configures a Dispatcher.
type Config struct {
	// NewChain creates the chain backend of each wallet. Nil means
	// engine.ElectrumChain.
	NewChain engine.ChainFactory
	// SetLogLevel applies set_log_level. Nil makes set_log_level an
	// error.
	SetLogLevel func(level string) error
}

// Dispatcher owns the live wallet instances of one boundary.
type Dispatcher struct {
	cfg     Config
	wallets *registry.Registry[*engine.Wallet]
}

// New creates a Dispatcher with no wallets.
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{wallets: registry.New[*engine.Wallet]()}
	if cfg != nil {
		d.cfg = *cfg
	}
	if d.cfg.NewChain == nil {
		d.cfg.NewChain = engine.ElectrumChain
	}
	return d
}

// secretMethods carry key material in their parameters and are never
// dumped to the log.
var secretMethods = map[walletrpc.Method]bool{
	walletrpc.MethodConstructor:         true,
	walletrpc.MethodGenerateExtendedKey: true,
	walletrpc.MethodRestoreExtendedKey:  true,
}

// Call runs one encoded request and returns the encoded response. It never
// panics.
func (d *Dispatcher) Call(raw string) (resp string) {
	var method walletrpc.Method
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic in %q: %v\n%s", method, r, debug.Stack())
			resp = walletrpc.ErrorResponse("%s error: %v", method, r)
		}
	}()

	req, err := walletrpc.DecodeRequest([]byte(raw))
	if err != nil {
		log.Debugf("Rejected request: %v", err)
		return walletrpc.ErrorResponse("%v", err)
	}
	method = req.Method()
	if !secretMethods[method] {
		log.Tracef("%s request: %v", method, newLogClosure(func() string {
			return spew.Sdump(req)
		}))
	}

	res, err := d.handle(req)
	if err != nil {
		log.Debugf("%s failed: %v", method, err)
		return walletrpc.ErrorResponse("%s error: %v", method, err)
	}
	s, err := walletrpc.EncodeResult(res)
	if err != nil {
		return walletrpc.ErrorResponse("%s error: %v", method, err)
	}
	return s
}

// Close releases every wallet still registered.
func (d *Dispatcher) Close() error {
	var err error
	for _, w := range d.wallets.Drain() {
		if cerr := w.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// Len is the number of live wallets.
func (d *Dispatcher) Len() int {
	return d.wallets.Len()
}

func (d *Dispatcher) handle(req walletrpc.Request) (any, error) {
	switch r := req.(type) {
	case *walletrpc.ConstructorParams:
		return d.construct(r)
	case *walletrpc.DestructorParams:
		w, err := d.wallets.Release(r.Wallet)
		if err != nil {
			return nil, err
		}
		// The handle is gone either way.
		if err := w.Close(); err != nil {
			log.Errorf("Error closing wallet %v: %v", r.Wallet, err)
		}
		return nil, nil
	case *walletrpc.GenerateExtendedKeyParams:
		net, err := r.Network.Params()
		if err != nil {
			return nil, err
		}
		k, err := keys.Generate(net, r.WordCount, r.Password.Option().UnwrapOr(""))
		if err != nil {
			return nil, err
		}
		return extendedKeyInfo(k), nil
	case *walletrpc.RestoreExtendedKeyParams:
		net, err := r.Network.Params()
		if err != nil {
			return nil, err
		}
		k, err := keys.Restore(net, r.Mnemonic, r.Password.Option().UnwrapOr(""))
		if err != nil {
			return nil, err
		}
		return extendedKeyInfo(k), nil
	case *walletrpc.SetLogLevelParams:
		if d.cfg.SetLogLevel == nil {
			return nil, errors.New("log level cannot be changed")
		}
		return nil, d.cfg.SetLogLevel(r.Level)
	case *walletrpc.VersionParams:
		return &walletrpc.VersionResult{Version: walletrpc.Version}, nil
	case walletrpc.HandleRequest:
		var res any
		err := d.wallets.With(r.Handle(), func(w *engine.Wallet) error {
			var err error
			res, err = walletCall(w, r)
			return err
		})
		return res, err
	}
	return nil, fmt.Errorf("unhandled request %T", req)
}

func (d *Dispatcher) construct(r *walletrpc.ConstructorParams) (*walletrpc.WalletHandle, error) {
	net, err := r.Network.Params()
	if err != nil {
		return nil, err
	}
	cfg := &engine.Config{
		Name:             r.Name,
		Net:              net,
		Path:             r.Path,
		Descriptor:       r.Descriptor,
		ChangeDescriptor: r.ChangeDescriptor.Option(),
		StopGap:          r.ElectrumStopGap.Option(),
		Chain: engine.ChainConfig{
			URL:            r.ElectrumURL,
			Proxy:          r.ElectrumProxy.Option(),
			Retry:          r.ElectrumRetry.Option(),
			ValidateDomain: r.ElectrumValidateDomain.Option(),
		},
	}
	if secs, ok := r.ElectrumTimeout.Get(); ok {
		cfg.Chain.Timeout = fn.Some(time.Duration(secs) * time.Second)
	}
	w, err := engine.Open(cfg, d.cfg.NewChain)
	if err != nil {
		return nil, err
	}
	h := d.wallets.Register(w)
	log.Infof("Constructed wallet %q, %d live", r.Name, d.wallets.Len())
	return &h, nil
}

func walletCall(w *engine.Wallet, req walletrpc.HandleRequest) (any, error) {
	switch r := req.(type) {
	case *walletrpc.GetNewAddressParams:
		addr, err := w.NewAddress()
		if err != nil {
			return nil, err
		}
		return addr.EncodeAddress(), nil
	case *walletrpc.SyncParams:
		return nil, w.Sync(context.Background(), engine.SyncOptions{
			MaxAddress: r.MaxAddress.Option(),
			BatchSize:  r.BatchQuerySize.Option(),
		})
	case *walletrpc.ListUnspentParams:
		utxos, err := w.Utxos()
		if err != nil {
			return nil, err
		}
		out := make([]walletrpc.LocalUtxo, 0, len(utxos))
		for _, u := range utxos {
			keychain := walletrpc.KeychainExternal
			if u.Keychain == store.Internal {
				keychain = walletrpc.KeychainInternal
			}
			out = append(out, walletrpc.LocalUtxo{
				Outpoint: u.OutPoint.String(),
				TxOut: walletrpc.TxOut{
					ScriptPubkey: u.PkScript,
					Value:        walletrpc.Amount(u.Value),
				},
				Keychain: keychain,
			})
		}
		return out, nil
	case *walletrpc.GetBalanceParams:
		bal, err := w.Balance()
		if err != nil {
			return nil, err
		}
		return walletrpc.Amount(bal), nil
	case *walletrpc.ListTransactionsParams:
		txs, err := w.Transactions(r.IncludeRaw.Option().UnwrapOr(false))
		if err != nil {
			return nil, err
		}
		out := make([]walletrpc.TransactionDetails, 0, len(txs))
		for _, tx := range txs {
			details, err := transactionDetails(tx)
			if err != nil {
				return nil, err
			}
			out = append(out, *details)
		}
		return out, nil
	case *walletrpc.CreateTxParams:
		txReq, err := txRequest(r)
		if err != nil {
			return nil, err
		}
		details, packet, err := w.CreateTx(txReq)
		if err != nil {
			return nil, err
		}
		b64, err := packet.B64Encode()
		if err != nil {
			return nil, err
		}
		res, err := transactionDetails(details)
		if err != nil {
			return nil, err
		}
		return &walletrpc.CreateTxResult{Details: *res, Psbt: b64}, nil
	case *walletrpc.SignParams:
		var height fn.Option[uint32]
		if h, ok := r.AssumeHeight.Get(); ok {
			height = fn.Some(uint32(h))
		}
		psbt, finalized, err := w.Sign(r.Psbt, height)
		if err != nil {
			return nil, err
		}
		return &walletrpc.SignResult{Psbt: psbt, Finalized: finalized}, nil
	case *walletrpc.ExtractPsbtParams:
		tx, err := engine.ExtractPsbt(r.Psbt)
		if err != nil {
			return nil, err
		}
		s, err := txHex(tx)
		if err != nil {
			return nil, err
		}
		return &walletrpc.RawTransaction{Transaction: s}, nil
	case *walletrpc.BroadcastParams:
		txid, err := w.Broadcast(context.Background(), r.RawTx)
		if err != nil {
			return nil, err
		}
		return &walletrpc.BroadcastResult{Txid: txid.String()}, nil
	case *walletrpc.PublicDescriptorsParams:
		ext, internal, err := w.PublicDescriptors()
		if err != nil {
			return nil, err
		}
		res := &walletrpc.PublicDescriptorsResult{External: ext}
		if internal.IsSome() {
			s := internal.UnwrapOr("")
			res.Internal = &s
		}
		return res, nil
	}
	return nil, fmt.Errorf("unhandled request %T", req)
}

func txRequest(r *walletrpc.CreateTxParams) (*engine.TxRequest, error) {
	req := &engine.TxRequest{
		FeeRate: r.FeeRate,
		SendAll: r.SendAll.Option().UnwrapOr(false),
		Policy:  r.Policy.Option().UnwrapOr(nil),
	}
	for _, a := range r.Addressees {
		if a.Amount > btcutil.MaxSatoshi {
			return nil, fmt.Errorf("amount %d to %s exceeds the maximum of %d", uint64(a.Amount),
				a.Address, int64(btcutil.MaxSatoshi))
		}
		req.Recipients = append(req.Recipients, engine.Recipient{
			Address: a.Address,
			Amount:  uint64(a.Amount),
		})
	}
	var err error
	if req.Utxos, err = outPoints(r.Utxos.Option().UnwrapOr(nil)); err != nil {
		return nil, err
	}
	if req.Unspendable, err = outPoints(r.Unspendable.Option().UnwrapOr(nil)); err != nil {
		return nil, err
	}
	return req, nil
}

func outPoints(ss []string) ([]wire.OutPoint, error) {
	ops := make([]wire.OutPoint, 0, len(ss))
	for _, s := range ss {
		op, err := engine.ParseOutPoint(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func txHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func transactionDetails(tx *engine.TxDetails) (*walletrpc.TransactionDetails, error) {
	d := &walletrpc.TransactionDetails{
		Txid:     tx.Txid.String(),
		Received: walletrpc.Amount(tx.Received),
		Sent:     walletrpc.Amount(tx.Sent),
		Verified: tx.Verified,
	}
	if tx.Tx.IsSome() {
		s, err := txHex(tx.Tx.UnwrapOr(nil))
		if err != nil {
			return nil, err
		}
		d.Transaction = &s
	}
	if tx.Fee.IsSome() {
		fee := walletrpc.Amount(tx.Fee.UnwrapOr(0))
		d.Fee = &fee
	}
	if tx.Confirm.IsSome() {
		bt := tx.Confirm.UnwrapOr(engine.BlockTime{})
		d.ConfirmationTime = &walletrpc.ConfirmationTime{
			Height:    walletrpc.Height(bt.Height),
			Timestamp: bt.Timestamp,
		}
	}
	return d, nil
}

func extendedKeyInfo(k *keys.ExtendedKey) *walletrpc.ExtendedKeyInfo {
	return &walletrpc.ExtendedKeyInfo{
		Mnemonic:    k.Mnemonic,
		Xprv:        k.Xprv,
		Fingerprint: k.Fingerprint,
	}
}
