// Package engine is the descriptor wallet: address derivation, chain sync,
// transaction building and signing.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"example.com/libdescwallet/internal/chain"
	"example.com/libdescwallet/internal/descriptor"
	"example.com/libdescwallet/internal/store"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Wallet is an open descriptor wallet. It is not safe for concurrent use.
type Wallet struct {
	cfg      *Config
	external *descriptor.Descriptor
	internal *descriptor.Descriptor

	store   *store.Wallet
	scripts map[string]store.ScriptInfo

	newChain ChainFactory
	backend  chain.Backend
}

// Open parses the descriptors and opens the wallet's store. The chain
// backend is not contacted.
func Open(cfg *Config, newChain ChainFactory) (*Wallet, error) {
	if cfg.Net == nil {
		return nil, errors.New("no network")
	}
	ext, err := descriptor.Parse(cfg.Descriptor, cfg.Net)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	extPub, err := ext.Public()
	if err != nil {
		return nil, err
	}

	var internal *descriptor.Descriptor
	var intPub string
	if cfg.ChangeDescriptor.IsSome() {
		internal, err = descriptor.Parse(cfg.ChangeDescriptor.UnwrapOr(""), cfg.Net)
		if err != nil {
			return nil, fmt.Errorf("invalid change descriptor: %w", err)
		}
		if intPub, err = internal.Public(); err != nil {
			return nil, err
		}
		if intPub == extPub {
			return nil, errors.New("descriptor and change descriptor are the same")
		}
	}

	st, err := store.Open(cfg.Path, cfg.Name, cfg.Net)
	if err != nil {
		return nil, err
	}
	if err := st.CheckDescriptors(extPub, intPub); err != nil {
		st.Close()
		return nil, err
	}
	scripts, err := st.Scripts()
	if err != nil {
		st.Close()
		return nil, err
	}

	log.Infof("Opened wallet %q (%s)", cfg.Name, cfg.Net.Name)
	return &Wallet{
		cfg:      cfg,
		external: ext,
		internal: internal,
		store:    st,
		scripts:  scripts,
		newChain: newChain,
	}, nil
}

// Close releases the store and the chain backend.
func (w *Wallet) Close() error {
	var err error
	if w.backend != nil {
		err = w.backend.Close()
		w.backend = nil
	}
	if serr := w.store.Close(); serr != nil {
		err = serr
	}
	log.Debugf("Closed wallet %q", w.cfg.Name)
	return err
}

func (w *Wallet) chainBackend() (chain.Backend, error) {
	if w.backend != nil {
		return w.backend, nil
	}
	if w.newChain == nil {
		return nil, errors.New("no chain backend configured")
	}
	b, err := w.newChain(&w.cfg.Chain)
	if err != nil {
		return nil, err
	}
	w.backend = b
	return b, nil
}

func (w *Wallet) keychains() []store.Keychain {
	if w.internal == nil {
		return []store.Keychain{store.External}
	}
	return []store.Keychain{store.External, store.Internal}
}

func (w *Wallet) keychainDescriptor(k store.Keychain) *descriptor.Descriptor {
	if k == store.Internal && w.internal != nil {
		return w.internal
	}
	return w.external
}

// changeKeychain is where change goes. Without a change descriptor it is
// the external keychain.
func (w *Wallet) changeKeychain() store.Keychain {
	if w.internal == nil {
		return store.External
	}
	return store.Internal
}

func (w *Wallet) owned(script []byte) (store.ScriptInfo, bool) {
	info, found := w.scripts[string(script)]
	return info, found
}

func (w *Wallet) reveal(k store.Keychain) (*descriptor.Derived, error) {
	desc := w.keychainDescriptor(k)
	var derived *descriptor.Derived
	_, err := w.store.RevealNext(k, func(i uint32) ([]byte, error) {
		var err error
		derived, err = desc.Derive(i)
		if err != nil {
			return nil, err
		}
		return derived.Script, nil
	})
	if err != nil {
		return nil, err
	}
	w.scripts[string(derived.Script)] = store.ScriptInfo{Keychain: k, Index: derived.Index}
	return derived, nil
}

// NewAddress reveals the next external address.
func (w *Wallet) NewAddress() (btcutil.Address, error) {
	d, err := w.reveal(store.External)
	if err != nil {
		return nil, err
	}
	log.Debugf("Revealed address %s at index %d", d.Address, d.Index)
	return d.Address, nil
}

// PublicDescriptors returns the watch-only descriptors. The internal one is
// None when the wallet has no change descriptor.
func (w *Wallet) PublicDescriptors() (string, fn.Option[string], error) {
	ext, err := w.external.Public()
	if err != nil {
		return "", fn.None[string](), err
	}
	if w.internal == nil {
		return ext, fn.None[string](), nil
	}
	internal, err := w.internal.Public()
	if err != nil {
		return "", fn.None[string](), err
	}
	return ext, fn.Some(internal), nil
}

// Utxos returns the unspent outputs found by the last sync.
func (w *Wallet) Utxos() ([]*store.Utxo, error) {
	return w.store.Utxos()
}

// Balance is the sum of all unspent outputs, confirmed or not, leaving out
// immature coinbase outputs.
func (w *Wallet) Balance() (uint64, error) {
	return w.store.Balance()
}

// BlockTime is the block a transaction confirmed in.
type BlockTime struct {
	Height    uint32
	Timestamp uint64
}

// TxDetails is a wallet transaction.
type TxDetails struct {
	Txid     chainhash.Hash
	Tx       fn.Option[*wire.MsgTx]
	Received uint64
	Sent     uint64
	Fee      fn.Option[uint64]
	Confirm  fn.Option[BlockTime]
	Verified bool
}

func detailsFromRecord(rec *store.TxRecord, includeRaw bool) (*TxDetails, error) {
	d := &TxDetails{
		Txid:     rec.Txid,
		Tx:       fn.None[*wire.MsgTx](),
		Received: rec.Received,
		Sent:     rec.Sent,
		Fee:      fn.None[uint64](),
		Confirm:  fn.None[BlockTime](),
		Verified: rec.Verified,
	}
	if rec.Fee != nil {
		d.Fee = fn.Some(*rec.Fee)
	}
	if rec.Height > 0 {
		d.Confirm = fn.Some(BlockTime{Height: rec.Height, Timestamp: rec.Timestamp})
	}
	if includeRaw {
		tx := new(wire.MsgTx)
		if err := tx.Deserialize(bytes.NewReader(rec.Raw)); err != nil {
			return nil, fmt.Errorf("stored transaction %s: %w", rec.Txid, err)
		}
		d.Tx = fn.Some(tx)
	}
	return d, nil
}

// Transactions lists wallet transactions, confirmed ones first by height.
func (w *Wallet) Transactions(includeRaw bool) ([]*TxDetails, error) {
	recs, err := w.store.Txs()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		hi, hj := recs[i].Height, recs[j].Height
		if (hi == 0) != (hj == 0) {
			return hj == 0
		}
		if hi != hj {
			return hi < hj
		}
		return recs[i].Txid.String() < recs[j].Txid.String()
	})
	out := make([]*TxDetails, 0, len(recs))
	for _, rec := range recs {
		d, err := detailsFromRecord(rec, includeRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
