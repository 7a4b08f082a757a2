package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"example.com/libdescwallet/internal/chain"
	"example.com/libdescwallet/internal/store"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// SyncOptions tune a sync. MaxAddress overrides the configured stop gap.
type SyncOptions struct {
	MaxAddress fn.Option[uint32]
	BatchSize  fn.Option[uint32]
}

// Sync scans the chain for the wallet's scripts and replaces the stored
// transactions and unspent outputs with what it finds.
func (w *Wallet) Sync(ctx context.Context, opts SyncOptions) error {
	backend, err := w.chainBackend()
	if err != nil {
		return err
	}
	gap := opts.MaxAddress.UnwrapOr(w.cfg.stopGap())
	if gap == 0 {
		gap = 1
	}
	batch := opts.BatchSize.UnwrapOr(DefaultBatchSize)
	if batch == 0 {
		batch = 1
	}

	tip, err := backend.TipHeight(ctx)
	if err != nil {
		return fmt.Errorf("error getting tip height: %w", err)
	}
	log.Infof("Syncing wallet %q to height %d (gap %d, batch %d)", w.cfg.Name, tip, gap, batch)

	history := make(map[chainhash.Hash]int32)
	state := &store.SyncState{
		Scripts:  make(map[string]store.ScriptInfo),
		LastUsed: make(map[store.Keychain]uint32),
		Tip:      tip,
	}
	for _, k := range w.keychains() {
		if err := w.scanKeychain(ctx, backend, k, gap, batch, history, state); err != nil {
			return err
		}
	}

	stored, err := w.store.Txs()
	if err != nil {
		return err
	}
	prevRecs := make(map[chainhash.Hash]*store.TxRecord, len(stored))
	for _, rec := range stored {
		prevRecs[rec.Txid] = rec
	}

	// Wallet transactions, reusing what the last sync stored.
	txs := make(map[chainhash.Hash]*wire.MsgTx, len(history))
	var missing []chainhash.Hash
	for txid := range history {
		rec, found := prevRecs[txid]
		if !found {
			missing = append(missing, txid)
			continue
		}
		tx := new(wire.MsgTx)
		if err := tx.Deserialize(bytes.NewReader(rec.Raw)); err != nil {
			missing = append(missing, txid)
			continue
		}
		txs[txid] = tx
	}
	fetched, err := fetchTxs(ctx, backend, missing, int(batch), true)
	if err != nil {
		return err
	}
	for txid, tx := range fetched {
		txs[txid] = tx
	}

	// Parents of new transactions, for fees.
	parentSet := make(map[chainhash.Hash]struct{})
	for txid, tx := range txs {
		if rec, found := prevRecs[txid]; found && rec.Fee != nil {
			continue
		}
		if blockchain.IsCoinBaseTx(tx) {
			continue
		}
		for _, in := range tx.TxIn {
			if _, found := txs[in.PreviousOutPoint.Hash]; !found {
				parentSet[in.PreviousOutPoint.Hash] = struct{}{}
			}
		}
	}
	parentIDs := make([]chainhash.Hash, 0, len(parentSet))
	for txid := range parentSet {
		parentIDs = append(parentIDs, txid)
	}
	parents, err := fetchTxs(ctx, backend, parentIDs, int(batch), false)
	if err != nil {
		return err
	}

	prevOut := func(op wire.OutPoint) *wire.TxOut {
		tx, found := txs[op.Hash]
		if !found {
			tx, found = parents[op.Hash]
		}
		if !found || int(op.Index) >= len(tx.TxOut) {
			return nil
		}
		return tx.TxOut[op.Index]
	}

	headers := make(map[uint32]*wire.BlockHeader)
	state.Txs = make([]*store.TxRecord, 0, len(txs))
	for txid, tx := range txs {
		rec, err := w.txRecord(txid, tx, prevOut, prevRecs[txid])
		if err != nil {
			return err
		}
		if height := history[txid]; height > 0 {
			if err := w.confirm(ctx, backend, rec, uint32(height), headers, prevRecs[txid]); err != nil {
				return err
			}
		}
		state.Txs = append(state.Txs, rec)
	}

	if err := w.store.CommitSync(state); err != nil {
		return err
	}
	for script, info := range state.Scripts {
		w.scripts[script] = info
	}
	utxos, err := w.store.Utxos()
	if err != nil {
		return err
	}
	log.Infof("Synced wallet %q: %d transactions, %d unspent outputs", w.cfg.Name, len(state.Txs), len(utxos))
	return nil
}

// scanKeychain queries scripts of keychain k in batches until gap
// consecutive scripts past the last used one, and past every revealed
// index, have no history. The derived scripts and the last used index go
// into state.
func (w *Wallet) scanKeychain(ctx context.Context, backend chain.Backend, k store.Keychain,
	gap, batch uint32, history map[chainhash.Hash]int32, state *store.SyncState) error {

	desc := w.keychainDescriptor(k)
	next, err := w.store.NextIndex(k)
	if err != nil {
		return err
	}
	lastUsed := int64(-1)
	for start := uint32(0); ; start += batch {
		count := batch
		if !desc.IsRanged() {
			count = 1
		}
		scripts := make([][]byte, 0, count)
		for i := start; i < start+count; i++ {
			d, err := desc.Derive(i)
			if err != nil {
				return err
			}
			scripts = append(scripts, d.Script)
			state.Scripts[string(d.Script)] = store.ScriptInfo{Keychain: k, Index: i}
		}
		hist, err := backend.History(ctx, scripts)
		if err != nil {
			return fmt.Errorf("error fetching script history: %w", err)
		}
		if len(hist) != len(scripts) {
			return fmt.Errorf("backend returned %d histories for %d scripts", len(hist), len(scripts))
		}
		for i, items := range hist {
			if len(items) > 0 {
				lastUsed = int64(start) + int64(i)
			}
			for _, item := range items {
				history[item.Txid] = item.Height
			}
		}
		if !desc.IsRanged() {
			break
		}
		scanned := int64(start) + int64(count)
		if scanned >= int64(next) && scanned-(lastUsed+1) >= int64(gap) {
			break
		}
	}
	log.Debugf("Scanned %s keychain, last used index %d", k, lastUsed)

	if lastUsed >= 0 {
		state.LastUsed[k] = uint32(lastUsed)
	}
	return nil
}

// fetchTxs downloads ids. When required is false a transaction the backend
// cannot provide is skipped.
func fetchTxs(ctx context.Context, backend chain.Backend, ids []chainhash.Hash, limit int,
	required bool) (map[chainhash.Hash]*wire.MsgTx, error) {

	out := make(map[chainhash.Hash]*wire.MsgTx, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var mtx sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, txid := range ids {
		txid := txid
		g.Go(func() error {
			tx, err := backend.Transaction(gctx, txid)
			if err != nil && !required && gctx.Err() == nil {
				log.Debugf("Skipping transaction %s: %v", txid, err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("error fetching transaction %s: %w", txid, err)
			}
			mtx.Lock()
			out[txid] = tx
			mtx.Unlock()
			return nil
		})
	}
	return out, g.Wait()
}

func (w *Wallet) txRecord(txid chainhash.Hash, tx *wire.MsgTx, prevOut func(wire.OutPoint) *wire.TxOut,
	prev *store.TxRecord) (*store.TxRecord, error) {

	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return nil, err
	}
	rec := &store.TxRecord{Txid: txid, Raw: raw.Bytes()}

	var outSum uint64
	for i, out := range tx.TxOut {
		if !validValue(out.Value) {
			return nil, fmt.Errorf("transaction %s output %d has invalid value %d", txid, i, out.Value)
		}
		outSum += uint64(out.Value)
	}

	feeKnown := !blockchain.IsCoinBaseTx(tx)
	var inSum uint64
	for _, in := range tx.TxIn {
		out := prevOut(in.PreviousOutPoint)
		if out == nil || !validValue(out.Value) {
			feeKnown = false
			continue
		}
		inSum += uint64(out.Value)
	}
	switch {
	case feeKnown && inSum >= outSum:
		fee := inSum - outSum
		rec.Fee = &fee
	case prev != nil && prev.Fee != nil:
		fee := *prev.Fee
		rec.Fee = &fee
	}
	return rec, nil
}

// confirm fills in the block time and checks the merkle proof of a
// confirmed transaction.
func (w *Wallet) confirm(ctx context.Context, backend chain.Backend, rec *store.TxRecord, height uint32,
	headers map[uint32]*wire.BlockHeader, prev *store.TxRecord) error {

	hdr, found := headers[height]
	if !found {
		var err error
		hdr, err = backend.BlockHeader(ctx, height)
		if err != nil {
			return fmt.Errorf("error fetching header at height %d: %w", height, err)
		}
		headers[height] = hdr
	}
	rec.Height = height
	rec.BlockHash = hdr.BlockHash()
	rec.Timestamp = uint64(hdr.Timestamp.Unix())

	if prev != nil && prev.Verified && prev.Height == height && prev.BlockHash == rec.BlockHash {
		rec.Verified = true
		return nil
	}
	proof, err := backend.Merkle(ctx, rec.Txid, height)
	if err != nil {
		log.Warnf("No merkle proof for %s at height %d: %v", rec.Txid, height, err)
		return nil
	}
	rec.Verified = proof.BlockHeight == height && chain.VerifyMerkle(rec.Txid, proof, hdr.MerkleRoot)
	if !rec.Verified {
		log.Warnf("Merkle proof for %s does not match block %d", rec.Txid, height)
	}
	return nil
}

// validValue reports whether v is a possible output value.
func validValue(v int64) bool {
	return v >= 0 && v <= btcutil.MaxSatoshi
}
