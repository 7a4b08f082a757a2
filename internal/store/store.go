// Package store persists wallet state in a walletdb (bbolt) database. Several
// wallets can share one database file, each under its own top-level bucket.
// Transactions and unspent outputs are kept in a wtxmgr namespace inside the
// wallet's bucket.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

const (
	dbName    = "wallet.db"
	dbTimeout = 60 * time.Second
)

var (
	// ErrDescriptorMismatch is returned when a wallet is reopened with
	// different descriptors than it was created with.
	ErrDescriptorMismatch = errors.New("descriptor does not match the one stored for this wallet")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wallet store is closed")
)

var (
	metaBucket    = []byte("meta")
	indexBucket   = []byte("index")
	scriptsBucket = []byte("scripts")
	txMetaBucket  = []byte("txmeta")
	txmgrBucket   = []byte("wtxmgr")

	externalKey = []byte("external")
	internalKey = []byte("internal")
	syncTipKey  = []byte("synctip")
)

// Keychain is a derivation branch.
type Keychain uint8

const (
	External Keychain = iota
	Internal
)

func (k Keychain) String() string {
	if k == Internal {
		return "internal"
	}
	return "external"
}

// ScriptInfo locates an owned script in its descriptor.
type ScriptInfo struct {
	Keychain Keychain `json:"keychain"`
	Index    uint32   `json:"index"`
}

// TxRecord is a wallet transaction as of the last sync. Received and Sent
// are computed from the stored credits and debits and are ignored by
// CommitSync.
type TxRecord struct {
	Txid      chainhash.Hash
	Raw       []byte
	Received  uint64
	Sent      uint64
	Fee       *uint64
	Height    uint32
	BlockHash chainhash.Hash
	Timestamp uint64
	Verified  bool
}

// txMeta is what the wallet knows about a transaction beyond wtxmgr's
// record of it.
type txMeta struct {
	Fee      *uint64 `json:"fee,omitempty"`
	Verified bool    `json:"verified"`
}

// Utxo is an owned unspent output.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    uint64
	PkScript []byte
	Keychain Keychain
	Index    uint32
	Height   uint32
}

// SyncState is the outcome of a chain scan. It replaces the transactions of
// the previous sync, adds Scripts to the known scripts and moves the next
// index of each keychain in LastUsed past the used index.
type SyncState struct {
	Txs      []*TxRecord
	Scripts  map[string]ScriptInfo
	LastUsed map[Keychain]uint32
	Tip      uint32
}

type sharedDB struct {
	walletdb.DB
	path string
	refs int
}

var (
	poolMtx sync.Mutex
	pool    = make(map[string]*sharedDB)
)

func acquire(dir string) (*sharedDB, error) {
	path, err := filepath.Abs(filepath.Join(dir, dbName))
	if err != nil {
		return nil, err
	}

	poolMtx.Lock()
	defer poolMtx.Unlock()
	if db, found := pool[path]; found {
		db.refs++
		return db, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("error creating wallet directory: %w", err)
	}
	db, err := walletdb.Open("bdb", path, true, dbTimeout)
	if errors.Is(err, walletdb.ErrDbDoesNotExist) {
		log.Infof("Creating wallet database at %s", path)
		db, err = walletdb.Create("bdb", path, true, dbTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open wallet database: %w", err)
	}
	s := &sharedDB{DB: db, path: path, refs: 1}
	pool[path] = s
	return s, nil
}

func (s *sharedDB) release() error {
	poolMtx.Lock()
	defer poolMtx.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(pool, s.path)
	return s.DB.Close()
}

// Wallet is the persisted state of one named wallet.
type Wallet struct {
	mtx     sync.Mutex
	db      *sharedDB
	name    []byte
	txStore *wtxmgr.Store
}

// Open opens or creates the wallet called name in the database under dir.
func Open(dir, name string, net *chaincfg.Params) (*Wallet, error) {
	db, err := acquire(dir)
	if err != nil {
		return nil, err
	}
	w := &Wallet{db: db, name: []byte("wallet-" + name)}
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root, err := tx.CreateTopLevelBucket(w.name)
		if err != nil {
			return err
		}
		for _, b := range [][]byte{metaBucket, indexBucket, scriptsBucket, txMetaBucket} {
			if _, err := root.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		ns := root.NestedReadWriteBucket(txmgrBucket)
		if ns == nil {
			if ns, err = root.CreateBucket(txmgrBucket); err != nil {
				return err
			}
			if err := wtxmgr.Create(ns); err != nil {
				return err
			}
		}
		w.txStore, err = wtxmgr.Open(ns, net)
		return err
	})
	if err != nil {
		db.release()
		return nil, err
	}
	return w, nil
}

// Close releases the database. It is safe to call more than once.
func (w *Wallet) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.db == nil {
		return nil
	}
	db := w.db
	w.db = nil
	return db.release()
}

func (w *Wallet) database() (walletdb.DB, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.db == nil {
		return nil, ErrClosed
	}
	return w.db, nil
}

func (w *Wallet) update(f func(root walletdb.ReadWriteBucket) error) error {
	db, err := w.database()
	if err != nil {
		return err
	}
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		return f(tx.ReadWriteBucket(w.name))
	})
}

func (w *Wallet) view(f func(root walletdb.ReadBucket) error) error {
	db, err := w.database()
	if err != nil {
		return err
	}
	return walletdb.View(db, func(tx walletdb.ReadTx) error {
		return f(tx.ReadBucket(w.name))
	})
}

// CheckDescriptors records the descriptors on first use and verifies them on
// every later open. An empty internal descriptor means none.
func (w *Wallet) CheckDescriptors(external, internal string) error {
	return w.update(func(root walletdb.ReadWriteBucket) error {
		meta := root.NestedReadWriteBucket(metaBucket)
		stored := meta.Get(externalKey)
		if stored == nil {
			if err := meta.Put(externalKey, []byte(external)); err != nil {
				return err
			}
			return meta.Put(internalKey, []byte(internal))
		}
		if string(stored) != external || string(meta.Get(internalKey)) != internal {
			return ErrDescriptorMismatch
		}
		return nil
	})
}

func indexKey(k Keychain) []byte {
	return []byte{byte(k)}
}

func getUint32(b walletdb.ReadBucket, key []byte) (uint32, bool) {
	v := b.Get(key)
	if len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

func putUint32(b walletdb.ReadWriteBucket, key []byte, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return b.Put(key, buf[:])
}

// NextIndex is the first index of k that has not been handed out.
func (w *Wallet) NextIndex(k Keychain) (uint32, error) {
	var next uint32
	err := w.view(func(root walletdb.ReadBucket) error {
		next, _ = getUint32(root.NestedReadBucket(indexBucket), indexKey(k))
		return nil
	})
	return next, err
}

// RevealNext hands out the next index of k and records script as belonging
// to it.
func (w *Wallet) RevealNext(k Keychain, script func(uint32) ([]byte, error)) (uint32, error) {
	var idx uint32
	err := w.update(func(root walletdb.ReadWriteBucket) error {
		indexes := root.NestedReadWriteBucket(indexBucket)
		idx, _ = getUint32(indexes, indexKey(k))
		pkScript, err := script(idx)
		if err != nil {
			return err
		}
		if err := putScript(root, pkScript, ScriptInfo{Keychain: k, Index: idx}); err != nil {
			return err
		}
		return putUint32(indexes, indexKey(k), idx+1)
	})
	return idx, err
}

// markUsed moves the next index of k past idx.
func markUsed(indexes walletdb.ReadWriteBucket, k Keychain, idx uint32) error {
	next, _ := getUint32(indexes, indexKey(k))
	if idx < next {
		return nil
	}
	return putUint32(indexes, indexKey(k), idx+1)
}

func putScript(root walletdb.ReadWriteBucket, script []byte, info ScriptInfo) error {
	b, err := json.Marshal(&info)
	if err != nil {
		return err
	}
	return root.NestedReadWriteBucket(scriptsBucket).Put(script, b)
}

func getScript(root walletdb.ReadBucket, script []byte) (ScriptInfo, bool, error) {
	v := root.NestedReadBucket(scriptsBucket).Get(script)
	if v == nil {
		return ScriptInfo{}, false, nil
	}
	var info ScriptInfo
	if err := json.Unmarshal(v, &info); err != nil {
		return ScriptInfo{}, false, err
	}
	return info, true, nil
}

// Scripts returns every recorded script keyed by its raw bytes.
func (w *Wallet) Scripts() (map[string]ScriptInfo, error) {
	scripts := make(map[string]ScriptInfo)
	err := w.view(func(root walletdb.ReadBucket) error {
		return root.NestedReadBucket(scriptsBucket).ForEach(func(k, v []byte) error {
			var info ScriptInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			scripts[string(k)] = info
			return nil
		})
	})
	return scripts, err
}

// CommitSync applies s in one database transaction. Nothing is written when
// it fails.
func (w *Wallet) CommitSync(s *SyncState) error {
	return w.update(func(root walletdb.ReadWriteBucket) error {
		for script, info := range s.Scripts {
			if err := putScript(root, []byte(script), info); err != nil {
				return err
			}
		}
		indexes := root.NestedReadWriteBucket(indexBucket)
		for k, idx := range s.LastUsed {
			if err := markUsed(indexes, k, idx); err != nil {
				return err
			}
		}

		if err := resetBucket(root, txMetaBucket); err != nil {
			return err
		}
		if err := resetBucket(root, txmgrBucket); err != nil {
			return err
		}
		ns := root.NestedReadWriteBucket(txmgrBucket)
		if err := wtxmgr.Create(ns); err != nil {
			return err
		}
		txs, err := dependencyOrder(s.Txs)
		if err != nil {
			return err
		}
		metas := root.NestedReadWriteBucket(txMetaBucket)
		for _, t := range txs {
			if err := w.insertTx(root, ns, t); err != nil {
				return fmt.Errorf("error storing transaction %s: %w", t.rec.Txid, err)
			}
			b, err := json.Marshal(&txMeta{Fee: t.rec.Fee, Verified: t.rec.Verified})
			if err != nil {
				return err
			}
			if err := metas.Put(t.rec.Txid[:], b); err != nil {
				return err
			}
		}

		return putUint32(root.NestedReadWriteBucket(metaBucket), syncTipKey, s.Tip)
	})
}

type syncTx struct {
	rec *TxRecord
	tx  *wire.MsgTx
}

// dependencyOrder decodes recs and orders them so that every transaction
// comes after the wallet transactions it spends from.
func dependencyOrder(recs []*TxRecord) ([]*syncTx, error) {
	byHash := make(map[chainhash.Hash]*syncTx, len(recs))
	hashes := make([]chainhash.Hash, 0, len(recs))
	for _, rec := range recs {
		tx := new(wire.MsgTx)
		if err := tx.Deserialize(bytes.NewReader(rec.Raw)); err != nil {
			return nil, fmt.Errorf("invalid transaction %s: %w", rec.Txid, err)
		}
		byHash[rec.Txid] = &syncTx{rec: rec, tx: tx}
		hashes = append(hashes, rec.Txid)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})

	ordered := make([]*syncTx, 0, len(recs))
	visited := make(map[chainhash.Hash]bool, len(recs))
	var visit func(h chainhash.Hash)
	visit = func(h chainhash.Hash) {
		if visited[h] {
			return
		}
		visited[h] = true
		t := byHash[h]
		for _, in := range t.tx.TxIn {
			if _, found := byHash[in.PreviousOutPoint.Hash]; found {
				visit(in.PreviousOutPoint.Hash)
			}
		}
		ordered = append(ordered, t)
	}
	for _, h := range hashes {
		visit(h)
	}
	return ordered, nil
}

func (w *Wallet) insertTx(root, ns walletdb.ReadWriteBucket, t *syncTx) error {
	var block *wtxmgr.BlockMeta
	received := time.Now()
	if t.rec.Height > 0 {
		received = time.Unix(int64(t.rec.Timestamp), 0)
		block = &wtxmgr.BlockMeta{
			Block: wtxmgr.Block{Hash: t.rec.BlockHash, Height: int32(t.rec.Height)},
			Time:  received,
		}
	}
	rec, err := wtxmgr.NewTxRecordFromMsgTx(t.tx, received)
	if err != nil {
		return err
	}
	if err := w.txStore.InsertTx(ns, rec, block); err != nil {
		return err
	}
	for i, out := range t.tx.TxOut {
		info, owned, err := getScript(root, out.PkScript)
		if err != nil {
			return err
		}
		if !owned {
			continue
		}
		if err := w.txStore.AddCredit(ns, rec, block, uint32(i), info.Keychain == Internal); err != nil {
			return err
		}
	}
	return nil
}

func resetBucket(root walletdb.ReadWriteBucket, name []byte) error {
	if err := root.DeleteNestedBucket(name); err != nil && !errors.Is(err, walletdb.ErrBucketNotFound) {
		return err
	}
	_, err := root.CreateBucket(name)
	return err
}

// satoshis converts a stored amount. wtxmgr only holds amounts the engine
// checked on the way in, so a negative one means a corrupt database.
func satoshis(a btcutil.Amount) (uint64, error) {
	if a < 0 {
		return 0, fmt.Errorf("negative stored amount %d", int64(a))
	}
	return uint64(a), nil
}

func (w *Wallet) txRecord(root walletdb.ReadBucket, d *wtxmgr.TxDetails) (*TxRecord, error) {
	var raw bytes.Buffer
	if err := d.MsgTx.Serialize(&raw); err != nil {
		return nil, err
	}
	rec := &TxRecord{Txid: d.Hash, Raw: raw.Bytes()}
	for _, c := range d.Credits {
		v, err := satoshis(c.Amount)
		if err != nil {
			return nil, err
		}
		rec.Received += v
	}
	for _, dr := range d.Debits {
		v, err := satoshis(dr.Amount)
		if err != nil {
			return nil, err
		}
		rec.Sent += v
	}
	if d.Block.Height > 0 {
		rec.Height = uint32(d.Block.Height)
		rec.BlockHash = d.Block.Hash
		rec.Timestamp = uint64(d.Block.Time.Unix())
	}
	if v := root.NestedReadBucket(txMetaBucket).Get(d.Hash[:]); v != nil {
		var meta txMeta
		if err := json.Unmarshal(v, &meta); err != nil {
			return nil, err
		}
		rec.Fee = meta.Fee
		rec.Verified = meta.Verified
	}
	return rec, nil
}

// Txs returns the wallet transactions of the last sync, confirmed ones
// first.
func (w *Wallet) Txs() ([]*TxRecord, error) {
	var recs []*TxRecord
	err := w.view(func(root walletdb.ReadBucket) error {
		ns := root.NestedReadBucket(txmgrBucket)
		return w.txStore.RangeTransactions(ns, 0, -1, func(details []wtxmgr.TxDetails) (bool, error) {
			for i := range details {
				rec, err := w.txRecord(root, &details[i])
				if err != nil {
					return true, err
				}
				recs = append(recs, rec)
			}
			return false, nil
		})
	})
	return recs, err
}

// Tx returns one wallet transaction.
func (w *Wallet) Tx(txid chainhash.Hash) (*TxRecord, bool, error) {
	var rec *TxRecord
	err := w.view(func(root walletdb.ReadBucket) error {
		d, err := w.txStore.TxDetails(root.NestedReadBucket(txmgrBucket), &txid)
		if err != nil || d == nil {
			return err
		}
		rec, err = w.txRecord(root, d)
		return err
	})
	return rec, rec != nil, err
}

// Utxos returns the outputs left unspent by the transactions of the last
// sync, including unconfirmed ones.
func (w *Wallet) Utxos() ([]*Utxo, error) {
	var utxos []*Utxo
	err := w.view(func(root walletdb.ReadBucket) error {
		credits, err := w.txStore.UnspentOutputs(root.NestedReadBucket(txmgrBucket))
		if err != nil {
			return err
		}
		for _, c := range credits {
			info, owned, err := getScript(root, c.PkScript)
			if err != nil {
				return err
			}
			if !owned {
				return fmt.Errorf("unspent output %s pays an unknown script", c.OutPoint)
			}
			value, err := satoshis(c.Amount)
			if err != nil {
				return err
			}
			u := &Utxo{
				OutPoint: c.OutPoint,
				Value:    value,
				PkScript: c.PkScript,
				Keychain: info.Keychain,
				Index:    info.Index,
			}
			if c.Height > 0 {
				u.Height = uint32(c.Height)
			}
			utxos = append(utxos, u)
		}
		return nil
	})
	return utxos, err
}

// Balance is the value of all unspent outputs, unconfirmed ones included,
// as of the last sync tip.
func (w *Wallet) Balance() (uint64, error) {
	var bal uint64
	err := w.view(func(root walletdb.ReadBucket) error {
		tip, _ := getUint32(root.NestedReadBucket(metaBucket), syncTipKey)
		amt, err := w.txStore.Balance(root.NestedReadBucket(txmgrBucket), 0, int32(tip))
		if err != nil {
			return err
		}
		bal, err = satoshis(amt)
		return err
	})
	return bal, err
}

// SyncTip is the tip height of the last completed sync.
func (w *Wallet) SyncTip() (uint32, bool, error) {
	var tip uint32
	var found bool
	err := w.view(func(root walletdb.ReadBucket) error {
		tip, found = getUint32(root.NestedReadBucket(metaBucket), syncTipKey)
		return nil
	})
	return tip, found, err
}
