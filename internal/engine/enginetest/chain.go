// Package enginetest provides an in-memory chain backend and fixture
// loading for wallet tests.
package enginetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/libdescwallet/internal/chain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// GenesisTime is the timestamp of block zero. Block n is mined n*10
// minutes later.
var GenesisTime = time.Unix(1600000000, 0)

// BlockTime is the header timestamp at height.
func BlockTime(height uint32) time.Time {
	return GenesisTime.Add(time.Duration(height) * 10 * time.Minute)
}

// Chain is an in-memory chain.Backend. A Chain can be shared by several
// wallets; Close only counts calls.
type Chain struct {
	mtx        sync.Mutex
	tip        uint32
	txs        map[chainhash.Hash]*wire.MsgTx
	heights    map[chainhash.Hash]uint32
	order      []chainhash.Hash
	blocks     map[uint32][]chainhash.Hash
	broadcasts []*wire.MsgTx
	closes     int

	// BroadcastErr, when set, is returned by Broadcast.
	BroadcastErr error
	// CloseErr, when set, is returned by Close.
	CloseErr error
}

var _ chain.Backend = (*Chain)(nil)

// NewChain creates an empty chain at height zero.
func NewChain() *Chain {
	return &Chain{
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		heights: make(map[chainhash.Hash]uint32),
		blocks:  make(map[uint32][]chainhash.Hash),
	}
}

// AddTx adds tx to the block at height, or to the mempool when height is
// zero. The tip advances to height if it is lower.
func (c *Chain) AddTx(tx *wire.MsgTx, height uint32) chainhash.Hash {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.addTx(tx, height)
}

func (c *Chain) addTx(tx *wire.MsgTx, height uint32) chainhash.Hash {
	txid := tx.TxHash()
	if _, found := c.txs[txid]; !found {
		c.order = append(c.order, txid)
	}
	c.txs[txid] = tx
	c.heights[txid] = height
	if height > 0 {
		c.blocks[height] = append(c.blocks[height], txid)
		if height > c.tip {
			c.tip = height
		}
	}
	return txid
}

// SetTip moves the tip.
func (c *Chain) SetTip(height uint32) {
	c.mtx.Lock()
	c.tip = height
	c.mtx.Unlock()
}

// Broadcasts returns the transactions submitted through Broadcast.
func (c *Chain) Broadcasts() []*wire.MsgTx {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*wire.MsgTx(nil), c.broadcasts...)
}

// Closes is the number of Close calls.
func (c *Chain) Closes() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.closes
}

func (c *Chain) touches(tx *wire.MsgTx, script []byte) bool {
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, script) {
			return true
		}
	}
	for _, in := range tx.TxIn {
		prev, found := c.txs[in.PreviousOutPoint.Hash]
		if !found || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			continue
		}
		if bytes.Equal(prev.TxOut[in.PreviousOutPoint.Index].PkScript, script) {
			return true
		}
	}
	return false
}

// History returns the transactions paying to or spending from each script.
func (c *Chain) History(_ context.Context, scripts [][]byte) ([][]chain.HistoryItem, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([][]chain.HistoryItem, len(scripts))
	for i, script := range scripts {
		for _, txid := range c.order {
			if c.touches(c.txs[txid], script) {
				out[i] = append(out[i], chain.HistoryItem{Txid: txid, Height: int32(c.heights[txid])})
			}
		}
	}
	return out, nil
}

// Transaction returns a known transaction.
func (c *Chain) Transaction(_ context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	tx, found := c.txs[txid]
	if !found {
		return nil, fmt.Errorf("transaction %s not found", txid)
	}
	return tx.Copy(), nil
}

// Merkle proves a transaction against the block at height.
func (c *Chain) Merkle(_ context.Context, txid chainhash.Hash, height uint32) (*chain.MerkleProof, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	block := c.blocks[height]
	for pos, id := range block {
		if id != txid {
			continue
		}
		_, branch := chain.MerkleRoot(block, pos)
		return &chain.MerkleProof{BlockHeight: height, Pos: uint32(pos), Branch: branch}, nil
	}
	return nil, fmt.Errorf("transaction %s not in block %d", txid, height)
}

// BlockHeader returns a header committing to the block's transactions.
func (c *Chain) BlockHeader(_ context.Context, height uint32) (*wire.BlockHeader, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if height > c.tip {
		return nil, fmt.Errorf("height %d above tip %d", height, c.tip)
	}
	root, _ := chain.MerkleRoot(c.blocks[height], 0)
	return &wire.BlockHeader{
		Version:    1,
		MerkleRoot: root,
		Timestamp:  BlockTime(height),
		Bits:       0x207fffff,
		Nonce:      height,
	}, nil
}

// TipHeight returns the tip.
func (c *Chain) TipHeight(context.Context) (uint32, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.tip, nil
}

// Broadcast records tx and adds it to the mempool.
func (c *Chain) Broadcast(_ context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.BroadcastErr != nil {
		return chainhash.Hash{}, c.BroadcastErr
	}
	if len(tx.TxIn) == 0 {
		return chainhash.Hash{}, errors.New("transaction has no inputs")
	}
	c.broadcasts = append(c.broadcasts, tx.Copy())
	return c.addTx(tx.Copy(), 0), nil
}

// Close counts the call.
func (c *Chain) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.closes++
	return c.CloseErr
}
