// Package chain defines what the wallet engine needs from a blockchain
// backend.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HistoryItem is one transaction touching a script. Height is zero or
// negative for unconfirmed transactions.
type HistoryItem struct {
	Txid   chainhash.Hash
	Height int32
}

// Confirmed reports whether the transaction is in a block.
func (h HistoryItem) Confirmed() bool {
	return h.Height > 0
}

// MerkleProof locates a transaction inside a block.
type MerkleProof struct {
	BlockHeight uint32
	Pos         uint32
	Branch      []chainhash.Hash
}

// Backend is a blockchain data source.
type Backend interface {
	// History returns the transaction history of each script, in order.
	History(ctx context.Context, scripts [][]byte) ([][]HistoryItem, error)
	Transaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	Merkle(ctx context.Context, txid chainhash.Hash, height uint32) (*MerkleProof, error)
	BlockHeader(ctx context.Context, height uint32) (*wire.BlockHeader, error)
	TipHeight(ctx context.Context) (uint32, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
	Close() error
}

// ScriptHash is the Electrum index key of an output script: the reversed
// SHA256 of the script, hex encoded.
func ScriptHash(script []byte) string {
	h := sha256.Sum256(script)
	for i, j := 0, len(h)-1; i < j; i, j = i+1, j-1 {
		h[i], h[j] = h[j], h[i]
	}
	return hex.EncodeToString(h[:])
}

func hashPair(left, right *chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// VerifyMerkle checks that proof connects txid to root.
func VerifyMerkle(txid chainhash.Hash, proof *MerkleProof, root chainhash.Hash) bool {
	h := txid
	for i, b := range proof.Branch {
		b := b
		if (proof.Pos>>uint(i))&1 == 1 {
			h = hashPair(&b, &h)
		} else {
			h = hashPair(&h, &b)
		}
	}
	return h == root
}

// MerkleRoot computes the merkle root of txids and the branch proving the
// transaction at pos.
func MerkleRoot(txids []chainhash.Hash, pos int) (chainhash.Hash, []chainhash.Hash) {
	if len(txids) == 0 {
		return chainhash.Hash{}, nil
	}
	level := append([]chainhash.Hash(nil), txids...)
	var branch []chainhash.Hash
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		branch = append(branch, level[pos^1])
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			next[i] = hashPair(&level[2*i], &level[2*i+1])
		}
		level = next
		pos /= 2
	}
	return level[0], branch
}
