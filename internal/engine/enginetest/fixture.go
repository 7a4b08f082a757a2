package enginetest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Fixture is test data keyed by name, loaded from a JSON object.
type Fixture struct {
	data map[string]json.RawMessage
}

// LoadFixture reads a JSON object from path.
func LoadFixture(path string) (*Fixture, error) {
	enc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading test data file: %v", err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(enc, &data); err != nil {
		return nil, fmt.Errorf("error decoding test data: %v", err)
	}
	return &Fixture{data: data}, nil
}

// Get decodes the value at k into thing. It panics when k is missing or
// does not decode.
func (f *Fixture) Get(k string, thing any) {
	stuff, found := f.data[k]
	if !found {
		panic("no test data at " + k)
	}
	if err := json.Unmarshal(stuff, thing); err != nil {
		panic(fmt.Sprintf("test data unmarshal error. key = %s, stuff = %s, err = %v", k, string(stuff), err))
	}
}

// String returns the string at k.
func (f *Fixture) String(k string) string {
	var s string
	f.Get(k, &s)
	return s
}

// ForeignScript is a P2WPKH script the test wallets do not own.
func ForeignScript(seed byte) []byte {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = seed
	}
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(hash).Script()
	if err != nil {
		panic(err)
	}
	return script
}

// ForeignAddress is the address of ForeignScript on net.
func ForeignAddress(seed byte, net *chaincfg.Params) string {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = seed
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, net)
	if err != nil {
		panic(err)
	}
	return addr.EncodeAddress()
}

// Payment builds a transaction spending prev:idx and paying outs. prev may
// be nil for a transaction with an unknown parent.
func Payment(prev *wire.MsgTx, idx uint32, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	op := wire.OutPoint{Index: idx}
	if prev != nil {
		op.Hash = prev.TxHash()
	} else {
		op.Hash[0] = 0xee
	}
	tx.AddTxIn(wire.NewTxIn(&op, []byte{txscript.OP_TRUE}, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}
