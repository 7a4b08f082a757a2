package engine

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"example.com/libdescwallet/internal/descriptor"
	"example.com/libdescwallet/internal/store"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrInsufficientFunds is returned when the spendable outputs cannot
	// cover the payment and its fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrPolicyUnsupported is returned for a spending policy path, which
	// single-key descriptors do not have.
	ErrPolicyUnsupported = errors.New("spending policy is not supported by single-key descriptors")
)

// Recipient is a payment output.
type Recipient struct {
	Address string
	Amount  uint64
}

// TxRequest describes a transaction to build. FeeRate is in sat/vB.
type TxRequest struct {
	Recipients  []Recipient
	FeeRate     float32
	SendAll     bool
	Utxos       []wire.OutPoint
	Unspendable []wire.OutPoint
	Policy      map[string][]uint32
}

// ParseOutPoint parses "txid:vout".
func ParseOutPoint(s string) (wire.OutPoint, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	hash, err := chainhash.NewHashFromStr(s[:idx])
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w", s, err)
	}
	vout, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w", s, err)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(vout)}, nil
}

// feePerKb converts sat/vB to the sat/kvB rate txauthor works in.
func feePerKb(satPerVByte float32) btcutil.Amount {
	return btcutil.Amount(math.Round(float64(satPerVByte) * 1000))
}

func (w *Wallet) recipientScript(addr string) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, w.cfg.Net)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !a.IsForNet(w.cfg.Net) {
		return nil, fmt.Errorf("address %s is not for network %s", addr, w.cfg.Net.Name)
	}
	return txscript.PayToAddrScript(a)
}

// spendable splits the stored UTXOs into the ones that must be spent and the
// optional remainder, largest first. Listed UTXOs are spent even when they
// are also marked unspendable.
func (w *Wallet) spendable(req *TxRequest) (must, rest []*store.Utxo, err error) {
	utxos, err := w.store.Utxos()
	if err != nil {
		return nil, nil, err
	}
	byOutpoint := make(map[wire.OutPoint]*store.Utxo, len(utxos))
	for _, u := range utxos {
		byOutpoint[u.OutPoint] = u
	}
	banned := make(map[wire.OutPoint]struct{}, len(req.Unspendable))
	for _, op := range req.Unspendable {
		banned[op] = struct{}{}
	}
	required := make(map[wire.OutPoint]struct{}, len(req.Utxos))
	for _, op := range req.Utxos {
		u, found := byOutpoint[op]
		if !found {
			return nil, nil, fmt.Errorf("unknown utxo %s", op)
		}
		if _, dup := required[op]; dup {
			continue
		}
		required[op] = struct{}{}
		must = append(must, u)
	}
	for _, u := range utxos {
		if _, isBanned := banned[u.OutPoint]; isBanned {
			continue
		}
		if _, isRequired := required[u.OutPoint]; isRequired {
			continue
		}
		rest = append(rest, u)
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].Value != rest[j].Value {
			return rest[i].Value > rest[j].Value
		}
		return rest[i].OutPoint.String() < rest[j].OutPoint.String()
	})
	return must, rest, nil
}

func inputCounts(scripts [][]byte) (p2pkh, p2wpkh, nested int) {
	for _, pkScript := range scripts {
		switch {
		case txscript.IsPayToScriptHash(pkScript):
			nested++
		case txscript.IsPayToWitnessPubKeyHash(pkScript):
			p2wpkh++
		default:
			p2pkh++
		}
	}
	return
}

// CreateTx builds an unsigned PSBT paying the recipients. Change, when there
// is any, goes to a freshly revealed change address.
func (w *Wallet) CreateTx(req *TxRequest) (*TxDetails, *psbt.Packet, error) {
	if len(req.Policy) > 0 {
		return nil, nil, ErrPolicyUnsupported
	}
	if len(req.Recipients) == 0 {
		return nil, nil, errors.New("no recipients")
	}
	if req.FeeRate <= 0 || math.IsNaN(float64(req.FeeRate)) || math.IsInf(float64(req.FeeRate), 0) {
		return nil, nil, fmt.Errorf("invalid fee rate %v", req.FeeRate)
	}
	rate := feePerKb(req.FeeRate)

	must, rest, err := w.spendable(req)
	if err != nil {
		return nil, nil, err
	}

	var authored *txauthor.AuthoredTx
	var inputs []*store.Utxo
	if req.SendAll {
		authored, inputs, err = w.drainTx(req, rate, must, rest)
	} else {
		authored, inputs, err = w.payTx(req, rate, must, rest)
	}
	if err != nil {
		return nil, nil, err
	}

	packet, err := w.newPacket(authored.Tx, inputs)
	if err != nil {
		return nil, nil, err
	}

	var raw bytes.Buffer
	if err := authored.Tx.Serialize(&raw); err != nil {
		return nil, nil, err
	}
	details := &TxDetails{
		Txid:    authored.Tx.TxHash(),
		Tx:      fn.Some(authored.Tx),
		Confirm: fn.None[BlockTime](),
	}
	var outSum uint64
	for _, out := range authored.Tx.TxOut {
		outSum += uint64(out.Value)
		if _, found := w.owned(out.PkScript); found {
			details.Received += uint64(out.Value)
		}
	}
	details.Sent = uint64(authored.TotalInput)
	fee := details.Sent - outSum
	details.Fee = fn.Some(fee)

	log.Infof("Created transaction %s spending %d inputs, fee %v", details.Txid, len(inputs), btcutil.Amount(fee))
	return details, packet, nil
}

func (w *Wallet) payTx(req *TxRequest, rate btcutil.Amount, must, rest []*store.Utxo) (*txauthor.AuthoredTx, []*store.Utxo, error) {
	outputs := make([]*wire.TxOut, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if r.Amount > btcutil.MaxSatoshi {
			return nil, nil, fmt.Errorf("amount %d to %s exceeds the maximum of %d", r.Amount, r.Address, int64(btcutil.MaxSatoshi))
		}
		script, err := w.recipientScript(r.Address)
		if err != nil {
			return nil, nil, err
		}
		out := wire.NewTxOut(int64(r.Amount), script)
		if txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb) {
			return nil, nil, fmt.Errorf("output of %v to %s is dust", btcutil.Amount(r.Amount), r.Address)
		}
		outputs = append(outputs, out)
	}

	// A UTXO list is an allow-list: exactly those outputs are spent.
	candidates := must
	if len(req.Utxos) == 0 {
		candidates = rest
	}
	var selected []*store.Utxo
	source := func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn, []btcutil.Amount, [][]byte, error) {
		selected = selected[:0]
		var total btcutil.Amount
		var ins []*wire.TxIn
		var values []btcutil.Amount
		var scripts [][]byte
		for _, u := range candidates {
			if len(req.Utxos) == 0 && total >= target {
				break
			}
			selected = append(selected, u)
			total += btcutil.Amount(u.Value)
			op := u.OutPoint
			ins = append(ins, wire.NewTxIn(&op, nil, nil))
			values = append(values, btcutil.Amount(u.Value))
			scripts = append(scripts, u.PkScript)
		}
		return total, ins, values, scripts, nil
	}

	changeKeychain := w.changeKeychain()
	changeDesc := w.keychainDescriptor(changeKeychain)
	next, err := w.store.NextIndex(changeKeychain)
	if err != nil {
		return nil, nil, err
	}
	change, err := changeDesc.Derive(next)
	if err != nil {
		return nil, nil, err
	}
	changeSource := &txauthor.ChangeSource{
		NewScript: func() ([]byte, error) {
			return change.Script, nil
		},
		ScriptSize: changeDesc.Type().ScriptSize(),
	}

	authored, err := txauthor.NewUnsignedTransaction(outputs, rate, source, changeSource)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	if authored.ChangeIndex >= 0 {
		if _, err := w.reveal(changeKeychain); err != nil {
			return nil, nil, err
		}
	}
	return authored, append([]*store.Utxo(nil), selected...), nil
}

// drainTx spends every selected output to the first recipient.
func (w *Wallet) drainTx(req *TxRequest, rate btcutil.Amount, must, rest []*store.Utxo) (*txauthor.AuthoredTx, []*store.Utxo, error) {
	if len(req.Recipients) != 1 {
		return nil, nil, errors.New("send_all requires exactly one addressee")
	}
	script, err := w.recipientScript(req.Recipients[0].Address)
	if err != nil {
		return nil, nil, err
	}
	inputs := must
	if len(req.Utxos) == 0 {
		inputs = append(append([]*store.Utxo(nil), must...), rest...)
	}
	if len(inputs) == 0 {
		return nil, nil, ErrInsufficientFunds
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var total btcutil.Amount
	scripts := make([][]byte, 0, len(inputs))
	values := make([]btcutil.Amount, 0, len(inputs))
	for _, u := range inputs {
		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		total += btcutil.Amount(u.Value)
		scripts = append(scripts, u.PkScript)
		values = append(values, btcutil.Amount(u.Value))
	}
	out := wire.NewTxOut(0, script)
	p2pkh, p2wpkh, nested := inputCounts(scripts)
	vsize := txsizes.EstimateVirtualSize(p2pkh, 0, p2wpkh, nested, []*wire.TxOut{out}, 0)
	fee := txrules.FeeForSerializeSize(rate, vsize)
	if total <= fee {
		return nil, nil, fmt.Errorf("%w: %v available, fee is %v", ErrInsufficientFunds, total, fee)
	}
	out.Value = int64(total - fee)
	if txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb) {
		return nil, nil, fmt.Errorf("%w: drained output of %v is dust", ErrInsufficientFunds, total-fee)
	}
	tx.AddTxOut(out)

	return &txauthor.AuthoredTx{
		Tx:              tx,
		PrevScripts:     scripts,
		PrevInputValues: values,
		TotalInput:      total,
		ChangeIndex:     -1,
	}, inputs, nil
}

// newPacket wraps tx in a PSBT carrying what a signer needs: the spent
// outputs, redeem scripts and BIP-32 derivations.
func (w *Wallet) newPacket(tx *wire.MsgTx, inputs []*store.Utxo) (*psbt.Packet, error) {
	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	up, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	for i, u := range inputs {
		desc := w.keychainDescriptor(u.Keychain)
		d, err := desc.Derive(u.Index)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(d.Script, u.PkScript) {
			return nil, fmt.Errorf("utxo %s does not match its derived script", u.OutPoint)
		}
		if desc.Type().IsSegwit() {
			if err := up.AddInWitnessUtxo(wire.NewTxOut(int64(u.Value), u.PkScript), i); err != nil {
				return nil, err
			}
		} else {
			rec, found, err := w.store.Tx(u.OutPoint.Hash)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, fmt.Errorf("missing previous transaction %s", u.OutPoint.Hash)
			}
			prevTx := new(wire.MsgTx)
			if err := prevTx.Deserialize(bytes.NewReader(rec.Raw)); err != nil {
				return nil, err
			}
			if err := up.AddInNonWitnessUtxo(prevTx, i); err != nil {
				return nil, err
			}
		}
		if d.RedeemScript != nil {
			if err := up.AddInRedeemScript(d.RedeemScript, i); err != nil {
				return nil, err
			}
		}
		if err := up.AddInBip32Derivation(psbtFingerprint(d), d.Path, d.PubKey.SerializeCompressed(), i); err != nil {
			return nil, err
		}
		if err := up.AddInSighashType(txscript.SigHashAll, i); err != nil {
			return nil, err
		}
	}

	for i, out := range tx.TxOut {
		info, found := w.owned(out.PkScript)
		if !found {
			continue
		}
		d, err := w.keychainDescriptor(info.Keychain).Derive(info.Index)
		if err != nil {
			return nil, err
		}
		if err := up.AddOutBip32Derivation(psbtFingerprint(d), d.Path, d.PubKey.SerializeCompressed(), i); err != nil {
			return nil, err
		}
	}
	return packet, nil
}

// psbtFingerprint packs the master fingerprint the way the psbt package
// serializes it, little endian.
func psbtFingerprint(d *descriptor.Derived) uint32 {
	fp := d.Fingerprint
	return uint32(fp[0]) | uint32(fp[1])<<8 | uint32(fp[2])<<16 | uint32(fp[3])<<24
}
