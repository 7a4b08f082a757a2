// Package descriptor parses and derives single-key output script
// descriptors: pkh(KEY), wpkh(KEY) and sh(wpkh(KEY)).
package descriptor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType is the output script template of a descriptor.
type ScriptType uint8

const (
	PKH ScriptType = iota
	WPKH
	ShWPKH
)

func (t ScriptType) String() string {
	switch t {
	case PKH:
		return "pkh"
	case WPKH:
		return "wpkh"
	case ShWPKH:
		return "sh(wpkh)"
	}
	return "unknown"
}

// ScriptSize is the length of an output script of this type.
func (t ScriptType) ScriptSize() int {
	switch t {
	case PKH:
		return 25
	case ShWPKH:
		return 23
	}
	return 22
}

// IsSegwit reports whether spends of this type carry a witness.
func (t ScriptType) IsSegwit() bool {
	return t != PKH
}

var ErrHardenedPublic = errors.New("cannot derive hardened steps from a public key")

// KeyOrigin is the "[fingerprint/path]" prefix of a key expression.
type KeyOrigin struct {
	Fingerprint [4]byte
	Path        []uint32
}

type keyExpr struct {
	origin   *KeyOrigin
	xkey     *hdkeychain.ExtendedKey
	pub      *btcec.PublicKey
	path     []uint32
	wildcard bool
}

// Descriptor is a parsed single-key descriptor bound to a network.
type Descriptor struct {
	typ ScriptType
	key keyExpr
	net *chaincfg.Params
}

// Derived is the output of a descriptor at one index.
type Derived struct {
	Index        uint32
	PubKey       *btcec.PublicKey
	Script       []byte
	RedeemScript []byte
	Address      btcutil.Address
	// Fingerprint and Path locate PubKey relative to the master key.
	Fingerprint [4]byte
	Path        []uint32
}

// Parse parses a descriptor for net. A trailing checksum is verified when
// present.
func Parse(s string, net *chaincfg.Params) (*Descriptor, error) {
	body, err := splitChecksum(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}

	var typ ScriptType
	var inner string
	switch {
	case strings.HasPrefix(body, "sh(wpkh(") && strings.HasSuffix(body, "))"):
		typ, inner = ShWPKH, body[len("sh(wpkh("):len(body)-2]
	case strings.HasPrefix(body, "wpkh(") && strings.HasSuffix(body, ")"):
		typ, inner = WPKH, body[len("wpkh("):len(body)-1]
	case strings.HasPrefix(body, "pkh(") && strings.HasSuffix(body, ")"):
		typ, inner = PKH, body[len("pkh("):len(body)-1]
	default:
		return nil, fmt.Errorf("unsupported descriptor %q", body)
	}

	key, err := parseKey(inner, net)
	if err != nil {
		return nil, err
	}
	return &Descriptor{typ: typ, key: *key, net: net}, nil
}

func parseKey(s string, net *chaincfg.Params) (*keyExpr, error) {
	k := new(keyExpr)
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, errors.New("unterminated key origin")
		}
		origin, err := parseOrigin(s[1:end])
		if err != nil {
			return nil, err
		}
		k.origin = origin
		s = s[end+1:]
	}

	parts := strings.Split(s, "/")
	keyStr, steps := parts[0], parts[1:]
	if n := len(steps); n > 0 {
		switch steps[n-1] {
		case "*":
			k.wildcard = true
			steps = steps[:n-1]
		case "*'", "*h", "*H":
			return nil, errors.New("hardened wildcard derivation is not supported")
		}
	}
	path, err := parsePath(steps)
	if err != nil {
		return nil, err
	}
	k.path = path

	if len(keyStr) == 66 {
		b, err := hex.DecodeString(keyStr)
		if err == nil {
			pub, err := btcec.ParsePubKey(b)
			if err != nil {
				return nil, fmt.Errorf("invalid public key: %w", err)
			}
			if len(steps) > 0 || k.wildcard {
				return nil, errors.New("derivation steps after a plain public key")
			}
			k.pub = pub
			return k, nil
		}
	}

	xkey, err := hdkeychain.NewKeyFromString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid extended key: %w", err)
	}
	if !xkey.IsForNet(net) {
		return nil, fmt.Errorf("extended key is not for network %s", net.Name)
	}
	if !xkey.IsPrivate() {
		for _, i := range path {
			if i >= hdkeychain.HardenedKeyStart {
				return nil, ErrHardenedPublic
			}
		}
	}
	k.xkey = xkey
	return k, nil
}

func parseOrigin(s string) (*KeyOrigin, error) {
	parts := strings.Split(s, "/")
	fp, err := hex.DecodeString(parts[0])
	if err != nil || len(fp) != 4 {
		return nil, fmt.Errorf("invalid key origin fingerprint %q", parts[0])
	}
	path, err := parsePath(parts[1:])
	if err != nil {
		return nil, err
	}
	o := &KeyOrigin{Path: path}
	copy(o.Fingerprint[:], fp)
	return o, nil
}

func parsePath(steps []string) ([]uint32, error) {
	path := make([]uint32, 0, len(steps))
	for _, step := range steps {
		hardened := false
		if n := len(step); n > 0 && (step[n-1] == '\'' || step[n-1] == 'h' || step[n-1] == 'H') {
			hardened = true
			step = step[:n-1]
		}
		i, err := strconv.ParseUint(step, 10, 32)
		if err != nil || i >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("invalid derivation step %q", step)
		}
		if hardened {
			i += hdkeychain.HardenedKeyStart
		}
		path = append(path, uint32(i))
	}
	return path, nil
}

// Type returns the script type.
func (d *Descriptor) Type() ScriptType { return d.typ }

// IsRanged reports whether the descriptor ends in a wildcard.
func (d *Descriptor) IsRanged() bool { return d.key.wildcard }

// HasPrivateKey reports whether the descriptor can sign.
func (d *Descriptor) HasPrivateKey() bool {
	return d.key.xkey != nil && d.key.xkey.IsPrivate()
}

// masterOrigin returns the fingerprint of the master key and the path from
// it to the key expression's key.
func (d *Descriptor) masterOrigin() ([4]byte, []uint32, error) {
	if o := d.key.origin; o != nil {
		return o.Fingerprint, o.Path, nil
	}
	pub := d.key.pub
	if d.key.xkey != nil {
		var err error
		pub, err = d.key.xkey.ECPubKey()
		if err != nil {
			return [4]byte{}, nil, err
		}
	}
	return Fingerprint(pub), nil, nil
}

// Derive returns the script at index. Non-ranged descriptors ignore index.
func (d *Descriptor) Derive(index uint32) (*Derived, error) {
	if !d.key.wildcard {
		index = 0
	}
	fp, prefix, err := d.masterOrigin()
	if err != nil {
		return nil, err
	}
	path := append(append([]uint32(nil), prefix...), d.key.path...)

	pub := d.key.pub
	if d.key.xkey != nil {
		steps := d.key.path
		if d.key.wildcard {
			steps = append(append([]uint32(nil), steps...), index)
			path = append(path, index)
		}
		child, err := deriveKey(d.key.xkey, steps)
		if err != nil {
			return nil, err
		}
		if pub, err = child.ECPubKey(); err != nil {
			return nil, err
		}
	}

	out := &Derived{
		Index:       index,
		PubKey:      pub,
		Fingerprint: fp,
		Path:        path,
	}
	pkHash := btcutil.Hash160(pub.SerializeCompressed())
	switch d.typ {
	case PKH:
		out.Address, err = btcutil.NewAddressPubKeyHash(pkHash, d.net)
	case WPKH:
		out.Address, err = btcutil.NewAddressWitnessPubKeyHash(pkHash, d.net)
	case ShWPKH:
		var wp *btcutil.AddressWitnessPubKeyHash
		wp, err = btcutil.NewAddressWitnessPubKeyHash(pkHash, d.net)
		if err != nil {
			return nil, err
		}
		if out.RedeemScript, err = txscript.PayToAddrScript(wp); err != nil {
			return nil, err
		}
		out.Address, err = btcutil.NewAddressScriptHash(out.RedeemScript, d.net)
	}
	if err != nil {
		return nil, err
	}
	out.Script, err = txscript.PayToAddrScript(out.Address)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SigningKey returns the private key for the key at path below the master
// key identified by fp, if this descriptor holds it.
func (d *Descriptor) SigningKey(fp [4]byte, path []uint32) (*btcec.PrivateKey, bool) {
	if !d.HasPrivateKey() {
		return nil, false
	}
	masterFP, prefix, err := d.masterOrigin()
	if err != nil || masterFP != fp || len(path) < len(prefix) {
		return nil, false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return nil, false
		}
	}
	child, err := deriveKey(d.key.xkey, path[len(prefix):])
	if err != nil {
		return nil, false
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, false
	}
	return priv, true
}

func deriveKey(k *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, i := range path {
		if k, err = k.Derive(i); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// String renders the descriptor as parsed, private keys included, with its
// checksum.
func (d *Descriptor) String() string {
	return withChecksum(d.render(d.key))
}

// Public renders the descriptor with every private key replaced by its
// public counterpart. Hardened steps are derived first so the public form
// stays watch-only equivalent.
func (d *Descriptor) Public() (string, error) {
	k := d.key
	if k.xkey != nil && k.xkey.IsPrivate() {
		fp, prefix, err := d.masterOrigin()
		if err != nil {
			return "", err
		}
		last := -1
		for i, step := range k.path {
			if step >= hdkeychain.HardenedKeyStart {
				last = i
			}
		}
		consumed := k.path[:last+1]
		child, err := deriveKey(k.xkey, consumed)
		if err != nil {
			return "", err
		}
		if child, err = child.Neuter(); err != nil {
			return "", err
		}
		k.xkey = child
		k.origin = &KeyOrigin{
			Fingerprint: fp,
			Path:        append(append([]uint32(nil), prefix...), consumed...),
		}
		k.path = k.path[last+1:]
	}
	return withChecksum(d.render(k)), nil
}

func (d *Descriptor) render(k keyExpr) string {
	var b strings.Builder
	if k.origin != nil {
		b.WriteByte('[')
		b.WriteString(hex.EncodeToString(k.origin.Fingerprint[:]))
		writePath(&b, k.origin.Path)
		b.WriteByte(']')
	}
	if k.xkey != nil {
		b.WriteString(k.xkey.String())
	} else {
		b.WriteString(hex.EncodeToString(k.pub.SerializeCompressed()))
	}
	writePath(&b, k.path)
	if k.wildcard {
		b.WriteString("/*")
	}
	switch d.typ {
	case PKH:
		return "pkh(" + b.String() + ")"
	case ShWPKH:
		return "sh(wpkh(" + b.String() + "))"
	}
	return "wpkh(" + b.String() + ")"
}

func writePath(b *strings.Builder, path []uint32) {
	for _, step := range path {
		b.WriteByte('/')
		if step >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(uint64(step-hdkeychain.HardenedKeyStart), 10))
			b.WriteByte('\'')
			continue
		}
		b.WriteString(strconv.FormatUint(uint64(step), 10))
	}
}

func withChecksum(s string) string {
	sum, err := Checksum(s)
	if err != nil {
		// Rendered descriptors only contain charset characters.
		panic(err)
	}
	return s + "#" + sum
}

// Fingerprint is the first four bytes of the HASH160 of the compressed key.
func Fingerprint(pub *btcec.PublicKey) [4]byte {
	var fp [4]byte
	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed()))
	return fp
}
