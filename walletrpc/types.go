package walletrpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
)

// Amount is a quantity of satoshis. It is never negative.
type Amount uint64

// Height is a block height.
type Height uint32

// Bytes is a byte slice that marshals to and unmarshals from a hexadecimal
// string. The default go behavior is to marshal []byte to a base-64 string.
type Bytes []byte

// String return the hex encoding of the Bytes.
func (b Bytes) String() string {
	return hex.EncodeToString(b)
}

// MarshalJSON satisfies the json.Marshaller interface, and will marshal the
// bytes to a hex string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

// UnmarshalJSON satisfies the json.Unmarshaler interface, and expects a UTF-8
// encoding of a hex string in double quotes.
func (b *Bytes) UnmarshalJSON(encHex []byte) (err error) {
	if len(encHex) < 2 {
		return fmt.Errorf("marshalled Bytes, %q, not valid", string(encHex))
	}
	if encHex[0] != '"' || encHex[len(encHex)-1] != '"' {
		return fmt.Errorf("marshalled Bytes, %q, not quoted", string(encHex))
	}
	// DecodeString overallocates by at least double, and it makes a copy.
	src := encHex[1 : len(encHex)-1]
	dst := make([]byte, len(src)/2)
	_, err = hex.Decode(dst, src)
	if err == nil {
		*b = dst
	}
	return err
}

// ByteArray is a byte slice carried on the wire as a JSON array of numbers,
// e.g. [0,0,0,0,0,0,0,1].
type ByteArray []byte

// MarshalJSON encodes the bytes as an array of numbers.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON decodes an array of numbers in the range [0, 255].
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	if ints == nil {
		*b = nil
		return nil
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 0xff {
			return fmt.Errorf("byte value %d at position %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Network is the bitcoin network a wallet or key belongs to.
type Network string

const (
	NetworkBitcoin Network = "bitcoin"
	NetworkTestnet Network = "testnet"
	NetworkSignet  Network = "signet"
	NetworkRegtest Network = "regtest"
)

// Params returns the chain parameters for the network.
func (n Network) Params() (*chaincfg.Params, error) {
	switch n {
	case NetworkBitcoin:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkSignet:
		return &chaincfg.SigNetParams, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("net %s not known", n)
}

// Keychain names one of the two derivation branches of a wallet.
type Keychain string

const (
	KeychainExternal Keychain = "external"
	KeychainInternal Keychain = "internal"
)
