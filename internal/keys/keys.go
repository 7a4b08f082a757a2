// Package keys generates and restores BIP-39 mnemonics and the BIP-32
// master keys derived from them.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"example.com/libdescwallet/internal/descriptor"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic is returned for a phrase that fails the BIP-39 word
// list or checksum checks.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// ExtendedKey is a mnemonic with the master private key it encodes.
type ExtendedKey struct {
	Mnemonic    string
	Xprv        string
	Fingerprint string
}

// entropyBits maps the supported word counts to their entropy size.
var entropyBits = map[int]int{
	12: 128,
	15: 160,
	18: 192,
	21: 224,
	24: 256,
}

// Generate creates a new random mnemonic of wordCount words and derives its
// master key, using password as the BIP-39 passphrase.
func Generate(net *chaincfg.Params, wordCount int, password string) (*ExtendedKey, error) {
	bits, ok := entropyBits[wordCount]
	if !ok {
		return nil, fmt.Errorf("unsupported word count %d", wordCount)
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	return fromMnemonic(net, mnemonic, password)
}

// Restore derives the master key of an existing mnemonic.
func Restore(net *chaincfg.Params, mnemonic, password string) (*ExtendedKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return fromMnemonic(net, mnemonic, password)
}

func fromMnemonic(net *chaincfg.Params, mnemonic, password string) (*ExtendedKey, error) {
	seed := bip39.NewSeed(mnemonic, password)
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, err
	}
	pub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	fp := descriptor.Fingerprint(pub)
	return &ExtendedKey{
		Mnemonic:    mnemonic,
		Xprv:        master.String(),
		Fingerprint: hex.EncodeToString(fp[:]),
	}, nil
}
