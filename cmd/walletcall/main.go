// walletcall drives a descriptor wallet through the JSON call boundary from
// the command line. Every invocation opens the wallet described by the
// configuration file, runs one operation and releases the wallet again.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"example.com/libdescwallet/client"
	"example.com/libdescwallet/internal/dispatch"
	"example.com/libdescwallet/walletrpc"
	"github.com/jessevdk/go-flags"
)

// Flags.
var opts = struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to the YAML wallet configuration"`
	LogDir     string `long:"logdir" description:"Directory to write rotated log files to"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical, off}"`
}{
	DebugLevel: "info",
}

var (
	boundary *dispatch.Dispatcher
	cl       *client.Client
)

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	defer shutdown()

	parser := flags.NewParser(&opts, flags.Default)
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.short, c.data); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return 0
		}
		if _, ok := err.(*flags.Error); !ok {
			fmt.Fprintln(os.Stderr, err)
		}
		return 1
	}
	return 0
}

// setup starts logging and the call boundary. Commands call it once the
// global options are parsed.
func setup() error {
	if boundary != nil {
		return nil
	}
	if err := setLogLevels(opts.DebugLevel); err != nil {
		return err
	}
	if opts.LogDir != "" {
		if err := initLogRotator(filepath.Join(cleanAndExpandPath(opts.LogDir), "walletcall.log")); err != nil {
			return err
		}
	}
	boundary = dispatch.New(&dispatch.Config{SetLogLevel: setLogLevels})
	cl = client.New(boundary.Call)
	return nil
}

func shutdown() {
	if boundary != nil {
		boundary.Close()
	}
	closeLogRotator()
}

// openWallet constructs the configured wallet and returns its handle along
// with a function releasing it.
func openWallet() (walletrpc.WalletHandle, func(), error) {
	if err := setup(); err != nil {
		return walletrpc.WalletHandle{}, nil, err
	}
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return walletrpc.WalletHandle{}, nil, err
	}
	h, err := cl.Constructor(cfg)
	if err != nil {
		return walletrpc.WalletHandle{}, nil, err
	}
	log.Debugf("Opened wallet %q at %s", cfg.Name, cfg.Path)
	return h, func() {
		if err := cl.Destructor(h); err != nil {
			log.Errorf("Error releasing wallet: %v", err)
		}
	}, nil
}

// withWallet runs f against the configured wallet.
func withWallet(f func(h walletrpc.WalletHandle) (any, error)) error {
	h, release, err := openWallet()
	if err != nil {
		return err
	}
	defer release()
	res, err := f(h)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func optUint32(v uint32) walletrpc.Optional[uint32] {
	if v == 0 {
		return walletrpc.Optional[uint32]{}
	}
	return walletrpc.Some(v)
}

func optString(s string) walletrpc.Optional[string] {
	if s == "" {
		return walletrpc.Optional[string]{}
	}
	return walletrpc.Some(s)
}

var commands = []struct {
	name, short string
	data        any
}{
	{"call", "Send a raw JSON request for a method", &callCmd{}},
	{"newaddress", "Reveal the next receive address", &newAddressCmd{}},
	{"sync", "Synchronize the wallet with the Electrum server", &syncCmd{}},
	{"balance", "Show the confirmed balance", &balanceCmd{}},
	{"unspent", "List unspent outputs", &unspentCmd{}},
	{"transactions", "List wallet transactions", &transactionsCmd{}},
	{"send", "Create, sign and broadcast a payment", &sendCmd{}},
	{"sign", "Sign a base64 PSBT", &signCmd{}},
	{"extract", "Extract the raw transaction from a finalized PSBT", &extractCmd{}},
	{"broadcast", "Broadcast a raw transaction", &broadcastCmd{}},
	{"descriptors", "Show the public descriptors", &descriptorsCmd{}},
	{"genkey", "Generate a new mnemonic and master key", &genKeyCmd{}},
	{"restore", "Restore a master key from a mnemonic", &restoreCmd{}},
	{"version", "Show the protocol version", &versionCmd{}},
}

type callCmd struct {
	Args struct {
		Method string `positional-arg-name:"method" required:"true"`
		Params string `positional-arg-name:"params"`
	} `positional-args:"true"`
}

// Execute sends the request as given. For wallet methods without a
// "wallet" parameter the configured wallet is opened and its handle added.
func (c *callCmd) Execute([]string) error {
	if err := setup(); err != nil {
		return err
	}
	params := map[string]json.RawMessage{}
	if c.Args.Params != "" {
		if err := json.Unmarshal([]byte(c.Args.Params), &params); err != nil {
			return fmt.Errorf("invalid params: %v", err)
		}
	}
	method := walletrpc.Method(c.Args.Method)
	if _, has := params["wallet"]; method.HandleBound() && !has {
		h, release, err := openWallet()
		if err != nil {
			return err
		}
		defer release()
		if params["wallet"], err = json.Marshal(h); err != nil {
			return err
		}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := json.Marshal(&walletrpc.Envelope{Method: method, Params: rawParams})
	if err != nil {
		return err
	}
	fmt.Println(boundary.Call(string(req)))
	return nil
}

type newAddressCmd struct{}

func (*newAddressCmd) Execute([]string) error {
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		return cl.GetNewAddress(h)
	})
}

type syncCmd struct {
	MaxAddress     uint32 `long:"maxaddress" description:"Scan at least this many addresses per keychain"`
	BatchQuerySize uint32 `long:"batchsize" description:"Addresses per Electrum batch request"`
}

func (c *syncCmd) Execute([]string) error {
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		return nil, cl.Sync(h, optUint32(c.MaxAddress), optUint32(c.BatchQuerySize))
	})
}

type balanceCmd struct{}

func (*balanceCmd) Execute([]string) error {
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		return cl.GetBalance(h)
	})
}

type unspentCmd struct{}

func (*unspentCmd) Execute([]string) error {
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		return cl.ListUnspent(h)
	})
}

type transactionsCmd struct {
	IncludeRaw bool `long:"raw" description:"Include the raw transaction"`
}

func (c *transactionsCmd) Execute([]string) error {
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		return cl.ListTransactions(h, walletrpc.Some(c.IncludeRaw))
	})
}

type sendCmd struct {
	To          []string `long:"to" description:"Payment as address:amount in satoshis, repeatable" required:"true"`
	FeeRate     float32  `long:"feerate" description:"Fee rate in sat/vB" default:"1"`
	SendAll     bool     `long:"sendall" description:"Send every selected output to the single --to address"`
	Utxos       []string `long:"utxo" description:"Spend exactly this txid:vout, repeatable"`
	Unspendable []string `long:"unspendable" description:"Never spend this txid:vout, repeatable"`
	NoBroadcast bool     `long:"nobroadcast" description:"Print the signed transaction instead of broadcasting it"`
}

func parseAddressee(s string, sendAll bool) (walletrpc.Addressee, error) {
	addr, amt, found := strings.Cut(s, ":")
	if !found {
		if sendAll {
			return walletrpc.Addressee{Address: s}, nil
		}
		return walletrpc.Addressee{}, fmt.Errorf("payment %q is not address:amount", s)
	}
	n, err := strconv.ParseUint(amt, 10, 64)
	if err != nil {
		return walletrpc.Addressee{}, fmt.Errorf("invalid amount in %q: %v", s, err)
	}
	return walletrpc.Addressee{Address: addr, Amount: walletrpc.Amount(n)}, nil
}

func (c *sendCmd) Execute([]string) error {
	p := &walletrpc.CreateTxParams{FeeRate: c.FeeRate}
	for _, to := range c.To {
		a, err := parseAddressee(to, c.SendAll)
		if err != nil {
			return err
		}
		p.Addressees = append(p.Addressees, a)
	}
	if c.SendAll {
		p.SendAll = walletrpc.Some(true)
	}
	if len(c.Utxos) > 0 {
		p.Utxos = walletrpc.Some(c.Utxos)
	}
	if len(c.Unspendable) > 0 {
		p.Unspendable = walletrpc.Some(c.Unspendable)
	}
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		p.Wallet = h
		created, err := cl.CreateTx(p)
		if err != nil {
			return nil, err
		}
		signed, err := cl.Sign(h, created.Psbt, walletrpc.Optional[walletrpc.Height]{})
		if err != nil {
			return nil, err
		}
		if !signed.Finalized {
			return nil, fmt.Errorf("transaction %s could not be finalized", created.Details.Txid)
		}
		rawTx, err := cl.ExtractPsbt(h, signed.Psbt)
		if err != nil {
			return nil, err
		}
		if c.NoBroadcast {
			return &walletrpc.RawTransaction{Transaction: rawTx}, nil
		}
		txid, err := cl.Broadcast(h, rawTx)
		if err != nil {
			return nil, err
		}
		log.Infof("Broadcast transaction %s", txid)
		return &walletrpc.BroadcastResult{Txid: txid}, nil
	})
}

type signCmd struct {
	AssumeHeight uint32 `long:"assumeheight" description:"Finalize as if the chain tip were at this height"`
	Args         struct {
		Psbt string `positional-arg-name:"psbt" required:"true"`
	} `positional-args:"true"`
}

func (c *signCmd) Execute([]string) error {
	var height walletrpc.Optional[walletrpc.Height]
	if c.AssumeHeight != 0 {
		height = walletrpc.Some(walletrpc.Height(c.AssumeHeight))
	}
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		return cl.Sign(h, c.Args.Psbt, height)
	})
}

type extractCmd struct {
	Args struct {
		Psbt string `positional-arg-name:"psbt" required:"true"`
	} `positional-args:"true"`
}

func (c *extractCmd) Execute([]string) error {
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		rawTx, err := cl.ExtractPsbt(h, c.Args.Psbt)
		if err != nil {
			return nil, err
		}
		return &walletrpc.RawTransaction{Transaction: rawTx}, nil
	})
}

type broadcastCmd struct {
	Args struct {
		RawTx string `positional-arg-name:"rawtx" required:"true"`
	} `positional-args:"true"`
}

func (c *broadcastCmd) Execute([]string) error {
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		txid, err := cl.Broadcast(h, c.Args.RawTx)
		if err != nil {
			return nil, err
		}
		return &walletrpc.BroadcastResult{Txid: txid}, nil
	})
}

type descriptorsCmd struct{}

func (*descriptorsCmd) Execute([]string) error {
	return withWallet(func(h walletrpc.WalletHandle) (any, error) {
		return cl.PublicDescriptors(h)
	})
}

type genKeyCmd struct {
	Network   string `long:"network" description:"bitcoin, testnet, signet or regtest" default:"bitcoin"`
	WordCount int    `long:"words" description:"Mnemonic length" default:"12"`
	Password  string `long:"password" description:"Optional BIP39 passphrase"`
}

func (c *genKeyCmd) Execute([]string) error {
	if err := setup(); err != nil {
		return err
	}
	info, err := cl.GenerateExtendedKey(walletrpc.Network(c.Network), c.WordCount, optString(c.Password))
	if err != nil {
		return err
	}
	return printJSON(info)
}

type restoreCmd struct {
	Network  string `long:"network" description:"bitcoin, testnet, signet or regtest" default:"bitcoin"`
	Password string `long:"password" description:"Optional BIP39 passphrase"`
	Args     struct {
		Mnemonic []string `positional-arg-name:"word" required:"1"`
	} `positional-args:"true"`
}

func (c *restoreCmd) Execute([]string) error {
	if err := setup(); err != nil {
		return err
	}
	mnemonic := strings.Join(c.Args.Mnemonic, " ")
	info, err := cl.RestoreExtendedKey(walletrpc.Network(c.Network), mnemonic, optString(c.Password))
	if err != nil {
		return err
	}
	return printJSON(info)
}

type versionCmd struct{}

func (*versionCmd) Execute([]string) error {
	if err := setup(); err != nil {
		return err
	}
	v, err := cl.Version()
	if err != nil {
		return err
	}
	return printJSON(&walletrpc.VersionResult{Version: v})
}
