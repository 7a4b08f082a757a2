// Package client is the typed binding over the wallet call boundary. Every
// method is one synchronous round trip through a Caller. Nothing is retried
// or cached.
//
// Failures reported by the engine are returned as *walletrpc.EngineError
// with the engine's message verbatim. Responses that do not decode into the
// method's result type are returned as *walletrpc.ProtocolError.
package client

import (
	"example.com/libdescwallet/walletrpc"
)

// Caller sends one encoded request across the boundary and returns the
// encoded response.
type Caller func(request string) string

// Client mirrors the method catalog. It is safe for concurrent use if the
// Caller is.
type Client struct {
	call Caller
}

// New creates a Client over call.
func New(call Caller) *Client {
	return &Client{call: call}
}

func roundTrip[T any](c *Client, req walletrpc.Request) (T, error) {
	var out T
	s, err := walletrpc.EncodeRequest(req)
	if err != nil {
		return out, err
	}
	err = walletrpc.DecodeResponse(req.Method(), c.call(s), &out)
	return out, err
}

func (c *Client) roundTripNull(req walletrpc.Request) error {
	s, err := walletrpc.EncodeRequest(req)
	if err != nil {
		return err
	}
	return walletrpc.DecodeResponse(req.Method(), c.call(s), nil)
}

func handle(h walletrpc.WalletHandle) walletrpc.HandleParams {
	return walletrpc.HandleParams{Wallet: h}
}

// Constructor creates a wallet instance and returns its handle.
func (c *Client) Constructor(cfg *walletrpc.ConstructorParams) (walletrpc.WalletHandle, error) {
	return roundTrip[walletrpc.WalletHandle](c, cfg)
}

// Destructor releases the instance. The handle is invalid afterwards.
func (c *Client) Destructor(h walletrpc.WalletHandle) error {
	return c.roundTripNull(&walletrpc.DestructorParams{HandleParams: handle(h)})
}

// GetNewAddress reveals the next receiving address. Consecutive calls
// return different addresses.
func (c *Client) GetNewAddress(h walletrpc.WalletHandle) (string, error) {
	return roundTrip[string](c, &walletrpc.GetNewAddressParams{HandleParams: handle(h)})
}

// Sync scans the chain backend. Absent options take the engine defaults.
func (c *Client) Sync(h walletrpc.WalletHandle, maxAddress, batchQuerySize walletrpc.Optional[uint32]) error {
	return c.roundTripNull(&walletrpc.SyncParams{
		HandleParams:   handle(h),
		MaxAddress:     maxAddress,
		BatchQuerySize: batchQuerySize,
	})
}

func (c *Client) ListUnspent(h walletrpc.WalletHandle) ([]walletrpc.LocalUtxo, error) {
	return roundTrip[[]walletrpc.LocalUtxo](c, &walletrpc.ListUnspentParams{HandleParams: handle(h)})
}

func (c *Client) GetBalance(h walletrpc.WalletHandle) (walletrpc.Amount, error) {
	return roundTrip[walletrpc.Amount](c, &walletrpc.GetBalanceParams{HandleParams: handle(h)})
}

func (c *Client) ListTransactions(h walletrpc.WalletHandle, includeRaw walletrpc.Optional[bool]) ([]walletrpc.TransactionDetails, error) {
	return roundTrip[[]walletrpc.TransactionDetails](c, &walletrpc.ListTransactionsParams{
		HandleParams: handle(h),
		IncludeRaw:   includeRaw,
	})
}

// CreateTx builds an unsigned PSBT. The handle in p is used as is.
func (c *Client) CreateTx(p *walletrpc.CreateTxParams) (*walletrpc.CreateTxResult, error) {
	return roundTrip[*walletrpc.CreateTxResult](c, p)
}

func (c *Client) Sign(h walletrpc.WalletHandle, psbt string, assumeHeight walletrpc.Optional[walletrpc.Height]) (*walletrpc.SignResult, error) {
	return roundTrip[*walletrpc.SignResult](c, &walletrpc.SignParams{
		HandleParams: handle(h),
		Psbt:         psbt,
		AssumeHeight: assumeHeight,
	})
}

// ExtractPsbt returns the raw transaction hex of a finalized PSBT.
func (c *Client) ExtractPsbt(h walletrpc.WalletHandle, psbt string) (string, error) {
	res, err := roundTrip[walletrpc.RawTransaction](c, &walletrpc.ExtractPsbtParams{
		HandleParams: handle(h),
		Psbt:         psbt,
	})
	return res.Transaction, err
}

// Broadcast submits a raw transaction and returns its txid.
func (c *Client) Broadcast(h walletrpc.WalletHandle, rawTx string) (string, error) {
	res, err := roundTrip[walletrpc.BroadcastResult](c, &walletrpc.BroadcastParams{
		HandleParams: handle(h),
		RawTx:        rawTx,
	})
	return res.Txid, err
}

func (c *Client) PublicDescriptors(h walletrpc.WalletHandle) (*walletrpc.PublicDescriptorsResult, error) {
	return roundTrip[*walletrpc.PublicDescriptorsResult](c, &walletrpc.PublicDescriptorsParams{HandleParams: handle(h)})
}

func (c *Client) GenerateExtendedKey(network walletrpc.Network, wordCount int, password walletrpc.Optional[string]) (*walletrpc.ExtendedKeyInfo, error) {
	return roundTrip[*walletrpc.ExtendedKeyInfo](c, &walletrpc.GenerateExtendedKeyParams{
		Network:   network,
		WordCount: wordCount,
		Password:  password,
	})
}

func (c *Client) RestoreExtendedKey(network walletrpc.Network, mnemonic string, password walletrpc.Optional[string]) (*walletrpc.ExtendedKeyInfo, error) {
	return roundTrip[*walletrpc.ExtendedKeyInfo](c, &walletrpc.RestoreExtendedKeyParams{
		Network:  network,
		Mnemonic: mnemonic,
		Password: password,
	})
}

// SetLogLevel changes the level of every engine logger.
func (c *Client) SetLogLevel(level string) error {
	return c.roundTripNull(&walletrpc.SetLogLevelParams{Level: level})
}

func (c *Client) Version() (string, error) {
	res, err := roundTrip[walletrpc.VersionResult](c, &walletrpc.VersionParams{})
	return res.Version, err
}
