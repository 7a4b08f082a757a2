package walletrpc

// Version is the protocol version reported by the version method.
const Version = "1.0.0"

// Method is the name of a catalog operation as it appears on the wire.
type Method string

const (
	MethodConstructor         Method = "constructor"
	MethodDestructor          Method = "destructor"
	MethodGetNewAddress       Method = "get_new_address"
	MethodSync                Method = "sync"
	MethodListUnspent         Method = "list_unspent"
	MethodGetBalance          Method = "get_balance"
	MethodListTransactions    Method = "list_transactions"
	MethodCreateTx            Method = "create_tx"
	MethodSign                Method = "sign"
	MethodExtractPsbt         Method = "extract_psbt"
	MethodBroadcast           Method = "broadcast"
	MethodPublicDescriptors   Method = "public_descriptors"
	MethodGenerateExtendedKey Method = "generate_extended_key"
	MethodRestoreExtendedKey  Method = "restore_extended_key"
	MethodSetLogLevel         Method = "set_log_level"
	MethodVersion             Method = "version"
)

// Request is one of the catalog parameter types below. The set is closed.
type Request interface {
	Method() Method
	isRequest()
}

// HandleRequest is a Request bound to a live wallet instance.
type HandleRequest interface {
	Request
	Handle() WalletHandle
}

// WalletHandle is the opaque reference to a wallet instance owned by the
// engine. Clients must echo it back unchanged.
type WalletHandle struct {
	Raw ByteArray `json:"raw" validate:"required"`
	ID  ByteArray `json:"id" validate:"required"`
}

// HandleParams is embedded by every request that targets a wallet.
type HandleParams struct {
	Wallet WalletHandle `json:"wallet" validate:"required"`
}

// Handle returns the wallet handle.
func (p *HandleParams) Handle() WalletHandle { return p.Wallet }

// ConstructorParams configures a new wallet instance.
type ConstructorParams struct {
	Name                   string           `json:"name" validate:"required"`
	Network                Network          `json:"network" validate:"required,oneof=bitcoin testnet signet regtest"`
	Path                   string           `json:"path" validate:"required"`
	Descriptor             string           `json:"descriptor" validate:"required"`
	ChangeDescriptor       Optional[string] `json:"change_descriptor,omitzero"`
	ElectrumURL            string           `json:"electrum_url" validate:"required,electrumurl"`
	ElectrumProxy          Optional[string] `json:"electrum_proxy,omitzero"`
	ElectrumRetry          Optional[uint8]  `json:"electrum_retry,omitzero"`
	ElectrumTimeout        Optional[uint8]  `json:"electrum_timeout,omitzero"`
	ElectrumStopGap        Optional[uint32] `json:"electrum_stop_gap,omitzero"`
	ElectrumValidateDomain Optional[bool]   `json:"electrum_validate_domain,omitzero"`
}

type DestructorParams struct {
	HandleParams
}

type GetNewAddressParams struct {
	HandleParams
}

// SyncParams requests a chain scan. MaxAddress overrides the stop gap and
// BatchQuerySize the number of scripts queried per round trip.
type SyncParams struct {
	HandleParams
	MaxAddress     Optional[uint32] `json:"max_address,omitzero"`
	BatchQuerySize Optional[uint32] `json:"batch_query_size,omitzero"`
}

type ListUnspentParams struct {
	HandleParams
}

type GetBalanceParams struct {
	HandleParams
}

type ListTransactionsParams struct {
	HandleParams
	IncludeRaw Optional[bool] `json:"include_raw,omitzero"`
}

// Addressee is a payment destination. The amount travels as a decimal string.
type Addressee struct {
	Address string `json:"first" validate:"required"`
	Amount  Amount `json:"second,string"`
}

// CreateTxParams describes an unsigned transaction to build. FeeRate is in
// sat/vB. Utxos and Unspendable hold "txid:vout" outpoints.
type CreateTxParams struct {
	HandleParams
	FeeRate     float32                       `json:"fee_rate" validate:"gt=0"`
	Addressees  []Addressee                   `json:"addressees" validate:"required,min=1,dive"`
	Unspendable Optional[[]string]            `json:"unspendable,omitzero"`
	Utxos       Optional[[]string]            `json:"utxos,omitzero"`
	SendAll     Optional[bool]                `json:"send_all,omitzero"`
	Policy      Optional[map[string][]uint32] `json:"policy,omitzero"`
}

// SignParams carries a base64 PSBT. AssumeHeight gates finalization of
// height-locked transactions.
type SignParams struct {
	HandleParams
	Psbt         string           `json:"psbt" validate:"required"`
	AssumeHeight Optional[Height] `json:"assume_height,omitzero"`
}

type ExtractPsbtParams struct {
	HandleParams
	Psbt string `json:"psbt" validate:"required"`
}

type BroadcastParams struct {
	HandleParams
	RawTx string `json:"raw_tx" validate:"required,hexadecimal"`
}

type PublicDescriptorsParams struct {
	HandleParams
}

// GenerateExtendedKeyParams requests a fresh mnemonic and master key.
type GenerateExtendedKeyParams struct {
	Network   Network          `json:"network" validate:"required"`
	WordCount int              `json:"word_count" validate:"required"`
	Password  Optional[string] `json:"password,omitzero"`
}

// RestoreExtendedKeyParams recovers a master key from a mnemonic.
type RestoreExtendedKeyParams struct {
	Network  Network          `json:"network" validate:"required"`
	Mnemonic string           `json:"mnemonic" validate:"required"`
	Password Optional[string] `json:"password,omitzero"`
}

// SetLogLevelParams changes the level of every engine logger.
type SetLogLevelParams struct {
	Level string `json:"level" validate:"required"`
}

type VersionParams struct{}

func (*ConstructorParams) Method() Method         { return MethodConstructor }
func (*DestructorParams) Method() Method          { return MethodDestructor }
func (*GetNewAddressParams) Method() Method       { return MethodGetNewAddress }
func (*SyncParams) Method() Method                { return MethodSync }
func (*ListUnspentParams) Method() Method         { return MethodListUnspent }
func (*GetBalanceParams) Method() Method          { return MethodGetBalance }
func (*ListTransactionsParams) Method() Method    { return MethodListTransactions }
func (*CreateTxParams) Method() Method            { return MethodCreateTx }
func (*SignParams) Method() Method                { return MethodSign }
func (*ExtractPsbtParams) Method() Method         { return MethodExtractPsbt }
func (*BroadcastParams) Method() Method           { return MethodBroadcast }
func (*PublicDescriptorsParams) Method() Method   { return MethodPublicDescriptors }
func (*GenerateExtendedKeyParams) Method() Method { return MethodGenerateExtendedKey }
func (*RestoreExtendedKeyParams) Method() Method  { return MethodRestoreExtendedKey }
func (*SetLogLevelParams) Method() Method         { return MethodSetLogLevel }
func (*VersionParams) Method() Method             { return MethodVersion }

func (*ConstructorParams) isRequest()         {}
func (*DestructorParams) isRequest()          {}
func (*GetNewAddressParams) isRequest()       {}
func (*SyncParams) isRequest()                {}
func (*ListUnspentParams) isRequest()         {}
func (*GetBalanceParams) isRequest()          {}
func (*ListTransactionsParams) isRequest()    {}
func (*CreateTxParams) isRequest()            {}
func (*SignParams) isRequest()                {}
func (*ExtractPsbtParams) isRequest()         {}
func (*BroadcastParams) isRequest()           {}
func (*PublicDescriptorsParams) isRequest()   {}
func (*GenerateExtendedKeyParams) isRequest() {}
func (*RestoreExtendedKeyParams) isRequest()  {}
func (*SetLogLevelParams) isRequest()         {}
func (*VersionParams) isRequest()             {}

var catalog = map[Method]func() Request{
	MethodConstructor:         func() Request { return new(ConstructorParams) },
	MethodDestructor:          func() Request { return new(DestructorParams) },
	MethodGetNewAddress:       func() Request { return new(GetNewAddressParams) },
	MethodSync:                func() Request { return new(SyncParams) },
	MethodListUnspent:         func() Request { return new(ListUnspentParams) },
	MethodGetBalance:          func() Request { return new(GetBalanceParams) },
	MethodListTransactions:    func() Request { return new(ListTransactionsParams) },
	MethodCreateTx:            func() Request { return new(CreateTxParams) },
	MethodSign:                func() Request { return new(SignParams) },
	MethodExtractPsbt:         func() Request { return new(ExtractPsbtParams) },
	MethodBroadcast:           func() Request { return new(BroadcastParams) },
	MethodPublicDescriptors:   func() Request { return new(PublicDescriptorsParams) },
	MethodGenerateExtendedKey: func() Request { return new(GenerateExtendedKeyParams) },
	MethodRestoreExtendedKey:  func() Request { return new(RestoreExtendedKeyParams) },
	MethodSetLogLevel:         func() Request { return new(SetLogLevelParams) },
	MethodVersion:             func() Request { return new(VersionParams) },
}

// HandleBound reports whether m operates on a wallet handle. It is false
// for free functions and unknown methods.
func (m Method) HandleBound() bool {
	newReq, found := catalog[m]
	if !found {
		return false
	}
	_, bound := newReq().(HandleRequest)
	return bound
}

// Methods returns every catalog method name.
func Methods() []Method {
	ms := make([]Method, 0, len(catalog))
	for m := range catalog {
		ms = append(ms, m)
	}
	return ms
}

// ---- results ----

// TxOut is a transaction output.
type TxOut struct {
	ScriptPubkey Bytes  `json:"script_pubkey"`
	Value        Amount `json:"value"`
}

// LocalUtxo is an unspent output owned by the wallet.
type LocalUtxo struct {
	Outpoint string   `json:"outpoint"`
	TxOut    TxOut    `json:"txout"`
	Keychain Keychain `json:"keychain"`
}

// ConfirmationTime is the block a transaction was mined in.
type ConfirmationTime struct {
	Height    Height `json:"height"`
	Timestamp uint64 `json:"timestamp"`
}

// TransactionDetails summarizes a transaction from the wallet's point of
// view. Transaction is the raw hex, present only when requested.
type TransactionDetails struct {
	Transaction      *string           `json:"transaction"`
	Txid             string            `json:"txid"`
	Received         Amount            `json:"received"`
	Sent             Amount            `json:"sent"`
	Fee              *Amount           `json:"fee"`
	ConfirmationTime *ConfirmationTime `json:"confirmation_time"`
	Verified         bool              `json:"verified"`
}

type CreateTxResult struct {
	Details TransactionDetails `json:"details"`
	Psbt    string             `json:"psbt"`
}

type SignResult struct {
	Psbt      string `json:"psbt"`
	Finalized bool   `json:"finalized"`
}

type RawTransaction struct {
	Transaction string `json:"transaction"`
}

type BroadcastResult struct {
	Txid string `json:"txid"`
}

type PublicDescriptorsResult struct {
	External string  `json:"external"`
	Internal *string `json:"internal"`
}

type ExtendedKeyInfo struct {
	Mnemonic    string `json:"mnemonic"`
	Xprv        string `json:"xprv"`
	Fingerprint string `json:"fingerprint"`
}

type VersionResult struct {
	Version string `json:"version"`
}
