package engine

import (
	"time"

	"example.com/libdescwallet/internal/chain"
	"example.com/libdescwallet/internal/electrum"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultStopGap is the number of consecutive unused addresses after
	// which a sync stops scanning a keychain.
	DefaultStopGap = 20
	// DefaultBatchSize is the number of scripts queried per round trip.
	DefaultBatchSize = 20
	// DefaultRetry is the number of extra attempts for a failed backend
	// request.
	DefaultRetry = 1
)

// ChainConfig locates the chain backend.
type ChainConfig struct {
	URL            string
	Proxy          fn.Option[string]
	Retry          fn.Option[uint8]
	Timeout        fn.Option[time.Duration]
	ValidateDomain fn.Option[bool]
}

// Config configures a wallet instance.
type Config struct {
	Name             string
	Net              *chaincfg.Params
	Path             string
	Descriptor       string
	ChangeDescriptor fn.Option[string]
	StopGap          fn.Option[uint32]
	Chain            ChainConfig
}

func (c *Config) stopGap() uint32 {
	gap := c.StopGap.UnwrapOr(DefaultStopGap)
	if gap == 0 {
		return 1
	}
	return gap
}

// ChainFactory creates the chain backend of a wallet. It is called lazily,
// the first time the wallet needs the network.
type ChainFactory func(cfg *ChainConfig) (chain.Backend, error)

// ElectrumChain is the default ChainFactory.
func ElectrumChain(cfg *ChainConfig) (chain.Backend, error) {
	return electrum.NewClient(&electrum.Config{
		URL:            cfg.URL,
		Proxy:          cfg.Proxy.UnwrapOr(""),
		ValidateDomain: cfg.ValidateDomain.UnwrapOr(true),
		Retry:          cfg.Retry.UnwrapOr(DefaultRetry),
		Timeout:        cfg.Timeout.UnwrapOr(0),
	})
}
