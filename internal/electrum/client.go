// Package electrum is a minimal Electrum protocol client implementing the
// wallet's chain backend.
package electrum

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"example.com/libdescwallet/internal/chain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/proxy"
)

const (
	clientName      = "libdescwallet"
	protocolVersion = "1.4"

	defaultDialTimeout = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	// URL is tcp://host:port or ssl://host:port.
	URL string
	// Proxy is an optional SOCKS5 proxy address, host:port or
	// socks5://host:port.
	Proxy string
	// ValidateDomain enables TLS certificate verification for ssl:// URLs.
	ValidateDomain bool
	// Retry is the number of extra attempts made for a failed request.
	Retry uint8
	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration
}

// Client is an Electrum server connection that is established on first use
// and re-established after failures.
type Client struct {
	cfg    Config
	addr   string
	host   string
	useTLS bool

	mtx    sync.Mutex
	conn   *serverConn
	closed bool
}

var _ chain.Backend = (*Client)(nil)

// NewClient validates cfg. No connection is made until the first request.
func NewClient(cfg *Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid electrum url: %w", err)
	}
	var useTLS bool
	switch u.Scheme {
	case "tcp":
	case "ssl":
		useTLS = true
	default:
		return nil, fmt.Errorf("unsupported electrum url scheme %q", u.Scheme)
	}
	host, _, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid electrum address %q: %w", u.Host, err)
	}
	return &Client{
		cfg:    *cfg,
		addr:   u.Host,
		host:   host,
		useTLS: useTLS,
	}, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var dialer proxy.Dialer = &net.Dialer{Timeout: defaultDialTimeout}
	if c.cfg.Proxy != "" {
		proxyAddr := strings.TrimPrefix(c.cfg.Proxy, "socks5://")
		var err error
		dialer, err = proxy.SOCKS5("tcp", proxyAddr, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("proxy error: %w", err)
		}
	}

	var conn net.Conn
	var err error
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", c.addr)
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}
	if err != nil {
		return nil, err
	}
	if !c.useTLS {
		return conn, nil
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         c.host,
		InsecureSkipVerify: !c.cfg.ValidateDomain,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (c *Client) connection(ctx context.Context) (*serverConn, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.closed {
		return nil, errors.New("client closed")
	}
	if c.conn != nil && !c.conn.closed() {
		return c.conn, nil
	}

	log.Debugf("Connecting to electrum server %s", c.addr)
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", c.addr, err)
	}
	sc := newServerConn(conn)
	var version []string
	err = sc.do(ctx, []*request{{Method: "server.version", Params: []any{clientName, protocolVersion}}}, []any{&version})
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("server.version error: %w", err)
	}
	log.Infof("Connected to electrum server %s %v", c.addr, version)
	c.conn = sc
	return sc, nil
}

func (c *Client) dropConnection(sc *serverConn) {
	c.mtx.Lock()
	if c.conn == sc {
		c.conn = nil
	}
	c.mtx.Unlock()
	sc.Close()
}

// batch runs the requests with retries. Server errors are not retried.
func (c *Client) batch(ctx context.Context, reqs []*request, results []any) error {
	op := func() error {
		reqCtx := ctx
		if c.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
		}
		sc, err := c.connection(reqCtx)
		if err != nil {
			return err
		}
		err = sc.do(reqCtx, reqs, results)
		var se *ServerError
		if errors.As(err, &se) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Debugf("Electrum request failed: %v", err)
			c.dropConnection(sc)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.Retry)), ctx))
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	return c.batch(ctx, []*request{{Method: method, Params: params}}, []any{result})
}

type historyItem struct {
	Height int32  `json:"height"`
	TxHash string `json:"tx_hash"`
}

// History returns the history of each script using one batched request.
func (c *Client) History(ctx context.Context, scripts [][]byte) ([][]chain.HistoryItem, error) {
	if len(scripts) == 0 {
		return nil, nil
	}
	reqs := make([]*request, len(scripts))
	raw := make([][]historyItem, len(scripts))
	results := make([]any, len(scripts))
	for i, script := range scripts {
		reqs[i] = &request{Method: "blockchain.scripthash.get_history", Params: []any{chain.ScriptHash(script)}}
		results[i] = &raw[i]
	}
	if err := c.batch(ctx, reqs, results); err != nil {
		return nil, err
	}
	out := make([][]chain.HistoryItem, len(scripts))
	for i, items := range raw {
		for _, item := range items {
			h, err := chainhash.NewHashFromStr(item.TxHash)
			if err != nil {
				return nil, fmt.Errorf("invalid tx hash %q: %w", item.TxHash, err)
			}
			out[i] = append(out[i], chain.HistoryItem{Txid: *h, Height: item.Height})
		}
	}
	log.Tracef("History response: %v", spewClosure(out))
	return out, nil
}

// Transaction fetches a raw transaction.
func (c *Client) Transaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	var txHex string
	if err := c.call(ctx, "blockchain.transaction.get", []any{txid.String()}, &txHex); err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	if got := tx.TxHash(); got != txid {
		return nil, fmt.Errorf("server returned transaction %s for %s", got, txid)
	}
	return tx, nil
}

type merkleResult struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

// Merkle fetches the merkle branch of a confirmed transaction.
func (c *Client) Merkle(ctx context.Context, txid chainhash.Hash, height uint32) (*chain.MerkleProof, error) {
	var res merkleResult
	if err := c.call(ctx, "blockchain.transaction.get_merkle", []any{txid.String(), height}, &res); err != nil {
		return nil, err
	}
	proof := &chain.MerkleProof{BlockHeight: res.BlockHeight, Pos: res.Pos}
	for _, s := range res.Merkle {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, err
		}
		proof.Branch = append(proof.Branch, *h)
	}
	return proof, nil
}

// BlockHeader fetches the header at height.
func (c *Client) BlockHeader(ctx context.Context, height uint32) (*wire.BlockHeader, error) {
	var hdrHex string
	if err := c.call(ctx, "blockchain.block.header", []any{height}, &hdrHex); err != nil {
		return nil, err
	}
	return decodeHeader(hdrHex)
}

func decodeHeader(hdrHex string) (*wire.BlockHeader, error) {
	b, err := hex.DecodeString(hdrHex)
	if err != nil {
		return nil, err
	}
	hdr := new(wire.BlockHeader)
	if err := hdr.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return hdr, nil
}

// TipHeight returns the height of the server's best block.
func (c *Client) TipHeight(ctx context.Context) (uint32, error) {
	var tip struct {
		Height uint32 `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := c.call(ctx, "blockchain.headers.subscribe", nil, &tip); err != nil {
		return 0, err
	}
	return tip.Height, nil
}

// Broadcast submits a transaction to the network.
func (c *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, err
	}
	var txidStr string
	if err := c.call(ctx, "blockchain.transaction.broadcast", []any{hex.EncodeToString(buf.Bytes())}, &txidStr); err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("server returned invalid txid %q: %w", txidStr, err)
	}
	return *txid, nil
}

// Close shuts the connection down. Further requests fail.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}
