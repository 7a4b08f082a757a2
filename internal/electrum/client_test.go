package electrum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/libdescwallet/internal/chain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type handler func(method string, params []json.RawMessage) (any, *ServerError)

type testServer struct {
	ln       net.Listener
	handle   handler
	conns    atomic.Int32
	dropNext atomic.Bool

	wg sync.WaitGroup
}

func newTestServer(t *testing.T, h handler) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{ln: ln, handle: h}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) url() string {
	return "tcp://" + s.ln.Addr().String()
}

func (s *testServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		s.wg.Add(1)
		go s.serve(conn)
	}
}

type testRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type testResponse struct {
	ID     uint64       `json:"id"`
	Result any          `json:"result"`
	Error  *ServerError `json:"error,omitempty"`
}

func (s *testServer) respond(req *testRequest) *testResponse {
	if req.Method == "server.version" {
		return &testResponse{ID: req.ID, Result: []string{"test", "1.4"}}
	}
	res, serr := s.handle(req.Method, req.Params)
	return &testResponse{ID: req.ID, Result: res, Error: serr}
}

func (s *testServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] != '[' {
			var req testRequest
			if json.Unmarshal(line, &req) != nil {
				return
			}
			if req.Method != "server.version" && s.dropNext.CompareAndSwap(true, false) {
				return
			}
			// A notification first, which the client must skip.
			conn.Write([]byte(`{"jsonrpc":"2.0","method":"blockchain.headers.subscribe","params":[{"height":1}]}` + "\n"))
			b, _ := json.Marshal(s.respond(&req))
			conn.Write(append(b, '\n'))
			continue
		}
		var reqs []*testRequest
		if json.Unmarshal(line, &reqs) != nil {
			return
		}
		resps := make([]*testResponse, len(reqs))
		// Answer in reverse to exercise id matching.
		for i, req := range reqs {
			resps[len(reqs)-1-i] = s.respond(req)
		}
		b, _ := json.Marshal(resps)
		conn.Write(append(b, '\n'))
	}
}

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 3}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	return tx
}

func txHex(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

func newTestClient(t *testing.T, s *testServer, retry uint8) *Client {
	t.Helper()
	c, err := NewClient(&Config{URL: s.url(), Retry: retry, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCalls(t *testing.T) {
	tx := testTx()
	txid := tx.TxHash()
	scriptA, scriptB := []byte{0x00, 0x14, 1}, []byte{0x00, 0x14, 2}

	hdr := wire.BlockHeader{Version: 1, Timestamp: time.Unix(1600000000, 0), Bits: 0x207fffff}
	var hdrBuf bytes.Buffer
	hdr.Serialize(&hdrBuf)

	s := newTestServer(t, func(method string, params []json.RawMessage) (any, *ServerError) {
		switch method {
		case "blockchain.headers.subscribe":
			return map[string]any{"height": 120, "hex": ""}, nil
		case "blockchain.scripthash.get_history":
			var sh string
			json.Unmarshal(params[0], &sh)
			if sh == chain.ScriptHash(scriptA) {
				return []map[string]any{{"height": 101, "tx_hash": txid.String()}}, nil
			}
			return []any{}, nil
		case "blockchain.transaction.get":
			return txHex(tx), nil
		case "blockchain.transaction.get_merkle":
			return map[string]any{"block_height": 101, "pos": 1, "merkle": []string{txid.String()}}, nil
		case "blockchain.block.header":
			return hex.EncodeToString(hdrBuf.Bytes()), nil
		case "blockchain.transaction.broadcast":
			return txid.String(), nil
		}
		return nil, &ServerError{Code: -32601, Message: "unknown method"}
	})
	c := newTestClient(t, s, 0)
	ctx := context.Background()

	tip, err := c.TipHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(120), tip)

	hist, err := c.History(ctx, [][]byte{scriptA, scriptB})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, []chain.HistoryItem{{Txid: txid, Height: 101}}, hist[0])
	require.Empty(t, hist[1])

	got, err := c.Transaction(ctx, txid)
	require.NoError(t, err)
	require.Equal(t, txid, got.TxHash())

	// A transaction that does not hash to the requested id is rejected.
	_, err = c.Transaction(ctx, chainhash.Hash{1})
	require.Error(t, err)

	proof, err := c.Merkle(ctx, txid, 101)
	require.NoError(t, err)
	require.Equal(t, uint32(1), proof.Pos)
	require.Equal(t, []chainhash.Hash{txid}, proof.Branch)

	gotHdr, err := c.BlockHeader(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, hdr.Timestamp.Unix(), gotHdr.Timestamp.Unix())

	bcast, err := c.Broadcast(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, txid, bcast)

	require.Equal(t, int32(1), s.conns.Load())
}

func TestClientServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	s := newTestServer(t, func(string, []json.RawMessage) (any, *ServerError) {
		calls.Add(1)
		return nil, &ServerError{Code: 1, Message: "bad-txns-inputs-missingorspent"}
	})
	c := newTestClient(t, s, 3)
	_, err := c.Broadcast(context.Background(), testTx())
	var se *ServerError
	require.True(t, errors.As(err, &se))
	require.Contains(t, se.Message, "missingorspent")
	require.Equal(t, int32(1), calls.Load())
}

func TestClientReconnects(t *testing.T) {
	s := newTestServer(t, func(string, []json.RawMessage) (any, *ServerError) {
		return map[string]any{"height": 7}, nil
	})
	s.dropNext.Store(true)
	c := newTestClient(t, s, 2)
	tip, err := c.TipHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(7), tip)
	require.Equal(t, int32(2), s.conns.Load())
}

func TestClientNoRetry(t *testing.T) {
	s := newTestServer(t, func(string, []json.RawMessage) (any, *ServerError) {
		return map[string]any{"height": 7}, nil
	})
	s.dropNext.Store(true)
	c := newTestClient(t, s, 0)
	_, err := c.TipHeight(context.Background())
	require.Error(t, err)
}

func TestNewClientValidation(t *testing.T) {
	for _, u := range []string{"http://host:1", "tcp://hostonly", "::bad"} {
		_, err := NewClient(&Config{URL: u})
		require.Error(t, err, u)
	}
	_, err := NewClient(&Config{URL: "ssl://electrum.example.com:50002"})
	require.NoError(t, err)
}

func TestClientClosed(t *testing.T) {
	s := newTestServer(t, func(string, []json.RawMessage) (any, *ServerError) {
		return map[string]any{"height": 7}, nil
	})
	c := newTestClient(t, s, 0)
	require.NoError(t, c.Close())
	_, err := c.TipHeight(context.Background())
	require.Error(t, err)
}
