package electrum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// ServerError is an error object returned by the server for a request.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

var errConnClosed = errors.New("connection closed")

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (r *response) err() error {
	if len(r.Error) == 0 || bytes.Equal(r.Error, []byte("null")) {
		return nil
	}
	se := new(ServerError)
	if err := json.Unmarshal(r.Error, se); err != nil {
		// Some servers send a bare string.
		var msg string
		if json.Unmarshal(r.Error, &msg) != nil {
			msg = string(r.Error)
		}
		return &ServerError{Message: msg}
	}
	return se
}

// serverConn is one live connection. Responses are matched to requests by
// id, so requests from several goroutines can be in flight.
type serverConn struct {
	conn   net.Conn
	nextID atomic.Uint64

	writeMtx sync.Mutex

	mtx     sync.Mutex
	pending map[uint64]chan *response
	err     error

	done chan struct{}
}

func newServerConn(conn net.Conn) *serverConn {
	sc := &serverConn{
		conn:    conn,
		pending: make(map[uint64]chan *response),
		done:    make(chan struct{}),
	}
	go sc.readLoop()
	return sc
}

func (sc *serverConn) readLoop() {
	r := bufio.NewReaderSize(sc.conn, 1<<16)
	var err error
	for {
		var line []byte
		line, err = r.ReadBytes('\n')
		if err != nil {
			break
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] == '[' {
			var resps []*response
			if err = json.Unmarshal(line, &resps); err != nil {
				break
			}
			for _, resp := range resps {
				sc.deliver(resp)
			}
			continue
		}
		resp := new(response)
		if err = json.Unmarshal(line, resp); err != nil {
			break
		}
		sc.deliver(resp)
	}
	sc.shutdown(err)
}

func (sc *serverConn) deliver(resp *response) {
	if resp.ID == nil {
		// Subscription notification.
		log.Tracef("Ignoring notification %s", resp.Method)
		return
	}
	sc.mtx.Lock()
	c, found := sc.pending[*resp.ID]
	delete(sc.pending, *resp.ID)
	sc.mtx.Unlock()
	if !found {
		log.Debugf("Response for unknown request id %d", *resp.ID)
		return
	}
	c <- resp
}

func (sc *serverConn) shutdown(err error) {
	if err == nil {
		err = errConnClosed
	}
	sc.mtx.Lock()
	if sc.err != nil {
		sc.mtx.Unlock()
		return
	}
	sc.err = err
	sc.pending = make(map[uint64]chan *response)
	sc.mtx.Unlock()
	close(sc.done)
	sc.conn.Close()
}

func (sc *serverConn) Close() error {
	sc.shutdown(errConnClosed)
	return nil
}

func (sc *serverConn) closed() bool {
	select {
	case <-sc.done:
		return true
	default:
		return false
	}
}

// do sends the requests, as a batch when there is more than one, and
// decodes each result into results[i].
func (sc *serverConn) do(ctx context.Context, reqs []*request, results []any) error {
	chans := make([]chan *response, len(reqs))
	sc.mtx.Lock()
	if sc.err != nil {
		sc.mtx.Unlock()
		return sc.err
	}
	for i, req := range reqs {
		req.JSONRPC = "2.0"
		req.ID = sc.nextID.Add(1)
		if req.Params == nil {
			req.Params = []any{}
		}
		chans[i] = make(chan *response, 1)
		sc.pending[req.ID] = chans[i]
	}
	sc.mtx.Unlock()

	forget := func() {
		sc.mtx.Lock()
		for _, req := range reqs {
			delete(sc.pending, req.ID)
		}
		sc.mtx.Unlock()
	}

	var msg []byte
	var err error
	if len(reqs) == 1 {
		msg, err = json.Marshal(reqs[0])
	} else {
		msg, err = json.Marshal(reqs)
	}
	if err != nil {
		forget()
		return err
	}
	msg = append(msg, '\n')

	if deadline, ok := ctx.Deadline(); ok {
		sc.conn.SetWriteDeadline(deadline)
	}
	sc.writeMtx.Lock()
	_, err = sc.conn.Write(msg)
	sc.writeMtx.Unlock()
	if err != nil {
		forget()
		sc.shutdown(err)
		return err
	}

	for i, c := range chans {
		select {
		case resp := <-c:
			if err := resp.err(); err != nil {
				forget()
				return err
			}
			if results[i] == nil {
				continue
			}
			if err := json.Unmarshal(resp.Result, results[i]); err != nil {
				forget()
				return fmt.Errorf("error decoding %s result: %w", reqs[i].Method, err)
			}
		case <-sc.done:
			return sc.err
		case <-ctx.Done():
			forget()
			return ctx.Err()
		}
	}
	return nil
}
