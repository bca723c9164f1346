package model

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// maxResponseLine bounds one response line; embedding batches serialize to
// megabytes of JSON.
const maxResponseLine = 64 * 1024 * 1024

// conn multiplexes JSON-RPC calls over a line-delimited stdio pair.
// Requests carry monotonically increasing ids; responses are matched back
// to the waiting caller through the pending map.
type conn struct {
	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	pending map[uint64]chan *rpcResponse
	closed  bool
	err     error

	nextID atomic.Uint64
	logger *slog.Logger
}

func newConn(w io.Writer, r io.Reader, logger *slog.Logger) *conn {
	c := &conn{
		w:       w,
		pending: make(map[uint64]chan *rpcResponse),
		logger:  logger,
	}
	go c.readLoop(r)
	return c
}

func (c *conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("model_host_bad_response", slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			// Late response after the caller timed out.
			c.logger.Debug("model_host_orphan_response", slog.Uint64("id", resp.ID))
			continue
		}
		ch <- &resp
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.closeWith(errors.Wrap(errors.KindTransient, "model host connection lost", err))
}

// closeWith rejects every pending call with err and refuses new calls.
func (c *conn) closeWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &rpcResponse{ID: id, Error: &rpcError{Code: -32000, Message: err.Error()}}
	}
}

// call sends one request and decodes the matching response into out.
// Deadlines come from ctx; on expiry the pending slot is dropped so a
// late response is discarded instead of leaking.
func (c *conn) call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.abandon(id)
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	_, err = c.w.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.abandon(id)
		return errors.Wrap(errors.KindTransient, "write to model host", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return errors.Newf(errors.KindTransient, "model host %s failed: %s (code %d)",
				method, resp.Error.Message, resp.Error.Code)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return errors.Wrap(errors.KindProtocolViolation, "decode "+method+" result", err)
		}
		return nil
	case <-ctx.Done():
		c.abandon(id)
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Newf(errors.KindTransient, "model host %s timed out", method)
		}
		return errors.Wrap(errors.KindCancelled, method+" cancelled", ctx.Err())
	}
}

func (c *conn) abandon(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
