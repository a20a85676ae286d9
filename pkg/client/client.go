// Package client is a Go client for the mutexd line protocol.
//
// A Client owns one TCP connection, which is also the lock owner on the
// server: every lock it takes is released when the connection closes.
// Requests are serialized, one in flight at a time.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pixperk/mutexd/pkg/protocol"
	"github.com/pixperk/mutexd/pkg/types"
)

var (
	ErrLockTimeout        = errors.New("client: lock not acquired within timeout")
	ErrClosed             = errors.New("client: connection closed")
	ErrUnexpectedResponse = errors.New("client: unexpected response")
)

type Client struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	closed bool
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Client{
		addr: addr,
		conn: conn,
		r:    bufio.NewReader(conn),
	}, nil
}

func (c *Client) Addr() string { return c.addr }

// Lock waits up to timeout for id. A zero timeout makes a single attempt.
// If the id stays held the error is ErrLockTimeout.
func (c *Client) Lock(ctx context.Context, id string, timeout time.Duration) (*Lock, error) {
	cmd := types.LockCommand{ID: id}
	if timeout > 0 {
		cmd.Timeout = timeout
		cmd.HasTimeout = true
	}

	resp, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("lock %q: %w", id, err)
	}
	if !resp.Success {
		return nil, ErrLockTimeout
	}
	return &Lock{client: c, id: id}, nil
}

// TryLock makes one attempt and reports whether it got the lock.
func (c *Client) TryLock(ctx context.Context, id string) (*Lock, bool, error) {
	l, err := c.Lock(ctx, id, 0)
	switch {
	case errors.Is(err, ErrLockTimeout):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return l, true, nil
}

// Release reports false when this connection does not hold id.
func (c *Client) Release(ctx context.Context, id string) (bool, error) {
	resp, err := c.roundTrip(ctx, types.ReleaseCommand{ID: id})
	if err != nil {
		return false, fmt.Errorf("release %q: %w", id, err)
	}
	return resp.Success, nil
}

// sends one request and reads its response
// if ctx ends mid-request the connection is closed, the server then drops
// every lock this client held
func (c *Client) roundTrip(ctx context.Context, cmd types.Command) (types.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.Response{}, ErrClosed
	}

	frame, err := protocol.EncodeRequest(cmd)
	if err != nil {
		return types.Response{}, err
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return types.Response{}, c.fail(err)
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := c.conn.Write(frame); err != nil {
		return types.Response{}, c.fail(ctxErr(ctx, err))
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return types.Response{}, c.fail(ctxErr(ctx, err))
	}

	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		return types.Response{}, c.fail(err)
	}
	if want := types.ResponseFor(cmd, false); resp.Command != want.Command || resp.ID != want.ID {
		return types.Response{}, c.fail(fmt.Errorf("%w: %s for %q", ErrUnexpectedResponse, resp.Command, resp.ID))
	}
	return resp, nil
}

// the connection is out of step after any transport error, so drop it
// caller holds c.mu
func (c *Client) fail(err error) error {
	c.closed = true
	c.conn.Close()
	return err
}

// reports the context error when it caused the transport failure
// the conn deadline can fire just before the context's own timer
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			return context.DeadlineExceeded
		}
	}
	return err
}

// Close ends the connection, the server releases all locks it held.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
