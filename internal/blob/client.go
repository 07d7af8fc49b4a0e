package blob

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"
)

// Client implements Store against the blob daemon's Unix socket.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, dialTimeout: 500 * time.Millisecond}
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		switch resp.Code {
		case codeNotFound:
			return nil, ErrNotFound
		case codeInvalidID:
			return nil, ErrInvalidID
		}
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

func (c *Client) Read(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpRead, ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) Write(ctx context.Context, data []byte) (string, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpWrite, Data: data})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) List(ctx context.Context) ([]Record, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpList})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.roundTrip(ctx, Request{Op: OpDelete, ID: id})
	return err
}

// Close is a no-op; every call opens its own connection.
func (c *Client) Close() error { return nil }

// Ping reports whether the daemon accepts connections.
func (c *Client) Ping(ctx context.Context) error {
	d := net.Dialer{Timeout: 200 * time.Millisecond}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return err
	}
	return conn.Close()
}
