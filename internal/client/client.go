// Package client implements the one-shot wire protocol used to talk to a
// running broker: dial, write one JSON request, read one JSON response,
// done. It also manages the on-disk session credential the CLI reuses
// between invocations.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/adred-codev/ipcd/internal/protocol"
)

// DefaultAddr is the broker's default wire endpoint.
const DefaultAddr = "127.0.0.1:9876"

const dialTimeout = 5 * time.Second

// Client issues single-request connections to a broker.
type Client struct {
	addr    string
	timeout time.Duration
}

// New returns a client for the broker at addr; empty selects DefaultAddr.
func New(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{addr: addr, timeout: dialTimeout}
}

// Do performs one request/response exchange. The broker closes the
// connection after its single write, so the response is read to EOF, capped
// at the protocol response limit. A response with status "error" is not a
// transport failure; callers inspect resp.OK().
func (c *Client) Do(req *protocol.Request) (*protocol.Response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", c.addr, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	raw, err := io.ReadAll(io.LimitReader(conn, protocol.MaxResponseBytes))
	if err != nil && len(raw) == 0 {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// Register claims instanceID. authToken may be empty when the broker runs
// without a shared secret. The response carries the session token exactly
// once; losing it means registering again.
func (c *Client) Register(instanceID, authToken string) (*protocol.Response, error) {
	return c.Do(&protocol.Request{
		Action:     protocol.ActionRegister,
		InstanceID: instanceID,
		AuthToken:  authToken,
	})
}

// Send queues one message for toID.
func (c *Client) Send(token, toID string, msg protocol.Payload) (*protocol.Response, error) {
	return c.Do(&protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: token,
		ToID:         toID,
		Message:      &msg,
	})
}

// Broadcast queues one message for every other instance.
func (c *Client) Broadcast(token string, msg protocol.Payload) (*protocol.Response, error) {
	return c.Do(&protocol.Request{
		Action:       protocol.ActionBroadcast,
		SessionToken: token,
		Message:      &msg,
	})
}

// Check drains the caller's queue. The identity comes from the session
// token; there is nothing else to specify.
func (c *Client) Check(token string) (*protocol.Response, error) {
	return c.Do(&protocol.Request{
		Action:       protocol.ActionCheck,
		SessionToken: token,
	})
}

// List fetches the active-instance table.
func (c *Client) List(token string) (*protocol.Response, error) {
	return c.Do(&protocol.Request{
		Action:       protocol.ActionList,
		SessionToken: token,
	})
}

// Rename moves the caller's identity to newID. The old identifier is the
// one bound to the session; it cannot be chosen.
func (c *Client) Rename(token, newID string) (*protocol.Response, error) {
	return c.Do(&protocol.Request{
		Action:       protocol.ActionRename,
		SessionToken: token,
		NewID:        newID,
	})
}
