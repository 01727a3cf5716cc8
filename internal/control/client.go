/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package control

import (
	"fmt"
	"net"
	"time"

	"distsync/internal/transport"
)

// Client is a thin synchronous client for the control endpoint, used by
// cmd/distsync-cli. One Client serves one request at a time; callers
// wanting concurrency should open multiple Clients.
type Client struct {
	addr    string
	dialTO  time.Duration
	callTO  time.Duration
	conn    net.Conn
	nodeTag string
}

// NewClient constructs a Client targeting a node's control address.
func NewClient(addr string) *Client {
	return &Client{addr: addr, dialTO: 5 * time.Second, callTO: 10 * time.Second, nodeTag: "distsync-cli"}
}

// Dial opens the underlying connection.
func (c *Client) Dial() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTO)
	if err != nil {
		return fmt.Errorf("control client: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Call sends req and waits for the matching Response over the client's
// connection, dialing first only when there is none (the control protocol
// is strictly request-then-response, one in flight at a time per
// connection).
func (c *Client) Call(req Request) (*Response, error) {
	if c.conn == nil {
		if err := c.Dial(); err != nil {
			return nil, err
		}
	}
	c.conn.SetDeadline(time.Now().Add(c.callTO))

	msg, err := transport.NewMessage("control_request", c.nodeTag, req, "")
	if err != nil {
		return nil, err
	}
	if err := transport.WriteMessage(c.conn, msg); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("control client: write: %w", err)
	}
	reply, err := transport.ReadMessage(c.conn)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("control client: read: %w", err)
	}
	var resp Response
	if err := reply.Unmarshal(&resp); err != nil {
		return nil, fmt.Errorf("control client: decode response: %w", err)
	}
	return &resp, nil
}
