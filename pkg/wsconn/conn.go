// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsconn adapts a gorilla WebSocket connection to net.Conn so the
// relay loops can treat both legs of a session as plain byte streams.
//
// Reads drain data messages one at a time: a Read that exhausts the current
// message advances to the next one, so a single WebSocket message larger than
// the caller's buffer is delivered as several chunks. Writes send one binary
// message per call, which is why the broker→client relay direction needs no
// separate flush. Deadlines map onto the WebSocket read/write deadlines,
// which is what lets the session coordinator interrupt a blocked relay loop
// promptly.
package wsconn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a websocket.Conn as a net.Conn carrying opaque binary payloads.
type Conn struct {
	ws *websocket.Conn

	rmu sync.Mutex // guards msg
	wmu sync.Mutex
	msg io.Reader // current in-progress message, nil between messages
}

var _ net.Conn = (*Conn)(nil)

// New wraps ws. The wrapper owns nothing: closing the returned Conn closes
// the underlying WebSocket, and that is the only resource involved.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read returns the next chunk of the byte stream, crossing message
// boundaries as needed. A peer close surfaces as the *websocket.CloseError
// from NextReader.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.msg == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.msg = r
		}

		n, err := c.msg.Read(p)
		if err == io.EOF {
			// Current message exhausted; deliver what we have or move on.
			c.msg = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying WebSocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// CloseWithCode sends a close control frame with the given code and reason,
// then closes the connection. Used for the broker-unavailable path, where the
// client must see a WebSocket close code rather than a dropped connection.
func (c *Conn) CloseWithCode(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(5 * time.Second)
	// The control frame is best effort; the Close matters.
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.ws.Close()
}

// Ping sends a ping control frame, giving the write the supplied timeout.
// Control frames interleave safely with concurrent data writes.
func (c *Conn) Ping(timeout time.Duration) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// Subprotocol returns the negotiated WebSocket subprotocol.
func (c *Conn) Subprotocol() string {
	return c.ws.Subprotocol()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// SetDeadline sets both read and write deadlines. Expiring a deadline
// unblocks in-flight NextReader/WriteMessage calls with a timeout error.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
