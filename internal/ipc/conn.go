package ipc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Conn wraps one TCP connection of a client/handler pair.
// Reads and writes always move the full requested byte count or fail with
// ErrConnectionBroken. Close is safe to call more than once.
type Conn struct {
	conn        net.Conn
	transferred atomic.Int64
	closeOnce   sync.Once
	closeErr    error
}

// NewConn wraps an established connection
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Read performs a single read on the underlying connection.
// A zero-byte read is reported as a broken connection.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.conn.Read(p)
	c.transferred.Add(int64(n))
	if n == 0 && err == nil {
		return 0, ErrConnectionBroken
	}
	if err != nil {
		return n, brokenErr(err)
	}
	return n, nil
}

// Write sends all of p, looping until every byte is written
func (c *Conn) Write(p []byte) (int, error) {
	return c.SendAll(p)
}

// SendAll writes p in full
func (c *Conn) SendAll(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := c.conn.Write(p[total:])
		c.transferred.Add(int64(n))
		total += n
		if err != nil {
			return total, brokenErr(err)
		}
		if n == 0 {
			return total, ErrConnectionBroken
		}
	}
	return total, nil
}

// RecvAll reads exactly n bytes
func (c *Conn) RecvAll(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFull(c, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Transferred returns the total number of bytes moved in either direction
func (c *Conn) Transferred() int64 {
	return c.transferred.Load()
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection exactly once
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// WriteClientID sends the fixed-size handshake identifier. Shorter ids are
// padded with spaces and longer ones truncated.
func WriteClientID(c *Conn, id string) error {
	buf := []byte(fmt.Sprintf("%-*s", ClientIDSize, id))[:ClientIDSize]
	_, err := c.SendAll(buf)
	return err
}

// ReadClientID reads the handshake identifier sent by WriteClientID
func ReadClientID(c *Conn) (string, error) {
	buf, err := c.RecvAll(ClientIDSize)
	if err != nil {
		return "", fmt.Errorf("failed to read client id: %w", err)
	}
	return string(buf), nil
}

// FullID combines the handshake identifier with the peer IP: "<id>@<ip>"
func FullID(clientID string, addr net.Addr) string {
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return clientID + "@" + host
}
