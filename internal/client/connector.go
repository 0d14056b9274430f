// Package client manages the client's two connections to the server and the
// requests sent over the control channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/austinkregel/local-media/musicstream/internal/ipc"
)

// ErrNotConnected is returned when a request needs a connection that is not established
var ErrNotConnected = errors.New("not connected")

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Connector owns one channel (control or audio) to the server and re-establishes
// it on demand.
//
// A refused connect is retried until it succeeds; any other error abandons the
// attempt, and nothing happens until Reconnect is called again.
type Connector struct {
	channel       string
	addr          string
	clientID      string
	retryInterval time.Duration
	dial          dialFunc

	mu       sync.Mutex
	conn     *ipc.Conn
	attempts int
	onChange func(connected bool)
	partner  *Connector

	trigger   chan struct{}
	connected chan struct{}
}

// NewConnector creates a connector for one channel. retryInterval is the pause
// between refused attempts; zero retries immediately.
func NewConnector(channel, addr, clientID string, retryInterval time.Duration) *Connector {
	d := &net.Dialer{}
	return &Connector{
		channel:       channel,
		addr:          addr,
		clientID:      clientID,
		retryInterval: retryInterval,
		dial:          d.DialContext,
		trigger:       make(chan struct{}, 1),
		connected:     make(chan struct{}),
	}
}

// SetOnChange registers a callback fired when the connection is established or dropped
func (c *Connector) SetOnChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Pair links two connectors so that Reconnect on either one reconnects both.
// The server only pairs a client's control and audio connections when both
// arrive fresh, so the channels must never reconnect on their own.
func (c *Connector) Pair(other *Connector) {
	c.mu.Lock()
	c.partner = other
	c.mu.Unlock()

	other.mu.Lock()
	other.partner = c
	other.mu.Unlock()
}

// Connect makes one connection attempt following the reconnect policy
func (c *Connector) Connect(ctx context.Context) error {
	for {
		conn, err := c.dialOnce(ctx)
		if err == nil {
			c.setConn(conn)
			log.Info().Str("component", "client").Str("channel", c.channel).Str("addr", c.addr).Msg("Connected")
			return nil
		}

		if !errors.Is(err, ipc.ErrConnectionRefused) {
			log.Warn().Str("component", "client").Str("channel", c.channel).Err(err).Msg("Connect attempt abandoned")
			return err
		}

		log.Debug().Str("component", "client").Str("channel", c.channel).Msg("Connection refused, retrying")
		if c.retryInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Connector) dialOnce(ctx context.Context) (*ipc.Conn, error) {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()

	raw, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %v", ipc.ErrConnectionRefused, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	conn := ipc.NewConn(raw)
	if err := ipc.WriteClientID(conn, c.clientID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send client id: %w", err)
	}
	return conn, nil
}

func (c *Connector) setConn(conn *ipc.Conn) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	if conn != nil {
		select {
		case <-c.connected:
		default:
			close(c.connected)
		}
	} else {
		select {
		case <-c.connected:
			c.connected = make(chan struct{})
		default:
		}
	}
	onChange := c.onChange
	c.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
	if onChange != nil && (old != nil) != (conn != nil) {
		onChange(conn != nil)
	}
}

// Run makes the initial attempt, then one more attempt per Reconnect call,
// until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	c.Connect(ctx)
	for {
		select {
		case <-ctx.Done():
			c.setConn(nil)
			return nil
		case <-c.trigger:
			c.Connect(ctx)
		}
	}
}

// Reconnect drops the current connection, and the partner's if paired, and
// asks Run for a new attempt. Calls made while an attempt is pending are coalesced.
func (c *Connector) Reconnect() {
	c.reconnect()

	c.mu.Lock()
	partner := c.partner
	c.mu.Unlock()
	if partner != nil {
		partner.reconnect()
	}
}

func (c *Connector) reconnect() {
	c.setConn(nil)
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Conn returns the current connection, or nil
func (c *Connector) Conn() *ipc.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connected reports whether a connection is established
func (c *Connector) Connected() bool {
	return c.Conn() != nil
}

// WaitConnected blocks until a connection exists or ctx is done
func (c *Connector) WaitConnected(ctx context.Context) (*ipc.Conn, error) {
	for {
		c.mu.Lock()
		conn, ready := c.conn, c.connected
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Attempts returns the number of dial attempts made so far
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Close drops the current connection
func (c *Connector) Close() error {
	c.setConn(nil)
	return nil
}
