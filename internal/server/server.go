// Package server implements the musicstream server: a dispatcher pairing the
// control and audio connections of each client, and one Handler per pair.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/local-media/musicstream/internal/catalog"
	"github.com/austinkregel/local-media/musicstream/internal/ipc"
)

// Config holds the dispatcher's listen settings
type Config struct {
	Host              string
	PortCommunication int
	PortStreaming     int

	// PairTimeout closes half-connections that waited longer than this for
	// their counterpart. Zero waits forever.
	PairTimeout time.Duration

	// MetricsListen is the address of the /metrics endpoint; empty disables it
	MetricsListen string
}

type pendingConn struct {
	conn  *ipc.Conn
	since time.Time
}

// Server accepts client connections on two ports and pairs them by client identifier
type Server struct {
	cfg     Config
	open    catalog.Opener
	metrics *Metrics

	mu              sync.Mutex
	controlListener net.Listener
	audioListener   net.Listener
	pendingControl  map[string]pendingConn
	pendingAudio    map[string]pendingConn
	handlers        map[string]*Handler
	closed          bool

	// newClient coalesces wakeups of the pairing loop
	newClient chan struct{}
}

// New creates a server. A nil metrics gets a private registry.
func New(cfg Config, open catalog.Opener, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		cfg:            cfg,
		open:           open,
		metrics:        metrics,
		pendingControl: make(map[string]pendingConn),
		pendingAudio:   make(map[string]pendingConn),
		handlers:       make(map[string]*Handler),
		newClient:      make(chan struct{}, 1),
	}
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Listen binds both ports. Run calls it when it has not been called yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlListener != nil {
		return nil
	}

	control, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.PortCommunication)))
	if err != nil {
		return fmt.Errorf("failed to listen on control port: %w", err)
	}
	audio, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.PortStreaming)))
	if err != nil {
		control.Close()
		return fmt.Errorf("failed to listen on streaming port: %w", err)
	}

	s.controlListener = control
	s.audioListener = audio
	log.Info().Str("component", "dispatcher").
		Str("control", control.Addr().String()).
		Str("audio", audio.Addr().String()).
		Msg("Server listening")
	return nil
}

// Addrs returns the bound control and audio addresses
func (s *Server) Addrs() (control, audio net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlListener == nil {
		return nil, nil
	}
	return s.controlListener.Addr(), s.audioListener.Addr()
}

// Run serves until ctx is cancelled, then closes every connection
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx, s.controlListener, "control") })
	g.Go(func() error { return s.acceptLoop(ctx, s.audioListener, "audio") })
	g.Go(func() error { return s.pairLoop(ctx) })
	if s.cfg.MetricsListen != "" {
		g.Go(func() error { return s.metrics.Serve(ctx, s.cfg.MetricsListen) })
	}
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	log.Info().Str("component", "dispatcher").Msg("Server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, channel string) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Str("component", "dispatcher").Str("channel", channel).Err(err).Msg("Accept error")
			continue
		}
		go s.register(ipc.NewConn(conn), channel)
	}
}

// register reads the handshake and records the half-connection
func (s *Server) register(conn *ipc.Conn, channel string) {
	clientID, err := ipc.ReadClientID(conn)
	if err != nil {
		log.Warn().Str("component", "dispatcher").Str("channel", channel).
			Str("remote", conn.RemoteAddr().String()).Err(err).Msg("Handshake failed")
		conn.Close()
		return
	}
	key := ipc.FullID(clientID, conn.RemoteAddr())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Debug().Str("component", "dispatcher").Str("client", key).Str("channel", channel).Msg("Server shutting down, dropping connection")
		conn.Close()
		return
	}
	pending := s.pendingControl
	if channel == "audio" {
		pending = s.pendingAudio
	}
	if stale, ok := pending[key]; ok {
		log.Info().Str("component", "dispatcher").Str("client", key).Str("channel", channel).Msg("Replacing stale connection")
		stale.conn.Close()
	}
	pending[key] = pendingConn{conn: conn, since: time.Now()}
	s.updatePendingLocked()
	s.mu.Unlock()

	log.Debug().Str("component", "dispatcher").Str("client", key).Str("channel", channel).Msg("Connection registered")
	s.signalNewClient()
}

func (s *Server) signalNewClient() {
	select {
	case s.newClient <- struct{}{}:
	default:
	}
}

func (s *Server) pairLoop(ctx context.Context) error {
	var expire <-chan time.Time
	if s.cfg.PairTimeout > 0 {
		ticker := time.NewTicker(s.cfg.PairTimeout / 2)
		defer ticker.Stop()
		expire = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.newClient:
			s.pairPending(ctx)
		case <-expire:
			s.expirePending()
		}
	}
}

// pairPending starts a handler for every client present in both pending maps
func (s *Server) pairPending(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := lo.Filter(lo.Keys(s.pendingControl), func(key string, _ int) bool {
		_, ok := s.pendingAudio[key]
		return ok
	})

	for _, key := range keys {
		control := s.pendingControl[key].conn
		audio := s.pendingAudio[key].conn
		delete(s.pendingControl, key)
		delete(s.pendingAudio, key)

		cat, err := s.open()
		if err != nil {
			log.Error().Str("component", "dispatcher").Str("client", key).Err(err).Msg("Failed to open catalog")
			control.Close()
			audio.Close()
			continue
		}

		h := NewHandler(key, control, audio, cat, s.metrics, s.removeHandler)
		s.handlers[h.ID()] = h
		s.metrics.ActiveHandlers.Inc()
		h.Start(ctx)
	}
	s.updatePendingLocked()
}

func (s *Server) expirePending() {
	cutoff := time.Now().Add(-s.cfg.PairTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, pending := range map[string]map[string]pendingConn{"control": s.pendingControl, "audio": s.pendingAudio} {
		for key, p := range pending {
			if p.since.Before(cutoff) {
				log.Info().Str("component", "dispatcher").Str("client", key).Str("channel", channel).Msg("Dropping unpaired connection")
				p.conn.Close()
				delete(pending, key)
			}
		}
	}
	s.updatePendingLocked()
}

func (s *Server) removeHandler(h *Handler) {
	s.mu.Lock()
	if _, ok := s.handlers[h.ID()]; ok {
		delete(s.handlers, h.ID())
		s.metrics.ActiveHandlers.Dec()
	}
	s.mu.Unlock()
}

func (s *Server) updatePendingLocked() {
	s.metrics.PendingConnections.WithLabelValues("control").Set(float64(len(s.pendingControl)))
	s.metrics.PendingConnections.WithLabelValues("audio").Set(float64(len(s.pendingAudio)))
}

// ActiveClients returns the full identifiers of the paired clients, sorted
func (s *Server) ActiveClients() []string {
	s.mu.Lock()
	clients := lo.Map(lo.Values(s.handlers), func(h *Handler, _ int) string {
		return h.Client()
	})
	s.mu.Unlock()

	slices.Sort(clients)
	return clients
}

// PendingCount returns the number of unpaired control and audio connections
func (s *Server) PendingCount() (control, audio int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingControl), len(s.pendingAudio)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.controlListener.Close()
	s.audioListener.Close()
	for _, p := range s.pendingControl {
		p.conn.Close()
	}
	for _, p := range s.pendingAudio {
		p.conn.Close()
	}
	clear(s.pendingControl)
	clear(s.pendingAudio)
	s.updatePendingLocked()
	handlers := lo.Values(s.handlers)
	s.mu.Unlock()

	log.Info().Str("component", "dispatcher").Int("clients", len(handlers)).Msg("Closing client connections")
	for _, h := range handlers {
		h.Close()
	}
}
