package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/austinkregel/local-media/musicstream/internal/catalog"
	"github.com/austinkregel/local-media/musicstream/internal/ipc"
)

// Handler serves one paired client: a control loop answering searches and
// terminate requests, and an audio loop streaming requested songs.
type Handler struct {
	id      string
	client  string
	control *ipc.Conn
	audio   *ipc.Conn
	catalog catalog.Catalog
	metrics *Metrics

	// stop is set by the control loop and consumed by the audio loop at a frame boundary
	stop atomic.Bool

	// alive counts loops still running; teardown happens when it reaches zero
	alive  atomic.Int32
	onDone func(*Handler)
	done   chan struct{}
	logger zerolog.Logger
}

// NewHandler creates a handler for a paired connection. onDone runs once,
// after both loops have observed connection loss.
func NewHandler(client string, control, audio *ipc.Conn, cat catalog.Catalog, metrics *Metrics, onDone func(*Handler)) *Handler {
	if metrics == nil {
		metrics = NewMetrics()
	}
	id := uuid.NewString()
	h := &Handler{
		id:      id,
		client:  client,
		control: control,
		audio:   audio,
		catalog: cat,
		metrics: metrics,
		onDone:  onDone,
		done:    make(chan struct{}),
		logger:  log.With().Str("component", "handler").Str("client", client).Str("session", id).Logger(),
	}
	h.alive.Store(2)
	return h
}

// ID returns the session identifier assigned to this handler
func (h *Handler) ID() string {
	return h.id
}

// Client returns the full client identifier "<id>@<ip>"
func (h *Handler) Client() string {
	return h.client
}

// Done is closed once the handler has been torn down
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Start launches both loops
func (h *Handler) Start(ctx context.Context) {
	h.logger.Info().Msg("Client paired")
	go h.controlLoop(ctx)
	go h.audioLoop(ctx)
}

// Close drops both connections. The loops notice and tear the handler down.
func (h *Handler) Close() {
	h.control.Close()
	h.audio.Close()
}

func (h *Handler) controlLoop(ctx context.Context) {
	defer h.loopDied("control")

	for {
		payload, err := ipc.ReadMessage(h.control)
		if err != nil {
			h.logLoss("control", err)
			return
		}

		cmd := ipc.ParseCommand(payload)
		switch cmd.Name {
		case ipc.CmdSearch:
			if err := h.search(ctx, cmd.Arg); err != nil {
				h.logLoss("control", err)
				return
			}
		case ipc.CmdTerminateSongDataRecv:
			h.logger.Debug().Msg("Terminate requested")
			h.stop.Store(true)
		default:
			h.logger.Warn().Str("command", cmd.Name).Msg("Unknown command")
		}
	}
}

func (h *Handler) search(ctx context.Context, term string) error {
	h.metrics.SearchRequests.Inc()

	songs, err := h.catalog.Search(ctx, term)
	if err != nil {
		h.logger.Error().Err(err).Str("term", term).Msg("Search failed")
		songs = nil
	}
	h.logger.Debug().Str("term", term).Int("results", len(songs)).Msg("Search")
	return ipc.WriteSearchResults(h.control, songs)
}

func (h *Handler) audioLoop(ctx context.Context) {
	defer h.loopDied("audio")

	for {
		songID, err := ipc.ReadSongRequest(h.audio)
		if err != nil {
			h.logLoss("audio", err)
			return
		}
		if err := h.sendSong(ctx, songID); err != nil {
			h.logLoss("audio", err)
			return
		}
	}
}

// sendSong streams one song. Only transport errors are returned.
func (h *Handler) sendSong(ctx context.Context, songID int32) error {
	src, err := h.catalog.Open(ctx, songID)
	if err != nil {
		if errors.Is(err, catalog.ErrSongNotFound) {
			h.logger.Info().Int32("song", songID).Msg("Requested song not found")
		} else {
			h.logger.Error().Err(err).Int32("song", songID).Msg("Failed to open song")
		}
		return ipc.WriteUint32(h.audio, 0)
	}
	defer src.Close()

	frames := src.FrameCount()
	h.logger.Info().Int32("song", songID).Int("frames", frames).Msg("Streaming song")
	if err := ipc.WriteUint32(h.audio, uint32(frames)); err != nil {
		return err
	}

	for i := 0; i < frames; i++ {
		if i > 0 && h.stop.CompareAndSwap(true, false) {
			h.metrics.TerminatedTransfers.Inc()
			h.logger.Debug().Int32("song", songID).Int("frame", i).Msg("Transfer terminated")
			return ipc.WriteExitFrame(h.audio)
		}

		packet, err := src.NextPacket()
		if err != nil {
			// The client treats "exit" as the end of the song
			h.logger.Error().Err(err).Int32("song", songID).Int("frame", i).Msg("Failed to read packet")
			return ipc.WriteExitFrame(h.audio)
		}
		if err := ipc.WriteDataFrame(h.audio, packet); err != nil {
			return err
		}
		h.metrics.FramesSent.Inc()
	}
	return nil
}

func (h *Handler) logLoss(loop string, err error) {
	if closedGracefully(err) {
		h.logger.Debug().Str("loop", loop).Msg("Connection closed")
		return
	}
	h.logger.Warn().Str("loop", loop).Err(err).Msg("Connection error")
}

// closedGracefully reports whether err means the peer went away or the
// handler closed its own connection, as opposed to a transport fault
func closedGracefully(err error) bool {
	return errors.Is(err, ipc.ErrConnectionBroken) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// loopDied releases the handler once both loops are gone
func (h *Handler) loopDied(loop string) {
	if h.alive.Add(-1) != 0 {
		h.logger.Debug().Str("loop", loop).Msg("Loop ended, waiting for the other one")
		return
	}

	h.control.Close()
	h.audio.Close()
	if err := h.catalog.Close(); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to close catalog")
	}
	if h.onDone != nil {
		h.onDone(h)
	}
	close(h.done)
	h.logger.Info().Msg("Client disconnected")
}
