package client

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/austinkregel/local-media/musicstream/internal/ipc"
	"github.com/austinkregel/local-media/musicstream/internal/types"
)

type request struct {
	cmd   string
	arg   string
	reply chan searchReply
}

type searchReply struct {
	songs []types.Song
	err   error
}

// Controller sends control channel requests one at a time, in submission order
type Controller struct {
	connector *Connector
	requests  chan request
}

// NewController creates a controller over the control channel connector
func NewController(connector *Connector) *Controller {
	return &Controller{
		connector: connector,
		requests:  make(chan request, 16),
	}
}

// Run processes requests until ctx is cancelled
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.requests:
			songs, err := c.do(req)
			if req.reply != nil {
				req.reply <- searchReply{songs: songs, err: err}
			}
		}
	}
}

func (c *Controller) do(req request) ([]types.Song, error) {
	conn := c.connector.Conn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	if err := ipc.WriteMessage(conn, ipc.EncodeCommand(req.cmd, req.arg)); err != nil {
		c.lost(err)
		return nil, err
	}
	if req.cmd != ipc.CmdSearch {
		return nil, nil
	}

	songs, err := ipc.ReadSearchResults(conn)
	if err != nil {
		c.lost(err)
		return nil, err
	}
	return songs, nil
}

func (c *Controller) lost(err error) {
	if errors.Is(err, ipc.ErrConnectionBroken) {
		log.Warn().Str("component", "client").Str("channel", "control").Msg("Connection lost, reconnecting")
		c.connector.Reconnect()
		return
	}
	log.Error().Str("component", "client").Str("channel", "control").Err(err).Msg("Request failed")
}

// Search asks the server for songs matching term. Whitespace is ignored; a
// blank term returns no results without touching the network.
func (c *Controller) Search(ctx context.Context, term string) ([]types.Song, error) {
	term = strings.Join(strings.Fields(term), "")
	if term == "" {
		return nil, nil
	}

	reply := make(chan searchReply, 1)
	select {
	case c.requests <- request{cmd: ipc.CmdSearch, arg: term, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.songs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TerminateSongDataRecv asks the server to abort the song transfer in progress.
// The request is queued and sent asynchronously.
func (c *Controller) TerminateSongDataRecv() {
	select {
	case c.requests <- request{cmd: ipc.CmdTerminateSongDataRecv}:
	default:
		log.Warn().Str("component", "client").Msg("Request queue full, dropping terminate request")
	}
}
