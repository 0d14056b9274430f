// Package mediaplayer drives playback on the client: it owns the queue, asks
// the server for songs, feeds the audio player and advances through the queue.
package mediaplayer

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/local-media/musicstream/internal/audio"
	"github.com/austinkregel/local-media/musicstream/internal/event"
	"github.com/austinkregel/local-media/musicstream/internal/ipc"
	"github.com/austinkregel/local-media/musicstream/internal/media"
	"github.com/austinkregel/local-media/musicstream/internal/queue"
	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// StreamConnection is the audio channel to the server
type StreamConnection interface {
	// Conn returns the established connection, or nil while disconnected
	Conn() *ipc.Conn

	// Reconnect drops the connection and starts a new connect attempt
	Reconnect()
}

// DefaultStopTimeout bounds the wait for a song transfer to stop before the
// stream connection is dropped
const DefaultStopTimeout = 5 * time.Second

// Terminator asks the server to stop the song transfer in progress
type Terminator interface {
	TerminateSongDataRecv()
}

// MediaPlayer coordinates the queue, the stream reader and the audio player
type MediaPlayer struct {
	player  *audio.Player
	stream  StreamConnection
	control Terminator
	queue   *queue.Queue

	// startMu serializes everything that starts or stops a song
	startMu sync.Mutex

	mu         sync.Mutex
	current    int
	shuffle    bool
	repeat     types.RepeatMode
	// generation is the player stream id of the current song, 0 while none is started
	generation uint64
	cancel     context.CancelFunc
	// readConn is the connection the last song was requested on
	readConn *ipc.Conn

	stopTimeout time.Duration

	observersMu sync.RWMutex
	observers   observers

	startRead chan *ipc.Conn
	// reading is set whenever no song data is being read
	reading *event.Event
}

// New creates a media player. Run must be called before songs can play.
func New(player *audio.Player, stream StreamConnection, control Terminator) *MediaPlayer {
	return NewWithQueue(player, stream, control, queue.NewQueue())
}

// NewWithQueue creates a media player around an existing queue
func NewWithQueue(player *audio.Player, stream StreamConnection, control Terminator, q *queue.Queue) *MediaPlayer {
	m := &MediaPlayer{
		player:    player,
		stream:    stream,
		control:   control,
		queue:     q,
		startRead:   make(chan *ipc.Conn, 1),
		reading:     event.NewSet(),
		stopTimeout: DefaultStopTimeout,
	}
	player.SetOnProgress(m.progressChanged)
	return m
}

// AddObserver registers an observer for state changes
func (m *MediaPlayer) AddObserver(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *MediaPlayer) notify() Observer {
	m.observersMu.RLock()
	defer m.observersMu.RUnlock()
	return append(observers(nil), m.observers...)
}

// Run starts the player, the stream reader and auto-advance, and blocks
// until ctx is cancelled or Exit is called.
func (m *MediaPlayer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	playerDone := make(chan struct{})
	go func() {
		defer close(playerDone)
		m.player.Run()
	}()

	g.Go(func() error {
		m.readLoop(ctx)
		return nil
	})
	g.Go(func() error {
		m.advanceLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		m.shutdown()
		<-playerDone
		return nil
	})

	return g.Wait()
}

// Exit stops playback and makes Run return
func (m *MediaPlayer) Exit() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *MediaPlayer) shutdown() {
	log.Info().Str("component", "mediaplayer").Msg("Shutting down")
	m.player.Exit()
	m.player.TerminateStream()

	// unblock a reader waiting on song data
	if !m.reading.IsSet() {
		m.closeReadConn()
	}
	if err := m.player.Close(); err != nil {
		log.Warn().Str("component", "mediaplayer").Err(err).Msg("Failed to close output")
	}
}

func (m *MediaPlayer) closeReadConn() {
	m.mu.Lock()
	conn := m.readConn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// readLoop reads one song per start signal from the connection it was
// requested on
func (m *MediaPlayer) readLoop(ctx context.Context) {
	for {
		var conn *ipc.Conn
		select {
		case <-ctx.Done():
			return
		case conn = <-m.startRead:
		}
		m.readSong(ctx, conn)
	}
}

func (m *MediaPlayer) readSong(ctx context.Context, conn *ipc.Conn) {
	// whatever happens, the player sees an end of stream
	defer func() {
		m.player.ReceivePacket(audio.Sentinel)
		m.reading.Set()
	}()

	frames, err := ipc.ReadUint32(conn)
	if err != nil {
		m.connectionLost(ctx, err)
		return
	}
	m.player.SetSongDataLength(int(frames))
	if frames == 0 {
		log.Info().Str("component", "mediaplayer").Msg("Song not available on server")
		return
	}

	for i := 0; i < int(frames); i++ {
		tag, err := ipc.ReadFrameTag(conn)
		if err != nil {
			m.connectionLost(ctx, err)
			return
		}
		switch tag {
		case ipc.TagData:
			packet, err := ipc.ReadPacket(conn)
			if err != nil {
				m.connectionLost(ctx, err)
				return
			}
			m.player.ReceivePacket(packet)
		case ipc.TagExit:
			log.Debug().Str("component", "mediaplayer").Int("frame", i).Msg("Transfer ended by server")
			return
		default:
			log.Warn().Str("component", "mediaplayer").Str("tag", tag).Msg("Unknown frame tag")
			m.connectionLost(ctx, ipc.ErrMalformedFrame)
			return
		}
	}
}

func (m *MediaPlayer) connectionLost(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, ipc.ErrConnectionBroken) {
		log.Warn().Str("component", "mediaplayer").Msg("Stream connection lost, reconnecting")
	} else {
		log.Error().Str("component", "mediaplayer").Err(err).Msg("Stream connection error, reconnecting")
	}
	m.stream.Reconnect()
}

// advanceLoop moves to the next song whenever a song plays to its end
func (m *MediaPlayer) advanceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.player.Ended():
			m.autoAdvance(id)
		}
	}
}

// autoAdvance starts the song after the one that ended. gen is the stream id
// of the ended song and guards against a song started by the user between
// the end and this call.
func (m *MediaPlayer) autoAdvance(gen uint64) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	n := m.queue.Len()
	if gen != m.generation || n == 0 {
		m.mu.Unlock()
		return
	}

	switch m.repeat {
	case types.RepeatOne:
	case types.RepeatAll:
		if m.current >= n-1 {
			m.current = 0
		} else {
			m.current++
		}
	default:
		if m.current >= n-1 {
			m.mu.Unlock()
			log.Info().Str("component", "mediaplayer").Msg("Reached end of queue")
			m.notify().PlayStateChanged(false)
			m.displayQueue(false)
			return
		}
		m.current++
	}
	m.mu.Unlock()

	m.startSongLocked()
}

// StartSong plays the song at the current index from the beginning
func (m *MediaPlayer) StartSong() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.startSongLocked()
}

func (m *MediaPlayer) startSongLocked() {
	if m.queue.Len() == 0 {
		return
	}
	conn := m.stream.Conn()
	if conn == nil {
		log.Warn().Str("component", "mediaplayer").Msg("Not connected, cannot start song")
		return
	}

	m.stopCurrentLocked()

	m.mu.Lock()
	// no stream matches until the new one is started
	m.generation = 0
	m.current = min(m.current, m.queue.Len()-1)
	song, ok := m.queue.Get(m.current)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.reading.Clear()
	if err := ipc.WriteSongRequest(conn, song.ID); err != nil {
		m.reading.Set()
		log.Warn().Str("component", "mediaplayer").Err(err).Msg("Failed to request song, reconnecting")
		m.stream.Reconnect()
		return
	}
	m.mu.Lock()
	m.readConn = conn
	m.mu.Unlock()
	select {
	case m.startRead <- conn:
	default:
	}
	id := m.player.StartStream()
	m.mu.Lock()
	m.generation = id
	m.mu.Unlock()

	log.Info().Str("component", "mediaplayer").Int32("song", song.ID).Str("title", song.String()).Msg("Playing")
	obs := m.notify()
	obs.CurrentSongChanged(song)
	obs.PlayStateChanged(true)
	m.displayQueue(true)
}

// stopCurrentLocked ends the transfer and playback of the current song and
// waits until both have stopped. A transfer that ignores the terminate
// command for stopTimeout loses its connection.
func (m *MediaPlayer) stopCurrentLocked() {
	if !m.reading.IsSet() {
		m.control.TerminateSongDataRecv()

		ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
		err := m.reading.WaitContext(ctx)
		cancel()
		if err != nil {
			log.Warn().Str("component", "mediaplayer").Dur("timeout", m.stopTimeout).Msg("Song transfer did not stop, dropping stream connection")
			m.closeReadConn()
		}
	}
	m.reading.Wait()
	m.player.TerminateStream()
	m.player.WaitTerminated()

	// an end signal from the stopped song must not advance the new one
	select {
	case <-m.player.Ended():
	default:
	}
}

// downgradeRepeatLocked turns repeat-one into repeat-all when the user picks
// another song. Must be called with mu held.
func (m *MediaPlayer) downgradeRepeatLocked() bool {
	if m.repeat != types.RepeatOne {
		return false
	}
	m.repeat = types.RepeatAll
	return true
}

func (m *MediaPlayer) publishRepeat(changed bool) {
	if changed {
		m.notify().RepeatStateChanged(types.RepeatAll)
	}
}

// PlayThis plays song right away: after the current song when one is
// streaming, in its place otherwise.
func (m *MediaPlayer) PlayThis(song types.Song) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	downgraded := m.downgradeRepeatLocked()
	if m.player.Streaming() {
		m.current++
	}
	m.current = min(m.current, m.queue.Len())
	index := m.current
	m.mu.Unlock()
	m.publishRepeat(downgraded)

	if err := m.queue.InsertAt(index, song); err != nil {
		log.Error().Str("component", "mediaplayer").Err(err).Msg("Failed to insert song")
		return
	}
	m.startSongLocked()
}

// PlayPlaylist replaces the queue with songs and plays the first one
func (m *MediaPlayer) PlayPlaylist(songs []types.Song) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.stopCurrentLocked()

	m.mu.Lock()
	m.queue.Clear()
	m.current = 0
	m.queue.Append(songs...)
	if m.shuffle {
		m.queue.Shuffle(m.current)
	}
	downgraded := m.downgradeRepeatLocked()
	m.mu.Unlock()
	m.publishRepeat(downgraded)

	m.startSongLocked()
}

// AddToQueue appends a song to the queue
func (m *MediaPlayer) AddToQueue(song types.Song) {
	m.queue.Append(song)
	m.displayQueue(false)
}

// AddPlaylistToQueue appends songs to the queue
func (m *MediaPlayer) AddPlaylistToQueue(songs []types.Song) {
	m.queue.Append(songs...)
	m.displayQueue(false)
}

// RemoveFromQueue removes the song at index. The song that is playing cannot be removed.
func (m *MediaPlayer) RemoveFromQueue(index int) error {
	m.mu.Lock()
	if index == m.current && m.player.Streaming() {
		m.mu.Unlock()
		return ErrCurrentSong
	}
	if _, err := m.queue.RemoveAt(index); err != nil {
		m.mu.Unlock()
		return err
	}
	if index < m.current {
		m.current--
	}
	m.mu.Unlock()

	m.displayQueue(false)
	return nil
}

// ErrCurrentSong is returned when an operation would remove the playing song
var ErrCurrentSong = errors.New("song is currently playing")

// DeleteQueue clears the queue, keeping only the song that is playing
func (m *MediaPlayer) DeleteQueue() {
	m.mu.Lock()
	if m.player.Streaming() && m.queue.Len() > 0 {
		song, _ := m.queue.Get(m.current)
		m.queue.Clear()
		m.queue.Append(song)
	} else {
		m.queue.Clear()
	}
	m.current = 0
	m.mu.Unlock()

	m.displayQueue(false)
}

// upcomingStartLocked is the first queue index that counts as "up next"
func (m *MediaPlayer) upcomingStartLocked(selfDisplay bool) int {
	if selfDisplay || m.player.Streaming() {
		return m.current + 1
	}
	return m.current
}

// MoveUp moves the song at index one place earlier, never into history
func (m *MediaPlayer) MoveUp(index int) {
	m.mu.Lock()
	start := m.upcomingStartLocked(false)
	moved := index > start && index < m.queue.Len()
	if moved {
		m.queue.Swap(index, index-1)
	}
	m.mu.Unlock()

	if moved {
		m.displayQueue(false)
	}
}

// MoveDown moves the song at index one place later
func (m *MediaPlayer) MoveDown(index int) {
	m.mu.Lock()
	start := m.upcomingStartLocked(false)
	moved := index >= start && index < m.queue.Len()-1
	if moved {
		m.queue.Swap(index, index+1)
	}
	m.mu.Unlock()

	if moved {
		m.displayQueue(false)
	}
}

// Next skips to the following song. Repeat-one becomes repeat-all.
func (m *MediaPlayer) Next() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	n := m.queue.Len()
	if n == 0 {
		m.mu.Unlock()
		return
	}
	downgraded := m.downgradeRepeatLocked()
	switch {
	case m.current < n-1:
		m.current++
	case m.repeat == types.RepeatAll:
		m.current = 0
	}
	m.mu.Unlock()
	m.publishRepeat(downgraded)

	m.startSongLocked()
}

// Previous goes back one song, or restarts the first one
func (m *MediaPlayer) Previous() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	downgraded := m.downgradeRepeatLocked()
	if m.queue.Len() > 0 && m.current > 0 {
		m.current--
	}
	m.mu.Unlock()
	m.publishRepeat(downgraded)

	m.startSongLocked()
}

// SetShuffle shuffles or restores the queue around the current song
func (m *MediaPlayer) SetShuffle(enabled bool) {
	m.mu.Lock()
	m.shuffle = enabled
	if enabled {
		m.queue.Shuffle(m.current)
	} else {
		m.queue.Unshuffle(m.current)
	}
	m.mu.Unlock()

	m.notify().ShuffleStateChanged(enabled)
	m.displayQueue(false)
}

// SetRepeat sets the repeat mode
func (m *MediaPlayer) SetRepeat(mode types.RepeatMode) {
	m.mu.Lock()
	m.repeat = mode
	m.mu.Unlock()
	m.notify().RepeatStateChanged(mode)
}

// SetProgress seeks within the current song, value in 0..1000
func (m *MediaPlayer) SetProgress(value int) {
	m.player.SetProgress(value)
}

// Play resumes playback
func (m *MediaPlayer) Play() {
	m.player.Play()
	m.notify().PlayStateChanged(true)
}

// Pause pauses playback
func (m *MediaPlayer) Pause() {
	m.player.Pause()
	m.notify().PlayStateChanged(false)
}

// TogglePlayPause flips between play and pause and returns true when playing
func (m *MediaPlayer) TogglePlayPause() bool {
	playing := m.player.TogglePlayPause()
	m.notify().PlayStateChanged(playing)
	return playing
}

// SetVolume sets the playback volume as a percentage, clamped to 0..100
func (m *MediaPlayer) SetVolume(percent int) {
	percent = max(0, min(100, percent))
	m.player.SetVolume(float64(percent) / 100)
}

// Volume returns the playback volume as a percentage
func (m *MediaPlayer) Volume() int {
	return int(math.Round(m.player.Volume() * 100))
}

// Playing returns the play flag
func (m *MediaPlayer) Playing() bool {
	return m.player.Playing()
}

// Streaming reports whether a song is being played
func (m *MediaPlayer) Streaming() bool {
	return m.player.Streaming()
}

// CurrentIndex returns the queue position of the current song
func (m *MediaPlayer) CurrentIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentSong returns the song at the current index
func (m *MediaPlayer) CurrentSong() (types.Song, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Get(m.current)
}

// Shuffle returns the shuffle state
func (m *MediaPlayer) Shuffle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuffle
}

// Repeat returns the repeat mode
func (m *MediaPlayer) Repeat() types.RepeatMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repeat
}

// Queue returns the upcoming songs: from the song after the current one
// while streaming, from the current one otherwise.
func (m *MediaPlayer) Queue() []types.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upcomingLocked(false)
}

// Songs returns the whole queue in play order
func (m *MediaPlayer) Songs() []types.Song {
	return m.queue.Songs()
}

func (m *MediaPlayer) upcomingLocked(selfDisplay bool) []types.QueueEntry {
	songs := m.queue.Songs()
	start := min(m.upcomingStartLocked(selfDisplay), len(songs))
	entries := make([]types.QueueEntry, 0, len(songs)-start)
	for i := start; i < len(songs); i++ {
		entries = append(entries, types.QueueEntry{Song: songs[i], Index: i})
	}
	return entries
}

// displayQueue publishes the upcoming songs. selfDisplay is used while a song
// is being started, before the player reports it as streaming.
func (m *MediaPlayer) displayQueue(selfDisplay bool) {
	m.mu.Lock()
	entries := m.upcomingLocked(selfDisplay)
	m.mu.Unlock()
	m.notify().QueueChanged(entries)
}

// progressChanged runs on the player goroutine
func (m *MediaPlayer) progressChanged(progress int) {
	song, ok := m.CurrentSong()
	if !ok {
		return
	}
	elapsed := types.FormatSeconds(song.Duration * progress / 1000)
	m.notify().ProgressChanged(progress, elapsed)
}

// OnCommand handles commands from the OS media session
func (m *MediaPlayer) OnCommand(cmd media.Command, data interface{}) error {
	log.Debug().Str("component", "mediaplayer").Str("command", cmd.String()).Msg("Media command")

	switch cmd {
	case media.CmdPlay:
		m.Play()
	case media.CmdPause, media.CmdStop:
		m.Pause()
	case media.CmdPlayPause:
		m.TogglePlayPause()
	case media.CmdNext:
		go m.Next()
	case media.CmdPrevious:
		go m.Previous()
	case media.CmdSeek:
		pos, ok := data.(time.Duration)
		if !ok {
			return errors.New("seek position must be a duration")
		}
		song, ok := m.CurrentSong()
		if !ok || song.Duration <= 0 {
			return nil
		}
		m.SetProgress(int(pos * 1000 / (time.Duration(song.Duration) * time.Second)))
	case media.CmdSetShuffle:
		enabled, ok := data.(bool)
		if !ok {
			return errors.New("shuffle state must be a bool")
		}
		m.SetShuffle(enabled)
	case media.CmdSetLoopStatus:
		status, ok := data.(media.LoopStatus)
		if !ok {
			return errors.New("loop status must be a LoopStatus")
		}
		m.SetRepeat(media.RepeatModeFor(status))
	}
	return nil
}

var _ media.CommandHandler = (*MediaPlayer)(nil)
