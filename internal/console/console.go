// Package console is a line-oriented front end for the client. It reads
// commands from an input stream and prints player events as they happen.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/austinkregel/local-media/musicstream/internal/mediaplayer"
	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// ErrQuit is returned by Execute for the quit command
var ErrQuit = errors.New("quit")

// Player is the part of the media player the console drives
type Player interface {
	PlayThis(song types.Song)
	PlayPlaylist(songs []types.Song)
	AddToQueue(song types.Song)
	AddPlaylistToQueue(songs []types.Song)
	RemoveFromQueue(index int) error
	DeleteQueue()
	MoveUp(index int)
	MoveDown(index int)
	Next()
	Previous()
	Play()
	Pause()
	TogglePlayPause() bool
	SetProgress(value int)
	SetShuffle(enabled bool)
	SetRepeat(mode types.RepeatMode)
	SetVolume(percent int)
	Volume() int
	Queue() []types.QueueEntry
}

// Searcher looks songs up on the server
type Searcher interface {
	Search(ctx context.Context, term string) ([]types.Song, error)
}

// Console executes commands and prints player events
type Console struct {
	player   Player
	searcher Searcher

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	results []types.Song
	song    types.Song
	elapsed string
}

// New creates a console writing to out
func New(player Player, searcher Searcher, out io.Writer) *Console {
	return &Console{player: player, searcher: searcher, out: out}
}

// Run executes one command per input line until in is exhausted, a quit
// command is read or ctx is cancelled.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				scanErr <- nil
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("Type 'help' for a list of commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Execute runs a single command line
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printf("%s", help)
	case "quit", "exit":
		return ErrQuit
	case "search":
		return c.search(ctx, strings.Join(args, " "))
	case "results":
		c.printResults()
	case "play":
		if len(args) == 0 {
			c.player.Play()
			return nil
		}
		song, err := c.result(args)
		if err != nil {
			return err
		}
		c.player.PlayThis(song)
	case "playall":
		songs := c.allResults()
		if len(songs) == 0 {
			return errors.New("no search results")
		}
		c.player.PlayPlaylist(songs)
	case "add":
		song, err := c.result(args)
		if err != nil {
			return err
		}
		c.player.AddToQueue(song)
	case "addall":
		songs := c.allResults()
		if len(songs) == 0 {
			return errors.New("no search results")
		}
		c.player.AddPlaylistToQueue(songs)
	case "next":
		c.player.Next()
	case "prev", "previous":
		c.player.Previous()
	case "pause":
		c.player.Pause()
	case "resume":
		c.player.Play()
	case "toggle":
		c.player.TogglePlayPause()
	case "seek":
		value, err := intArg(args)
		if err != nil {
			return err
		}
		if value < 0 || value > 1000 {
			return fmt.Errorf("seek position %d outside 0..1000", value)
		}
		c.player.SetProgress(value)
	case "shuffle":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: shuffle on|off")
		}
		c.player.SetShuffle(args[0] == "on")
	case "repeat":
		if len(args) != 1 || (args[0] != "off" && args[0] != "all" && args[0] != "one") {
			return errors.New("usage: repeat off|all|one")
		}
		c.player.SetRepeat(types.ParseRepeatMode(args[0]))
	case "volume":
		if len(args) == 0 {
			c.printf("Volume: %d%%\n", c.player.Volume())
			return nil
		}
		value, err := intArg(args)
		if err != nil {
			return err
		}
		if value < 0 || value > 100 {
			return fmt.Errorf("volume %d outside 0..100", value)
		}
		c.player.SetVolume(value)
		c.printf("Volume: %d%%\n", value)
	case "queue":
		c.printQueue(c.player.Queue())
	case "remove":
		index, err := intArg(args)
		if err != nil {
			return err
		}
		return c.player.RemoveFromQueue(index)
	case "up":
		index, err := intArg(args)
		if err != nil {
			return err
		}
		c.player.MoveUp(index)
	case "down":
		index, err := intArg(args)
		if err != nil {
			return err
		}
		c.player.MoveDown(index)
	case "clear":
		c.player.DeleteQueue()
	case "status":
		c.printStatus()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (c *Console) search(ctx context.Context, term string) error {
	songs, err := c.searcher.Search(ctx, term)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	c.mu.Lock()
	c.results = songs
	c.mu.Unlock()

	c.printResults()
	return nil
}

// result returns the search result numbered by args[0], counting from 1
func (c *Console) result(args []string) (types.Song, error) {
	n, err := intArg(args)
	if err != nil {
		return types.Song{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 || n > len(c.results) {
		return types.Song{}, fmt.Errorf("no search result %d", n)
	}
	return c.results[n-1], nil
}

func (c *Console) allResults() []types.Song {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Song(nil), c.results...)
}

func intArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", args[0])
	}
	return n, nil
}

func (c *Console) printResults() {
	songs := c.allResults()
	if len(songs) == 0 {
		c.printf("No songs found\n")
		return
	}
	var b strings.Builder
	for i, song := range songs {
		fmt.Fprintf(&b, "%3d. %s (%s)\n", i+1, song, song.DurationString())
	}
	c.printf("%s", b.String())
}

func (c *Console) printQueue(entries []types.QueueEntry) {
	if len(entries) == 0 {
		c.printf("Queue is empty\n")
		return
	}
	var b strings.Builder
	b.WriteString("Up next:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%3d  %s (%s)\n", e.Index, e.Song, e.Song.DurationString())
	}
	c.printf("%s", b.String())
}

func (c *Console) printStatus() {
	c.mu.Lock()
	song, elapsed := c.song, c.elapsed
	c.mu.Unlock()

	if song.ID == 0 && song.Name == "" {
		c.printf("Nothing playing\n")
		return
	}
	c.printf("%s [%s / %s]\n", song, elapsed, song.DurationString())
}

func (c *Console) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) ProgressChanged(_ int, elapsed string) {
	c.mu.Lock()
	c.elapsed = elapsed
	c.mu.Unlock()
}

func (c *Console) CurrentSongChanged(song types.Song) {
	c.mu.Lock()
	c.song = song
	c.elapsed = types.FormatSeconds(0)
	c.mu.Unlock()
	c.printf("Now playing: %s (%s)\n", song, song.DurationString())
}

func (c *Console) QueueChanged([]types.QueueEntry) {}

func (c *Console) PlayStateChanged(playing bool) {
	if playing {
		c.printf("Playing\n")
	} else {
		c.printf("Paused\n")
	}
}

func (c *Console) RepeatStateChanged(mode types.RepeatMode) {
	c.printf("Repeat: %s\n", mode)
}

func (c *Console) ShuffleStateChanged(enabled bool) {
	if enabled {
		c.printf("Shuffle: on\n")
	} else {
		c.printf("Shuffle: off\n")
	}
}

// ConnectionChanged reports a channel to the server going up or down
func (c *Console) ConnectionChanged(channel string, connected bool) {
	if connected {
		c.printf("Connected (%s)\n", channel)
	} else {
		c.printf("Disconnected (%s)\n", channel)
	}
}

var _ mediaplayer.Observer = (*Console)(nil)

const help = `Commands:
  search <term>        search the server catalog
  results              show the last search results
  play [n]             play result n now, or resume
  playall              replace the queue with all results
  add <n>              add result n to the queue
  addall               add all results to the queue
  next, prev           skip forward or back
  pause, resume        pause or resume playback
  toggle               toggle play/pause
  seek <0-1000>        jump within the current song
  shuffle on|off       shuffle the queue
  repeat off|all|one   set the repeat mode
  volume [0-100]       show or set the volume
  queue                show upcoming songs with their positions
  remove <i>           remove the song at position i
  up <i>, down <i>     move the song at position i
  clear                clear the queue
  status               show the current song
  quit                 exit
`
