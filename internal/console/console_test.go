package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// fakePlayer records the calls made by the console
type fakePlayer struct {
	calls   []string
	played  []types.Song
	queued  []types.Song
	repeat  types.RepeatMode
	shuffle bool
	seek    int
	volume  int
	entries []types.QueueEntry
}

func (p *fakePlayer) record(call string) { p.calls = append(p.calls, call) }

func (p *fakePlayer) PlayThis(song types.Song) {
	p.record("playthis")
	p.played = append(p.played, song)
}
func (p *fakePlayer) PlayPlaylist(songs []types.Song) {
	p.record("playplaylist")
	p.played = append(p.played, songs...)
}
func (p *fakePlayer) AddToQueue(song types.Song) {
	p.record("add")
	p.queued = append(p.queued, song)
}
func (p *fakePlayer) AddPlaylistToQueue(songs []types.Song) {
	p.record("addall")
	p.queued = append(p.queued, songs...)
}
func (p *fakePlayer) RemoveFromQueue(index int) error {
	if index > 5 {
		return errors.New("index out of range")
	}
	p.record("remove")
	return nil
}
func (p *fakePlayer) DeleteQueue()            { p.record("clear") }
func (p *fakePlayer) MoveUp(int)              { p.record("up") }
func (p *fakePlayer) MoveDown(int)            { p.record("down") }
func (p *fakePlayer) Next()                   { p.record("next") }
func (p *fakePlayer) Previous()               { p.record("prev") }
func (p *fakePlayer) Play()                   { p.record("play") }
func (p *fakePlayer) Pause()                  { p.record("pause") }
func (p *fakePlayer) TogglePlayPause() bool   { p.record("toggle"); return true }
func (p *fakePlayer) SetProgress(value int)   { p.seek = value }
func (p *fakePlayer) SetShuffle(enabled bool) { p.shuffle = enabled }
func (p *fakePlayer) SetRepeat(mode types.RepeatMode) {
	p.repeat = mode
}
func (p *fakePlayer) SetVolume(percent int) { p.volume = percent }
func (p *fakePlayer) Volume() int { return p.volume }
func (p *fakePlayer) Queue() []types.QueueEntry { return p.entries }

type fakeSearcher struct {
	terms []string
	songs []types.Song
	err   error
}

func (s *fakeSearcher) Search(_ context.Context, term string) ([]types.Song, error) {
	s.terms = append(s.terms, term)
	return s.songs, s.err
}

// syncBuffer guards output written from several goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var testSongs = []types.Song{
	{ID: 1, Name: "Teardrop", Artist: "Massive Attack", Duration: 330},
	{ID: 2, Name: "Angel", Artist: "Massive Attack", Duration: 379},
}

func newTestConsole() (*Console, *fakePlayer, *fakeSearcher, *syncBuffer) {
	player := &fakePlayer{}
	searcher := &fakeSearcher{songs: testSongs}
	out := &syncBuffer{}
	return New(player, searcher, out), player, searcher, out
}

func TestSearchAndPlay(t *testing.T) {
	c, player, searcher, out := newTestConsole()
	ctx := context.Background()

	if err := c.Execute(ctx, "search massive attack"); err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(searcher.terms) != 1 || searcher.terms[0] != "massive attack" {
		t.Errorf("Expected search term 'massive attack', got %v", searcher.terms)
	}
	if !strings.Contains(out.String(), "  2. Massive Attack - Angel (06:19)") {
		t.Errorf("Expected numbered results, got:\n%s", out.String())
	}

	if err := c.Execute(ctx, "play 2"); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	if len(player.played) != 1 || player.played[0].ID != 2 {
		t.Errorf("Expected song 2 to be played, got %v", player.played)
	}

	if err := c.Execute(ctx, "add 1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(player.queued) != 1 || player.queued[0].ID != 1 {
		t.Errorf("Expected song 1 to be queued, got %v", player.queued)
	}

	if err := c.Execute(ctx, "play 3"); err == nil {
		t.Error("Expected an error for a missing result")
	}
}

func TestPlayAllAndAddAll(t *testing.T) {
	c, player, _, _ := newTestConsole()
	ctx := context.Background()

	if err := c.Execute(ctx, "playall"); err == nil {
		t.Error("Expected an error without search results")
	}

	c.Execute(ctx, "search x")
	if err := c.Execute(ctx, "playall"); err != nil {
		t.Fatalf("playall failed: %v", err)
	}
	if err := c.Execute(ctx, "addall"); err != nil {
		t.Fatalf("addall failed: %v", err)
	}
	if len(player.played) != 2 || len(player.queued) != 2 {
		t.Errorf("Expected 2 played and 2 queued, got %d and %d", len(player.played), len(player.queued))
	}
}

func TestPlaybackCommands(t *testing.T) {
	c, player, _, _ := newTestConsole()
	ctx := context.Background()

	for _, line := range []string{"next", "prev", "pause", "resume", "toggle", "play", "clear", "up 2", "down 1", "remove 3"} {
		if err := c.Execute(ctx, line); err != nil {
			t.Fatalf("%q failed: %v", line, err)
		}
	}
	expected := []string{"next", "prev", "pause", "play", "toggle", "play", "clear", "up", "down", "remove"}
	if strings.Join(player.calls, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected calls %v, got %v", expected, player.calls)
	}
}

func TestSettingCommands(t *testing.T) {
	c, player, _, _ := newTestConsole()
	ctx := context.Background()

	c.Execute(ctx, "seek 250")
	if player.seek != 250 {
		t.Errorf("Expected seek 250, got %d", player.seek)
	}
	c.Execute(ctx, "shuffle on")
	if !player.shuffle {
		t.Error("Expected shuffle on")
	}
	c.Execute(ctx, "repeat one")
	if player.repeat != types.RepeatOne {
		t.Errorf("Expected repeat one, got %v", player.repeat)
	}
	c.Execute(ctx, "volume 35")
	if player.volume != 35 {
		t.Errorf("Expected volume 35, got %d", player.volume)
	}
}

func TestInvalidCommands(t *testing.T) {
	c, _, _, _ := newTestConsole()
	ctx := context.Background()

	for _, line := range []string{"seek 1001", "seek", "volume 101", "volume -1", "volume loud", "shuffle maybe", "repeat sometimes", "remove x", "remove 9", "dance"} {
		if err := c.Execute(ctx, line); err == nil {
			t.Errorf("Expected an error for %q", line)
		}
	}
	if err := c.Execute(ctx, "   "); err != nil {
		t.Errorf("Expected a blank line to be ignored, got %v", err)
	}
}

func TestSearchError(t *testing.T) {
	c, _, searcher, _ := newTestConsole()
	searcher.err = errors.New("connection broken")

	if err := c.Execute(context.Background(), "search x"); err == nil {
		t.Error("Expected search error")
	}
}

func TestQueueListing(t *testing.T) {
	c, player, _, out := newTestConsole()
	player.entries = []types.QueueEntry{{Song: testSongs[1], Index: 4}}

	c.Execute(context.Background(), "queue")
	if !strings.Contains(out.String(), "  4  Massive Attack - Angel (06:19)") {
		t.Errorf("Expected queue with positions, got:\n%s", out.String())
	}
}

func TestObserverOutput(t *testing.T) {
	c, _, _, out := newTestConsole()

	c.CurrentSongChanged(testSongs[0])
	c.ProgressChanged(500, "02:45")
	c.PlayStateChanged(false)
	c.RepeatStateChanged(types.RepeatAll)
	c.ShuffleStateChanged(true)
	c.Execute(context.Background(), "status")

	text := out.String()
	for _, want := range []string{
		"Now playing: Massive Attack - Teardrop (05:30)",
		"Paused",
		"Repeat: all",
		"Shuffle: on",
		"Massive Attack - Teardrop [02:45 / 05:30]",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, text)
		}
	}
}

func TestRunStopsOnQuit(t *testing.T) {
	c, player, _, _ := newTestConsole()

	in := strings.NewReader("next\nbogus\nquit\nnext\n")
	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(player.calls) != 1 {
		t.Errorf("Expected one command before quit, got %v", player.calls)
	}
}

func TestRunStopsAtEndOfInput(t *testing.T) {
	c, player, _, out := newTestConsole()

	if err := c.Run(context.Background(), strings.NewReader("pause\n")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(player.calls) != 1 || player.calls[0] != "pause" {
		t.Errorf("Expected a pause call, got %v", player.calls)
	}
	if !strings.Contains(out.String(), "help") {
		t.Error("Expected the help hint to be printed")
	}
}

func TestVolumeShown(t *testing.T) {
	c, player, _, out := newTestConsole()
	player.volume = 80

	c.Execute(context.Background(), "volume")
	if !strings.Contains(out.String(), "Volume: 80%") {
		t.Errorf("Expected the current volume, got:\n%s", out.String())
	}
}

func TestConnectionOutput(t *testing.T) {
	c, _, _, out := newTestConsole()

	c.ConnectionChanged("control", true)
	c.ConnectionChanged("audio", false)

	text := out.String()
	for _, want := range []string{"Connected (control)", "Disconnected (audio)"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, text)
		}
	}
}
