package mediaplayer

import (
	"bytes"
	"context"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austinkregel/local-media/musicstream/internal/audio"
	"github.com/austinkregel/local-media/musicstream/internal/ipc"
	"github.com/austinkregel/local-media/musicstream/internal/media"
	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// fakeOutput discards audio, optionally taking some time per packet
type fakeOutput struct {
	delay time.Duration
}

func (o *fakeOutput) Write(p []byte) (int, error) {
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	return len(p), nil
}

func (o *fakeOutput) Close() error { return nil }

// fakeServer answers song requests on the server end of a pipe the way the
// server handler does, including the stop flag.
type fakeServer struct {
	conn    *ipc.Conn
	frames  map[int32]int
	// breakAt drops the connection after that many frames of a song
	breakAt map[int32]int
	// stall stops sending, without closing, after that many frames of a song
	stall map[int32]int
	stop  atomic.Bool

	mu       sync.Mutex
	requests []int32
}

func (s *fakeServer) serve() {
	for {
		id, err := ipc.ReadSongRequest(s.conn)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, id)
		s.mu.Unlock()

		n := s.frames[id]
		if err := ipc.WriteUint32(s.conn, uint32(n)); err != nil {
			return
		}
		for i := 0; i < n; i++ {
			if cut, ok := s.breakAt[id]; ok && i == cut {
				s.conn.Close()
				return
			}
			if cut, ok := s.stall[id]; ok && i == cut {
				return
			}
			if i > 0 && s.stop.CompareAndSwap(true, false) {
				if ipc.WriteExitFrame(s.conn) != nil {
					return
				}
				break
			}
			if ipc.WriteDataFrame(s.conn, bytes.Repeat([]byte{byte(i)}, ipc.PacketSize)) != nil {
				return
			}
		}
	}
}

func (s *fakeServer) Requests() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// TerminateSongDataRecv stands in for the control channel
func (s *fakeServer) TerminateSongDataRecv() {
	s.stop.Store(true)
}

type fakeStream struct {
	conn       *ipc.Conn
	reconnects atomic.Int32
}

func (s *fakeStream) Conn() *ipc.Conn { return s.conn }
func (s *fakeStream) Reconnect()      { s.reconnects.Add(1) }

// recorder collects observer callbacks
type recorder struct {
	mu       sync.Mutex
	songs    []int32
	queues   [][]types.QueueEntry
	progress []int
	elapsed  []string
	repeats  []types.RepeatMode
	shuffles []bool
	plays    []bool
}

func (r *recorder) observer() Observer {
	return ObserverFuncs{
		OnProgress: func(value int, elapsed string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, value)
			r.elapsed = append(r.elapsed, elapsed)
		},
		OnCurrentSong: func(song types.Song) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.songs = append(r.songs, song.ID)
		},
		OnQueue: func(entries []types.QueueEntry) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.queues = append(r.queues, entries)
		},
		OnPlayState: func(playing bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.plays = append(r.plays, playing)
		},
		OnRepeatState: func(mode types.RepeatMode) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.repeats = append(r.repeats, mode)
		},
		OnShuffleState: func(enabled bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.shuffles = append(r.shuffles, enabled)
		},
	}
}

func (r *recorder) lastQueue() []types.QueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queues) == 0 {
		return nil
	}
	return r.queues[len(r.queues)-1]
}

type harness struct {
	mp     *MediaPlayer
	server *fakeServer
	stream *fakeStream
	rec    *recorder
}

func newHarness(t *testing.T, frames map[int32]int, delay time.Duration) *harness {
	t.Helper()

	player, err := audio.NewPlayer(func() (audio.Output, error) {
		return &fakeOutput{delay: delay}, nil
	})
	if err != nil {
		t.Fatalf("NewPlayer failed: %v", err)
	}

	serverEnd, clientEnd := net.Pipe()
	server := &fakeServer{conn: ipc.NewConn(serverEnd), frames: frames}
	go server.serve()

	stream := &fakeStream{conn: ipc.NewConn(clientEnd)}
	mp := New(player, stream, server)
	rec := &recorder{}
	mp.AddObserver(rec.observer())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mp.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("Media player did not shut down")
		}
		serverEnd.Close()
		clientEnd.Close()
	})
	return &harness{mp: mp, server: server, stream: stream, rec: rec}
}

func song(id int32) types.Song {
	return types.Song{ID: id, Name: "Song", Artist: "Artist", Duration: 100}
}

func songs(ids ...int32) []types.Song {
	out := make([]types.Song, len(ids))
	for i, id := range ids {
		out[i] = song(id)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPlayPlaylistAdvancesThroughQueue(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 3, 2: 3, 3: 3}, time.Millisecond)

	h.mp.PlayPlaylist(songs(1, 2, 3))
	waitFor(t, "three requests", func() bool { return len(h.server.Requests()) == 3 })
	waitFor(t, "end of queue", func() bool { return !h.mp.Streaming() })

	time.Sleep(50 * time.Millisecond)
	if got := h.server.Requests(); !slices.Equal(got, []int32{1, 2, 3}) {
		t.Errorf("Expected requests [1 2 3] with no restart, got %v", got)
	}
	if h.mp.CurrentIndex() != 2 {
		t.Errorf("Expected current index 2, got %d", h.mp.CurrentIndex())
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if !slices.Equal(h.rec.songs, []int32{1, 2, 3}) {
		t.Errorf("Expected current song updates [1 2 3], got %v", h.rec.songs)
	}
}

func TestRepeatAllWraps(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 2, 2: 2}, time.Millisecond)

	h.mp.SetRepeat(types.RepeatAll)
	h.mp.PlayPlaylist(songs(1, 2))
	waitFor(t, "four requests", func() bool { return len(h.server.Requests()) >= 4 })

	if got := h.server.Requests()[:4]; !slices.Equal(got, []int32{1, 2, 1, 2}) {
		t.Errorf("Expected [1 2 1 2], got %v", got)
	}
}

func TestRepeatOneRestarts(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 20, 2: 20}, 2*time.Millisecond)

	// playing a playlist downgrades repeat-one, so set it afterwards
	h.mp.PlayPlaylist(songs(1, 2))
	h.mp.SetRepeat(types.RepeatOne)
	waitFor(t, "three requests", func() bool { return len(h.server.Requests()) >= 3 })

	if got := h.server.Requests()[:3]; !slices.Equal(got, []int32{1, 1, 1}) {
		t.Errorf("Expected [1 1 1], got %v", got)
	}
	if h.mp.Repeat() != types.RepeatOne {
		t.Errorf("Expected repeat-one to be kept by auto-advance, got %v", h.mp.Repeat())
	}
}

func TestNextDowngradesRepeatOne(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 400, 2: 400, 3: 400}, 2*time.Millisecond)

	h.mp.PlayPlaylist(songs(1, 2, 3))
	h.mp.SetRepeat(types.RepeatOne)
	waitFor(t, "first song", func() bool { return h.mp.Streaming() })

	h.mp.Next()
	waitFor(t, "second request", func() bool { return len(h.server.Requests()) >= 2 })

	if got := h.server.Requests()[:2]; !slices.Equal(got, []int32{1, 2}) {
		t.Errorf("Expected [1 2], got %v", got)
	}
	if h.mp.Repeat() != types.RepeatAll {
		t.Errorf("Expected repeat-all after a user skip, got %v", h.mp.Repeat())
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if !slices.Contains(h.rec.repeats, types.RepeatAll) {
		t.Errorf("Expected a repeat-all notification, got %v", h.rec.repeats)
	}
}

func TestPreviousAtStartRestarts(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 400, 2: 400}, 2*time.Millisecond)

	h.mp.PlayPlaylist(songs(1, 2))
	waitFor(t, "first song", func() bool { return h.mp.Streaming() })

	h.mp.Previous()
	waitFor(t, "restart", func() bool { return len(h.server.Requests()) >= 2 })
	if got := h.server.Requests()[:2]; !slices.Equal(got, []int32{1, 1}) {
		t.Errorf("Expected [1 1], got %v", got)
	}
	if h.mp.CurrentIndex() != 0 {
		t.Errorf("Expected index 0, got %d", h.mp.CurrentIndex())
	}
}

func TestSongNotFoundDoesNotAdvance(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 3}, time.Millisecond)

	h.mp.PlayPlaylist(songs(9, 1))
	waitFor(t, "request", func() bool { return len(h.server.Requests()) == 1 })
	waitFor(t, "stream end", func() bool { return !h.mp.Streaming() })

	time.Sleep(50 * time.Millisecond)
	if got := h.server.Requests(); !slices.Equal(got, []int32{9}) {
		t.Errorf("Expected only the missing song to be requested, got %v", got)
	}
}

func TestPlayThisInsertsAfterCurrent(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 400, 2: 400, 5: 400}, 2*time.Millisecond)

	h.mp.PlayPlaylist(songs(1, 2))
	waitFor(t, "first song", func() bool { return h.mp.Streaming() })

	h.mp.PlayThis(song(5))
	waitFor(t, "second request", func() bool { return len(h.server.Requests()) >= 2 })

	ids := make([]int32, 0, 3)
	for _, s := range h.mp.Songs() {
		ids = append(ids, s.ID)
	}
	if !slices.Equal(ids, []int32{1, 5, 2}) {
		t.Errorf("Expected queue [1 5 2], got %v", ids)
	}
	if h.mp.CurrentIndex() != 1 {
		t.Errorf("Expected current index 1, got %d", h.mp.CurrentIndex())
	}
	if got := h.server.Requests()[1]; got != 5 {
		t.Errorf("Expected song 5 to be requested, got %d", got)
	}
}

func TestPlayThisWhenIdle(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 3}, 0)

	h.mp.PlayThis(song(1))
	waitFor(t, "request", func() bool { return len(h.server.Requests()) == 1 })

	if h.mp.CurrentIndex() != 0 || len(h.mp.Songs()) != 1 {
		t.Errorf("Expected the song at index 0 of a one-song queue, got index %d of %d", h.mp.CurrentIndex(), len(h.mp.Songs()))
	}
}

func TestQueueOperations(t *testing.T) {
	h := newHarness(t, map[int32]int{}, 0)

	h.mp.AddToQueue(song(1))
	h.mp.AddPlaylistToQueue(songs(2, 3))
	if n := len(h.mp.Queue()); n != 3 {
		t.Fatalf("Expected 3 upcoming songs while idle, got %d", n)
	}

	h.mp.MoveUp(0)
	h.mp.MoveUp(2)
	h.mp.MoveDown(2)
	h.mp.MoveDown(0)

	ids := func() []int32 {
		var out []int32
		for _, e := range h.rec.lastQueue() {
			out = append(out, e.Song.ID)
		}
		return out
	}
	// [1 2 3] -> up(2) -> [1 3 2] -> down(0) -> [3 1 2]
	if got := ids(); !slices.Equal(got, []int32{3, 1, 2}) {
		t.Errorf("Expected [3 1 2], got %v", got)
	}

	if err := h.mp.RemoveFromQueue(1); err != nil {
		t.Fatalf("RemoveFromQueue failed: %v", err)
	}
	if got := ids(); !slices.Equal(got, []int32{3, 2}) {
		t.Errorf("Expected [3 2], got %v", got)
	}
	if err := h.mp.RemoveFromQueue(10); err == nil {
		t.Error("Expected an error for an out of range index")
	}

	h.mp.DeleteQueue()
	if n := len(h.mp.Songs()); n != 0 {
		t.Errorf("Expected an empty queue, got %d songs", n)
	}
}

func TestDeleteQueueKeepsPlayingSong(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 400, 2: 400, 3: 400}, 2*time.Millisecond)

	h.mp.PlayPlaylist(songs(1, 2, 3))
	waitFor(t, "first song", func() bool { return h.mp.Streaming() })

	h.mp.Next()
	waitFor(t, "second song", func() bool { return len(h.server.Requests()) >= 2 && h.mp.Streaming() })

	playing, _ := h.mp.CurrentSong()
	h.mp.DeleteQueue()
	got := h.mp.Songs()
	if len(got) != 1 || got[0].ID != playing.ID {
		t.Errorf("Expected only the playing song %d to remain, got %v", playing.ID, got)
	}
	if h.mp.CurrentIndex() != 0 {
		t.Errorf("Expected index 0, got %d", h.mp.CurrentIndex())
	}
	if q := h.rec.lastQueue(); len(q) != 0 {
		t.Errorf("Expected no upcoming songs, got %d", len(q))
	}
}

func TestProgressReportsElapsed(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 3}, time.Millisecond)

	h.mp.PlayThis(song(1))
	waitFor(t, "request", func() bool { return len(h.server.Requests()) == 1 })
	waitFor(t, "stream end", func() bool { return !h.mp.Streaming() })

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if !slices.Equal(h.rec.progress, []int{0, 500, 1000}) {
		t.Errorf("Expected progress [0 500 1000], got %v", h.rec.progress)
	}
	if !slices.Equal(h.rec.elapsed, []string{"00:00", "00:50", "01:40"}) {
		t.Errorf("Expected elapsed [00:00 00:50 01:40], got %v", h.rec.elapsed)
	}
}

func TestSetShuffleKeepsCurrent(t *testing.T) {
	h := newHarness(t, map[int32]int{}, 0)

	h.mp.AddPlaylistToQueue(songs(1, 2, 3, 4, 5, 6, 7, 8))
	h.mp.SetShuffle(true)
	if h.mp.Songs()[0].ID != 1 {
		t.Errorf("Expected the current song to stay first, got %d", h.mp.Songs()[0].ID)
	}
	if !h.mp.Shuffle() {
		t.Error("Expected shuffle on")
	}

	h.mp.SetShuffle(false)
	if h.mp.Songs()[0].ID != 1 {
		t.Errorf("Expected the current song to stay first, got %d", h.mp.Songs()[0].ID)
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if !slices.Equal(h.rec.shuffles, []bool{true, false}) {
		t.Errorf("Expected shuffle notifications [true false], got %v", h.rec.shuffles)
	}
}

func TestStreamLossRequestsReconnect(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 400}, 2*time.Millisecond)
	h.server.breakAt = map[int32]int{1: 10}

	h.mp.PlayThis(song(1))
	waitFor(t, "request", func() bool { return len(h.server.Requests()) == 1 })

	waitFor(t, "reconnect", func() bool { return h.stream.reconnects.Load() >= 1 })
}

func TestStalledTransferDropsConnection(t *testing.T) {
	h := newHarness(t, map[int32]int{1: 400, 2: 3}, time.Millisecond)
	h.server.stall = map[int32]int{1: 5}
	h.mp.stopTimeout = 50 * time.Millisecond

	h.mp.PlayPlaylist(songs(1, 2))
	waitFor(t, "request", func() bool { return len(h.server.Requests()) == 1 })
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.mp.Next()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Next blocked on a transfer that never stopped")
	}
	if h.stream.reconnects.Load() < 1 {
		t.Error("Expected the stalled stream connection to be renewed")
	}
	if h.mp.Streaming() && h.mp.CurrentIndex() != 1 {
		t.Errorf("Expected index 1 after next, got %d", h.mp.CurrentIndex())
	}
}

func TestVolumePercent(t *testing.T) {
	h := newHarness(t, map[int32]int{}, 0)

	h.mp.SetVolume(40)
	if h.mp.Volume() != 40 {
		t.Errorf("Expected volume 40, got %d", h.mp.Volume())
	}
	h.mp.SetVolume(150)
	if h.mp.Volume() != 100 {
		t.Errorf("Expected volume clamped to 100, got %d", h.mp.Volume())
	}
}

func TestOnCommand(t *testing.T) {
	h := newHarness(t, map[int32]int{}, 0)

	if err := h.mp.OnCommand(media.CmdSetLoopStatus, media.LoopTrack); err != nil {
		t.Fatalf("OnCommand failed: %v", err)
	}
	if h.mp.Repeat() != types.RepeatOne {
		t.Errorf("Expected repeat-one, got %v", h.mp.Repeat())
	}

	h.mp.OnCommand(media.CmdSetShuffle, true)
	if !h.mp.Shuffle() {
		t.Error("Expected shuffle on")
	}

	h.mp.OnCommand(media.CmdPause, nil)
	if h.mp.Playing() {
		t.Error("Expected paused")
	}
	h.mp.OnCommand(media.CmdPlayPause, nil)
	if !h.mp.Playing() {
		t.Error("Expected playing after toggle")
	}

	if err := h.mp.OnCommand(media.CmdSeek, "soon"); err == nil {
		t.Error("Expected an error for a seek without a duration")
	}
	if err := h.mp.OnCommand(media.CmdSetShuffle, "yes"); err == nil {
		t.Error("Expected an error for a non-bool shuffle")
	}
}
