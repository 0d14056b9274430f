// Package audio buffers streamed PCM packets and plays them on the local output device.
package audio

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/austinkregel/local-media/musicstream/internal/event"
)

// UnderrunBackoff is how long the player waits when it has caught up with
// the network reader.
const UnderrunBackoff = 10 * time.Millisecond

// State represents the current state of the player
type State int

const (
	StateIdle State = iota
	StateStarting
	StatePlaying
	StatePaused
	StateEnded
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return "idle"
	}
}

// Output is the interface for audio output backends
type Output interface {
	io.WriteCloser
}

// pausableOutput is implemented by outputs that can halt already-buffered audio
type pausableOutput interface {
	Pause()
	Resume()
}

// volumeOutput is implemented by outputs that scale samples themselves
type volumeOutput interface {
	SetVolume(v float64)
}

// OutputFactory opens a fresh output device
type OutputFactory func() (Output, error)

// ProgressCallback receives progress in the range 0..1000
type ProgressCallback func(progress int)

// Player consumes a Buffer and writes packets to an Output on a dedicated
// goroutine started with Run.
type Player struct {
	mu         sync.Mutex
	playCond   *sync.Cond // signalled when playing, stop or exiting change
	state      State
	frameCount int
	cursor     int
	stop       bool
	playing    bool
	exiting    bool
	running    bool
	streamID   uint64
	volume     float64

	buffer     *Buffer
	newOutput  OutputFactory
	output     Output
	onProgress ProgressCallback
	backoff    time.Duration

	startCh    chan struct{}
	exitCh     chan struct{}
	exitOnce   sync.Once
	loopDone   chan struct{}
	ended      chan uint64
	terminated *event.Event
}

// NewPlayer creates a player writing to the output returned by newOutput
func NewPlayer(newOutput OutputFactory) (*Player, error) {
	output, err := newOutput()
	if err != nil {
		return nil, err
	}

	p := &Player{
		state:      StateIdle,
		buffer:     NewBuffer(),
		newOutput:  newOutput,
		output:     output,
		backoff:    UnderrunBackoff,
		volume:     1,
		startCh:    make(chan struct{}, 1),
		exitCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		ended:      make(chan uint64, 1),
		terminated: event.NewSet(),
	}
	p.playCond = sync.NewCond(&p.mu)
	return p, nil
}

// SetOnProgress sets the callback invoked whenever the integer progress changes
func (p *Player) SetOnProgress(callback ProgressCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onProgress = callback
}

// Ended delivers the id of each stream that plays through to the sentinel
func (p *Player) Ended() <-chan uint64 {
	return p.ended
}

// Terminated is set whenever no stream is running
func (p *Player) Terminated() *event.Event {
	return p.terminated
}

// Streaming reports whether a stream is running
func (p *Player) Streaming() bool {
	return !p.terminated.IsSet()
}

// WaitTerminated blocks until no stream is running
func (p *Player) WaitTerminated() {
	p.terminated.Wait()
}

// ReceivePacket appends a packet (or the Sentinel) to the buffer
func (p *Player) ReceivePacket(packet []byte) {
	p.buffer.Append(packet)
}

// SetSongDataLength sets the number of frames announced by the server
func (p *Player) SetSongDataLength(frames int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameCount = frames
}

// StartStream arms the loop to play the buffer from the first packet and
// returns the id that Ended reports for this stream. Ids start at 1.
func (p *Player) StartStream() uint64 {
	p.mu.Lock()
	p.streamID++
	id := p.streamID
	p.stop = false
	p.cursor = 0
	p.playing = true
	p.state = StateStarting
	p.terminated.Clear()
	p.playCond.Broadcast()
	p.mu.Unlock()

	select {
	case p.startCh <- struct{}{}:
	default:
	}
	return id
}

// TerminateStream asks the loop to abandon the current stream. The request
// is observed at the next packet boundary; wait on Terminated to know when
// it has taken effect.
func (p *Player) TerminateStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop = true
	p.setPlayingLocked(true)
}

// Play resumes a paused stream
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPlayingLocked(true)
}

// Pause freezes the cursor without consuming further packets
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPlayingLocked(false)
}

// TogglePlayPause flips the play flag and returns the new value
func (p *Player) TogglePlayPause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPlayingLocked(!p.playing)
	return p.playing
}

// Playing returns the play flag: true for play, false for pause
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) setPlayingLocked(playing bool) {
	p.playing = playing
	if p.state == StatePlaying && !playing {
		p.state = StatePaused
	} else if p.state == StatePaused && playing {
		p.state = StatePlaying
	}

	if out, ok := p.output.(pausableOutput); ok {
		if playing {
			out.Resume()
		} else {
			out.Pause()
		}
	}
	p.playCond.Broadcast()
}

// SetVolume sets the playback volume in the range 0..1. It is kept for
// outputs opened after a device failure.
func (p *Player) SetVolume(v float64) {
	v = max(0, min(1, v))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
	if out, ok := p.output.(volumeOutput); ok {
		out.SetVolume(v)
	}
}

// Volume returns the playback volume in the range 0..1
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// State returns the current player state
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cursor returns the index of the packet being played
func (p *Player) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// SetProgress seeks to a 0..1000 position of the current song
func (p *Player) SetProgress(value int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = CursorForProgress(value, p.frameCount)
}

// CursorForProgress maps a 0..1000 value linearly onto 0..frames-1
func CursorForProgress(value, frames int) int {
	value = max(0, min(1000, value))
	index := int(math.RoundToEven(float64(value) / 1000 * float64(frames-1)))
	return max(0, index)
}

// ProgressForCursor maps a cursor onto 0..1000
func ProgressForCursor(cursor, frames int) int {
	last := frames - 1
	if last <= 0 {
		return 0
	}
	return int(math.RoundToEven(float64(cursor) * 1000 / float64(last)))
}

// Run plays one stream per StartStream until Exit is called.
// It must run on its own goroutine.
func (p *Player) Run() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	defer close(p.loopDone)

	for {
		select {
		case <-p.exitCh:
			return
		case <-p.startCh:
		}

		p.mu.Lock()
		if p.exiting {
			p.mu.Unlock()
			return
		}
		if p.playing {
			p.state = StatePlaying
		} else {
			p.state = StatePaused
		}
		id := p.streamID
		p.mu.Unlock()

		reachedEnd := p.stream()
		p.finishStream(id, reachedEnd)
	}
}

// Exit stops the loop and releases the output device
func (p *Player) Exit() {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exiting = true
		p.stop = true
		p.setPlayingLocked(true)
		p.mu.Unlock()
		close(p.exitCh)
	})
}

// Close exits the loop, waits for it and closes the output
func (p *Player) Close() error {
	p.Exit()

	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if running {
		<-p.loopDone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.output != nil {
		return p.output.Close()
	}
	return nil
}

// stream plays packets until the sentinel or a stop request. It reports
// whether the sentinel was reached after at least one packet.
func (p *Player) stream() bool {
	lastProgress := -1

	for {
		p.mu.Lock()
		if p.stop {
			p.mu.Unlock()
			return false
		}
		cursor := p.cursor
		p.mu.Unlock()

		packet, ok := p.buffer.Get(cursor)
		if !ok {
			if p.buffer.Complete() {
				// seeked past the end of a truncated song
				return cursor > 0
			}
			time.Sleep(p.backoff)
			continue
		}
		if IsSentinel(packet) {
			return cursor > 0
		}

		if err := p.write(packet); err != nil {
			log.Warn().Str("component", "player").Err(err).Msg("Output write failed, reopening device")
			p.reopenOutput()
			continue
		}

		p.mu.Lock()
		progress := ProgressForCursor(cursor, p.frameCount)
		callback := p.onProgress
		p.mu.Unlock()
		if progress != lastProgress {
			lastProgress = progress
			if callback != nil {
				callback(progress)
			}
		}

		p.mu.Lock()
		for !p.playing && !p.stop {
			p.playCond.Wait()
		}
		// a seek during the write wins over the natural advance
		if p.cursor == cursor {
			p.cursor++
		}
		p.mu.Unlock()
	}
}

func (p *Player) write(packet []byte) error {
	p.mu.Lock()
	output := p.output
	p.mu.Unlock()

	_, err := output.Write(packet)
	return err
}

// reopenOutput replaces the output device, keeping buffer and cursor
func (p *Player) reopenOutput() {
	p.mu.Lock()
	old := p.output
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	output, err := p.newOutput()
	if err != nil {
		log.Error().Str("component", "player").Err(err).Msg("Failed to reopen output device")
		time.Sleep(p.backoff)
		return
	}

	p.mu.Lock()
	p.output = output
	if out, ok := output.(volumeOutput); ok {
		out.SetVolume(p.volume)
	}
	p.mu.Unlock()
	log.Info().Str("component", "player").Msg("Output device reopened")
}

// finishStream resets the buffer and cursor, then publishes the outcome
func (p *Player) finishStream(id uint64, reachedEnd bool) {
	p.buffer.Reset()

	p.mu.Lock()
	p.cursor = 0
	p.stop = false
	if reachedEnd {
		p.state = StateEnded
	} else {
		p.state = StateIdle
	}
	p.mu.Unlock()

	if reachedEnd {
		select {
		case p.ended <- id:
		default:
		}
	}
	p.terminated.Set()
}
