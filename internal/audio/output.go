package audio

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"
)

const (
	// SampleRate, Channels and BitDepth describe the PCM the server streams
	SampleRate = 48000
	Channels   = 2
	BitDepth   = 2 // 16-bit = 2 bytes

	// Maximum buffered audio before Write blocks.
	// 100ms at 48000Hz stereo 16-bit = 19200 bytes
	maxBufferSize = 19200
)

// oto allows a single context per process, so reopened outputs share it
var (
	otoOnce    sync.Once
	otoContext *oto.Context
	otoErr     error
)

func sharedContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(SampleRate, Channels, BitDepth)
		if err != nil {
			otoErr = fmt.Errorf("failed to create oto context: %w", err)
			return
		}
		<-ready
		otoContext = ctx
	})
	return otoContext, otoErr
}

// OtoOutput is an audio output using the Oto library
type OtoOutput struct {
	player oto.Player
	mu     sync.Mutex
	cond   *sync.Cond // Condition variable for pause/resume synchronization
	buffer *bytes.Buffer
	volume float64 // 0.0 - 1.0
	paused bool    // True when explicitly paused - prevents auto-resume on Write
	closed bool    // True when output is closed - unblocks waiting goroutines
}

// NewOtoOutput opens a player on the shared Oto context
func NewOtoOutput() (*OtoOutput, error) {
	ctx, err := sharedContext()
	if err != nil {
		return nil, err
	}

	output := &OtoOutput{
		buffer: &bytes.Buffer{},
		volume: 1.0,
	}
	output.cond = sync.NewCond(&output.mu)
	output.player = ctx.NewPlayer(output)

	return output, nil
}

var (
	_ pausableOutput = (*OtoOutput)(nil)
	_ volumeOutput   = (*OtoOutput)(nil)
)

// OtoOutputFactory adapts NewOtoOutput to an OutputFactory
func OtoOutputFactory() (Output, error) {
	return NewOtoOutput()
}

// Read implements io.Reader for the oto player
func (o *OtoOutput) Read(p []byte) (n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for o.paused && !o.closed {
		o.cond.Wait()
	}

	if o.closed {
		return 0, io.EOF
	}

	// Underrun: hand out silence to keep the device stream alive
	if o.buffer.Len() == 0 {
		clear(p)
		return len(p), nil
	}

	n, err = o.buffer.Read(p)
	if err != nil {
		return n, err
	}

	if o.volume < 1.0 && n > 0 {
		o.applyVolume(p[:n])
	}

	return n, nil
}

// applyVolume scales 16-bit PCM samples by the current volume
func (o *OtoOutput) applyVolume(data []byte) {
	vol := o.volume
	if vol >= 1.0 {
		return
	}

	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		scaled := int16(float64(sample) * vol)
		data[i] = byte(scaled)
		data[i+1] = byte(scaled >> 8)
	}
}

// SetVolume sets the playback volume (0.0 - 1.0)
func (o *OtoOutput) SetVolume(v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	o.volume = v
}

// GetVolume returns the current volume
func (o *OtoOutput) GetVolume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume
}

// Write queues a PCM packet. It blocks while more than maxBufferSize bytes
// are waiting so that the player cursor tracks what is audible.
// Errors reported by the device are returned so the caller can reopen it.
func (o *OtoOutput) Write(data []byte) (int, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if o.player != nil {
			if err := o.player.Err(); err != nil {
				o.mu.Unlock()
				return 0, fmt.Errorf("audio device error: %w", err)
			}
		}
		if o.buffer.Len() < maxBufferSize {
			break
		}
		o.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	defer o.mu.Unlock()

	n, err := o.buffer.Write(data)
	if err != nil {
		return n, err
	}

	if o.player != nil && !o.player.IsPlaying() && !o.paused {
		o.player.Play()
	}

	return n, nil
}

// Pause halts the device without dropping buffered audio
func (o *OtoOutput) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.paused = true
	if o.player != nil && o.player.IsPlaying() {
		o.player.Pause()
	}
}

// Resume restarts the device after Pause
func (o *OtoOutput) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.paused = false
	o.cond.Broadcast()
	if o.player != nil && !o.player.IsPlaying() && o.buffer.Len() > 0 {
		o.player.Play()
	}
}

// Close releases the oto player. The shared context stays open.
func (o *OtoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	o.cond.Broadcast()

	if o.player != nil {
		if err := o.player.Close(); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ io.Reader = (*OtoOutput)(nil)
	_ Output    = (*OtoOutput)(nil)
)
