package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

const (
	// FramesPerPacket is the number of stereo frames in one streamed packet
	FramesPerPacket = 1024

	resampleQuality = 4
)

// StreamFormat is the PCM layout sent to clients: 48kHz stereo signed 16-bit LE
var StreamFormat = beep.Format{SampleRate: 48000, NumChannels: 2, Precision: 2}

// ErrUnsupportedFormat is returned for files the decoder cannot read
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// SupportedExtensions are the audio file extensions the catalog can stream
var SupportedExtensions = map[string]bool{
	".wav": true,
	".mp3": true,
}

// decode opens an audio file with the matching beep decoder
func decode(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to open %s: %w", path, err)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	default:
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return streamer, format, nil
}

// FileDuration returns the duration of an audio file
func FileDuration(path string) (time.Duration, error) {
	streamer, format, err := decode(path)
	if err != nil {
		return 0, err
	}
	defer streamer.Close()
	return format.SampleRate.D(streamer.Len()), nil
}

// pcmSource decodes a file and resamples it to StreamFormat when needed
type pcmSource struct {
	decoder beep.StreamSeekCloser
	stream  beep.Streamer
	packets int
	sent    int
	samples [][2]float64
}

// OpenSource opens an audio file as a packet Source.
// Trailing frames that do not fill a whole packet are never sent.
func OpenSource(path string) (Source, error) {
	decoder, format, err := decode(path)
	if err != nil {
		return nil, err
	}

	total := decoder.Len()
	var stream beep.Streamer = decoder
	if format.SampleRate != StreamFormat.SampleRate {
		stream = beep.Resample(resampleQuality, format.SampleRate, StreamFormat.SampleRate, decoder)
		total = int(int64(total) * int64(StreamFormat.SampleRate) / int64(format.SampleRate))
	}

	return &pcmSource{
		decoder: decoder,
		stream:  stream,
		packets: total / FramesPerPacket,
		samples: make([][2]float64, FramesPerPacket),
	}, nil
}

func (s *pcmSource) FrameCount() int {
	return s.packets
}

func (s *pcmSource) NextPacket() ([]byte, error) {
	if s.sent >= s.packets {
		return nil, io.EOF
	}

	filled := 0
	for filled < FramesPerPacket {
		n, ok := s.stream.Stream(s.samples[filled:])
		filled += n
		if !ok {
			break
		}
	}
	if filled < FramesPerPacket {
		if err := s.decoder.Err(); err != nil {
			return nil, fmt.Errorf("failed to decode packet %d: %w", s.sent, err)
		}
		// resampling can come up a few frames short at the very end
		clear(s.samples[filled:])
	}

	packet := make([]byte, FramesPerPacket*StreamFormat.Width())
	offset := 0
	for _, sample := range s.samples {
		offset += StreamFormat.EncodeSigned(packet[offset:], sample)
	}

	s.sent++
	return packet, nil
}

func (s *pcmSource) Close() error {
	return s.decoder.Close()
}
