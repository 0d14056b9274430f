// Package ipc implements the musicstream wire protocol shared by client and server.
//
// Every integer on the wire is a 4-byte little-endian value. Two independent TCP
// connections are used per client: a control channel carrying commands and search
// results, and an audio channel carrying song requests and PCM frames.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/austinkregel/local-media/musicstream/internal/types"
)

const (
	// ChunkSize is the size of every non-final chunk in a chunked transfer
	ChunkSize = 1024

	// FramesPerPacket is the number of stereo 16-bit frames carried by one packet
	FramesPerPacket = 1024

	// PacketSize is the size of one PCM packet on the audio channel
	PacketSize = FramesPerPacket * 4

	// TagSize is the size of the per-frame type tag
	TagSize = 4

	// ClientIDSize is the size of the handshake identifier sent on connect
	ClientIDSize = 6

	// MaxMessageSize bounds a single framed message to keep a bad peer from
	// forcing huge allocations.
	MaxMessageSize = 64 << 20
)

// Control channel commands
const (
	CmdSearch                = "SEARCH"
	CmdTerminateSongDataRecv = "TERMINATE_SONG_DATA_RECV"
	commandSeparator         = "@"
)

// Audio channel frame tags
const (
	TagData = "data"
	TagExit = "exit"
)

var (
	// ErrConnectionBroken is returned when the peer closed the connection or a
	// transfer moved zero bytes.
	ErrConnectionBroken = errors.New("connection broken")

	// ErrConnectionRefused is returned when the server actively refused a connect attempt
	ErrConnectionRefused = errors.New("connection refused")

	// ErrMalformedFrame is returned when a length prefix is out of bounds
	ErrMalformedFrame = errors.New("malformed frame")
)

// Command is a decoded control channel request
type Command struct {
	Name string
	Arg  string
}

// EncodeCommand builds the textual form "<name>@<arg>"
func EncodeCommand(name, arg string) []byte {
	return []byte(name + commandSeparator + arg)
}

// ParseCommand splits a request on its first '@'.
// A request without a separator is treated as a bare command name.
func ParseCommand(data []byte) Command {
	name, arg, _ := strings.Cut(string(data), commandSeparator)
	return Command{Name: name, Arg: arg}
}

// WriteUint32 writes v as 4 little-endian bytes
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return writeFull(w, buf[:])
}

// ReadUint32 reads 4 little-endian bytes
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteMessage writes a simple message: length prefix followed by the payload
func WriteMessage(w io.Writer, payload []byte) error {
	if err := WriteUint32(w, uint32(len(payload))); err != nil {
		return err
	}
	return writeFull(w, payload)
}

// ReadMessage reads one simple message
func ReadMessage(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: message length %d", ErrMalformedFrame, n)
	}
	payload := make([]byte, n)
	if err := readFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ChunkCount returns the number of chunks used to transfer a payload of
// length n. The last chunk always carries its own length prefix, so an
// empty payload still produces one (empty) chunk and an exact multiple of
// ChunkSize ends with a full-size final chunk.
func ChunkCount(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + ChunkSize - 1) / ChunkSize
}

// WriteChunked sends payload using the chunked transfer scheme: the chunk
// count, count-1 raw chunks of ChunkSize bytes, then the final chunk as a
// simple message.
func WriteChunked(w io.Writer, payload []byte) error {
	count := ChunkCount(len(payload))
	if err := WriteUint32(w, uint32(count)); err != nil {
		return err
	}
	for i := 0; i < count-1; i++ {
		if err := writeFull(w, payload[i*ChunkSize:(i+1)*ChunkSize]); err != nil {
			return err
		}
	}
	return WriteMessage(w, payload[(count-1)*ChunkSize:])
}

// ReadChunked reads one chunked transfer and returns the reassembled payload
func ReadChunked(r io.Reader) ([]byte, error) {
	count, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if count > MaxMessageSize/ChunkSize {
		return nil, fmt.Errorf("%w: chunk count %d", ErrMalformedFrame, count)
	}

	raw := 0
	if count > 1 {
		raw = int(count) - 1
	}
	payload := make([]byte, raw*ChunkSize, raw*ChunkSize+ChunkSize)
	if err := readFull(r, payload); err != nil {
		return nil, err
	}

	last, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	if len(last) > ChunkSize {
		return nil, fmt.Errorf("%w: final chunk of %d bytes", ErrMalformedFrame, len(last))
	}
	return append(payload, last...), nil
}

// WriteSearchResults sends the song count followed by one chunked transfer per song
func WriteSearchResults(w io.Writer, songs []types.Song) error {
	if err := WriteUint32(w, uint32(len(songs))); err != nil {
		return err
	}
	for _, song := range songs {
		if err := WriteChunked(w, EncodeSong(song)); err != nil {
			return fmt.Errorf("failed to send song %d: %w", song.ID, err)
		}
	}
	return nil
}

// ReadSearchResults reads a search reply written by WriteSearchResults
func ReadSearchResults(r io.Reader) ([]types.Song, error) {
	count, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	songs := make([]types.Song, 0, min(count, 256))
	for i := uint32(0); i < count; i++ {
		payload, err := ReadChunked(r)
		if err != nil {
			return nil, err
		}
		song, err := DecodeSong(payload)
		if err != nil {
			return nil, err
		}
		songs = append(songs, song)
	}
	return songs, nil
}

// WriteSongRequest asks the server to stream the given song
func WriteSongRequest(w io.Writer, songID int32) error {
	return WriteUint32(w, uint32(songID))
}

// ReadSongRequest reads a song request from the audio channel
func ReadSongRequest(r io.Reader) (int32, error) {
	v, err := ReadUint32(r)
	return int32(v), err
}

// WriteDataFrame sends a "data" tag followed by one PCM packet
func WriteDataFrame(w io.Writer, packet []byte) error {
	if len(packet) != PacketSize {
		return fmt.Errorf("%w: packet of %d bytes", ErrMalformedFrame, len(packet))
	}
	if err := writeFull(w, []byte(TagData)); err != nil {
		return err
	}
	return writeFull(w, packet)
}

// WriteExitFrame tells the client the rest of the song will not be sent
func WriteExitFrame(w io.Writer) error {
	return writeFull(w, []byte(TagExit))
}

// ReadFrameTag reads the 4-byte tag that precedes every frame
func ReadFrameTag(r io.Reader) (string, error) {
	var buf [TagSize]byte
	if err := readFull(r, buf[:]); err != nil {
		return "", err
	}
	return string(buf[:]), nil
}

// ReadPacket reads one PCM packet
func ReadPacket(r io.Reader) ([]byte, error) {
	packet := make([]byte, PacketSize)
	if err := readFull(r, packet); err != nil {
		return nil, err
	}
	return packet, nil
}

func writeFull(w io.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := w.Write(p); err != nil {
		return brokenErr(err)
	}
	return nil
}

func readFull(r io.Reader, p []byte) error {
	if _, err := io.ReadFull(r, p); err != nil {
		return brokenErr(err)
	}
	return nil
}

// brokenErr maps end-of-stream conditions onto ErrConnectionBroken
func brokenErr(err error) error {
	if errors.Is(err, ErrConnectionBroken) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrConnectionBroken, err)
	}
	return err
}
