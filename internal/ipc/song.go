package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// EncodeSong serializes a song as
// id, name (len+utf8), artist (len+utf8), duration, image (len+bytes).
func EncodeSong(song types.Song) []byte {
	var buf bytes.Buffer
	buf.Grow(20 + len(song.Name) + len(song.Artist) + len(song.Image))

	putUint32(&buf, uint32(song.ID))
	putBytes(&buf, []byte(song.Name))
	putBytes(&buf, []byte(song.Artist))
	putUint32(&buf, uint32(song.Duration))
	putBytes(&buf, song.Image)

	return buf.Bytes()
}

// DecodeSong parses the output of EncodeSong
func DecodeSong(data []byte) (types.Song, error) {
	d := songDecoder{data: data}

	song := types.Song{
		ID:     int32(d.uint32()),
		Name:   string(d.bytes()),
		Artist: string(d.bytes()),
	}
	song.Duration = int(d.uint32())
	song.Image = d.bytes()

	if d.err != nil {
		return types.Song{}, fmt.Errorf("failed to decode song: %w", d.err)
	}
	if len(song.Image) == 0 {
		song.Image = nil
	}
	return song, nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, p []byte) {
	putUint32(buf, uint32(len(p)))
	buf.Write(p)
}

// songDecoder reads fields sequentially and remembers the first error
type songDecoder struct {
	data []byte
	err  error
}

func (d *songDecoder) uint32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.data) < 4 {
		d.err = fmt.Errorf("%w: truncated integer", ErrMalformedFrame)
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data)
	d.data = d.data[4:]
	return v
}

func (d *songDecoder) bytes() []byte {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	if uint32(len(d.data)) < n {
		d.err = fmt.Errorf("%w: field of %d bytes, %d left", ErrMalformedFrame, n, len(d.data))
		return nil
	}
	out := make([]byte, n)
	copy(out, d.data[:n])
	d.data = d.data[n:]
	return out
}
