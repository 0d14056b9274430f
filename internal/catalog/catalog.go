// Package catalog stores song metadata and serves PCM audio for streaming.
package catalog

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// ErrSongNotFound is returned by Open when the identifier is not in the catalog
var ErrSongNotFound = errors.New("song not found")

// Catalog is the server's view of the song library. Each client handler
// owns its own Catalog.
type Catalog interface {
	// Search returns songs whose name or artist contains term
	Search(ctx context.Context, term string) ([]types.Song, error)

	// Open returns the PCM source for a song, or ErrSongNotFound
	Open(ctx context.Context, songID int32) (Source, error)

	// Close releases the catalog handle
	Close() error
}

// Opener opens a new, independent catalog handle
type Opener func() (Catalog, error)

// Source yields a song as fixed-size PCM packets of 1024 stereo 16-bit frames
type Source interface {
	// FrameCount is the number of full packets the source will produce
	FrameCount() int

	// NextPacket returns the next packet, or io.EOF once FrameCount packets were read
	NextPacket() ([]byte, error)

	Close() error
}

// Config locates the catalog database and its media directories
type Config struct {
	Path      string
	SongsDir  string
	ImagesDir string
}

// Normalize strips all whitespace, the form used for catalog matching
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
