// Package types provides shared type definitions used by the musicstream client and server.
package types

import "fmt"

// Song is a catalog entry as it travels over the wire.
// Songs are treated as immutable once constructed.
type Song struct {
	ID       int32
	Name     string
	Artist   string
	Duration int // seconds
	Image    []byte
}

// Equal reports whether two songs share the same catalog identifier
func (s Song) Equal(other Song) bool {
	return s.ID == other.ID
}

// DurationString returns the song duration as mm:ss
func (s Song) DurationString() string {
	return FormatSeconds(s.Duration)
}

// String returns "artist - name"
func (s Song) String() string {
	return fmt.Sprintf("%s - %s", s.Artist, s.Name)
}

// FormatSeconds renders a number of seconds as mm:ss.
// Minutes are not capped at 59.
func FormatSeconds(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// QueueEntry is a song paired with its position in the play order
type QueueEntry struct {
	Song  Song
	Index int
}

// RepeatMode represents the repeat behavior
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatAll
	RepeatOne
)

// String returns the string representation of the repeat mode
func (r RepeatMode) String() string {
	switch r {
	case RepeatOne:
		return "one"
	case RepeatAll:
		return "all"
	default:
		return "off"
	}
}

// ParseRepeatMode parses a string into a RepeatMode
func ParseRepeatMode(s string) RepeatMode {
	switch s {
	case "one":
		return RepeatOne
	case "all":
		return RepeatAll
	default:
		return RepeatOff
	}
}
