// Package media publishes the player to the OS media session (MPRIS on Linux)
// and routes the session's remote commands back to the player.
package media

import (
	"fmt"
	"time"

	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// PlaybackState represents the playback state for media sessions
type PlaybackState int

const (
	StateStopped PlaybackState = iota
	StatePlaying
	StatePaused
)

// Metadata contains song metadata for media session display
type Metadata struct {
	SongID   int32
	Title    string
	Artist   string
	Duration time.Duration
	ArtPath  string
}

// LoopStatus represents the loop/repeat mode for MPRIS
type LoopStatus string

const (
	LoopNone     LoopStatus = "None"
	LoopTrack    LoopStatus = "Track"
	LoopPlaylist LoopStatus = "Playlist"
)

// MetadataForSong builds session metadata for a queue song
func MetadataForSong(song types.Song, artPath string) Metadata {
	return Metadata{
		SongID:   song.ID,
		Title:    song.Name,
		Artist:   song.Artist,
		Duration: time.Duration(song.Duration) * time.Second,
		ArtPath:  artPath,
	}
}

// TrackPath is the MPRIS object path identifying a song
func (m Metadata) TrackPath() string {
	return fmt.Sprintf("/org/musicstream/song/%d", m.SongID)
}

// LoopStatusFor maps a repeat mode onto the MPRIS loop status
func LoopStatusFor(mode types.RepeatMode) LoopStatus {
	switch mode {
	case types.RepeatAll:
		return LoopPlaylist
	case types.RepeatOne:
		return LoopTrack
	default:
		return LoopNone
	}
}

// RepeatModeFor maps an MPRIS loop status onto a repeat mode
func RepeatModeFor(status LoopStatus) types.RepeatMode {
	switch status {
	case LoopPlaylist:
		return types.RepeatAll
	case LoopTrack:
		return types.RepeatOne
	default:
		return types.RepeatOff
	}
}

// Session is the interface for OS media session integration
type Session interface {
	// UpdateMetadata updates the currently playing song metadata
	UpdateMetadata(metadata Metadata) error

	// UpdatePlaybackState updates the playback state and position
	UpdatePlaybackState(state PlaybackState, position time.Duration) error

	// UpdateShuffle updates the shuffle state
	UpdateShuffle(enabled bool) error

	// UpdateLoopStatus updates the repeat/loop mode
	UpdateLoopStatus(status LoopStatus) error

	// SetCommandHandler sets the handler for media commands (play, pause, etc.)
	SetCommandHandler(handler CommandHandler)

	// Close releases resources
	Close() error
}

// Command represents a media command from the OS
type Command int

const (
	CmdPlay Command = iota
	CmdPause
	CmdPlayPause
	CmdStop
	CmdNext
	CmdPrevious
	CmdSeek
	CmdSetShuffle
	CmdSetLoopStatus
)

// String returns the command name
func (c Command) String() string {
	switch c {
	case CmdPlay:
		return "Play"
	case CmdPause:
		return "Pause"
	case CmdPlayPause:
		return "PlayPause"
	case CmdStop:
		return "Stop"
	case CmdNext:
		return "Next"
	case CmdPrevious:
		return "Previous"
	case CmdSeek:
		return "Seek"
	case CmdSetShuffle:
		return "SetShuffle"
	case CmdSetLoopStatus:
		return "SetLoopStatus"
	default:
		return "Unknown"
	}
}

// CommandHandler handles media commands from the OS.
// CmdSeek carries a time.Duration position, CmdSetShuffle a bool and
// CmdSetLoopStatus a LoopStatus.
type CommandHandler interface {
	OnCommand(cmd Command, data interface{}) error
}

// CommandHandlerFunc is a function adapter for CommandHandler
type CommandHandlerFunc func(cmd Command, data interface{}) error

func (f CommandHandlerFunc) OnCommand(cmd Command, data interface{}) error {
	return f(cmd, data)
}

// NoOpSession is a session that does nothing
// Used when media session integration is not available
type NoOpSession struct{}

// NewNoOpSession creates a new no-op session
func NewNoOpSession() *NoOpSession {
	return &NoOpSession{}
}

func (s *NoOpSession) UpdateMetadata(metadata Metadata) error {
	return nil
}

func (s *NoOpSession) UpdatePlaybackState(state PlaybackState, position time.Duration) error {
	return nil
}

func (s *NoOpSession) UpdateShuffle(enabled bool) error {
	return nil
}

func (s *NoOpSession) UpdateLoopStatus(status LoopStatus) error {
	return nil
}

func (s *NoOpSession) SetCommandHandler(handler CommandHandler) {
}

func (s *NoOpSession) Close() error {
	return nil
}
