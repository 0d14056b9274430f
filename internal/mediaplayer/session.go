package mediaplayer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/austinkregel/local-media/musicstream/internal/media"
	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// SessionObserver mirrors the player state into an OS media session
type SessionObserver struct {
	session media.Session
	artDir  string

	mu       sync.Mutex
	song     types.Song
	position time.Duration
}

// NewSessionObserver publishes to session. Cover art is written to artDir so
// the session can reference it by path; an empty artDir disables cover art.
func NewSessionObserver(session media.Session, artDir string) *SessionObserver {
	return &SessionObserver{session: session, artDir: artDir}
}

func (o *SessionObserver) ProgressChanged(value int, _ string) {
	o.mu.Lock()
	o.position = time.Duration(o.song.Duration) * time.Second * time.Duration(value) / 1000
	o.mu.Unlock()
}

func (o *SessionObserver) CurrentSongChanged(song types.Song) {
	o.mu.Lock()
	o.song = song
	o.position = 0
	o.mu.Unlock()

	if err := o.session.UpdateMetadata(media.MetadataForSong(song, o.writeArt(song))); err != nil {
		log.Warn().Str("component", "media").Err(err).Msg("Failed to update metadata")
	}
}

func (o *SessionObserver) QueueChanged([]types.QueueEntry) {}

func (o *SessionObserver) PlayStateChanged(playing bool) {
	o.mu.Lock()
	position := o.position
	o.mu.Unlock()

	state := media.StatePaused
	if playing {
		state = media.StatePlaying
	}
	if err := o.session.UpdatePlaybackState(state, position); err != nil {
		log.Warn().Str("component", "media").Err(err).Msg("Failed to update playback state")
	}
}

func (o *SessionObserver) RepeatStateChanged(mode types.RepeatMode) {
	if err := o.session.UpdateLoopStatus(media.LoopStatusFor(mode)); err != nil {
		log.Warn().Str("component", "media").Err(err).Msg("Failed to update loop status")
	}
}

func (o *SessionObserver) ShuffleStateChanged(enabled bool) {
	if err := o.session.UpdateShuffle(enabled); err != nil {
		log.Warn().Str("component", "media").Err(err).Msg("Failed to update shuffle")
	}
}

// writeArt stores the song's cover image and returns its path
func (o *SessionObserver) writeArt(song types.Song) string {
	if o.artDir == "" || len(song.Image) == 0 {
		return ""
	}
	path := filepath.Join(o.artDir, fmt.Sprintf("cover-%d", song.ID))
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if err := os.WriteFile(path, song.Image, 0644); err != nil {
		log.Warn().Str("component", "media").Err(err).Msg("Failed to write cover art")
		return ""
	}
	return path
}

var _ Observer = (*SessionObserver)(nil)
