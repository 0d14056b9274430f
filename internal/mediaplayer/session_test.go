package mediaplayer

import (
	"os"
	"testing"
	"time"

	"github.com/austinkregel/local-media/musicstream/internal/media"
	"github.com/austinkregel/local-media/musicstream/internal/types"
)

type recordingSession struct {
	media.NoOpSession
	metadata media.Metadata
	state    media.PlaybackState
	position time.Duration
	loop     media.LoopStatus
}

func (s *recordingSession) UpdateMetadata(m media.Metadata) error {
	s.metadata = m
	return nil
}

func (s *recordingSession) UpdatePlaybackState(state media.PlaybackState, position time.Duration) error {
	s.state = state
	s.position = position
	return nil
}

func (s *recordingSession) UpdateLoopStatus(status media.LoopStatus) error {
	s.loop = status
	return nil
}

func TestSessionObserver(t *testing.T) {
	session := &recordingSession{}
	dir := t.TempDir()
	o := NewSessionObserver(session, dir)

	o.CurrentSongChanged(types.Song{ID: 3, Name: "Windowlicker", Artist: "Aphex Twin", Duration: 360, Image: []byte{0xff, 0xd8}})
	if session.metadata.Title != "Windowlicker" {
		t.Errorf("Expected title Windowlicker, got %q", session.metadata.Title)
	}
	if session.metadata.ArtPath == "" {
		t.Fatal("Expected cover art to be written")
	}
	if data, err := os.ReadFile(session.metadata.ArtPath); err != nil || len(data) != 2 {
		t.Errorf("Expected 2 bytes of cover art, got %d (%v)", len(data), err)
	}

	o.ProgressChanged(500, "03:00")
	o.PlayStateChanged(true)
	if session.state != media.StatePlaying {
		t.Errorf("Expected playing state, got %v", session.state)
	}
	if session.position != 180*time.Second {
		t.Errorf("Expected position 3m0s, got %v", session.position)
	}

	o.RepeatStateChanged(types.RepeatOne)
	if session.loop != media.LoopTrack {
		t.Errorf("Expected loop status Track, got %s", session.loop)
	}
}

func TestSessionObserverWithoutArtDir(t *testing.T) {
	session := &recordingSession{}
	o := NewSessionObserver(session, "")

	o.CurrentSongChanged(types.Song{ID: 1, Name: "Xtal", Image: []byte{1}})
	if session.metadata.ArtPath != "" {
		t.Errorf("Expected no art path, got %q", session.metadata.ArtPath)
	}
}
