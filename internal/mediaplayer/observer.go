package mediaplayer

import (
	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// Observer receives state changes from the media player. Callbacks run on the
// goroutine that caused the change and must not block for long.
type Observer interface {
	// ProgressChanged reports progress in 0..1000 and the elapsed time as mm:ss
	ProgressChanged(value int, elapsed string)

	CurrentSongChanged(song types.Song)

	// QueueChanged reports the upcoming songs with their queue positions
	QueueChanged(entries []types.QueueEntry)

	PlayStateChanged(playing bool)
	RepeatStateChanged(mode types.RepeatMode)
	ShuffleStateChanged(enabled bool)
}

// ObserverFuncs adapts a set of optional functions to Observer
type ObserverFuncs struct {
	OnProgress     func(value int, elapsed string)
	OnCurrentSong  func(song types.Song)
	OnQueue        func(entries []types.QueueEntry)
	OnPlayState    func(playing bool)
	OnRepeatState  func(mode types.RepeatMode)
	OnShuffleState func(enabled bool)
}

func (f ObserverFuncs) ProgressChanged(value int, elapsed string) {
	if f.OnProgress != nil {
		f.OnProgress(value, elapsed)
	}
}

func (f ObserverFuncs) CurrentSongChanged(song types.Song) {
	if f.OnCurrentSong != nil {
		f.OnCurrentSong(song)
	}
}

func (f ObserverFuncs) QueueChanged(entries []types.QueueEntry) {
	if f.OnQueue != nil {
		f.OnQueue(entries)
	}
}

func (f ObserverFuncs) PlayStateChanged(playing bool) {
	if f.OnPlayState != nil {
		f.OnPlayState(playing)
	}
}

func (f ObserverFuncs) RepeatStateChanged(mode types.RepeatMode) {
	if f.OnRepeatState != nil {
		f.OnRepeatState(mode)
	}
}

func (f ObserverFuncs) ShuffleStateChanged(enabled bool) {
	if f.OnShuffleState != nil {
		f.OnShuffleState(enabled)
	}
}

// observers fans every callback out to a list of observers
type observers []Observer

func (o observers) ProgressChanged(value int, elapsed string) {
	for _, ob := range o {
		ob.ProgressChanged(value, elapsed)
	}
}

func (o observers) CurrentSongChanged(song types.Song) {
	for _, ob := range o {
		ob.CurrentSongChanged(song)
	}
}

func (o observers) QueueChanged(entries []types.QueueEntry) {
	for _, ob := range o {
		ob.QueueChanged(entries)
	}
}

func (o observers) PlayStateChanged(playing bool) {
	for _, ob := range o {
		ob.PlayStateChanged(playing)
	}
}

func (o observers) RepeatStateChanged(mode types.RepeatMode) {
	for _, ob := range o {
		ob.RepeatStateChanged(mode)
	}
}

func (o observers) ShuffleStateChanged(enabled bool) {
	for _, ob := range o {
		ob.ShuffleStateChanged(enabled)
	}
}
