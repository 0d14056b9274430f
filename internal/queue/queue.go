// Package queue manages the playback queue.
package queue

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/austinkregel/local-media/musicstream/internal/types"
)

// ErrIndexOutOfRange is returned when a position does not exist in the queue
var ErrIndexOutOfRange = errors.New("queue index out of range")

// Queue holds the songs in play order plus the identifiers in the order they
// were inserted. The insertion order lets a shuffled queue be restored.
//
// Both lists always hold the same multiset of identifiers.
type Queue struct {
	mu      sync.RWMutex
	songs   []types.Song // play order
	ordered []int32      // insertion order (song ids)
	rng     *rand.Rand
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return NewQueueWithRand(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewQueueWithRand creates an empty queue that shuffles with the given source
func NewQueueWithRand(rng *rand.Rand) *Queue {
	return &Queue{
		songs:   make([]types.Song, 0),
		ordered: make([]int32, 0),
		rng:     rng,
	}
}

// Append adds songs to the end of both orders
func (q *Queue) Append(songs ...types.Song) {
	if len(songs) == 0 {
		return
	}
	q.mu.Lock()
	for _, song := range songs {
		q.songs = append(q.songs, song)
		q.ordered = append(q.ordered, song.ID)
	}
	q.mu.Unlock()
}

// InsertAt inserts a song at index in both orders. index may equal Len().
func (q *Queue) InsertAt(index int, song types.Song) error {
	q.mu.Lock()
	if index < 0 || index > len(q.songs) {
		n := len(q.songs)
		q.mu.Unlock()
		return fmt.Errorf("%w: insert at %d in queue of %d", ErrIndexOutOfRange, index, n)
	}

	q.songs = append(q.songs[:index], append([]types.Song{song}, q.songs[index:]...)...)
	pos := min(index, len(q.ordered))
	q.ordered = append(q.ordered[:pos], append([]int32{song.ID}, q.ordered[pos:]...)...)

	q.mu.Unlock()
	return nil
}

// RemoveAt removes the song at index from the play order, and its identifier
// from the insertion order.
func (q *Queue) RemoveAt(index int) (types.Song, error) {
	q.mu.Lock()
	if index < 0 || index >= len(q.songs) {
		n := len(q.songs)
		q.mu.Unlock()
		return types.Song{}, fmt.Errorf("%w: remove %d from queue of %d", ErrIndexOutOfRange, index, n)
	}

	song := q.songs[index]
	q.songs = append(q.songs[:index], q.songs[index+1:]...)
	if pos := lo.IndexOf(q.ordered, song.ID); pos >= 0 {
		q.ordered = append(q.ordered[:pos], q.ordered[pos+1:]...)
	}

	q.mu.Unlock()
	return song, nil
}

// Clear empties both orders
func (q *Queue) Clear() {
	q.mu.Lock()
	q.songs = make([]types.Song, 0)
	q.ordered = make([]int32, 0)
	q.mu.Unlock()
}

// Get returns the song at index
func (q *Queue) Get(index int) (types.Song, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if index < 0 || index >= len(q.songs) {
		return types.Song{}, false
	}
	return q.songs[index], true
}

// Len returns the number of queued songs
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.songs)
}

// Songs returns a copy of the play order
func (q *Queue) Songs() []types.Song {
	q.mu.RLock()
	defer q.mu.RUnlock()

	songs := make([]types.Song, len(q.songs))
	copy(songs, q.songs)
	return songs
}

// InsertionOrder returns a copy of the insertion order
func (q *Queue) InsertionOrder() []int32 {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ids := make([]int32, len(q.ordered))
	copy(ids, q.ordered)
	return ids
}

// Contains reports whether a song with the same identifier is queued
func (q *Queue) Contains(song types.Song) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return lo.ContainsBy(q.songs, song.Equal)
}

// Swap exchanges two positions of the play order. The insertion order is untouched.
func (q *Queue) Swap(i, j int) error {
	q.mu.Lock()
	if i < 0 || i >= len(q.songs) || j < 0 || j >= len(q.songs) {
		n := len(q.songs)
		q.mu.Unlock()
		return fmt.Errorf("%w: swap %d and %d in queue of %d", ErrIndexOutOfRange, i, j, n)
	}
	q.songs[i], q.songs[j] = q.songs[j], q.songs[i]
	q.mu.Unlock()
	return nil
}

// Shuffle swaps every position except current with a random position other
// than current. The song at current never moves. This is a series of random
// transpositions, not a uniform permutation.
func (q *Queue) Shuffle(current int) {
	q.mu.Lock()
	n := len(q.songs)
	if n == 0 {
		q.mu.Unlock()
		return
	}

	candidates := lo.Filter(lo.Range(n), func(i int, _ int) bool {
		return i != current
	})
	if len(candidates) > 0 {
		for i := 0; i < n; i++ {
			if i == current {
				continue
			}
			j := candidates[q.rng.Intn(len(candidates))]
			q.songs[i], q.songs[j] = q.songs[j], q.songs[i]
		}
	}

	q.mu.Unlock()
}

// Unshuffle restores the play order from the insertion order. For each
// position i the song whose identifier matches ordered[i] is swapped into
// place, unless either position is current. Up to two songs may therefore
// stay out of insertion order.
func (q *Queue) Unshuffle(current int) {
	q.mu.Lock()
	if len(q.songs) == 0 {
		q.mu.Unlock()
		return
	}

	for i := range q.songs {
		if i >= len(q.ordered) {
			break
		}
		id := q.ordered[i]
		_, found, ok := lo.FindIndexOf(q.songs, func(s types.Song) bool {
			return s.ID == id
		})
		if !ok {
			continue
		}
		if i != current && found != current {
			q.songs[i], q.songs[found] = q.songs[found], q.songs[i]
		}
	}

	q.mu.Unlock()
}
