package audio

import (
	"bytes"
	"sync"
)

// Sentinel marks the end of a song in the buffer. It is never a valid
// packet since real packets are always PacketSize bytes long.
var Sentinel = []byte("END_OF_FILE")

// IsSentinel reports whether packet is the end-of-stream marker
func IsSentinel(packet []byte) bool {
	return bytes.Equal(packet, Sentinel)
}

// Buffer is an append-only list of PCM packets for a single song.
// The network reader appends, the player reads by index.
type Buffer struct {
	mu      sync.RWMutex
	packets [][]byte
}

// NewBuffer creates an empty buffer
func NewBuffer() *Buffer {
	return &Buffer{packets: make([][]byte, 0, 1024)}
}

// Append adds a packet to the end of the buffer
func (b *Buffer) Append(packet []byte) {
	b.mu.Lock()
	b.packets = append(b.packets, packet)
	b.mu.Unlock()
}

// Get returns the packet at index, or false if it has not arrived yet
func (b *Buffer) Get(index int) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index < 0 || index >= len(b.packets) {
		return nil, false
	}
	return b.packets[index], true
}

// Len returns the number of packets received so far, sentinel included
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.packets)
}

// Complete reports whether the sentinel has been appended
func (b *Buffer) Complete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.packets) > 0 && IsSentinel(b.packets[len(b.packets)-1])
}

// Reset drops every packet
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.packets = make([][]byte, 0, 1024)
	b.mu.Unlock()
}
