// Package mock provides an in-memory [audio.Player] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/facerelay/pkg/audio"
)

// Player is a mock implementation of [audio.Player]. It records every
// segment passed to Play. Set PlayError to make Play fail.
type Player struct {
	mu sync.Mutex

	// PlayError is returned by [Player.Play] when non-nil.
	PlayError error

	// Played holds every segment accepted by Play, in order.
	Played []audio.Segment

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// Closed is true after Close.
	Closed bool
}

var _ audio.Player = (*Player)(nil)

// Play implements [audio.Player].
func (p *Player) Play(_ context.Context, seg audio.Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayError != nil {
		return p.PlayError
	}
	p.Played = append(p.Played, seg)
	return nil
}

// Stop implements [audio.Player].
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Segments returns a copy of the recorded segments.
func (p *Player) Segments() []audio.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Segment(nil), p.Played...)
}

// Stops returns how many times Stop was called.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountStop
}
