// Package flow contains the pause/resume primitive shared by the producers.
package flow

import (
	"context"
	"sync"
)

// Gate blocks producers while paused.
type Gate struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

// NewGate creates a gate, optionally starting in the paused state.
func NewGate(paused bool) *Gate {
	g := &Gate{resumeCh: make(chan struct{})}
	if paused {
		g.paused = true
	} else {
		close(g.resumeCh)
	}
	return g
}

// Pause closes the gate. Calling it on a paused gate is a no-op.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		return
	}
	g.paused = true
	g.resumeCh = make(chan struct{})
}

// Resume opens the gate and wakes every waiter.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumeCh)
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ch := g.resumeCh
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
