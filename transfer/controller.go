package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/bitrise-io/go-blobtransfer/internal/flow"
)

// ErrCancelled is the cause of transfers stopped with Controller.Cancel.
var ErrCancelled = errors.New("transfer cancelled")

// Pausable is a producer that can be paused and resumed.
type Pausable interface {
	Pause()
	Resume()
}

// Controller pauses, resumes and cancels the transfers it is passed to.
// Pausing stops the producers; chunks already handed to workers still finish.
type Controller struct {
	gate *flow.Gate

	mu      sync.Mutex
	targets map[int]Pausable
	nextID  int
	cancels map[int]context.CancelCauseFunc
	stopped bool
}

// NewController returns a controller in the running state.
func NewController() *Controller {
	return &Controller{
		gate:    flow.NewGate(false),
		targets: map[int]Pausable{},
		cancels: map[int]context.CancelCauseFunc{},
	}
}

// Pause stops every attached producer after its current chunk.
func (c *Controller) Pause() {
	c.gate.Pause()
	for _, t := range c.snapshot() {
		t.Pause()
	}
}

// Resume restarts the attached producers.
func (c *Controller) Resume() {
	c.gate.Resume()
	for _, t := range c.snapshot() {
		t.Resume()
	}
}

// Paused reports whether the controller is paused.
func (c *Controller) Paused() bool {
	return c.gate.Paused()
}

// Cancel stops the running transfers and every transfer started later.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.stopped = true
	cancels := make([]context.CancelCauseFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrCancelled)
	}
}

// bind derives a context that Cancel stops.
func (c *Controller) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel(ErrCancelled)
		return ctx, func() {}
	}
	id := c.nextID
	c.nextID++
	c.cancels[id] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel(context.Canceled)
	}
}

// attach registers p until the returned detach func is called. A paused
// controller pauses p right away.
func (c *Controller) attach(p Pausable) (detach func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.targets[id] = p
	c.mu.Unlock()

	if c.gate.Paused() {
		p.Pause()
	}
	return func() {
		c.mu.Lock()
		delete(c.targets, id)
		c.mu.Unlock()
	}
}

// wait blocks while the controller is paused.
func (c *Controller) wait(ctx context.Context) error {
	return c.gate.Wait(ctx)
}

func (c *Controller) snapshot() []Pausable {
	c.mu.Lock()
	defer c.mu.Unlock()
	targets := make([]Pausable, 0, len(c.targets))
	for _, t := range c.targets {
		targets = append(targets, t)
	}
	return targets
}

// cause returns the reason ctx ended, preferring ErrCancelled.
func cause(ctx context.Context, err error) error {
	if c := context.Cause(ctx); errors.Is(c, ErrCancelled) {
		return ErrCancelled
	}
	return err
}
