package ws

import (
	"context"
	"errors"
	"sync"

	"load_projection/internal/pipeline"
)

// ErrRunActive is returned when a run is requested while another is going.
var ErrRunActive = errors.New("a projection run is already in progress")

// Projector runs projection units. *pipeline.Runner satisfies it.
type Projector interface {
	Run(ctx context.Context, units []pipeline.Unit) *pipeline.RunReport
}

// RunControl starts projection runs in the background, one at a time.
type RunControl struct {
	base   context.Context
	runner Projector

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunControl returns a RunControl whose runs stop when base is cancelled.
func NewRunControl(base context.Context, runner Projector) *RunControl {
	return &RunControl{base: base, runner: runner}
}

// Start launches a run over units and returns immediately.
func (c *RunControl) Start(units []pipeline.Unit) error {
	if len(units) == 0 {
		return errors.New("no units to run")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrRunActive
	}

	ctx, cancel := context.WithCancel(c.base)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	go func() {
		defer close(done)
		defer func() {
			c.mu.Lock()
			c.cancel = nil
			c.mu.Unlock()
			cancel()
		}()
		c.runner.Run(ctx, units)
	}()
	return nil
}

// Cancel stops the active run before its next unit or region. It reports
// whether a run was active.
func (c *RunControl) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

func (c *RunControl) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Wait blocks until the most recently started run has finished.
func (c *RunControl) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}
