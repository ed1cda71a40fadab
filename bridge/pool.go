package bridge

import (
	"fmt"
	"log"
)

var (
	// ErrPoolExhausted is returned when all contexts are in use. The call is
	// rejected before any script code runs, bounding recursion through the
	// engine.
	ErrPoolExhausted = fmt.Errorf("call context pool exhausted")
)

// Pool is a fixed-capacity set of reusable CallContexts. Contexts are
// preallocated; acquiring never allocates and never blocks.
type Pool struct {
	world World
	free  chan *CallContext
	size  int
	diag  *log.Logger
}

func NewPool(world World, capacity int, localBase uint32) *Pool {
	p := &Pool{
		world: world,
		free:  make(chan *CallContext, capacity),
		size:  capacity,
		diag:  log.Default(),
	}
	for i := 0; i < capacity; i++ {
		p.free <- NewCallContext(world, localBase)
	}
	return p
}

// SetDiagnostics redirects diagnostics from pooled contexts. Applied to each
// context as it is acquired.
func (p *Pool) SetDiagnostics(l *log.Logger) {
	p.diag = l
}

// Acquire reserves a context, reset and ready for a new call. Fails with
// ErrPoolExhausted when capacity is exceeded.
func (p *Pool) Acquire() (*CallContext, error) {
	select {
	case c := <-p.free:
		c.Reset(p.world)
		c.handles.SetDiagnostics(p.diag)
		return c, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Release resets the context and returns it to the pool.
func (p *Pool) Release(c *CallContext) {
	c.Reset(p.world)
	p.free <- c
}

// Capacity returns the fixed pool size.
func (p *Pool) Capacity() int {
	return p.size
}

// InUse returns how many contexts are currently reserved.
func (p *Pool) InUse() int {
	return p.size - len(p.free)
}
