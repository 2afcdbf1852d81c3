package templating

import (
	"context"
	"fmt"
	"sync"
)

// Gate is a counting gate bounding concurrent template evaluations.
// Capacity is reconfigurable at runtime; raising it promotes waiters in
// arrival order.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{capacity: capacity}
}

func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inUse < g.capacity {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.abandon(ready)
		return ctx.Err()
	}
}

func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse == 0 {
		panic("templating: release of an unacquired gate slot")
	}
	g.inUse--
	g.promote()
}

// Resize changes capacity. Growth releases queued waiters immediately;
// shrinking takes effect as current holders release.
func (g *Gate) Resize(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("gate capacity must be positive, got %d", capacity)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capacity = capacity
	g.promote()
	return nil
}

func (g *Gate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

func (g *Gate) promote() {
	for g.inUse < g.capacity && len(g.waiters) > 0 {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.inUse++
		close(ready)
	}
}

// abandon removes a waiter whose context expired. If the slot was
// already granted the grant is handed back.
func (g *Gate) abandon(ready chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == ready {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
	// Not queued anymore: the grant raced the cancellation.
	g.inUse--
	g.promote()
}
