package registry

import "context"

// RefreshGate serializes discovery passes so two refreshes never
// interleave snapshot construction.
type RefreshGate struct {
	ch chan struct{}
}

func NewRefreshGate() *RefreshGate {
	return &RefreshGate{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or the context ends.
func (g *RefreshGate) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the gate only if it is free. Used by the periodic
// refresher so a tick overlapping a running refresh is skipped, never
// queued.
func (g *RefreshGate) TryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case g.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *RefreshGate) Release() {
	if g == nil {
		return
	}
	select {
	case <-g.ch:
	default:
	}
}
