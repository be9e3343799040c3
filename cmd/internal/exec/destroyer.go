package exec

import "sync"

// Destroyer tears a session down once and answers whether it is gone.
type Destroyer struct {
	mu        sync.Mutex
	destroyed bool
	actions   []func()
}

// NewDestroyer returns a live Destroyer.
func NewDestroyer() *Destroyer { return &Destroyer{} }

// OnDestroy registers f to run on Destroy. Registered in order, run in order.
// If the session is already destroyed f runs immediately.
func (d *Destroyer) OnDestroy(f func()) {
	if f == nil {
		return
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		f()
		return
	}
	d.actions = append(d.actions, f)
	d.mu.Unlock()
}

// Destroy marks the session destroyed and runs the registered actions.
// Only the first call has an effect.
func (d *Destroyer) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	actions := d.actions
	d.actions = nil
	d.mu.Unlock()

	for _, f := range actions {
		f()
	}
}

// IsDestroyed reports whether Destroy has been called.
func (d *Destroyer) IsDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Guarded wraps an Executor so that each task checks the Destroyer right
// before it runs, not when it is queued.
type Guarded struct {
	next      Executor
	destroyer *Destroyer
}

// NewGuarded builds a Guarded executor.
func NewGuarded(next Executor, d *Destroyer) *Guarded {
	if next == nil {
		next = Immediate{}
	}
	return &Guarded{next: next, destroyer: d}
}

func (g *Guarded) Execute(task func()) {
	if task == nil {
		return
	}
	g.next.Execute(func() {
		if g.destroyer != nil && g.destroyer.IsDestroyed() {
			return
		}
		task()
	})
}
