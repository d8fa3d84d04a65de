package canduit

import (
	"sort"
	"sync"
)

// Registry tracks which pins are owned and by which channel. It is the only
// shared mutable state of a Device; Allocate and Release are atomic with
// respect to each other so two callers can never both acquire a pin.
type Registry struct {
	mu     sync.Mutex
	owners map[int]Channel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[int]Channel)}
}

// Allocate records owner for pin. It fails with ErrPinOutOfRange or
// ErrPinInUse and leaves the registry untouched on failure.
func (r *Registry) Allocate(pin int, owner Channel) error {
	if err := ValidatePin(pin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, inUse := r.owners[pin]; inUse {
		return ErrPinInUse
	}
	r.owners[pin] = owner
	return nil
}

// Release frees pin. Releasing a pin that is not allocated, including one
// out of range, is a no-op.
func (r *Registry) Release(pin int) {
	r.mu.Lock()
	delete(r.owners, pin)
	r.mu.Unlock()
}

// releaseOwner frees pin only while owner still holds it.
func (r *Registry) releaseOwner(pin int, owner Channel) {
	r.mu.Lock()
	if cur, ok := r.owners[pin]; ok && cur == owner {
		delete(r.owners, pin)
	}
	r.mu.Unlock()
}

// IsAllocated reports whether pin has an owner.
func (r *Registry) IsAllocated(pin int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[pin]
	return ok
}

// Owner returns the channel owning pin.
func (r *Registry) Owner(pin int) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.owners[pin]
	return ch, ok
}

// Channels returns a snapshot of the owners ordered by pin.
func (r *Registry) Channels() []Channel {
	r.mu.Lock()
	pins := make([]int, 0, len(r.owners))
	for pin := range r.owners {
		pins = append(pins, pin)
	}
	sort.Ints(pins)
	out := make([]Channel, 0, len(pins))
	for _, pin := range pins {
		out = append(out, r.owners[pin])
	}
	r.mu.Unlock()
	return out
}

// Len returns the number of allocated pins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}
