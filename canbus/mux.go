package canbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// FrameFilter decides whether a frame should be delivered to a subscriber.
type FrameFilter func(Frame) bool

// Mux is the single reader of a Bus. It fans each received frame out to the
// subscriptions whose filter accepts it, so request/response exchanges and
// periodic broadcasts can be consumed independently.
//
// A subscriber that falls behind loses frames rather than stalling the
// others; Subscription.Dropped counts them. Send is not proxied.
type Mux struct {
	bus    Bus
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	err  error
}

// Subscription is a filtered stream of frames from a Mux.
type Subscription struct {
	// C delivers matching frames with their arrival time. It is closed by
	// Cancel or when the Mux stops.
	C <-chan Received

	mux     *Mux
	filter  FrameFilter
	ch      chan Received
	dropped atomic.Uint64
}

// NewMux starts reading bus in the background.
func NewMux(bus Bus) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		bus:    bus,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[*Subscription]struct{}),
	}
	go m.run(ctx)
	return m
}

// Subscribe registers filter with a channel of the given buffer size. A nil
// filter accepts every frame. Subscribing to a stopped Mux yields a closed
// channel.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) *Subscription {
	ch := make(chan Received, max(buffer, 0))
	s := &Subscription{C: ch, mux: m, filter: filter, ch: ch}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped() {
		close(ch)
		return s
	}
	m.subs[s] = struct{}{}
	return s
}

// Cancel removes the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Cancel() {
	m := s.mux
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s]; ok {
		delete(m.subs, s)
		close(s.ch)
	}
}

// Dropped returns how many matching frames were discarded because C was
// full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) offer(r Received) {
	if s.filter != nil && !s.filter(r.Frame) {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

// Close stops the reader and closes every subscription. The Bus is left
// open.
func (m *Mux) Close() error {
	m.once.Do(func() {
		m.cancel()
		<-m.done
	})
	return nil
}

// Done is closed once the reader has exited.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the Bus error that stopped the reader, or nil when the Mux was
// closed or is still running.
func (m *Mux) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Mux) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Mux) run(ctx context.Context) {
	var err error
	defer func() {
		m.mu.Lock()
		if ctx.Err() == nil {
			m.err = err
		}
		for s := range m.subs {
			close(s.ch)
		}
		clear(m.subs)
		close(m.done)
		m.mu.Unlock()
	}()
	for {
		var r Received
		r, err = ReceiveStamped(ctx, m.bus)
		if err != nil {
			return
		}
		m.mu.RLock()
		for s := range m.subs {
			s.offer(r)
		}
		m.mu.RUnlock()
	}
}
