package canbus

import (
	"context"
	"sync"
	"time"
)

// DefaultLoopbackDepth is the per-endpoint receive queue length.
const DefaultLoopbackDepth = 64

// LoopbackBus is an in-memory CAN segment. Every frame sent by one endpoint
// reaches all the others in send order; the sender does not hear itself,
// as on a real controller without self-reception.
//
// Frames are stamped when they enter a receive queue, so ReceiveStamped
// reports when a frame reached the endpoint rather than when it was read.
//
// A full receive queue applies back-pressure: Send blocks until the slow
// endpoint reads or the sender's context ends.
type LoopbackBus struct {
	depth int

	mu    sync.RWMutex
	nodes []*loopNode
	down  bool
}

// LoopbackOption configures a LoopbackBus.
type LoopbackOption func(*LoopbackBus)

// WithQueueDepth sets each endpoint's receive queue length.
func WithQueueDepth(n int) LoopbackOption {
	return func(b *LoopbackBus) {
		if n > 0 {
			b.depth = n
		}
	}
}

// NewLoopbackBus returns an empty segment.
func NewLoopbackBus(opts ...LoopbackOption) *LoopbackBus {
	b := &LoopbackBus{depth: DefaultLoopbackDepth}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open attaches a new endpoint. Endpoints opened after Close are already
// closed.
func (b *LoopbackBus) Open() Bus {
	n := &loopNode{seg: b, rx: make(chan Received, b.depth), done: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		n.shut()
		return n
	}
	b.nodes = append(b.nodes, n)
	return n
}

// Endpoints returns the number of attached endpoints.
func (b *LoopbackBus) Endpoints() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// Close detaches and closes every endpoint.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	nodes := b.nodes
	b.nodes, b.down = nil, true
	b.mu.Unlock()
	for _, n := range nodes {
		n.shut()
	}
	return nil
}

func (b *LoopbackBus) peers(of *loopNode) ([]*loopNode, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.down {
		return nil, false
	}
	out := make([]*loopNode, 0, len(b.nodes))
	for _, n := range b.nodes {
		if n != of {
			out = append(out, n)
		}
	}
	return out, true
}

func (b *LoopbackBus) detach(n *loopNode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.nodes {
		if cur == n {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// loopNode is one endpoint. rx is never closed; done marks shutdown.
type loopNode struct {
	seg  *LoopbackBus
	rx   chan Received
	done chan struct{}
	once sync.Once
}

func (n *loopNode) shut() {
	n.once.Do(func() { close(n.done) })
}

func (n *loopNode) isClosed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

func (n *loopNode) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if n.isClosed() {
		return ErrClosed
	}
	peers, ok := n.seg.peers(n)
	if !ok {
		return ErrClosed
	}
	r := Received{Frame: frame, At: time.Now()}
	for _, p := range peers {
		select {
		case p.rx <- r:
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (n *loopNode) Receive(ctx context.Context) (Frame, error) {
	r, err := n.ReceiveStamped(ctx)
	return r.Frame, err
}

func (n *loopNode) ReceiveStamped(ctx context.Context) (Received, error) {
	if n.isClosed() {
		return Received{}, ErrClosed
	}
	select {
	case r := <-n.rx:
		return r, nil
	case <-n.done:
		return Received{}, ErrClosed
	case <-ctx.Done():
		return Received{}, ctx.Err()
	}
}

// Close detaches the endpoint; frames still queued are dropped.
func (n *loopNode) Close() error {
	n.shut()
	n.seg.detach(n)
	return nil
}
