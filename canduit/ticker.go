package canduit

import (
	"context"
	"sync"
	"time"
)

// Ticker calls Device.UpdateAll at a fixed interval. A device never starts
// one itself.
type Ticker struct {
	dev      *Device
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker returns a stopped ticker for dev.
func NewTicker(dev *Device, interval time.Duration) *Ticker {
	return &Ticker{dev: dev, interval: interval}
}

// Run updates dev every interval until ctx is done and returns ctx.Err().
func (t *Ticker) Run(ctx context.Context) error {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			t.dev.UpdateAll(ctx)
		}
	}
}

// Start runs the ticker in the background. Calling Start while running has
// no effect.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = t.Run(ctx)
	}(t.done)
}

// Stop halts a running ticker and waits for the in-progress update.
func (t *Ticker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}
