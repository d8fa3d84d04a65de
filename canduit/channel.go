package canduit

import (
	"context"
	"fmt"
	"sync"
)

// State is the lifecycle stage of a channel.
type State uint8

const (
	StateConfiguring State = iota
	StateActive
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Channel is one pin bound to one mode. The implementations are
// *DigitalInput, *DigitalOutput and *PWMInput.
type Channel interface {
	Pin() int
	Mode() PinMode
	State() State

	// Update refreshes the channel's value from the bus. A quiet bus is not
	// an error; the previous value is kept.
	Update(ctx context.Context) error

	// Close resets the pin to inactive and frees it. The channel must not
	// be used afterwards; a blocking read still in flight on another
	// goroutine is the caller's to finish first.
	Close(ctx context.Context) error

	channel()
}

// base carries what every channel kind shares.
type base struct {
	dev  *Device
	pin  int
	mode PinMode

	mu    sync.Mutex
	state State
	ts    uint64
}

func (b *base) setup(d *Device, pin int, mode PinMode) {
	b.dev, b.pin, b.mode, b.state = d, pin, mode, StateConfiguring
}

func (b *base) Pin() int      { return b.pin }
func (b *base) Mode() PinMode { return b.mode }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) channel() {}

// live reports ErrUseAfterRelease once the channel is closed. Callers hold
// b.mu.
func (b *base) live(op string) error {
	if b.state == StateReleased {
		return pinErr(op, b.pin, ErrUseAfterRelease)
	}
	return nil
}

// checkLive is live under the lock, for paths that must not hold it while
// talking to the bus.
func (b *base) checkLive(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live(op)
}

// release marks the channel released, resets the pin and frees it. The
// registry entry is dropped even when the reset write fails.
func (b *base) release(ctx context.Context, owner Channel) error {
	b.mu.Lock()
	if err := b.live("close"); err != nil {
		b.mu.Unlock()
		return err
	}
	b.state = StateReleased
	b.mu.Unlock()

	err := b.dev.ConfigurePin(ctx, b.pin, ModeInactive)
	b.dev.reg.releaseOwner(b.pin, owner)
	b.dev.logger.Info("channel released", "pin", b.pin, "mode", b.mode)
	return pinErr("close", b.pin, err)
}

// Timestamp returns when the current value was decoded or commanded, in
// microseconds since the Unix epoch. Zero means no value yet.
func (b *base) Timestamp() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.live("timestamp"); err != nil {
		return 0, err
	}
	return b.ts, nil
}
