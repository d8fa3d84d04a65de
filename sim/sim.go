// Package sim emulates a CANduit peripheral on a canbus.Bus. It answers the
// host's mode, output and configuration writes, serves remote requests and
// emits the status and PWM broadcasts, which is enough to drive a
// canduit.Device without hardware.
package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/2702rebels/canduit/canbus"
	"github.com/2702rebels/canduit/canduit"
	"github.com/2702rebels/canduit/wire"
)

const numPins = canduit.MaxPin + 1

// DefaultBroadcastPeriod is the status broadcast interval before the host
// configures one.
const DefaultBroadcastPeriod = 20 * time.Millisecond

type pwmTiming struct {
	high   uint32
	period uint32
}

// Peripheral is a simulated CANduit with device number id.
type Peripheral struct {
	bus    canbus.Bus
	id     uint8
	accept canbus.FrameFilter
	logger *slog.Logger

	mu              sync.Mutex
	modes           [numPins]canduit.PinMode
	levels          [numPins]bool
	pwm             [numPins]pwmTiming
	broadcastPeriod time.Duration
	samplePeriod    time.Duration
}

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithLogger logs every handled frame at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(p *Peripheral) { p.logger = l }
}

// New attaches a peripheral to bus. Nothing happens until Run is called.
func New(bus canbus.Bus, id uint8, opts ...Option) *Peripheral {
	p := &Peripheral{
		bus:             bus,
		id:              id,
		accept:          canbus.And(canbus.ExtendedOnly(), canbus.ByMask(canduit.ArbitrationID(id, 0), canduit.DeviceMask)),
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		broadcastPeriod: DefaultBroadcastPeriod,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run serves frames addressed to the peripheral until ctx is done or the bus
// fails. It returns nil on cancellation.
func (p *Peripheral) Run(ctx context.Context) error {
	for {
		f, err := p.bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, canbus.ErrClosed) {
				return nil
			}
			return err
		}
		if !p.accept(f) {
			continue
		}
		_, apiID, _ := canduit.ParseArbitrationID(f.ID)
		if err := p.handle(ctx, f, apiID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// RunBroadcast emits Broadcast at the configured broadcast period until ctx
// is done. A zero period pauses broadcasting.
func (p *Peripheral) RunBroadcast(ctx context.Context) error {
	for {
		period := p.BroadcastPeriod()
		wait := period
		if wait <= 0 {
			wait = DefaultBroadcastPeriod
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if period <= 0 {
			continue
		}
		if err := p.Broadcast(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, canbus.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (p *Peripheral) handle(ctx context.Context, f canbus.Frame, apiID uint16) error {
	p.logger.Debug("sim frame", "frame", f.String(), "api_id", apiID)
	if f.RTR {
		return p.answer(ctx, f, apiID)
	}
	class, index := canduit.ParseAPIID(apiID)
	pin := int(index)
	p.mu.Lock()
	defer p.mu.Unlock()
	switch class {
	case canduit.ClassPinMode:
		if pin < numPins && f.Len >= 1 {
			p.modes[pin] = canduit.PinMode(f.Data[0])
			if p.modes[pin] == canduit.ModeInactive {
				p.levels[pin] = false
				p.pwm[pin] = pwmTiming{}
			}
		}
	case canduit.ClassDigital:
		if pin < numPins && f.Len >= 1 && p.modes[pin] == canduit.ModeDigitalOut {
			p.levels[pin] = f.Data[0]&1 == 1
		}
	case canduit.ClassConfig:
		ms := time.Duration(wire.Unpack(f.Payload(), 16)[0]) * time.Millisecond
		switch index {
		case canduit.ConfigBroadcastPeriod:
			p.broadcastPeriod = ms
		case canduit.ConfigPWMSamplePeriod:
			p.samplePeriod = ms
		}
	}
	return nil
}

// answer replies to a remote request with f.Len bytes.
func (p *Peripheral) answer(ctx context.Context, f canbus.Frame, apiID uint16) error {
	var value uint64
	found := false
	p.mu.Lock()
	if class, index := canduit.ParseAPIID(apiID); class == canduit.ClassDigital && int(index) < numPins {
		if p.levels[index] {
			value = 1
		}
		found = true
	}
	for pin := 0; pin < numPins && !found; pin++ {
		t := p.pwm[pin]
		switch apiID {
		case canduit.PWMTimingAPIID(pin, 0):
			value, found = uint64(t.period), true
		case canduit.PWMTimingAPIID(pin, canduit.PWMHighTimeOffset):
			value, found = uint64(t.high), true
		case canduit.PWMTimingAPIID(pin, canduit.PWMLowTimeOffset):
			value, found = uint64(t.period-t.high), true
		}
	}
	p.mu.Unlock()
	if !found {
		return nil
	}
	n := int(f.Len)
	width := n * 8
	if width > 32 {
		width = 32
	}
	reply, err := canbus.NewFrame(f.ID, wire.Pack([]uint64{value}, []int{width}, n))
	if err != nil {
		return err
	}
	reply.Extended = true
	return p.bus.Send(ctx, reply)
}

// Broadcast sends the digital status byte and one PWM frame per PWM pin.
func (p *Peripheral) Broadcast(ctx context.Context) error {
	p.mu.Lock()
	var status byte
	for pin := 0; pin < numPins; pin++ {
		if p.levels[pin] {
			status |= 1 << uint(pin)
		}
	}
	frames := []canbus.Frame{p.frame(canduit.APIID(canduit.ClassDigitalStatus, 0), []byte{status})}
	for pin := 0; pin < numPins; pin++ {
		if p.modes[pin] != canduit.ModePWMIn {
			continue
		}
		t := p.pwm[pin]
		data := append(wire.Pack([]uint64{uint64(t.high)}, []int{32}, 4),
			wire.Pack([]uint64{uint64(t.period)}, []int{32}, 4)...)
		frames = append(frames, p.frame(canduit.APIID(canduit.ClassPWMBroadcast, uint8(pin)), data))
	}
	p.mu.Unlock()
	for _, f := range frames {
		if err := p.bus.Send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peripheral) frame(apiID uint16, data []byte) canbus.Frame {
	f := canbus.MustFrame(canduit.ArbitrationID(p.id, apiID), data)
	f.Extended = true
	return f
}

// SetInput drives the level seen on an input pin.
func (p *Peripheral) SetInput(pin int, v bool) {
	if canduit.ValidatePin(pin) != nil {
		return
	}
	p.mu.Lock()
	p.levels[pin] = v
	p.mu.Unlock()
}

// SetPWM sets the pulse train measured on pin, in nanoseconds.
func (p *Peripheral) SetPWM(pin int, high, period uint32) {
	if canduit.ValidatePin(pin) != nil {
		return
	}
	p.mu.Lock()
	p.pwm[pin] = pwmTiming{high: high, period: period}
	p.mu.Unlock()
}

// Mode returns the mode the host last set for pin.
func (p *Peripheral) Mode(pin int) canduit.PinMode {
	if canduit.ValidatePin(pin) != nil {
		return canduit.ModeInactive
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modes[pin]
}

// Level returns the current level of pin.
func (p *Peripheral) Level(pin int) bool {
	if canduit.ValidatePin(pin) != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levels[pin]
}

// BroadcastPeriod returns the configured status broadcast interval.
func (p *Peripheral) BroadcastPeriod() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broadcastPeriod
}

// SamplePeriod returns the configured PWM sample window.
func (p *Peripheral) SamplePeriod() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samplePeriod
}
