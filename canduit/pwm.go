package canduit

import (
	"context"

	"github.com/2702rebels/canduit/wire"
)

// Frequency returns the pulse frequency in Hz for a period in nanoseconds,
// or 0 when period is not positive.
func Frequency(period int64) int64 {
	if period <= 0 {
		return 0
	}
	return 1_000_000_000 / period
}

// Duty returns the high fraction of period as a whole percentage, rounded
// half up, or 0 when period is not positive.
func Duty(high, period int64) int64 {
	if period <= 0 {
		return 0
	}
	return (high*100 + period/2) / period
}

// PWMInput measures a pulse train on one pin. Times are in nanoseconds.
type PWMInput struct {
	base
	high   int64
	low    int64
	period int64
}

// Update refreshes the timing. Under ProtocolBroadcast the pin's 8 byte
// [high, period] broadcast is decoded; under ProtocolRequest the period,
// high and low times are requested separately and each is kept until its
// own reply arrives.
func (p *PWMInput) Update(ctx context.Context) error {
	if err := p.checkLive("update"); err != nil {
		return err
	}
	if p.dev.protocol == ProtocolRequest {
		return p.updateByRequest(ctx)
	}
	f, ok := p.dev.readLatest(APIID(ClassPWMBroadcast, uint8(p.pin)), 8)
	if !ok {
		return nil
	}
	v := wire.Unpack(f.Data, 32, 32)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.live("update"); err != nil {
		return err
	}
	p.high = int64(v[0])
	p.period = int64(v[1])
	p.low = p.period - p.high
	p.ts = f.Timestamp
	return nil
}

func (p *PWMInput) updateByRequest(ctx context.Context) error {
	reads := []struct {
		offset int
		dst    *int64
	}{
		{0, &p.period},
		{PWMHighTimeOffset, &p.high},
		{PWMLowTimeOffset, &p.low},
	}
	for _, r := range reads {
		f, ok := p.dev.request(ctx, PWMTimingAPIID(p.pin, r.offset), 4, 0)
		if !ok {
			continue
		}
		p.mu.Lock()
		if err := p.live("update"); err != nil {
			p.mu.Unlock()
			return err
		}
		*r.dst = int64(wire.Int32(f.Data))
		p.ts = f.Timestamp
		p.mu.Unlock()
	}
	return nil
}

func (p *PWMInput) read(op string, fn func() int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.live(op); err != nil {
		return 0, err
	}
	return fn(), nil
}

// Period returns the last measured period.
func (p *PWMInput) Period() (int64, error) {
	return p.read("period", func() int64 { return p.period })
}

// HighTime returns the last measured high time.
func (p *PWMInput) HighTime() (int64, error) {
	return p.read("high time", func() int64 { return p.high })
}

// PulseWidth is HighTime.
func (p *PWMInput) PulseWidth() (int64, error) {
	return p.HighTime()
}

// LowTime returns the last low time, measured under ProtocolRequest and
// derived from period and high time otherwise.
func (p *PWMInput) LowTime() (int64, error) {
	return p.read("low time", func() int64 { return p.low })
}

// Frequency returns the pulse frequency in Hz.
func (p *PWMInput) Frequency() (int64, error) {
	return p.read("frequency", func() int64 { return Frequency(p.period) })
}

// Duty returns the duty cycle in whole percent.
func (p *PWMInput) Duty() (int64, error) {
	return p.read("duty", func() int64 { return Duty(p.high, p.period) })
}

// Close resets the pin to inactive and frees it.
func (p *PWMInput) Close(ctx context.Context) error {
	return p.release(ctx, p)
}

var _ Channel = (*PWMInput)(nil)
