package canduit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2702rebels/canduit/wire"
)

// Protocol selects the firmware revision's read layout.
type Protocol uint8

const (
	// ProtocolBroadcast reads digital state from the shared status broadcast
	// and PWM timing from one 8 byte broadcast per pin.
	ProtocolBroadcast Protocol = iota
	// ProtocolRequest reads every value with a remote request.
	ProtocolRequest
)

func (p Protocol) String() string {
	switch p {
	case ProtocolBroadcast:
		return "broadcast"
	case ProtocolRequest:
		return "request"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// ParseProtocol accepts the names produced by Protocol.String.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "broadcast":
		return ProtocolBroadcast, nil
	case "request":
		return ProtocolRequest, nil
	default:
		return 0, fmt.Errorf("canduit: unknown protocol %q", s)
	}
}

// Device is a session with one CANduit. It is the only component that talks
// to the Transport and the only way to obtain channels.
type Device struct {
	id       uint8
	t        Transport
	reg      *Registry
	protocol Protocol
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	statusMu  sync.Mutex
	status    Frame
	statusSeq uint64
}

// Option configures a Device.
type Option func(*Device)

// WithProtocol selects the read layout. The default is ProtocolBroadcast.
func WithProtocol(p Protocol) Option {
	return func(d *Device) { d.protocol = p }
}

// WithRequestTimeout bounds each remote request. Non-positive values keep
// DefaultRequestTimeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger sets the device logger. Channels log through it too.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source used for output timestamps. Received
// frames are stamped by the transport in wall-clock microseconds, and an
// output compares the two, so the clock must run on the same timeline.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDevice starts a session with CANduit id over t.
func NewDevice(id uint8, t Transport, opts ...Option) (*Device, error) {
	if id > maxDeviceID {
		return nil, fmt.Errorf("%w: %d (valid 0..%d)", ErrInvalidDevice, id, maxDeviceID)
	}
	d := &Device{
		id:      id,
		t:       t,
		reg:     NewRegistry(),
		timeout: DefaultRequestTimeout,
		logger:  discardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("device", id)
	return d, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ID returns the CANduit device number.
func (d *Device) ID() uint8 { return d.id }

// Protocol returns the read layout in use.
func (d *Device) Protocol() Protocol { return d.protocol }

// Registry exposes pin ownership for inspection.
func (d *Device) Registry() *Registry { return d.reg }

// ConfigurePin writes mode for pin. The write is fire-and-forget; the
// peripheral is expected to apply it before later reads.
func (d *Device) ConfigurePin(ctx context.Context, pin int, mode PinMode) error {
	return d.Write(ctx, pin, ClassPinMode, []byte{byte(mode)})
}

// Write sends payload under class at pin's index.
func (d *Device) Write(ctx context.Context, pin int, class RegisterClass, payload []byte) error {
	if err := ValidatePin(pin); err != nil {
		return err
	}
	return d.t.WriteFrame(ctx, APIID(class, uint8(pin)), payload)
}

// ReadLatest returns the newest unconsumed frame under class at pin's index
// when its length is length. A missing or mis-sized frame is not an error;
// ok is false and err is nil. err is only set for a bad pin.
func (d *Device) ReadLatest(pin int, class RegisterClass, length uint8) (Frame, bool, error) {
	if err := ValidatePin(pin); err != nil {
		return Frame{}, false, err
	}
	f, ok := d.readLatest(APIID(class, uint8(pin)), length)
	return f, ok, nil
}

func (d *Device) readLatest(apiID uint16, length uint8) (Frame, bool) {
	f, ok := d.t.PollLatest(apiID)
	if !ok {
		return Frame{}, false
	}
	if f.Len != length || len(f.Data) < int(length) {
		class, index := ParseAPIID(apiID)
		d.logger.Debug("dropping frame with unexpected length",
			"class", class, "index", index, "len", f.Len, "want", length)
		return Frame{}, false
	}
	return f, true
}

// ReadWithRequest asks the peripheral for length bytes under class at pin's
// index and waits up to timeout for the reply. A non-positive timeout uses
// the device default. A timeout is not an error; ok is false and the caller
// keeps its previous value.
func (d *Device) ReadWithRequest(ctx context.Context, pin int, class RegisterClass, length uint8, timeout time.Duration) (Frame, bool, error) {
	if err := ValidatePin(pin); err != nil {
		return Frame{}, false, err
	}
	f, ok := d.request(ctx, APIID(class, uint8(pin)), length, timeout)
	return f, ok, nil
}

func (d *Device) request(ctx context.Context, apiID uint16, length uint8, timeout time.Duration) (Frame, bool) {
	if timeout <= 0 {
		timeout = d.timeout
	}
	f, ok := d.t.RequestAndAwait(ctx, apiID, length, timeout)
	if !ok {
		return Frame{}, false
	}
	if f.Len != length || len(f.Data) < int(length) {
		return Frame{}, false
	}
	return f, true
}

// digitalStatus returns the newest status broadcast and its sequence number.
// A fresh frame replaces the cached one so every digital channel sees it
// during the same tick.
func (d *Device) digitalStatus() (Frame, uint64, bool) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	if f, ok := d.readLatest(APIID(ClassDigitalStatus, 0), 1); ok {
		d.status = f
		d.statusSeq++
	}
	if d.statusSeq == 0 {
		return Frame{}, 0, false
	}
	return d.status, d.statusSeq, true
}

func (d *Device) timestamp() uint64 {
	return uint64(d.now().UnixMicro())
}

// SetBroadcastPeriod sets how often the peripheral broadcasts its status.
// The period is sent in whole milliseconds and must fit 16 bits.
func (d *Device) SetBroadcastPeriod(ctx context.Context, period time.Duration) error {
	return d.writeConfig(ctx, ConfigBroadcastPeriod, period)
}

// SetPWMSamplePeriod sets the peripheral's PWM measurement window.
func (d *Device) SetPWMSamplePeriod(ctx context.Context, period time.Duration) error {
	return d.writeConfig(ctx, ConfigPWMSamplePeriod, period)
}

func (d *Device) writeConfig(ctx context.Context, index uint8, period time.Duration) error {
	ms := period.Milliseconds()
	if period < 0 || ms > 0xFFFF {
		return fmt.Errorf("%w: %v", ErrInvalidPeriod, period)
	}
	payload := wire.Pack([]uint64{uint64(ms)}, []int{16}, 2)
	if err := d.t.WriteFrame(ctx, APIID(ClassConfig, index), payload); err != nil {
		return fmt.Errorf("canduit: write config %d: %w", index, err)
	}
	d.logger.Info("config written", "index", index, "period", period)
	return nil
}

// NewDigitalInput claims pin as a digital input.
func (d *Device) NewDigitalInput(ctx context.Context, pin int) (*DigitalInput, error) {
	in := &DigitalInput{}
	in.setup(d, pin, ModeDigitalIn)
	if err := d.open(ctx, in, &in.base); err != nil {
		return nil, err
	}
	return in, nil
}

// NewDigitalOutput claims pin as a digital output. The output level is
// whatever the peripheral holds until Set is called.
func (d *Device) NewDigitalOutput(ctx context.Context, pin int) (*DigitalOutput, error) {
	out := &DigitalOutput{}
	out.setup(d, pin, ModeDigitalOut)
	if err := d.open(ctx, out, &out.base); err != nil {
		return nil, err
	}
	return out, nil
}

// NewPWMInput claims pin as a PWM input.
func (d *Device) NewPWMInput(ctx context.Context, pin int) (*PWMInput, error) {
	p := &PWMInput{}
	p.setup(d, pin, ModePWMIn)
	if err := d.open(ctx, p, &p.base); err != nil {
		return nil, err
	}
	return p, nil
}

// open allocates the pin for ch and sets its mode. Nothing is written when
// allocation fails; a failed mode write resets the pin and frees it.
func (d *Device) open(ctx context.Context, ch Channel, b *base) error {
	if err := d.reg.Allocate(b.pin, ch); err != nil {
		return pinErr("allocate", b.pin, err)
	}
	if err := d.ConfigurePin(ctx, b.pin, b.mode); err != nil {
		b.mu.Lock()
		b.state = StateReleased
		b.mu.Unlock()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		if rerr := d.ConfigurePin(rctx, b.pin, ModeInactive); rerr != nil {
			d.logger.Debug("reset after failed configure", "pin", b.pin, "error", rerr)
		}
		cancel()
		d.reg.releaseOwner(b.pin, ch)
		return pinErr("configure", b.pin, err)
	}
	b.mu.Lock()
	b.state = StateActive
	b.mu.Unlock()
	d.logger.Info("channel opened", "pin", b.pin, "mode", b.mode)
	return nil
}

// UpdateAll refreshes every allocated channel once. Channels released
// while the snapshot is walked are skipped.
func (d *Device) UpdateAll(ctx context.Context) {
	for _, ch := range d.reg.Channels() {
		if ctx.Err() != nil {
			return
		}
		if err := ch.Update(ctx); err != nil && !errors.Is(err, ErrUseAfterRelease) {
			d.logger.Debug("channel update failed", "pin", ch.Pin(), "error", err)
		}
	}
}

// Close releases every channel, resetting each pin to inactive. The
// transport is left open. Failures are joined; the registry is empty
// afterwards either way.
func (d *Device) Close(ctx context.Context) error {
	var errs []error
	for _, ch := range d.reg.Channels() {
		if err := ch.Close(ctx); err != nil && !errors.Is(err, ErrUseAfterRelease) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
