package canduit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2702rebels/canduit/canbus"
)

// DefaultRequestTimeout bounds a remote request when no timeout is given.
const DefaultRequestTimeout = 10 * time.Millisecond

// Frame is a register frame as seen by the protocol layer. Timestamp is the
// receive time in microseconds since the Unix epoch.
type Frame struct {
	Data      []byte
	Len       uint8
	Timestamp uint64
}

// Transport is what a Device needs from the bus, addressed by API id.
type Transport interface {
	// WriteFrame sends payload under apiID without waiting for a reply.
	WriteFrame(ctx context.Context, apiID uint16, payload []byte) error

	// PollLatest returns the newest frame received under apiID that has not
	// been consumed yet, and marks it consumed.
	PollLatest(apiID uint16) (Frame, bool)

	// RequestAndAwait discards any unconsumed frame under apiID, sends a
	// remote request for length bytes and waits up to timeout for a frame of
	// that length. ok is false on timeout or cancellation.
	RequestAndAwait(ctx context.Context, apiID uint16, length uint8, timeout time.Duration) (Frame, bool)

	Close() error
}

// BusTransport implements Transport for one CANduit on a canbus.Bus using FRC
// extended addressing.
//
// It owns a canbus.Mux on the bus and keeps the newest data frame per API id
// so broadcasts can be polled while requests wait for their own replies.
type BusTransport struct {
	bus    canbus.Bus
	mux    *canbus.Mux
	device uint8
	logger *slog.Logger

	mu      sync.Mutex
	latest  map[uint16]*slot
	waiters map[uint16][]*waiter

	sub  *canbus.Subscription
	done chan struct{}
}

type slot struct {
	frame Frame
	fresh bool
}

// waiter is a pending request. Only frames that arrived after since answer
// it; anything older was already on its way before the RTR was sent.
type waiter struct {
	length uint8
	since  time.Time
	ch     chan Frame
}

// TransportOption configures a BusTransport.
type TransportOption func(*BusTransport)

// WithTransportLogger sets the logger used for dropped frames and timeouts.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *BusTransport) { t.logger = l }
}

// DeviceFilter matches data frames addressed from the given CANduit.
func DeviceFilter(device uint8) canbus.FrameFilter {
	return canbus.And(
		canbus.ExtendedOnly(),
		canbus.DataOnly(),
		canbus.ByMask(ArbitrationID(device, 0), DeviceMask),
	)
}

// FrameAttrs describes the CANduit register a frame addresses, for
// canbus.LogConfig.Annotate. Frames of other devices get no attributes.
func FrameAttrs(f canbus.Frame) []slog.Attr {
	if !f.Extended {
		return nil
	}
	dev, apiID, ok := ParseArbitrationID(f.ID)
	if !ok {
		return nil
	}
	class, index := ParseAPIID(apiID)
	return []slog.Attr{
		slog.Int("canduit", int(dev)),
		slog.String("class", class.String()),
		slog.Int("index", int(index)),
	}
}

// DeviceMask covers every arbitration field except the API id.
const DeviceMask = 0x1FFF003F

// NewBusTransport attaches to bus as the host side of CANduit device. The
// transport reads through its own Mux; bus must not be read elsewhere.
func NewBusTransport(bus canbus.Bus, device uint8, opts ...TransportOption) (*BusTransport, error) {
	if device > maxDeviceID {
		return nil, fmt.Errorf("%w: %d (valid 0..%d)", ErrInvalidDevice, device, maxDeviceID)
	}
	t := &BusTransport{
		bus:     bus,
		mux:     canbus.NewMux(bus),
		device:  device,
		logger:  discardLogger(),
		latest:  make(map[uint16]*slot),
		waiters: make(map[uint16][]*waiter),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sub = t.mux.Subscribe(DeviceFilter(device), 64)
	go t.run()
	return t, nil
}

func (t *BusTransport) run() {
	defer close(t.done)
	for r := range t.sub.C {
		dev, apiID, ok := ParseArbitrationID(r.ID)
		if !ok || dev != t.device {
			continue
		}
		t.store(apiID, Frame{
			Data:      r.Payload(),
			Len:       r.Len,
			Timestamp: uint64(r.At.UnixMicro()),
		}, r.At)
	}
}

func (t *BusTransport) store(apiID uint16, f Frame, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[apiID]
	for i, w := range ws {
		if w.length != f.Len || !at.After(w.since) {
			continue
		}
		// Hand the frame to the first waiting request; it is consumed.
		w.ch <- f
		t.waiters[apiID] = append(ws[:i:i], ws[i+1:]...)
		if len(t.waiters[apiID]) == 0 {
			delete(t.waiters, apiID)
		}
		return
	}
	s, ok := t.latest[apiID]
	if !ok {
		s = &slot{}
		t.latest[apiID] = s
	}
	s.frame = f
	s.fresh = true
}

// WriteFrame sends a data frame of at most 8 bytes under apiID.
func (t *BusTransport) WriteFrame(ctx context.Context, apiID uint16, payload []byte) error {
	f, err := canbus.NewFrame(ArbitrationID(t.device, apiID), payload)
	if err != nil {
		return err
	}
	f.Extended = true
	return t.bus.Send(ctx, f)
}

// PollLatest returns and consumes the newest unconsumed frame under apiID.
func (t *BusTransport) PollLatest(apiID uint16) (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.latest[apiID]
	if !ok || !s.fresh {
		return Frame{}, false
	}
	s.fresh = false
	return s.frame, true
}

// RequestAndAwait drains stale frames under apiID, sends an RTR frame whose
// DLC is length and waits for a reply of that length. Frames that reached
// the bus before the request, including ones still queued for delivery, do
// not answer it. A non-positive timeout uses DefaultRequestTimeout.
func (t *BusTransport) RequestAndAwait(ctx context.Context, apiID uint16, length uint8, timeout time.Duration) (Frame, bool) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	w := &waiter{length: length, since: time.Now(), ch: make(chan Frame, 1)}
	t.mu.Lock()
	if s, ok := t.latest[apiID]; ok {
		s.fresh = false
	}
	t.waiters[apiID] = append(t.waiters[apiID], w)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rtr := canbus.RemoteFrame(ArbitrationID(t.device, apiID), true, length)
	if err := t.bus.Send(ctx, rtr); err != nil {
		t.logger.Debug("canduit request send failed", "api_id", apiID, "error", err)
		return t.abandon(apiID, w)
	}

	select {
	case f := <-w.ch:
		return f, true
	case <-ctx.Done():
		t.logger.Debug("canduit request timed out", "api_id", apiID, "timeout", timeout, "error", ErrNoData)
		return t.abandon(apiID, w)
	}
}

// abandon removes w from the waiters. A reply that raced the timeout is
// still returned.
func (t *BusTransport) abandon(apiID uint16, w *waiter) (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[apiID]
	for i, cur := range ws {
		if cur == w {
			t.waiters[apiID] = append(ws[:i:i], ws[i+1:]...)
			if len(t.waiters[apiID]) == 0 {
				delete(t.waiters, apiID)
			}
			return Frame{}, false
		}
	}
	select {
	case f := <-w.ch:
		return f, true
	default:
		return Frame{}, false
	}
}

// Dropped returns how many frames were lost because the receive queue was
// full.
func (t *BusTransport) Dropped() uint64 { return t.sub.Dropped() }

// Close stops receiving. The underlying bus stays open and belongs to the
// caller.
func (t *BusTransport) Close() error {
	err := t.mux.Close()
	<-t.done
	if n := t.sub.Dropped(); n > 0 {
		t.logger.Warn("canduit frames dropped", "device", t.device, "count", n)
	}
	if merr := t.mux.Err(); merr != nil {
		t.logger.Debug("canduit bus reader stopped", "error", merr)
	}
	return err
}

var _ Transport = (*BusTransport)(nil)
