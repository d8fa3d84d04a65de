package canbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction tells whether a captured frame was sent or received.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// CaptureRecord is one entry of a capture stream. CBOR encoding uses integer
// keys for compactness.
type CaptureRecord struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Direction Direction `cbor:"2,keyasint"`
	ID        uint32    `cbor:"3,keyasint"`
	Extended  bool      `cbor:"4,keyasint,omitempty"`
	RTR       bool      `cbor:"5,keyasint,omitempty"`
	Len       uint8     `cbor:"6,keyasint"`
	Data      []byte    `cbor:"7,keyasint,omitempty"`
}

// Frame rebuilds the captured frame.
func (r CaptureRecord) Frame() Frame {
	f := Frame{ID: r.ID, Extended: r.Extended, RTR: r.RTR, Len: r.Len}
	copy(f.Data[:], r.Data)
	return f
}

var (
	captureEncMode cbor.EncMode
	captureDecMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	captureEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	captureDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR decoder mode: %v", err))
	}
}

// NewCaptureBus wraps inner and appends every frame sent or received to w as
// a stream of CBOR-encoded CaptureRecords. Encoding errors are ignored so
// capture never disturbs bus traffic. Close closes inner and, if w is an
// io.Closer, w as well.
func NewCaptureBus(inner Bus, w io.Writer) Bus {
	return &captureBus{inner: inner, w: w, enc: captureEncMode.NewEncoder(w), now: time.Now}
}

type captureBus struct {
	inner Bus
	w     io.Writer
	now   func() time.Time

	mu     sync.Mutex
	enc    *cbor.Encoder
	closed bool
}

func (c *captureBus) record(dir Direction, f Frame, at time.Time) {
	rec := CaptureRecord{
		Timestamp: at,
		Direction: dir,
		ID:        f.ID,
		Extended:  f.Extended,
		RTR:       f.RTR,
		Len:       f.Len,
	}
	if !f.RTR {
		rec.Data = f.Payload()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_ = c.enc.Encode(rec)
}

// Send records the frame once the inner bus accepted it.
func (c *captureBus) Send(ctx context.Context, frame Frame) error {
	if err := c.inner.Send(ctx, frame); err != nil {
		return err
	}
	c.record(DirectionOut, frame, c.now())
	return nil
}

// Receive records each frame read from the inner bus.
func (c *captureBus) Receive(ctx context.Context) (Frame, error) {
	r, err := c.ReceiveStamped(ctx)
	return r.Frame, err
}

// ReceiveStamped records received frames with their arrival time.
func (c *captureBus) ReceiveStamped(ctx context.Context) (Received, error) {
	r, err := ReceiveStamped(ctx, c.inner)
	if err == nil {
		c.record(DirectionIn, r.Frame, r.At)
	}
	return r, err
}

func (c *captureBus) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return nil
	}
	err := c.inner.Close()
	if wc, ok := c.w.(io.Closer); ok {
		err = errors.Join(err, wc.Close())
	}
	return err
}

// ReadCapture decodes a capture stream and calls fn for every record until
// EOF. An error from fn stops the iteration and is returned.
func ReadCapture(r io.Reader, fn func(CaptureRecord) error) error {
	dec := captureDecMode.NewDecoder(r)
	for {
		var rec CaptureRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("canbus: decode capture: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
