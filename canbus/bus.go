package canbus

import (
	"context"
	"errors"
	"time"
)

// Bus sends and receives CAN frames. Implementations are safe for
// concurrent use.
type Bus interface {
	// Send queues a frame for transmission. It returns the context error if
	// ctx ends first.
	Send(ctx context.Context, frame Frame) error

	// Receive blocks for the next frame or until ctx ends.
	Receive(ctx context.Context) (Frame, error)

	// Close releases the bus. Later calls return ErrClosed.
	Close() error
}

// ErrClosed is returned by a closed bus or endpoint.
var ErrClosed = errors.New("canbus: closed")

// Received is a frame together with the time it reached this host.
type Received struct {
	Frame
	At time.Time
}

// StampedReceiver is implemented by buses that know when a frame arrived,
// which may be well before Receive returns it from a queue.
type StampedReceiver interface {
	ReceiveStamped(ctx context.Context) (Received, error)
}

// ReceiveStamped reads one frame from bus with its arrival time. Buses that
// do not implement StampedReceiver are stamped at the time of the read.
func ReceiveStamped(ctx context.Context, bus Bus) (Received, error) {
	if sr, ok := bus.(StampedReceiver); ok {
		return sr.ReceiveStamped(ctx)
	}
	f, err := bus.Receive(ctx)
	if err != nil {
		return Received{}, err
	}
	return Received{Frame: f, At: time.Now()}, nil
}
