package canduit

import (
	"errors"
	"fmt"
)

var (
	// ErrPinOutOfRange reports a pin index outside [MinPin, MaxPin]. It is
	// returned before anything is sent on the bus.
	ErrPinOutOfRange = errors.New("canduit: pin out of range")

	// ErrPinInUse reports an allocation on a pin that already has an owner.
	ErrPinInUse = errors.New("canduit: pin in use")

	// ErrUseAfterRelease reports a call on a channel that has been closed.
	ErrUseAfterRelease = errors.New("canduit: channel used after release")

	// ErrNoData marks a read that found nothing. Read paths report absence
	// through their ok result; the transport attaches ErrNoData to the log
	// record of a request that timed out.
	ErrNoData = errors.New("canduit: no data")

	// ErrInvalidDevice reports a device number that does not fit the
	// 6-bit device field of the arbitration id.
	ErrInvalidDevice = errors.New("canduit: invalid device number")

	// ErrInvalidPeriod reports a configuration period outside 0..65535ms.
	ErrInvalidPeriod = errors.New("canduit: invalid period")
)

// PinError records the operation and pin that failed.
type PinError struct {
	Op  string
	Pin int
	Err error
}

func (e *PinError) Error() string {
	return fmt.Sprintf("canduit: %s pin %d: %v", e.Op, e.Pin, e.Err)
}

func (e *PinError) Unwrap() error { return e.Err }

func pinErr(op string, pin int, err error) error {
	if err == nil {
		return nil
	}
	return &PinError{Op: op, Pin: pin, Err: err}
}
