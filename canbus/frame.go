package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// MaxDataLen is the payload limit of a classical CAN frame.
const MaxDataLen = 8

// Identifier ranges for the two CAN 2.0 formats.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// Frame is a classical CAN 2.0A/2.0B frame. A remote frame (RTR) carries no
// data; its Len is the number of bytes requested from the responder.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	Len      uint8
	Data     [MaxDataLen]byte
}

// Validate checks the identifier against its format and the length against
// the classical payload limit.
func (f Frame) Validate() error {
	limit := uint32(MaxStandardID)
	if f.Extended {
		limit = MaxExtendedID
	}
	switch {
	case f.Len > MaxDataLen:
		return ErrInvalidLen
	case f.ID > limit:
		return ErrInvalidID
	}
	return nil
}

// NewFrame builds a data frame carrying data under id. Identifiers above
// MaxStandardID select the 29-bit format.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, ErrInvalidLen
	}
	f := Frame{ID: id, Extended: id > MaxStandardID, Len: uint8(len(data))}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// MustFrame is NewFrame for literals in tests and examples; it panics on an
// invalid frame.
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// RemoteFrame builds an RTR frame asking for length bytes under id.
func RemoteFrame(id uint32, extended bool, length uint8) Frame {
	return Frame{ID: id, Extended: extended, RTR: true, Len: length}
}

// Payload returns a copy of the first Len data bytes.
func (f Frame) Payload() []byte {
	return append([]byte(nil), f.Data[:min(int(f.Len), MaxDataLen)]...)
}

// String formats the frame the way candump prints it: "123 [2] DE AD" for
// standard ids, eight hex digits for extended ones, "RTR" for remote frames.
func (f Frame) String() string {
	var b strings.Builder
	width := 3
	if f.Extended {
		width = 8
	}
	fmt.Fprintf(&b, "%0*X [%d]", width, f.ID, f.Len)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}

// Kernel struct can_frame: a little-endian can_id word carrying the format
// flags, the DLC byte, three bytes of padding, then the data.
const (
	wireSize    = 16
	wireDLC     = 4
	wireData    = 8
	flagEFF     = 1 << 31
	flagRTR     = 1 << 30
	idFieldMask = MaxExtendedID
)

// MarshalBinary encodes the frame as a kernel struct can_frame.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	word := f.ID
	if f.Extended {
		word |= flagEFF
	}
	if f.RTR {
		word |= flagRTR
	}
	buf := make([]byte, wireSize)
	binary.LittleEndian.PutUint32(buf, word)
	buf[wireDLC] = f.Len
	copy(buf[wireData:], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a kernel struct can_frame.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < wireSize {
		return fmt.Errorf("canbus: can_frame needs %d bytes, got %d", wireSize, len(data))
	}
	word := binary.LittleEndian.Uint32(data)
	*f = Frame{
		Extended: word&flagEFF != 0,
		RTR:      word&flagRTR != 0,
		Len:      data[wireDLC],
	}
	f.ID = word & idFieldMask
	if !f.Extended {
		f.ID &= MaxStandardID
	}
	copy(f.Data[:], data[wireData:wireSize])
	return f.Validate()
}
