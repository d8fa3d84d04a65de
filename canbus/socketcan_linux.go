//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KernelFilter is a CAN_RAW receive filter: a frame is accepted when
// received_id & Mask == ID & Mask. Set Extended to match 29-bit frames only.
type KernelFilter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

func (k KernelFilter) raw() unix.CanFilter {
	f := unix.CanFilter{Id: k.ID, Mask: k.Mask}
	if k.Extended {
		f.Id |= unix.CAN_EFF_FLAG
		f.Mask |= unix.CAN_EFF_FLAG
	}
	return f
}

// pollSlice bounds each poll(2) so a concurrent Close is noticed.
const pollSlice = 50 * time.Millisecond

type socketCAN struct {
	fd     int
	once   sync.Once
	closed chan struct{}
}

// DialSocketCAN opens a non-blocking CAN_RAW socket bound to iface (e.g.
// "can0"). Filters, when given, are installed in the kernel so only matching
// frames reach Receive. Received frames carry the kernel arrival time.
func DialSocketCAN(iface string, filters ...KernelFilter) (Bus, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: socket: %w", err)
	}
	if err := bindRaw(fd, ifi.Index, filters); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &socketCAN{fd: fd, closed: make(chan struct{})}, nil
}

func bindRaw(fd, index int, filters []KernelFilter) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
		return fmt.Errorf("canbus: enable timestamps: %w", err)
	}
	if len(filters) > 0 {
		raw := make([]unix.CanFilter, len(filters))
		for i, f := range filters {
			raw[i] = f.raw()
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, raw); err != nil {
			return fmt.Errorf("canbus: install filters: %w", err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: index}); err != nil {
		return fmt.Errorf("canbus: bind: %w", err)
	}
	return nil
}

func (s *socketCAN) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *socketCAN) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = unix.Close(s.fd)
	})
	return err
}

// Send writes one frame in the kernel can_frame layout, waiting for buffer
// space while the socket reports EAGAIN or ENOBUFS.
func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		if s.isClosed() {
			return ErrClosed
		}
		n, err := unix.Write(s.fd, buf)
		switch {
		case err == nil && n == len(buf):
			return nil
		case err == nil:
			return fmt.Errorf("canbus: short write (%d of %d bytes)", n, len(buf))
		case retryable(err):
			if err := s.await(ctx, unix.POLLOUT); err != nil {
				return err
			}
		default:
			return s.fault(err)
		}
	}
}

// Receive reads one frame, blocking until one arrives, ctx is done, or the
// socket is closed.
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	r, err := s.ReceiveStamped(ctx)
	return r.Frame, err
}

// ReceiveStamped is Receive with the SO_TIMESTAMPNS arrival time.
func (s *socketCAN) ReceiveStamped(ctx context.Context) (Received, error) {
	buf := make([]byte, wireSize)
	oob := make([]byte, unix.CmsgSpace(int(unsafe.Sizeof(unix.Timespec{}))))
	for {
		if s.isClosed() {
			return Received{}, ErrClosed
		}
		n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
		switch {
		case err == nil && n == len(buf):
			var f Frame
			if err := f.UnmarshalBinary(buf); err != nil {
				return Received{}, err
			}
			return Received{Frame: f, At: arrival(oob[:oobn])}, nil
		case err == nil:
			return Received{}, fmt.Errorf("canbus: short read (%d of %d bytes)", n, len(buf))
		case retryable(err):
			if err := s.await(ctx, unix.POLLIN); err != nil {
				return Received{}, err
			}
		default:
			return Received{}, s.fault(err)
		}
	}
}

// arrival extracts the SCM_TIMESTAMPNS control message, falling back to the
// current time when the kernel did not supply one.
func arrival(oob []byte) time.Time {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Now()
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_TIMESTAMPNS {
			continue
		}
		if len(m.Data) < int(unsafe.Sizeof(unix.Timespec{})) {
			break
		}
		ts := (*unix.Timespec)(unsafe.Pointer(&m.Data[0]))
		return time.Unix(ts.Unix())
	}
	return time.Now()
}

func retryable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EINTR)
}

// fault maps errors caused by a concurrent Close to ErrClosed.
func (s *socketCAN) fault(err error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return err
}

// await polls the socket for events in slices of at most pollSlice, bounded
// by the ctx deadline.
func (s *socketCAN) await(ctx context.Context, events int16) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		slice := pollSlice
		if deadline, ok := ctx.Deadline(); ok {
			slice = min(slice, time.Until(deadline))
			if slice <= 0 {
				return context.DeadlineExceeded
			}
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
		n, err := unix.Poll(fds, int((slice+time.Millisecond-1)/time.Millisecond))
		if err != nil && !errors.Is(err, unix.EINTR) {
			return s.fault(err)
		}
		if s.isClosed() {
			return ErrClosed
		}
		if n > 0 {
			return ctx.Err()
		}
	}
}
