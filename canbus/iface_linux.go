//go:build linux

package canbus

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Link administration for CAN interfaces. Changing flags or the bitrate
// needs CAP_NET_ADMIN; RequireRootOrCapNetAdmin turns the resulting EPERM
// into an actionable message.

// linkFlags runs fn against the interface flags of name. When set is true
// the flags fn returns are written back.
func linkFlags(name string, set bool, fn func(flags uint16) uint16) error {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("canbus: interface %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	flags := fn(ifr.Uint16())
	if !set || flags == ifr.Uint16() {
		return nil
	}
	ifr.SetUint16(flags)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
}

// IsInterfaceUp reports whether IFF_UP is set on name.
func IsInterfaceUp(name string) (bool, error) {
	var up bool
	err := linkFlags(name, false, func(flags uint16) uint16 {
		up = flags&unix.IFF_UP != 0
		return flags
	})
	return up, err
}

// SetInterfaceUp sets IFF_UP on name. It is a no-op when already up.
func SetInterfaceUp(name string) error {
	return RequireRootOrCapNetAdmin(linkFlags(name, true, func(flags uint16) uint16 {
		return flags | unix.IFF_UP
	}))
}

// SetInterfaceDown clears IFF_UP on name.
func SetInterfaceDown(name string) error {
	return RequireRootOrCapNetAdmin(linkFlags(name, true, func(flags uint16) uint16 {
		return flags &^ unix.IFF_UP
	}))
}

// RequireRootOrCapNetAdmin wraps EPERM with a hint to grant CAP_NET_ADMIN.
// Other errors, and nil, pass through.
func RequireRootOrCapNetAdmin(err error) error {
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

// ConfigureBitrate sets the arbitration bitrate of a CAN link through
// iproute2. The link must be down while the bitrate changes. FRC robots run
// their bus at 1 Mbit/s.
func ConfigureBitrate(name string, bitrate uint32) error {
	if bitrate == 0 {
		return errors.New("canbus: invalid bitrate 0")
	}
	if _, err := unix.NewIfreq(name); err != nil {
		return fmt.Errorf("canbus: interface %q: %w", name, err)
	}
	out, err := exec.Command("ip", "link", "set", "dev", name, "type", "can",
		"bitrate", strconv.FormatUint(uint64(bitrate), 10)).CombinedOutput()
	if err != nil {
		return ipLinkError(name, out, err)
	}
	return nil
}

// ipLinkError reports a failed ip invocation. The exit status never carries
// EPERM, so a permission failure is recognised from the command output.
func ipLinkError(name string, out []byte, err error) error {
	out = bytes.TrimSpace(out)
	if bytes.Contains(out, []byte("Operation not permitted")) {
		err = fmt.Errorf("%w: %w", err, unix.EPERM)
	}
	return RequireRootOrCapNetAdmin(fmt.Errorf("canbus: ip link set %s: %w: %s", name, err, out))
}
