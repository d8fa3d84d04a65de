//go:build !linux

package main

import (
	"errors"
	"log/slog"

	"github.com/2702rebels/canduit/canbus"
)

func dialSocketCAN(Config, *slog.Logger) (canbus.Bus, error) {
	return nil, errors.New("SocketCAN is only available on Linux; use -simulate")
}
