//go:build linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/2702rebels/canduit/canbus"
	"github.com/2702rebels/canduit/canduit"
)

// dialSocketCAN opens cfg.Interface with a kernel filter for the configured
// device, bringing the link up first when asked.
func dialSocketCAN(cfg Config, logger *slog.Logger) (canbus.Bus, error) {
	if cfg.Up {
		up, err := canbus.IsInterfaceUp(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", cfg.Interface, err)
		}
		if cfg.Bitrate > 0 {
			if up {
				if err := canbus.SetInterfaceDown(cfg.Interface); err != nil {
					return nil, err
				}
				up = false
			}
			if err := canbus.ConfigureBitrate(cfg.Interface, cfg.Bitrate); err != nil {
				return nil, err
			}
			logger.Info("bitrate configured", "iface", cfg.Interface, "bitrate", cfg.Bitrate)
		}
		if !up {
			if err := canbus.SetInterfaceUp(cfg.Interface); err != nil {
				return nil, err
			}
			logger.Info("interface up", "iface", cfg.Interface)
		}
	}
	return canbus.DialSocketCAN(cfg.Interface, canbus.KernelFilter{
		ID:       canduit.ArbitrationID(cfg.Device, 0),
		Mask:     canduit.DeviceMask,
		Extended: true,
	})
}
