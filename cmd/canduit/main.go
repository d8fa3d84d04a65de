// Command canduit drives a CANduit GPIO peripheral from a Linux host.
//
// It opens channels listed in the configuration, refreshes them on a fixed
// tick and offers an interactive console to open, read, drive and release
// pins.
//
// Usage:
//
//	canduit [flags]
//
// Flags:
//
//	-config string            Configuration file path (YAML)
//	-iface string             SocketCAN interface name (default "can0")
//	-up                       Bring the interface up before dialing
//	-bitrate uint             Configure the interface bitrate first
//	-device uint              CANduit device number (0-63)
//	-protocol string          Read layout: broadcast, request (default "broadcast")
//	-tick duration            Channel update interval (default 20ms)
//	-request-timeout duration Remote request timeout (default 10ms)
//	-broadcast-period duration
//	-pwm-sample-period duration
//	-log-level string         debug, info, warn, error (default "info")
//	-log-format string        text, json (default "text")
//	-log-frames               Log every CAN frame at debug level
//	-simulate                 Use a simulated peripheral on an in-memory bus
//	-capture string           Record all frames to a CBOR capture file
//	-dump string              Print a capture file and exit
//
// Examples:
//
//	# Try the console without hardware
//	canduit -simulate -log-level debug
//
//	# Drive device 4 on can0 at 1 Mbit/s
//	sudo canduit -iface can0 -up -bitrate 1000000 -device 4
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2702rebels/canduit/canbus"
	"github.com/2702rebels/canduit/canduit"
	"github.com/2702rebels/canduit/sim"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "canduit: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseConfig(args, os.Stderr)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Dump != "" {
		return dumpCapture(cfg.Dump, os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "canduit> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	level := new(slog.LevelVar)
	lvl, _ := parseLevel(cfg.LogLevel)
	level.Set(lvl)
	logger := newLogger(rl.Stderr(), level, cfg.LogFormat).With("session", uuid.New().String())

	g, gctx := errgroup.WithContext(ctx)

	bus, err := openBus(gctx, g, cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	protocol, _ := canduit.ParseProtocol(cfg.Protocol)
	tr, err := canduit.NewBusTransport(bus, cfg.Device,
		canduit.WithTransportLogger(logger.With("component", "transport")))
	if err != nil {
		return err
	}
	defer tr.Close()

	dev, err := canduit.NewDevice(cfg.Device, tr,
		canduit.WithProtocol(protocol),
		canduit.WithRequestTimeout(cfg.RequestTimeout),
		canduit.WithLogger(logger.With("component", "device")))
	if err != nil {
		return err
	}
	logger.Info("device session started",
		"device", cfg.Device, "protocol", protocol, "simulate", cfg.Simulate)

	if err := configure(ctx, dev, cfg); err != nil {
		_ = dev.Close(context.WithoutCancel(ctx))
		return err
	}

	console := NewConsole(dev, rl.Stdout(), level)
	ticker := canduit.NewTicker(dev, cfg.Tick)

	g.Go(func() error {
		err := ticker.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		return console.Run(gctx, rl)
	})
	g.Go(func() error {
		<-gctx.Done()
		return rl.Close()
	})

	err = g.Wait()
	if cerr := dev.Close(context.WithoutCancel(ctx)); cerr != nil {
		logger.Warn("release on exit", "error", cerr)
	}
	return err
}

// openBus returns the host side of the link, decorated for capture and frame
// logging. With -simulate the peripheral's goroutines join g, and the
// simulated segment stays up until the returned bus is closed so pin resets
// on exit still reach it.
func openBus(ctx context.Context, g *errgroup.Group, cfg Config, logger *slog.Logger) (canbus.Bus, error) {
	var bus canbus.Bus
	if cfg.Simulate {
		lb := canbus.NewLoopbackBus()
		peri := sim.New(lb.Open(), cfg.Device, sim.WithLogger(logger.With("component", "sim")))
		g.Go(func() error { return peri.Run(ctx) })
		g.Go(func() error { return peri.RunBroadcast(ctx) })
		bus = segmentBus{Bus: lb.Open(), seg: lb}
	} else {
		b, err := dialSocketCAN(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
		}
		bus = b
	}

	if cfg.Capture != "" {
		f, err := os.Create(cfg.Capture)
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("create capture: %w", err)
		}
		bus = canbus.NewCaptureBus(bus, f)
		logger.Info("capturing frames", "path", cfg.Capture)
	}
	if cfg.LogFrames {
		bus = canbus.NewLoggedBus(bus, logger.With("component", "bus"), canbus.LogConfig{
			Level:    slog.LevelDebug,
			Ops:      canbus.LogAll,
			Annotate: canduit.FrameAttrs,
		})
	}
	return bus, nil
}

// segmentBus is the host endpoint of a simulated segment. Closing it tears
// the whole segment down.
type segmentBus struct {
	canbus.Bus
	seg *canbus.LoopbackBus
}

func (s segmentBus) ReceiveStamped(ctx context.Context) (canbus.Received, error) {
	return canbus.ReceiveStamped(ctx, s.Bus)
}

func (s segmentBus) Close() error {
	return errors.Join(s.Bus.Close(), s.seg.Close())
}

// configure applies the peripheral settings and opens the startup channels.
func configure(ctx context.Context, dev *canduit.Device, cfg Config) error {
	if cfg.BroadcastPeriod > 0 {
		if err := dev.SetBroadcastPeriod(ctx, cfg.BroadcastPeriod); err != nil {
			return err
		}
	}
	if cfg.PWMSamplePeriod > 0 {
		if err := dev.SetPWMSamplePeriod(ctx, cfg.PWMSamplePeriod); err != nil {
			return err
		}
	}
	for _, ch := range cfg.Channels {
		mode, _ := parseMode(ch.Mode)
		var err error
		switch mode {
		case canduit.ModeDigitalIn:
			_, err = dev.NewDigitalInput(ctx, ch.Pin)
		case canduit.ModeDigitalOut:
			_, err = dev.NewDigitalOutput(ctx, ch.Pin)
		case canduit.ModePWMIn:
			_, err = dev.NewPWMInput(ctx, ch.Pin)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// dumpCapture prints a capture file in candump-like form.
func dumpCapture(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return canbus.ReadCapture(f, func(rec canbus.CaptureRecord) error {
		fr := rec.Frame()
		line := fmt.Sprintf("%s %-3s %s", rec.Timestamp.Format("15:04:05.000000"), rec.Direction, fr)
		if fr.Extended {
			if dev, apiID, ok := canduit.ParseArbitrationID(fr.ID); ok {
				class, index := canduit.ParseAPIID(apiID)
				line += fmt.Sprintf("  dev=%d %s[%d]", dev, class, index)
			}
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}
