package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2702rebels/canduit/canduit"
)

// Config holds the command configuration. Values come from the defaults,
// then the optional YAML file, then any flag given explicitly.
type Config struct {
	ConfigFile string `yaml:"-"`
	Dump       string `yaml:"-"`

	Interface string `yaml:"interface"`
	Bitrate   uint32 `yaml:"bitrate"`
	Up        bool   `yaml:"up"`
	Device    uint8  `yaml:"device"`
	Protocol  string `yaml:"protocol"`

	Tick            time.Duration `yaml:"tick"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	BroadcastPeriod time.Duration `yaml:"broadcast_period"`
	PWMSamplePeriod time.Duration `yaml:"pwm_sample_period"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFrames bool   `yaml:"log_frames"`

	Simulate bool   `yaml:"simulate"`
	Capture  string `yaml:"capture"`

	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig opens one channel at startup.
type ChannelConfig struct {
	Pin  int    `yaml:"pin"`
	Mode string `yaml:"mode"`
}

func defaultConfig() Config {
	return Config{
		Interface:      "can0",
		Protocol:       "broadcast",
		Tick:           20 * time.Millisecond,
		RequestTimeout: canduit.DefaultRequestTimeout,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// parseConfig builds the configuration from command-line args.
func parseConfig(args []string, stderr io.Writer) (Config, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("canduit", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var flagCfg Config
	var device uint
	fs.StringVar(&flagCfg.ConfigFile, "config", "", "Configuration file path (YAML)")
	fs.StringVar(&flagCfg.Dump, "dump", "", "Print a capture file and exit")
	fs.StringVar(&flagCfg.Interface, "iface", cfg.Interface, "SocketCAN interface name")
	fs.Func("bitrate", "Configure the interface bitrate before bringing it up (bit/s)", func(s string) error {
		var v uint32
		if _, err := fmt.Sscan(s, &v); err != nil {
			return err
		}
		flagCfg.Bitrate = v
		return nil
	})
	fs.BoolVar(&flagCfg.Up, "up", false, "Bring the interface up before dialing")
	fs.UintVar(&device, "device", 0, "CANduit device number (0-63)")
	fs.StringVar(&flagCfg.Protocol, "protocol", cfg.Protocol, "Read layout: broadcast, request")
	fs.DurationVar(&flagCfg.Tick, "tick", cfg.Tick, "Channel update interval")
	fs.DurationVar(&flagCfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Remote request timeout")
	fs.DurationVar(&flagCfg.BroadcastPeriod, "broadcast-period", 0, "Peripheral status broadcast period (0 leaves it unchanged)")
	fs.DurationVar(&flagCfg.PWMSamplePeriod, "pwm-sample-period", 0, "Peripheral PWM sample period (0 leaves it unchanged)")
	fs.StringVar(&flagCfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&flagCfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text, json")
	fs.BoolVar(&flagCfg.LogFrames, "log-frames", false, "Log every CAN frame at debug level")
	fs.BoolVar(&flagCfg.Simulate, "simulate", false, "Run against a simulated peripheral instead of SocketCAN")
	fs.StringVar(&flagCfg.Capture, "capture", "", "Record all frames to this file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if device > 0xFF {
		return Config{}, fmt.Errorf("device %d out of range (0-63)", device)
	}
	flagCfg.Device = uint8(device)

	if flagCfg.ConfigFile != "" {
		if err := cfg.loadFile(flagCfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	cfg.ConfigFile = flagCfg.ConfigFile
	cfg.Dump = flagCfg.Dump

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "iface":
			cfg.Interface = flagCfg.Interface
		case "bitrate":
			cfg.Bitrate = flagCfg.Bitrate
		case "up":
			cfg.Up = flagCfg.Up
		case "device":
			cfg.Device = flagCfg.Device
		case "protocol":
			cfg.Protocol = flagCfg.Protocol
		case "tick":
			cfg.Tick = flagCfg.Tick
		case "request-timeout":
			cfg.RequestTimeout = flagCfg.RequestTimeout
		case "broadcast-period":
			cfg.BroadcastPeriod = flagCfg.BroadcastPeriod
		case "pwm-sample-period":
			cfg.PWMSamplePeriod = flagCfg.PWMSamplePeriod
		case "log-level":
			cfg.LogLevel = flagCfg.LogLevel
		case "log-format":
			cfg.LogFormat = flagCfg.LogFormat
		case "log-frames":
			cfg.LogFrames = flagCfg.LogFrames
		case "simulate":
			cfg.Simulate = flagCfg.Simulate
		case "capture":
			cfg.Capture = flagCfg.Capture
		}
	})
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the device or the command cannot honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Dump != "" {
		return nil
	}
	if c.Device > 63 {
		errs = append(errs, fmt.Errorf("device %d out of range (0-63)", c.Device))
	}
	if _, err := canduit.ParseProtocol(c.Protocol); err != nil {
		errs = append(errs, err)
	}
	if c.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %v", c.Tick))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout))
	}
	for _, p := range []time.Duration{c.BroadcastPeriod, c.PWMSamplePeriod} {
		if p < 0 || p.Milliseconds() > 0xFFFF {
			errs = append(errs, fmt.Errorf("%w: %v", canduit.ErrInvalidPeriod, p))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if !c.Simulate && c.Interface == "" {
		errs = append(errs, errors.New("interface is required unless simulating"))
	}
	seen := make(map[int]bool)
	for _, ch := range c.Channels {
		if err := canduit.ValidatePin(ch.Pin); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[ch.Pin] {
			errs = append(errs, fmt.Errorf("pin %d listed twice", ch.Pin))
		}
		seen[ch.Pin] = true
		if _, err := parseMode(ch.Mode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// parseMode maps a channel mode name to its pin mode.
func parseMode(s string) (canduit.PinMode, error) {
	switch strings.ToLower(s) {
	case "din", "digital-in", "input":
		return canduit.ModeDigitalIn, nil
	case "dout", "digital-out", "output":
		return canduit.ModeDigitalOut, nil
	case "pwm", "pwm-in":
		return canduit.ModePWMIn, nil
	default:
		return 0, fmt.Errorf("unknown channel mode %q", s)
	}
}
