package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"

	"github.com/2702rebels/canduit/canduit"
)

var errQuit = errors.New("quit")

// Console is the interactive front end to a Device.
type Console struct {
	dev   *canduit.Device
	out   io.Writer
	level *slog.LevelVar
}

// NewConsole returns a console printing to out.
func NewConsole(dev *canduit.Device, out io.Writer, level *slog.LevelVar) *Console {
	return &Console{dev: dev, out: out, level: level}
}

// Run reads commands from rl until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, rl *readline.Instance) error {
	c.printHelp()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		if err := c.Exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
		return nil
	case "list", "ls":
		c.cmdList()
		return nil
	case "update":
		c.dev.UpdateAll(ctx)
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "period", "sample":
		return c.cmdPeriod(ctx, cmd, args)
	case "level":
		return c.cmdLevel(args)
	}

	if len(args) == 0 {
		return fmt.Errorf("%s: missing pin (type 'help' for commands)", cmd)
	}
	pin, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("%s: bad pin %q", cmd, args[0])
	}
	args = args[1:]

	switch cmd {
	case "din":
		_, err = c.dev.NewDigitalInput(ctx, pin)
	case "dout":
		_, err = c.dev.NewDigitalOutput(ctx, pin)
	case "pwm":
		_, err = c.dev.NewPWMInput(ctx, pin)
	case "get":
		err = c.cmdGet(pin)
	case "set":
		err = c.cmdSet(ctx, pin, args)
	case "toggle":
		err = c.cmdToggle(ctx, pin)
	case "release", "rm":
		err = c.cmdRelease(ctx, pin)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
	if err == nil && (cmd == "din" || cmd == "dout" || cmd == "pwm") {
		fmt.Fprintf(c.out, "pin %d opened\n", pin)
	}
	return err
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
CANduit Commands:
  Channels:
    din <pin>          - Open a digital input
    dout <pin>         - Open a digital output
    pwm <pin>          - Open a PWM input
    release <pin>      - Close a channel and reset its pin
    list               - List open channels

  Values:
    get <pin>          - Show the channel's last value
    set <pin> <0|1>    - Drive a digital output
    toggle <pin>       - Invert a digital output
    update             - Refresh every channel now

  Peripheral:
    period <ms>        - Set the status broadcast period
    sample <ms>        - Set the PWM sample period

  Other:
    level <name>       - Set log level (debug, info, warn, error)
    help               - Show this help
    quit               - Exit`)
}

func (c *Console) channel(pin int) (canduit.Channel, error) {
	if err := canduit.ValidatePin(pin); err != nil {
		return nil, err
	}
	ch, ok := c.dev.Registry().Owner(pin)
	if !ok {
		return nil, fmt.Errorf("pin %d is not open", pin)
	}
	return ch, nil
}

func (c *Console) cmdList() {
	chans := c.dev.Registry().Channels()
	if len(chans) == 0 {
		fmt.Fprintln(c.out, "no open channels")
		return
	}
	for _, ch := range chans {
		fmt.Fprintf(c.out, "  pin %d  %-11s  %s\n", ch.Pin(), ch.Mode(), c.describe(ch))
	}
}

func (c *Console) describe(ch canduit.Channel) string {
	switch ch := ch.(type) {
	case *canduit.DigitalInput:
		v, err := ch.Get()
		return formatLevel(v, err)
	case *canduit.DigitalOutput:
		v, err := ch.Get()
		return formatLevel(v, err)
	case *canduit.PWMInput:
		period, err := ch.Period()
		if err != nil {
			return err.Error()
		}
		high, _ := ch.HighTime()
		low, _ := ch.LowTime()
		hz, _ := ch.Frequency()
		duty, _ := ch.Duty()
		return fmt.Sprintf("period=%s high=%s low=%s freq=%dHz duty=%d%%",
			time.Duration(period), time.Duration(high), time.Duration(low), hz, duty)
	default:
		return ch.State().String()
	}
}

func formatLevel(v bool, err error) string {
	if err != nil {
		return err.Error()
	}
	if v {
		return "high"
	}
	return "low"
}

func (c *Console) cmdGet(pin int) error {
	ch, err := c.channel(pin)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "pin %d: %s\n", pin, c.describe(ch))
	return nil
}

func (c *Console) output(pin int) (*canduit.DigitalOutput, error) {
	ch, err := c.channel(pin)
	if err != nil {
		return nil, err
	}
	out, ok := ch.(*canduit.DigitalOutput)
	if !ok {
		return nil, fmt.Errorf("pin %d is %s, not a digital output", pin, ch.Mode())
	}
	return out, nil
}

func (c *Console) cmdSet(ctx context.Context, pin int, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: set <pin> <0|1>")
	}
	v, err := strconv.ParseBool(args[0])
	if err != nil {
		return fmt.Errorf("set: bad value %q", args[0])
	}
	out, err := c.output(pin)
	if err != nil {
		return err
	}
	return out.Set(ctx, v)
}

func (c *Console) cmdToggle(ctx context.Context, pin int) error {
	out, err := c.output(pin)
	if err != nil {
		return err
	}
	return out.Toggle(ctx)
}

func (c *Console) cmdRelease(ctx context.Context, pin int) error {
	ch, err := c.channel(pin)
	if err != nil {
		return err
	}
	if err := ch.Close(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "pin %d released\n", pin)
	return nil
}

func (c *Console) cmdPeriod(ctx context.Context, cmd string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <ms>", cmd)
	}
	ms, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("%s: bad period %q", cmd, args[0])
	}
	d := time.Duration(ms) * time.Millisecond
	if cmd == "period" {
		return c.dev.SetBroadcastPeriod(ctx, d)
	}
	return c.dev.SetPWMSamplePeriod(ctx, d)
}

func (c *Console) cmdLevel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: level <debug|info|warn|error>")
	}
	lvl, err := parseLevel(args[0])
	if err != nil {
		return err
	}
	c.level.Set(lvl)
	fmt.Fprintf(c.out, "log level %s\n", lvl)
	return nil
}
