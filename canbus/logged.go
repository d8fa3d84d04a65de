package canbus

import (
	"context"
	"errors"
	"log/slog"
)

// LogOption selects which directions a logged bus reports.
type LogOption uint8

const (
	LogRead LogOption = 1 << iota
	LogWrite

	LogNone LogOption = 0
	LogAll            = LogRead | LogWrite
)

// LogConfig configures NewLoggedBus.
type LogConfig struct {
	// Level is used for frames; failures are always logged at error level.
	Level slog.Level
	Ops   LogOption
	// Filter limits which frames are logged. Nil logs every frame.
	Filter FrameFilter
	// Annotate adds protocol attributes to each frame record, such as the
	// register a frame addresses.
	Annotate func(Frame) []slog.Attr
}

// NewLoggedBus wraps inner and reports its traffic through logger.
func NewLoggedBus(inner Bus, logger *slog.Logger, cfg LogConfig) Bus {
	return &loggedBus{inner: inner, logger: logger, cfg: cfg}
}

type loggedBus struct {
	inner  Bus
	logger *slog.Logger
	cfg    LogConfig
}

func (l *loggedBus) logFrame(ctx context.Context, msg string, op LogOption, f Frame) {
	if l.cfg.Ops&op == 0 || (l.cfg.Filter != nil && !l.cfg.Filter(f)) {
		return
	}
	if !l.logger.Enabled(ctx, l.cfg.Level) {
		return
	}
	attrs := []slog.Attr{
		slog.Any("id", f.ID),
		slog.Int("len", int(f.Len)),
		slog.Bool("rtr", f.RTR),
		slog.String("frame", f.String()),
	}
	if l.cfg.Annotate != nil {
		attrs = append(attrs, l.cfg.Annotate(f)...)
	}
	l.logger.LogAttrs(ctx, l.cfg.Level, msg, attrs...)
}

// Send logs the frame before handing it on, and the failure if any.
func (l *loggedBus) Send(ctx context.Context, frame Frame) error {
	l.logFrame(ctx, "canbus send", LogWrite, frame)
	err := l.inner.Send(ctx, frame)
	if err != nil && l.cfg.Ops&LogWrite != 0 && ctx.Err() == nil {
		l.logger.LogAttrs(ctx, slog.LevelError, "canbus send error",
			slog.Any("id", frame.ID), slog.Any("error", err))
	}
	return err
}

// Receive logs each frame read. Cancellation and a closed bus end a read
// loop normally and are not logged.
func (l *loggedBus) Receive(ctx context.Context) (Frame, error) {
	r, err := l.ReceiveStamped(ctx)
	return r.Frame, err
}

// ReceiveStamped keeps the arrival time reported by the inner bus.
func (l *loggedBus) ReceiveStamped(ctx context.Context) (Received, error) {
	r, err := ReceiveStamped(ctx, l.inner)
	if err != nil {
		if l.cfg.Ops&LogRead != 0 && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			l.logger.LogAttrs(ctx, slog.LevelError, "canbus receive error", slog.Any("error", err))
		}
		return r, err
	}
	l.logFrame(ctx, "canbus receive", LogRead, r.Frame)
	return r, nil
}

func (l *loggedBus) Close() error {
	return l.inner.Close()
}
