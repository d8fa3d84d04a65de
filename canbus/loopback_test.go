package canbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestLoopbackBus_SendReceive_MultiEndpoint(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()

	a := bus.Open()
	b := bus.Open()
	c := bus.Open()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	send := MustFrame(0x321, []byte("hello"))
	if err := a.Send(ctx, send); err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, ep := range map[string]Bus{"b": b, "c": c} {
		got, err := ep.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %s: %v", name, err)
		}
		if got.ID != send.ID || got.Len != send.Len || !bytes.Equal(got.Data[:got.Len], send.Data[:send.Len]) {
			t.Fatalf("%s mismatch: got %+v want %+v", name, got, send)
		}
		if got.String() != "321 [5] 68 65 6C 6C 6F" {
			t.Fatalf("string: got %q", got.String())
		}
	}
}

func TestLoopbackBus_ReceiveHonoursContext(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	ep := bus.Open()
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ep.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLoopbackBus_CloseBehavior(t *testing.T) {
	ctx := context.Background()
	bus := NewLoopbackBus()
	a := bus.Open()
	b := bus.Open()

	_ = a.Close()
	if _, err := a.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint should error on Receive, got %v", err)
	}
	if err := a.Send(ctx, MustFrame(0x1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint should error on Send, got %v", err)
	}

	_ = bus.Close()
	if _, err := b.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint should error after bus close, got %v", err)
	}
	if err := b.Send(ctx, MustFrame(0x1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint should error on Send after bus close, got %v", err)
	}
	late := bus.Open()
	if _, err := late.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint opened after close should be dead, got %v", err)
	}
}

func ExampleLoopbackBus() {
	ctx := context.Background()
	bus := NewLoopbackBus()
	a := bus.Open()
	b := bus.Open()
	defer a.Close()
	defer b.Close()

	_ = a.Send(ctx, MustFrame(0x123, []byte("hi")))
	f, _ := b.Receive(ctx)
	fmt.Printf("ID=%03X LEN=%d DATA=%x\n", f.ID, f.Len, f.Data[:f.Len])
	// Output: ID=123 LEN=2 DATA=6869
}

func TestLoopbackBus_BackPressure(t *testing.T) {
	bus := NewLoopbackBus(WithQueueDepth(1))
	defer bus.Close()
	a := bus.Open()
	_ = bus.Open()
	if n := bus.Endpoints(); n != 2 {
		t.Fatalf("endpoints: got %d want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Send(ctx, MustFrame(0x10, nil)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.Send(ctx, MustFrame(0x11, nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected back-pressure timeout, got %v", err)
	}

	_ = a.Close()
	if n := bus.Endpoints(); n != 1 {
		t.Fatalf("endpoints after close: got %d want 1", n)
	}
}

func TestLoopbackBus_StampsOnArrival(t *testing.T) {
	ctx := context.Background()
	bus := NewLoopbackBus()
	defer bus.Close()
	a, b := bus.Open(), bus.Open()

	before := time.Now()
	if err := a.Send(ctx, MustFrame(0x42, []byte{1})); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := time.Now()
	time.Sleep(20 * time.Millisecond)

	r, err := ReceiveStamped(ctx, b)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if r.ID != 0x42 {
		t.Fatalf("got %v", r.Frame)
	}
	if r.At.Before(before) || r.At.After(sent) {
		t.Fatalf("stamp %v not within send window [%v, %v]", r.At, before, sent)
	}
}
