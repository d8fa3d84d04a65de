package canduit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTicker_StartStop(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDevice(t, WithProtocol(ProtocolRequest))
	_, err := d.NewDigitalInput(ctx, 0)
	require.NoError(t, err)

	tk := NewTicker(d, time.Millisecond)
	tk.Start(ctx)
	tk.Start(ctx)
	require.Eventually(t, func() bool { return len(ft.requested()) >= 3 }, time.Second, time.Millisecond)
	tk.Stop()
	tk.Stop()

	n := len(ft.requested())
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, n, len(ft.requested()))
}

func TestTicker_RunReturnsContextError(t *testing.T) {
	d, _ := newTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, NewTicker(d, time.Millisecond).Run(ctx), context.DeadlineExceeded)
}
