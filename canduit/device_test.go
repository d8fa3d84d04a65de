package canduit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T, opts ...Option) (*Device, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	d, err := NewDevice(3, ft, opts...)
	require.NoError(t, err)
	return d, ft
}

func TestNewDevice_InvalidID(t *testing.T) {
	_, err := NewDevice(64, newFakeTransport())
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestDevice_OutputLifecycle(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDevice(t)

	out, err := d.NewDigitalOutput(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, StateActive, out.State())
	assert.True(t, d.Registry().IsAllocated(2))
	assert.Equal(t, []write{{apiID: 0x12, payload: []byte{0x02}}}, ft.written())

	ft.reset()
	require.NoError(t, out.Set(ctx, true))
	assert.Equal(t, []write{{apiID: 0x22, payload: []byte{0x01}}}, ft.written())

	ft.reset()
	require.NoError(t, out.Close(ctx))
	assert.Equal(t, []write{{apiID: 0x12, payload: []byte{0x00}}}, ft.written())
	assert.False(t, d.Registry().IsAllocated(2))
	assert.Equal(t, StateReleased, out.State())

	ft.reset()
	pwm, err := d.NewPWMInput(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []write{{apiID: 0x12, payload: []byte{0x03}}}, ft.written())
	owner, ok := d.Registry().Owner(2)
	require.True(t, ok)
	assert.Same(t, pwm, owner)
}

func TestDevice_AllocationFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDevice(t)

	_, err := d.NewDigitalInput(ctx, 8)
	assert.ErrorIs(t, err, ErrPinOutOfRange)

	_, err = d.NewDigitalInput(ctx, 1)
	require.NoError(t, err)
	ft.reset()

	_, err = d.NewPWMInput(ctx, 1)
	assert.ErrorIs(t, err, ErrPinInUse)
	var pe *PinError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "allocate", pe.Op)
	assert.Equal(t, 1, pe.Pin)
	assert.Empty(t, ft.written())
}

// modeFailTransport fails the first mode write to a pin and accepts the
// rest, so the reset that follows can be observed.
type modeFailTransport struct {
	*fakeTransport
	once sync.Once
}

func (m *modeFailTransport) WriteFrame(ctx context.Context, apiID uint16, payload []byte) error {
	var err error
	m.once.Do(func() { err = errBusDown })
	if err != nil {
		return err
	}
	return m.fakeTransport.WriteFrame(ctx, apiID, payload)
}

func TestDevice_ConfigureFailureReleasesPin(t *testing.T) {
	ctx := context.Background()
	mt := &modeFailTransport{fakeTransport: newFakeTransport()}
	d, err := NewDevice(3, mt)
	require.NoError(t, err)

	_, err = d.NewDigitalOutput(ctx, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBusDown)
	assert.False(t, d.Registry().IsAllocated(4))
	assert.Equal(t, []write{{apiID: 0x14, payload: []byte{0x00}}}, mt.written())

	_, err = d.NewDigitalOutput(ctx, 4)
	assert.NoError(t, err)
}

func TestDevice_CloseTwiceIsAFault(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDevice(t)

	in, err := d.NewDigitalInput(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, in.Close(ctx))
	assert.ErrorIs(t, in.Close(ctx), ErrUseAfterRelease)

	_, err = in.Get()
	assert.ErrorIs(t, err, ErrUseAfterRelease)
	_, err = in.Timestamp()
	assert.ErrorIs(t, err, ErrUseAfterRelease)
	assert.ErrorIs(t, in.Update(ctx), ErrUseAfterRelease)
}

func TestDevice_CloseReleasesWhenResetFails(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDevice(t)

	out, err := d.NewDigitalOutput(ctx, 6)
	require.NoError(t, err)
	ft.fail(APIID(ClassPinMode, 6), errBusDown)

	err = out.Close(ctx)
	assert.ErrorIs(t, err, errBusDown)
	assert.False(t, d.Registry().IsAllocated(6))
}

func TestDevice_CloseAll(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDevice(t)

	_, err := d.NewDigitalInput(ctx, 0)
	require.NoError(t, err)
	_, err = d.NewDigitalOutput(ctx, 1)
	require.NoError(t, err)
	_, err = d.NewPWMInput(ctx, 2)
	require.NoError(t, err)
	ft.fail(APIID(ClassPinMode, 1), errBusDown)
	ft.reset()

	err = d.Close(ctx)
	assert.ErrorIs(t, err, errBusDown)
	assert.Zero(t, d.Registry().Len())
	assert.ElementsMatch(t, []write{
		{apiID: 0x10, payload: []byte{0x00}},
		{apiID: 0x12, payload: []byte{0x00}},
	}, ft.written())
}

func TestDevice_ReadLatest(t *testing.T) {
	d, ft := newTestDevice(t)

	_, ok, err := d.ReadLatest(1, ClassDigital, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ft.push(APIID(ClassDigital, 1), frameOf(10, 1, 2))
	_, ok, err = d.ReadLatest(1, ClassDigital, 1)
	require.NoError(t, err)
	assert.False(t, ok, "length mismatch is no data")

	ft.push(APIID(ClassDigital, 1), frameOf(11, 1))
	f, ok, err := d.ReadLatest(1, ClassDigital, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 11, f.Timestamp)

	_, _, err = d.ReadLatest(9, ClassDigital, 1)
	assert.ErrorIs(t, err, ErrPinOutOfRange)
}

func TestDevice_ReadWithRequest(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDevice(t)

	_, ok, err := d.ReadWithRequest(ctx, 5, ClassDigital, 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ft.reply(APIID(ClassDigital, 5), frameOf(1, 1))
	f, ok, err := d.ReadWithRequest(ctx, 5, ClassDigital, 1, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, f.Data)
	assert.Equal(t, []request{{0x25, 1}, {0x25, 1}}, ft.requested())
}

func TestDevice_ConfigPeriods(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDevice(t)

	require.NoError(t, d.SetBroadcastPeriod(ctx, 20*time.Millisecond))
	require.NoError(t, d.SetPWMSamplePeriod(ctx, 300*time.Millisecond))
	require.NoError(t, d.SetBroadcastPeriod(ctx, 65535*time.Millisecond))
	assert.Equal(t, []write{
		{apiID: 0x60, payload: []byte{20, 0}},
		{apiID: 0x61, payload: []byte{0x2C, 0x01}},
		{apiID: 0x60, payload: []byte{0xFF, 0xFF}},
	}, ft.written())

	assert.ErrorIs(t, d.SetBroadcastPeriod(ctx, 65536*time.Millisecond), ErrInvalidPeriod)
	assert.ErrorIs(t, d.SetPWMSamplePeriod(ctx, -time.Millisecond), ErrInvalidPeriod)
}

func TestDevice_UpdateAllRefreshesChannels(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDevice(t)

	in, err := d.NewDigitalInput(ctx, 0)
	require.NoError(t, err)
	p, err := d.NewPWMInput(ctx, 1)
	require.NoError(t, err)

	ft.push(APIID(ClassDigitalStatus, 0), frameOf(5, 0b1))
	ft.push(APIID(ClassPWMBroadcast, 1), frameOf(6, 0xE8, 0x03, 0, 0, 0xD0, 0x07, 0, 0))
	d.UpdateAll(ctx)

	v, err := in.Get()
	require.NoError(t, err)
	assert.True(t, v)
	period, err := p.Period()
	require.NoError(t, err)
	assert.EqualValues(t, 2000, period)
}

func TestDevice_LogsChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	sink := &recordSink{}
	d, _ := newTestDevice(t, WithLogger(slog.New(sink)))

	in, err := d.NewDigitalInput(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, in.Close(ctx))

	assert.True(t, sink.has(slog.LevelInfo, "channel opened"))
	assert.True(t, sink.has(slog.LevelInfo, "channel released"))
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("Request")
	require.NoError(t, err)
	assert.Equal(t, ProtocolRequest, p)
	p, err = ParseProtocol("")
	require.NoError(t, err)
	assert.Equal(t, ProtocolBroadcast, p)
	_, err = ParseProtocol("poll")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidDevice))
}

type recordSink struct {
	mu      sync.Mutex
	records []slog.Record
}

func (s *recordSink) Enabled(context.Context, slog.Level) bool { return true }
func (s *recordSink) Handle(_ context.Context, r slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r.Clone())
	return nil
}
func (s *recordSink) WithAttrs([]slog.Attr) slog.Handler { return s }
func (s *recordSink) WithGroup(string) slog.Handler      { return s }

func (s *recordSink) has(level slog.Level, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Level == level && r.Message == msg {
			return true
		}
	}
	return false
}
