package driver

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/arcaluminis-ws2812/internal/framebuf"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw/sim"
	"github.com/coreman2200/arcaluminis-ws2812/internal/timing"
)

func setup(t *testing.T, n int, opts ...sim.Option) (*Driver, *sim.Port, *sim.Clock) {
	t.Helper()
	b, err := framebuf.New(n, timing.Default())
	require.NoError(t, err)
	c := sim.NewClock()
	port := sim.New(opts...)
	d, err := New(port, b, WithClock(c))
	require.NoError(t, err)
	return d, port, c
}

// pattern renders a captured frame's LED cells as bit groups of 8.
func pattern(frame []byte, n int) []string {
	p := timing.Default()
	var out []string
	for i := 0; i < n*3; i++ {
		var sb strings.Builder
		for _, c := range frame[i*8 : i*8+8] {
			switch c {
			case p.High:
				sb.WriteByte('1')
			case p.Low:
				sb.WriteByte('0')
			default:
				sb.WriteByte('?')
			}
		}
		out = append(out, sb.String())
	}
	return out
}

func TestShowThreeLEDs(t *testing.T) {
	d, port, _ := setup(t, 3)
	b := d.Buffer()
	require.NoError(t, b.SetColor(0, 255, 0, 0))
	require.NoError(t, b.SetColor(1, 0, 255, 0))
	require.NoError(t, b.SetColor(2, 0, 0, 255))

	require.NoError(t, d.Show())

	frames := port.Frames()
	require.Len(t, frames, 1)
	frame := frames[0]
	require.Len(t, frame, 3*24+timing.DefaultResetLen)
	assert.Equal(t, []string{
		"00000000", "11111111", "00000000",
		"11111111", "00000000", "00000000",
		"00000000", "00000000", "11111111",
	}, pattern(frame, 3))
	assert.Equal(t, make([]byte, timing.DefaultResetLen), frame[72:])
	assert.Equal(t, Idle, d.State())
	assert.True(t, port.Idle())
}

func TestShowNoLEDs(t *testing.T) {
	d, port, _ := setup(t, 0)
	require.NoError(t, d.Show())
	frames := port.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, make([]byte, timing.DefaultResetLen), frames[0])
}

func TestShowIsRepeatable(t *testing.T) {
	d, port, _ := setup(t, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Buffer().SetColorPacked(i, framebuf.Pack(uint8(i), uint8(i*20), 0x7F)))
	}
	require.NoError(t, d.Show())
	require.NoError(t, d.Show())
	frames := port.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, frames[0], frames[1])
	assert.Equal(t, uint64(2), d.Stats().Frames)
}

func TestArmingOrder(t *testing.T) {
	d, port, _ := setup(t, 2)
	assert.Equal(t, []string{"timer:config", "dma:config"}, port.Events())
	assert.Equal(t, hw.FrameDMA, port.DMA())
	assert.Equal(t, hw.TimerConfig{Period: 59, Channel: DefaultChannel, Preload: true}, port.Timer())

	port.ResetEvents()
	require.NoError(t, d.Show())
	assert.Equal(t, []string{
		"timer:counter=59",
		"dma:source",
		"dma:length=98",
		"dma:on",
		"timer:on",
		"dma:off",
		"timer:off",
		"dma:clear",
	}, port.Events())
	assert.Equal(t, []uint32{59}, port.Phases())
	assert.Zero(t, port.Aborted())
}

func TestShowRezerosGap(t *testing.T) {
	d, port, _ := setup(t, 1)
	gap := d.Buffer().Bytes()[24:]
	gap[3] = 0xFF
	require.NoError(t, d.Show())
	assert.Equal(t, make([]byte, len(gap)), port.Frames()[0][24:])
}

func TestShowWaitsForWireTime(t *testing.T) {
	b, err := framebuf.New(60, timing.Default())
	require.NoError(t, err)
	c := sim.NewClock()
	port := sim.New(sim.WithClock(c, b.Params()))
	d, err := New(port, b, WithClock(c), WithPollInterval(5*time.Microsecond))
	require.NoError(t, err)

	require.NoError(t, d.Show())
	slept, polls := c.Slept()
	assert.GreaterOrEqual(t, slept, d.FrameDuration())
	assert.Greater(t, polls, 1)
	assert.GreaterOrEqual(t, d.Stats().Last, d.FrameDuration())
	assert.Equal(t, 1862500*time.Nanosecond, d.FrameDuration())
}

func TestShowTimeout(t *testing.T) {
	b, err := framebuf.New(4, timing.Default())
	require.NoError(t, err)
	c := sim.NewClock()
	port := sim.New(sim.WithHang())
	d, err := New(port, b, WithClock(c), WithTimeout(time.Millisecond), WithPollInterval(100*time.Microsecond))
	require.NoError(t, err)

	err = d.Show()
	assert.True(t, errors.Is(err, ErrTimeout), "%v", err)
	slept, _ := c.Slept()
	assert.GreaterOrEqual(t, slept, time.Millisecond)

	assert.Equal(t, Idle, d.State())
	assert.True(t, port.Idle())
	assert.False(t, b.Busy())
	assert.Equal(t, 1, port.Aborted())
	assert.Equal(t, uint64(1), d.Stats().Timeouts)
	assert.Zero(t, d.Stats().Frames)
	assert.NoError(t, b.SetColor(0, 1, 2, 3))
}

func TestDefaultTimeout(t *testing.T) {
	d, _, _ := setup(t, 60)
	assert.Equal(t, 2*d.FrameDuration()+time.Millisecond, d.timeout)
}

func TestInitFailure(t *testing.T) {
	b, err := framebuf.New(1, timing.Default())
	require.NoError(t, err)
	_, err = New(sim.New(sim.WithClockFailure()), b)
	assert.True(t, errors.Is(err, ErrInit))
	assert.True(t, errors.Is(err, hw.ErrClockNotReady))
}

func TestNotReentrant(t *testing.T) {
	b, err := framebuf.New(2, timing.Default())
	require.NoError(t, err)
	port := sim.New()

	var d *Driver
	var inner, mutate error
	var state State
	d, err = New(port, b, WithClock(sim.NewClock()), WithObserver(func(frame []byte) {
		state = d.State()
		inner = d.Show()
		mutate = b.SetColor(0, 1, 1, 1)
	}))
	require.NoError(t, err)

	require.NoError(t, d.Show())
	assert.Equal(t, Draining, state)
	assert.True(t, errors.Is(inner, ErrBusy), "%v", inner)
	assert.True(t, errors.Is(mutate, framebuf.ErrBusy), "%v", mutate)
	assert.Len(t, port.Frames(), 1)
	assert.Equal(t, Idle, d.State())
}

func TestShowRejectsForeignLock(t *testing.T) {
	d, port, _ := setup(t, 1)
	require.NoError(t, d.Buffer().Lock())
	err := d.Show()
	assert.True(t, errors.Is(err, ErrBusy))
	assert.True(t, errors.Is(err, framebuf.ErrBusy))
	assert.Equal(t, Idle, d.State())
	assert.Empty(t, port.Frames())
}

func TestObserverGetsCopy(t *testing.T) {
	b, err := framebuf.New(1, timing.Default())
	require.NoError(t, err)
	var got []byte
	d, err := New(sim.New(), b, WithClock(sim.NewClock()), WithObserver(func(f []byte) { got = f }))
	require.NoError(t, err)
	require.NoError(t, b.SetColor(0, 0xFF, 0, 0))
	require.NoError(t, d.Show())
	require.NoError(t, b.SetColor(0, 0, 0, 0))
	assert.Equal(t, []byte{0xFF, 0, 0}, framebuf.DecodeStream(got, 1, b.Params()))
}

func TestClose(t *testing.T) {
	d, port, _ := setup(t, 1)
	require.NoError(t, d.Close())
	assert.True(t, port.Idle())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "arming", Arming.String())
	assert.Equal(t, "transmitting", Transmitting.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "unknown", State(42).String())
}
