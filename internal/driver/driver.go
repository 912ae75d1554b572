// Package driver transmits a frame buffer through a timer-paced DMA channel.
package driver

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coreman2200/arcaluminis-ws2812/internal/framebuf"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw"
)

// DefaultChannel is the compare channel wired to the data pin on the
// reference board.
const DefaultChannel = 4

const (
	DefaultPollInterval = 10 * time.Microsecond
	minTimeout          = time.Millisecond
)

var (
	ErrInit    = errors.New("driver: hardware initialization failed")
	ErrBusy    = errors.New("driver: transmission in progress")
	ErrTimeout = errors.New("driver: transfer did not complete")
)

// Option configures a Driver.
type Option func(*Driver)

func WithClock(c hw.Clock) Option { return func(d *Driver) { d.clock = c } }

// WithTimeout bounds the wait for the transfer-complete flag.
func WithTimeout(t time.Duration) Option { return func(d *Driver) { d.timeout = t } }

func WithPollInterval(p time.Duration) Option { return func(d *Driver) { d.poll = p } }

func WithLogger(l zerolog.Logger) Option { return func(d *Driver) { d.log = l } }

func WithChannel(ch int) Option { return func(d *Driver) { d.channel = ch } }

// WithObserver registers f to receive a copy of every frame that was shown
// successfully.
func WithObserver(f func(frame []byte)) Option {
	return func(d *Driver) { d.observers = append(d.observers, f) }
}

// Stats are cumulative counters.
type Stats struct {
	Frames   uint64
	Timeouts uint64
	Last     time.Duration
}

// Driver owns the port and executes one full-buffer transfer per Show.
type Driver struct {
	port      hw.Port
	buf       *framebuf.Buffer
	clock     hw.Clock
	timeout   time.Duration
	poll      time.Duration
	channel   int
	log       zerolog.Logger
	observers []func([]byte)

	state    atomic.Int32
	frames   atomic.Uint64
	timeouts atomic.Uint64
	last     atomic.Int64
}

// New configures port for buf and leaves it idle. A configuration failure
// is fatal and wrapped in ErrInit.
func New(port hw.Port, buf *framebuf.Buffer, opts ...Option) (*Driver, error) {
	d := &Driver{
		port:    port,
		buf:     buf,
		clock:   hw.SystemClock{},
		poll:    DefaultPollInterval,
		channel: DefaultChannel,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.timeout <= 0 {
		d.timeout = 2*d.FrameDuration() + minTimeout
	}

	p := buf.Params()
	if err := port.ConfigureTimer(hw.TimerConfig{Period: p.Period, Channel: d.channel, Preload: true}); err != nil {
		return nil, fmt.Errorf("%w: timer: %w", ErrInit, err)
	}
	if err := port.ConfigureDMA(hw.FrameDMA); err != nil {
		return nil, fmt.Errorf("%w: dma: %w", ErrInit, err)
	}
	port.SetDMAEnabled(false)
	port.SetTimerEnabled(false)

	d.log.Debug().
		Int("leds", buf.Count()).
		Int("cells", buf.Len()).
		Stringer("timing", p).
		Dur("timeout", d.timeout).
		Msg("driver ready")
	return d, nil
}

func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) { d.state.Store(int32(s)) }

// FrameDuration is the wire time of one frame, reset gap included.
func (d *Driver) FrameDuration() time.Duration {
	return d.buf.Params().Duration(d.buf.Len())
}

func (d *Driver) Buffer() *framebuf.Buffer { return d.buf }

func (d *Driver) Stats() Stats {
	return Stats{
		Frames:   d.frames.Load(),
		Timeouts: d.timeouts.Load(),
		Last:     time.Duration(d.last.Load()),
	}
}

// Show transmits the whole buffer and blocks until the hardware reports the
// transfer complete or the timeout expires. It returns with both
// peripherals disabled either way. Show is not reentrant: a call made while
// another is in flight fails with ErrBusy. The buffer rejects mutation until
// Show returns.
func (d *Driver) Show() error {
	if !d.state.CompareAndSwap(int32(Idle), int32(Arming)) {
		return fmt.Errorf("%w: %s", ErrBusy, d.State())
	}
	defer d.setState(Idle)

	if err := d.buf.Lock(); err != nil {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	defer d.buf.Unlock()
	d.buf.ZeroGap()

	// The DMA channel must be ready before the first compare event.
	d.port.SetTimerCounter(d.buf.Params().Period)
	d.port.SetDMASource(d.buf.Bytes())
	d.port.SetDMALength(d.buf.Len())
	d.port.SetDMAEnabled(true)
	d.port.SetTimerEnabled(true)
	d.setState(Transmitting)

	d.setState(Draining)
	took, err := d.drain()

	d.port.SetDMAEnabled(false)
	d.port.SetTimerEnabled(false)
	d.port.ClearTransferDone()

	if err != nil {
		d.timeouts.Add(1)
		d.log.Error().Err(err).Dur("timeout", d.timeout).Msg("show failed")
		return err
	}
	d.frames.Add(1)
	d.last.Store(int64(took))
	if len(d.observers) > 0 {
		frame := append([]byte(nil), d.buf.Bytes()...)
		for _, f := range d.observers {
			f(frame)
		}
	}
	return nil
}

func (d *Driver) drain() (time.Duration, error) {
	start := d.clock.Now()
	for !d.port.TransferDone() {
		elapsed := d.clock.Now().Sub(start)
		if elapsed >= d.timeout {
			return elapsed, fmt.Errorf("%w after %s", ErrTimeout, elapsed)
		}
		d.clock.Sleep(d.poll)
	}
	return d.clock.Now().Sub(start), nil
}

// Close disables both peripherals. It fails with ErrBusy during a Show.
func (d *Driver) Close() error {
	if d.State() != Idle {
		return fmt.Errorf("%w: %s", ErrBusy, d.State())
	}
	d.port.SetDMAEnabled(false)
	d.port.SetTimerEnabled(false)
	return nil
}
