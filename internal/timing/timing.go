// Package timing holds the bit-cell parameters that turn a PWM timer into a
// WS2812 one-wire waveform generator.
package timing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/physic"
)

// WS2812 electrical limits, from the WS2812B datasheet.
const (
	BitRate     physic.Frequency = 800 * physic.KiloHertz
	T0H                          = 400 * time.Nanosecond
	T1H                          = 800 * time.Nanosecond
	Tolerance                    = 150 * time.Nanosecond
	ResetMinimum                 = 50 * time.Microsecond
)

// Reference board values: 48MHz timer clock, no prescaler.
const (
	DefaultTimerClock physic.Frequency = 48 * physic.MegaHertz
	DefaultPeriod     uint32           = 59
	DefaultHigh       uint8            = 35
	DefaultLow        uint8            = 12
	DefaultResetLen   int              = 50
)

var ErrInvalid = errors.New("timing: invalid parameters")

// Params are fixed for the lifetime of a strip.
//
// A bit-cell lasts Period+1 timer ticks. High and Low are the compare values
// loaded for a logical 1 and 0; the output stays high while the counter is
// below the compare value, so a compare value of zero keeps the line low for
// the whole cell.
type Params struct {
	TimerClock physic.Frequency
	Period     uint32
	High       uint8
	Low        uint8
	ResetLen   int
}

// Default returns the reference board parameters.
func Default() Params {
	return Params{
		TimerClock: DefaultTimerClock,
		Period:     DefaultPeriod,
		High:       DefaultHigh,
		Low:        DefaultLow,
		ResetLen:   DefaultResetLen,
	}
}

// Derive computes parameters for an arbitrary timer clock, rounding each
// pulse to the nearest tick and the reset gap up to whole cells.
func Derive(clock physic.Frequency) (Params, error) {
	hz := int64(clock / physic.Hertz)
	if hz <= 0 {
		return Params{}, fmt.Errorf("%w: timer clock %s", ErrInvalid, clock)
	}
	ticks := func(d time.Duration) int64 {
		return int64(math.Round(float64(hz) * d.Seconds()))
	}
	cell := ticks(BitRate.Period())
	if cell < 2 {
		return Params{}, fmt.Errorf("%w: timer clock %s too slow for %s", ErrInvalid, clock, BitRate)
	}
	high, low := ticks(T1H), ticks(T0H)
	if high > math.MaxUint8 {
		return Params{}, fmt.Errorf("%w: high pulse needs %d ticks, compare values are 8 bit", ErrInvalid, high)
	}
	p := Params{
		TimerClock: clock,
		Period:     uint32(cell - 1),
		High:       uint8(high),
		Low:        uint8(low),
	}
	bc := p.BitCell()
	p.ResetLen = int((ResetMinimum + bc - 1) / bc)
	return p, p.Validate()
}

func (p Params) hz() int64 {
	return int64(p.TimerClock / physic.Hertz)
}

func (p Params) ticks(n int64) time.Duration {
	hz := p.hz()
	if hz <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / hz)
}

// BitCell is the duration of one transmitted bit.
func (p Params) BitCell() time.Duration {
	return p.ticks(int64(p.Period) + 1)
}

// HighTime is the pulse width of a logical 1.
func (p Params) HighTime() time.Duration {
	return p.ticks(int64(p.High))
}

// LowTime is the pulse width of a logical 0.
func (p Params) LowTime() time.Duration {
	return p.ticks(int64(p.Low))
}

// ResetTime is the length of the trailing idle gap.
func (p Params) ResetTime() time.Duration {
	return p.BitCell() * time.Duration(p.ResetLen)
}

// Duration returns how long n bit-cells take on the wire.
func (p Params) Duration(n int) time.Duration {
	return p.BitCell() * time.Duration(n)
}

// Validate checks the parameters against the protocol limits.
func (p Params) Validate() error {
	switch {
	case p.hz() <= 0:
		return fmt.Errorf("%w: timer clock %s", ErrInvalid, p.TimerClock)
	case p.Period == 0:
		return fmt.Errorf("%w: zero period", ErrInvalid)
	case p.Low == 0:
		return fmt.Errorf("%w: low pulse is zero, indistinguishable from reset", ErrInvalid)
	case p.Low >= p.High:
		return fmt.Errorf("%w: low pulse %d not shorter than high pulse %d", ErrInvalid, p.Low, p.High)
	case uint32(p.High) > p.Period:
		return fmt.Errorf("%w: high pulse %d exceeds period %d", ErrInvalid, p.High, p.Period)
	case p.ResetLen < 0:
		return fmt.Errorf("%w: negative reset length", ErrInvalid)
	}
	if d := absDiff(p.HighTime(), T1H); d > Tolerance {
		return fmt.Errorf("%w: high pulse %s is %s off %s", ErrInvalid, p.HighTime(), d, T1H)
	}
	if d := absDiff(p.LowTime(), T0H); d > Tolerance {
		return fmt.Errorf("%w: low pulse %s is %s off %s", ErrInvalid, p.LowTime(), d, T0H)
	}
	if p.ResetTime() < ResetMinimum {
		return fmt.Errorf("%w: reset gap %s shorter than %s", ErrInvalid, p.ResetTime(), ResetMinimum)
	}
	return nil
}

func (p Params) String() string {
	return fmt.Sprintf("cell=%s high=%s low=%s reset=%s", p.BitCell(), p.HighTime(), p.LowTime(), p.ResetTime())
}

func absDiff(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}
