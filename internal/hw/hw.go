// Package hw defines the hardware the transmission driver needs: a PWM timer
// whose compare register is fed by a memory-to-peripheral DMA channel, and a
// clock to pace the completion poll.
package hw

import (
	"errors"
	"time"
)

// ErrClockNotReady is returned by a port whose peripheral clock never came
// up during configuration.
var ErrClockNotReady = errors.New("hw: peripheral clock not ready")

// TimerConfig configures the bit-cell timer.
type TimerConfig struct {
	// Period is the auto-reload value; one cycle is Period+1 ticks.
	Period uint32
	// Prescaler divides the timer clock; zero means undivided.
	Prescaler uint32
	// Channel is the compare channel wired to the data pin.
	Channel int
	// Preload latches new compare values on the update event, so a value
	// written mid-cell takes effect on the next cell.
	Preload bool
}

type Direction uint8

const (
	MemoryToPeripheral Direction = iota
	PeripheralToMemory
)

type Width uint8

const (
	Byte Width = iota
	HalfWord
	Word
)

// DMAConfig configures the channel that streams the frame buffer.
type DMAConfig struct {
	Direction       Direction
	SourceIncrement bool
	DestIncrement   bool
	SourceWidth     Width
	DestWidth       Width
	Circular        bool
	HighPriority    bool
}

// FrameDMA is the only DMA configuration the driver uses: one byte per
// request, widened into the compare register, stopping at the end of the
// buffer.
var FrameDMA = DMAConfig{
	Direction:       MemoryToPeripheral,
	SourceIncrement: true,
	DestIncrement:   false,
	SourceWidth:     Byte,
	DestWidth:       Word,
	Circular:        false,
	HighPriority:    true,
}

// Port is a PWM timer plus the DMA channel that feeds its compare register.
//
// Implementations do not need to be safe for concurrent use; the driver
// serializes every call.
type Port interface {
	ConfigureTimer(TimerConfig) error
	ConfigureDMA(DMAConfig) error

	SetTimerCounter(v uint32)
	SetTimerEnabled(on bool)

	SetDMASource(src []byte)
	SetDMALength(n int)
	SetDMAEnabled(on bool)

	// TransferDone reports the DMA transfer-complete flag.
	TransferDone() bool
	ClearTransferDone()
}

// Clock paces polling loops.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Sleep busy-waits for very short durations, where the scheduler would
// overshoot by far more than the wait, and sleeps otherwise.
func (SystemClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if d < 50*time.Microsecond {
		for end := time.Now().Add(d); time.Now().Before(end); {
		}
		return
	}
	time.Sleep(d)
}
