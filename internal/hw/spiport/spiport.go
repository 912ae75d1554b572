// Package spiport stands in for the timer and DMA pair on a Linux host. The
// encoded frame is decoded back to RGB and sent through an NRZ encoder over
// a SPI bus, which reproduces the same waveform on MOSI.
package spiport

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/devices/v3/nrzled"

	"github.com/coreman2200/arcaluminis-ws2812/internal/framebuf"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw"
	"github.com/coreman2200/arcaluminis-ws2812/internal/timing"
)

// Freq is the SPI clock: three SPI bits per 800kHz bit-cell, plus margin.
const Freq = ((800 * 3) + 100) * physic.KiloHertz

// Port implements hw.Port on top of nrzled.
type Port struct {
	mu     sync.Mutex
	dev    *nrzled.Dev
	speed  physic.Frequency
	count  int
	params timing.Params
	log    zerolog.Logger

	timerOn bool
	dmaOn   bool
	src     []byte
	length  int
	done    bool
	err     error
}

var _ hw.Port = (*Port)(nil)

// New connects count LEDs on p clocked at speed. A zero speed uses Freq.
func New(p spi.Port, count int, speed physic.Frequency, params timing.Params, log zerolog.Logger) (*Port, error) {
	if speed == 0 {
		speed = Freq
	}
	d, err := nrzled.NewSPI(p, &nrzled.Opts{
		NumPixels: count,
		Channels:  3,
		Freq:      speed,
	})
	if err != nil {
		return nil, fmt.Errorf("spiport: %w", err)
	}
	return &Port{dev: d, speed: speed, count: count, params: params, log: log}, nil
}

// Speed is the SPI clock the strip runs at.
func (s *Port) Speed() physic.Frequency { return s.speed }

func (s *Port) String() string { return s.dev.String() }

// ConfigureTimer only checks that the requested cell matches the
// encoder's fixed rate.
func (s *Port) ConfigureTimer(c hw.TimerConfig) error {
	if c.Period != s.params.Period {
		return fmt.Errorf("spiport: period %d does not match strip timing %d", c.Period, s.params.Period)
	}
	return nil
}

func (s *Port) ConfigureDMA(c hw.DMAConfig) error {
	if c.Direction != hw.MemoryToPeripheral {
		return fmt.Errorf("spiport: unsupported DMA direction %d", c.Direction)
	}
	return nil
}

func (s *Port) SetTimerCounter(uint32) {}

func (s *Port) SetTimerEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := on && !s.timerOn && s.dmaOn
	s.timerOn = on
	if start {
		s.flush()
	}
}

func (s *Port) SetDMASource(src []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
}

func (s *Port) SetDMALength(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.length = n
}

func (s *Port) SetDMAEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dmaOn = on
}

// flush must be called with s.mu held. The SPI write blocks until the frame
// is out, so the complete flag rises as soon as it returns. A failed write
// leaves the flag down and the driver's wait times out.
func (s *Port) flush() {
	n := s.length
	if n > len(s.src) {
		n = len(s.src)
	}
	rgb := framebuf.DecodeStream(s.src[:n], s.count, s.params)
	if _, err := s.dev.Write(rgb); err != nil {
		s.err = err
		s.log.Error().Err(err).Int("leds", len(rgb)/3).Msg("spi write failed")
		return
	}
	s.err = nil
	s.done = true
}

func (s *Port) TransferDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Port) ClearTransferDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = false
}

// Err returns the error of the last write, if any.
func (s *Port) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Halt blanks the strip.
func (s *Port) Halt() error {
	return s.dev.Halt()
}
