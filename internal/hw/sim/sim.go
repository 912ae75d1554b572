// Package sim is a simulated timer and DMA pair. It records every register
// access and captures each streamed frame, so the encoder and the driver can
// be exercised without hardware.
package sim

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/display"

	"github.com/coreman2200/arcaluminis-ws2812/internal/framebuf"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw"
	"github.com/coreman2200/arcaluminis-ws2812/internal/timing"
)

// Option configures a Port.
type Option func(*Port)

// WithClock makes transfers take their real wire time on clock instead of
// completing instantly.
func WithClock(c hw.Clock, p timing.Params) Option {
	return func(s *Port) {
		s.clock = c
		s.cell = p.BitCell()
	}
}

// WithHang makes the transfer-complete flag never rise.
func WithHang() Option { return func(s *Port) { s.hang = true } }

// WithClockFailure makes timer configuration fail as if the peripheral
// clock never became ready.
func WithClockFailure() Option { return func(s *Port) { s.failClock = true } }

// WithPreview draws every completed frame of count LEDs on d.
func WithPreview(d display.Drawer, count int, p timing.Params) Option {
	return func(s *Port) {
		s.drawer = d
		s.count = count
		s.params = p
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Port) { s.log = l } }

// Port implements hw.Port.
type Port struct {
	mu sync.Mutex

	clock     hw.Clock
	cell      time.Duration
	hang      bool
	failClock bool
	drawer    display.Drawer
	count     int
	params    timing.Params
	log       zerolog.Logger

	timer   hw.TimerConfig
	dma     hw.DMAConfig
	counter uint32
	timerOn bool
	dmaOn   bool
	src     []byte
	length  int

	active  bool
	lost    int
	doneAt  time.Time
	done    bool
	frames  [][]byte
	events  []string
	phases  []uint32
	aborted int
}

var _ hw.Port = (*Port)(nil)

func New(opts ...Option) *Port {
	s := &Port{log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Port) ConfigureTimer(c hw.TimerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failClock {
		return hw.ErrClockNotReady
	}
	if c.Period == 0 {
		return fmt.Errorf("sim: invalid timer period %d", c.Period)
	}
	s.timer = c
	s.events = append(s.events, "timer:config")
	return nil
}

func (s *Port) ConfigureDMA(c hw.DMAConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Direction != hw.MemoryToPeripheral {
		return fmt.Errorf("sim: unsupported DMA direction %d", c.Direction)
	}
	s.dma = c
	s.events = append(s.events, "dma:config")
	return nil
}

func (s *Port) SetTimerCounter(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = v
	s.events = append(s.events, fmt.Sprintf("timer:counter=%d", v))
}

func (s *Port) SetTimerEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.timerOn {
		return
	}
	s.timerOn = on
	if !on {
		s.events = append(s.events, "timer:off")
		return
	}
	s.events = append(s.events, "timer:on")
	s.phases = append(s.phases, s.counter)
	if !s.dmaOn {
		// Compare events fire with nothing to serve them until the DMA
		// channel is armed.
		s.lost = 1
		return
	}
	s.start()
}

func (s *Port) SetDMASource(src []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
	s.events = append(s.events, "dma:source")
}

func (s *Port) SetDMALength(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.length = n
	s.events = append(s.events, fmt.Sprintf("dma:length=%d", n))
}

func (s *Port) SetDMAEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.dmaOn {
		return
	}
	s.dmaOn = on
	if !on {
		s.events = append(s.events, "dma:off")
		if s.active {
			s.active = false
			s.aborted++
		}
		return
	}
	s.events = append(s.events, "dma:on")
	if s.timerOn {
		s.start()
	}
}

// start must be called with s.mu held.
func (s *Port) start() {
	if s.length > len(s.src) {
		s.length = len(s.src)
	}
	s.active = true
	s.done = false
	if s.clock != nil {
		s.doneAt = s.clock.Now().Add(s.cell * time.Duration(s.length))
	}
}

func (s *Port) TransferDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hang {
		return false
	}
	if s.active && (s.clock == nil || !s.clock.Now().Before(s.doneAt)) {
		s.complete()
	}
	return s.done
}

// complete captures what the DMA channel read. The buffer is sampled at
// completion, so writes made during the transfer show up in the frame.
func (s *Port) complete() {
	s.active = false
	s.done = true
	frame := make([]byte, s.length)
	copy(frame, s.src[:s.length])
	for i := 0; i < s.lost && i < len(frame); i++ {
		frame[i] = 0
	}
	s.lost = 0
	s.frames = append(s.frames, frame)
	if s.drawer != nil {
		s.draw(frame)
	}
}

func (s *Port) draw(frame []byte) {
	rgb := framebuf.DecodeStream(frame, s.count, s.params)
	img := image.NewNRGBA(image.Rect(0, 0, len(rgb)/3, 1))
	for x := 0; x < img.Rect.Max.X; x++ {
		img.SetNRGBA(x, 0, color.NRGBA{R: rgb[x*3], G: rgb[x*3+1], B: rgb[x*3+2], A: 255})
	}
	if err := s.drawer.Draw(s.drawer.Bounds(), img, image.Point{}); err != nil {
		s.log.Warn().Err(err).Msg("preview draw failed")
	}
}

func (s *Port) ClearTransferDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = false
	s.events = append(s.events, "dma:clear")
}

// Frames returns a copy of every captured frame, oldest first.
func (s *Port) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Events returns the register access log.
func (s *Port) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// ResetEvents drops the register access log.
func (s *Port) ResetEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// Phases returns the counter value at each timer start.
func (s *Port) Phases() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.phases...)
}

// Aborted counts transfers stopped before the complete flag rose.
func (s *Port) Aborted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Idle reports whether both peripherals are disabled.
func (s *Port) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.timerOn && !s.dmaOn
}

func (s *Port) Timer() hw.TimerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer
}

func (s *Port) DMA() hw.DMAConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dma
}
