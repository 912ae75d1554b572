// Package pattern holds the rainbow demonstration that drives a strip.
package pattern

import (
	"context"
	"errors"
	"time"

	"github.com/coreman2200/arcaluminis-ws2812/internal/driver"
	"github.com/coreman2200/arcaluminis-ws2812/internal/framebuf"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw"
)

// Frames is the length of one rainbow run: five full turns of the wheel.
const Frames = 5 * 256

// Canvas is the colour-setting half of a strip.
type Canvas interface {
	Count() int
	SetColorPacked(i int, c uint32) error
}

// Shower transmits the canvas.
type Shower interface {
	Show() error
}

// Wheel maps a position to a colour along three 85-step ramps:
// blue to red, red to green, green back to blue.
func Wheel(pos uint8) (r, g, b uint8) {
	switch {
	case pos < 85:
		return pos * 3, 0, 255 - pos*3
	case pos < 170:
		pos -= 85
		return 255 - pos*3, pos * 3, 0
	default:
		pos -= 170
		return 0, 255 - pos*3, pos * 3
	}
}

// WheelPacked is Wheel packed with framebuf.Pack.
func WheelPacked(pos uint8) uint32 {
	return framebuf.Pack(Wheel(pos))
}

// Position is the wheel position of LED i out of n at frame j. The whole
// wheel is spread across the strip and shifted by one step per frame.
func Position(i, n, j int) uint8 {
	return uint8((i*256/n + j) & 255)
}

// RainbowFrame paints frame j.
func RainbowFrame(c Canvas, j int) error {
	n := c.Count()
	for i := 0; i < n; i++ {
		if err := c.SetColorPacked(i, WheelPacked(Position(i, n, j))); err != nil {
			return err
		}
	}
	return nil
}

// Rainbow runs Frames frames, showing each and then waiting wait on clock.
// It stops at the first error or when ctx is done.
func Rainbow(ctx context.Context, c Canvas, s Shower, clock hw.Clock, wait time.Duration) error {
	for j := 0; j < Frames; j++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := RainbowFrame(c, j); err != nil {
			return err
		}
		if err := s.Show(); err != nil {
			return err
		}
		clock.Sleep(wait)
	}
	return nil
}

// Play runs Rainbow once, or repeatedly until ctx is done when loop is set.
// While looping, a cycle that ends on driver.ErrTimeout is reported to lost
// and the next cycle starts; any other error ends the run. A single run
// returns every error, timeouts included.
func Play(ctx context.Context, c Canvas, s Shower, clock hw.Clock, wait time.Duration, loop bool, lost func(error)) error {
	for {
		err := Rainbow(ctx, c, s, clock, wait)
		if !loop {
			return err
		}
		if errors.Is(err, driver.ErrTimeout) {
			if lost != nil {
				lost(err)
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}
