// Package framebuf encodes LED colours into the byte-per-bit buffer streamed
// by DMA into the PWM compare register.
//
// Each LED owns 24 consecutive bytes, green then red then blue, most
// significant bit first. A byte holds the compare value of its bit-cell: the
// high pulse for a 1, the low pulse for a 0. The buffer ends with a run of
// zero bytes that holds the line low long enough to latch the frame.
package framebuf

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coreman2200/arcaluminis-ws2812/internal/timing"
)

// BitsPerLED is the number of bit-cells one LED consumes.
const BitsPerLED = 24

const (
	RED_OFFSET   uint8 = 0x10
	GREEN_OFFSET uint8 = 0x08
	BLUE_OFFSET  uint8 = 0x0
)

var (
	ErrIndexRange = errors.New("framebuf: LED index out of range")
	ErrBusy       = errors.New("framebuf: buffer is being transmitted")
)

// Buffer is the transmission buffer for one strip.
//
// The buffer must not change while the DMA engine reads it. The driver locks
// it for the duration of a show and every mutation fails with ErrBusy in the
// meantime. Buffer is otherwise not safe for concurrent use.
type Buffer struct {
	p     timing.Params
	count int
	buf   []byte
	busy  atomic.Bool
}

// New allocates a buffer for count LEDs. A count of zero is valid and
// produces a buffer holding only the reset gap.
func New(count int, p timing.Params) (*Buffer, error) {
	if count < 0 {
		return nil, fmt.Errorf("framebuf: invalid LED count: %d", count)
	}
	if p.ResetLen < 0 {
		return nil, fmt.Errorf("framebuf: invalid reset length: %d", p.ResetLen)
	}
	return &Buffer{
		p:     p,
		count: count,
		buf:   make([]byte, count*BitsPerLED+p.ResetLen),
	}, nil
}

// Count is the number of LEDs.
func (b *Buffer) Count() int { return b.count }

// Len is the number of bit-cells in one frame, reset gap included.
func (b *Buffer) Len() int { return len(b.buf) }

func (b *Buffer) Params() timing.Params { return b.p }

// Bytes exposes the encoded frame. Callers must treat it as read-only.
func (b *Buffer) Bytes() []byte { return b.buf }

// SetColor encodes one LED.
func (b *Buffer) SetColor(i int, r, g, bl uint8) error {
	if b.busy.Load() {
		return ErrBusy
	}
	if i < 0 || i >= b.count {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexRange, i, b.count)
	}
	n := i * BitsPerLED
	n = b.put(n, g)
	n = b.put(n, r)
	b.put(n, bl)
	return nil
}

func (b *Buffer) put(n int, v uint8) int {
	for bit := 7; bit >= 0; bit-- {
		if v&(1<<bit) != 0 {
			b.buf[n] = b.p.High
		} else {
			b.buf[n] = b.p.Low
		}
		n++
	}
	return n
}

// SetColorPacked encodes one LED from a colour built by Pack.
func (b *Buffer) SetColorPacked(i int, c uint32) error {
	r, g, bl := Unpack(c)
	return b.SetColor(i, r, g, bl)
}

// Clear sets every LED to black.
func (b *Buffer) Clear() error {
	for i := 0; i < b.count; i++ {
		if err := b.SetColor(i, 0, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads back the colour of LED i. Any byte other than the high
// pulse decodes as 0.
func (b *Buffer) Decode(i int) (r, g, bl uint8, err error) {
	if i < 0 || i >= b.count {
		return 0, 0, 0, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexRange, i, b.count)
	}
	s := b.buf[i*BitsPerLED : (i+1)*BitsPerLED]
	return decodeByte(s[8:16], b.p.High), decodeByte(s[0:8], b.p.High), decodeByte(s[16:24], b.p.High), nil
}

// Lock marks the buffer as in flight. It fails with ErrBusy if the buffer is
// already locked.
func (b *Buffer) Lock() error {
	if !b.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (b *Buffer) Unlock() { b.busy.Store(false) }

// Busy reports whether a transmission holds the buffer.
func (b *Buffer) Busy() bool { return b.busy.Load() }

// ZeroGap forces the reset gap back to the idle level.
func (b *Buffer) ZeroGap() {
	gap := b.buf[b.count*BitsPerLED:]
	for i := range gap {
		gap[i] = 0
	}
}

// Pack combines three channels into 0x00RRGGBB.
func Pack(r, g, b uint8) uint32 {
	return uint32(r)<<RED_OFFSET | uint32(g)<<GREEN_OFFSET | uint32(b)<<BLUE_OFFSET
}

// Unpack splits a colour built by Pack.
func Unpack(c uint32) (r, g, b uint8) {
	return uint8(c >> RED_OFFSET), uint8(c >> GREEN_OFFSET), uint8(c >> BLUE_OFFSET)
}

// DecodeStream turns a captured transmission of count LEDs back into RGB
// triples, three bytes per LED. The reset gap is dropped.
func DecodeStream(stream []byte, count int, p timing.Params) []byte {
	n := len(stream) / BitsPerLED
	if count < n {
		n = count
	}
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		s := stream[i*BitsPerLED : (i+1)*BitsPerLED]
		out = append(out, decodeByte(s[8:16], p.High), decodeByte(s[0:8], p.High), decodeByte(s[16:24], p.High))
	}
	return out
}

func decodeByte(cells []byte, high uint8) uint8 {
	var v uint8
	for _, c := range cells {
		v <<= 1
		if c == high {
			v |= 1
		}
	}
	return v
}
