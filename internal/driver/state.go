package driver

// State of a transmission.
type State int32

const (
	// Idle: timer and DMA disabled, data line held low.
	Idle State = iota
	// Arming: counter reset, DMA pointed at the buffer and enabled, then
	// the timer started.
	Arming
	// Transmitting: the hardware streams one byte per bit-cell on its own.
	Transmitting
	// Draining: polling the transfer-complete flag.
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Arming:
		return "arming"
	case Transmitting:
		return "transmitting"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}
