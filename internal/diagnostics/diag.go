package diagnostics

import (
	"errors"

	"github.com/coreman2200/arcaluminis-ws2812/internal/driver"
	"github.com/coreman2200/arcaluminis-ws2812/internal/framebuf"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw"
)

type Severity string

const (
	Info  Severity = "info"
	Warn  Severity = "warning"
	Err   Severity = "error"
	Fatal Severity = "fatal"
)

type Diagnostic struct {
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// FromError classifies an error returned by the strip.
func FromError(err error) Diagnostic {
	d := Diagnostic{Severity: Err, Code: "STRIP.ERROR", Summary: "Strip error", Detail: err.Error()}
	switch {
	case errors.Is(err, hw.ErrClockNotReady):
		d.Severity = Fatal
		d.Code = "INIT.CLOCK"
		d.Summary = "Peripheral clock never became ready"
		d.LikelyCauses = []string{"clock source misconfigured", "PLL failed to lock"}
		d.SuggestedFixes = []string{"check the clock tree configuration", "check the timer clock in config.yaml"}
	case errors.Is(err, driver.ErrInit):
		d.Severity = Fatal
		d.Code = "INIT.PORT"
		d.Summary = "Timer or DMA configuration failed"
		d.SuggestedFixes = []string{"check timing and driver settings"}
	case errors.Is(err, driver.ErrTimeout):
		d.Code = "SHOW.TIMEOUT"
		d.Summary = "Transfer-complete flag never rose"
		d.LikelyCauses = []string{"timer clock misconfigured", "DMA fault", "SPI write failed"}
		d.SuggestedFixes = []string{"raise show_timeout_ms", "check the data pin and clock configuration"}
	case errors.Is(err, driver.ErrBusy), errors.Is(err, framebuf.ErrBusy):
		d.Severity = Warn
		d.Code = "SHOW.BUSY"
		d.Summary = "Strip used while a transmission was in flight"
	case errors.Is(err, framebuf.ErrIndexRange):
		d.Severity = Warn
		d.Code = "LED.RANGE"
		d.Summary = "LED index out of range"
	}
	return d
}
