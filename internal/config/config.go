package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/arcaluminis-ws2812/internal/timing"
)

var ErrInvalid = errors.New("config: invalid")

type Timing struct {
	TimerHz  int64  `yaml:"timer_hz"`
	Period   uint32 `yaml:"period"`
	High     uint8  `yaml:"high"`
	Low      uint8  `yaml:"low"`
	ResetLen int    `yaml:"reset_len"`
}

type SPI struct {
	Dev     string `yaml:"dev"`      // e.g. /dev/spidev0.0, empty picks the first port
	SpeedHz int    `yaml:"speed_hz"` // 0 keeps the nrzled default
}

type Monitor struct {
	Addr string `yaml:"addr"` // e.g. :8080, empty disables the monitor
}

type Config struct {
	Driver         string `yaml:"driver"` // "sim" | "spi"
	LEDs           int    `yaml:"leds"`
	Timing         Timing `yaml:"timing"`
	ShowTimeoutMs  int    `yaml:"show_timeout_ms"`
	PollIntervalUs int    `yaml:"poll_interval_us"`
	WaitMs         int    `yaml:"wait_ms"`
	Loop           bool   `yaml:"loop"`
	Preview        bool   `yaml:"preview"`

	SPI     SPI     `yaml:"spi,omitempty"`
	Monitor Monitor `yaml:"monitor,omitempty"`
}

// Default mirrors the reference board: 60 LEDs, 48MHz timer, endless
// rainbow with no delay between frames.
func Default() *Config {
	t := timing.Default()
	return &Config{
		Driver: "sim",
		LEDs:   60,
		Timing: Timing{
			TimerHz:  int64(t.TimerClock / physic.Hertz),
			Period:   t.Period,
			High:     t.High,
			Low:      t.Low,
			ResetLen: t.ResetLen,
		},
		PollIntervalUs: 10,
		Loop:           true,
	}
}

// Load reads path over the defaults; keys missing from the file keep their
// default value. A timing section that names timer_hz without a period is
// derived from the clock instead.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	var set struct {
		Timing map[string]any `yaml:"timing"`
	}
	if err := yaml.Unmarshal(b, &set); err != nil {
		return nil, err
	}
	_, hz := set.Timing["timer_hz"]
	_, period := set.Timing["period"]
	if hz && !period {
		c.Timing = Timing{TimerHz: c.Timing.TimerHz}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// Params converts the timing section. A zero period derives every value
// from the timer clock.
func (c *Config) Params() timing.Params {
	if c.Timing.Period == 0 {
		if p, err := timing.Derive(c.timerClock()); err == nil {
			return p
		}
	}
	return timing.Params{
		TimerClock: c.timerClock(),
		Period:     c.Timing.Period,
		High:       c.Timing.High,
		Low:        c.Timing.Low,
		ResetLen:   c.Timing.ResetLen,
	}
}

func (c *Config) timerClock() physic.Frequency {
	return physic.Frequency(c.Timing.TimerHz) * physic.Hertz
}

// SPISpeed is the configured SPI clock, zero when unset.
func (c *Config) SPISpeed() physic.Frequency {
	return physic.Frequency(c.SPI.SpeedHz) * physic.Hertz
}

func (c *Config) ShowTimeout() time.Duration {
	return time.Duration(c.ShowTimeoutMs) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalUs) * time.Microsecond
}

func (c *Config) Wait() time.Duration {
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c *Config) Validate() error {
	switch c.Driver {
	case "sim", "spi":
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrInvalid, c.Driver)
	}
	if c.LEDs < 0 {
		return fmt.Errorf("%w: leds %d", ErrInvalid, c.LEDs)
	}
	if c.ShowTimeoutMs < 0 || c.PollIntervalUs < 0 || c.WaitMs < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	}
	if c.SPI.SpeedHz < 0 {
		return fmt.Errorf("%w: spi speed %d", ErrInvalid, c.SPI.SpeedHz)
	}
	if c.Timing.Period == 0 {
		if _, err := timing.Derive(c.timerClock()); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return nil
	}
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
