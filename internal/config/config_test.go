package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/arcaluminis-ws2812/internal/timing"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, timing.Default(), c.Params())
	assert.Equal(t, 10*time.Microsecond, c.PollInterval())
	assert.Zero(t, c.ShowTimeout())
	assert.Zero(t, c.Wait())
	assert.Zero(t, c.SPISpeed())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver: spi
leds: 8
wait_ms: 20
show_timeout_ms: 5
spi:
  dev: /dev/spidev0.0
  speed_hz: 2400000
monitor:
  addr: ":8080"
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "spi", c.Driver)
	assert.Equal(t, 8, c.LEDs)
	assert.Equal(t, 20*time.Millisecond, c.Wait())
	assert.Equal(t, 5*time.Millisecond, c.ShowTimeout())
	assert.Equal(t, "/dev/spidev0.0", c.SPI.Dev)
	assert.Equal(t, 2400*physic.KiloHertz, c.SPISpeed())
	assert.Equal(t, ":8080", c.Monitor.Addr)
	assert.Equal(t, timing.Default(), c.Params())
	assert.True(t, c.Loop)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	c := Default()
	c.LEDs = 144
	c.Preview = true
	require.NoError(t, Save(path, c))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestLoadRejectsInvalid(t *testing.T) {
	var tests = map[string]string{
		"driver": "driver: pwm\n",
		"leds":   "leds: -1\n",
		"wait":   "wait_ms: -5\n",
		"timing": "timing:\n  high: 5\n",
		"no gap": "timing:\n  reset_len: 0\n",
		"speed":  "spi:\n  speed_hz: -1\n",
		"clock":  "timing:\n  timer_hz: 1000000\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := Load(path)
			assert.True(t, errors.Is(err, ErrInvalid), "%v", err)
		})
	}
}

func TestLoadDerivesTimingFromClock(t *testing.T) {
	var tests = map[string]struct {
		body      string
		period    uint32
		high, low uint8
		resetLen  int
	}{
		"clock only":      {"timing:\n  timer_hz: 72000000\n", 89, 58, 29, 40},
		"explicit period": {"timing:\n  timer_hz: 16000000\n  period: 0\n", 19, 13, 6, 40},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			c, err := Load(path)
			require.NoError(t, err)
			p := c.Params()
			assert.Equal(t, tt.period, p.Period)
			assert.Equal(t, tt.high, p.High)
			assert.Equal(t, tt.low, p.Low)
			assert.Equal(t, tt.resetLen, p.ResetLen)
			assert.NoError(t, p.Validate())
		})
	}
}

func TestLoadKeepsExplicitTiming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timing:\n  timer_hz: 48000000\n  period: 59\n"), 0644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, timing.Default(), c.Params())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
