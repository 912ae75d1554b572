package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/screen1d"
	"periph.io/x/host/v3"

	"github.com/coreman2200/arcaluminis-ws2812/internal/config"
	diag "github.com/coreman2200/arcaluminis-ws2812/internal/diagnostics"
	"github.com/coreman2200/arcaluminis-ws2812/internal/driver"
	"github.com/coreman2200/arcaluminis-ws2812/internal/framebuf"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw/sim"
	"github.com/coreman2200/arcaluminis-ws2812/internal/hw/spiport"
	"github.com/coreman2200/arcaluminis-ws2812/internal/monitor"
	"github.com/coreman2200/arcaluminis-ws2812/internal/pattern"
)

func main() {
	// ---- Flags (explicitly set flags win over config.yaml) ----
	var (
		configPath = flag.String("config", "config.yaml", "path to config.yaml")
		drv        = flag.String("driver", "sim", "driver: sim | spi")
		leds       = flag.Int("leds", 60, "number of LEDs on the strip")
		waitMs     = flag.Int("wait-ms", 0, "delay between rainbow frames (ms)")
		addr       = flag.String("addr", "", "monitor listen address, empty disables it")
		preview    = flag.Bool("preview", false, "draw frames on the console (sim driver)")
		once       = flag.Bool("once", false, "run a single rainbow cycle and exit")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	// ---- Logging ----
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// ---- Load config.yaml (optional) ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", *configPath).Msg("config load failed; proceeding with defaults and flags")
		cfg = config.Default()
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			cfg.Driver = *drv
		case "leds":
			cfg.LEDs = *leds
		case "wait-ms":
			cfg.WaitMs = *waitMs
		case "addr":
			cfg.Monitor.Addr = *addr
		case "preview":
			cfg.Preview = *preview
		case "once":
			cfg.Loop = !*once
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	params := cfg.Params()

	// ---- Port selection: spi falls back to sim when no bus is found ----
	var (
		port     hw.Port
		strip    *spiport.Port
		selected = cfg.Driver
	)
	if selected == "spi" {
		p, err := openSPI(cfg)
		if err != nil {
			log.Warn().Err(err).Str("driver", "spi").Str("dev", cfg.SPI.Dev).Msg("SPI init failed; falling back to SIM")
			selected = "sim"
		} else {
			port, strip = p, p
		}
	}
	if selected == "sim" {
		opts := []sim.Option{
			sim.WithClock(hw.SystemClock{}, params),
			sim.WithLogger(log.Logger),
		}
		if cfg.Preview {
			opts = append(opts, sim.WithPreview(screen1d.New(&screen1d.Opts{X: cfg.LEDs}), cfg.LEDs, params))
		}
		port = sim.New(opts...)
	}

	// ---- Strip ----
	buf, err := framebuf.New(cfg.LEDs, params)
	if err != nil {
		log.Fatal().Err(err).Msg("frame buffer")
	}

	mon := monitor.NewState(cfg.LEDs, params, selected)
	d, err := driver.New(port, buf,
		driver.WithTimeout(cfg.ShowTimeout()),
		driver.WithPollInterval(cfg.PollInterval()),
		driver.WithLogger(log.Logger),
		driver.WithObserver(mon.Observe),
	)
	if err != nil {
		dg := diag.FromError(err)
		log.Fatal().Err(err).Str("code", dg.Code).Strs("fixes", dg.SuggestedFixes).Msg(dg.Summary)
	}
	mon.Stats = d.Stats

	log.Info().
		Str("driver", selected).
		Int("leds", cfg.LEDs).
		Stringer("timing", params).
		Dur("frame", d.FrameDuration()).
		Msg("strip ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Monitor ----
	var srv *http.Server
	if cfg.Monitor.Addr != "" {
		go mon.Run(ctx)
		srv = &http.Server{
			Addr:         cfg.Monitor.Addr,
			Handler:      withCORS(mon.Handler()),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Monitor.Addr).Msg("monitor starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("monitor crashed")
			}
		}()
	}

	// ---- Run ----
	err = run(ctx, d, cfg, mon)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info().Msg("shutting down")
	default:
		dg := diag.FromError(err)
		log.Error().Err(err).Str("code", dg.Code).Msg(dg.Summary)
	}

	// ---- Graceful shutdown ----
	if srv != nil {
		_ = srv.Close()
	}
	_ = d.Close()
	if strip != nil {
		if err := strip.Halt(); err != nil {
			log.Warn().Err(err).Msg("halt")
		}
	}
	st := d.Stats()
	log.Info().Uint64("frames", st.Frames).Uint64("timeouts", st.Timeouts).Msg("bye")
}

// run blanks the strip, then plays the rainbow once or until ctx is done.
func run(ctx context.Context, d *driver.Driver, cfg *config.Config, mon *monitor.State) error {
	buf := d.Buffer()
	if err := buf.Clear(); err != nil {
		return err
	}
	if err := d.Show(); err != nil {
		return err
	}
	return pattern.Play(ctx, buf, d, hw.SystemClock{}, cfg.Wait(), cfg.Loop, func(err error) {
		dg := diag.FromError(err)
		mon.Push(dg)
		log.Warn().Err(err).Str("code", dg.Code).Msg(dg.Summary)
	})
}

func openSPI(cfg *config.Config) (*spiport.Port, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	sp, err := spireg.Open(cfg.SPI.Dev)
	if err != nil {
		return nil, err
	}
	return spiport.New(sp, cfg.LEDs, cfg.SPISpeed(), cfg.Params(), log.Logger)
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
