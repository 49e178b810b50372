package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"scanserver/internal/bus"
	"scanserver/internal/config"
	"scanserver/internal/control"
	"scanserver/internal/devices"
	"scanserver/internal/devsim"
	"scanserver/internal/httpapi"
	"scanserver/internal/queue"
	"scanserver/internal/scanworker"
)

const shutdownGrace = 5 * time.Second

func baseDir(configPath string) string {
	if configPath == "" {
		return ""
	}
	return filepath.Dir(configPath)
}

func newLogger(cfg config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if cfg.LogFormat == "json" {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l.Level(lvl).With().Timestamp().Str("service", "scanserver").Logger()
}

// detachedDeviceServer is the readiness gate when no device server is
// attached: it never opens, so submitted scans stay queued.
type detachedDeviceServer struct{}

func (detachedDeviceServer) Available() bool { return false }

// app is the assembled server.
type app struct {
	log    zerolog.Logger
	bus    *bus.Memory
	queue  *queue.Queue
	sim    *devsim.Server
	worker *scanworker.Worker
	ctrl   *control.Controller
	http   *http.Server
}

func build(cfg config.Config, base string, log zerolog.Logger) (*app, error) {
	specs, err := cfg.DeviceSpecs(base)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	reg, err := devices.New(specs)
	if err != nil {
		return nil, fmt.Errorf("device registry: %w", err)
	}

	a := &app{log: log, bus: bus.NewMemory(0)}
	a.queue, err = queue.New(queue.Config{Name: cfg.Queue, Bus: a.bus, Logger: &log, HistorySize: cfg.HistorySize})
	if err != nil {
		return nil, err
	}

	var gate scanworker.ReadinessGate = detachedDeviceServer{}
	if cfg.Simulate {
		a.sim, err = devsim.New(devsim.Config{
			Bus:            a.bus,
			Logger:         &log,
			FailDevices:    cfg.FailDevices,
			StartPositions: cfg.StartPositions,
		})
		if err != nil {
			return nil, err
		}
		gate = a.sim
	}

	a.worker, err = scanworker.New(scanworker.Config{
		QueueName:       a.queue.Name(),
		Bus:             a.bus,
		Devices:         reg,
		Queue:           a.queue,
		DeviceServer:    gate,
		Logger:          &log,
		PollInterval:    cfg.PollInterval(),
		PauseInterval:   cfg.PauseInterval(),
		GateInterval:    cfg.GateInterval(),
		WaitTimeout:     cfg.WaitTimeout(),
		StageTimeout:    cfg.StageTimeout(),
		StatusRetention: cfg.StatusRetention(),
	})
	if err != nil {
		return nil, err
	}

	a.ctrl, err = control.New(control.Config{Worker: a.worker, Queue: a.queue, Bus: a.bus, DeviceServer: gate, Logger: &log})
	if err != nil {
		return nil, err
	}

	httpapi.SetLogger(log)
	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins, nil, nil)
	a.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(a.ctrl),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// run serves until ctx is done, then drains the worker and the HTTP server.
func (a *app) run(ctx context.Context) error {
	if a.sim != nil {
		a.sim.Start()
		defer a.sim.Stop()
	}
	defer a.bus.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.worker.Run(ctx)
	})
	g.Go(func() error {
		a.log.Info().Str("addr", a.http.Addr).Msg("scanserver listening")
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.worker.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.http.Shutdown(sctx); err != nil {
			a.log.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	})
	return g.Wait()
}

func serve(ctx context.Context, cfg config.Config, base string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := newLogger(cfg)
	a, err := build(cfg, base, log)
	if err != nil {
		return err
	}
	if !cfg.Simulate {
		log.Warn().Msg("no device server attached; submitted scans stay queued and the server reports not ready")
	}

	// Graceful shutdown (Ctrl+C / SIGTERM)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = a.run(ctx)
	log.Info().Msg("scanserver stopped")
	return err
}
