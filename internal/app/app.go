package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/config"
)

// App owns the services of one daemon run.
type App struct {
	cfg      *config.Config
	services *Services
	started  time.Time

	cancel context.CancelCauseFunc
}

// New builds every service without starting any. configPath anchors
// relative script paths.
func New(cfg *config.Config, configPath string) (*App, error) {
	services, err := NewServices(cfg, configPath)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// ClearInventory forgets every remembered light. Call before Run.
func (a *App) ClearInventory() error {
	return a.services.ClearInventory()
}

// Run starts the services and blocks until ctx is done or a background
// service fails, then shuts down. The returned error is the failure that
// ended the run, nil on a clean signal.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancelCause(ctx)
	defer a.cancel(nil)

	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Background service failed, shutting down")
		a.cancel(err)
	}

	a.started = time.Now()
	if err := a.services.Start(ctx, onFatalError); err != nil {
		a.cancel(err)
		a.shutdown()
		return err
	}
	log.Info().
		Int("lights", len(a.services.Devices.Devices())).
		Bool("discovery", a.services.Discovery != nil).
		Bool("mqtt", a.services.MQTT != nil).
		Bool("influxdb", a.services.Influx != nil).
		Bool("script", a.services.Script != nil).
		Msg("lifxd started")

	<-ctx.Done()
	cause := context.Cause(ctx)
	a.shutdown()

	if errors.Is(cause, context.Canceled) || errors.Is(cause, errSignal) {
		return nil
	}
	return cause
}

func (a *App) shutdown() {
	log.Info().Dur("uptime", time.Since(a.started).Round(time.Second)).Msg("Shutting down")
	if err := a.services.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
}

var errSignal = errors.New("shutdown signal")

// SignalContext is cancelled with errSignal on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel(errSignal)
	}()

	return ctx
}
