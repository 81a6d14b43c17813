package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/lifxd/internal/api"
	"github.com/dokzlo13/lifxd/internal/config"
	"github.com/dokzlo13/lifxd/internal/db"
	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/history"
	"github.com/dokzlo13/lifxd/internal/ledger"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/mqtt"
	"github.com/dokzlo13/lifxd/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg        *config.Config
	configPath string

	// Core infrastructure
	DB        *db.DB
	Ledger    *ledger.Ledger
	Store     *storage.Store
	Inventory *storage.Inventory
	Bus       *eventbus.Bus

	// Lights
	Devices   *Devices
	Discovery *lifx.Discovery

	// Sinks and front ends, nil when disabled
	LedgerSvc *LedgerService
	MQTT      *mqtt.Client
	Bridge    *mqtt.Bridge
	Influx    *history.Client
	Recorder  *history.Recorder
	Script    *ScriptService
	API       *api.Server

	group *errgroup.Group
}

// NewServices creates all services with proper dependency injection.
// Network connections are made in Start.
func NewServices(cfg *config.Config, configPath string) (*Services, error) {
	s := &Services{cfg: cfg, configPath: configPath}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database
	s.Ledger = ledger.New(database.DB)
	s.Store = storage.NewStore(database.DB)
	s.Inventory = storage.NewInventory(s.Store)
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	s.Devices, err = NewDevices(cfg, s.Bus, s.Inventory)
	if err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Discovery.IsEnabled() {
		s.Discovery = newDiscovery(cfg.Discovery, s.Devices.broadcast, s.Devices.timing)
		s.Discovery.AddListener(lifx.DiscoveryListenerFunc(func(r lifx.DiscoveryResult) {
			s.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeDiscovery, Data: map[string]interface{}{
				eventbus.KeyMAC:    r.MAC.Hex(),
				eventbus.KeyResult: r,
			}})
		}))
	}

	s.LedgerSvc = NewLedgerService(s.Ledger, cfg.Ledger)

	if cfg.Script != "" {
		s.Script = NewScriptService(cfg.Script, configPath, s.Devices)
	}

	return s, nil
}

// Start connects the sinks, starts the engines and runs the background
// services. The onFatalError callback is called when a background service
// fails.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Subscribers first, so the first engine events reach them
	registerInventory(s.Bus, s.Inventory)
	s.LedgerSvc.Register(s.Bus)
	s.Devices.Register(s.Bus)

	if s.cfg.MQTT.Enabled {
		client, err := mqtt.Connect(s.cfg.MQTT)
		if err != nil {
			return err
		}
		s.MQTT = client
		s.Bridge = mqtt.NewBridge(client, s.Devices, s.cfg.MQTT.TopicPrefix, s.cfg.MQTT.QoS)
		s.Bridge.Register(s.Bus)
		if err := s.Bridge.Start(); err != nil {
			return err
		}
	}

	if s.cfg.InfluxDB.Enabled {
		client, err := history.Connect(s.cfg.InfluxDB)
		if err != nil {
			return err
		}
		s.Influx = client
		s.Recorder = history.NewRecorder(client.Writer())
		s.Recorder.Register(s.Bus)
	}

	if err := s.Devices.Start(ctx); err != nil {
		return err
	}

	// The script's top level may already command the configured lights
	if s.Script != nil {
		if err := s.Script.LoadScript(); err != nil {
			return err
		}
		s.Script.Register(s.Bus)
	}

	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error { return s.LedgerSvc.Run(gctx) })
	if s.Discovery != nil {
		g.Go(func() error { return s.Discovery.Run(gctx, s.cfg.Discovery.Interval.Duration()) })
	}
	if s.Script != nil {
		g.Go(func() error { return s.Script.Run(gctx) })
	}
	if s.cfg.HTTP.Enabled {
		s.API = api.New(s.cfg.HTTP, s.apiDeps())
		g.Go(func() error { return s.API.Run(gctx, s.cfg.ShutdownTimeout.Duration()) })
	}

	go func() {
		if err := g.Wait(); err != nil {
			onFatalError(err)
		}
	}()
	return nil
}

func (s *Services) apiDeps() api.Deps {
	deps := api.Deps{
		Registry:  s.Devices,
		History:   s.Ledger,
		Inventory: s.Inventory,
		Checks: map[string]api.Check{
			"database": s.DB.HealthCheck,
		},
	}
	if s.Discovery != nil {
		deps.Discovery = s.Discovery
	}
	if s.MQTT != nil {
		deps.Checks["mqtt"] = s.MQTT.HealthCheck
	}
	if s.Influx != nil {
		deps.Checks["influxdb"] = s.Influx.HealthCheck
	}
	return deps
}

// ClearInventory forgets every remembered device.
func (s *Services) ClearInventory() error {
	return s.Inventory.Clear()
}

// Stop waits for the background services to return (the caller cancels
// their context), then releases everything.
func (s *Services) Stop() error {
	timeout := s.cfg.ShutdownTimeout.Duration()
	var err error
	if s.group != nil {
		done := make(chan error, 1)
		go func() { done <- s.group.Wait() }()
		select {
		case err = <-done:
		case <-time.After(timeout):
			log.Warn().Dur("timeout", timeout).Msg("Background services did not stop in time")
		}
	}
	s.Close()
	return err
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Devices != nil {
		s.Devices.Stop()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.MQTT != nil {
		if err := s.MQTT.Close(); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			log.Warn().Err(err).Msg("MQTT close failed")
		}
	}
	if s.Influx != nil {
		s.Influx.Close()
	}
	if s.Script != nil {
		s.Script.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
