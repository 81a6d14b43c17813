package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/api"
	"github.com/dokzlo13/lifxd/internal/config"
	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
	"github.com/dokzlo13/lifxd/internal/script"
	"github.com/dokzlo13/lifxd/internal/storage"
)

// managed is one running engine and its bus subscriptions.
type managed struct {
	name        string
	engine      *lifx.Engine
	unsubscribe []func()
}

// Devices owns one engine per light: the configured ones, and with
// discovery.auto_add every discovered or remembered one.
type Devices struct {
	cfg       config.LifxConfig
	autoAdd   bool
	timing    lifx.Timing
	broadcast []*net.UDPAddr
	bus       *eventbus.Bus
	inventory *storage.Inventory

	mu     sync.RWMutex
	ctx    context.Context
	sched  *lifx.GoScheduler
	lights []*managed
}

var errNotStarted = errors.New("devices not started")

var (
	_ api.Registry  = (*Devices)(nil)
	_ script.Lights = (*Devices)(nil)
)

// NewDevices prepares the device manager. Engines are created by Start.
func NewDevices(cfg *config.Config, bus *eventbus.Bus, inventory *storage.Inventory) (*Devices, error) {
	broadcast, err := broadcastAddrs(cfg.Lifx.Broadcast)
	if err != nil {
		return nil, err
	}
	return &Devices{
		cfg:       cfg.Lifx,
		autoAdd:   cfg.Discovery.IsEnabled() && cfg.Discovery.AutoAdd,
		timing:    timing(cfg.Lifx.Timing),
		broadcast: broadcast,
		bus:       bus,
		inventory: inventory,
	}, nil
}

// timing converts the config overrides. Zero fields keep the defaults.
func timing(c config.TimingConfig) lifx.Timing {
	t := lifx.DefaultTiming()
	if v := c.PacketInterval.Duration(); v > 0 {
		t.PacketInterval = v
	}
	if v := c.AckWait.Duration(); v > 0 {
		t.AckWait = v
	}
	if c.MaxRetries > 0 {
		t.MaxRetries = c.MaxRetries
	}
	if v := c.PollInterval.Duration(); v > 0 {
		t.PollInterval = v
	}
	if v := c.OnlineInterval.Duration(); v > 0 {
		t.OnlineInterval = v
	}
	if c.MaxPollingRetries > 0 {
		t.MaxPollingRetries = c.MaxPollingRetries
	}
	if v := c.PropertiesInterval.Duration(); v > 0 {
		t.PropertiesInterval = v
	}
	return t
}

// broadcastAddrs parses the configured broadcast addresses. None configured
// means the addresses are derived from the network interfaces.
func broadcastAddrs(hosts []string) ([]*net.UDPAddr, error) {
	if len(hosts) == 0 {
		return lifx.BroadcastAddrs(protocol.DefaultPort), nil
	}
	addrs := make([]*net.UDPAddr, 0, len(hosts))
	for _, h := range hosts {
		addr, err := config.ResolveHost(h)
		if err != nil {
			return nil, fmt.Errorf("broadcast address %q: %w", h, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Register adds discovered lights when auto_add is on.
func (d *Devices) Register(bus *eventbus.Bus) {
	if !d.autoAdd {
		return
	}
	bus.Subscribe(eventbus.EventTypeDiscovery, func(e eventbus.Event) {
		if r, ok := e.Data[eventbus.KeyResult].(lifx.DiscoveryResult); ok {
			d.HandleDiscovery(r)
		}
	})
}

// Start creates and starts the configured lights, and with auto_add the
// lights remembered in the inventory.
func (d *Devices) Start(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.sched = lifx.NewScheduler(ctx)
	d.mu.Unlock()

	for _, lc := range d.cfg.Lights {
		cfg, err := d.lightConfig(lc)
		if err != nil {
			return fmt.Errorf("light %q: %w", lc.Name, err)
		}
		if _, err := d.add(lc.Name, cfg, lc.SignalStrength); err != nil {
			return fmt.Errorf("light %q: %w", lc.Name, err)
		}
	}

	if d.autoAdd && d.inventory != nil {
		remembered, err := d.inventory.All()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load inventory")
		}
		for _, dev := range remembered {
			d.addRemembered(dev)
		}
	}

	log.Info().Int("lights", len(d.Devices())).Bool("auto_add", d.autoAdd).Msg("Devices started")
	return nil
}

func (d *Devices) lightConfig(lc config.LightConfig) (lifx.Config, error) {
	cfg := lifx.Config{
		Fade:           d.cfg.Fade.Duration(),
		Timing:         d.timing,
		BroadcastAddrs: d.broadcast,
	}
	if lc.Fade != nil {
		cfg.Fade = lc.Fade.Duration()
	}
	if lc.MAC != "" {
		mac, err := protocol.ParseMAC(lc.MAC)
		if err != nil {
			return cfg, err
		}
		cfg.MAC = mac
		cfg.Product = d.rememberedProduct(mac)
	}
	if lc.Host != "" {
		host, err := config.ResolveHost(lc.Host)
		if err != nil {
			return cfg, err
		}
		cfg.Host = host
	}
	return cfg, nil
}

func (d *Devices) rememberedProduct(mac protocol.MACAddress) *protocol.Product {
	if d.inventory == nil {
		return nil
	}
	dev, ok, err := d.inventory.Get(mac)
	if err != nil || !ok {
		return nil
	}
	p, _ := dev.Product()
	return p
}

func (d *Devices) addRemembered(dev storage.Device) {
	mac, err := protocol.ParseMAC(dev.MAC)
	if err != nil {
		log.Warn().Err(err).Str("mac", dev.MAC).Msg("Skipping inventory entry")
		return
	}
	if _, known := d.find(mac); known {
		return
	}
	cfg := lifx.Config{
		MAC:            mac,
		Fade:           d.cfg.Fade.Duration(),
		Timing:         d.timing,
		BroadcastAddrs: d.broadcast,
	}
	cfg.Product, _ = dev.Product()
	if dev.Host != "" {
		if host, err := config.ResolveHost(dev.Host); err == nil {
			cfg.Host = host
		}
	}
	if _, err := d.add(dev.Label, cfg, false); err != nil {
		log.Warn().Err(err).Str("mac", dev.MAC).Msg("Failed to add remembered light")
	}
}

// HandleDiscovery starts an engine for a discovered light not yet managed.
func (d *Devices) HandleDiscovery(r lifx.DiscoveryResult) {
	if _, known := d.find(r.MAC); known {
		return
	}
	cfg := lifx.Config{
		MAC:            r.MAC,
		Fade:           d.cfg.Fade.Duration(),
		Timing:         d.timing,
		BroadcastAddrs: d.broadcast,
	}
	if p, ok := protocol.LookupProduct(r.VendorID, r.ProductID); ok {
		cfg.Product = &p
	}
	if host, err := config.ResolveHost(r.Host); err == nil {
		cfg.Host = host
	}
	if _, err := d.add(r.Label, cfg, false); err != nil {
		log.Warn().Err(err).Str("mac", r.MAC.String()).Msg("Failed to add discovered light")
	}
}

// add creates, wires and starts an engine. Adding a MAC that is already
// managed returns the existing engine.
func (d *Devices) add(name string, cfg lifx.Config, signal bool) (*lifx.Engine, error) {
	d.mu.Lock()
	if d.sched == nil {
		d.mu.Unlock()
		return nil, errNotStarted
	}
	if !cfg.MAC.IsBroadcast() {
		for _, m := range d.lights {
			if m.engine.MAC() == cfg.MAC {
				d.mu.Unlock()
				return m.engine, nil
			}
		}
	}
	engine, err := lifx.NewEngine(cfg, d.sched)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	m := &managed{name: name, engine: engine}
	m.unsubscribe = d.watch(engine)
	d.lights = append(d.lights, m)
	ctx := d.ctx
	d.mu.Unlock()

	if err := engine.Start(ctx); err != nil {
		log.Warn().Err(err).Str("name", name).Str("engine", engine.ID()).Msg("Light not reachable yet")
	}
	if signal {
		engine.WantSignalStrength(true)
	}
	return engine, nil
}

// watch fans the engine's notifications out to the bus.
func (d *Devices) watch(e *lifx.Engine) []func() {
	publish := func(t eventbus.EventType, data map[string]interface{}) {
		mac := e.MAC()
		if mac.IsBroadcast() {
			log.Debug().Str("engine", e.ID()).Str("event_type", string(t)).Msg("MAC not known yet, event not published")
			return
		}
		data[eventbus.KeyMAC] = mac.Hex()
		data[eventbus.KeyEngine] = e.ID()
		d.bus.Publish(eventbus.Event{Type: t, Data: data})
	}

	return []func(){
		e.AddStateListener(lifx.StateListenerFunc(func(c lifx.Change) {
			publish(eventbus.EventTypeState, map[string]interface{}{
				eventbus.KeyChange:   c,
				eventbus.KeySnapshot: c.New,
				eventbus.KeyOnline:   e.Online(),
			})
		})),
		e.AddOnlineListener(lifx.OnlineListenerFunc(func(online bool) {
			publish(eventbus.EventTypeOnline, map[string]interface{}{eventbus.KeyOnline: online})
		})),
		e.AddPropertiesListener(lifx.PropertiesListenerFunc(func(p lifx.Properties) {
			publish(eventbus.EventTypeProperties, map[string]interface{}{eventbus.KeyProperties: p})
		})),
		e.AddFailureListener(lifx.FailureListenerFunc(func(f lifx.Failure) {
			publish(eventbus.EventTypeDeliveryFailed, map[string]interface{}{eventbus.KeyFailure: f})
		})),
	}
}

func (d *Devices) find(mac protocol.MACAddress) (*managed, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.lights {
		if m.engine.MAC() == mac {
			return m, true
		}
	}
	return nil, false
}

// Devices lists every managed light in the order it was added.
func (d *Devices) Devices() []api.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]api.Device, 0, len(d.lights))
	for _, m := range d.lights {
		out = append(out, api.Device{Name: m.name, Light: m.engine})
	}
	return out
}

func (d *Devices) Device(mac protocol.MACAddress) (api.Device, bool) {
	m, ok := d.find(mac)
	if !ok {
		return api.Device{}, false
	}
	return api.Device{Name: m.name, Light: m.engine}, true
}

// Commander resolves the target of an MQTT command.
func (d *Devices) Commander(mac protocol.MACAddress) (lifx.Commander, bool) {
	m, ok := d.find(mac)
	if !ok {
		return nil, false
	}
	return m.engine, true
}

func (d *Devices) Entries() []script.Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]script.Entry, 0, len(d.lights))
	for _, m := range d.lights {
		out = append(out, script.Entry{Name: m.name, Light: m.engine})
	}
	return out
}

func (d *Devices) Lookup(mac protocol.MACAddress) (script.Light, bool) {
	m, ok := d.find(mac)
	if !ok {
		return nil, false
	}
	return m.engine, true
}

// Stop stops every engine and the shared scheduler.
func (d *Devices) Stop() {
	d.mu.Lock()
	lights := d.lights
	sched := d.sched
	d.lights = nil
	d.sched = nil
	d.mu.Unlock()

	for _, m := range lights {
		for _, fn := range m.unsubscribe {
			fn()
		}
		m.engine.Stop()
	}
	if sched != nil {
		sched.Close()
	}
	log.Info().Int("lights", len(lights)).Msg("Devices stopped")
}
