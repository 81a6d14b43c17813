package lifx

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// StateChangeWindow is how long after a command the desired state is kept
// as is. Within it an acknowledged change may not have been read back yet,
// so observed state is not trusted to reseed from.
const StateChangeWindow = 4 * time.Second

// Timing holds the intervals and retry limits of an engine.
type Timing struct {
	PacketInterval     time.Duration
	AckWait            time.Duration
	MaxRetries         int
	PollInterval       time.Duration
	OnlineInterval     time.Duration
	MaxPollingRetries  int
	PropertiesInterval time.Duration
}

// DefaultTiming returns the protocol's usual intervals.
func DefaultTiming() Timing {
	return Timing{
		PacketInterval:     DefaultPacketInterval,
		AckWait:            DefaultAckWait,
		MaxRetries:         DefaultMaxRetries,
		PollInterval:       DefaultPollInterval,
		OnlineInterval:     DefaultOnlineInterval,
		MaxPollingRetries:  DefaultMaxPollingRetries,
		PropertiesInterval: DefaultPropertiesInterval,
	}
}

// Config describes one light. At least one of MAC and Host must be set.
type Config struct {
	MAC            protocol.MACAddress
	Host           *net.UDPAddr
	Fade           time.Duration
	Timing         Timing
	BroadcastAddrs []*net.UDPAddr

	// Product, when known from an earlier session, enables feature polling
	// before the device reports its version.
	Product *protocol.Product
}

// Engine drives one light. It wires a transport to the online monitor,
// state poller, reconciler and properties updater, and exposes the desired
// state mutation API and the observed state read API.
type Engine struct {
	id  string
	cfg Config

	transport  *Transport
	observed   *State
	desired    *State
	monitor    *OnlineMonitor
	poller     *Poller
	reconciler *Reconciler
	properties *PropertiesUpdater

	cmdMu       sync.Mutex
	lastCommand time.Time
	now         func() time.Time

	mu          sync.Mutex
	running     bool
	unsubscribe []func()
}

// NewEngine builds a stopped engine. It fails with ErrNoEndpoint when the
// light cannot be addressed.
func NewEngine(cfg Config, sched Scheduler) (*Engine, error) {
	t := cfg.Timing
	transport, err := NewTransport(TransportConfig{
		MAC:            cfg.MAC,
		Host:           cfg.Host,
		BroadcastAddrs: cfg.BroadcastAddrs,
		PacketInterval: t.PacketInterval,
	}, sched)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:        uuid.NewString(),
		cfg:       cfg,
		transport: transport,
		observed:  NewState(),
		desired:   NewState(),
		now:       time.Now,
	}
	e.properties = NewPropertiesUpdater(transport, sched, t.PropertiesInterval)
	if cfg.Product != nil {
		e.properties.SetProduct(*cfg.Product)
	}
	e.monitor = NewOnlineMonitor(transport, sched, t.OnlineInterval, t.MaxPollingRetries)
	e.poller = NewPoller(transport, sched, e.observed, e.properties, t.PollInterval)
	e.reconciler = NewReconciler(transport, sched, e.properties, ReconcilerConfig{
		Fade:           cfg.Fade,
		AckWait:        t.AckWait,
		PacketInterval: t.PacketInterval,
		MaxRetries:     t.MaxRetries,
	})
	return e, nil
}

// ID is a random identifier of this engine instance.
func (e *Engine) ID() string { return e.id }

// Start subscribes the components and opens the transport. The periodic
// components run even when opening fails, so the next offline tick retries.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.unsubscribe = []func(){
		e.transport.AddPacketListener(e.monitor),
		e.transport.AddPacketListener(e.poller),
		e.transport.AddPacketListener(e.reconciler),
		e.transport.AddPacketListener(e.properties),
		e.transport.AddOnlineListener(e.properties),
		e.transport.AddOnlineListener(e.poller),
		e.desired.AddListener(e.reconciler),
	}
	e.mu.Unlock()

	err := e.transport.Start(ctx)

	e.monitor.Start()
	e.poller.Start()
	e.reconciler.Start()
	e.properties.Start()

	log.Info().
		Str("engine", e.id).
		Str("light", e.transport.name()).
		Dur("fade", e.cfg.Fade).
		Msg("Engine started")
	return err
}

// Stop cancels all tasks, closes the transport and clears pending messages.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	e.monitor.Stop()
	e.poller.Stop()
	e.reconciler.Stop()
	e.properties.Stop()
	e.transport.Stop()
	for _, fn := range unsubscribe {
		fn()
	}
	e.observed.Reset()
	e.desired.Reset()

	log.Info().Str("engine", e.id).Str("light", e.transport.name()).Msg("Engine stopped")
}

// MAC returns the configured or learned hardware address.
func (e *Engine) MAC() protocol.MACAddress { return e.transport.MAC() }

// Endpoint returns the light's current address, if known.
func (e *Engine) Endpoint() *net.UDPAddr { return e.transport.Endpoint() }

// Online reports whether the light is presumed reachable.
func (e *Engine) Online() bool { return e.transport.Online() }

// Observed returns the last state confirmed by the light.
func (e *Engine) Observed() Snapshot { return e.observed.Snapshot() }

// Desired returns the state the engine is converging towards.
func (e *Engine) Desired() Snapshot { return e.desired.Snapshot() }

// Properties returns the identity properties collected so far.
func (e *Engine) Properties() Properties { return e.properties.Properties() }

// Features returns the light's feature set once its product is known.
func (e *Engine) Features() (protocol.Features, bool) { return e.properties.Features() }

// Pending lists messages still waiting for acknowledgement.
func (e *Engine) Pending() []PendingMessage { return e.reconciler.Pending() }

// AddStateListener subscribes to observed state changes.
func (e *Engine) AddStateListener(l StateListener) func() { return e.observed.AddListener(l) }

// AddOnlineListener subscribes to online/offline transitions.
func (e *Engine) AddOnlineListener(l OnlineListener) func() { return e.transport.AddOnlineListener(l) }

// AddPropertiesListener subscribes to completed property maps.
func (e *Engine) AddPropertiesListener(l PropertiesListener) func() { return e.properties.AddListener(l) }

// AddFailureListener subscribes to messages dropped after all retries.
func (e *Engine) AddFailureListener(l FailureListener) func() { return e.reconciler.AddFailureListener(l) }

// update applies a command to the desired state. When nothing is in flight
// and no command came within StateChangeWindow, the desired state first
// catches up with the observed one, so a command only changes what it names.
func (e *Engine) update(fn func(d *State)) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	now := e.now()
	if e.settledLocked(now) {
		e.desired.Replace(e.observed.Snapshot())
	}
	e.lastCommand = now
	fn(e.desired)
}

func (e *Engine) settledLocked(now time.Time) bool {
	return e.reconciler.Idle() && now.Sub(e.lastCommand) >= StateChangeWindow
}

func (e *Engine) setColor(d *State, c protocol.HSBK) {
	d.SetColor(c)
	d.fillZones(c)
}

func (e *Engine) kelvinRange() (uint16, uint16) {
	f, ok := e.properties.Features()
	if !ok || f.MinKelvin == 0 || f.MaxKelvin == 0 {
		return protocol.MinKelvin, protocol.MaxKelvin
	}
	return f.MinKelvin, f.MaxKelvin
}

func (e *Engine) SetPower(on bool) {
	e.update(func(d *State) { d.SetPower(protocol.PowerFromBool(on)) })
}

func (e *Engine) SetColor(c protocol.HSBK) {
	lo, hi := e.kelvinRange()
	c = c.WithKelvin(c.Kelvin, lo, hi)
	e.update(func(d *State) { e.setColor(d, c) })
}

func (e *Engine) SetHue(degrees float64) {
	e.update(func(d *State) { e.setColor(d, d.Snapshot().Color.WithHue(degrees)) })
}

func (e *Engine) SetSaturation(percent float64) {
	e.update(func(d *State) { e.setColor(d, d.Snapshot().Color.WithSaturation(percent)) })
}

func (e *Engine) SetBrightness(percent float64) {
	e.update(func(d *State) { e.setColor(d, d.Snapshot().Color.WithBrightness(percent)) })
}

func (e *Engine) SetTemperature(kelvin uint16) {
	lo, hi := e.kelvinRange()
	e.update(func(d *State) { e.setColor(d, d.Snapshot().Color.WithKelvin(kelvin, lo, hi)) })
}

// HasZone reports whether a zone command for index would be accepted.
func (e *Engine) HasZone(index int) bool {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	base := e.desired
	if e.settledLocked(e.now()) {
		base = e.observed
	}
	return index >= 0 && index < len(base.Snapshot().Zones)
}

// SetZoneColor changes one zone of a multizone light. It returns false when
// the zone is unknown.
func (e *Engine) SetZoneColor(index int, c protocol.HSBK) bool {
	var ok bool
	e.update(func(d *State) { ok = d.SetZoneColor(index, c) })
	return ok
}

func (e *Engine) SetInfrared(percent float64) {
	e.update(func(d *State) { d.SetInfrared(protocol.PercentToUint16(percent)) })
}

func (e *Engine) SetHevCycle(enable bool, duration time.Duration) {
	e.update(func(d *State) {
		h := d.Snapshot().HevCycle
		h.Enabled = enable
		h.Duration = duration
		h.Remaining = 0
		d.SetHevCycle(h)
	})
}

func (e *Engine) SetTileEffect(effect protocol.Effect) {
	e.update(func(d *State) { d.SetTileEffect(effect) })
}

// WantSignalStrength turns wifi signal polling on or off.
func (e *Engine) WantSignalStrength(want bool) {
	e.poller.WantSignalStrength(want)
}
