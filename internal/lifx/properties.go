package lifx

import (
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

const DefaultPropertiesInterval = 15 * time.Second

// Property keys.
const (
	PropertyVendorID        = "vendor_id"
	PropertyVendorName      = "vendor_name"
	PropertyProductID       = "product_id"
	PropertyProductName     = "product_name"
	PropertyHardwareVersion = "hardware_version"
	PropertyHostVersion     = "host_version"
	PropertyWifiVersion     = "wifi_version"
	PropertyFeatures        = "features"
)

// Properties is the identity map of a device, assembled once per online session.
type Properties map[string]string

// PropertiesListener receives the completed property map.
type PropertiesListener interface {
	PropertiesReady(p Properties)
}

// PropertiesListenerFunc adapts a function to PropertiesListener.
type PropertiesListenerFunc func(p Properties)

func (f PropertiesListenerFunc) PropertiesReady(p Properties) { f(p) }

// identityRequests maps each awaited response type to the request for it.
func identityRequests() map[protocol.Type]protocol.Message {
	return map[protocol.Type]protocol.Message{
		protocol.TypeStateVersion:      &protocol.GetVersion{},
		protocol.TypeStateHostFirmware: &protocol.GetHostFirmware{},
		protocol.TypeStateWifiFirmware: &protocol.GetWifiFirmware{},
	}
}

// PropertiesUpdater collects version and firmware information whenever the
// device comes online. Outstanding requests are re-sent on an interval until
// all responses arrived; the finished map is delivered once per session.
type PropertiesUpdater struct {
	link     link
	sched    Scheduler
	interval time.Duration

	mu          sync.Mutex
	active      bool
	delivered   bool
	outstanding map[protocol.Type]protocol.Message
	props       Properties
	features    protocol.Features
	known       bool
	task        Task

	listeners registry[PropertiesListener]
}

func NewPropertiesUpdater(l link, sched Scheduler, interval time.Duration) *PropertiesUpdater {
	if interval <= 0 {
		interval = DefaultPropertiesInterval
	}
	return &PropertiesUpdater{
		link:     l,
		sched:    sched,
		interval: interval,
		props:    Properties{},
	}
}

func (u *PropertiesUpdater) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.task == nil {
		u.task = u.sched.Every("lifx.properties", u.interval, u.tick)
	}
}

func (u *PropertiesUpdater) Stop() {
	u.mu.Lock()
	task := u.task
	u.task = nil
	u.active = false
	u.outstanding = nil
	u.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// AddListener registers l and returns a function that removes it.
func (u *PropertiesUpdater) AddListener(l PropertiesListener) func() {
	return u.listeners.add(l)
}

// Properties returns a copy of what has been collected so far.
func (u *PropertiesUpdater) Properties() Properties {
	u.mu.Lock()
	defer u.mu.Unlock()
	return maps.Clone(u.props)
}

// Features returns the feature set of the device's product, once known.
func (u *PropertiesUpdater) Features() (protocol.Features, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.features, u.known
}

// SetProduct seeds the feature set from a product remembered elsewhere, so
// optional features are polled before the version response arrives.
func (u *PropertiesUpdater) SetProduct(p protocol.Product) {
	u.mu.Lock()
	u.features = p.Features
	u.known = true
	u.mu.Unlock()
}

// OnlineChanged starts a new session when the device comes online and
// discards the collected map when it goes away.
func (u *PropertiesUpdater) OnlineChanged(online bool) {
	u.mu.Lock()
	u.active = online
	u.delivered = false
	u.props = Properties{}
	if online {
		u.outstanding = identityRequests()
	} else {
		u.outstanding = nil
	}
	u.mu.Unlock()

	if online {
		u.sched.After("lifx.properties.online", 0, u.sendOutstanding)
	}
}

func (u *PropertiesUpdater) tick() {
	if u.link.Online() {
		u.sendOutstanding()
	}
}

func (u *PropertiesUpdater) sendOutstanding() {
	u.mu.Lock()
	if !u.active {
		u.mu.Unlock()
		return
	}
	reqs := make([]protocol.Message, 0, len(u.outstanding))
	for _, t := range []protocol.Type{protocol.TypeStateVersion, protocol.TypeStateHostFirmware, protocol.TypeStateWifiFirmware} {
		if m, ok := u.outstanding[t]; ok {
			reqs = append(reqs, m)
		}
	}
	u.mu.Unlock()

	for _, m := range reqs {
		if _, err := u.link.SendPacket(protocol.NewPacket(m)); err != nil {
			log.Debug().Err(err).Str("light", u.link.name()).Msg("Property request failed")
			return
		}
	}
}

func (u *PropertiesUpdater) HandlePacket(pk *protocol.Packet) {
	u.mu.Lock()
	if !u.active {
		u.mu.Unlock()
		return
	}
	if _, waiting := u.outstanding[pk.Type]; !waiting {
		u.mu.Unlock()
		return
	}

	switch m := pk.Payload.(type) {
	case *protocol.StateVersion:
		u.props[PropertyVendorID] = strconv.FormatUint(uint64(m.Vendor), 10)
		u.props[PropertyProductID] = strconv.FormatUint(uint64(m.Product), 10)
		u.props[PropertyHardwareVersion] = strconv.FormatUint(uint64(m.Version), 10)
		if product, ok := protocol.LookupProduct(m.Vendor, m.Product); ok {
			u.props[PropertyVendorName] = product.VendorName()
			u.props[PropertyProductName] = product.Name
			u.props[PropertyFeatures] = product.Features.String()
			u.features = product.Features
			u.known = true
		} else {
			log.Debug().
				Str("light", u.link.name()).
				Uint32("vendor", m.Vendor).
				Uint32("product", m.Product).
				Msg("Unknown product")
		}
	case *protocol.StateHostFirmware:
		u.props[PropertyHostVersion] = m.FirmwareVersion.String()
	case *protocol.StateWifiFirmware:
		u.props[PropertyWifiVersion] = m.FirmwareVersion.String()
	}
	delete(u.outstanding, pk.Type)

	var ready Properties
	if len(u.outstanding) == 0 && !u.delivered {
		u.delivered = true
		ready = maps.Clone(u.props)
	}
	u.mu.Unlock()

	if ready == nil {
		return
	}
	log.Info().
		Str("light", u.link.name()).
		Str("product", ready[PropertyProductName]).
		Str("firmware", ready[PropertyHostVersion]).
		Msg("Light properties collected")
	for _, l := range u.listeners.snapshot() {
		l.PropertiesReady(ready)
	}
}
