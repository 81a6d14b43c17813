package lifx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

const DefaultPollInterval = 3 * time.Second

// featureSource reports the device's feature set once its product is known.
type featureSource interface {
	Features() (protocol.Features, bool)
}

// Poller periodically requests the device's observable state and folds the
// responses into the observed State. Optional features are only requested
// when the device's product declares them.
type Poller struct {
	link       link
	sched      Scheduler
	observed   *State
	features   featureSource
	interval   time.Duration
	wantSignal atomic.Bool

	mu   sync.Mutex
	task Task
}

func NewPoller(l link, sched Scheduler, observed *State, features featureSource, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		link:     l,
		sched:    sched,
		observed: observed,
		features: features,
		interval: interval,
	}
}

func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task == nil {
		p.task = p.sched.Every("lifx.poll", p.interval, p.tick)
	}
}

func (p *Poller) Stop() {
	p.mu.Lock()
	task := p.task
	p.task = nil
	p.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// WantSignalStrength turns wifi signal polling on or off.
func (p *Poller) WantSignalStrength(want bool) {
	p.wantSignal.Store(want)
}

// OnlineChanged polls right away when the device comes back.
func (p *Poller) OnlineChanged(online bool) {
	if online {
		p.sched.After("lifx.poll.online", 0, p.poll)
	}
}

func (p *Poller) tick() {
	if p.link.Online() {
		p.poll()
	}
}

func (p *Poller) poll() {
	for _, m := range p.requests() {
		if _, err := p.link.SendPacket(protocol.NewPacket(m)); err != nil {
			log.Debug().Err(err).Str("light", p.link.name()).Msg("State poll aborted")
			return
		}
	}
}

// requests is the poll battery for the current feature set.
func (p *Poller) requests() []protocol.Message {
	out := []protocol.Message{&protocol.Get{}}
	f, _ := p.features.Features()
	if f.Has(protocol.FeatureHEV) {
		out = append(out, &protocol.GetHevCycle{})
	}
	if f.Has(protocol.FeatureInfrared) {
		out = append(out, &protocol.GetInfrared{})
	}
	if f.Has(protocol.FeatureMultizone) {
		out = append(out, &protocol.GetColorZones{StartIndex: 0, EndIndex: 255})
	}
	if f.Has(protocol.FeatureTileEffects) {
		out = append(out, &protocol.GetTileEffect{})
	}
	if p.wantSignal.Load() {
		out = append(out, &protocol.GetWifiInfo{})
	}
	return out
}

// HandlePacket folds state responses into the observed state. Responses to
// acknowledgement read-backs arrive here as well.
func (p *Poller) HandlePacket(pk *protocol.Packet) {
	switch m := pk.Payload.(type) {
	case *protocol.State:
		p.observed.SetColor(m.Color)
		p.observed.SetPower(m.Power)
	case *protocol.StateLightPower:
		p.observed.SetPower(m.Level)
	case *protocol.StateHevCycle:
		p.observed.SetHevCycle(HevCycle{
			Enabled:   m.Remaining > 0,
			Duration:  m.Duration,
			Remaining: m.Remaining,
			LastPower: m.LastPower,
		})
	case *protocol.StateInfrared:
		p.observed.SetInfrared(m.Brightness)
	case *protocol.StateZone:
		p.observed.SetZones(int(m.Count), int(m.Index), m.Color)
	case *protocol.StateMultiZone:
		p.observed.SetZones(int(m.Count), int(m.Index), m.Colors[:]...)
	case *protocol.StateTileEffect:
		p.observed.SetTileEffect(m.Effect)
	case *protocol.StateWifiInfo:
		p.observed.SetSignal(m.Signal)
	}
}
