package lifx

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

const (
	DefaultOnlineInterval    = 15 * time.Second
	DefaultMaxPollingRetries = 3
)

// OnlineMonitor decides when a device is online. Any inbound packet marks it
// online. While online and quiet for longer than the interval it sends echo
// probes; once more than maxRetries go unanswered it marks the device
// offline. While offline it re-sends a service probe on every tick, which
// also reopens a transport that failed to start.
type OnlineMonitor struct {
	link       link
	sched      Scheduler
	interval   time.Duration
	maxRetries int
	now        func() time.Time

	mu         sync.Mutex
	lastSeen   time.Time
	unanswered int
	task       Task
}

func NewOnlineMonitor(l link, sched Scheduler, interval time.Duration, maxRetries int) *OnlineMonitor {
	if interval <= 0 {
		interval = DefaultOnlineInterval
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxPollingRetries
	}
	return &OnlineMonitor{
		link:       l,
		sched:      sched,
		interval:   interval,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (m *OnlineMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task != nil {
		return
	}
	m.lastSeen = m.now()
	m.unanswered = 0
	m.task = m.sched.Every("lifx.online", m.interval, m.tick)
}

func (m *OnlineMonitor) Stop() {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// HandlePacket treats any inbound traffic as proof of life.
func (m *OnlineMonitor) HandlePacket(_ *protocol.Packet) {
	m.mu.Lock()
	m.lastSeen = m.now()
	m.unanswered = 0
	m.mu.Unlock()
	m.link.SetOnline(true)
}

// Unanswered returns the number of echo probes sent since the last packet.
func (m *OnlineMonitor) Unanswered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unanswered
}

func (m *OnlineMonitor) tick() {
	if !m.link.Online() {
		if err := m.link.SendDiscovery(); err != nil {
			log.Debug().Err(err).Str("light", m.link.name()).Msg("Service probe failed")
		}
		return
	}

	now := m.now()
	m.mu.Lock()
	if now.Sub(m.lastSeen) <= m.interval {
		m.mu.Unlock()
		return
	}
	m.unanswered++
	attempt := m.unanswered
	exhausted := attempt > m.maxRetries
	if exhausted {
		m.unanswered = 0
	}
	m.mu.Unlock()

	if exhausted {
		log.Info().Str("light", m.link.name()).Int("unanswered", attempt-1).Msg("Echo probes unanswered, marking offline")
		m.link.SetOnline(false)
		return
	}

	echo := &protocol.EchoRequest{}
	binary.LittleEndian.PutUint64(echo.Payload[:8], uint64(now.UnixNano()))
	if _, err := m.link.SendPacket(protocol.NewPacket(echo)); err != nil {
		log.Debug().Err(err).Str("light", m.link.name()).Msg("Echo probe failed")
		return
	}
	log.Debug().Str("light", m.link.name()).Int("attempt", attempt).Msg("Echo probe sent")
}
