package lifx

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

const (
	DefaultAckWait    = 250 * time.Millisecond
	DefaultMaxRetries = 3
	DefaultFade       = 300 * time.Millisecond
)

// slot is the coalescing key for whole-device messages. Each slot holds at
// most one pending message; zone messages live beside them keyed by zone.
type slot int

const (
	slotColor slot = iota
	slotPower
	slotInfrared
	slotHevCycle
	slotTileEffect
	numSlots
)

type pendingPacket struct {
	packet    *protocol.Packet
	zone      int
	order     uint64
	sendCount int
	lastSent  time.Time
}

func (p *pendingPacket) due(now time.Time, ackWait time.Duration) bool {
	return p.sendCount == 0 || now.Sub(p.lastSent) >= ackWait
}

// PendingMessage describes a message waiting for acknowledgement.
type PendingMessage struct {
	Type      protocol.Type
	Zone      int
	Sequence  uint8
	SendCount int
	Packet    *protocol.Packet
}

// Failure describes a message dropped after exhausting its retries.
type Failure struct {
	Type     protocol.Type
	Zone     int
	Attempts int
}

// FailureListener is told about messages that were never acknowledged.
type FailureListener interface {
	DeliveryFailed(f Failure)
}

// FailureListenerFunc adapts a function to FailureListener.
type FailureListenerFunc func(f Failure)

func (fn FailureListenerFunc) DeliveryFailed(f Failure) { fn(f) }

// ReconcilerConfig tunes delivery.
type ReconcilerConfig struct {
	Fade           time.Duration
	AckWait        time.Duration
	PacketInterval time.Duration
	MaxRetries     int
}

// Reconciler converges a device towards the desired State. It listens to the
// desired state, turns each field change into a set message that requires an
// acknowledgement, and resends unacknowledged messages until they are acked
// or have been sent more than MaxRetries times. An acknowledgement triggers a
// read-back so the observed state catches up without waiting for a poll.
type Reconciler struct {
	link     link
	sched    Scheduler
	features featureSource
	cfg      ReconcilerConfig
	now      func() time.Time

	mu    sync.Mutex
	slots [numSlots]*pendingPacket
	zones map[int]*pendingPacket
	order uint64
	task  Task

	failures registry[FailureListener]
}

func NewReconciler(l link, sched Scheduler, features featureSource, cfg ReconcilerConfig) *Reconciler {
	if cfg.Fade < 0 {
		cfg.Fade = 0
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultAckWait
	}
	if cfg.PacketInterval <= 0 {
		cfg.PacketInterval = DefaultPacketInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Reconciler{
		link:     l,
		sched:    sched,
		features: features,
		cfg:      cfg,
		now:      time.Now,
		zones:    make(map[int]*pendingPacket),
	}
}

func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task == nil {
		r.task = r.sched.Every("lifx.reconcile", r.cfg.PacketInterval, r.tick)
	}
}

// Stop cancels the sender and forgets everything pending.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	task := r.task
	r.task = nil
	r.slots = [numSlots]*pendingPacket{}
	r.zones = make(map[int]*pendingPacket)
	r.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// AddFailureListener registers l and returns a function that removes it.
func (r *Reconciler) AddFailureListener(l FailureListener) func() {
	return r.failures.add(l)
}

// Idle reports whether nothing is waiting to be delivered.
func (r *Reconciler) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.slots {
		if p != nil {
			return false
		}
	}
	return len(r.zones) == 0
}

// Pending lists the messages waiting for acknowledgement, oldest first.
func (r *Reconciler) Pending() []PendingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.allLocked()
	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })
	out := make([]PendingMessage, 0, len(all))
	for _, p := range all {
		out = append(out, PendingMessage{
			Type:      p.packet.Payload.Type(),
			Zone:      p.zone,
			Sequence:  p.packet.Sequence,
			SendCount: p.sendCount,
			Packet:    p.packet,
		})
	}
	return out
}

// StateChanged turns a desired-state change into a pending message.
func (r *Reconciler) StateChanged(c Change) {
	fade := r.cfg.Fade
	switch c.Field {
	case FieldColor:
		r.enqueue(slotColor, -1, &protocol.SetColor{Color: c.New.Color, Duration: fade})
	case FieldZones:
		if c.Zone < 0 || c.Zone >= len(c.New.Zones) || c.Zone > 255 {
			return
		}
		r.enqueue(slotColor, c.Zone, &protocol.SetColorZones{
			StartIndex: uint8(c.Zone),
			EndIndex:   uint8(c.Zone),
			Color:      c.New.Zones[c.Zone],
			Duration:   fade,
			Apply:      protocol.ApplyApply,
		})
	case FieldPower:
		r.enqueue(slotPower, -1, &protocol.SetLightPower{Level: c.New.Power, Duration: fade})
	case FieldInfrared:
		r.enqueue(slotInfrared, -1, &protocol.SetInfrared{Brightness: c.New.Infrared})
	case FieldHevCycle:
		// duration is meaningless while disabled
		if !c.Old.HevCycle.Enabled && !c.New.HevCycle.Enabled {
			return
		}
		r.enqueue(slotHevCycle, -1, &protocol.SetHevCycle{
			Enable:   c.New.HevCycle.Enabled,
			Duration: c.New.HevCycle.Duration,
		})
	case FieldTileEffect:
		r.enqueue(slotTileEffect, -1, &protocol.SetTileEffect{Effect: c.New.TileEffect.Clone()})
	}
}

// enqueue replaces the pending message of the same kind. A whole-device
// color message and zone messages exclude each other.
func (r *Reconciler) enqueue(s slot, zone int, m protocol.Message) {
	p := protocol.NewPacket(m)
	p.AckRequired = true
	p.ResRequired = false

	r.mu.Lock()
	defer r.mu.Unlock()
	r.order++
	pp := &pendingPacket{packet: p, zone: zone, order: r.order}

	switch {
	case s == slotColor && zone >= 0:
		r.slots[slotColor] = nil
		r.zones[zone] = pp
	case s == slotColor:
		r.zones = make(map[int]*pendingPacket)
		r.slots[slotColor] = pp
	default:
		r.slots[s] = pp
	}
	log.Debug().Str("light", r.link.name()).Str("type", m.Type().String()).Int("zone", zone).Msg("Queued state change")
}

func (r *Reconciler) allLocked() []*pendingPacket {
	var out []*pendingPacket
	for _, p := range r.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	for _, p := range r.zones {
		out = append(out, p)
	}
	return out
}

// removeFailedLocked drops every message sent more than MaxRetries times
// once the ack wait of its last send has passed.
func (r *Reconciler) removeFailedLocked(now time.Time) []Failure {
	exhausted := func(p *pendingPacket) bool {
		return p.sendCount > r.cfg.MaxRetries && p.due(now, r.cfg.AckWait)
	}
	var failed []Failure
	for i, p := range r.slots {
		if p != nil && exhausted(p) {
			r.slots[i] = nil
			failed = append(failed, Failure{Type: p.packet.Payload.Type(), Zone: p.zone, Attempts: p.sendCount})
		}
	}
	for z, p := range r.zones {
		if exhausted(p) {
			delete(r.zones, z)
			failed = append(failed, Failure{Type: p.packet.Payload.Type(), Zone: p.zone, Attempts: p.sendCount})
		}
	}
	return failed
}

// nextDueLocked picks the message sent longest ago whose ack wait has passed.
// Unsent messages count as sent at the zero time; ties go to the older entry.
func (r *Reconciler) nextDueLocked(now time.Time) *pendingPacket {
	var best *pendingPacket
	for _, p := range r.allLocked() {
		if !p.due(now, r.cfg.AckWait) {
			continue
		}
		if best == nil || p.lastSent.Before(best.lastSent) ||
			(p.lastSent.Equal(best.lastSent) && p.order < best.order) {
			best = p
		}
	}
	return best
}

func (r *Reconciler) tick() {
	if !r.link.Online() {
		return
	}
	now := r.now()

	r.mu.Lock()
	failed := r.removeFailedLocked(now)
	next := r.nextDueLocked(now)
	var pkt *protocol.Packet
	if next != nil {
		if next.sendCount == 0 {
			next.packet.Sequence = r.link.NextSequence()
		}
		next.sendCount++
		next.lastSent = now
		pkt = next.packet
	}
	r.mu.Unlock()

	for _, f := range failed {
		log.Warn().
			Str("light", r.link.name()).
			Str("type", f.Type.String()).
			Int("attempts", f.Attempts).
			Msg("Message not acknowledged, giving up")
		for _, l := range r.failures.snapshot() {
			l.DeliveryFailed(f)
		}
	}

	if pkt == nil {
		return
	}
	if err := r.link.ResendPacket(pkt); err != nil {
		log.Debug().Err(err).Str("light", r.link.name()).Str("type", pkt.Payload.Type().String()).Msg("Send of pending message failed")
	}
}

// HandlePacket matches acknowledgements to pending messages.
func (r *Reconciler) HandlePacket(pk *protocol.Packet) {
	if _, ok := pk.Payload.(*protocol.Acknowledgement); !ok {
		return
	}

	r.mu.Lock()
	var acked *pendingPacket
	for i, p := range r.slots {
		if p != nil && p.sendCount > 0 && p.packet.Sequence == pk.Sequence {
			acked = p
			r.slots[i] = nil
			break
		}
	}
	if acked == nil {
		for z, p := range r.zones {
			if p.sendCount > 0 && p.packet.Sequence == pk.Sequence {
				acked = p
				delete(r.zones, z)
				break
			}
		}
	}
	r.mu.Unlock()

	if acked == nil {
		return
	}
	t := acked.packet.Payload.Type()
	log.Debug().Str("light", r.link.name()).Str("type", t.String()).Uint8("seq", pk.Sequence).Int("sends", acked.sendCount).Msg("Acknowledged")
	r.readBack(t)
}

// readBack requests the state an acknowledged message changed.
func (r *Reconciler) readBack(t protocol.Type) {
	f, _ := r.features.Features()
	multizone := f.Has(protocol.FeatureMultizone)

	var reqs []protocol.Message
	switch t {
	case protocol.TypeSetColor:
		reqs = append(reqs, &protocol.Get{})
		if multizone {
			reqs = append(reqs, &protocol.GetColorZones{StartIndex: 0, EndIndex: 255})
		}
	case protocol.TypeSetColorZones:
		reqs = append(reqs, &protocol.GetColorZones{StartIndex: 0, EndIndex: 255})
	case protocol.TypeSetLightPower:
		reqs = append(reqs, &protocol.GetLightPower{})
	case protocol.TypeSetInfrared:
		reqs = append(reqs, &protocol.GetInfrared{})
	case protocol.TypeSetHevCycle:
		reqs = append(reqs, &protocol.GetHevCycle{})
	case protocol.TypeSetTileEffect:
		reqs = append(reqs, &protocol.GetTileEffect{})
	}
	for _, m := range reqs {
		if _, err := r.link.SendPacket(protocol.NewPacket(m)); err != nil {
			log.Debug().Err(err).Str("light", r.link.name()).Msg("Read-back failed")
			return
		}
	}
}
