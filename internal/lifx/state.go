package lifx

import (
	"math"
	"sync"
	"time"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// Field names one independently reconciled part of a light's state.
type Field string

const (
	FieldPower      Field = "power"
	FieldColor      Field = "color"
	FieldZones      Field = "zones"
	FieldInfrared   Field = "infrared"
	FieldHevCycle   Field = "hev_cycle"
	FieldTileEffect Field = "tile_effect"
	FieldSignal     Field = "signal"
)

// HevCycle is the germicidal (UV) cycle state of Clean devices.
type HevCycle struct {
	Enabled   bool          `json:"enabled"`
	Duration  time.Duration `json:"duration"`
	Remaining time.Duration `json:"remaining"`
	LastPower bool          `json:"last_power"`
}

// Snapshot is a point-in-time copy of a light's color and feature state.
// Signal is the raw wifi reading in mW.
type Snapshot struct {
	Power      protocol.Power  `json:"power"`
	Color      protocol.HSBK   `json:"color"`
	Zones      []protocol.HSBK `json:"zones,omitempty"`
	Infrared   uint16          `json:"infrared"`
	HevCycle   HevCycle        `json:"hev_cycle"`
	TileEffect protocol.Effect `json:"tile_effect"`
	Signal     float32         `json:"signal"`
}

// RSSI converts the wifi signal reading to dBm.
func (s Snapshot) RSSI() float64 {
	if s.Signal <= 0 {
		return 0
	}
	return math.Floor(10*math.Log10(float64(s.Signal)) + 0.5)
}

// SignalStrength buckets the signal into 0 (none) to 4 (excellent).
func (s Snapshot) SignalStrength() int {
	rssi := s.RSSI()
	switch {
	case rssi == 0 || rssi < -80:
		return 0
	case rssi < -70:
		return 1
	case rssi < -60:
		return 2
	case rssi < -50:
		return 3
	default:
		return 4
	}
}

func (s Snapshot) clone() Snapshot {
	if s.Zones != nil {
		s.Zones = append([]protocol.HSBK(nil), s.Zones...)
	}
	s.TileEffect = s.TileEffect.Clone()
	return s
}

// Change describes one field transition. Zone is the zone index for
// FieldZones and -1 otherwise.
type Change struct {
	Field Field
	Zone  int
	Old   Snapshot
	New   Snapshot
}

// StateListener receives field changes.
type StateListener interface {
	StateChanged(c Change)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(c Change)

func (f StateListenerFunc) StateChanged(c Change) { f(c) }

// State holds one light state (observed or desired) and notifies listeners
// about every field that actually changes. Listeners run on the writer's
// goroutine after the lock is released, so they may read the state again.
type State struct {
	mu  sync.RWMutex
	cur Snapshot

	listeners registry[StateListener]
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// AddListener registers l and returns a function that removes it.
func (s *State) AddListener(l StateListener) func() {
	return s.listeners.add(l)
}

// Replace overwrites the whole state without notifying anyone.
func (s *State) Replace(snap Snapshot) {
	s.mu.Lock()
	s.cur = snap.clone()
	s.mu.Unlock()
}

// Reset clears the state without notifying anyone.
func (s *State) Reset() {
	s.Replace(Snapshot{})
}

func (s *State) SetPower(p protocol.Power) {
	s.mu.Lock()
	if s.cur.Power == p {
		s.mu.Unlock()
		return
	}
	old := s.cur.clone()
	s.cur.Power = p
	s.commit(Change{Field: FieldPower, Zone: -1, Old: old})
}

func (s *State) SetColor(c protocol.HSBK) {
	s.mu.Lock()
	if s.cur.Color == c {
		s.mu.Unlock()
		return
	}
	old := s.cur.clone()
	s.cur.Color = c
	s.commit(Change{Field: FieldColor, Zone: -1, Old: old})
}

// SetZones stores colors for consecutive zones starting at index. count is
// the total number of zones the device reports; the zone list is resized to
// match. Each zone that changes produces its own notification.
func (s *State) SetZones(count, index int, colors ...protocol.HSBK) {
	if count < 0 || index < 0 {
		return
	}
	s.mu.Lock()
	old := s.cur.clone()
	if len(s.cur.Zones) != count {
		var zones []protocol.HSBK
		if count > 0 {
			zones = make([]protocol.HSBK, count)
			copy(zones, s.cur.Zones)
		}
		s.cur.Zones = zones
	}

	var changes []Change
	for i, c := range colors {
		z := index + i
		if z >= count {
			break
		}
		if s.cur.Zones[z] != c {
			s.cur.Zones[z] = c
			changes = append(changes, Change{Field: FieldZones, Zone: z, Old: old})
		}
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return
	}
	s.commit(changes...)
}

// SetZoneColor changes a single zone. Indexes outside the known zone range
// are ignored and reported as false.
func (s *State) SetZoneColor(index int, c protocol.HSBK) bool {
	s.mu.RLock()
	count := len(s.cur.Zones)
	s.mu.RUnlock()
	if index < 0 || index >= count {
		return false
	}
	s.SetZones(count, index, c)
	return true
}

// fillZones sets every zone to c without notifying. A whole-device color
// change covers all zones, so the per-zone view must follow silently.
func (s *State) fillZones(c protocol.HSBK) {
	s.mu.Lock()
	for i := range s.cur.Zones {
		s.cur.Zones[i] = c
	}
	s.mu.Unlock()
}

func (s *State) SetInfrared(level uint16) {
	s.mu.Lock()
	if s.cur.Infrared == level {
		s.mu.Unlock()
		return
	}
	old := s.cur.clone()
	s.cur.Infrared = level
	s.commit(Change{Field: FieldInfrared, Zone: -1, Old: old})
}

func (s *State) SetHevCycle(h HevCycle) {
	s.mu.Lock()
	if s.cur.HevCycle == h {
		s.mu.Unlock()
		return
	}
	old := s.cur.clone()
	s.cur.HevCycle = h
	s.commit(Change{Field: FieldHevCycle, Zone: -1, Old: old})
}

func (s *State) SetTileEffect(e protocol.Effect) {
	s.mu.Lock()
	if s.cur.TileEffect.Equal(e) {
		s.mu.Unlock()
		return
	}
	old := s.cur.clone()
	s.cur.TileEffect = e.Clone()
	s.commit(Change{Field: FieldTileEffect, Zone: -1, Old: old})
}

func (s *State) SetSignal(mw float32) {
	s.mu.Lock()
	if s.cur.Signal == mw {
		s.mu.Unlock()
		return
	}
	old := s.cur.clone()
	s.cur.Signal = mw
	s.commit(Change{Field: FieldSignal, Zone: -1, Old: old})
}

// commit must be called with s.mu held. It releases the lock and notifies.
func (s *State) commit(changes ...Change) {
	snap := s.cur.clone()
	s.mu.Unlock()

	listeners := s.listeners.snapshot()
	for _, c := range changes {
		c.New = snap
		for _, l := range listeners {
			l.StateChanged(c)
		}
	}
}
