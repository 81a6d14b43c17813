package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/config"
	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/ledger"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
	"github.com/dokzlo13/lifxd/internal/storage"
)

// LedgerService records light events in the ledger and prunes old entries.
type LedgerService struct {
	ledger    *ledger.Ledger
	interval  time.Duration
	retention time.Duration
}

func NewLedgerService(l *ledger.Ledger, cfg config.LedgerConfig) *LedgerService {
	return &LedgerService{
		ledger:    l,
		interval:  cfg.CleanupInterval.Duration(),
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
}

// Register subscribes to online transitions, delivery failures and discoveries.
func (s *LedgerService) Register(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeOnline, func(e eventbus.Event) {
		online, _ := e.Data[eventbus.KeyOnline].(bool)
		s.check(e, s.ledger.RecordOnline(e.MAC(), engineOf(e), online))
	})
	bus.Subscribe(eventbus.EventTypeDeliveryFailed, func(e eventbus.Event) {
		if f, ok := e.Data[eventbus.KeyFailure].(lifx.Failure); ok {
			s.check(e, s.ledger.RecordFailure(e.MAC(), engineOf(e), f))
		}
	})
	bus.Subscribe(eventbus.EventTypeDiscovery, func(e eventbus.Event) {
		if r, ok := e.Data[eventbus.KeyResult].(lifx.DiscoveryResult); ok {
			s.check(e, s.ledger.RecordDiscovery(r))
		}
	})
}

func engineOf(e eventbus.Event) string {
	engine, _ := e.Data[eventbus.KeyEngine].(string)
	return engine
}

func (s *LedgerService) check(e eventbus.Event, err error) {
	if err != nil {
		log.Error().Err(err).Str("mac", e.MAC()).Str("event", string(e.Type)).Msg("Failed to record ledger event")
	}
}

// Run prunes entries older than the retention on start and every interval.
func (s *LedgerService) Run(ctx context.Context) error {
	if s.interval <= 0 || s.retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.cleanup()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *LedgerService) cleanup() {
	n, err := s.ledger.DeleteOlderThan(s.retention)
	if err != nil {
		log.Error().Err(err).Msg("Ledger cleanup failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Dur("retention", s.retention).Msg("Ledger cleanup")
	}
}

// registerInventory keeps the inventory in step with discovery results and
// property maps.
func registerInventory(bus *eventbus.Bus, inv *storage.Inventory) {
	bus.Subscribe(eventbus.EventTypeDiscovery, func(e eventbus.Event) {
		r, ok := e.Data[eventbus.KeyResult].(lifx.DiscoveryResult)
		if !ok {
			return
		}
		if err := inv.RecordDiscovery(r); err != nil {
			log.Error().Err(err).Str("mac", r.MAC.Hex()).Msg("Failed to store discovery result")
		}
	})
	bus.Subscribe(eventbus.EventTypeProperties, func(e eventbus.Event) {
		props, ok := e.Data[eventbus.KeyProperties].(lifx.Properties)
		if !ok {
			return
		}
		mac, err := protocol.ParseMAC(e.MAC())
		if err != nil {
			return
		}
		if err := inv.RecordProperties(mac, props); err != nil {
			log.Error().Err(err).Str("mac", e.MAC()).Msg("Failed to store properties")
		}
	})
}
