package app

import (
	"context"
	"net"

	"github.com/dokzlo13/lifxd/internal/config"
	"github.com/dokzlo13/lifxd/internal/lifx"
)

func newDiscovery(cfg config.DiscoveryConfig, broadcast []*net.UDPAddr, t lifx.Timing) *lifx.Discovery {
	return lifx.NewDiscovery(lifx.DiscoveryConfig{
		Window:         cfg.Window.Duration(),
		Debounce:       cfg.Debounce.Duration(),
		PacketInterval: t.PacketInterval,
		BroadcastAddrs: broadcast,
	})
}

// Scan runs a single discovery pass using the configured broadcast addresses
// and timing. It needs no database and starts no engines.
func Scan(ctx context.Context, cfg *config.Config) ([]lifx.DiscoveryResult, error) {
	broadcast, err := broadcastAddrs(cfg.Lifx.Broadcast)
	if err != nil {
		return nil, err
	}
	return newDiscovery(cfg.Discovery, broadcast, timing(cfg.Lifx.Timing)).Scan(ctx)
}
