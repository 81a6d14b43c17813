package lifx

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

func TestTransportReopensAfterFailedStart(t *testing.T) {
	bulb := newFakeBulb(t, "d0:73:d5:00:00:01", 27, "Desk")
	tr, err := NewTransport(TransportConfig{
		MAC:            bulb.mac,
		Host:           bulb.Addr(),
		BroadcastAddrs: []*net.UDPAddr{{IP: net.IPv4(127, 255, 255, 255), Port: 1}},
		PacketInterval: time.Millisecond,
	}, &manualScheduler{})
	require.NoError(t, err)

	failures := 2
	tr.open = func() (*Multiplexer, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("address in use")
		}
		return tr.openMultiplexer()
	}
	t.Cleanup(tr.Stop)

	require.Error(t, tr.Start(t.Context()))
	assert.Nil(t, tr.Endpoint())

	// Offline ticks retry the open until it succeeds
	assert.Error(t, tr.SendDiscovery())
	require.NoError(t, tr.SendDiscovery())
	assert.NotNil(t, tr.Endpoint())
	require.Eventually(t, func() bool {
		return len(bulb.receivedOf(protocol.TypeGetService)) == 1
	}, time.Second, 5*time.Millisecond, "reopen sends exactly one GetService")

	require.NoError(t, tr.SendDiscovery())
	require.Eventually(t, func() bool {
		return len(bulb.receivedOf(protocol.TypeGetService)) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestTransportStaysClosedAfterStop(t *testing.T) {
	tr, err := NewTransport(TransportConfig{
		Host:           &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		BroadcastAddrs: []*net.UDPAddr{{IP: net.IPv4(127, 255, 255, 255), Port: 1}},
	}, &manualScheduler{})
	require.NoError(t, err)
	opens := 0
	tr.open = func() (*Multiplexer, error) {
		opens++
		return nil, errors.New("no sockets")
	}

	require.Error(t, tr.Start(context.Background()))
	tr.Stop()

	assert.ErrorIs(t, tr.SendDiscovery(), ErrNotStarted)
	assert.Equal(t, 1, opens)
}
