package lifx

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

func TestDiscoveryScan(t *testing.T) {
	kitchen := newFakeBulb(t, "D073D5000001", 27, "Kitchen")
	unknown := newFakeBulb(t, "D073D5000002", 60000, "Mystery")
	strip := newFakeBulb(t, "D073D5000003", 31, "")

	d := NewDiscovery(DiscoveryConfig{
		Window:         700 * time.Millisecond,
		Debounce:       50 * time.Millisecond,
		PacketInterval: 5 * time.Millisecond,
		BroadcastAddrs: []*net.UDPAddr{kitchen.Addr(), unknown.Addr(), strip.Addr()},
	})

	var mu sync.Mutex
	var emitted []DiscoveryResult
	d.AddListener(DiscoveryListenerFunc(func(r DiscoveryResult) {
		mu.Lock()
		emitted = append(emitted, r)
		mu.Unlock()
	}))

	results, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	sort.Slice(results, func(i, j int) bool { return results[i].MAC.Hex() < results[j].MAC.Hex() })
	assert.Equal(t, kitchen.mac, results[0].MAC)
	assert.Equal(t, "Kitchen", results[0].Label)
	assert.Equal(t, "LIFX A19", results[0].ProductName)
	assert.Equal(t, "LIFX", results[0].VendorName)
	assert.Equal(t, kitchen.Addr().String(), results[0].Host)

	assert.Equal(t, strip.mac, results[1].MAC)
	assert.Equal(t, "LIFX Z", results[1].Label, "empty label falls back to product name")
	assert.Contains(t, results[1].Features, "multizone")

	mu.Lock()
	assert.Len(t, emitted, 2, "each device is emitted once")
	mu.Unlock()

	assert.Len(t, unknown.receivedOf(protocol.TypeGetService), 1)
	assert.NotEmpty(t, unknown.receivedOf(protocol.TypeGetVersion))
}

func TestDiscoveryRejectsConcurrentScans(t *testing.T) {
	d := NewDiscovery(DiscoveryConfig{
		Window:         200 * time.Millisecond,
		BroadcastAddrs: []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: 9}},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Scan(context.Background())
	}()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.running
	}, time.Second, time.Millisecond)

	_, err := d.Scan(context.Background())
	assert.ErrorIs(t, err, ErrScanInProgress)
	<-done
}
