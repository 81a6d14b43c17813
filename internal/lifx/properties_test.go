package lifx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

func TestPropertiesUpdaterCollectsOncePerSession(t *testing.T) {
	link := newFakeLink(true)
	u := NewPropertiesUpdater(link, &manualScheduler{}, time.Second)

	var delivered []Properties
	u.AddListener(PropertiesListenerFunc(func(p Properties) { delivered = append(delivered, p) }))

	u.OnlineChanged(true)
	assert.Equal(t, []protocol.Type{
		protocol.TypeGetVersion,
		protocol.TypeGetHostFirmware,
		protocol.TypeGetWifiFirmware,
	}, types(link.take()))

	u.HandlePacket(reply(&protocol.StateVersion{Vendor: 1, Product: 31, Version: 0}, 0))

	u.tick()
	assert.Equal(t, []protocol.Type{protocol.TypeGetHostFirmware, protocol.TypeGetWifiFirmware}, types(link.take()),
		"only outstanding requests are re-sent")

	u.HandlePacket(reply(&protocol.StateHostFirmware{FirmwareVersion: protocol.FirmwareVersion{Major: 3, Minor: 70}}, 0))
	assert.Empty(t, delivered)
	u.HandlePacket(reply(&protocol.StateWifiFirmware{FirmwareVersion: protocol.FirmwareVersion{Major: 1, Minor: 1}}, 0))

	require.Len(t, delivered, 1)
	p := delivered[0]
	assert.Equal(t, "LIFX Z", p[PropertyProductName])
	assert.Equal(t, "LIFX", p[PropertyVendorName])
	assert.Equal(t, "31", p[PropertyProductID])
	assert.Equal(t, "3.70", p[PropertyHostVersion])
	assert.Equal(t, "1.1", p[PropertyWifiVersion])

	f, known := u.Features()
	assert.True(t, known)
	assert.True(t, f.Has(protocol.FeatureMultizone))

	// duplicates after completion change nothing
	u.HandlePacket(reply(&protocol.StateWifiFirmware{}, 0))
	u.tick()
	assert.Len(t, delivered, 1)
	assert.Empty(t, link.take())

	// a new session starts over
	u.OnlineChanged(false)
	assert.Empty(t, u.Properties())
	u.OnlineChanged(true)
	assert.Len(t, link.take(), 3)
}

func TestPropertiesUpdaterUnknownProduct(t *testing.T) {
	link := newFakeLink(true)
	u := NewPropertiesUpdater(link, &manualScheduler{}, time.Second)
	u.OnlineChanged(true)

	u.HandlePacket(reply(&protocol.StateVersion{Vendor: 1, Product: 60000}, 0))
	props := u.Properties()
	assert.Equal(t, "60000", props[PropertyProductID])
	assert.NotContains(t, props, PropertyProductName)

	_, known := u.Features()
	assert.False(t, known)
}

func TestPropertiesUpdaterIgnoresWhileOffline(t *testing.T) {
	link := newFakeLink(false)
	u := NewPropertiesUpdater(link, &manualScheduler{}, time.Second)

	u.HandlePacket(reply(&protocol.StateVersion{Vendor: 1, Product: 27}, 0))
	u.tick()
	assert.Empty(t, u.Properties())
	assert.Empty(t, link.take())
}
