package lifx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

func TestPollerRequestsFollowFeatures(t *testing.T) {
	tests := []struct {
		name     string
		features staticFeatures
		signal   bool
		want     []protocol.Type
	}{
		{
			name: "unknown_product",
			want: []protocol.Type{protocol.TypeGet},
		},
		{
			name:     "plain_color",
			features: productFeatures(t, 27),
			want:     []protocol.Type{protocol.TypeGet},
		},
		{
			name:     "multizone_with_signal",
			features: productFeatures(t, 32),
			signal:   true,
			want:     []protocol.Type{protocol.TypeGet, protocol.TypeGetColorZones, protocol.TypeGetWifiInfo},
		},
		{
			name:     "clean",
			features: productFeatures(t, 90),
			want:     []protocol.Type{protocol.TypeGet, protocol.TypeGetHevCycle},
		},
		{
			name:     "night_vision",
			features: productFeatures(t, 29),
			want:     []protocol.Type{protocol.TypeGet, protocol.TypeGetInfrared},
		},
		{
			name:     "tile",
			features: productFeatures(t, 55),
			want:     []protocol.Type{protocol.TypeGet, protocol.TypeGetTileEffect},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := newFakeLink(true)
			p := NewPoller(link, &manualScheduler{}, NewState(), tt.features, time.Second)
			p.WantSignalStrength(tt.signal)
			p.tick()
			assert.Equal(t, tt.want, types(link.take()))
		})
	}
}

func TestPollerSkipsWhileOffline(t *testing.T) {
	link := newFakeLink(false)
	p := NewPoller(link, &manualScheduler{}, NewState(), staticFeatures{}, time.Second)
	p.tick()
	assert.Empty(t, link.take())

	p.OnlineChanged(true)
	assert.Equal(t, []protocol.Type{protocol.TypeGet}, types(link.take()), "coming online polls immediately")
}

func TestPollerFoldsResponses(t *testing.T) {
	observed := NewState()
	var changes []Change
	observed.AddListener(StateListenerFunc(func(c Change) { changes = append(changes, c) }))
	p := NewPoller(newFakeLink(true), &manualScheduler{}, observed, staticFeatures{}, time.Second)

	color := protocol.HSBK{Hue: 10, Saturation: 20, Brightness: 30, Kelvin: 3500}
	p.HandlePacket(reply(&protocol.State{Color: color, Power: protocol.PowerOn, Label: "x"}, 0))
	p.HandlePacket(reply(&protocol.State{Color: color, Power: protocol.PowerOn, Label: "x"}, 0))
	p.HandlePacket(reply(&protocol.StateMultiZone{Count: 10, Index: 8, Colors: [8]protocol.HSBK{{Hue: 1}, {Hue: 2}, {Hue: 3}}}, 0))
	p.HandlePacket(reply(&protocol.StateWifiInfo{Signal: 1e-5}, 0))
	p.HandlePacket(reply(&protocol.StateHevCycle{Duration: time.Hour, Remaining: time.Minute}, 0))

	snap := observed.Snapshot()
	assert.Equal(t, color, snap.Color)
	assert.Equal(t, protocol.PowerOn, snap.Power)
	assert.Len(t, snap.Zones, 10)
	assert.Equal(t, protocol.HSBK{Hue: 2}, snap.Zones[9])
	assert.InDelta(t, -50, snap.RSSI(), 0.001)
	assert.True(t, snap.HevCycle.Enabled)

	var fields []Field
	for _, c := range changes {
		fields = append(fields, c.Field)
	}
	assert.Equal(t, []Field{FieldColor, FieldPower, FieldZones, FieldZones, FieldSignal, FieldHevCycle}, fields)
}
