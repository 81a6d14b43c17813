package history

import (
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

type memoryWriter struct {
	mu     sync.Mutex
	points []*write.Point
}

func (m *memoryWriter) WritePoint(p *write.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, p)
}

func (m *memoryWriter) all() []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*write.Point(nil), m.points...)
}

func fields(p *write.Point) map[string]interface{} {
	out := map[string]interface{}{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tags(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestRecordState(t *testing.T) {
	w := &memoryWriter{}
	r := NewRecorder(w)
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }

	r.RecordState("D073D5000001", lifx.Snapshot{
		Power:  protocol.PowerOn,
		Color:  protocol.HSBK{Brightness: protocol.PercentToUint16(50), Kelvin: 2700},
		Signal: 1e-6,
	})
	r.RecordState("D073D5000001", lifx.Snapshot{})

	points := w.all()
	require.Len(t, points, 2)
	p := points[0]
	assert.Equal(t, MeasurementState, p.Name())
	assert.Equal(t, at, p.Time())
	assert.Equal(t, "D073D5000001", tags(p)["mac"])

	f := fields(p)
	assert.Equal(t, true, f["power"])
	assert.InDelta(t, 50.0, f["brightness"], 0.01)
	assert.EqualValues(t, 2700, f["kelvin"])
	assert.EqualValues(t, -60, f["rssi"])
	assert.EqualValues(t, 3, f["signal_strength"])

	_, hasRSSI := fields(points[1])["rssi"]
	assert.False(t, hasRSSI, "no signal reading means no rssi field")
}

func TestRecorderFollowsBus(t *testing.T) {
	w := &memoryWriter{}
	r := NewRecorder(w)
	bus := eventbus.NewWithConfig(1, 10)
	defer bus.Close(t.Context())
	r.Register(bus)

	bus.Publish(eventbus.Event{Type: eventbus.EventTypeOnline, Data: map[string]interface{}{
		eventbus.KeyMAC: "D073D5000001", eventbus.KeyOnline: true,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeDeliveryFailed, Data: map[string]interface{}{
		eventbus.KeyMAC:     "D073D5000001",
		eventbus.KeyFailure: lifx.Failure{Type: protocol.TypeSetColor, Zone: -1, Attempts: 4},
	}})

	require.Eventually(t, func() bool { return len(w.all()) == 2 }, time.Second, 5*time.Millisecond)

	byName := map[string]*write.Point{}
	for _, p := range w.all() {
		byName[p.Name()] = p
	}
	assert.Equal(t, true, fields(byName[MeasurementOnline])["online"])
	failure := byName[MeasurementDelivery]
	require.NotNil(t, failure)
	assert.EqualValues(t, 4, fields(failure)["attempts"])
	assert.Equal(t, protocol.TypeSetColor.String(), tags(failure)["type"])
}
