package lifx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

func newTestReconciler(t *testing.T, features staticFeatures) (*Reconciler, *State, *fakeLink, *clock) {
	t.Helper()
	link := newFakeLink(true)
	clk := newClock()
	r := NewReconciler(link, &manualScheduler{}, features, ReconcilerConfig{
		Fade:       300 * time.Millisecond,
		AckWait:    250 * time.Millisecond,
		MaxRetries: 3,
	})
	r.now = clk.Now
	desired := NewState()
	desired.AddListener(r)
	return r, desired, link, clk
}

func TestReconcilerCoalescesSameField(t *testing.T) {
	r, desired, link, _ := newTestReconciler(t, staticFeatures{})
	desired.Replace(Snapshot{Color: protocol.HSBK{Brightness: protocol.PercentToUint16(50), Kelvin: 3500}})

	for _, pct := range []float64{60, 70, 80} {
		desired.SetColor(desired.Snapshot().Color.WithBrightness(pct))
	}

	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, protocol.TypeSetColor, pending[0].Type)

	r.tick()
	sent := link.take()
	require.Len(t, sent, 1)
	sc, ok := sent[0].Payload.(*protocol.SetColor)
	require.True(t, ok)
	assert.Equal(t, protocol.PercentToUint16(80), sc.Color.Brightness)
	assert.Equal(t, 300*time.Millisecond, sc.Duration)
	assert.True(t, sent[0].AckRequired)
	assert.False(t, sent[0].ResRequired)
}

func TestReconcilerColorAndZonesExclusive(t *testing.T) {
	r, desired, _, _ := newTestReconciler(t, productFeatures(t, 31))
	desired.Replace(Snapshot{Zones: make([]protocol.HSBK, 8)})

	desired.SetZoneColor(2, protocol.HSBK{Hue: 100})
	desired.SetZoneColor(5, protocol.HSBK{Hue: 200})
	assert.Equal(t, []protocol.Type{protocol.TypeSetColorZones, protocol.TypeSetColorZones}, pendingTypes(r))

	desired.SetColor(protocol.HSBK{Hue: 300})
	assert.Equal(t, []protocol.Type{protocol.TypeSetColor}, pendingTypes(r))

	desired.SetZoneColor(1, protocol.HSBK{Hue: 400})
	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, protocol.TypeSetColorZones, pending[0].Type)
	assert.Equal(t, 1, pending[0].Zone)
}

func TestReconcilerDifferentFieldsCoexist(t *testing.T) {
	r, desired, _, _ := newTestReconciler(t, staticFeatures{})

	desired.SetPower(protocol.PowerOn)
	desired.SetColor(protocol.HSBK{Brightness: 1000})
	desired.SetPower(protocol.PowerOff)

	assert.ElementsMatch(t, []protocol.Type{protocol.TypeSetLightPower, protocol.TypeSetColor}, pendingTypes(r))
}

func TestReconcilerRetryLimit(t *testing.T) {
	r, desired, link, clk := newTestReconciler(t, staticFeatures{})

	var failures []Failure
	r.AddFailureListener(FailureListenerFunc(func(f Failure) { failures = append(failures, f) }))

	desired.SetPower(protocol.PowerOn)

	for i := 0; i < 10; i++ {
		r.tick()
		clk.Advance(300 * time.Millisecond)
	}

	sent := link.take()
	require.Len(t, sent, 4, "one send plus MaxRetries resends")
	for _, p := range sent {
		assert.Equal(t, sent[0].Sequence, p.Sequence, "resends reuse the sequence number")
	}
	require.Len(t, failures, 1)
	assert.Equal(t, protocol.TypeSetLightPower, failures[0].Type)
	assert.Equal(t, 4, failures[0].Attempts)
	assert.True(t, r.Idle())
}

func TestReconcilerLastSendGetsFullAckWait(t *testing.T) {
	r, desired, link, clk := newTestReconciler(t, staticFeatures{})
	var failures []Failure
	r.AddFailureListener(FailureListenerFunc(func(f Failure) { failures = append(failures, f) }))

	desired.SetPower(protocol.PowerOn)
	r.tick()
	for i := 0; i < 3; i++ {
		clk.Advance(250 * time.Millisecond)
		r.tick()
	}
	require.Len(t, link.take(), 4)

	// Right after the last send the message is exhausted but may still be acknowledged
	clk.Advance(50 * time.Millisecond)
	r.tick()
	assert.Empty(t, link.take())
	assert.Empty(t, failures)
	assert.False(t, r.Idle())

	clk.Advance(200 * time.Millisecond)
	r.tick()
	assert.Empty(t, link.take())
	require.Len(t, failures, 1)
	assert.Equal(t, 4, failures[0].Attempts)
	assert.True(t, r.Idle())
}

func TestReconcilerAckOfLastSendIsNotAFailure(t *testing.T) {
	r, desired, link, clk := newTestReconciler(t, staticFeatures{})
	var failures []Failure
	r.AddFailureListener(FailureListenerFunc(func(f Failure) { failures = append(failures, f) }))

	desired.SetPower(protocol.PowerOn)
	for i := 0; i < 4; i++ {
		r.tick()
		clk.Advance(250 * time.Millisecond)
	}
	sent := link.take()
	require.Len(t, sent, 4)

	r.HandlePacket(reply(&protocol.Acknowledgement{}, sent[3].Sequence))
	r.tick()
	assert.Empty(t, failures)
	assert.True(t, r.Idle())
}

func TestReconcilerWaitsForAckInterval(t *testing.T) {
	r, desired, link, clk := newTestReconciler(t, staticFeatures{})
	desired.SetPower(protocol.PowerOn)

	r.tick()
	clk.Advance(100 * time.Millisecond)
	r.tick()
	assert.Len(t, link.take(), 1)

	clk.Advance(200 * time.Millisecond)
	r.tick()
	assert.Len(t, link.take(), 1)
}

func TestReconcilerSendsOldestFirst(t *testing.T) {
	r, desired, link, clk := newTestReconciler(t, staticFeatures{})
	desired.SetPower(protocol.PowerOn)
	desired.SetColor(protocol.HSBK{Hue: 1})

	r.tick()
	clk.Advance(10 * time.Millisecond)
	r.tick()
	assert.Equal(t, []protocol.Type{protocol.TypeSetLightPower, protocol.TypeSetColor}, types(link.take()))

	clk.Advance(300 * time.Millisecond)
	r.tick()
	assert.Equal(t, []protocol.Type{protocol.TypeSetLightPower}, types(link.take()))
}

func TestReconcilerOfflineSendsNothing(t *testing.T) {
	r, desired, link, _ := newTestReconciler(t, staticFeatures{})
	link.SetOnline(false)
	desired.SetPower(protocol.PowerOn)

	r.tick()
	assert.Empty(t, link.take())
	assert.False(t, r.Idle())
}

func TestReconcilerAckTriggersReadBack(t *testing.T) {
	tests := []struct {
		name     string
		features staticFeatures
		change   func(s *State)
		want     []protocol.Type
	}{
		{
			name:     "power",
			features: staticFeatures{},
			change:   func(s *State) { s.SetPower(protocol.PowerOn) },
			want:     []protocol.Type{protocol.TypeGetLightPower},
		},
		{
			name:     "color_single_zone",
			features: productFeatures(t, 27),
			change:   func(s *State) { s.SetColor(protocol.HSBK{Hue: 5}) },
			want:     []protocol.Type{protocol.TypeGet},
		},
		{
			name:     "color_multizone",
			features: productFeatures(t, 31),
			change:   func(s *State) { s.SetColor(protocol.HSBK{Hue: 5}) },
			want:     []protocol.Type{protocol.TypeGet, protocol.TypeGetColorZones},
		},
		{
			name:     "infrared",
			features: productFeatures(t, 29),
			change:   func(s *State) { s.SetInfrared(100) },
			want:     []protocol.Type{protocol.TypeGetInfrared},
		},
		{
			name:     "hev",
			features: productFeatures(t, 90),
			change:   func(s *State) { s.SetHevCycle(HevCycle{Enabled: true, Duration: time.Hour}) },
			want:     []protocol.Type{protocol.TypeGetHevCycle},
		},
		{
			name:     "tile_effect",
			features: productFeatures(t, 55),
			change:   func(s *State) { s.SetTileEffect(protocol.Effect{Type: protocol.EffectMorph}) },
			want:     []protocol.Type{protocol.TypeGetTileEffect},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, desired, link, _ := newTestReconciler(t, tt.features)
			tt.change(desired)
			r.tick()
			sent := link.take()
			require.Len(t, sent, 1)

			r.HandlePacket(reply(&protocol.Acknowledgement{}, sent[0].Sequence))
			assert.True(t, r.Idle())
			assert.Equal(t, tt.want, types(link.take()))
		})
	}
}

func TestReconcilerAckRemovesOnlyMatching(t *testing.T) {
	r, desired, link, clk := newTestReconciler(t, staticFeatures{})
	desired.SetPower(protocol.PowerOn)
	desired.SetColor(protocol.HSBK{Hue: 9})
	r.tick()
	clk.Advance(time.Millisecond)
	r.tick()
	sent := link.take()
	require.Len(t, sent, 2)

	r.HandlePacket(reply(&protocol.Acknowledgement{}, 200))
	assert.Len(t, r.Pending(), 2, "unknown sequence is ignored")

	r.HandlePacket(reply(&protocol.Acknowledgement{}, sent[0].Sequence))
	assert.Equal(t, []protocol.Type{protocol.TypeSetColor}, pendingTypes(r))
}

func TestReconcilerIgnoresDisabledHevChanges(t *testing.T) {
	r, desired, _, _ := newTestReconciler(t, productFeatures(t, 90))

	desired.SetHevCycle(HevCycle{Enabled: false, Duration: time.Hour})
	assert.True(t, r.Idle())

	desired.SetHevCycle(HevCycle{Enabled: true, Duration: time.Hour})
	assert.Equal(t, []protocol.Type{protocol.TypeSetHevCycle}, pendingTypes(r))
}

func TestReconcilerStopClearsPending(t *testing.T) {
	r, desired, _, _ := newTestReconciler(t, staticFeatures{})
	desired.SetPower(protocol.PowerOn)
	r.Stop()
	assert.True(t, r.Idle())
}

func pendingTypes(r *Reconciler) []protocol.Type {
	var out []protocol.Type
	for _, p := range r.Pending() {
		out = append(out, p.Type)
	}
	return out
}
