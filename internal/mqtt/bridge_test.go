package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

type published struct {
	payload  []byte
	retained bool
}

type fakeBroker struct {
	mu       sync.Mutex
	messages map[string]published
	handlers map[string]MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{messages: map[string]published{}, handlers: map[string]MessageHandler{}}
}

func (f *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[topic] = published{payload: payload, retained: retained}
	return nil
}

func (f *fakeBroker) Subscribe(topic string, _ byte, h MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeBroker) message(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[topic]
	return m, ok
}

type fakeLight struct {
	lifx.Commander
	power      *bool
	brightness float64
}

func (l *fakeLight) SetPower(on bool)              { l.power = &on }
func (l *fakeLight) SetBrightness(percent float64) { l.brightness = percent }

type fakeLights map[protocol.MACAddress]*fakeLight

func (f fakeLights) Commander(mac protocol.MACAddress) (lifx.Commander, bool) {
	l, ok := f[mac]
	return l, ok
}

var testMAC = protocol.MACAddress{0xD0, 0x73, 0xD5, 0, 0, 1}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "lifx"}
	assert.Equal(t, "lifx/D073D5000001/state", topics.State(testMAC.Hex()))
	assert.Equal(t, "lifx/+/set", topics.AllSets())

	mac, err := topics.ParseSet("lifx/d0:73:d5:00:00:01/set")
	require.NoError(t, err)
	assert.Equal(t, testMAC, mac)

	for _, bad := range []string{"other/D073D5000001/set", "lifx/D073D5000001/state", "lifx/nope/set", "lifx"} {
		_, err := topics.ParseSet(bad)
		assert.ErrorIs(t, err, ErrInvalidTopic, bad)
	}
}

func TestBridgeAppliesCommands(t *testing.T) {
	broker := newFakeBroker()
	light := &fakeLight{}
	b := NewBridge(broker, fakeLights{testMAC: light}, "lifx", 1)
	require.NoError(t, b.Start())

	handler := broker.handlers["lifx/+/set"]
	require.NotNil(t, handler)

	require.NoError(t, handler("lifx/D073D5000001/set", []byte(`{"power":true,"brightness":40}`)))
	require.NotNil(t, light.power)
	assert.True(t, *light.power)
	assert.Equal(t, 40.0, light.brightness)

	err := handler("lifx/D073D5000002/set", []byte(`{"power":true}`))
	assert.True(t, errors.Is(err, ErrUnknownLight))

	err = handler("lifx/D073D5000001/set", []byte(`{"brightness":140}`))
	assert.Error(t, err)
	assert.Equal(t, 40.0, light.brightness, "invalid command must not apply")
}

func TestBridgePublishesBusEvents(t *testing.T) {
	broker := newFakeBroker()
	b := NewBridge(broker, fakeLights{}, "lifx", 0)
	bus := eventbus.NewWithConfig(1, 10)
	defer bus.Close(t.Context())
	b.Register(bus)

	snap := lifx.Snapshot{Power: protocol.PowerOn, Color: protocol.HSBK{Brightness: 65535, Kelvin: 3500}}
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeState, Data: map[string]interface{}{
		eventbus.KeyMAC:      testMAC.Hex(),
		eventbus.KeySnapshot: snap,
		eventbus.KeyOnline:   true,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeOnline, Data: map[string]interface{}{
		eventbus.KeyMAC:    testMAC.Hex(),
		eventbus.KeyOnline: false,
	}})

	require.Eventually(t, func() bool {
		_, s := broker.message("lifx/D073D5000001/state")
		_, o := broker.message("lifx/D073D5000001/online")
		return s && o
	}, time.Second, 5*time.Millisecond)

	state, _ := broker.message("lifx/D073D5000001/state")
	assert.True(t, state.retained)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(state.payload, &decoded))
	assert.EqualValues(t, 65535, decoded["power"])
	assert.Equal(t, true, decoded["online"])

	online, _ := broker.message("lifx/D073D5000001/online")
	assert.Equal(t, "false", string(online.payload))
}
