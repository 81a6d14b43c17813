package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// Broker is the part of Client the bridge needs.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// Lights resolves a MAC to a running light.
type Lights interface {
	Commander(mac protocol.MACAddress) (lifx.Commander, bool)
}

// StatePayload is published on the state topic.
type StatePayload struct {
	lifx.Snapshot
	SignalStrength int  `json:"signal_strength"`
	Online         bool `json:"online"`
}

// Bridge mirrors light events to MQTT and turns set messages into commands.
type Bridge struct {
	broker Broker
	lights Lights
	topics Topics
	qos    byte
}

func NewBridge(broker Broker, lights Lights, prefix string, qos int) *Bridge {
	return &Bridge{broker: broker, lights: lights, topics: Topics{Prefix: prefix}, qos: byte(qos)}
}

// Start subscribes to the command topics of all lights.
func (b *Bridge) Start() error {
	if err := b.broker.Subscribe(b.topics.AllSets(), b.qos, b.handleSet); err != nil {
		return err
	}
	log.Info().Str("topic", b.topics.AllSets()).Msg("MQTT bridge listening for commands")
	return nil
}

// Register subscribes the bridge to the light events on bus.
func (b *Bridge) Register(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeState, func(e eventbus.Event) {
		snap, _ := e.Data[eventbus.KeySnapshot].(lifx.Snapshot)
		online, _ := e.Data[eventbus.KeyOnline].(bool)
		b.logErr(b.PublishState(e.MAC(), snap, online), e)
	})
	bus.Subscribe(eventbus.EventTypeOnline, func(e eventbus.Event) {
		online, _ := e.Data[eventbus.KeyOnline].(bool)
		b.logErr(b.PublishOnline(e.MAC(), online), e)
	})
	bus.Subscribe(eventbus.EventTypeProperties, func(e eventbus.Event) {
		props, _ := e.Data[eventbus.KeyProperties].(lifx.Properties)
		b.logErr(b.PublishProperties(e.MAC(), props), e)
	})
}

func (b *Bridge) logErr(err error, e eventbus.Event) {
	if err != nil {
		log.Warn().Err(err).Str("mac", e.MAC()).Str("event", string(e.Type)).Msg("MQTT publish failed")
	}
}

func (b *Bridge) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return b.broker.Publish(topic, payload, b.qos, true)
}

func (b *Bridge) PublishState(mac string, snap lifx.Snapshot, online bool) error {
	return b.publishJSON(b.topics.State(mac), StatePayload{
		Snapshot:       snap,
		SignalStrength: snap.SignalStrength(),
		Online:         online,
	})
}

func (b *Bridge) PublishOnline(mac string, online bool) error {
	return b.broker.Publish(b.topics.Online(mac), []byte(strconv.FormatBool(online)), b.qos, true)
}

func (b *Bridge) PublishProperties(mac string, props lifx.Properties) error {
	return b.publishJSON(b.topics.Properties(mac), props)
}

func (b *Bridge) handleSet(topic string, payload []byte) error {
	mac, err := b.topics.ParseSet(topic)
	if err != nil {
		return err
	}
	light, ok := b.lights.Commander(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLight, mac)
	}

	var cmd lifx.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode command for %s: %w", mac, err)
	}
	if err := cmd.Apply(light); err != nil {
		return fmt.Errorf("apply command for %s: %w", mac, err)
	}
	log.Debug().Str("mac", mac.Hex()).Str("payload", string(payload)).Msg("MQTT command applied")
	return nil
}
