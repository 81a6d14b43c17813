package mqtt

import (
	"fmt"
	"strings"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// Topic leaves under <prefix>/<mac>/.
const (
	leafState      = "state"
	leafOnline     = "online"
	leafProperties = "properties"
	leafSet        = "set"
)

// Topics builds the per-light topic tree:
//
//	<prefix>/<MAC>/state       retained observed state
//	<prefix>/<MAC>/online      retained "true"/"false"
//	<prefix>/<MAC>/properties  retained property map
//	<prefix>/<MAC>/set         commands
//	<prefix>/bridge/status     retained daemon status, also the last will
type Topics struct {
	Prefix string
}

func (t Topics) light(mac, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix, mac, leaf)
}

func (t Topics) State(mac string) string      { return t.light(mac, leafState) }
func (t Topics) Online(mac string) string     { return t.light(mac, leafOnline) }
func (t Topics) Properties(mac string) string { return t.light(mac, leafProperties) }
func (t Topics) Set(mac string) string        { return t.light(mac, leafSet) }

// AllSets matches the command topic of every light.
func (t Topics) AllSets() string { return t.light("+", leafSet) }

// Status is the daemon's own status topic.
func (t Topics) Status() string { return t.Prefix + "/bridge/status" }

// ParseSet extracts the light from a command topic.
func (t Topics) ParseSet(topic string) (protocol.MACAddress, error) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return protocol.MACAddress{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	mac, leaf, ok := strings.Cut(rest, "/")
	if !ok || leaf != leafSet {
		return protocol.MACAddress{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	parsed, err := protocol.ParseMAC(mac)
	if err != nil {
		return protocol.MACAddress{}, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	return parsed, nil
}
