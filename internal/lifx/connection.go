package lifx

import (
	"math/rand/v2"
	"net"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// Connection is the selector context for one device: the multiplexer that owns
// its sockets, the source id stamped on every outbound packet, the sequence
// counter, and what is currently known about the device's address.
//
// A Connection lives from transport start to stop. Its fields other than the
// counter are guarded by the owning transport's lock.
type Connection struct {
	mux      *Multiplexer
	source   uint32
	seq      SequenceCounter
	mac      protocol.MACAddress
	endpoint *net.UDPAddr
	service  uint8
}

func newConnection(mux *Multiplexer, mac protocol.MACAddress, endpoint *net.UDPAddr) *Connection {
	return &Connection{
		mux:      mux,
		source:   newSource(),
		mac:      mac,
		endpoint: endpoint,
	}
}

// newSource returns a random non-zero source id. Zero asks devices to
// broadcast their replies, which would defeat source filtering.
func newSource() uint32 {
	for {
		if s := rand.Uint32(); s != 0 {
			return s
		}
	}
}

// Source returns the random source identifier of this connection.
func (c *Connection) Source() uint32 { return c.source }

// accepts reports whether an inbound packet belongs to this connection.
// host is the fixed endpoint from configuration, if any.
func (c *Connection) accepts(p *protocol.Packet, from *net.UDPAddr, host *net.UDPAddr) bool {
	if p.Source != 0 && p.Source != c.source {
		return false
	}
	switch {
	case p.Target.IsBroadcast():
		return true
	case c.mac != protocol.BroadcastMAC && p.Target == c.mac:
		return true
	case host != nil && from != nil && host.IP.Equal(from.IP):
		return true
	}
	return false
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
