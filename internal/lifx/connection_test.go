package lifx

import (
	"net"
	"testing"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

func TestSequenceCounterWraps(t *testing.T) {
	var c SequenceCounter
	for i := 0; i < 256; i++ {
		if got := c.Next(); got != uint8(i) {
			t.Fatalf("Next() = %d, want %d", got, i)
		}
	}
	if got := c.Next(); got != 0 {
		t.Errorf("Next() after 256 = %d, want 0", got)
	}
}

func TestConnectionAccepts(t *testing.T) {
	mac, _ := protocol.ParseMAC("D073D5000001")
	other, _ := protocol.ParseMAC("D073D5000002")
	host := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 56700}
	elsewhere := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 21), Port: 56700}

	conn := newConnection(nil, mac, nil)
	hostOnly := newConnection(nil, protocol.BroadcastMAC, host)

	packet := func(source uint32, target protocol.MACAddress) *protocol.Packet {
		p := protocol.NewPacket(&protocol.Acknowledgement{})
		p.Source = source
		p.Target = target
		return p
	}

	tests := []struct {
		name  string
		conn  *Connection
		p     *protocol.Packet
		from  *net.UDPAddr
		fixed *net.UDPAddr
		want  bool
	}{
		{"own_source_own_mac", conn, packet(conn.Source(), mac), elsewhere, nil, true},
		{"anonymous_source", conn, packet(0, mac), elsewhere, nil, true},
		{"foreign_source", conn, packet(conn.Source()^1, mac), elsewhere, nil, false},
		{"other_device", conn, packet(conn.Source(), other), elsewhere, nil, false},
		{"broadcast_target", conn, packet(conn.Source(), protocol.BroadcastMAC), elsewhere, nil, true},
		{"fixed_host_match", hostOnly, packet(hostOnly.Source(), other), host, host, true},
		{"fixed_host_mismatch", hostOnly, packet(hostOnly.Source(), other), elsewhere, host, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.conn.accepts(tt.p, tt.from, tt.fixed); got != tt.want {
				t.Errorf("accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}
